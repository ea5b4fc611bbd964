package domain

import (
	"github.com/shopspring/decimal"
)

// Wildcard is the "don't care" sentinel used throughout policy documents.
const Wildcard = "*"

// Action is what a matched rule decides.
type Action string

const (
	ActionAllow   Action = "ALLOW"
	ActionBlock   Action = "BLOCK"
	ActionTwoTier Action = "2-TIER"
)

// Allows reports whether a matched rule with this action approves the transaction.
func (a Action) Allows() bool {
	return a == ActionAllow || a == ActionTwoTier
}

// AmountScope selects between a per-transaction and a windowed threshold.
type AmountScope string

const (
	ScopeSingleTx  AmountScope = "SINGLE_TX"
	ScopeTimeframe AmountScope = "TIMEFRAME"
)

// Currency is the unit a rule threshold is expressed in.
type Currency string

const (
	CurrencyUSD    Currency = "USD"
	CurrencyEUR    Currency = "EUR"
	CurrencyNative Currency = "NATIVE"
)

// AggregationMode controls one TIMEFRAME aggregation dimension.
type AggregationMode string

const (
	// AggregatePerMatch restricts aggregation to this transaction's value.
	AggregatePerMatch AggregationMode = "PER_SINGLE_MATCH"
	// AggregateAcrossAll pools every value of the dimension.
	AggregateAcrossAll AggregationMode = "ACROSS_ALL_MATCHES"
)

// DstAddressType restricts the kind of destination address a rule applies to.
type DstAddressType string

const (
	DstAddressAny         DstAddressType = Wildcard
	DstAddressOneTime     DstAddressType = "ONE_TIME"
	DstAddressWhitelisted DstAddressType = "WHITELISTED"
)

// GroupLogic combines authorization groups.
type GroupLogic string

const (
	LogicAnd GroupLogic = "AND"
	LogicOr  GroupLogic = "OR"
)

// PolicyRule is the canonical form of one policy rule.
type PolicyRule struct {
	Type   string `json:"type,omitempty"`
	Action Action `json:"action"`

	// Asset is a concrete symbol or Wildcard.
	Asset string `json:"asset"`

	Amount               decimal.Decimal    `json:"amount"`
	AmountCurrency       Currency           `json:"amountCurrency"`
	AmountScope          AmountScope        `json:"amountScope"`
	PeriodSec            int64              `json:"periodSec"`
	AmountAggregation    AmountAggregation  `json:"amountAggregation"`
	TransactionType      Operation          `json:"transactionType"`
	ApplyForApprove      bool               `json:"applyForApprove"`
	ApplyForTypedMessage bool               `json:"applyForTypedMessage"`
	Operators            OperatorMatcher    `json:"operators"`
	Src                  PeerMatcher        `json:"src"`
	Dst                  PeerMatcher        `json:"dst"`
	DstAddressType       DstAddressType     `json:"dstAddressType"`
	AuthorizationGroups  *AuthorizationSpec `json:"authorizationGroups,omitempty"`
}

// AmountAggregation holds the TIMEFRAME aggregation flags.
type AmountAggregation struct {
	Operators        AggregationMode `json:"operators"`
	SrcTransferPeers AggregationMode `json:"srcTransferPeers"`
	DstTransferPeers AggregationMode `json:"dstTransferPeers"`
}

// PeerRef is a partial-match object. An empty or wildcard component matches anything.
type PeerRef struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type,omitempty"`
	Subtype string `json:"subtype,omitempty"`
}

// PeerMatcher matches a transaction source or destination.
type PeerMatcher struct {
	Any  bool      `json:"any"`
	Refs []PeerRef `json:"refs,omitempty"`
}

// OperatorMatcher matches the transaction initiator. Nil lists mean "don't care".
type OperatorMatcher struct {
	Any        bool     `json:"any"`
	Users      []string `json:"users,omitempty"`
	UserGroups []string `json:"usersGroups,omitempty"`
}

// AuthorizationSpec is the authorization-group requirement of a rule.
type AuthorizationSpec struct {
	Logic                     GroupLogic           `json:"logic"`
	AllowOperatorAsAuthorizer bool                 `json:"allowOperatorAsAuthorizer"`
	Groups                    []AuthorizationGroup `json:"groups"`
}

// AuthorizationGroup is one set of eligible approvers and its required count.
type AuthorizationGroup struct {
	Users      []string `json:"users,omitempty"`
	UserGroups []string `json:"usersGroups,omitempty"`
	Threshold  int      `json:"th"`
}

// GroupMembership maps a user-group id to its member user ids.
type GroupMembership map[string][]string
