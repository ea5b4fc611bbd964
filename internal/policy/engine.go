// Package policy implements the ordered, first-match transaction policy engine.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/shopspring/decimal"
)

// Result is the outcome of a policy check.
type Result struct {
	Allow bool

	// MatchedRule is nil when no rule matched.
	MatchedRule *domain.PolicyRule

	// RuleIndex is the position of MatchedRule, or -1.
	RuleIndex int
}

// Engine evaluates transactions against an ordered rule list and keeps the
// history of allowed transactions for TIMEFRAME rules.
//
// An Engine is built once per policy load and discarded when the policy
// changes; rules and groups are never mutated after construction.
type Engine struct {
	mu      sync.Mutex
	rules   []*domain.PolicyRule
	groups  domain.GroupMembership
	history History

	rates          domain.RateProvider
	checkInitiator bool
	checkApprovers bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRateProvider sets the USD to EUR rate source used by EUR thresholds.
func WithRateProvider(p domain.RateProvider) Option {
	return func(e *Engine) {
		if p != nil {
			e.rates = p
		}
	}
}

// WithInitiatorCheck enables the operator predicate.
func WithInitiatorCheck(enabled bool) Option {
	return func(e *Engine) { e.checkInitiator = enabled }
}

// WithApproverCheck enables the authorization-group predicate.
func WithApproverCheck(enabled bool) Option {
	return func(e *Engine) { e.checkApprovers = enabled }
}

// StaticRate is a RateProvider returning a fixed rate.
type StaticRate float64

// USDToEUR implements domain.RateProvider.
func (r StaticRate) USDToEUR(context.Context) float64 { return float64(r) }

// NewEngine creates an engine over rules, evaluated in slice order.
func NewEngine(rules []*domain.PolicyRule, groups domain.GroupMembership, opts ...Option) *Engine {
	if groups == nil {
		groups = domain.GroupMembership{}
	}
	e := &Engine{
		rules:  rules,
		groups: groups,
		rates:  StaticRate(1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromDocument parses a policy document and builds an engine from it.
func FromDocument(doc []byte, groups domain.GroupMembership, opts ...Option) (*Engine, error) {
	rules, err := ParseDocument(doc)
	if err != nil {
		return nil, err
	}
	return NewEngine(rules, groups, opts...), nil
}

// CheckTx returns the decision for tx. The first rule whose predicates all
// hold wins; no match is a deny. Allowed transactions are appended to the
// history. A configuration error aborts the check: the caller must not treat
// it as a deny.
func (e *Engine) CheckTx(ctx context.Context, tx *domain.Transaction) (*Result, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	}

	// History reads for aggregation and the append below form one critical section.
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &Result{RuleIndex: -1}

	for i, rule := range e.rules {
		ok, err := e.matches(ctx, tx, rule)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if ok {
			result.MatchedRule = rule
			result.RuleIndex = i
			break
		}
	}

	if result.MatchedRule != nil && result.MatchedRule.Action.Allows() {
		result.Allow = true
		e.history.Append(tx)
	}

	slog.Debug("policy check",
		"tx_id", tx.ID,
		"allow", result.Allow,
		"rule_index", result.RuleIndex,
	)

	return result, nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(e.rules)
}

// History returns a snapshot of the allowed transactions recorded so far.
func (e *Engine) History() []*domain.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Snapshot()
}

func (e *Engine) matches(ctx context.Context, tx *domain.Transaction, rule *domain.PolicyRule) (bool, error) {
	if err := e.validate(rule); err != nil {
		return false, err
	}

	if !matchAsset(tx, rule) {
		return false, nil
	}
	if e.checkInitiator && !e.matchInitiator(tx, rule) {
		return false, nil
	}
	if !matchTransactionType(tx, rule) {
		return false, nil
	}
	if !matchDstAddressType(tx, rule) {
		return false, nil
	}
	if !matchSource(tx, rule) || !matchDestination(tx, rule) {
		return false, nil
	}
	if e.checkApprovers {
		ok, err := e.matchApprovers(tx, rule)
		if err != nil || !ok {
			return false, err
		}
	}
	return e.matchValue(ctx, tx, rule), nil
}

// validate rejects enum values the predicates cannot interpret, whether or not
// the rule would otherwise match, so a broken BLOCK rule cannot fail open.
func (e *Engine) validate(rule *domain.PolicyRule) error {
	switch rule.AmountScope {
	case domain.ScopeSingleTx:
	case domain.ScopeTimeframe:
		switch rule.AmountCurrency {
		case domain.CurrencyUSD, domain.CurrencyEUR, domain.CurrencyNative:
		default:
			return &domain.ConfigError{Field: "amountCurrency", Value: string(rule.AmountCurrency)}
		}
	default:
		return &domain.ConfigError{Field: "amountScope", Value: string(rule.AmountScope)}
	}

	switch rule.DstAddressType {
	case domain.DstAddressAny, domain.DstAddressOneTime, domain.DstAddressWhitelisted:
	default:
		return &domain.ConfigError{Field: "dstAddressType", Value: string(rule.DstAddressType)}
	}

	if e.checkApprovers && rule.AuthorizationGroups != nil {
		switch rule.AuthorizationGroups.Logic {
		case domain.LogicAnd, domain.LogicOr:
		default:
			return &domain.ConfigError{Field: "authorizationGroups.logic", Value: string(rule.AuthorizationGroups.Logic)}
		}
	}
	return nil
}

func matchAsset(tx *domain.Transaction, rule *domain.PolicyRule) bool {
	return rule.Asset == domain.Wildcard || rule.Asset == tx.Asset
}

func (e *Engine) matchInitiator(tx *domain.Transaction, rule *domain.PolicyRule) bool {
	if rule.Operators.Any {
		return true
	}

	if rule.Operators.Users != nil && !contains(rule.Operators.Users, tx.Initiator) {
		return false
	}

	if rule.Operators.UserGroups != nil {
		for _, groupID := range rule.Operators.UserGroups {
			if contains(e.groups[groupID], tx.Initiator) {
				return true
			}
		}
		return false
	}
	return true
}

// matchValue compares the transaction, or the window it closes, against the threshold.
// SINGLE_TX always compares USD volume whatever the configured currency.
func (e *Engine) matchValue(ctx context.Context, tx *domain.Transaction, rule *domain.PolicyRule) bool {
	if rule.AmountScope == domain.ScopeSingleTx {
		return atLeast(tx.Volume, rule.Amount)
	}

	volume, amount := e.history.Aggregate(aggregateFilter(tx, rule))
	volume += tx.Volume
	amount = amount.Add(tx.Amount)

	switch rule.AmountCurrency {
	case domain.CurrencyEUR:
		return atLeast(volume*e.rates.USDToEUR(ctx), rule.Amount)
	case domain.CurrencyNative:
		return amount.GreaterThanOrEqual(rule.Amount)
	default:
		return atLeast(volume, rule.Amount)
	}
}

// atLeast reports whether v reaches threshold. +Inf reaches every threshold;
// NaN and -Inf reach none.
func atLeast(v float64, threshold decimal.Decimal) bool {
	switch {
	case math.IsInf(v, 1):
		return true
	case math.IsInf(v, -1), math.IsNaN(v):
		return false
	}
	return decimal.NewFromFloat(v).GreaterThanOrEqual(threshold)
}

func aggregateFilter(tx *domain.Transaction, rule *domain.PolicyRule) AggregateFilter {
	agg := rule.AmountAggregation
	return AggregateFilter{
		RestrictInitiator:   agg.Operators != domain.AggregateAcrossAll,
		Initiator:           tx.Initiator,
		RestrictSource:      agg.SrcTransferPeers != domain.AggregateAcrossAll,
		SourceID:            tx.Source.ID,
		RestrictDestination: agg.DstTransferPeers != domain.AggregateAcrossAll,
		DestinationID:       tx.Destination.ID,
		RestrictAsset:       rule.Asset != domain.Wildcard,
		Asset:               rule.Asset,
		Operations:          ruleOperations(rule),
		Now:                 tx.Timestamp,
		PeriodSec:           rule.PeriodSec,
	}
}

// ruleOperations lists the operations a rule applies to.
func ruleOperations(rule *domain.PolicyRule) []domain.Operation {
	ops := []domain.Operation{rule.TransactionType}
	if rule.TransactionType == domain.OperationContractCall {
		if rule.ApplyForApprove {
			ops = append(ops, domain.OperationApprove)
		}
		if rule.ApplyForTypedMessage {
			ops = append(ops, domain.OperationTypedMessage)
		}
	}
	return ops
}

func matchTransactionType(tx *domain.Transaction, rule *domain.PolicyRule) bool {
	return containsOperation(ruleOperations(rule), tx.Operation)
}

func matchDstAddressType(tx *domain.Transaction, rule *domain.PolicyRule) bool {
	switch rule.DstAddressType {
	case domain.DstAddressOneTime:
		return tx.Destination.Type == domain.PeerTypeOneTimeAddress
	case domain.DstAddressWhitelisted:
		return tx.Destination.Type != domain.PeerTypeOneTimeAddress
	default:
		return true
	}
}

func matchSource(tx *domain.Transaction, rule *domain.PolicyRule) bool {
	return matchPeer(tx.Source, rule.Src)
}

func matchDestination(tx *domain.Transaction, rule *domain.PolicyRule) bool {
	if rule.DstAddressType == domain.DstAddressOneTime && tx.Destination.Type == domain.PeerTypeOneTimeAddress {
		return true
	}
	return matchPeer(tx.Destination, rule.Dst)
}

func matchPeer(p domain.Peer, m domain.PeerMatcher) bool {
	if m.Any {
		return true
	}
	for _, ref := range m.Refs {
		if component(ref.ID, p.ID) && component(ref.Type, p.Type) && component(ref.Subtype, p.Subtype) {
			return true
		}
	}
	return false
}

// component matches one partial-match field; unset and wildcard match anything.
func component(want, got string) bool {
	return want == "" || want == domain.Wildcard || want == got
}

func (e *Engine) matchApprovers(tx *domain.Transaction, rule *domain.PolicyRule) (bool, error) {
	spec := rule.AuthorizationGroups
	if spec == nil {
		return true, nil
	}

	sets, err := SatisfyingSets(spec, tx.Initiator, e.groups)
	if err != nil {
		return false, err
	}

	approvers := append([]string(nil), tx.Approvers...)
	if spec.AllowOperatorAsAuthorizer && tx.Initiator != "" {
		approvers = append(approvers, tx.Initiator)
	}
	return containsExactSet(sets, newApproverSet(approvers...)), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
