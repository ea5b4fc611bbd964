package domain

import (
	"github.com/shopspring/decimal"
)

// Operation is the canonical transaction operation kind.
type Operation string

const (
	OperationTransfer     Operation = "TRANSFER"
	OperationContractCall Operation = "CONTRACT_CALL"
	OperationApprove      Operation = "APPROVE"
	OperationMint         Operation = "MINT"
	OperationBurn         Operation = "BURN"
	OperationSupply       Operation = "SUPPLY"
	OperationRedeem       Operation = "REDEEM"
	OperationStake        Operation = "STAKE"
	OperationRaw          Operation = "RAW"
	OperationTypedMessage Operation = "TYPED_MESSAGE"
)

var operations = map[string]Operation{
	string(OperationTransfer):     OperationTransfer,
	string(OperationContractCall): OperationContractCall,
	string(OperationApprove):      OperationApprove,
	string(OperationMint):         OperationMint,
	string(OperationBurn):         OperationBurn,
	string(OperationSupply):       OperationSupply,
	string(OperationRedeem):       OperationRedeem,
	string(OperationStake):        OperationStake,
	string(OperationRaw):          OperationRaw,
	string(OperationTypedMessage): OperationTypedMessage,
}

// ParseOperation maps an operation string onto its canonical kind.
func ParseOperation(s string) (Operation, error) {
	op, ok := operations[s]
	if !ok {
		return "", &UnsupportedOperationError{Operation: s}
	}
	return op, nil
}

// PeerTypeOneTimeAddress marks a destination that is not on a whitelist.
const PeerTypeOneTimeAddress = "ONE_TIME_ADDRESS"

// Peer is one side of a transfer.
type Peer struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Subtype string `json:"subtype,omitempty"`
	Address string `json:"address,omitempty"`
}

// Transaction is the canonical, immutable view of an authorization request.
type Transaction struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"requestId,omitempty"`
	Initiator   string    `json:"initiator"`
	Approvers   []string  `json:"approvers,omitempty"`
	Source      Peer      `json:"source"`
	Destination Peer      `json:"destination"`
	Asset       string    `json:"asset"`
	Operation   Operation `json:"operation"`

	// Amount is in native units and participates in threshold comparisons,
	// so it must never pass through a float.
	Amount decimal.Decimal `json:"amount"`

	// Volume is the USD value summed over all destinations.
	Volume float64 `json:"volume"`

	// Timestamp is seconds since epoch at normalization time.
	Timestamp int64 `json:"timestamp"`
}

// CallbackPayload is the raw transaction approval request sent by the
// co-signer. Only the fields the normalizer reads are declared.
type CallbackPayload struct {
	TxID            string                `json:"txId"`
	RequestID       string                `json:"requestId"`
	Operation       string                `json:"operation"`
	SourceType      string                `json:"sourceType"`
	SourceID        string                `json:"sourceId"`
	DestType        string                `json:"destType"`
	DestID          string                `json:"destId"`
	DestAddress     string                `json:"destAddress"`
	DestAddressType string                `json:"destAddressType"`
	Asset           string                `json:"asset"`
	Amount          float64               `json:"amount"`
	AmountStr       string                `json:"amountStr"`
	Destinations    []CallbackDestination `json:"destinations"`
	Players         []string              `json:"players,omitempty"`
	Initiator       string                `json:"initiator,omitempty"`
	Approvers       []string              `json:"approvers,omitempty"`
}

// CallbackDestination is one entry of CallbackPayload.Destinations.
type CallbackDestination struct {
	AmountNative      float64 `json:"amountNative"`
	AmountNativeStr   string  `json:"amountNativeStr"`
	AmountUSD         float64 `json:"amountUSD"`
	DstAddressType    string  `json:"dstAddressType"`
	DstID             string  `json:"dstId"`
	DstType           string  `json:"dstType"`
	DstSubType        string  `json:"dstSubType"`
	DisplayDstAddress string  `json:"displayDstAddress"`
}
