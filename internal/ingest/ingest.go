// Package ingest converts upstream transaction payloads into canonical transactions.
package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/shopspring/decimal"
)

// Normalizer builds canonical transactions. Now defaults to time.Now.
type Normalizer struct {
	Now func() time.Time
}

// NewNormalizer creates a normalizer using the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{Now: time.Now}
}

// FromJSON decodes a raw callback body and normalizes it.
func (n *Normalizer) FromJSON(data []byte) (*domain.Transaction, error) {
	var payload domain.CallbackPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", domain.ErrInvalidInput, err)
	}
	return n.FromCallback(&payload)
}

// FromClaims normalizes an already decoded set of JWT claims.
func (n *Normalizer) FromClaims(claims map[string]any) (*domain.Transaction, error) {
	data, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: encode claims: %v", domain.ErrInvalidInput, err)
	}
	return n.FromJSON(data)
}

// FromCallback converts a co-signer approval request into a Transaction.
//
// The amount is parsed from amountStr, never from the float field. The
// timestamp is taken at normalization time: aggregation windows are relative
// to processing, not to anything the payload claims.
func (n *Normalizer) FromCallback(p *domain.CallbackPayload) (*domain.Transaction, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: payload is required", domain.ErrInvalidInput)
	}

	op, err := domain.ParseOperation(p.Operation)
	if err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(p.AmountStr)
	if err != nil {
		return nil, fmt.Errorf("%w: amountStr %q: %v", domain.ErrInvalidInput, p.AmountStr, err)
	}

	now := time.Now
	if n != nil && n.Now != nil {
		now = n.Now
	}

	tx := &domain.Transaction{
		ID:        p.TxID,
		RequestID: p.RequestID,
		Initiator: p.Initiator,
		Approvers: append([]string(nil), p.Approvers...),
		Source: domain.Peer{
			Type: p.SourceType,
			ID:   p.SourceID,
		},
		Destination: domain.Peer{
			Type:    p.DestType,
			ID:      p.DestID,
			Address: p.DestAddress,
		},
		Asset:     p.Asset,
		Operation: op,
		Amount:    amount,
		Timestamp: now().Unix(),
	}

	subtypeSet := false
	for _, dst := range p.Destinations {
		tx.Volume += dst.AmountUSD
		if !subtypeSet && dst.DisplayDstAddress == p.DestAddress {
			tx.Destination.Subtype = dst.DstSubType
			subtypeSet = true
		}
	}
	if math.IsInf(tx.Volume, 0) || math.IsNaN(tx.Volume) {
		return nil, fmt.Errorf("%w: destination amounts overflow the USD volume", domain.ErrInvalidInput)
	}

	return tx, nil
}
