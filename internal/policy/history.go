package policy

import (
	"log/slog"

	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/shopspring/decimal"
)

// History is the append-only log of allowed transactions used for TIMEFRAME
// aggregation. It is not safe for concurrent use; the owning Engine guards it.
//
// The log grows for the lifetime of the engine. Pruning entries older than the
// longest configured period is left to whoever rebuilds the engine.
type History struct {
	entries []*domain.Transaction
}

// Append records an allowed transaction.
func (h *History) Append(tx *domain.Transaction) {
	h.entries = append(h.entries, tx)
}

// Len returns the number of recorded transactions.
func (h *History) Len() int {
	return len(h.entries)
}

// Snapshot returns a copy of the recorded transactions in append order.
func (h *History) Snapshot() []*domain.Transaction {
	out := make([]*domain.Transaction, len(h.entries))
	copy(out, h.entries)
	return out
}

// AggregateFilter selects the history entries that count towards a window.
// An empty string for Initiator, SourceID, DestinationID or Asset with the
// matching Restrict flag unset means "aggregate across all".
type AggregateFilter struct {
	RestrictInitiator bool
	Initiator         string

	RestrictSource bool
	SourceID       string

	RestrictDestination bool
	DestinationID       string

	RestrictAsset bool
	Asset         string

	Operations []domain.Operation

	// Window is [Now-PeriodSec, Now], both ends inclusive.
	Now       int64
	PeriodSec int64
}

// Aggregate sums the USD volume and native amount of the entries selected by f.
func (h *History) Aggregate(f AggregateFilter) (float64, decimal.Decimal) {
	volume := 0.0
	amount := decimal.Zero

	for i, entry := range h.entries {
		if entry == nil || entry.Timestamp == 0 {
			slog.Warn("skipping malformed history entry", "index", i)
			continue
		}
		if f.RestrictInitiator && entry.Initiator != f.Initiator {
			continue
		}
		if f.RestrictAsset && entry.Asset != f.Asset {
			continue
		}
		if f.RestrictSource && entry.Source.ID != f.SourceID {
			continue
		}
		if f.RestrictDestination && entry.Destination.ID != f.DestinationID {
			continue
		}
		if !containsOperation(f.Operations, entry.Operation) {
			continue
		}
		if entry.Timestamp < f.Now-f.PeriodSec || entry.Timestamp > f.Now {
			continue
		}

		volume += entry.Volume
		amount = amount.Add(entry.Amount)
	}

	return volume, amount
}

func containsOperation(ops []domain.Operation, op domain.Operation) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
