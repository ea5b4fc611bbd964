package policy

import (
	"testing"

	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/shopspring/decimal"
)

func historyTx(id string, ts int64, volume float64) *domain.Transaction {
	return &domain.Transaction{
		ID:          id,
		Initiator:   "alice",
		Source:      domain.Peer{Type: "VAULT", ID: "0"},
		Destination: domain.Peer{Type: "VAULT", ID: "1"},
		Asset:       "ETH",
		Operation:   domain.OperationTransfer,
		Amount:      decimal.NewFromFloat(volume / 1000),
		Volume:      volume,
		Timestamp:   ts,
	}
}

func TestHistoryAggregateWindow(t *testing.T) {
	var h History
	h.Append(historyTx("old", 899, 100))
	h.Append(historyTx("edge", 900, 10))
	h.Append(historyTx("mid", 950, 20))
	h.Append(historyTx("now", 1000, 30))
	h.Append(historyTx("future", 1001, 40))

	volume, amount := h.Aggregate(AggregateFilter{
		Operations: []domain.Operation{domain.OperationTransfer},
		Now:        1000,
		PeriodSec:  100,
	})

	if volume != 60 {
		t.Errorf("expected both window edges included for 60, got %v", volume)
	}
	if !amount.Equal(decimal.NewFromFloat(0.06)) {
		t.Errorf("expected native amount 0.06, got %s", amount)
	}
}

func TestHistoryAggregateFilters(t *testing.T) {
	var h History
	base := historyTx("a", 1000, 1)
	h.Append(base)

	bob := historyTx("b", 1000, 2)
	bob.Initiator = "bob"
	h.Append(bob)

	otherDst := historyTx("c", 1000, 4)
	otherDst.Destination.ID = "7"
	h.Append(otherDst)

	btc := historyTx("d", 1000, 8)
	btc.Asset = "BTC"
	h.Append(btc)

	mint := historyTx("e", 1000, 16)
	mint.Operation = domain.OperationMint
	h.Append(mint)

	ops := []domain.Operation{domain.OperationTransfer}
	tests := []struct {
		name   string
		filter AggregateFilter
		want   float64
	}{
		{"AcrossAll", AggregateFilter{Operations: ops}, 15},
		{"PerInitiator", AggregateFilter{Operations: ops, RestrictInitiator: true, Initiator: "alice"}, 13},
		{"PerDestination", AggregateFilter{Operations: ops, RestrictDestination: true, DestinationID: "1"}, 11},
		{"PerSource", AggregateFilter{Operations: ops, RestrictSource: true, SourceID: "9"}, 0},
		{"PerAsset", AggregateFilter{Operations: ops, RestrictAsset: true, Asset: "ETH"}, 7},
		{"WithMint", AggregateFilter{Operations: []domain.Operation{domain.OperationTransfer, domain.OperationMint}}, 31},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.filter.Now = 1000
			tt.filter.PeriodSec = 10
			volume, _ := h.Aggregate(tt.filter)
			if volume != tt.want {
				t.Errorf("expected %v, got %v", tt.want, volume)
			}
		})
	}
}

func TestHistorySkipsMalformedEntries(t *testing.T) {
	var h History
	h.Append(nil)
	h.Append(historyTx("zero", 0, 50))
	h.Append(historyTx("ok", 1000, 5))

	volume, _ := h.Aggregate(AggregateFilter{
		Operations: []domain.Operation{domain.OperationTransfer},
		Now:        1000,
		PeriodSec:  2000,
	})
	if volume != 5 {
		t.Errorf("expected malformed entries skipped, got %v", volume)
	}
	if h.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", h.Len())
	}
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	var h History
	h.Append(historyTx("a", 1000, 1))

	snap := h.Snapshot()
	snap[0] = nil

	if h.Snapshot()[0] == nil {
		t.Error("expected snapshot to be independent of the log")
	}
}
