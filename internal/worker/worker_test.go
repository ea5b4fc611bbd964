package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/txpolicy/internal/bus"
	"github.com/opensource-finance/txpolicy/internal/decision"
	"github.com/opensource-finance/txpolicy/internal/domain"
)

const blockEverythingAbove10 = `{"policy": {"rules": [
	{"action": "BLOCK", "asset": "*", "amount": 10, "amountScope": "SINGLE_TX"},
	{"action": "ALLOW", "asset": "*", "amount": 0}
]}}`

func callback(requestID string, usd float64) []byte {
	p := domain.CallbackPayload{
		TxID:       "tx-" + requestID,
		RequestID:  requestID,
		Operation:  "TRANSFER",
		SourceType: "VAULT",
		SourceID:   "0",
		DestType:   "VAULT",
		DestID:     "1",
		Asset:      "ETH",
		AmountStr:  "0.01",
		Destinations: []domain.CallbackDestination{
			{AmountUSD: usd, DstSubType: "INTERNAL"},
		},
	}
	data, _ := json.Marshal(p)
	return data
}

func newService(t *testing.T) *decision.Service {
	t.Helper()
	svc := decision.NewService(decision.Options{})
	if _, err := svc.UpdatePolicy(context.Background(), []byte(blockEverythingAbove10), nil); err != nil {
		t.Fatalf("UpdatePolicy failed: %v", err)
	}
	return svc
}

type stubAuthorizer struct {
	err error
}

func (s stubAuthorizer) AuthorizeJSON(context.Context, []byte) (*domain.Decision, error) {
	return nil, s.err
}

func request(t *testing.T, b domain.EventBus, payload []byte) domain.DecisionReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := b.Request(ctx, domain.TopicRequestIngested, payload)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var reply domain.DecisionReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	return reply
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newService(t))
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicRequestIngested {
			t.Errorf("unexpected topic %q", stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if got := w.GetStats().SubscriptionCount; got != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", got)
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		w := NewWorker(eventBus, newService(t))
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		approved := request(t, eventBus, callback("req-small", 5))
		if approved.Error != "" || approved.Response == nil {
			t.Fatalf("unexpected reply %+v", approved)
		}
		if approved.Response.Action != domain.CallbackApprove || approved.Response.RequestID != "req-small" {
			t.Errorf("expected APPROVE for req-small, got %+v", approved.Response)
		}
		if approved.Response.RejectionReason != nil {
			t.Error("expected no rejection reason on APPROVE")
		}

		rejected := request(t, eventBus, callback("req-big", 50))
		if rejected.Response == nil || rejected.Response.Action != domain.CallbackReject {
			t.Fatalf("expected REJECT, got %+v", rejected)
		}
		if rejected.Response.RejectionReason == nil || *rejected.Response.RejectionReason != domain.RejectionReason {
			t.Error("expected rejection reason on REJECT")
		}

		if got := w.GetStats().Processed; got != 2 {
			t.Errorf("expected 2 processed, got %d", got)
		}
	})

	t.Run("ErrorReplies", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			kind string
		}{
			{"input", fmt.Errorf("%w: bad body", domain.ErrInvalidInput), domain.ReplyKindInput},
			{"operation", &domain.UnsupportedOperationError{Operation: "BRIDGE"}, domain.ReplyKindOperation},
			{"configuration", &domain.ConfigError{Field: "amountCurrency", Value: "GBP"}, domain.ReplyKindConfiguration},
			{"unclassified", errors.New("boom"), domain.ReplyKindConfiguration},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b := bus.NewChannelBus(10)
				defer b.Close()

				w := NewWorker(b, stubAuthorizer{err: tt.err})
				if err := w.Start(); err != nil {
					t.Fatalf("Start failed: %v", err)
				}
				defer w.Stop()

				reply := request(t, b, []byte(`{}`))
				if reply.Response != nil {
					t.Errorf("expected no response, got %+v", reply.Response)
				}
				if reply.Kind != tt.kind {
					t.Errorf("kind = %q, want %q", reply.Kind, tt.kind)
				}
				if reply.Err() == nil {
					t.Error("expected reply error")
				}
				if w.GetStats().Failed != 1 {
					t.Errorf("expected 1 failure, got %d", w.GetStats().Failed)
				}
			})
		}
	})

	t.Run("PublishWithoutReply", func(t *testing.T) {
		b := bus.NewChannelBus(10)
		defer b.Close()

		svc := decision.NewService(decision.Options{Bus: b})
		if _, err := svc.UpdatePolicy(context.Background(), []byte(blockEverythingAbove10), nil); err != nil {
			t.Fatalf("UpdatePolicy failed: %v", err)
		}

		var decisions atomic.Int32
		done := make(chan struct{}, 1)
		_, err := b.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			decisions.Add(1)
			done <- struct{}{}
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		w := NewWorker(b, svc)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if err := b.Publish(context.Background(), domain.TopicRequestIngested, callback("req-fire", 1)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for decision event")
		}
		if decisions.Load() != 1 {
			t.Errorf("expected 1 decision event, got %d", decisions.Load())
		}
	})
}

func TestDecisionReplyErr(t *testing.T) {
	reply := domain.DecisionReply{Error: "unsupported operation \"BRIDGE\"", Kind: domain.ReplyKindOperation}
	if !errors.Is(reply.Err(), domain.ErrUnsupportedOperation) {
		t.Errorf("expected ErrUnsupportedOperation, got %v", reply.Err())
	}

	ok := domain.DecisionReply{Response: &domain.CallbackResponse{Action: domain.CallbackApprove}}
	if ok.Err() != nil {
		t.Errorf("expected nil error, got %v", ok.Err())
	}
}
