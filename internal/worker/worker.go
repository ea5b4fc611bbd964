// Package worker consumes queued callback requests from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/txpolicy/internal/domain"
)

// Authorizer renders a decision for a raw callback payload.
type Authorizer interface {
	AuthorizeJSON(ctx context.Context, data []byte) (*domain.Decision, error)
}

// Worker authorizes callback payloads published to TopicRequestIngested.
// Requests sent with Request get a DecisionReply; plain publishes are
// fire-and-forget and only produce the decision events.
type Worker struct {
	bus        domain.EventBus
	authorizer Authorizer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, authorizer Authorizer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		authorizer: authorizer,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicRequestIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicRequestIngested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicRequestIngested,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	d, err := w.authorizer.AuthorizeJSON(ctx, msg.Payload)

	var reply domain.DecisionReply
	if err != nil {
		w.failed.Add(1)
		reply.Error = err.Error()
		reply.Kind = domain.ReplyKind(err)
		slog.Error("queued request failed",
			"message_id", msg.ID,
			"kind", reply.Kind,
			"error", err,
		)
	} else {
		w.processed.Add(1)
		reply.Response = d.ToResponse()
		slog.Debug("queued request processed",
			"message_id", msg.ID,
			"tx_id", d.TxID,
			"action", d.Action,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if msg.Metadata[domain.MetadataReplyTo] == "" {
		return err
	}

	data, merr := json.Marshal(reply)
	if merr != nil {
		return fmt.Errorf("encode reply: %w", merr)
	}
	if rerr := w.bus.Reply(ctx, msg, data); rerr != nil {
		slog.Error("failed to send reply",
			"message_id", msg.ID,
			"error", rerr,
		)
		return rerr
	}
	return nil
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
