// Package decision renders co-signer decisions: it normalizes a callback
// payload, runs it through the active policy engine, and records and
// publishes the outcome.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/opensource-finance/txpolicy/internal/ingest"
	"github.com/opensource-finance/txpolicy/internal/policy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("txpolicy-decision")

// ErrNoPolicy is returned when a decision is requested before any policy was loaded.
var ErrNoPolicy = errors.New("no policy loaded")

// Options configures a Service. Repo, Cache and Bus are optional.
type Options struct {
	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus
	Rates domain.RateProvider

	EnableInitiatorCheck bool
	EnableApproverCheck  bool

	// DecisionTTL bounds request id replay. Zero disables replay.
	DecisionTTL time.Duration

	Now func() time.Time
}

// Service owns the active engine and the pipeline around it.
type Service struct {
	opts       Options
	normalizer *ingest.Normalizer

	// updateMu orders policy updates so versions are assigned and loaded in sequence.
	updateMu sync.Mutex

	mu     sync.RWMutex
	engine *policy.Engine
	active *domain.PolicyDocument
}

// NewService creates a decision service with no policy loaded.
func NewService(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		opts:       opts,
		normalizer: &ingest.Normalizer{Now: opts.Now},
	}
}

// Load replaces the engine with one built from doc. The new engine starts
// with an empty history.
func (s *Service) Load(doc *domain.PolicyDocument) error {
	if doc == nil {
		return fmt.Errorf("%w: policy document is required", domain.ErrInvalidInput)
	}

	engine, err := policy.FromDocument(doc.Document, doc.Groups, s.engineOptions()...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	s.mu.Lock()
	s.engine = engine
	s.active = doc
	s.mu.Unlock()

	slog.Info("policy loaded",
		"version", doc.Version,
		"rules", engine.RulesCount(),
		"groups", len(doc.Groups),
	)
	return nil
}

// UpdatePolicy validates doc, stores it as a new version when a repository is
// configured, and loads it.
func (s *Service) UpdatePolicy(ctx context.Context, document []byte, groups domain.GroupMembership) (*domain.PolicyDocument, error) {
	if _, err := policy.ParseDocument(document); err != nil {
		return nil, err
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	doc := &domain.PolicyDocument{
		Document:  document,
		Groups:    groups,
		CreatedAt: s.opts.Now().UTC(),
	}

	if s.opts.Repo != nil {
		if _, err := s.opts.Repo.SavePolicy(ctx, doc); err != nil {
			return nil, fmt.Errorf("save policy: %w", err)
		}
	} else {
		s.mu.RLock()
		if s.active != nil {
			doc.Version = s.active.Version + 1
		} else {
			doc.Version = 1
		}
		s.mu.RUnlock()
	}

	if err := s.Load(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ActivePolicy returns the loaded policy document, or nil.
func (s *Service) ActivePolicy() *domain.PolicyDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Engine returns the active engine, or nil.
func (s *Service) Engine() *policy.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// AuthorizeJSON decodes a raw callback payload and authorizes it.
func (s *Service) AuthorizeJSON(ctx context.Context, data []byte) (*domain.Decision, error) {
	var p domain.CallbackPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", domain.ErrInvalidInput, err)
	}
	return s.Authorize(ctx, &p)
}

// AuthorizeClaims authorizes the payload carried by verified JWT claims.
func (s *Service) AuthorizeClaims(ctx context.Context, claims map[string]any) (*domain.Decision, error) {
	data, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: encode claims: %v", domain.ErrInvalidInput, err)
	}
	return s.AuthorizeJSON(ctx, data)
}

// Authorize renders the decision for one callback payload. A request id seen
// within DecisionTTL replays the stored decision without touching the
// engine. Errors mean no decision could be rendered and are never a deny.
func (s *Service) Authorize(ctx context.Context, p *domain.CallbackPayload) (*domain.Decision, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: payload is required", domain.ErrInvalidInput)
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "decision.authorize",
		trace.WithAttributes(
			attribute.String("tx.id", p.TxID),
			attribute.String("request.id", p.RequestID),
			attribute.String("tx.operation", p.Operation),
		),
	)
	defer span.End()

	d, err := s.authorize(ctx, p, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("decision failed",
			"tx_id", p.TxID,
			"request_id", p.RequestID,
			"error", err,
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("decision.allow", d.Allow),
		attribute.Int("decision.rule_index", d.RuleIndex),
		attribute.Bool("decision.replayed", d.Metadata.Replayed),
	)
	return d, nil
}

func (s *Service) authorize(ctx context.Context, p *domain.CallbackPayload, start time.Time) (*domain.Decision, error) {
	if replay := s.replay(ctx, p.RequestID); replay != nil {
		slog.Info("decision replayed",
			"tx_id", replay.TxID,
			"request_id", replay.RequestID,
			"decision_id", replay.ID,
		)
		return replay, nil
	}

	s.mu.RLock()
	engine, active := s.engine, s.active
	s.mu.RUnlock()
	if engine == nil {
		return nil, ErrNoPolicy
	}

	tx, err := s.normalizer.FromCallback(p)
	if err != nil {
		return nil, err
	}

	result, err := engine.CheckTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	d := &domain.Decision{
		ID:          uuid.New().String(),
		TxID:        tx.ID,
		RequestID:   tx.RequestID,
		Allow:       result.Allow,
		Action:      domain.CallbackReject,
		RuleIndex:   result.RuleIndex,
		MatchedRule: result.MatchedRule,
		Timestamp:   s.opts.Now().UTC(),
		Metadata: domain.DecisionMetadata{
			Asset:         tx.Asset,
			Operation:     string(tx.Operation),
			PolicyVersion: active.Version,
		},
	}
	if result.Allow {
		d.Action = domain.CallbackApprove
	} else {
		d.Reason = domain.RejectionReason
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		d.Metadata.TraceID = sc.TraceID().String()
	}
	d.Metadata.TotalMs = time.Since(start).Milliseconds()

	s.record(ctx, d)

	slog.Info("decision rendered",
		"tx_id", d.TxID,
		"request_id", d.RequestID,
		"decision_id", d.ID,
		"action", d.Action,
		"rule_index", d.RuleIndex,
		"policy_version", d.Metadata.PolicyVersion,
		"duration_ms", d.Metadata.TotalMs,
	)
	return d, nil
}

func (s *Service) replay(ctx context.Context, requestID string) *domain.Decision {
	if s.opts.Cache == nil || s.opts.DecisionTTL <= 0 || requestID == "" {
		return nil
	}

	d, err := s.opts.Cache.GetDecision(ctx, requestID)
	if err != nil {
		slog.Warn("decision cache lookup failed", "request_id", requestID, "error", err)
		return nil
	}
	if d == nil {
		return nil
	}
	d.Metadata.Replayed = true
	return d
}

// record stores and publishes a rendered decision. Failures are logged: the
// decision has already been taken and history already appended.
func (s *Service) record(ctx context.Context, d *domain.Decision) {
	if s.opts.Cache != nil && s.opts.DecisionTTL > 0 && d.RequestID != "" {
		if err := s.opts.Cache.SetDecision(ctx, d.RequestID, d, s.opts.DecisionTTL); err != nil {
			slog.Warn("failed to cache decision", "request_id", d.RequestID, "error", err)
		}
	}

	if s.opts.Repo != nil {
		if err := s.opts.Repo.SaveDecision(ctx, d); err != nil {
			slog.Error("failed to save decision", "decision_id", d.ID, "error", err)
		}
	}

	if s.opts.Bus == nil {
		return
	}
	payload, err := json.Marshal(d)
	if err != nil {
		slog.Error("failed to encode decision event", "decision_id", d.ID, "error", err)
		return
	}
	if err := s.opts.Bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision", "decision_id", d.ID, "error", err)
	}
	if !d.Allow {
		if err := s.opts.Bus.Publish(ctx, domain.TopicRejected, payload); err != nil {
			slog.Error("failed to publish rejection", "decision_id", d.ID, "error", err)
		}
	}
}

// GetDecision returns a stored decision by id.
func (s *Service) GetDecision(ctx context.Context, id string) (*domain.Decision, error) {
	if s.opts.Repo == nil {
		return nil, domain.ErrNotFound
	}
	return s.opts.Repo.GetDecision(ctx, id)
}

// ListDecisions returns the decisions rendered for a transaction, oldest first.
func (s *Service) ListDecisions(ctx context.Context, txID string) ([]*domain.Decision, error) {
	if s.opts.Repo == nil {
		return nil, nil
	}
	return s.opts.Repo.ListDecisionsByTx(ctx, txID)
}

func (s *Service) engineOptions() []policy.Option {
	opts := []policy.Option{
		policy.WithInitiatorCheck(s.opts.EnableInitiatorCheck),
		policy.WithApproverCheck(s.opts.EnableApproverCheck),
	}
	if s.opts.Rates != nil {
		opts = append(opts, policy.WithRateProvider(s.opts.Rates))
	}
	return opts
}
