package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/txpolicy/internal/auth"
	"github.com/opensource-finance/txpolicy/internal/decision"
	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/opensource-finance/txpolicy/internal/policy"
)

// maxBodyBytes bounds callback and policy bodies.
const maxBodyBytes = 1 << 20

// RateInvalidator evicts a cached exchange rate.
type RateInvalidator interface {
	Invalidate()
}

// Options holds the dependencies of the API handlers. Auth nil means
// unsigned JSON in both directions. Repo, Cache, Bus and Rates are optional.
type Options struct {
	Service *decision.Service
	Auth    *auth.Authenticator
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Rates   RateInvalidator

	// Async hands callbacks to the worker over Bus instead of deciding inline.
	Async bool

	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	opts Options
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	return &Handler{opts: opts}
}

type errorResponse struct {
	Error string `json:"error"`
}

// TxSignRequest handles POST /v2/tx_sign_request. The body is the co-signer
// JWT; the answer is a JWT carrying APPROVE or REJECT. Failing to render a
// decision is a server error, never a REJECT.
func (h *Handler) TxSignRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, ok := h.readCallback(w, r)
	if !ok {
		return
	}

	var resp *domain.CallbackResponse
	var err error
	if h.opts.Async && h.opts.Bus != nil {
		resp, err = h.authorizeAsync(ctx, payload)
	} else {
		var d *domain.Decision
		d, err = h.opts.Service.AuthorizeJSON(ctx, payload)
		if err == nil {
			resp = d.ToResponse()
		}
	}
	if err != nil {
		status := decisionErrorStatus(err)
		slog.Error("transaction approval failed",
			"status", status,
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	}

	h.writeCallback(w, resp)
}

// ConfigChangeSignRequest handles POST /v2/config_change_sign_request.
// Configuration changes are not evaluated and always answer IGNORE.
func (h *Handler) ConfigChangeSignRequest(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readCallback(w, r)
	if !ok {
		return
	}

	var body struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	h.writeCallback(w, &domain.CallbackResponse{
		Action:    domain.CallbackIgnore,
		RequestID: body.RequestID,
	})
}

// readCallback returns the JSON payload of a callback, verifying the JWT
// envelope when authentication is enabled.
func (h *Handler) readCallback(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return nil, false
	}

	if h.opts.Auth == nil {
		return body, true
	}

	claims, err := h.opts.Auth.Verify(string(bytes.TrimSpace(body)))
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, auth.ErrTokenExpired) {
			status = http.StatusUnauthorized
		}
		slog.Warn("callback authentication failed",
			"status", status,
			"error", err,
		)
		writeJSON(w, status, errorResponse{Error: "authentication failed"})
		return nil, false
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid token claims"})
		return nil, false
	}
	return payload, true
}

// writeCallback answers a signed JWT as text, or plain JSON when
// authentication is disabled.
func (h *Handler) writeCallback(w http.ResponseWriter, resp *domain.CallbackResponse) {
	if h.opts.Auth == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	signed, err := h.opts.Auth.Sign(resp)
	if err != nil {
		slog.Error("failed to sign callback response",
			"request_id", resp.RequestID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, signed)
}

func (h *Handler) authorizeAsync(ctx context.Context, payload []byte) (*domain.CallbackResponse, error) {
	data, err := h.opts.Bus.Request(ctx, domain.TopicRequestIngested, payload)
	if err != nil {
		return nil, fmt.Errorf("queue request: %w", err)
	}

	var reply domain.DecisionReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	if reply.Response == nil {
		return nil, errors.New("empty reply")
	}
	return reply.Response, nil
}

// decisionErrorStatus maps a failed decision to an HTTP status.
func decisionErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnsupportedOperation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PolicyRequest is the request body for PUT /policy.
type PolicyRequest struct {
	Document json.RawMessage `json:"document"`
	Groups   json.RawMessage `json:"groups,omitempty"`
}

// PolicyResponse describes the active policy.
type PolicyResponse struct {
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"createdAt"`
	Document  json.RawMessage        `json:"document"`
	Groups    domain.GroupMembership `json:"groups"`
	Rules     int                    `json:"rules"`
}

func (h *Handler) policyResponse(doc *domain.PolicyDocument) PolicyResponse {
	resp := PolicyResponse{
		Version:   doc.Version,
		CreatedAt: doc.CreatedAt,
		Document:  json.RawMessage(doc.Document),
		Groups:    doc.Groups,
	}
	if engine := h.opts.Service.Engine(); engine != nil {
		resp.Rules = engine.RulesCount()
	}
	return resp
}

// GetPolicy handles GET /policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	doc := h.opts.Service.ActivePolicy()
	if doc == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no policy loaded"})
		return
	}
	writeJSON(w, http.StatusOK, h.policyResponse(doc))
}

// PutPolicy handles PUT /policy. The engine is rebuilt from the new document
// and starts with an empty history.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PolicyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	if len(req.Document) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "document is required"})
		return
	}

	var groups domain.GroupMembership
	if len(req.Groups) > 0 && string(req.Groups) != "null" {
		var err error
		groups, err = policy.ParseGroups(req.Groups)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	doc, err := h.opts.Service.UpdatePolicy(ctx, req.Document, groups)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrMalformedRule) || errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrConfiguration) {
			status = http.StatusBadRequest
		}
		slog.Error("failed to update policy", "error", err)
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, h.policyResponse(doc))
}

// GetDecision handles GET /decisions/{id}.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "decision id is required"})
		return
	}

	d, err := h.opts.Service.GetDecision(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "decision not found"})
			return
		}
		slog.Error("failed to get decision", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// ListTransactionDecisions handles GET /transactions/{id}/decisions.
func (h *Handler) ListTransactionDecisions(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")

	decisions, err := h.opts.Service.ListDecisions(r.Context(), txID)
	if err != nil {
		slog.Error("failed to list decisions", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	if decisions == nil {
		decisions = []*domain.Decision{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"txId":      txID,
		"decisions": decisions,
	})
}

// InvalidateRates handles POST /pricing/invalidate.
func (h *Handler) InvalidateRates(w http.ResponseWriter, r *http.Request) {
	if h.opts.Rates == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "rate provider not configured"})
		return
	}
	h.opts.Rates.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"version": h.opts.Version,
	}
	if doc := h.opts.Service.ActivePolicy(); doc != nil {
		resp["policyVersion"] = doc.Version
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready. Every configured dependency must answer a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	if h.opts.Repo != nil {
		check("repository", h.opts.Repo.Ping)
	}
	if h.opts.Cache != nil {
		check("cache", h.opts.Cache.Ping)
	}
	if h.opts.Bus != nil {
		check("eventBus", h.opts.Bus.Ping)
	}
	if h.opts.Service.ActivePolicy() == nil {
		checks["policy"] = "not loaded"
		ready = false
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
