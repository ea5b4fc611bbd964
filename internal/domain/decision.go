package domain

import (
	"errors"
	"fmt"
	"time"
)

// CallbackAction is the answer returned to the co-signer.
type CallbackAction string

const (
	CallbackApprove CallbackAction = "APPROVE"
	CallbackReject  CallbackAction = "REJECT"
	CallbackIgnore  CallbackAction = "IGNORE"
)

// RejectionReason is sent with every REJECT answer.
const RejectionReason = "Callback Handler Logic denied the transaction approval"

// Decision is the recorded outcome of one policy check.
type Decision struct {
	ID        string         `json:"id"`
	TxID      string         `json:"txId"`
	RequestID string         `json:"requestId"`
	Allow     bool           `json:"allow"`
	Action    CallbackAction `json:"action"`
	Reason    string         `json:"reason,omitempty"`

	// RuleIndex is the position of the matched rule, or -1 when nothing matched.
	RuleIndex   int         `json:"ruleIndex"`
	MatchedRule *PolicyRule `json:"matchedRule,omitempty"`

	Timestamp time.Time        `json:"timestamp"`
	Metadata  DecisionMetadata `json:"metadata"`
}

// DecisionMetadata contains processing information.
type DecisionMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	Asset         string `json:"asset,omitempty"`
	Operation     string `json:"operation,omitempty"`
	PolicyVersion int64  `json:"policyVersion"`
	TotalMs       int64  `json:"totalMs"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// CallbackResponse is the body, signed or plain, answered to the co-signer.
type CallbackResponse struct {
	Action          CallbackAction `json:"action"`
	RequestID       string         `json:"requestId"`
	RejectionReason *string        `json:"rejectionReason"`
}

// ToResponse converts a Decision to the co-signer answer.
func (d *Decision) ToResponse() *CallbackResponse {
	resp := &CallbackResponse{
		Action:    d.Action,
		RequestID: d.RequestID,
	}
	if d.Action == CallbackReject {
		reason := RejectionReason
		resp.RejectionReason = &reason
	}
	return resp
}

// PolicyDocument is one stored version of the active policy and its group directory.
type PolicyDocument struct {
	Version   int64           `json:"version"`
	Document  []byte          `json:"-"`
	Groups    GroupMembership `json:"groups"`
	CreatedAt time.Time       `json:"createdAt"`
}

// DecisionReply is what the async worker answers to a queued callback request.
type DecisionReply struct {
	Response *CallbackResponse `json:"response,omitempty"`
	Error    string            `json:"error,omitempty"`

	// Kind classifies Error: "input", "operation" or "configuration".
	Kind string `json:"kind,omitempty"`
}

// Reply kinds. Anything that is not an input or operation error means no
// decision could be rendered.
const (
	ReplyKindInput         = "input"
	ReplyKindOperation     = "operation"
	ReplyKindConfiguration = "configuration"
)

// ReplyKind classifies err for transport across the bus.
func ReplyKind(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedOperation):
		return ReplyKindOperation
	case errors.Is(err, ErrInvalidInput):
		return ReplyKindInput
	default:
		return ReplyKindConfiguration
	}
}

// Err rebuilds an error from a failed reply, wrapping the sentinel that
// matches its kind. It returns nil for a successful reply.
func (r *DecisionReply) Err() error {
	if r.Error == "" {
		return nil
	}
	switch r.Kind {
	case ReplyKindOperation:
		return fmt.Errorf("%w: %s", ErrUnsupportedOperation, r.Error)
	case ReplyKindInput:
		return fmt.Errorf("%w: %s", ErrInvalidInput, r.Error)
	default:
		return fmt.Errorf("%w: %s", ErrConfiguration, r.Error)
	}
}
