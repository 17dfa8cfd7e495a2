package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrEmptyContext = errors.New("evaluation request has no context")

// EvaluationRequest asks for one rule to be evaluated against a watch payload.
type EvaluationRequest struct {
	ID          string          `json:"id"`
	Rule        string          `json:"rule,omitempty"`
	Context     json.RawMessage `json:"context"`
	RequestedAt time.Time       `json:"requested_at"`
}

// NewEvaluationRequest wraps a payload in a request with a fresh ID.
func NewEvaluationRequest(rule string, payload []byte) *EvaluationRequest {
	return &EvaluationRequest{
		ID:          uuid.NewString(),
		Rule:        rule,
		Context:     json.RawMessage(payload),
		RequestedAt: time.Now().UTC(),
	}
}

// Validate checks the request carries a context to evaluate.
func (r *EvaluationRequest) Validate() error {
	if len(r.Context) == 0 || isNull(r.Context) {
		return ErrEmptyContext
	}
	return nil
}

// EvaluationResult is the outcome of one evaluation, as returned over HTTP
// and published to the result topic. Result and Horizon are only set when
// the evaluation produced a verdict; a failed record carries Error instead.
type EvaluationResult struct {
	RequestID   string     `json:"request_id"`
	Rule        string     `json:"rule"`
	Result      *bool      `json:"result,omitempty"`
	Horizon     *time.Time `json:"horizon,omitempty"`
	EvaluatedAt time.Time  `json:"evaluated_at"`
	BucketCount int        `json:"bucket_count"`
	StaleKeys   []string   `json:"stale_keys,omitempty"`
	Error       string     `json:"error,omitempty"`
	Node        string     `json:"node,omitempty"`
}

// Stale reports a verdict of true. Failed records are never stale.
func (r *EvaluationResult) Stale() bool {
	return r.Result != nil && *r.Result
}

// PartitionKey keeps results of the same rule ordered on one partition.
func (r *EvaluationResult) PartitionKey() string {
	return r.Rule
}

// Failed reports whether the evaluation errored rather than produced a verdict.
func (r *EvaluationResult) Failed() bool {
	return r.Error != "" || r.Result == nil
}
