package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"spotwatch/internal/alerts"
	"spotwatch/internal/logger"
	"spotwatch/internal/metrics"
	"spotwatch/internal/models"
)

// RequestEvaluator turns a request into a result record.
type RequestEvaluator interface {
	EvaluateRequest(ctx context.Context, req *models.EvaluationRequest) (*models.EvaluationResult, error)
}

// EvaluateHandler evaluates a watch payload posted by the alerting host and
// answers with the verdict.
type EvaluateHandler struct {
	evaluator RequestEvaluator

	// Queue feeding the result publishers; nil when Kafka is disabled
	resultChan chan<- *models.EvaluationResult

	// Node identifier for tracking
	nodeID string

	// Max body size (default 10MB)
	maxBodySize int64

	dropped atomic.Uint64
}

// EvaluateConfig holds configuration for the evaluate handler
type EvaluateConfig struct {
	Evaluator   RequestEvaluator
	ResultChan  chan<- *models.EvaluationResult
	NodeID      string
	MaxBodySize int64
}

// NewEvaluateHandler creates a new evaluate handler
func NewEvaluateHandler(cfg EvaluateConfig) *EvaluateHandler {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
		if nodeID == "" {
			nodeID = "unknown"
		}
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &EvaluateHandler{
		evaluator:   cfg.Evaluator,
		resultChan:  cfg.ResultChan,
		nodeID:      nodeID,
		maxBodySize: maxBodySize,
	}
}

// EvaluateResponse is the response returned to the host
type EvaluateResponse struct {
	*models.EvaluationResult
	ErrorType string `json:"error_type,omitempty"`
}

// ServeHTTP handles the evaluate HTTP request
func (h *EvaluateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	// Limit body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	req := models.NewEvaluationRequest(r.URL.Query().Get("rule"), body)
	req.ID = requestID

	result, evalErr := h.evaluator.EvaluateRequest(r.Context(), req)
	if result.Node == "" {
		result.Node = h.nodeID
	}

	h.enqueue(result)

	resp := EvaluateResponse{EvaluationResult: result}
	status := http.StatusOK
	if evalErr != nil {
		resp.ErrorType = alerts.ErrorType(evalErr)
		status = statusFor(evalErr)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// statusFor maps evaluation errors to HTTP statuses: unparsable input is a
// bad request, well-formed JSON that does not carry usable buckets is a rule
// error the host must see.
func statusFor(err error) int {
	switch {
	case errors.Is(err, alerts.ErrUnknownRule):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// enqueue hands the result to the publishers without blocking the host.
func (h *EvaluateHandler) enqueue(result *models.EvaluationResult) {
	if h.resultChan == nil {
		return
	}

	select {
	case h.resultChan <- result:
	default:
		h.dropped.Add(1)
		metrics.WorkerDroppedTotal.Inc()
		log := logger.WithComponent("evaluate_handler")
		log.Warn().
			Str("request_id", result.RequestID).
			Str("rule", result.Rule).
			Msg("result queue full, result not published")
	}
}

// Dropped returns how many results could not be queued for publishing.
func (h *EvaluateHandler) Dropped() uint64 {
	return h.dropped.Load()
}

// writeError writes an error response
func (h *EvaluateHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
