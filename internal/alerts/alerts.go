package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spotwatch/internal/config"
	"spotwatch/internal/logger"
	"spotwatch/internal/metrics"
	"spotwatch/internal/models"
	"spotwatch/internal/staleness"
)

var (
	ErrInvalidRule = errors.New("invalid rule")
	ErrUnknownRule = errors.New("unknown rule")
)

// Rule defines a staleness rule: fire when any bucket of Aggregation has its
// Field value older than Interval.
type Rule struct {
	Name        string
	Interval    time.Duration
	Aggregation string
	Field       string
}

// RuleFromConfig converts a configured rule, filling in the default
// aggregation and field names.
func RuleFromConfig(rc config.RuleConfig) Rule {
	r := Rule{
		Name:        rc.Name,
		Interval:    rc.Interval,
		Aggregation: rc.Aggregation,
		Field:       rc.Field,
	}
	if r.Aggregation == "" {
		r.Aggregation = models.DefaultAggregation
	}
	if r.Field == "" {
		r.Field = models.DefaultTimeField
	}
	return r
}

// Validate checks the rule can be evaluated.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidRule)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("%w: %s: interval must be positive, got %v", ErrInvalidRule, r.Name, r.Interval)
	}
	return nil
}

func (r Rule) aggregation() string {
	if r.Aggregation == "" {
		return models.DefaultAggregation
	}
	return r.Aggregation
}

func (r Rule) field() string {
	if r.Field == "" {
		return models.DefaultTimeField
	}
	return r.Field
}

// Outcome is the verdict of one evaluation.
type Outcome struct {
	Rule        string
	Stale       bool
	Horizon     time.Time
	EvaluatedAt time.Time
	BucketCount int
	StaleKeys   []string
}

// AlertEngine is responsible for evaluating rules.
type AlertEngine interface {
	Evaluate(ctx context.Context, rule Rule, buckets []models.BucketTimestamp) (Outcome, error)
	EvaluateWatch(ctx context.Context, rule Rule, wc *models.WatchContext) (Outcome, error)
	Close() error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used to compute horizons.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine evaluates staleness rules against bucket timestamps.
type Engine struct {
	now func() time.Time
}

// NewEngine creates an engine reading the wall clock unless WithClock is given.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate reports whether any bucket is older than now minus the rule interval.
func (e *Engine) Evaluate(ctx context.Context, rule Rule, buckets []models.BucketTimestamp) (Outcome, error) {
	if err := rule.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		recordError(rule, err)
		return Outcome{}, err
	}

	now := e.now()
	horizon := staleness.Horizon(now, rule.Interval)

	timestamps := make([]time.Time, len(buckets))
	for i, b := range buckets {
		timestamps[i] = b.Time
	}

	out := Outcome{
		Rule:        rule.Name,
		Stale:       staleness.AnyBefore(horizon, timestamps),
		Horizon:     horizon,
		EvaluatedAt: now,
		BucketCount: len(buckets),
		StaleKeys:   staleness.StaleKeys(horizon, buckets),
	}

	result := "fresh"
	if out.Stale {
		result = "stale"
	}
	metrics.EvaluationsTotal.WithLabelValues(rule.Name, result).Inc()
	metrics.EvaluationBuckets.WithLabelValues(rule.Name).Observe(float64(out.BucketCount))
	metrics.StaleBuckets.WithLabelValues(rule.Name).Set(float64(len(out.StaleKeys)))

	log := logger.WithRule(rule.Name)
	ev := log.Debug()
	if out.Stale {
		ev = log.Info()
	}
	ev.Bool("stale", out.Stale).
		Time("horizon", horizon).
		Int("buckets", out.BucketCount).
		Strs("stale_keys", out.StaleKeys).
		Msg("rule evaluated")

	return out, nil
}

// EvaluateWatch flattens the watch payload with the rule's aggregation and
// field names, then evaluates it. Malformed payloads fail the evaluation.
func (e *Engine) EvaluateWatch(ctx context.Context, rule Rule, wc *models.WatchContext) (Outcome, error) {
	if err := rule.Validate(); err != nil {
		return Outcome{}, err
	}

	buckets, err := wc.Buckets(rule.aggregation(), rule.field())
	if err != nil {
		recordError(rule, err)
		log := logger.WithRule(rule.Name)
		log.Warn().Err(err).Msg("rule evaluation failed")
		return Outcome{}, fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	return e.Evaluate(ctx, rule, buckets)
}

func (e *Engine) Close() error { return nil }

func recordError(rule Rule, err error) {
	metrics.EvaluationsTotal.WithLabelValues(rule.Name, "error").Inc()
	metrics.EvaluationErrors.WithLabelValues(rule.Name, ErrorType(err)).Inc()
}

// ErrorType classifies an evaluation error for metrics and responses.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, models.ErrNoResults):
		return "no_results"
	case errors.Is(err, models.ErrMissingAggregation):
		return "missing_aggregation"
	case errors.Is(err, models.ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, models.ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, models.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrInvalidRule):
		return "invalid_rule"
	case errors.Is(err, ErrUnknownRule):
		return "unknown_rule"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// NewResult builds the result record for a request. A non-nil err produces a
// failed record carrying the error text and no verdict.
func NewResult(requestID, rule string, out Outcome, err error) *models.EvaluationResult {
	if err != nil {
		return &models.EvaluationResult{
			RequestID:   requestID,
			Rule:        rule,
			EvaluatedAt: time.Now().UTC(),
			Error:       err.Error(),
		}
	}
	stale, horizon := out.Stale, out.Horizon
	return &models.EvaluationResult{
		RequestID:   requestID,
		Rule:        out.Rule,
		Result:      &stale,
		Horizon:     &horizon,
		EvaluatedAt: out.EvaluatedAt,
		BucketCount: out.BucketCount,
		StaleKeys:   out.StaleKeys,
	}
}
