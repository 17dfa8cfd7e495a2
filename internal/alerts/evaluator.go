package alerts

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"spotwatch/internal/models"
)

// Evaluator resolves a request's rule, decodes its watch payload and runs the
// engine. It is shared by the HTTP and Kafka surfaces.
type Evaluator struct {
	engine AlertEngine
	rules  *RuleSet
	node   string
}

// NewEvaluator binds an engine to a rule set. node is stamped on results.
func NewEvaluator(engine AlertEngine, rules *RuleSet, node string) *Evaluator {
	return &Evaluator{engine: engine, rules: rules, node: node}
}

// Rules returns the rule set requests are resolved against.
func (e *Evaluator) Rules() *RuleSet { return e.rules }

// EvaluateRequest always returns a result record. On failure the record
// carries the error text and the error is returned as well so callers can
// pick a status.
func (e *Evaluator) EvaluateRequest(ctx context.Context, req *models.EvaluationRequest) (*models.EvaluationResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	rule, err := e.rules.Lookup(req.Rule)
	if err != nil {
		return e.stamp(NewResult(req.ID, req.Rule, Outcome{}, err)), err
	}

	if err := req.Validate(); err != nil {
		err = fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
		return e.stamp(NewResult(req.ID, rule.Name, Outcome{}, err)), err
	}

	wc, err := models.ParseWatchContext(req.Context)
	if err != nil {
		recordError(rule, err)
		return e.stamp(NewResult(req.ID, rule.Name, Outcome{}, err)), err
	}

	out, err := e.engine.EvaluateWatch(ctx, rule, wc)
	return e.stamp(NewResult(req.ID, rule.Name, out, err)), err
}

func (e *Evaluator) stamp(r *models.EvaluationResult) *models.EvaluationResult {
	r.Node = e.node
	return r
}
