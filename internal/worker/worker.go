// Package worker moves evaluation results from the in-process queue to the
// result topic. Results are grouped per rule so that each publish call
// carries a single partition key, and whatever is still queued when the pool
// stops is published before Stop returns.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"spotwatch/internal/logger"
	"spotwatch/internal/metrics"
	"spotwatch/internal/models"
)

// Publisher defines the interface for publishing evaluation results
type Publisher interface {
	Publish(ctx context.Context, result *models.EvaluationResult) error
	PublishBatch(ctx context.Context, results []*models.EvaluationResult) error
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	ResultChan   <-chan *models.EvaluationResult
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
	// PublishTimeout bounds each publish call, including those made while
	// draining on Stop.
	PublishTimeout time.Duration
}

// Pool publishes queued results with a fixed number of workers.
type Pool struct {
	publisher      Publisher
	results        <-chan *models.EvaluationResult
	workers        int
	batchSize      int
	batchTimeout   time.Duration
	publishTimeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	published atomic.Uint64
	errored   atomic.Uint64
	lost      atomic.Uint64
	drained   atomic.Uint64
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	return &Pool{
		publisher:      cfg.Publisher,
		results:        cfg.ResultChan,
		workers:        cfg.Workers,
		batchSize:      cfg.BatchSize,
		batchTimeout:   cfg.BatchTimeout,
		publishTimeout: cfg.PublishTimeout,
		stop:           make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop signals the workers to drain the queue and waits for them. Producers
// must have stopped sending before Stop is called; anything sent afterwards
// stays in the channel.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	log.Info().
		Uint64("published", p.published.Load()).
		Uint64("drained", p.drained.Load()).
		Uint64("lost", p.lost.Load()).
		Msg("worker pool stopped")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	b := newRuleBatch(p.batchSize)
	ticker := time.NewTicker(p.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case result, ok := <-p.results:
			if !ok {
				p.flush(b)
				return
			}
			if b.add(result) {
				p.flush(b)
			}

		case <-ticker.C:
			p.flush(b)

		case <-p.stop:
			p.drain(b)
			return
		}
	}
}

// drain empties the queue without blocking, then flushes what it collected.
func (p *Pool) drain(b *ruleBatch) {
	for {
		select {
		case result, ok := <-p.results:
			if !ok {
				p.flush(b)
				return
			}
			p.drained.Add(1)
			metrics.WorkerDrainedTotal.Inc()
			if b.add(result) {
				p.flush(b)
			}
		default:
			p.flush(b)
			return
		}
	}
}

// flush publishes each rule's results as one batch. A rejected batch is
// retried record by record so one bad record does not sink the rest.
func (p *Pool) flush(b *ruleBatch) {
	for _, group := range b.take() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
		err := p.publisher.PublishBatch(ctx, group.results)
		cancel()
		metrics.WorkerBatchPublishDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			for _, r := range group.results {
				p.record(r)
			}
			continue
		}

		log := logger.WithRule(group.rule)
		log.Warn().
			Err(err).
			Int("batch_size", len(group.results)).
			Msg("batch publish failed, publishing records one by one")
		p.publishEach(group.results)
	}
}

func (p *Pool) publishEach(results []*models.EvaluationResult) {
	for _, r := range results {
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
		err := p.publisher.Publish(ctx, r)
		cancel()

		if err != nil {
			p.lost.Add(1)
			metrics.WorkerLostTotal.WithLabelValues(r.Rule).Inc()
			log := logger.WithRule(r.Rule)
			log.Error().
				Err(err).
				Str("request_id", r.RequestID).
				Bool("evaluation_failed", r.Failed()).
				Msg("result not published")
			continue
		}
		p.record(r)
	}
}

// record counts a published result. Failed evaluations are published like
// verdicts so the requester learns about them, but are counted apart.
func (p *Pool) record(r *models.EvaluationResult) {
	p.published.Add(1)
	kind := "verdict"
	if r.Failed() {
		kind = "error"
		p.errored.Add(1)
	}
	metrics.WorkerPublishedTotal.WithLabelValues(r.Rule, kind).Inc()
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Errored:   p.errored.Load(),
		Lost:      p.lost.Load(),
		Drained:   p.drained.Load(),
	}
}

// Stats holds worker pool counters. Errored counts published records of
// failed evaluations and is included in Published.
type Stats struct {
	Published uint64 `json:"published"`
	Errored   uint64 `json:"errored"`
	Lost      uint64 `json:"lost"`
	Drained   uint64 `json:"drained"`
}

type ruleGroup struct {
	rule    string
	results []*models.EvaluationResult
}

// ruleBatch accumulates results grouped by rule, keeping arrival order
// within a rule and first-seen order across rules.
type ruleBatch struct {
	limit  int
	size   int
	groups []ruleGroup
	index  map[string]int
}

func newRuleBatch(limit int) *ruleBatch {
	return &ruleBatch{limit: limit, index: make(map[string]int)}
}

// add reports whether the batch is full.
func (b *ruleBatch) add(r *models.EvaluationResult) bool {
	i, ok := b.index[r.Rule]
	if !ok {
		i = len(b.groups)
		b.index[r.Rule] = i
		b.groups = append(b.groups, ruleGroup{rule: r.Rule})
	}
	b.groups[i].results = append(b.groups[i].results, r)
	b.size++
	return b.size >= b.limit
}

func (b *ruleBatch) take() []ruleGroup {
	groups := b.groups
	b.groups = nil
	b.size = 0
	clear(b.index)
	return groups
}
