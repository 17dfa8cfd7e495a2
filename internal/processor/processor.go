package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spotwatch/internal/alerts"
	"spotwatch/internal/config"
	"spotwatch/internal/handlers"
	"spotwatch/internal/kafka"
	"spotwatch/internal/logger"
	"spotwatch/internal/metrics"
	"spotwatch/internal/middleware"
	"spotwatch/internal/models"
	"spotwatch/internal/worker"
)

// Processor is the high-level coordinator: it serves evaluations over HTTP,
// consumes evaluation requests from Kafka and publishes the results.
type Processor struct {
	cfg        *config.Config
	nodeID     string
	evaluator  *alerts.Evaluator
	engine     alerts.AlertEngine
	producer   *kafka.Producer
	consumer   *kafka.RequestConsumer
	workerPool *worker.Pool
	evaluate   *handlers.EvaluateHandler
	httpServer *http.Server
	resultChan chan *models.EvaluationResult
	wg         sync.WaitGroup

	// closed when the consumer goroutine has returned
	consumerDone chan struct{}
}

// New constructs a Processor with given config. opts are passed to the
// alert engine.
func New(cfg *config.Config, opts ...alerts.Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rules, err := alerts.NewRuleSet(cfg.Rules)
	if err != nil {
		return nil, err
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}

	engine := alerts.NewEngine(opts...)
	p := &Processor{
		cfg:        cfg,
		nodeID:     nodeID,
		engine:     engine,
		evaluator:  alerts.NewEvaluator(engine, rules, nodeID),
		resultChan: make(chan *models.EvaluationResult, cfg.Worker.QueueSize),
	}

	var resultChan chan<- *models.EvaluationResult
	if cfg.Kafka.Enabled {
		resultChan = p.resultChan
	}
	p.evaluate = handlers.NewEvaluateHandler(handlers.EvaluateConfig{
		Evaluator:   p.evaluator,
		ResultChan:  resultChan,
		NodeID:      nodeID,
		MaxBodySize: cfg.HTTP.MaxBodySize,
	})

	return p, nil
}

// Run serves until ctx is cancelled or the HTTP server fails, then shuts
// down. A server failure is returned so the caller can exit non-zero.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().
		Strs("rules", p.evaluator.Rules().Names()).
		Bool("kafka", p.cfg.Kafka.Enabled).
		Msg("processor starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Bind first: an occupied port must fail before anything else starts.
	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTP.Addr, err)
	}

	if p.cfg.Kafka.Enabled {
		if err := p.initKafka(); err != nil {
			ln.Close()
			log.Error().Err(err).Msg("failed to initialize kafka")
			return fmt.Errorf("failed to initialize kafka: %w", err)
		}
		p.workerPool.Start()

		p.consumerDone = make(chan struct{})
		go func() {
			defer close(p.consumerDone)
			if err := p.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped with error")
			}
		}()
	}

	p.initHTTPServer()

	serveErr := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		log.Error().Err(err).Msg("HTTP server failed")
		runErr = fmt.Errorf("http server: %w", err)
	}

	cancel()
	if err := p.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// initKafka initializes the result producer, the publishing workers and the
// request consumer
func (p *Processor) initKafka() error {
	log := logger.WithComponent("processor")
	kcfg := p.cfg.Kafka

	producer, err := kafka.NewProducer(kcfg.Brokers, kcfg.ResultTopic, kcfg.Producer)
	if err != nil {
		return err
	}
	p.producer = producer

	p.workerPool = worker.NewPool(worker.Config{
		Publisher:    p.producer,
		ResultChan:   p.resultChan,
		Workers:      p.cfg.Worker.Workers,
		BatchSize:    p.cfg.Worker.BatchSize,
		BatchTimeout: p.cfg.Worker.BatchTimeout,
	})

	consumer, err := kafka.NewRequestConsumer(kcfg, p.evaluator, p.resultChan)
	if err != nil {
		p.producer.Close()
		return err
	}
	p.consumer = consumer

	log.Info().
		Strs("brokers", kcfg.Brokers).
		Str("request_topic", kcfg.RequestTopic).
		Str("result_topic", kcfg.ResultTopic).
		Int("workers", p.cfg.Worker.Workers).
		Msg("kafka initialized")
	return nil
}

// Handler returns the HTTP routes served by the processor.
func (p *Processor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/evaluate", p.evaluate)
	mux.HandleFunc("/rules", p.rulesHandler)
	mux.HandleFunc("/health", p.healthHandler)
	mux.HandleFunc("/stats", p.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.Chain(mux, middleware.Recovery, middleware.Logging)
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() {
	metrics.WorkerQueueCapacity.Set(float64(cap(p.resultChan)))

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.Handler(),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if p.cfg.Kafka.Enabled {
		// 2. Stop consuming requests; nothing may enqueue once the
		// workers start draining
		log.Info().Msg("stopping kafka consumer")
		if err := p.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("consumer close error")
		}
		select {
		case <-p.consumerDone:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("consumer did not stop in time")
		}

		// 3. Publish everything still queued (with timeout)
		done := make(chan struct{})
		go func() {
			p.workerPool.Stop()
			close(done)
		}()

		select {
		case <-done:
			log.Info().Msg("workers stopped gracefully")
		case <-time.After(15 * time.Second):
			log.Warn().Msg("worker shutdown timeout - forcing exit")
		}

		// 4. Close producer
		log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}

	// 5. Wait for all goroutines
	p.wg.Wait()

	if err := p.engine.Close(); err != nil {
		log.Error().Err(err).Msg("engine close error")
	}

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			metrics.WorkerQueueSize.Set(float64(stats.Queue.Buffered))

			log.Info().
				Uint64("worker_published", stats.Worker.Published).
				Uint64("worker_lost", stats.Worker.Lost).
				Uint64("producer_sent", stats.Producer.MessagesSent).
				Uint64("producer_failed", stats.Producer.MessagesFailed).
				Uint64("consumer_evaluated", stats.Consumer.Evaluated).
				Uint64("consumer_rejected", stats.Consumer.Rejected).
				Uint64("results_dropped", stats.Queue.Dropped).
				Int("queue_size", stats.Queue.Buffered).
				Msg("stats")
		}
	}
}

// Stats is a snapshot of the processor's counters.
type Stats struct {
	Worker   worker.Stats        `json:"worker"`
	Producer kafka.ProducerStats `json:"producer"`
	Consumer kafka.ConsumerStats `json:"consumer"`
	Queue    QueueStats          `json:"queue"`
}

// QueueStats describes the result queue.
type QueueStats struct {
	Buffered int    `json:"buffered"`
	Capacity int    `json:"capacity"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns current statistics; Kafka counters stay zero when Kafka is disabled.
func (p *Processor) Stats() Stats {
	s := Stats{
		Queue: QueueStats{
			Buffered: len(p.resultChan),
			Capacity: cap(p.resultChan),
			Dropped:  p.evaluate.Dropped(),
		},
	}
	if p.workerPool != nil {
		s.Worker = p.workerPool.Stats()
	}
	if p.producer != nil {
		s.Producer = p.producer.Stats()
	}
	if p.consumer != nil {
		s.Consumer = p.consumer.Stats()
	}
	return s
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if p.producer != nil {
		if err := p.producer.HealthCheck(ctx); err != nil {
			http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"node":      p.nodeID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.Stats())
}

type ruleView struct {
	Name        string `json:"name"`
	Interval    string `json:"interval"`
	Aggregation string `json:"aggregation"`
	Field       string `json:"field"`
}

// rulesHandler lists the configured rules; the first one is the default.
func (p *Processor) rulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rules := p.evaluator.Rules().All()
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleView{
			Name:        rule.Name,
			Interval:    rule.Interval.String(),
			Aggregation: rule.Aggregation,
			Field:       rule.Field,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
