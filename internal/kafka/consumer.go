package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"spotwatch/internal/config"
	"spotwatch/internal/logger"
	"spotwatch/internal/metrics"
	"spotwatch/internal/models"
)

// Consumer is a lightweight interface representing a Kafka consumer.
type Consumer interface {
	Start(ctx context.Context) error
	Stop() error
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RequestEvaluator turns a request into a result record.
type RequestEvaluator interface {
	EvaluateRequest(ctx context.Context, req *models.EvaluationRequest) (*models.EvaluationResult, error)
}

// RequestConsumer reads evaluation requests, evaluates them and hands the
// results to the publishing workers. Every fetched message yields exactly one
// result, failed or not, before its offset is committed.
type RequestConsumer struct {
	reader    MessageReader
	evaluator RequestEvaluator
	results   chan<- *models.EvaluationResult
	closed    atomic.Bool

	evaluated atomic.Uint64
	rejected  atomic.Uint64
}

// NewRequestConsumer creates a consumer group reader on the request topic.
func NewRequestConsumer(cfg config.KafkaConfig, evaluator RequestEvaluator, results chan<- *models.EvaluationResult) (*RequestConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.RequestTopic == "" {
		return nil, errors.New("request topic is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.RequestTopic,
		MinBytes:       cfg.Consumer.MinBytes,
		MaxBytes:       cfg.Consumer.MaxBytes,
		MaxWait:        cfg.Consumer.MaxWait,
		CommitInterval: cfg.Consumer.CommitInterval,
	})
	return NewRequestConsumerWithReader(reader, evaluator, results), nil
}

// NewRequestConsumerWithReader wires a consumer around an existing reader.
func NewRequestConsumerWithReader(reader MessageReader, evaluator RequestEvaluator, results chan<- *models.EvaluationResult) *RequestConsumer {
	return &RequestConsumer{
		reader:    reader,
		evaluator: evaluator,
		results:   results,
	}
}

// Start consumes until ctx is cancelled or the reader fails.
func (c *RequestConsumer) Start(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Msg("consumer started")
	defer log.Info().Msg("consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		result := c.handle(ctx, msg)

		select {
		case c.results <- result:
		case <-ctx.Done():
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to commit message")
		}
	}
}

// handle decodes and evaluates one message.
func (c *RequestConsumer) handle(ctx context.Context, msg kafka.Message) *models.EvaluationResult {
	log := logger.WithComponent("kafka_consumer").With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	var req models.EvaluationRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		c.rejected.Add(1)
		metrics.KafkaConsumedTotal.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Msg("discarding undecodable evaluation request")

		id := string(msg.Key)
		if id == "" {
			id = uuid.NewString()
		}
		return &models.EvaluationResult{
			RequestID: id,
			Error:     fmt.Errorf("%w: %v", models.ErrInvalidPayload, err).Error(),
		}
	}

	result, err := c.evaluator.EvaluateRequest(ctx, &req)
	if err != nil {
		c.rejected.Add(1)
		metrics.KafkaConsumedTotal.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Str("request_id", req.ID).Msg("evaluation request failed")
		return result
	}

	c.evaluated.Add(1)
	metrics.KafkaConsumedTotal.WithLabelValues("evaluated").Inc()
	return result
}

// Stop closes the underlying reader, unblocking Start.
func (c *RequestConsumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.reader.Close()
}

// Stats returns consumer statistics
func (c *RequestConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Evaluated: c.evaluated.Load(),
		Rejected:  c.rejected.Load(),
	}
}

// ConsumerStats holds consumer metrics
type ConsumerStats struct {
	Evaluated uint64 `json:"evaluated"`
	Rejected  uint64 `json:"rejected"`
}
