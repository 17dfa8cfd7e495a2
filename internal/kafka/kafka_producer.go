package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"spotwatch/internal/config"
	"spotwatch/internal/logger"
	"spotwatch/internal/metrics"
	"spotwatch/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes evaluation results to the result topic. The topic sees
// one record per evaluation, so a single synchronous writer is enough; the
// writer itself is safe for concurrent use by the workers.
type Producer struct {
	brokers []string
	topic   string
	writer  messageWriter
	retries int
	backoff time.Duration
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewProducer creates a producer writing to topic.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // results of one rule stay on one partition
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  compression(cfg.Compression),
		// retries are ours, with backoff and metrics
		MaxAttempts: 1,
	}

	p := newProducer(topic, cfg, w)
	p.brokers = brokers
	return p, nil
}

func newProducer(topic string, cfg config.ProducerConfig, w messageWriter) *Producer {
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &Producer{
		topic:   topic,
		writer:  w,
		retries: max(cfg.MaxRetries, 0),
		backoff: backoff,
	}
}

func compression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// resultMessage serializes a result into a message keyed by rule.
func resultMessage(result *models.EvaluationResult) (kafka.Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	return kafka.Message{
		Key:   []byte(result.PartitionKey()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "rule", Value: []byte(result.Rule)},
			{Key: "request_id", Value: []byte(result.RequestID)},
			{Key: "node", Value: []byte(result.Node)},
		},
		Time: result.EvaluatedAt,
	}, nil
}

// Publish sends one result.
func (p *Producer) Publish(ctx context.Context, result *models.EvaluationResult) error {
	return p.PublishBatch(ctx, []*models.EvaluationResult{result})
}

// PublishBatch sends results in one write. A result that cannot be
// serialized fails the whole call so the caller can fall back to
// publishing one by one.
func (p *Producer) PublishBatch(ctx context.Context, results []*models.EvaluationResult) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(results) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(results))
	var size uint64
	for i, result := range results {
		msg, err := resultMessage(result)
		if err != nil {
			p.fail(len(results))
			return fmt.Errorf("request %s: %w", result.RequestID, err)
		}
		messages[i] = msg
		size += uint64(len(msg.Value))
	}

	start := time.Now()
	err := p.write(ctx, messages)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.fail(len(messages))
		return err
	}

	p.messagesSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(size)
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))
	metrics.KafkaBytesWritten.Add(float64(size))
	return nil
}

func (p *Producer) fail(n int) {
	p.messagesFailed.Add(uint64(n))
	metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(n))
}

// write retries with exponential backoff. Context errors are not retried.
func (p *Producer) write(ctx context.Context, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	backoff := p.backoff

	var err error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			metrics.KafkaPublishRetries.Inc()
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err = p.writer.WriteMessages(ctx, messages...); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("messages", len(messages)).
			Msg("kafka write failed")
	}

	return fmt.Errorf("write to %s failed after %d attempts: %w", p.topic, p.retries+1, err)
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// HealthCheck dials the first reachable broker and checks the result topic
// has partitions.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	if len(p.brokers) == 0 {
		return errors.New("no brokers configured")
	}

	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		partitions, err := conn.ReadPartitions(p.topic)
		conn.Close()
		if err != nil {
			return fmt.Errorf("read partitions of %s: %w", p.topic, err)
		}
		if len(partitions) == 0 {
			return fmt.Errorf("topic %s has no partitions", p.topic)
		}
		return nil
	}
	return fmt.Errorf("no broker reachable: %w", lastErr)
}
