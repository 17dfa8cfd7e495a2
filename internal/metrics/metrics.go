package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotwatch_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotwatch_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotwatch_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"rule", "result"}, // result: stale, fresh, error
	)

	EvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotwatch_evaluation_errors_total",
			Help: "Total number of failed evaluations by cause",
		},
		[]string{"rule", "error_type"},
	)

	EvaluationBuckets = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotwatch_evaluation_buckets",
			Help:    "Number of buckets seen per evaluation",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"rule"},
	)

	StaleBuckets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spotwatch_stale_buckets",
			Help: "Number of stale buckets in the latest evaluation of a rule",
		},
		[]string{"rule"},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotwatch_worker_queue_size",
			Help: "Current size of the result queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotwatch_worker_queue_capacity",
			Help: "Capacity of the result queue",
		},
	)

	WorkerDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spotwatch_worker_dropped_total",
			Help: "Total number of results dropped because the queue was full",
		},
	)

	WorkerPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotwatch_worker_published_total",
			Help: "Total number of result records published, by rule and record kind",
		},
		[]string{"rule", "kind"}, // kind: verdict, error
	)

	WorkerLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotwatch_worker_lost_total",
			Help: "Total number of result records that could not be published",
		},
		[]string{"rule"},
	)

	WorkerDrainedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spotwatch_worker_drained_total",
			Help: "Total number of queued results published during shutdown",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spotwatch_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotwatch_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spotwatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spotwatch_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spotwatch_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Kafka consumer metrics
	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotwatch_kafka_consumed_total",
			Help: "Total number of evaluation requests consumed from Kafka",
		},
		[]string{"status"}, // status: evaluated, rejected
	)

	// Elasticsearch metrics
	ElasticQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotwatch_elastic_query_duration_seconds",
			Help:    "Time taken by Elasticsearch aggregation queries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
