package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for spotwatch.
type Config struct {
	NodeID  string        `mapstructure:"node_id"`
	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Elastic ElasticConfig `mapstructure:"elastic"`
	Rules   []RuleConfig  `mapstructure:"rules"`
}

// LogConfig controls the global logger. File is optional; when set, logs are
// also written to a rotating file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodySize  int64         `mapstructure:"max_body_size"`
}

// KafkaConfig configures the request consumer and the result producer.
type KafkaConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Brokers      []string       `mapstructure:"brokers"`
	RequestTopic string         `mapstructure:"request_topic"`
	ResultTopic  string         `mapstructure:"result_topic"`
	GroupID      string         `mapstructure:"group_id"`
	Producer     ProducerConfig `mapstructure:"producer"`
	Consumer     ConsumerConfig `mapstructure:"consumer"`
}

// ProducerConfig tunes the result writer and its retries.
type ProducerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type ConsumerConfig struct {
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
}

// WorkerConfig sizes the result publishing pool.
type WorkerConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// ElasticConfig points the check command at the index the crawler writes.
type ElasticConfig struct {
	URL       string        `mapstructure:"url"`
	Index     string        `mapstructure:"index"`
	HostField string        `mapstructure:"host_field"`
	TimeField string        `mapstructure:"time_field"`
	MaxHosts  int           `mapstructure:"max_hosts"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RuleConfig is a named staleness rule.
type RuleConfig struct {
	Name        string        `mapstructure:"name"`
	Interval    time.Duration `mapstructure:"interval"`
	Aggregation string        `mapstructure:"aggregation"`
	Field       string        `mapstructure:"field"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  10 * 1024 * 1024,
		},
		Kafka: KafkaConfig{
			Enabled:      false,
			Brokers:      []string{"localhost:9092"},
			RequestTopic: "spot.evaluations",
			ResultTopic:  "spot.evaluation-results",
			GroupID:      "spotwatch",
			Producer: ProducerConfig{
				BatchSize:    100,
				BatchTimeout: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
			Consumer: ConsumerConfig{
				MinBytes:       1,
				MaxBytes:       10 * 1024 * 1024,
				MaxWait:        500 * time.Millisecond,
				CommitInterval: 0,
			},
		},
		Worker: WorkerConfig{
			Workers:      2,
			QueueSize:    1000,
			BatchSize:    50,
			BatchTimeout: 200 * time.Millisecond,
		},
		Elastic: ElasticConfig{
			URL:       "http://localhost:9200",
			Index:     "raw_default",
			HostField: "history_host.keyword",
			TimeField: "time_processed",
			MaxHosts:  100,
			Timeout:   30 * time.Second,
		},
		Rules: []RuleConfig{DefaultRule()},
	}
}

// DefaultRule is the "no new runs" rule: any history host without a newly
// processed run in the last 6 hours.
func DefaultRule() RuleConfig {
	return RuleConfig{
		Name:        "no_new_runs",
		Interval:    6 * time.Hour,
		Aggregation: "history_hosts",
		Field:       "max_time_processed",
	}
}

// Load reads configuration from an optional YAML file and SPOTWATCH_*
// environment variables on top of Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spotwatch")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/spotwatch")
	}

	v.SetEnvPrefix("SPOTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for i := range cfg.Rules {
		cfg.Rules[i].fill()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults registers every default with viper so that environment
// variables can override keys that no config file mentions.
func applyDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("node_id", d.NodeID)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.max_body_size", d.HTTP.MaxBodySize)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.request_topic", d.Kafka.RequestTopic)
	v.SetDefault("kafka.result_topic", d.Kafka.ResultTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.producer.batch_size", d.Kafka.Producer.BatchSize)
	v.SetDefault("kafka.producer.batch_timeout", d.Kafka.Producer.BatchTimeout)
	v.SetDefault("kafka.producer.write_timeout", d.Kafka.Producer.WriteTimeout)
	v.SetDefault("kafka.producer.required_acks", d.Kafka.Producer.RequiredAcks)
	v.SetDefault("kafka.producer.compression", d.Kafka.Producer.Compression)
	v.SetDefault("kafka.producer.max_retries", d.Kafka.Producer.MaxRetries)
	v.SetDefault("kafka.producer.retry_backoff", d.Kafka.Producer.RetryBackoff)
	v.SetDefault("kafka.consumer.min_bytes", d.Kafka.Consumer.MinBytes)
	v.SetDefault("kafka.consumer.max_bytes", d.Kafka.Consumer.MaxBytes)
	v.SetDefault("kafka.consumer.max_wait", d.Kafka.Consumer.MaxWait)
	v.SetDefault("kafka.consumer.commit_interval", d.Kafka.Consumer.CommitInterval)

	v.SetDefault("worker.workers", d.Worker.Workers)
	v.SetDefault("worker.queue_size", d.Worker.QueueSize)
	v.SetDefault("worker.batch_size", d.Worker.BatchSize)
	v.SetDefault("worker.batch_timeout", d.Worker.BatchTimeout)

	v.SetDefault("elastic.url", d.Elastic.URL)
	v.SetDefault("elastic.index", d.Elastic.Index)
	v.SetDefault("elastic.host_field", d.Elastic.HostField)
	v.SetDefault("elastic.time_field", d.Elastic.TimeField)
	v.SetDefault("elastic.max_hosts", d.Elastic.MaxHosts)
	v.SetDefault("elastic.username", d.Elastic.Username)
	v.SetDefault("elastic.password", d.Elastic.Password)
	v.SetDefault("elastic.timeout", d.Elastic.Timeout)

	rules := make([]map[string]any, 0, len(d.Rules))
	for _, r := range d.Rules {
		rules = append(rules, map[string]any{
			"name":        r.Name,
			"interval":    r.Interval.String(),
			"aggregation": r.Aggregation,
			"field":       r.Field,
		})
	}
	v.SetDefault("rules", rules)
}

// fill sets the aggregation and field names a rule left empty.
func (r *RuleConfig) fill() {
	def := DefaultRule()
	if r.Aggregation == "" {
		r.Aggregation = def.Aggregation
	}
	if r.Field == "" {
		r.Field = def.Field
	}
}

// Validate checks the configuration for values that would make the service
// misbehave rather than fail.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr cannot be empty")
	}
	if c.HTTP.MaxBodySize <= 0 {
		return fmt.Errorf("http.max_body_size must be > 0, got %d", c.HTTP.MaxBodySize)
	}

	if len(c.Rules) == 0 {
		return fmt.Errorf("at least one rule must be configured")
	}
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rules[%d].name cannot be empty", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rules[%d].name %q is duplicated", i, r.Name)
		}
		seen[r.Name] = true
		if r.Interval <= 0 {
			return fmt.Errorf("rules[%d].interval must be > 0, got %v", i, r.Interval)
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
		}
		if c.Kafka.RequestTopic == "" || c.Kafka.ResultTopic == "" {
			return fmt.Errorf("kafka.request_topic and kafka.result_topic are required when kafka is enabled")
		}
		if c.Kafka.GroupID == "" {
			return fmt.Errorf("kafka.group_id cannot be empty when kafka is enabled")
		}
	}

	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0, got %d", c.Worker.QueueSize)
	}

	return nil
}
