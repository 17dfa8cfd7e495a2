// Package elastic runs the latest-processed aggregation against the index the
// crawler writes to, returning the same search result shape the alerting host
// hands to the rule.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"spotwatch/internal/config"
	"spotwatch/internal/logger"
	"spotwatch/internal/metrics"
	"spotwatch/internal/models"
)

var (
	ErrNoURL        = errors.New("elasticsearch url is required")
	ErrNoIndex      = errors.New("elasticsearch index is required")
	ErrSearchFailed = errors.New("elasticsearch search failed")
	// ErrHostsTruncated means the terms aggregation did not return every
	// host, so a stale host may be missing from the result.
	ErrHostsTruncated = errors.New("host aggregation truncated")
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 * 1024

// Client queries a single index.
type Client struct {
	es        *elasticsearch.Client
	index     string
	hostField string
	timeField string
	maxHosts  int
	timeout   time.Duration
}

// Option is a functional option for configuring the client
type Option func(*elasticsearch.Config)

// WithTransport replaces the HTTP transport, e.g. for TLS settings or tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *elasticsearch.Config) { c.Transport = rt }
}

// New creates a client from configuration.
func New(cfg config.ElasticConfig, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid elasticsearch url %q: %w", cfg.URL, err)
	}
	if cfg.Index == "" {
		return nil, ErrNoIndex
	}

	esCfg := elasticsearch.Config{
		Addresses: []string{strings.TrimRight(cfg.URL, "/")},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	for _, opt := range opts {
		opt(&esCfg)
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxHosts := cfg.MaxHosts
	if maxHosts <= 0 {
		maxHosts = 100
	}

	return &Client{
		es:        es,
		index:     cfg.Index,
		hostField: cfg.HostField,
		timeField: cfg.TimeField,
		maxHosts:  maxHosts,
		timeout:   timeout,
	}, nil
}

// LatestProcessedQuery builds a size-0 search with a terms aggregation named
// aggregation on the host field, and a max sub-aggregation named field on the
// processed-time field.
func (c *Client) LatestProcessedQuery(aggregation, field string) map[string]any {
	return map[string]any{
		"size": 0,
		"aggs": map[string]any{
			aggregation: map[string]any{
				"terms": map[string]any{
					"field": c.hostField,
					"size":  c.maxHosts,
				},
				"aggs": map[string]any{
					field: map[string]any{
						"max": map[string]any{"field": c.timeField},
					},
				},
			},
		},
	}
}

// LatestProcessed runs LatestProcessedQuery and decodes the response. It fails
// with ErrHostsTruncated when more hosts exist than the aggregation returned.
func (c *Client) LatestProcessed(ctx context.Context, aggregation, field string) (*models.SearchResult, error) {
	log := logger.WithComponent("elastic")
	start := time.Now()

	body, err := json.Marshal(c.LatestProcessedQuery(aggregation, field))
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		metrics.ElasticQueryDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		metrics.ElasticQueryDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, searchError(res)
	}

	var result models.SearchResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		metrics.ElasticQueryDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: decode response: %v", ErrSearchFailed, err)
	}

	duration := time.Since(start)
	metrics.ElasticQueryDuration.WithLabelValues("success").Observe(duration.Seconds())

	// A missing aggregation is left for the rule to report.
	if terms, err := result.Terms(aggregation); err == nil && terms.SumOtherDocCount > 0 {
		log.Warn().
			Str("aggregation", aggregation).
			Int("max_hosts", c.maxHosts).
			Int64("sum_other_doc_count", terms.SumOtherDocCount).
			Msg("host aggregation truncated")
		return nil, fmt.Errorf("%w: %d documents belong to hosts beyond the first %d, raise elastic.max_hosts",
			ErrHostsTruncated, terms.SumOtherDocCount, c.maxHosts)
	}

	log.Debug().
		Str("index", c.index).
		Str("aggregation", aggregation).
		Dur("duration", duration).
		Msg("latest processed aggregation fetched")

	return &result, nil
}

// searchError extracts the Elasticsearch error reason from a failed response.
func searchError(res *esapi.Response) error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))

	var payload struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error.Reason != "" {
		return fmt.Errorf("%w: status %d: %s: %s", ErrSearchFailed, res.StatusCode, payload.Error.Type, payload.Error.Reason)
	}
	return fmt.Errorf("%w: status %d", ErrSearchFailed, res.StatusCode)
}
