package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Decoding errors. Malformed buckets are never skipped: the evaluation fails
// and the error is reported back to whoever requested it.
var (
	ErrInvalidPayload     = errors.New("invalid watch payload")
	ErrNoResults          = errors.New("watch payload has no search results")
	ErrMissingAggregation = errors.New("aggregation not found in search result")
	ErrMissingTimestamp   = errors.New("bucket has no latest processed timestamp")
	ErrInvalidTimestamp   = errors.New("bucket timestamp is not numeric")
)

const (
	// DefaultAggregation is the terms aggregation grouping runs per history host.
	DefaultAggregation = "history_hosts"
	// DefaultTimeField is the max sub-aggregation carrying epoch millis.
	DefaultTimeField = "max_time_processed"
)

// BucketTimestamp is the flattened form of a bucket: its key and the latest
// processed time for that key.
type BucketTimestamp struct {
	Key  string    `json:"key"`
	Time time.Time `json:"time"`
}

func (b BucketTimestamp) BucketKey() string     { return b.Key }
func (b BucketTimestamp) BucketTime() time.Time { return b.Time }

// ValueAggregation is a single-value metric aggregation (max, min, avg).
type ValueAggregation struct {
	Value *float64 `json:"value"`
}

// Bucket is one row of a terms aggregation. Sub-aggregations are kept raw
// because their names come from the rule.
type Bucket struct {
	raw map[string]json.RawMessage
}

// UnmarshalJSON keeps every field of the bucket for later lookup.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.raw = raw
	return nil
}

// Key returns key_as_string when present, else the key rendered as text.
func (b Bucket) Key() string {
	for _, name := range []string{"key_as_string", "key"} {
		raw, ok := b.raw[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(bytes.TrimSpace(raw))
	}
	return ""
}

// LatestProcessed reads the epoch millis value of the named sub-aggregation.
// The value is truncated to whole milliseconds.
func (b Bucket) LatestProcessed(field string) (time.Time, error) {
	raw, ok := b.raw[field]
	if !ok || isNull(raw) {
		return time.Time{}, ErrMissingTimestamp
	}

	var agg ValueAggregation
	if err := json.Unmarshal(raw, &agg); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if agg.Value == nil {
		return time.Time{}, ErrMissingTimestamp
	}

	return time.UnixMilli(int64(*agg.Value)).UTC(), nil
}

// TermsAggregation is a bucketed aggregation result. SumOtherDocCount counts
// documents whose keys did not make it into Buckets.
type TermsAggregation struct {
	Buckets          []Bucket `json:"buckets"`
	SumOtherDocCount int64    `json:"sum_other_doc_count"`
}

// SearchResult is the part of a search response the rule reads.
type SearchResult struct {
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

// Terms decodes the named terms aggregation.
func (r SearchResult) Terms(name string) (*TermsAggregation, error) {
	raw, ok := r.Aggregations[name]
	if !ok || isNull(raw) {
		return nil, fmt.Errorf("%w: %s", ErrMissingAggregation, name)
	}

	var terms TermsAggregation
	if err := json.Unmarshal(raw, &terms); err != nil {
		return nil, fmt.Errorf("%w: aggregation %s: %v", ErrInvalidPayload, name, err)
	}
	return &terms, nil
}

// Flatten turns the named terms aggregation into key/timestamp pairs, in
// bucket order. The first malformed bucket aborts the whole decode.
func (r SearchResult) Flatten(aggregation, field string) ([]BucketTimestamp, error) {
	terms, err := r.Terms(aggregation)
	if err != nil {
		return nil, err
	}

	out := make([]BucketTimestamp, 0, len(terms.Buckets))
	for i, bucket := range terms.Buckets {
		ts, err := bucket.LatestProcessed(field)
		if err != nil {
			return nil, fmt.Errorf("bucket %d (%s): %w", i, bucket.Key(), err)
		}
		out = append(out, BucketTimestamp{Key: bucket.Key(), Time: ts})
	}
	return out, nil
}

// WatchContext is the payload handed over by the alerting host: the results
// of the watch's search inputs.
type WatchContext struct {
	Results []SearchResult `json:"results"`
}

// ParseWatchContext accepts a watch context ({"results": [...]}), a context
// wrapped under "ctx", or a bare search response ({"aggregations": ...}).
func ParseWatchContext(data []byte) (*WatchContext, error) {
	var payload struct {
		Results      []SearchResult             `json:"results"`
		Ctx          *WatchContext              `json:"ctx"`
		Aggregations map[string]json.RawMessage `json:"aggregations"`
	}

	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch {
	case len(payload.Results) > 0:
		return &WatchContext{Results: payload.Results}, nil
	case payload.Ctx != nil && len(payload.Ctx.Results) > 0:
		return payload.Ctx, nil
	case payload.Aggregations != nil:
		return &WatchContext{Results: []SearchResult{{Aggregations: payload.Aggregations}}}, nil
	default:
		return &WatchContext{}, nil
	}
}

// Buckets flattens the first search result, which is the one the rule reads.
func (w *WatchContext) Buckets(aggregation, field string) ([]BucketTimestamp, error) {
	if w == nil || len(w.Results) == 0 {
		return nil, ErrNoResults
	}
	return w.Results[0].Flatten(aggregation, field)
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
