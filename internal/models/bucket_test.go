package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watchPayload = `{
  "results": [{
    "hits": {"total": 42},
    "aggregations": {
      "history_hosts": {
        "buckets": [
          {"key": "shs-prod-1", "doc_count": 30, "max_time_processed": {"value": 1704088800000.0, "value_as_string": "2024-01-01T06:00:00.000Z"}},
          {"key": "shs-prod-2", "doc_count": 12, "max_time_processed": {"value": 1704085200000}}
        ]
      }
    }
  }]
}`

func TestParseWatchContext_Flatten(t *testing.T) {
	wc, err := ParseWatchContext([]byte(watchPayload))
	require.NoError(t, err)

	buckets, err := wc.Buckets(DefaultAggregation, DefaultTimeField)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	assert.Equal(t, "shs-prod-1", buckets[0].Key)
	assert.Equal(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), buckets[0].Time)
	assert.Equal(t, "shs-prod-2", buckets[1].Key)
	assert.Equal(t, time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC), buckets[1].Time)
}

func TestParseWatchContext_Shapes(t *testing.T) {
	aggs := `{"history_hosts": {"buckets": [{"key": "a", "max_time_processed": {"value": 0}}]}}`

	tests := []struct {
		name    string
		payload string
	}{
		{"results", `{"results": [{"aggregations": ` + aggs + `}]}`},
		{"wrapped ctx", `{"ctx": {"results": [{"aggregations": ` + aggs + `}]}}`},
		{"bare search response", `{"took": 3, "aggregations": ` + aggs + `}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wc, err := ParseWatchContext([]byte(tt.payload))
			require.NoError(t, err)

			buckets, err := wc.Buckets(DefaultAggregation, DefaultTimeField)
			require.NoError(t, err)
			require.Len(t, buckets, 1)
			assert.Equal(t, time.Unix(0, 0).UTC(), buckets[0].Time)
		})
	}
}

func TestWatchContext_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"no results", `{"results": []}`, ErrNoResults},
		{"unrelated object", `{"status": "ok"}`, ErrNoResults},
		{"missing aggregation", `{"results": [{"aggregations": {"other": {"buckets": []}}}]}`, ErrMissingAggregation},
		{"missing field", `{"results": [{"aggregations": {"history_hosts": {"buckets": [{"key": "a"}]}}}]}`, ErrMissingTimestamp},
		{"null aggregation value", `{"results": [{"aggregations": {"history_hosts": {"buckets": [{"key": "a", "max_time_processed": {"value": null}}]}}}]}`, ErrMissingTimestamp},
		{"null field", `{"results": [{"aggregations": {"history_hosts": {"buckets": [{"key": "a", "max_time_processed": null}]}}}]}`, ErrMissingTimestamp},
		{"string value", `{"results": [{"aggregations": {"history_hosts": {"buckets": [{"key": "a", "max_time_processed": {"value": "yesterday"}}]}}}]}`, ErrInvalidTimestamp},
		{"buckets not a list", `{"results": [{"aggregations": {"history_hosts": {"buckets": 7}}}]}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wc, err := ParseWatchContext([]byte(tt.payload))
			require.NoError(t, err)

			_, err = wc.Buckets(DefaultAggregation, DefaultTimeField)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseWatchContext_InvalidJSON(t *testing.T) {
	_, err := ParseWatchContext([]byte(`{"results": [`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestFlatten_EmptyBuckets(t *testing.T) {
	wc, err := ParseWatchContext([]byte(`{"results": [{"aggregations": {"history_hosts": {"buckets": []}}}]}`))
	require.NoError(t, err)

	buckets, err := wc.Buckets(DefaultAggregation, DefaultTimeField)
	require.NoError(t, err)
	assert.Empty(t, buckets)
}

func TestFlatten_ErrorNamesBucket(t *testing.T) {
	wc, err := ParseWatchContext([]byte(`{"results": [{"aggregations": {"history_hosts": {"buckets": [
		{"key": "ok", "max_time_processed": {"value": 1}},
		{"key": "broken"}
	]}}}]}`))
	require.NoError(t, err)

	_, err = wc.Buckets(DefaultAggregation, DefaultTimeField)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket 1 (broken)")
}

func TestBucket_FractionalMillisTruncate(t *testing.T) {
	var b Bucket
	require.NoError(t, json.Unmarshal([]byte(`{"key": "a", "max_time_processed": {"value": 1704088800000.9}}`), &b))

	ts, err := b.LatestProcessed(DefaultTimeField)
	require.NoError(t, err)
	assert.Equal(t, int64(1704088800000), ts.UnixMilli())
}

func TestBucket_KeyVariants(t *testing.T) {
	var b Bucket
	require.NoError(t, json.Unmarshal([]byte(`{"key": 1704067200000, "key_as_string": "2024-01-01", "doc_count": 5}`), &b))
	assert.Equal(t, "2024-01-01", b.Key())

	require.NoError(t, json.Unmarshal([]byte(`{"key": 17}`), &b))
	assert.Equal(t, "17", b.Key())
}
