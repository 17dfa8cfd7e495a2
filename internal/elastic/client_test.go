package elastic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotwatch/internal/config"
	"spotwatch/internal/models"
)

const searchURL = "http://es.local:9200/spot_raw/_search"

func newTestClient(t *testing.T, mutate func(*config.ElasticConfig)) (*Client, *httpmock.MockTransport) {
	t.Helper()

	mt := httpmock.NewMockTransport()

	cfg := config.Default().Elastic
	cfg.URL = "http://es.local:9200/"
	cfg.Index = "spot_raw"
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg, WithTransport(mt))
	require.NoError(t, err)
	return c, mt
}

// esResponse mimics a real cluster, which tags successful responses with
// the product header the client checks.
func esResponse(status int, body string) *http.Response {
	resp := httpmock.NewStringResponse(status, body)
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set("X-Elastic-Product", "Elasticsearch")
	return resp
}

func esResponder(status int, body string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		return esResponse(status, body), nil
	}
}

func TestLatestProcessed(t *testing.T) {
	c, mt := newTestClient(t, nil)

	var sent map[string]any
	mt.RegisterResponder(http.MethodPost, searchURL,
		func(req *http.Request) (*http.Response, error) {
			assert.Contains(t, req.Header.Get("Content-Type"), "json")
			if err := json.NewDecoder(req.Body).Decode(&sent); err != nil {
				return esResponse(http.StatusBadRequest, ""), nil
			}
			return esResponse(http.StatusOK, `{
				"took": 4,
				"hits": {"total": {"value": 12}, "hits": []},
				"aggregations": {"history_hosts": {"sum_other_doc_count": 0, "buckets": [
					{"key": "shs-1", "doc_count": 10, "max_time_processed": {"value": 1704067200000, "value_as_string": "2024-01-01T00:00:00.000Z"}},
					{"key": "shs-2", "doc_count": 2, "max_time_processed": {"value": 1704103200000}}
				]}}
			}`), nil
		})

	res, err := c.LatestProcessed(context.Background(), models.DefaultAggregation, models.DefaultTimeField)
	require.NoError(t, err)
	assert.Equal(t, 1, mt.GetTotalCallCount())

	buckets, err := res.Flatten(models.DefaultAggregation, models.DefaultTimeField)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "shs-1", buckets[0].Key)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), buckets[0].Time)

	assert.EqualValues(t, 0, sent["size"])
	terms := sent["aggs"].(map[string]any)["history_hosts"].(map[string]any)
	assert.Equal(t, "history_host.keyword", terms["terms"].(map[string]any)["field"])
	assert.EqualValues(t, 100, terms["terms"].(map[string]any)["size"])
	maxAgg := terms["aggs"].(map[string]any)["max_time_processed"].(map[string]any)["max"].(map[string]any)
	assert.Equal(t, "time_processed", maxAgg["field"])
}

func TestLatestProcessed_BasicAuth(t *testing.T) {
	c, mt := newTestClient(t, func(cfg *config.ElasticConfig) {
		cfg.Username = "spot"
		cfg.Password = "secret"
	})

	mt.RegisterResponder(http.MethodPost, searchURL,
		func(req *http.Request) (*http.Response, error) {
			user, pass, ok := req.BasicAuth()
			if !ok || user != "spot" || pass != "secret" {
				return esResponse(http.StatusUnauthorized, `{"error": {"type": "security_exception", "reason": "missing authentication"}}`), nil
			}
			return esResponse(http.StatusOK, `{"aggregations": {"history_hosts": {"buckets": []}}}`), nil
		})

	res, err := c.LatestProcessed(context.Background(), models.DefaultAggregation, models.DefaultTimeField)
	require.NoError(t, err)

	buckets, err := res.Flatten(models.DefaultAggregation, models.DefaultTimeField)
	require.NoError(t, err)
	assert.Empty(t, buckets)
}

func TestLatestProcessed_TruncatedHosts(t *testing.T) {
	c, mt := newTestClient(t, func(cfg *config.ElasticConfig) { cfg.MaxHosts = 1 })

	mt.RegisterResponder(http.MethodPost, searchURL, esResponder(http.StatusOK, `{
		"aggregations": {"history_hosts": {"sum_other_doc_count": 7, "buckets": [
			{"key": "shs-1", "doc_count": 10, "max_time_processed": {"value": 1704067200000}}
		]}}
	}`))

	_, err := c.LatestProcessed(context.Background(), models.DefaultAggregation, models.DefaultTimeField)
	require.ErrorIs(t, err, ErrHostsTruncated)
	assert.Contains(t, err.Error(), "first 1")
}

func TestLatestProcessed_MissingAggregationLeftToRule(t *testing.T) {
	c, mt := newTestClient(t, nil)

	mt.RegisterResponder(http.MethodPost, searchURL, esResponder(http.StatusOK, `{"aggregations": {}}`))

	res, err := c.LatestProcessed(context.Background(), models.DefaultAggregation, models.DefaultTimeField)
	require.NoError(t, err)

	_, err = res.Flatten(models.DefaultAggregation, models.DefaultTimeField)
	assert.ErrorIs(t, err, models.ErrMissingAggregation)
}

func TestLatestProcessed_ErrorResponse(t *testing.T) {
	c, mt := newTestClient(t, nil)

	mt.RegisterResponder(http.MethodPost, searchURL,
		esResponder(http.StatusNotFound, `{"error": {"type": "index_not_found_exception", "reason": "no such index [spot_raw]"}, "status": 404}`))

	_, err := c.LatestProcessed(context.Background(), models.DefaultAggregation, models.DefaultTimeField)
	require.ErrorIs(t, err, ErrSearchFailed)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "no such index")
}

func TestLatestProcessed_UnparsableErrorBody(t *testing.T) {
	c, mt := newTestClient(t, nil)

	mt.RegisterResponder(http.MethodPost, searchURL,
		esResponder(http.StatusBadRequest, "<html>bad request</html>"))

	_, err := c.LatestProcessed(context.Background(), models.DefaultAggregation, models.DefaultTimeField)
	require.ErrorIs(t, err, ErrSearchFailed)
	assert.Contains(t, err.Error(), "status 400")
}

func TestLatestProcessed_NotElasticsearch(t *testing.T) {
	c, mt := newTestClient(t, nil)

	mt.RegisterResponder(http.MethodPost, searchURL,
		httpmock.NewStringResponder(http.StatusOK, `{"aggregations": {"history_hosts": {"buckets": []}}}`))

	_, err := c.LatestProcessed(context.Background(), models.DefaultAggregation, models.DefaultTimeField)
	assert.ErrorIs(t, err, ErrSearchFailed)
}

func TestLatestProcessed_TransportError(t *testing.T) {
	c, mt := newTestClient(t, nil)

	mt.RegisterResponder(http.MethodPost, searchURL,
		httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err := c.LatestProcessed(context.Background(), models.DefaultAggregation, models.DefaultTimeField)
	assert.ErrorIs(t, err, ErrSearchFailed)
}

func TestNew_Validation(t *testing.T) {
	cfg := config.Default().Elastic

	cfg.URL = ""
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrNoURL)

	cfg.URL = "not a url"
	_, err = New(cfg)
	assert.Error(t, err)

	cfg.URL = "http://localhost:9200"
	cfg.Index = ""
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrNoIndex)
}
