package worker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"spotwatch/internal/models"
	"spotwatch/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockPublisher records what it was asked to publish.
type MockPublisher struct {
	mu         sync.Mutex
	batches    [][]*models.EvaluationResult
	singles    []*models.EvaluationResult
	failBatch  bool
	shouldFail bool
}

func (m *MockPublisher) Publish(ctx context.Context, result *models.EvaluationResult) error {
	if m.shouldFail {
		return context.DeadlineExceeded
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.singles = append(m.singles, result)
	return nil
}

func (m *MockPublisher) PublishBatch(ctx context.Context, results []*models.EvaluationResult) error {
	if m.shouldFail || m.failBatch {
		return context.DeadlineExceeded
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]*models.EvaluationResult(nil), results...))
	return nil
}

func (m *MockPublisher) published() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.singles)
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *MockPublisher) batchRules() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, 0, len(m.batches))
	for _, b := range m.batches {
		rules := make([]string, len(b))
		for i, r := range b {
			rules[i] = r.Rule + "/" + r.RequestID
		}
		out = append(out, rules)
	}
	return out
}

func result(rule string, i int) *models.EvaluationResult {
	stale := i%2 == 0
	return &models.EvaluationResult{
		RequestID:   fmt.Sprintf("req-%d", i),
		Rule:        rule,
		Result:      &stale,
		EvaluatedAt: time.Now().UTC(),
	}
}

func sendResults(ch chan<- *models.EvaluationResult, n int) {
	for i := 0; i < n; i++ {
		ch <- result("no_new_runs", i)
	}
}

func TestWorkerPool_PublishResults(t *testing.T) {
	ch := make(chan *models.EvaluationResult, 100)
	mock := &MockPublisher{}

	pool := worker.NewPool(worker.Config{
		Publisher:    mock,
		ResultChan:   ch,
		Workers:      2,
		BatchSize:    10,
		BatchTimeout: 50 * time.Millisecond,
	})

	pool.Start()
	defer pool.Stop()

	sendResults(ch, 25)

	require.Eventually(t, func() bool { return pool.Stats().Published == 25 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 25, mock.published())
}

func TestWorkerPool_BatchesPerRule(t *testing.T) {
	ch := make(chan *models.EvaluationResult, 100)
	mock := &MockPublisher{}

	pool := worker.NewPool(worker.Config{
		Publisher:    mock,
		ResultChan:   ch,
		Workers:      1,
		BatchSize:    5,
		BatchTimeout: 5 * time.Second,
	})

	ch <- result("no_new_runs", 1)
	ch <- result("hourly", 2)
	ch <- result("no_new_runs", 3)
	ch <- result("hourly", 4)
	ch <- result("no_new_runs", 5)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool { return mock.published() == 5 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]string{
		{"no_new_runs/req-1", "no_new_runs/req-3", "no_new_runs/req-5"},
		{"hourly/req-2", "hourly/req-4"},
	}, mock.batchRules())
}

func TestWorkerPool_TimeoutBatch(t *testing.T) {
	ch := make(chan *models.EvaluationResult, 100)
	mock := &MockPublisher{}

	pool := worker.NewPool(worker.Config{
		Publisher:    mock,
		ResultChan:   ch,
		Workers:      1,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
	})

	pool.Start()
	defer pool.Stop()

	sendResults(ch, 3)

	require.Eventually(t, func() bool { return mock.published() == 3 }, 2*time.Second, 20*time.Millisecond)
}

func TestWorkerPool_StopPublishesQueuedResults(t *testing.T) {
	ch := make(chan *models.EvaluationResult, 100)
	mock := &MockPublisher{}

	pool := worker.NewPool(worker.Config{
		Publisher:    mock,
		ResultChan:   ch,
		Workers:      2,
		BatchSize:    10,
		BatchTimeout: 5 * time.Second,
	})

	// queued before any worker runs, as when the consumer has already
	// committed the offsets
	sendResults(ch, 50)

	pool.Start()
	pool.Stop()

	assert.Equal(t, 50, mock.published())
	assert.Empty(t, ch)
	assert.Equal(t, uint64(50), pool.Stats().Published)
	assert.Zero(t, pool.Stats().Lost)
}

func TestWorkerPool_StopFlushesPartialBatch(t *testing.T) {
	ch := make(chan *models.EvaluationResult, 100)
	mock := &MockPublisher{}

	pool := worker.NewPool(worker.Config{
		Publisher:    mock,
		ResultChan:   ch,
		Workers:      1,
		BatchSize:    10,
		BatchTimeout: 5 * time.Second,
	})

	pool.Start()
	sendResults(ch, 7)
	require.Eventually(t, func() bool { return len(ch) == 0 }, time.Second, 5*time.Millisecond)

	pool.Stop()
	pool.Stop()

	assert.Equal(t, 7, mock.published())
}

func TestWorkerPool_ClosedChannelFlushes(t *testing.T) {
	ch := make(chan *models.EvaluationResult, 100)
	mock := &MockPublisher{}

	pool := worker.NewPool(worker.Config{
		Publisher:    mock,
		ResultChan:   ch,
		Workers:      1,
		BatchSize:    50,
		BatchTimeout: 5 * time.Second,
	})

	pool.Start()
	sendResults(ch, 4)
	close(ch)

	require.Eventually(t, func() bool { return mock.published() == 4 }, time.Second, 10*time.Millisecond)
	pool.Stop()
}

func TestWorkerPool_FallbackToIndividual(t *testing.T) {
	ch := make(chan *models.EvaluationResult, 100)
	mock := &MockPublisher{failBatch: true}

	pool := worker.NewPool(worker.Config{
		Publisher:    mock,
		ResultChan:   ch,
		Workers:      1,
		BatchSize:    5,
		BatchTimeout: 50 * time.Millisecond,
	})

	pool.Start()
	defer pool.Stop()

	sendResults(ch, 5)

	require.Eventually(t, func() bool { return pool.Stats().Published == 5 }, 2*time.Second, 20*time.Millisecond)
	assert.Zero(t, pool.Stats().Lost)
	assert.Equal(t, 5, mock.published())
}

func TestWorkerPool_LostResults(t *testing.T) {
	ch := make(chan *models.EvaluationResult, 100)
	mock := &MockPublisher{shouldFail: true}

	pool := worker.NewPool(worker.Config{
		Publisher:      mock,
		ResultChan:     ch,
		Workers:        1,
		BatchSize:      5,
		BatchTimeout:   50 * time.Millisecond,
		PublishTimeout: 50 * time.Millisecond,
	})

	pool.Start()
	defer pool.Stop()

	sendResults(ch, 5)

	require.Eventually(t, func() bool { return pool.Stats().Lost == 5 }, 2*time.Second, 20*time.Millisecond)
	assert.Zero(t, pool.Stats().Published)
}

func TestWorkerPool_FailedEvaluationsArePublished(t *testing.T) {
	ch := make(chan *models.EvaluationResult, 100)
	mock := &MockPublisher{}

	pool := worker.NewPool(worker.Config{
		Publisher:    mock,
		ResultChan:   ch,
		Workers:      1,
		BatchSize:    3,
		BatchTimeout: 5 * time.Second,
	})

	ch <- result("no_new_runs", 1)
	ch <- &models.EvaluationResult{RequestID: "bad-1", Rule: "no_new_runs", Error: "bucket has no latest processed timestamp"}
	ch <- &models.EvaluationResult{RequestID: "bad-2", Rule: "no_new_runs", Error: "unknown rule"}

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool { return pool.Stats().Published == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), pool.Stats().Errored)
}
