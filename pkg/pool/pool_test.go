package pool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecraft/loom/pkg/discovery"
	"github.com/coursecraft/loom/pkg/executor"
	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/storage"
	"github.com/coursecraft/loom/pkg/types"
)

// fakeExecutor simulates worker launches. Unless failing or silent, it
// registers the worker row itself, standing in for the worker process.
type fakeExecutor struct {
	queue   *queue.JobQueue
	mu      sync.Mutex
	started []string
	stopped []string
	running map[string]bool

	failStart bool
	silent    bool // started workers never register
}

func newFakeExecutor(q *queue.JobQueue) *fakeExecutor {
	return &fakeExecutor{queue: q, running: make(map[string]bool)}
}

func (f *fakeExecutor) StartWorker(ctx context.Context, workerType types.JobType, index int, cfg types.WorkerConfig) (string, error) {
	if f.failStart {
		return "", fmt.Errorf("simulated launch failure")
	}

	f.mu.Lock()
	executorID := fmt.Sprintf("direct-%s-%d-%08d", workerType, index, len(f.started))
	f.started = append(f.started, executorID)
	f.running[executorID] = true
	f.mu.Unlock()

	if !f.silent {
		if _, err := f.queue.RegisterWorker(ctx, workerType, executorID); err != nil {
			return "", err
		}
	}
	return executorID, nil
}

func (f *fakeExecutor) StopWorker(ctx context.Context, executorID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, executorID)
	delete(f.running, executorID)
	return true
}

func (f *fakeExecutor) IsWorkerRunning(ctx context.Context, executorID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[executorID]
}

func (f *fakeExecutor) WorkerStats(ctx context.Context, executorID string) *types.ResourceStats {
	return nil
}

func (f *fakeExecutor) Cleanup(ctx context.Context) {}

func (f *fakeExecutor) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeExecutor) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func (f *fakeExecutor) markDead(executorID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[executorID] = false
}

func newTestManager(t *testing.T, configs []types.WorkerConfig) (*Manager, *queue.JobQueue, *fakeExecutor) {
	t.Helper()

	db, err := storage.OpenJobs(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := queue.NewJobQueue(db)
	fake := newFakeExecutor(q)
	executors := map[types.ExecutionMode]executor.Executor{
		types.ExecutionModeDirect: fake,
	}

	m := NewManager(q, configs, executors, discovery.New(q), nil)
	m.registrationWait = 2 * time.Second
	return m, q, fake
}

func TestStartPools(t *testing.T) {
	configs := []types.WorkerConfig{
		{Type: types.JobTypeNotebook, Count: 2, Mode: types.ExecutionModeDirect},
		{Type: types.JobTypeDrawIO, Count: 1, Mode: types.ExecutionModeDirect},
	}
	m, q, fake := newTestManager(t, configs)

	require.NoError(t, m.StartPools(context.Background()))

	assert.Equal(t, 3, fake.startedCount())

	workers, err := q.ListWorkers(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Len(t, workers, 3)

	managed := m.Workers()
	assert.Len(t, managed[types.JobTypeNotebook], 2)
	assert.Len(t, managed[types.JobTypeDrawIO], 1)
	for _, w := range managed[types.JobTypeNotebook] {
		assert.NotZero(t, w.DBWorkerID)
		assert.NotEmpty(t, w.ExecutorID)
	}
}

func TestStartPoolsZeroCountIsNoOp(t *testing.T) {
	configs := []types.WorkerConfig{
		{Type: types.JobTypeNotebook, Count: 0, Mode: types.ExecutionModeDirect},
	}
	m, q, fake := newTestManager(t, configs)

	require.NoError(t, m.StartPools(context.Background()))

	assert.Equal(t, 0, fake.startedCount())
	workers, err := q.ListWorkers(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestStartPoolsToleratesLaunchFailures(t *testing.T) {
	configs := []types.WorkerConfig{
		{Type: types.JobTypeNotebook, Count: 2, Mode: types.ExecutionModeDirect},
	}
	m, _, fake := newTestManager(t, configs)
	fake.failStart = true

	// Launch failures degrade the pool but do not abort startup
	require.NoError(t, m.StartPools(context.Background()))
	assert.Empty(t, m.Workers()[types.JobTypeNotebook])
}

func TestStartPoolsStopsUnregisteredWorkers(t *testing.T) {
	configs := []types.WorkerConfig{
		{Type: types.JobTypeNotebook, Count: 1, Mode: types.ExecutionModeDirect},
	}
	m, _, fake := newTestManager(t, configs)
	fake.silent = true
	m.registrationWait = 200 * time.Millisecond

	require.NoError(t, m.StartPools(context.Background()))

	// The slot was abandoned and the executor told to stop the worker
	assert.Equal(t, 1, fake.startedCount())
	assert.Equal(t, 1, fake.stoppedCount())
	assert.Empty(t, m.Workers()[types.JobTypeNotebook])
}

func TestStopPools(t *testing.T) {
	configs := []types.WorkerConfig{
		{Type: types.JobTypeNotebook, Count: 2, Mode: types.ExecutionModeDirect},
	}
	m, _, fake := newTestManager(t, configs)

	require.NoError(t, m.StartPools(context.Background()))
	m.StopPools(context.Background())

	assert.Equal(t, 2, fake.stoppedCount())
	assert.Empty(t, m.Workers())
}

func TestMonitorMarksDeadAndRescuesJobs(t *testing.T) {
	configs := []types.WorkerConfig{
		{Type: types.JobTypeNotebook, Count: 1, Mode: types.ExecutionModeDirect},
	}
	m, q, fake := newTestManager(t, configs)
	ctx := context.Background()

	require.NoError(t, m.StartPools(ctx))
	managed := m.Workers()[types.JobTypeNotebook]
	require.Len(t, managed, 1)
	w := managed[0]

	// The worker claims a job, then dies without a trace: heartbeat goes
	// stale and the process is gone
	jobID, err := q.Submit(ctx, types.JobTypeNotebook, "/w/in.nb", "/w/out.nb", "abc",
		map[string]any{}, 0, "")
	require.NoError(t, err)
	claimed, err := q.ClaimNext(ctx, types.JobTypeNotebook, w.DBWorkerID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	fake.markDead(w.ExecutorID)
	staleTime := time.Now().UTC().Add(-time.Minute)
	m.discovery.Now = func() time.Time { return staleTime.Add(2 * time.Minute) }

	require.NoError(t, m.monitorCycle(ctx))

	// The worker is dead and the job went back to pending; a replacement
	// was launched
	workers, err := q.ListWorkers(ctx, types.JobTypeNotebook, nil)
	require.NoError(t, err)
	var deadSeen bool
	for _, wr := range workers {
		if wr.ID == w.DBWorkerID {
			assert.Equal(t, types.WorkerStatusDead, wr.Status)
			deadSeen = true
		}
	}
	assert.True(t, deadSeen)

	job, err := q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Nil(t, job.WorkerID)

	assert.Equal(t, 2, fake.startedCount())
}

func TestMonitorMarksBusyWorkerHung(t *testing.T) {
	configs := []types.WorkerConfig{
		{Type: types.JobTypeNotebook, Count: 1, Mode: types.ExecutionModeDirect},
	}
	m, q, _ := newTestManager(t, configs)
	ctx := context.Background()

	require.NoError(t, m.StartPools(ctx))
	w := m.Workers()[types.JobTypeNotebook][0]
	require.NoError(t, q.SetWorkerStatus(ctx, w.DBWorkerID, types.WorkerStatusBusy))

	// Heartbeat goes stale while the process still runs
	m.discovery.Now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	require.NoError(t, m.monitorCycle(ctx))

	workers, err := q.ListWorkers(ctx, types.JobTypeNotebook, nil)
	require.NoError(t, err)
	var found bool
	for _, wr := range workers {
		if wr.ID == w.DBWorkerID {
			assert.Equal(t, types.WorkerStatusHung, wr.Status)
			found = true
		}
	}
	assert.True(t, found)

	// Another silent cycle gives up on it
	require.NoError(t, m.monitorCycle(ctx))
	workers, err = q.ListWorkers(ctx, types.JobTypeNotebook, nil)
	require.NoError(t, err)
	for _, wr := range workers {
		if wr.ID == w.DBWorkerID {
			assert.Equal(t, types.WorkerStatusDead, wr.Status)
		}
	}
}

func TestMonitoringIsCancellable(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	m.StartMonitoring(50 * time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.StopMonitoring()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
