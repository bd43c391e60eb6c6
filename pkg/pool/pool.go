package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursecraft/loom/pkg/discovery"
	"github.com/coursecraft/loom/pkg/events"
	"github.com/coursecraft/loom/pkg/executor"
	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/metrics"
	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/types"
)

const (
	// registrationTimeout bounds how long a launched worker gets to insert
	// its row into the workers table before the slot is abandoned
	registrationTimeout = 10 * time.Second

	// registrationPollInterval is how often the registry is checked while
	// waiting for a worker to appear
	registrationPollInterval = 500 * time.Millisecond
)

// ManagedWorker tracks one worker slot this pool manager launched
type ManagedWorker struct {
	ExecutorID string
	DBWorkerID int64
	Config     types.WorkerConfig
	StartedAt  time.Time
}

// Manager owns the worker fleet for one process session: it starts pools
// per job type, stops them, and monitors their health in the background.
type Manager struct {
	queue     *queue.JobQueue
	configs   []types.WorkerConfig
	executors map[types.ExecutionMode]executor.Executor
	discovery *discovery.Discovery
	broker    *events.Broker
	logger    zerolog.Logger

	mu      sync.Mutex
	workers map[types.JobType][]*ManagedWorker

	running     bool
	monitorStop chan struct{}
	monitorDone chan struct{}

	// registrationWait bounds the per-slot registration wait; shortened in
	// tests
	registrationWait time.Duration
}

// NewManager creates a pool manager. The executors map holds one executor
// per execution mode the configs use; it is also injected into discovery so
// health checks can verify liveness.
func NewManager(
	q *queue.JobQueue,
	configs []types.WorkerConfig,
	executors map[types.ExecutionMode]executor.Executor,
	disc *discovery.Discovery,
	broker *events.Broker,
) *Manager {
	disc.SetExecutors(executors)
	return &Manager{
		queue:            q,
		configs:          configs,
		executors:        executors,
		discovery:        disc,
		broker:           broker,
		logger:           log.WithComponent("pool"),
		workers:          make(map[types.JobType][]*ManagedWorker),
		running:          true,
		registrationWait: registrationTimeout,
	}
}

// Executors exposes the executor map for lifecycle wiring
func (m *Manager) Executors() map[types.ExecutionMode]executor.Executor {
	return m.executors
}

// Workers returns a snapshot of the managed worker slots per type
func (m *Manager) Workers() map[types.JobType][]*ManagedWorker {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[types.JobType][]*ManagedWorker, len(m.workers))
	for t, ws := range m.workers {
		out[t] = append([]*ManagedWorker(nil), ws...)
	}
	return out
}

// StartPools launches every configured worker slot. A slot whose worker
// fails to launch or register is stopped and skipped; the other slots
// proceed, leaving the pool degraded but usable.
func (m *Manager) StartPools(ctx context.Context) error {
	for _, cfg := range m.configs {
		cfg = cfg.WithDefaults()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid worker config: %w", err)
		}

		exec, ok := m.executors[cfg.Mode]
		if !ok {
			return fmt.Errorf("no executor available for execution mode %s", cfg.Mode)
		}

		for i := 0; i < cfg.Count; i++ {
			executorID, err := exec.StartWorker(ctx, cfg.Type, i, cfg)
			if err != nil {
				m.logger.Error().
					Err(err).
					Str("worker_type", string(cfg.Type)).
					Int("index", i).
					Msg("Failed to start worker, skipping slot")
				continue
			}

			workerID, err := m.waitForRegistration(ctx, executorID, m.registrationWait)
			if err != nil {
				m.logger.Error().
					Err(err).
					Str("executor_id", executorID).
					Msg("Worker failed to register, stopping it")
				exec.StopWorker(ctx, executorID)
				continue
			}

			m.mu.Lock()
			m.workers[cfg.Type] = append(m.workers[cfg.Type], &ManagedWorker{
				ExecutorID: executorID,
				DBWorkerID: workerID,
				Config:     cfg,
				StartedAt:  time.Now().UTC(),
			})
			m.mu.Unlock()

			metrics.WorkersStarted.WithLabelValues(string(cfg.Type), string(cfg.Mode)).Inc()
			m.publish(events.EventWorkerStarted, cfg.Type, executorID, "")
		}
	}

	return nil
}

// StopPools stops every managed worker in parallel and joins, then stops
// monitoring
func (m *Manager) StopPools(ctx context.Context) {
	m.StopMonitoring()

	m.mu.Lock()
	m.running = false
	var all []*ManagedWorker
	for _, ws := range m.workers {
		all = append(all, ws...)
	}
	m.workers = make(map[types.JobType][]*ManagedWorker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range all {
		wg.Add(1)
		go func(w *ManagedWorker) {
			defer wg.Done()
			exec, ok := m.executors[w.Config.Mode]
			if !ok {
				return
			}
			if exec.StopWorker(ctx, w.ExecutorID) {
				m.publish(events.EventWorkerStopped, w.Config.Type, w.ExecutorID, "")
			}
		}(w)
	}
	wg.Wait()

	m.logger.Info().Int("count", len(all)).Msg("Stopped worker pools")
}

// waitForRegistration polls the workers table until the launched worker
// inserts its row, or the timeout elapses
func (m *Manager) waitForRegistration(ctx context.Context, executorID string, timeout time.Duration) (int64, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(registrationPollInterval)
	defer ticker.Stop()

	for {
		w, err := m.queue.FindWorkerByExecutorID(ctx, executorID)
		if err != nil {
			return 0, err
		}
		if w != nil {
			return w.ID, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("worker %s did not register within %s", executorID, timeout)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) publish(eventType events.EventType, workerType types.JobType, executorID, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:       eventType,
		WorkerType: string(workerType),
		ExecutorID: executorID,
		Message:    message,
	})
}

// WorkerStats returns worker counts per type and status from the registry
func (m *Manager) WorkerStats(ctx context.Context) (map[types.JobType]map[types.WorkerStatus]int, error) {
	workers, err := m.queue.ListWorkers(ctx, "", nil)
	if err != nil {
		return nil, err
	}

	stats := make(map[types.JobType]map[types.WorkerStatus]int)
	for _, w := range workers {
		if stats[w.Type] == nil {
			stats[w.Type] = make(map[types.WorkerStatus]int)
		}
		stats[w.Type][w.Status]++
		metrics.WorkersTotal.WithLabelValues(string(w.Type), string(w.Status)).Set(float64(stats[w.Type][w.Status]))
	}
	return stats, nil
}
