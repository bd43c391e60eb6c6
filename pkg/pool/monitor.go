package pool

import (
	"context"
	"strings"
	"time"

	"github.com/coursecraft/loom/pkg/events"
	"github.com/coursecraft/loom/pkg/metrics"
	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/types"
)

// StartMonitoring spawns the background health monitor. Every interval it
// classifies registered workers, marks hung and dead ones, rescues their
// in-flight jobs, and launches replacements to maintain the configured
// counts. The monitor is cooperatively cancellable via StopMonitoring or
// StopPools.
func (m *Manager) StartMonitoring(interval time.Duration) {
	m.mu.Lock()
	if m.monitorStop != nil {
		m.mu.Unlock()
		return
	}
	m.monitorStop = make(chan struct{})
	m.monitorDone = make(chan struct{})
	stop, done := m.monitorStop, m.monitorDone
	m.mu.Unlock()

	go m.monitorLoop(interval, stop, done)
}

// StopMonitoring stops the monitor and joins it
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	stop, done := m.monitorStop, m.monitorDone
	m.monitorStop, m.monitorDone = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn().Msg("Monitor did not stop in time")
	}
}

func (m *Manager) monitorLoop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("Pool monitoring started")

	for {
		select {
		case <-ticker.C:
			// Monitor errors are logged and swallowed so one bad cycle
			// never kills supervision
			if err := m.monitorCycle(context.Background()); err != nil {
				m.logger.Error().Err(err).Msg("Monitoring cycle failed")
			}
		case <-stop:
			m.logger.Info().Msg("Pool monitoring stopped")
			return
		}
	}
}

// monitorCycle performs one classification pass. The reset of in-flight
// jobs is atomic; replacement launches are best effort and happen outside
// any transaction.
func (m *Manager) monitorCycle(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MonitorCycleDuration)
		metrics.MonitorCyclesTotal.Inc()
	}()

	workers, err := m.queue.ListWorkers(ctx, "", nil)
	if err != nil {
		return err
	}

	now := m.discovery.Now().UTC()
	deadFound := false

	for _, w := range workers {
		stale := now.Sub(w.LastHeartbeat.UTC()) > queue.HeartbeatMaxAge
		if !stale {
			continue
		}

		running := m.isExecutorRunning(ctx, &w)

		switch {
		case !running:
			// Stale heartbeat and nothing running underneath: dead
			if w.Status != types.WorkerStatusDead {
				m.logger.Warn().
					Int64("worker_id", w.ID).
					Str("worker_type", string(w.Type)).
					Str("executor_id", w.ExecutorID).
					Msg("Worker is dead")
				if err := m.queue.SetWorkerStatus(ctx, w.ID, types.WorkerStatusDead); err != nil {
					m.logger.Error().Err(err).Int64("worker_id", w.ID).Msg("Failed to mark worker dead")
					continue
				}
				m.publish(events.EventWorkerDead, w.Type, w.ExecutorID, "heartbeat lapsed, process gone")
				deadFound = true
			}

		case w.Status == types.WorkerStatusBusy:
			// Still running but silent while busy: hung
			m.logger.Warn().
				Int64("worker_id", w.ID).
				Str("worker_type", string(w.Type)).
				Msg("Worker is hung")
			if err := m.queue.SetWorkerStatus(ctx, w.ID, types.WorkerStatusHung); err != nil {
				m.logger.Error().Err(err).Int64("worker_id", w.ID).Msg("Failed to mark worker hung")
			}
			m.publish(events.EventWorkerHung, w.Type, w.ExecutorID, "heartbeat lapsed while busy")

		case w.Status == types.WorkerStatusHung:
			// Hung last cycle and still silent: give up on it
			if err := m.queue.SetWorkerStatus(ctx, w.ID, types.WorkerStatusDead); err != nil {
				m.logger.Error().Err(err).Int64("worker_id", w.ID).Msg("Failed to mark hung worker dead")
				continue
			}
			m.publish(events.EventWorkerDead, w.Type, w.ExecutorID, "hung worker gave no sign of life")
			deadFound = true
		}
	}

	if deadFound {
		reset, err := m.queue.ResetDeadWorkerJobs(ctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to reset jobs from dead workers")
		} else if reset > 0 {
			m.logger.Info().Int64("count", reset).Msg("Rescued jobs from dead workers")
		}
	}

	m.replaceMissingWorkers(ctx)
	return nil
}

// isExecutorRunning asks the worker's executor whether it still runs.
// Without an executor for the mode only registry state is available, so the
// worker counts as running and the hung path decides.
func (m *Manager) isExecutorRunning(ctx context.Context, w *types.Worker) bool {
	mode := types.ExecutionModeDocker
	if strings.HasPrefix(w.ExecutorID, types.DirectExecutorIDPrefix) {
		mode = types.ExecutionModeDirect
	}
	exec, ok := m.executors[mode]
	if !ok || w.ExecutorID == "" {
		return true
	}
	return exec.IsWorkerRunning(ctx, w.ExecutorID)
}

// replaceMissingWorkers launches new workers for types that have fallen
// below their configured count. Launch failures are logged; the next cycle
// tries again.
func (m *Manager) replaceMissingWorkers(ctx context.Context) {
	for _, cfg := range m.configs {
		cfg = cfg.WithDefaults()
		if cfg.Count == 0 {
			continue
		}

		healthy, err := m.discovery.CountHealthyWorkers(ctx, cfg.Type)
		if err != nil {
			m.logger.Error().Err(err).Str("worker_type", string(cfg.Type)).Msg("Failed to count healthy workers")
			continue
		}

		deficit := cfg.Count - healthy
		if deficit <= 0 {
			continue
		}

		exec, ok := m.executors[cfg.Mode]
		if !ok {
			continue
		}

		m.logger.Info().
			Str("worker_type", string(cfg.Type)).
			Int("deficit", deficit).
			Msg("Launching replacement workers")

		for i := 0; i < deficit; i++ {
			index := m.nextIndex(cfg.Type)
			executorID, err := exec.StartWorker(ctx, cfg.Type, index, cfg)
			if err != nil {
				m.logger.Error().Err(err).Str("worker_type", string(cfg.Type)).Msg("Failed to launch replacement worker")
				continue
			}

			workerID, err := m.waitForRegistration(ctx, executorID, m.registrationWait)
			if err != nil {
				m.logger.Error().Err(err).Str("executor_id", executorID).Msg("Replacement worker failed to register")
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

			metrics.WorkersReplaced.WithLabelValues(string(cfg.Type)).Inc()
			m.publish(events.EventWorkerReplace, cfg.Type, executorID, "")
		}
	}
}

// nextIndex picks a slot index beyond any already used for the type, so
// replacement container names never collide with live ones. StartPools used
// indices 0..Count-1, including slots that failed and were never recorded.
func (m *Manager) nextIndex(workerType types.JobType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := 0
	for _, cfg := range m.configs {
		if cfg.Type == workerType && cfg.Count > base {
			base = cfg.Count
		}
	}
	return base + len(m.workers[workerType])
}
