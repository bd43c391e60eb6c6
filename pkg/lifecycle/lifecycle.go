package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coursecraft/loom/pkg/config"
	"github.com/coursecraft/loom/pkg/discovery"
	"github.com/coursecraft/loom/pkg/events"
	"github.com/coursecraft/loom/pkg/executor"
	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/pool"
	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/types"
)

// WorkerInfo describes one worker a session started or reused
type WorkerInfo struct {
	Type       types.JobType
	Mode       types.ExecutionMode
	ExecutorID string
	DBWorkerID int64
	StartedAt  time.Time
	Reused     bool
}

// Manager orchestrates worker lifecycle for one session: starting managed
// (auto-stopped) or persistent workers, honoring the reuse policy, and
// journaling lifecycle events.
type Manager struct {
	cfg       *config.WorkersConfig
	queue     *queue.JobQueue
	discovery *discovery.Discovery
	executors map[types.ExecutionMode]executor.Executor
	broker    *events.Broker
	sessionID string
	logger    zerolog.Logger

	pool    *pool.Manager
	managed []WorkerInfo

	journalStop chan struct{}
	journalDone chan struct{}
}

// New creates a lifecycle manager. The executors map must contain an
// executor for every execution mode the configuration can select.
func New(
	cfg *config.WorkersConfig,
	q *queue.JobQueue,
	disc *discovery.Discovery,
	executors map[types.ExecutionMode]executor.Executor,
	sessionID string,
) *Manager {
	if sessionID == "" {
		sessionID = "session-" + uuid.NewString()[:8]
	}

	m := &Manager{
		cfg:       cfg,
		queue:     q,
		discovery: disc,
		executors: executors,
		broker:    events.NewBroker(),
		sessionID: sessionID,
		logger:    log.WithComponent("lifecycle"),
	}
	disc.SetExecutors(executors)

	m.broker.Start()
	m.startJournal()

	return m
}

// SessionID returns the id under which this session journals events
func (m *Manager) SessionID() string {
	return m.sessionID
}

// startJournal subscribes to the broker and persists lifecycle events into
// the workers_events table
func (m *Manager) startJournal() {
	sub := m.broker.Subscribe()
	m.journalStop = make(chan struct{})
	m.journalDone = make(chan struct{})

	go func() {
		defer close(m.journalDone)
		for {
			select {
			case evt, ok := <-sub:
				if !ok {
					return
				}
				if err := m.queue.LogWorkerEvent(
					context.Background(),
					m.sessionID, string(evt.Type), evt.WorkerType, evt.ExecutorID, evt.Message,
				); err != nil {
					m.logger.Warn().Err(err).Msg("Failed to journal worker event")
				}
			case <-m.journalStop:
				return
			}
		}
	}()
}

// ShouldStartWorkers reports whether this session needs to start workers:
// auto-start must be on, and under the reuse policy every type must already
// have enough healthy workers for the answer to be no.
func (m *Manager) ShouldStartWorkers(ctx context.Context) (bool, error) {
	if !m.cfg.AutoStart {
		m.logger.Info().Msg("Auto-start is disabled")
		return false, nil
	}

	if !m.cfg.ReuseWorkers {
		m.logger.Info().Msg("Worker reuse is disabled, will start fresh workers")
		return true, nil
	}

	for _, jobType := range types.AllJobTypes {
		required := m.cfg.WorkerConfigFor(jobType).Count
		if required == 0 {
			continue
		}
		healthy, err := m.discovery.CountHealthyWorkers(ctx, jobType)
		if err != nil {
			return false, err
		}
		if healthy < required {
			m.logger.Info().
				Str("worker_type", string(jobType)).
				Int("required", required).
				Int("healthy", healthy).
				Msg("Insufficient healthy workers")
			return true, nil
		}
	}

	m.logger.Info().Msg("Sufficient healthy workers already running")
	return false, nil
}

// StartManaged starts workers this session owns and will stop on end
// (subject to auto-stop). Under the reuse policy only the deficit per type
// is started; fully-covered types are reused in place.
func (m *Manager) StartManaged(ctx context.Context) ([]WorkerInfo, error) {
	start := time.Now()
	m.logger.Info().Msg("Starting managed workers")

	configs := m.activeConfigs()
	if m.cfg.ReuseWorkers {
		adjusted, err := m.adjustForReuse(ctx, configs)
		if err != nil {
			return nil, err
		}
		configs = adjusted
	}

	if len(configs) == 0 {
		m.logger.Info().Msg("No workers to start, reusing existing")
		reused, err := m.collectReusedWorkers(ctx)
		if err != nil {
			return nil, err
		}
		m.managed = reused
		return reused, nil
	}

	total := 0
	for _, c := range configs {
		total += c.Count
	}
	m.publish(events.EventPoolStarting, "", "", fmt.Sprintf("%d worker(s)", total))

	m.pool = pool.NewManager(m.queue, configs, m.executors, m.discovery, m.broker)
	if err := m.pool.StartPools(ctx); err != nil {
		return nil, err
	}

	started := m.collectManagedWorkers()

	// Reused workers of fully-covered types still belong to the session
	if m.cfg.ReuseWorkers {
		reused, err := m.collectReusedWorkers(ctx)
		if err != nil {
			return nil, err
		}
		started = append(started, reused...)
	}

	m.managed = started
	m.publish(events.EventPoolStarted, "", "",
		fmt.Sprintf("%d worker(s) in %.1fs", len(started), time.Since(start).Seconds()))

	m.logger.Info().Int("count", len(started)).Msg("Started managed workers")
	return started, nil
}

// StartPersistent starts workers that outlive this process
func (m *Manager) StartPersistent(ctx context.Context) ([]WorkerInfo, error) {
	start := time.Now()
	m.logger.Info().Msg("Starting persistent workers")

	configs := m.activeConfigs()
	total := 0
	for _, c := range configs {
		total += c.Count
	}
	m.publish(events.EventPoolStarting, "", "", fmt.Sprintf("%d worker(s)", total))

	m.pool = pool.NewManager(m.queue, configs, m.executors, m.discovery, m.broker)
	if err := m.pool.StartPools(ctx); err != nil {
		return nil, err
	}

	workers := m.collectManagedWorkers()
	m.publish(events.EventPoolStarted, "", "",
		fmt.Sprintf("%d worker(s) in %.1fs", len(workers), time.Since(start).Seconds()))

	m.logger.Info().Int("count", len(workers)).Msg("Started persistent workers")
	return workers, nil
}

// StartMonitoring starts the pool health monitor when a pool exists
func (m *Manager) StartMonitoring(interval time.Duration) {
	if m.pool != nil {
		m.pool.StartMonitoring(interval)
	}
}

// StopManaged stops the session's workers unless auto-stop is disabled
func (m *Manager) StopManaged(ctx context.Context) {
	if !m.cfg.AutoStop {
		m.logger.Info().Msg("Auto-stop is disabled, keeping workers running")
		return
	}
	m.stopPool(ctx)
	m.managed = nil
}

// StopPersistent stops previously started persistent workers
func (m *Manager) StopPersistent(ctx context.Context) {
	m.stopPool(ctx)
}

func (m *Manager) stopPool(ctx context.Context) {
	if m.pool == nil {
		m.logger.Debug().Msg("No pool to stop")
		return
	}

	start := time.Now()
	m.publish(events.EventPoolStopping, "", "", "")
	m.pool.StopPools(ctx)
	m.publish(events.EventPoolStopped, "", "",
		fmt.Sprintf("in %.1fs", time.Since(start).Seconds()))
	m.pool = nil
}

// CleanupAll force-stops every worker any executor can still see and
// reports what remains registered
func (m *Manager) CleanupAll(ctx context.Context) error {
	workers, err := m.discovery.DiscoverWorkers(ctx, "", nil)
	if err != nil {
		return err
	}

	m.logger.Info().Int("count", len(workers)).Msg("Cleaning up workers")
	for _, exec := range m.executors {
		exec.Cleanup(ctx)
	}
	for _, w := range workers {
		m.logger.Info().
			Int64("worker_id", w.ID).
			Str("worker_type", string(w.Type)).
			Str("status", string(w.Status)).
			Msg("Registered worker")
	}
	return nil
}

// Close stops the journal and the event broker. Workers are not touched.
func (m *Manager) Close() {
	close(m.journalStop)
	<-m.journalDone
	m.broker.Stop()
}

// activeConfigs returns resolved configs with a non-zero count
func (m *Manager) activeConfigs() []types.WorkerConfig {
	var configs []types.WorkerConfig
	for _, c := range m.cfg.AllWorkerConfigs() {
		if c.Count > 0 {
			configs = append(configs, c)
		}
	}
	return configs
}

// adjustForReuse lowers per-type counts by the number of already-healthy
// workers, dropping fully-covered types
func (m *Manager) adjustForReuse(ctx context.Context, configs []types.WorkerConfig) ([]types.WorkerConfig, error) {
	var adjusted []types.WorkerConfig

	for _, cfg := range configs {
		healthy, err := m.discovery.CountHealthyWorkers(ctx, cfg.Type)
		if err != nil {
			return nil, err
		}
		needed := cfg.Count - healthy
		if needed > 0 {
			c := cfg
			c.Count = needed
			adjusted = append(adjusted, c)
			m.logger.Info().
				Str("worker_type", string(cfg.Type)).
				Int("required", cfg.Count).
				Int("healthy", healthy).
				Int("starting", needed).
				Msg("Adjusted worker count for reuse")
		} else {
			m.logger.Info().
				Str("worker_type", string(cfg.Type)).
				Int("healthy", healthy).
				Msg("Reusing existing workers")
		}
	}

	return adjusted, nil
}

// collectManagedWorkers snapshots the pool's launched workers
func (m *Manager) collectManagedWorkers() []WorkerInfo {
	if m.pool == nil {
		return nil
	}

	var infos []WorkerInfo
	for jobType, workers := range m.pool.Workers() {
		for _, w := range workers {
			infos = append(infos, WorkerInfo{
				Type:       jobType,
				Mode:       w.Config.Mode,
				ExecutorID: w.ExecutorID,
				DBWorkerID: w.DBWorkerID,
				StartedAt:  w.StartedAt,
			})
		}
	}
	return infos
}

// collectReusedWorkers gathers healthy existing workers up to each type's
// configured count
func (m *Manager) collectReusedWorkers(ctx context.Context) ([]WorkerInfo, error) {
	launched := make(map[string]bool)
	for _, w := range m.collectManagedWorkers() {
		launched[w.ExecutorID] = true
	}

	var infos []WorkerInfo
	for _, cfg := range m.activeConfigs() {
		discovered, err := m.discovery.DiscoverWorkers(ctx, cfg.Type,
			[]types.WorkerStatus{types.WorkerStatusIdle, types.WorkerStatusBusy})
		if err != nil {
			return nil, err
		}

		taken := 0
		for _, w := range discovered {
			if taken >= cfg.Count {
				break
			}
			if !w.IsHealthy || launched[w.ExecutorID] {
				continue
			}
			mode := types.ExecutionModeDirect
			if w.IsDocker {
				mode = types.ExecutionModeDocker
			}
			infos = append(infos, WorkerInfo{
				Type:       w.Type,
				Mode:       mode,
				ExecutorID: w.ExecutorID,
				DBWorkerID: w.ID,
				StartedAt:  w.StartedAt,
				Reused:     true,
			})
			taken++
		}
	}
	return infos, nil
}

func (m *Manager) publish(eventType events.EventType, workerType, executorID, message string) {
	m.broker.Publish(&events.Event{
		Type:       eventType,
		WorkerType: workerType,
		ExecutorID: executorID,
		Message:    message,
	})
}
