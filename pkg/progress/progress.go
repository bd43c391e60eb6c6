package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/types"
)

// Update is a snapshot of build progress handed to the optional callback
type Update struct {
	Submitted int
	Completed int
	Failed    int
	ByType    map[types.JobType]int
}

// Tracker follows job progress through a build session. It counts
// submissions, completions, and failures, optionally logs in-flight
// progress on an interval, and renders a summary at session end.
type Tracker struct {
	logger   zerolog.Logger
	interval time.Duration
	onUpdate func(Update)

	mu        sync.Mutex
	submitted map[int64]trackedJob
	completed int
	failed    int
	failures  []trackedFailure
	byType    map[types.JobType]int

	stopCh chan struct{}
	doneCh chan struct{}
}

type trackedJob struct {
	jobType       types.JobType
	inputFile     string
	correlationID string
	submittedAt   time.Time
}

type trackedFailure struct {
	jobID     int64
	inputFile string
	message   string
}

// Option configures a Tracker
type Option func(*Tracker)

// WithInterval sets the progress logging cadence
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// WithUpdateCallback registers a callback invoked on every state change
func WithUpdateCallback(fn func(Update)) Option {
	return func(t *Tracker) { t.onUpdate = fn }
}

// NewTracker creates a progress tracker
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		logger:    log.WithComponent("progress"),
		interval:  10 * time.Second,
		submitted: make(map[int64]trackedJob),
		byType:    make(map[types.JobType]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// JobSubmitted records a newly submitted job
func (t *Tracker) JobSubmitted(jobID int64, jobType types.JobType, inputFile, correlationID string) {
	t.mu.Lock()
	t.submitted[jobID] = trackedJob{
		jobType:       jobType,
		inputFile:     inputFile,
		correlationID: correlationID,
		submittedAt:   time.Now().UTC(),
	}
	t.byType[jobType]++
	t.mu.Unlock()
	t.notify()
}

// JobCompleted records a successful completion
func (t *Tracker) JobCompleted(jobID int64) {
	t.mu.Lock()
	t.completed++
	t.mu.Unlock()
	t.notify()
}

// JobFailed records a failure
func (t *Tracker) JobFailed(jobID int64, message string) {
	t.mu.Lock()
	t.failed++
	job := t.submitted[jobID]
	t.failures = append(t.failures, trackedFailure{
		jobID:     jobID,
		inputFile: job.inputFile,
		message:   message,
	})
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) snapshot() Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	byType := make(map[types.JobType]int, len(t.byType))
	for k, v := range t.byType {
		byType[k] = v
	}
	return Update{
		Submitted: len(t.submitted),
		Completed: t.completed,
		Failed:    t.failed,
		ByType:    byType,
	}
}

func (t *Tracker) notify() {
	if t.onUpdate != nil {
		t.onUpdate(t.snapshot())
	}
}

// StartLogging begins periodic progress logging
func (t *Tracker) StartLogging() {
	t.mu.Lock()
	if t.stopCh != nil {
		t.mu.Unlock()
		return
	}
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	stop, done := t.stopCh, t.doneCh
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				u := t.snapshot()
				remaining := u.Submitted - u.Completed - u.Failed
				if remaining > 0 {
					t.logger.Info().
						Int("completed", u.Completed).
						Int("failed", u.Failed).
						Int("remaining", remaining).
						Msg("Build progress")
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopLogging stops the periodic logging loop
func (t *Tracker) StopLogging() {
	t.mu.Lock()
	stop, done := t.stopCh, t.doneCh
	t.stopCh, t.doneCh = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// LogSummary renders the end-of-session summary
func (t *Tracker) LogSummary() {
	u := t.snapshot()

	evt := t.logger.Info().
		Int("submitted", u.Submitted).
		Int("completed", u.Completed).
		Int("failed", u.Failed)
	for jobType, count := range u.ByType {
		evt = evt.Int(string(jobType), count)
	}
	evt.Msg("Build summary")

	t.mu.Lock()
	failures := append([]trackedFailure(nil), t.failures...)
	t.mu.Unlock()

	for _, f := range failures {
		t.logger.Error().
			Int64("job_id", f.jobID).
			Str("input_file", f.inputFile).
			Str("error", f.message).
			Msg("Failed job")
	}
}
