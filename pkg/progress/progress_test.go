package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coursecraft/loom/pkg/types"
)

func TestTrackerCounts(t *testing.T) {
	var last Update
	tracker := NewTracker(WithUpdateCallback(func(u Update) { last = u }))

	tracker.JobSubmitted(1, types.JobTypeNotebook, "/w/a.nb", "")
	tracker.JobSubmitted(2, types.JobTypeNotebook, "/w/b.nb", "")
	tracker.JobSubmitted(3, types.JobTypePlantUML, "/w/c.puml", "")

	tracker.JobCompleted(1)
	tracker.JobFailed(2, "kernel died")

	assert.Equal(t, 3, last.Submitted)
	assert.Equal(t, 1, last.Completed)
	assert.Equal(t, 1, last.Failed)
	assert.Equal(t, 2, last.ByType[types.JobTypeNotebook])
	assert.Equal(t, 1, last.ByType[types.JobTypePlantUML])
}

func TestTrackerLoggingLifecycle(t *testing.T) {
	tracker := NewTracker()

	// Start/stop is idempotent and does not hang
	tracker.StartLogging()
	tracker.StartLogging()
	tracker.StopLogging()
	tracker.StopLogging()

	tracker.LogSummary()
}
