package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/diarist/internal/cloudsync"
	"github.com/lazypower/diarist/internal/config"
)

func TestNewScheduler(t *testing.T) {
	e, _ := newTestEngine(t)

	s, err := e.NewScheduler(config.ScheduleConfig{RunJobs: "@every 1m", Sync: "@every 15m"}, "/tmp/journal")
	require.NoError(t, err)
	assert.Equal(t, []string{"run_jobs"}, s.Jobs(), "no syncer, no sync schedule")
	s.Start()
	s.Stop()

	e.Syncer = cloudsync.New(e.DB, cloudsync.StubAnalyzer{}, cloudsync.Options{})
	s, err = e.NewScheduler(config.ScheduleConfig{RunJobs: "*/5 * * * *", Sync: "@hourly"}, "/tmp/journal")
	require.NoError(t, err)
	assert.Equal(t, []string{"run_jobs", "sync"}, s.Jobs())

	s, err = e.NewScheduler(config.ScheduleConfig{Sync: "@hourly"}, "")
	require.NoError(t, err)
	assert.Empty(t, s.Jobs())

	def := config.Default()
	s, err = e.NewScheduler(def.Schedule, "/tmp/journal")
	require.NoError(t, err)
	assert.Equal(t, []string{"run_jobs", "backfill", "sync"}, s.Jobs())
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.NewScheduler(config.ScheduleConfig{RunJobs: "every minute"}, "")
	assert.ErrorContains(t, err, "run_jobs")

	_, err = e.NewScheduler(config.ScheduleConfig{Backfill: "sometimes"}, "")
	assert.ErrorContains(t, err, "backfill")
}
