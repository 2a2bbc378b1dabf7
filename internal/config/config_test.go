package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 8, cfg.Queue.GlobalLimit)
	assert.Equal(t, 2, cfg.Queue.UserLimit)
	assert.Equal(t, 1, cfg.Queue.TaskLimit)
	assert.Equal(t, 2000, cfg.Queue.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval())
	assert.Equal(t, 120*time.Second, cfg.Poller.Interval())
	assert.False(t, cfg.Stream.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("QUEUE_GLOBAL_LIMIT", "16")
	t.Setenv("STREAM_ENABLED", "true")
	t.Setenv("SCHEDULER_INTERVAL_SECONDS", "45")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.ServerPort)
	assert.Equal(t, 16, cfg.Queue.GlobalLimit)
	assert.True(t, cfg.Stream.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.Interval())
}

func TestIntervalFloors(t *testing.T) {
	assert.Equal(t, MinSchedulerInterval, SchedulerConfig{IntervalSeconds: 1}.Interval())
	assert.Equal(t, MinPollerInterval, PollerConfig{IntervalSeconds: 2}.Interval())
	assert.Equal(t, time.Minute, SchedulerConfig{IntervalSeconds: 60}.Interval())
	assert.Equal(t, time.Minute, PollerConfig{IntervalSeconds: 60}.Interval())
}
