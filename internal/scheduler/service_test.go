package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossflow/internal/domain"
	"crossflow/internal/queue"
)

type fakeStore struct {
	domain.Store

	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newFakeStore(tasks ...domain.Task) *fakeStore {
	s := &fakeStore{tasks: map[string]*domain.Task{}}
	for i := range tasks {
		t := tasks[i]
		s.tasks[t.ID] = &t
	}
	return s
}

func (s *fakeStore) Tasks(ctx context.Context) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (s *fakeStore) UpdateTaskRun(ctx context.Context, taskID string, status domain.TaskStatus, lastExecuted int64, ran, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.Status = status
		ts := time.Unix(lastExecuted, 0).UTC()
		t.LastExecuted = &ts
		t.ExecutionCount += ran
		t.FailedCount += failed
	}
	return nil
}

func (s *fakeStore) task(id string) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

type countingProcessor struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (p *countingProcessor) ProcessTask(ctx context.Context, taskID string) ([]domain.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[taskID]++
	return nil, p.err
}

func (p *countingProcessor) count(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[taskID]
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestScheduledDue(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		scheduleTime *time.Time
		lastExecuted *time.Time
		want         bool
	}{
		{"no schedule time", nil, nil, false},
		{"schedule in the future", ptrTime(now.Add(time.Hour)), nil, false},
		{"due and never run", ptrTime(now.Add(-time.Minute)), nil, true},
		{"already ran at schedule", ptrTime(now.Add(-time.Hour)), ptrTime(now.Add(-time.Hour)), false},
		{"already ran after schedule", ptrTime(now.Add(-time.Hour)), ptrTime(now.Add(-time.Minute)), false},
		{"last run predates schedule", ptrTime(now.Add(-time.Hour)), ptrTime(now.Add(-2 * time.Hour)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := domain.Task{ScheduleTime: tt.scheduleTime, LastExecuted: tt.lastExecuted}
			assert.Equal(t, tt.want, scheduledDue(task, now))
		})
	}
}

func TestRecurringDue(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		pattern      domain.RecurringPattern
		cron         string
		lastExecuted *time.Time
		want         bool
	}{
		{"never executed fires immediately", domain.RecurDaily, "", nil, true},
		{"daily not yet elapsed", domain.RecurDaily, "", ptrTime(now.Add(-23 * time.Hour)), false},
		{"daily elapsed", domain.RecurDaily, "", ptrTime(now.Add(-25 * time.Hour)), true},
		{"weekly elapsed", domain.RecurWeekly, "", ptrTime(now.Add(-8 * 24 * time.Hour)), true},
		{"weekly not elapsed", domain.RecurWeekly, "", ptrTime(now.Add(-6 * 24 * time.Hour)), false},
		{"monthly elapsed", domain.RecurMonthly, "", ptrTime(now.Add(-31 * 24 * time.Hour)), true},
		{"custom cron due", domain.RecurCustom, "0 * * * *", ptrTime(now.Add(-2 * time.Hour)), true},
		{"custom cron not due", domain.RecurCustom, "0 0 * * *", ptrTime(now.Add(-time.Hour)), false},
		{"custom cron invalid", domain.RecurCustom, "not a cron", ptrTime(now.Add(-time.Hour)), false},
		{"unknown pattern", domain.RecurringPattern("hourly"), "", ptrTime(now.Add(-time.Hour)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := domain.Task{ID: "tsk", RecurringPattern: tt.pattern, CustomCron: tt.cron, LastExecuted: tt.lastExecuted}
			assert.Equal(t, tt.want, recurringDue(task, now))
		})
	}
}

func TestTickFiresScheduledTaskOnce(t *testing.T) {
	store := newFakeStore(domain.Task{
		ID:            "tsk_1",
		UserID:        "usr_1",
		ExecutionType: domain.ExecScheduled,
		ScheduleTime:  ptrTime(time.Now().Add(-time.Minute)),
		Status:        domain.StatusActive,
	})
	proc := &countingProcessor{}
	svc := NewService(store, queue.New(queue.Options{}), proc, time.Minute)

	svc.RunOnce(context.Background())
	assert.Equal(t, 1, proc.count("tsk_1"))
	assert.Equal(t, domain.StatusCompleted, store.task("tsk_1").Status)

	// A later tick sees the completed status and does nothing.
	svc.RunOnce(context.Background())
	assert.Equal(t, 1, proc.count("tsk_1"))
}

func TestTickMarksScheduledTaskError(t *testing.T) {
	store := newFakeStore(domain.Task{
		ID:            "tsk_1",
		ExecutionType: domain.ExecScheduled,
		ScheduleTime:  ptrTime(time.Now().Add(-time.Minute)),
		Status:        domain.StatusActive,
	})
	proc := &countingProcessor{err: assert.AnError}
	svc := NewService(store, queue.New(queue.Options{}), proc, time.Minute)

	svc.RunOnce(context.Background())
	assert.Equal(t, domain.StatusError, store.task("tsk_1").Status)
}

func TestTickRunsDueRecurringTask(t *testing.T) {
	store := newFakeStore(
		domain.Task{
			ID:               "due",
			ExecutionType:    domain.ExecRecurring,
			RecurringPattern: domain.RecurDaily,
			LastExecuted:     ptrTime(time.Now().Add(-25 * time.Hour)),
			Status:           domain.StatusActive,
		},
		domain.Task{
			ID:               "fresh",
			ExecutionType:    domain.ExecRecurring,
			RecurringPattern: domain.RecurDaily,
			LastExecuted:     ptrTime(time.Now().Add(-time.Hour)),
			Status:           domain.StatusActive,
		},
		domain.Task{
			ID:               "paused",
			ExecutionType:    domain.ExecRecurring,
			RecurringPattern: domain.RecurDaily,
			Status:           domain.StatusPaused,
		},
	)
	proc := &countingProcessor{}
	svc := NewService(store, queue.New(queue.Options{}), proc, time.Minute)

	svc.RunOnce(context.Background())
	assert.Equal(t, 1, proc.count("due"))
	assert.Zero(t, proc.count("fresh"))
	assert.Zero(t, proc.count("paused"))
}

func TestTickIgnoresImmediateTasks(t *testing.T) {
	store := newFakeStore(domain.Task{
		ID:            "tsk_1",
		ExecutionType: domain.ExecImmediate,
		Status:        domain.StatusActive,
	})
	proc := &countingProcessor{}
	svc := NewService(store, queue.New(queue.Options{}), proc, time.Minute)

	svc.RunOnce(context.Background())
	assert.Zero(t, proc.count("tsk_1"))
}

func TestTickSkipsWhileAnotherTickRuns(t *testing.T) {
	store := newFakeStore(domain.Task{
		ID:               "tsk_1",
		ExecutionType:    domain.ExecRecurring,
		RecurringPattern: domain.RecurDaily,
		Status:           domain.StatusActive,
	})
	proc := &countingProcessor{}
	svc := NewService(store, queue.New(queue.Options{}), proc, time.Minute)

	svc.ticking.Store(true)
	svc.RunOnce(context.Background())
	assert.Zero(t, proc.count("tsk_1"))

	svc.ticking.Store(false)
	svc.RunOnce(context.Background())
	assert.Equal(t, 1, proc.count("tsk_1"))
}

func TestValidateCronExpression(t *testing.T) {
	require.NoError(t, ValidateCronExpression("*/5 * * * *"))
	require.NoError(t, ValidateCronExpression("0 9 * * 1-5"))
	assert.Error(t, ValidateCronExpression("every tuesday"))
	assert.Error(t, ValidateCronExpression(""))
}
