package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"crossflow/internal/domain"
	"crossflow/internal/queue"
	"crossflow/internal/scheduler"
)

type fakeStore struct {
	domain.Store

	mu       sync.Mutex
	tasks    map[string]*domain.Task
	accounts map[string]domain.PlatformAccount
}

func newFakeStore(tasks ...domain.Task) *fakeStore {
	s := &fakeStore{tasks: map[string]*domain.Task{}, accounts: accounts()}
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

func (s *fakeStore) ActiveTasks(ctx context.Context) ([]domain.Task, error) {
	all, _ := s.Tasks(ctx)
	var active []domain.Task
	for _, t := range all {
		if t.Status == domain.StatusActive {
			active = append(active, t)
		}
	}
	return active, nil
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

func (s *fakeStore) AccountsByIDs(ctx context.Context, ids []string) ([]domain.PlatformAccount, error) {
	var out []domain.PlatformAccount
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

type countingProcessor struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *countingProcessor) ProcessTask(ctx context.Context, taskID string) ([]domain.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[taskID]++
	return nil, nil
}

func (p *countingProcessor) count(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[taskID]
}

func accounts() map[string]domain.PlatformAccount {
	return map[string]domain.PlatformAccount{
		"src_x":        {ID: "src_x", Platform: domain.PlatformX, Username: "alice", Active: true},
		"src_inactive": {ID: "src_inactive", Platform: domain.PlatformX, Username: "bob", Active: false},
		"src_tg":       {ID: "src_tg", Platform: domain.PlatformTelegram, Active: true},
		"tgt_tg":       {ID: "tgt_tg", Platform: domain.PlatformTelegram, Active: true},
		"tgt_inactive": {ID: "tgt_inactive", Platform: domain.PlatformTelegram, Active: false},
	}
}

func pollTask(id string) domain.Task {
	return domain.Task{
		ID:               id,
		ExecutionType:    domain.ExecImmediate,
		Status:           domain.StatusActive,
		SourceAccountIDs: []string{"src_x"},
		TargetAccountIDs: []string{"tgt_tg"},
	}
}

func TestTickPollsEligibleTasks(t *testing.T) {
	noSource := pollTask("no_source")
	noSource.SourceAccountIDs = []string{"src_tg"}
	inactiveSource := pollTask("inactive_source")
	inactiveSource.SourceAccountIDs = []string{"src_inactive"}
	noTarget := pollTask("no_target")
	noTarget.TargetAccountIDs = []string{"tgt_inactive"}
	paused := pollTask("paused")
	paused.Status = domain.StatusPaused

	store := newFakeStore(pollTask("ok"), noSource, inactiveSource, noTarget, paused)
	proc := &countingProcessor{}
	svc := NewService(store, queue.New(queue.Options{}), proc, time.Minute)

	svc.RunOnce(context.Background())

	assert.Equal(t, 1, proc.count("ok"))
	assert.Zero(t, proc.count("no_source"))
	assert.Zero(t, proc.count("inactive_source"))
	assert.Zero(t, proc.count("no_target"))
	assert.Zero(t, proc.count("paused"))
}

func TestTickSkipsSchedulerOwnedTasks(t *testing.T) {
	last := time.Now().Add(-25 * time.Hour).UTC()
	recurring := pollTask("recurring")
	recurring.ExecutionType = domain.ExecRecurring
	recurring.RecurringPattern = domain.RecurDaily
	recurring.LastExecuted = &last

	sched := time.Now().Add(-time.Minute)
	scheduled := pollTask("scheduled")
	scheduled.ExecutionType = domain.ExecScheduled
	scheduled.ScheduleTime = &sched

	store := newFakeStore(pollTask("immediate"), recurring, scheduled)
	proc := &countingProcessor{}
	svc := NewService(store, queue.New(queue.Options{}), proc, time.Minute)

	svc.RunOnce(context.Background())

	assert.Equal(t, 1, proc.count("immediate"))
	assert.Zero(t, proc.count("recurring"))
	assert.Zero(t, proc.count("scheduled"))
}

// A poll cycle landing just before a scheduler tick must not bump the
// recurring task's LastExecuted and push its due time out.
func TestPollCycleDoesNotStarveScheduler(t *testing.T) {
	last := time.Now().Add(-25 * time.Hour).UTC()
	recurring := pollTask("recurring")
	recurring.ExecutionType = domain.ExecRecurring
	recurring.RecurringPattern = domain.RecurDaily
	recurring.LastExecuted = &last

	store := newFakeStore(recurring, pollTask("immediate"))
	proc := &countingProcessor{}
	q := queue.New(queue.Options{})

	poll := NewService(store, q, proc, time.Minute)
	sched := scheduler.NewService(store, q, proc, time.Minute)

	poll.RunOnce(context.Background())
	sched.RunOnce(context.Background())

	assert.Equal(t, 1, proc.count("immediate"))
	assert.Equal(t, 1, proc.count("recurring"))
}

func TestTickAwaitsRuns(t *testing.T) {
	a := pollTask("a")
	a.UserID = "u"
	b := pollTask("b")
	b.UserID = "u"
	store := newFakeStore(a, b)
	proc := &countingProcessor{}
	q := queue.New(queue.Options{})
	svc := NewService(store, q, proc, time.Minute)

	svc.RunOnce(context.Background())

	// Both runs finished before the tick returned.
	assert.Equal(t, 1, proc.count("a"))
	assert.Equal(t, 1, proc.count("b"))
	assert.Equal(t, 0, q.Stats().Active)
	assert.Equal(t, 0, q.Stats().Backlog)
}

func TestTickSkipsWhileAnotherTickRuns(t *testing.T) {
	store := newFakeStore(pollTask("a"))
	proc := &countingProcessor{}
	svc := NewService(store, queue.New(queue.Options{}), proc, time.Minute)

	svc.ticking.Store(true)
	svc.RunOnce(context.Background())
	assert.Zero(t, proc.count("a"))

	svc.ticking.Store(false)
	svc.RunOnce(context.Background())
	assert.Equal(t, 1, proc.count("a"))
}
