// Package scheduler turns wall-clock time into enqueued task runs.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"crossflow/internal/domain"
	"crossflow/internal/queue"
)

// TaskProcessor is the task-running collaborator the scheduler delegates to.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, taskID string) ([]domain.Execution, error)
}

type Service struct {
	store     domain.Store
	queue     *queue.Queue
	processor TaskProcessor
	interval  time.Duration
	stop      chan struct{}
	ticking   atomic.Bool
}

func NewService(store domain.Store, q *queue.Queue, processor TaskProcessor, interval time.Duration) *Service {
	return &Service{
		store:     store,
		queue:     q,
		processor: processor,
		interval:  interval,
		stop:      make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// RunOnce runs a single tick; exposed for operational tooling.
func (s *Service) RunOnce(ctx context.Context) {
	s.tick(ctx, time.Now())
}

// tick scans for due scheduled/recurring tasks and enqueues their runs. A
// tick that overlaps a still-running previous tick is skipped outright, and
// the tick awaits every enqueued job before returning so two ticks can never
// double-fire the same task. The dedupe key on the queue is the second line
// of defense.
func (s *Service) tick(ctx context.Context, now time.Time) {
	if !s.ticking.CompareAndSwap(false, true) {
		log.Debug().Msg("scheduler tick still running, skipping")
		return
	}
	defer s.ticking.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("scheduler tick panicked")
		}
	}()

	tasks, err := s.store.Tasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load tasks")
		return
	}

	var futures []*queue.Future
	for _, task := range tasks {
		if task.Status != domain.StatusActive {
			continue
		}

		switch task.ExecutionType {
		case domain.ExecScheduled:
			if !scheduledDue(task, now) {
				continue
			}
			fut := s.enqueueRun(task, "scheduler:scheduled:"+task.ID, true)
			if fut != nil {
				futures = append(futures, fut)
			}
		case domain.ExecRecurring:
			if !recurringDue(task, now) {
				continue
			}
			fut := s.enqueueRun(task, "scheduler:recurring:"+task.ID, false)
			if fut != nil {
				futures = append(futures, fut)
			}
		}
	}

	for _, fut := range futures {
		if _, err := fut.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("scheduled run failed")
		}
	}
}

func (s *Service) enqueueRun(task domain.Task, dedupeKey string, finalize bool) *queue.Future {
	taskID := task.ID
	fut, err := s.queue.Enqueue(queue.Job{
		UserID:    task.UserID,
		TaskID:    taskID,
		DedupeKey: dedupeKey,
		Run: func(ctx context.Context) (any, error) {
			execs, err := s.processor.ProcessTask(ctx, taskID)
			if finalize {
				s.finalizeScheduled(ctx, taskID, err)
			}
			return execs, err
		},
	})
	if err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("failed to enqueue scheduled run")
		return nil
	}
	return fut
}

// finalizeScheduled flips a one-shot scheduled task to completed (or error)
// so it never fires again.
func (s *Service) finalizeScheduled(ctx context.Context, taskID string, runErr error) {
	status := domain.StatusCompleted
	if runErr != nil {
		status = domain.StatusError
	}
	if err := s.store.UpdateTaskRun(ctx, taskID, status, time.Now().Unix(), 0, 0); err != nil {
		log.Error().Str("task_id", taskID).Err(err).Msg("failed to finalize scheduled task")
	}
}

// scheduledDue: fire once ScheduleTime has passed, unless the task already
// ran at or after that schedule.
func scheduledDue(task domain.Task, now time.Time) bool {
	if task.ScheduleTime == nil || task.ScheduleTime.After(now) {
		return false
	}
	return task.LastExecuted == nil || task.LastExecuted.Before(*task.ScheduleTime)
}

// recurringDue applies the elapsed-time rule: fire when the pattern interval
// has passed since the last execution, immediately if never executed.
func recurringDue(task domain.Task, now time.Time) bool {
	if task.LastExecuted == nil {
		return true
	}

	if task.RecurringPattern == domain.RecurCustom {
		schedule, err := cron.ParseStandard(task.CustomCron)
		if err != nil {
			log.Error().Str("task_id", task.ID).Str("cron_expr", task.CustomCron).Err(err).Msg("invalid cron expression")
			return false
		}
		return !schedule.Next(*task.LastExecuted).After(now)
	}

	interval := task.RecurringPattern.Interval()
	if interval <= 0 {
		return false
	}
	return now.Sub(*task.LastExecuted) > interval
}

// ValidateCronExpression validates a custom recurring pattern.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
