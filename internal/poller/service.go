// Package poller periodically discovers new source items for tasks where
// push delivery is unavailable or disabled.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"crossflow/internal/domain"
	"crossflow/internal/queue"
)

// TaskProcessor is the whole-task run collaborator (shared with the scheduler).
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

	log.Info().Dur("interval", s.interval).Msg("poller started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// RunOnce runs a single poll cycle; exposed for operational tooling.
func (s *Service) RunOnce(ctx context.Context) {
	s.tick(ctx)
}

// tick enqueues one whole-task run per pollable task. Like the scheduler it
// refuses to overlap itself and awaits every enqueued run, so a slow platform
// API cannot pile up cycles.
func (s *Service) tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		log.Debug().Msg("poll cycle still running, skipping")
		return
	}
	defer s.ticking.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("poll cycle panicked")
		}
	}()

	tasks, err := s.store.ActiveTasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load active tasks")
		return
	}

	var futures []*queue.Future
	for _, task := range tasks {
		if !s.pollable(ctx, task) {
			continue
		}
		taskID := task.ID
		fut, err := s.queue.Enqueue(queue.Job{
			UserID:    task.UserID,
			TaskID:    taskID,
			DedupeKey: "poller:" + taskID,
			Run: func(ctx context.Context) (any, error) {
				return s.processor.ProcessTask(ctx, taskID)
			},
		})
		if err != nil {
			log.Warn().Str("task_id", taskID).Err(err).Msg("failed to enqueue poll run")
			continue
		}
		futures = append(futures, fut)
	}

	for _, fut := range futures {
		if _, err := fut.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("poll run failed")
		}
	}
}

// pollable requires an immediate-execution task with at least one active
// source on the pull platform and at least one active target. Scheduled and
// recurring tasks belong to the scheduler: a poll-triggered run would bump
// LastExecuted and hold their due conditions off forever.
func (s *Service) pollable(ctx context.Context, task domain.Task) bool {
	if task.ExecutionType != domain.ExecImmediate {
		return false
	}
	sources, err := s.store.AccountsByIDs(ctx, task.SourceAccountIDs)
	if err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("failed to load sources")
		return false
	}
	hasSource := false
	for _, a := range sources {
		if a.Active && a.Platform == domain.PlatformX {
			hasSource = true
			break
		}
	}
	if !hasSource {
		return false
	}

	targets, err := s.store.AccountsByIDs(ctx, task.TargetAccountIDs)
	if err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("failed to load targets")
		return false
	}
	for _, a := range targets {
		if a.Active {
			return true
		}
	}
	return false
}
