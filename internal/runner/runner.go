// Package runner executes one task's full source→target matrix: cursor
// resolution, pull, filter, transform, fan-out. The scheduler, the poller and
// the manual run endpoint all delegate here through the execution queue.
package runner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"crossflow/internal/dispatch"
	"crossflow/internal/domain"
	"crossflow/internal/match"
)

type Runner struct {
	store      domain.Store
	fetcher    domain.Fetcher
	dispatcher *dispatch.Dispatcher
	limiter    *rate.Limiter
	pageSize   int
}

func New(store domain.Store, fetcher domain.Fetcher, dispatcher *dispatch.Dispatcher, limiter *rate.Limiter, pageSize int) *Runner {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &Runner{store: store, fetcher: fetcher, dispatcher: dispatcher, limiter: limiter, pageSize: pageSize}
}

// ProcessTask runs the task once. Items are processed in ascending creation
// order per source so the ledger accumulates cursors chronologically: a crash
// mid-burst resumes after the last fully recorded item.
func (r *Runner) ProcessTask(ctx context.Context, taskID string) ([]domain.Execution, error) {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status != domain.StatusActive {
		return nil, nil
	}

	sources, err := r.store.AccountsByIDs(ctx, task.SourceAccountIDs)
	if err != nil {
		return nil, fmt.Errorf("load sources for task %s: %w", taskID, err)
	}

	var (
		executions []domain.Execution
		failed     int
	)
	for _, source := range sources {
		if !source.Active || source.Platform != domain.PlatformX {
			continue
		}

		items, err := r.fetchNew(ctx, task, source)
		if err != nil {
			log.Warn().Str("task_id", task.ID).Str("source_id", source.ID).Err(err).Msg("fetch failed")
			continue
		}
		sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

		for _, item := range items {
			if !match.Evaluate(task.Filters, item) {
				continue
			}
			execs, err := r.dispatcher.Dispatch(ctx, task, source, item)
			if err != nil {
				log.Warn().Str("task_id", task.ID).Str("item_id", item.ID).Err(err).Msg("dispatch failed")
				continue
			}
			for _, e := range execs {
				if e.Status == domain.ExecutionFailed {
					failed++
				}
			}
			executions = append(executions, execs...)
		}
	}

	if err := r.store.UpdateTaskRun(ctx, task.ID, task.Status, time.Now().Unix(), len(executions), failed); err != nil {
		log.Error().Str("task_id", task.ID).Err(err).Msg("task run bookkeeping failed")
	}
	return executions, nil
}

// ProcessEvent is the inline path for event-driven ingestion (stream and
// webhook): no cursor is resolved, correctness rests on idempotent
// at-least-once ledger writes.
func (r *Runner) ProcessEvent(ctx context.Context, task domain.Task, item domain.SourceItem) ([]domain.Execution, error) {
	if task.Status != domain.StatusActive {
		return nil, nil
	}
	if !match.EvaluateInline(task.Filters, item) {
		return nil, nil
	}

	source, err := r.eventSource(ctx, task, item)
	if err != nil {
		return nil, err
	}

	execs, err := r.dispatcher.Dispatch(ctx, task, source, item)
	if err != nil {
		return nil, err
	}

	failed := 0
	for _, e := range execs {
		if e.Status == domain.ExecutionFailed {
			failed++
		}
	}
	if len(execs) > 0 {
		if err := r.store.UpdateTaskRun(ctx, task.ID, task.Status, time.Now().Unix(), len(execs), failed); err != nil {
			log.Error().Str("task_id", task.ID).Err(err).Msg("task run bookkeeping failed")
		}
	}
	return execs, nil
}

// eventSource picks the task source account matching the event's author, or
// the first configured source when no author match exists.
func (r *Runner) eventSource(ctx context.Context, task domain.Task, item domain.SourceItem) (domain.PlatformAccount, error) {
	sources, err := r.store.AccountsByIDs(ctx, task.SourceAccountIDs)
	if err != nil {
		return domain.PlatformAccount{}, fmt.Errorf("load sources for task %s: %w", task.ID, err)
	}
	if len(sources) == 0 {
		return domain.PlatformAccount{}, fmt.Errorf("task %s has no source accounts", task.ID)
	}
	for _, s := range sources {
		if s.Username != "" && s.Username == item.AuthorUsername {
			return s, nil
		}
		if id := s.Credential("account_id"); id != "" && id == item.AuthorID {
			return s, nil
		}
	}
	return sources[0], nil
}

func (r *Runner) fetchNew(ctx context.Context, task domain.Task, source domain.PlatformAccount) ([]domain.SourceItem, error) {
	var (
		sinceID string
		err     error
	)
	if match.UsesIdentityCursor(task.Filters.TriggerType) {
		sinceID, err = r.store.LatestSourceItemIDByIdentity(ctx, task.ID, source.Username)
	} else {
		sinceID, err = r.store.LatestSourceItemID(ctx, task.ID, source.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve cursor: %w", err)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	query := match.BuildQuery(task.Filters, source.Username)
	return r.fetcher.FetchSince(ctx, source, query, sinceID, r.pageSize)
}
