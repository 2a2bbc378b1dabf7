// Package dispatch fans one matched, transformed item out to every active
// target account of a task, isolating per-target failure.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"crossflow/internal/domain"
	"crossflow/internal/render"
)

type Dispatcher struct {
	store     domain.Store
	messenger domain.MessagePublisher
	publisher domain.Publisher
	refresher domain.TokenRefresher
}

func New(store domain.Store, messenger domain.MessagePublisher, publisher domain.Publisher, refresher domain.TokenRefresher) *Dispatcher {
	return &Dispatcher{store: store, messenger: messenger, publisher: publisher, refresher: refresher}
}

// Dispatch publishes item to each active target of the task, sequentially.
// One target failing never aborts its siblings; exactly one Execution record
// is produced per active target. Ledger writes are best-effort: a failed
// write is logged and the loop continues.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task, source domain.PlatformAccount, item domain.SourceItem) ([]domain.Execution, error) {
	targets, err := d.store.AccountsByIDs(ctx, task.TargetAccountIDs)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}

	text := render.Message(task.Transformations.MessageTemplate, item)

	var executions []domain.Execution
	for _, target := range targets {
		if !target.Active {
			continue
		}

		response, dispatchErr := d.dispatchOne(ctx, task, target, item, text)

		exec := domain.Execution{
			ID:                 "exe_" + uuid.NewString(),
			TaskID:             task.ID,
			SourceAccountID:    source.ID,
			TargetAccountID:    target.ID,
			OriginalContent:    item.Text,
			TransformedContent: text,
			Status:             domain.ExecutionSuccess,
			ExecutedAt:         time.Now().UTC(),
			SourceItemID:       item.ID,
			SourceIdentity:     source.Username,
			Response:           response,
		}
		if dispatchErr != nil {
			exec.Status = domain.ExecutionFailed
			exec.ErrorMessage = dispatchErr.Error()
			log.Warn().
				Str("task_id", task.ID).
				Str("target_id", target.ID).
				Str("item_id", item.ID).
				Err(dispatchErr).
				Msg("target dispatch failed")
		}

		if err := d.store.CreateExecution(ctx, exec); err != nil {
			log.Error().Str("task_id", task.ID).Str("target_id", target.ID).Err(err).Msg("ledger write failed")
		}
		executions = append(executions, exec)
	}
	return executions, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, task domain.Task, target domain.PlatformAccount, item domain.SourceItem, text string) (map[string]string, error) {
	retry := &authRetry{dispatcher: d, target: target}

	switch target.Platform {
	case domain.PlatformTelegram:
		return nil, d.deliverMessage(ctx, retry, task, item, text)
	case domain.PlatformX:
		return d.republish(ctx, retry, task, item, text)
	default:
		return nil, fmt.Errorf("unsupported target platform %q", target.Platform)
	}
}

// deliverMessage handles messaging-style targets. The destination chat id
// lives in the target's credential blob; without it no delivery is attempted.
func (d *Dispatcher) deliverMessage(ctx context.Context, retry *authRetry, task domain.Task, item domain.SourceItem, text string) error {
	chatID := retry.target.Credential("chat_id")
	if chatID == "" {
		return errors.New("missing destination chat id")
	}

	media := item.Media
	if !task.Transformations.IncludeMedia {
		media = nil
	}

	switch {
	case len(media) > 1 || (len(media) == 1 && media[0].Type != domain.MediaVideo):
		return retry.do(ctx, func(acct domain.PlatformAccount) error {
			return d.messenger.SendMediaGroup(ctx, acct, chatID, text, media)
		})
	case len(media) == 1: // single video
		return retry.do(ctx, func(acct domain.PlatformAccount) error {
			return d.messenger.SendVideo(ctx, acct, chatID, text, media[0].URL)
		})
	default:
		return retry.do(ctx, func(acct domain.PlatformAccount) error {
			return d.messenger.SendMessage(ctx, acct, chatID, text)
		})
	}
}

// republish handles same-platform targets. Each configured action fails or
// succeeds independently; the target succeeds only when every action did.
func (d *Dispatcher) republish(ctx context.Context, retry *authRetry, task domain.Task, item domain.SourceItem, text string) (map[string]string, error) {
	actions := task.Transformations.Actions
	if actions.None() {
		actions.Post = true
	}

	response := map[string]string{}
	var failures []string

	runAction := func(name string, op func(acct domain.PlatformAccount) (string, error)) {
		var createdID string
		err := retry.do(ctx, func(acct domain.PlatformAccount) error {
			var opErr error
			createdID, opErr = op(acct)
			return opErr
		})
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			return
		}
		if createdID != "" {
			response[name+"_id"] = createdID
		}
	}

	if actions.Post {
		runAction("post", func(acct domain.PlatformAccount) (string, error) {
			return d.publisher.Post(ctx, acct, text)
		})
	}
	if actions.Reply {
		runAction("reply", func(acct domain.PlatformAccount) (string, error) {
			return d.publisher.Reply(ctx, acct, item.ID, text)
		})
	}
	if actions.Quote {
		runAction("quote", func(acct domain.PlatformAccount) (string, error) {
			return d.publisher.Quote(ctx, acct, item.ID, text)
		})
	}
	if actions.Repost {
		runAction("repost", func(acct domain.PlatformAccount) (string, error) {
			return d.publisher.Repost(ctx, acct, item.ID)
		})
	}
	if actions.Favorite {
		runAction("favorite", func(acct domain.PlatformAccount) (string, error) {
			return "", d.publisher.Favorite(ctx, acct, item.ID)
		})
	}

	if len(failures) > 0 {
		return response, errors.New(strings.Join(failures, "; "))
	}
	return response, nil
}

// authRetry applies the authentication-retry contract: when an operation
// fails with ErrAuthExpired and the target holds a refresh token, refresh
// once, persist the new tokens, and retry that single operation. The refresh
// happens at most once per target attempt even across multiple actions.
type authRetry struct {
	dispatcher *Dispatcher
	target     domain.PlatformAccount
	refreshed  bool
}

func (r *authRetry) do(ctx context.Context, op func(acct domain.PlatformAccount) error) error {
	err := op(r.target)
	if err == nil || !errors.Is(err, domain.ErrAuthExpired) {
		return err
	}
	if r.refreshed || r.target.RefreshToken == "" || r.dispatcher.refresher == nil {
		return err
	}

	r.refreshed = true
	pair, refreshErr := r.dispatcher.refresher.Refresh(ctx, r.target.RefreshToken)
	if refreshErr != nil {
		return fmt.Errorf("token refresh: %w", refreshErr)
	}

	r.target.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		r.target.RefreshToken = pair.RefreshToken
	}
	if err := r.dispatcher.store.UpdateAccountTokens(ctx, r.target.ID, r.target.AccessToken, r.target.RefreshToken); err != nil {
		// Best-effort: the refreshed token still works for this attempt.
		log.Warn().Str("account_id", r.target.ID).Err(err).Msg("persisting refreshed tokens failed")
	}

	return op(r.target)
}
