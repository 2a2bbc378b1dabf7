// Package stream maintains one long-lived server-push connection for
// low-latency discovery. The contract is deliberately narrow: synchronize the
// remote rule set, read newline-delimited events until the body ends or an
// error payload appears, then stop. Reconnect cadence belongs to the caller.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"crossflow/internal/domain"
	"crossflow/internal/match"
)

// maxLineSize bounds a single stream event. Platform payloads with expansions
// can exceed bufio's 64KiB default.
const maxLineSize = 1 << 20

// EventProcessor is the inline filter/transform/dispatch collaborator.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, task domain.Task, item domain.SourceItem) ([]domain.Execution, error)
}

type Service struct {
	store     domain.Store
	processor EventProcessor
	rules     domain.RuleSyncer
	client    *http.Client
	url       string
	bearer    string
	enabled   bool
	running   atomic.Bool
}

func NewService(store domain.Store, processor EventProcessor, rules domain.RuleSyncer, client *http.Client, url, bearer string, enabled bool) *Service {
	if client == nil {
		// No Timeout: the response body is read indefinitely.
		client = &http.Client{}
	}
	return &Service{
		store:     store,
		processor: processor,
		rules:     rules,
		client:    client,
		url:       url,
		bearer:    bearer,
		enabled:   enabled,
	}
}

// Running reports whether the read loop currently holds a connection.
func (s *Service) Running() bool { return s.running.Load() }

// SyncRules replaces the entire remote rule set with rules derived from the
// active tasks. Full replace, never an incremental patch, so local and remote
// state cannot drift.
func (s *Service) SyncRules(ctx context.Context) error {
	existing, err := s.rules.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if len(existing) > 0 {
		ids := make([]string, 0, len(existing))
		for _, r := range existing {
			ids = append(ids, r.ID)
		}
		if err := s.rules.DeleteRules(ctx, ids); err != nil {
			return fmt.Errorf("delete rules: %w", err)
		}
	}

	fresh, err := s.computeRules(ctx)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		log.Info().Msg("no streamable tasks, rule set left empty")
		return nil
	}
	if err := s.rules.AddRules(ctx, fresh); err != nil {
		return fmt.Errorf("add rules: %w", err)
	}
	log.Info().Int("rules", len(fresh)).Msg("stream rules synchronized")
	return nil
}

func (s *Service) computeRules(ctx context.Context) ([]domain.StreamRule, error) {
	tasks, err := s.store.ActiveTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active tasks: %w", err)
	}

	var rules []domain.StreamRule
	for _, task := range tasks {
		sources, err := s.store.AccountsByIDs(ctx, task.SourceAccountIDs)
		if err != nil {
			log.Warn().Str("task_id", task.ID).Err(err).Msg("failed to load sources for rule sync")
			continue
		}
		for _, src := range sources {
			if !src.Active || src.Platform != domain.PlatformX {
				continue
			}
			if rule, ok := match.RuleFor(task, src.Username); ok {
				rules = append(rules, rule)
			}
		}
	}
	return rules, nil
}

// Run connects and consumes events until the body ends, an error payload
// arrives, or ctx is canceled. It returns nil without connecting when the
// stream is disabled or no credential is configured.
func (s *Service) Run(ctx context.Context) error {
	if !s.enabled {
		log.Info().Msg("stream disabled")
		return nil
	}
	if s.bearer == "" {
		log.Info().Msg("stream has no credential, not starting")
		return nil
	}

	if err := s.SyncRules(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.bearer)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream connect: unexpected status %d", resp.StatusCode)
	}

	s.running.Store(true)
	defer s.running.Store(false)
	log.Info().Str("url", s.url).Msg("stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			// keep-alive newline
			continue
		}

		ev, err := parseEvent(line)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed stream line")
			continue
		}
		if len(ev.Errors) > 0 {
			return fmt.Errorf("stream error payload: %s: %s", ev.Errors[0].Title, ev.Errors[0].Detail)
		}
		if ev.Data == nil {
			continue
		}

		s.handleEvent(ctx, ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// handleEvent routes one event to every still-active task its rule tags name.
// There is no cursor on this path; at-least-once ledger writes carry the
// correctness burden.
func (s *Service) handleEvent(ctx context.Context, ev *event) {
	item := ev.sourceItem()
	for _, taskID := range ev.taskIDs() {
		task, err := s.store.Task(ctx, taskID)
		if err != nil {
			log.Warn().Str("task_id", taskID).Err(err).Msg("stream event for unknown task")
			continue
		}
		if task.Status != domain.StatusActive {
			continue
		}
		if _, err := s.processor.ProcessEvent(ctx, task, item); err != nil {
			log.Warn().Str("task_id", taskID).Str("item_id", item.ID).Err(err).Msg("stream event processing failed")
		}
	}
}
