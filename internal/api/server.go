// Package api exposes the engine's produced interfaces: the webhook ingestion
// endpoint and a small ops surface for manual runs and queue visibility.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"crossflow/internal/domain"
	"crossflow/internal/queue"
)

type TaskProcessor interface {
	ProcessTask(ctx context.Context, taskID string) ([]domain.Execution, error)
}

type EventProcessor interface {
	ProcessEvent(ctx context.Context, task domain.Task, item domain.SourceItem) ([]domain.Execution, error)
}

// Ticker is a runOnce entry point (poller, scheduler).
type Ticker interface {
	RunOnce(ctx context.Context)
}

type StreamControl interface {
	SyncRules(ctx context.Context) error
	Running() bool
}

type Server struct {
	r         *chi.Mux
	store     domain.Store
	queue     *queue.Queue
	tasks     TaskProcessor
	events    EventProcessor
	poller    Ticker
	scheduler Ticker
	stream    StreamControl
	secret    string
}

func NewServer(store domain.Store, q *queue.Queue, tasks TaskProcessor, events EventProcessor, poller, scheduler Ticker, stream StreamControl, webhookSecret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:         r,
		store:     store,
		queue:     q,
		tasks:     tasks,
		events:    events,
		poller:    poller,
		scheduler: scheduler,
		stream:    stream,
		secret:    webhookSecret,
	}

	r.Get("/health", s.health)
	r.Get("/api/queue", s.queueStats)
	r.Post("/api/tasks/{id}/run", s.runTask)
	r.Get("/api/tasks/{id}/executions", s.taskExecutions)
	r.Post("/api/poller/run", s.runTicker(s.poller))
	r.Post("/api/scheduler/run", s.runTicker(s.scheduler))
	r.Get("/api/stream", s.streamStatus)
	r.Post("/api/stream/sync", s.streamSync)
	r.Post("/webhook/x", s.webhook)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

// runTask enqueues an ad-hoc run with the same queue semantics as scheduled
// jobs; concurrent "run now" clicks collapse on the dedupe key.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.store.Task(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_, err = s.queue.Enqueue(queue.Job{
		UserID:    task.UserID,
		TaskID:    task.ID,
		DedupeKey: "manual:" + task.ID,
		Run: func(ctx context.Context) (any, error) {
			return s.tasks.ProcessTask(ctx, task.ID)
		},
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID, "status": "queued"})
}

func (s *Server) taskExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	executions, err := s.store.RecentExecutions(r.Context(), id, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

// runTicker kicks one cycle in the background; the tick's own overlap guard
// makes repeated kicks harmless.
func (s *Server) runTicker(t Ticker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go t.RunOnce(context.Background())
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.stream.Running()})
}

func (s *Server) streamSync(w http.ResponseWriter, r *http.Request) {
	if err := s.stream.SyncRules(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
