package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"crossflow/internal/api"
	"crossflow/internal/config"
	"crossflow/internal/dispatch"
	"crossflow/internal/platform/telegram"
	"crossflow/internal/platform/xapi"
	"crossflow/internal/poller"
	"crossflow/internal/queue"
	"crossflow/internal/runner"
	"crossflow/internal/scheduler"
	"crossflow/internal/store"
	"crossflow/internal/stream"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)

	xClient := xapi.New(cfg.XAPIBaseURL, cfg.XBearerToken, cfg.XClientID, cfg.XClientSecret)
	tgPublisher := telegram.New(cfg.TelegramBotToken)

	q := queue.New(queue.Options{
		GlobalLimit: cfg.Queue.GlobalLimit,
		UserLimit:   cfg.Queue.UserLimit,
		TaskLimit:   cfg.Queue.TaskLimit,
		MaxSize:     cfg.Queue.MaxSize,
	})

	dispatcher := dispatch.New(st, tgPublisher, xClient, xClient)
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	run := runner.New(st, xClient, dispatcher, limiter, cfg.Poller.PageSize)

	sched := scheduler.NewService(st, q, run, cfg.Scheduler.Interval())
	poll := poller.NewService(st, q, run, cfg.Poller.Interval())
	strm := stream.NewService(st, run, xClient, nil, cfg.Stream.URL, cfg.XBearerToken, cfg.Stream.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Start(ctx)
	go poll.Start(ctx)

	// The stream component stops on EOF or an error line by contract;
	// reconnect cadence lives here, under exponential backoff.
	if cfg.Stream.Enabled {
		go superviseStream(ctx, strm)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: api.NewServer(st, q, run, run, poll, sched, strm, cfg.WebhookSecret),
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	sched.Stop()
	poll.Stop()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func superviseStream(ctx context.Context, strm *stream.Service) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Second
	policy.MaxInterval = 5 * time.Minute
	policy.MaxElapsedTime = 0 // retry forever

	for {
		err := strm.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean end of body; reconnect promptly.
			policy.Reset()
		}
		wait := policy.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("stream stopped, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
