package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Floors below which tick intervals are clamped. They protect the external
// platform APIs from misconfiguration, not the process itself.
const (
	MinSchedulerInterval = 5 * time.Second
	MinPollerInterval    = 15 * time.Second
)

type Config struct {
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`
	DBPath     string `envconfig:"DB_PATH" default:"crossflow.db"`

	Queue     QueueConfig
	Scheduler SchedulerConfig
	Poller    PollerConfig
	Stream    StreamConfig

	XAPIBaseURL   string `envconfig:"X_API_BASE_URL" default:"https://api.x.com"`
	XBearerToken  string `envconfig:"X_BEARER_TOKEN"`
	XClientID     string `envconfig:"X_CLIENT_ID"`
	XClientSecret string `envconfig:"X_CLIENT_SECRET"`

	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	WebhookSecret    string `envconfig:"WEBHOOK_SECRET"`
}

type QueueConfig struct {
	GlobalLimit int `envconfig:"QUEUE_GLOBAL_LIMIT" default:"8"`
	UserLimit   int `envconfig:"QUEUE_USER_LIMIT" default:"2"`
	TaskLimit   int `envconfig:"QUEUE_TASK_LIMIT" default:"1"`
	MaxSize     int `envconfig:"QUEUE_MAX_SIZE" default:"2000"`
}

type SchedulerConfig struct {
	IntervalSeconds int `envconfig:"SCHEDULER_INTERVAL_SECONDS" default:"30"`
}

func (c SchedulerConfig) Interval() time.Duration {
	d := time.Duration(c.IntervalSeconds) * time.Second
	if d < MinSchedulerInterval {
		return MinSchedulerInterval
	}
	return d
}

type PollerConfig struct {
	IntervalSeconds int `envconfig:"POLLER_INTERVAL_SECONDS" default:"120"`
	PageSize        int `envconfig:"POLLER_PAGE_SIZE" default:"10"`
}

func (c PollerConfig) Interval() time.Duration {
	d := time.Duration(c.IntervalSeconds) * time.Second
	if d < MinPollerInterval {
		return MinPollerInterval
	}
	return d
}

type StreamConfig struct {
	Enabled bool   `envconfig:"STREAM_ENABLED" default:"false"`
	URL     string `envconfig:"STREAM_URL" default:"https://api.x.com/2/tweets/search/stream"`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("unable to load .env")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
