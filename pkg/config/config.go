package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/scrapewell/jobqueue/pkg/logger"
)

// Config carries everything the queue subsystem needs from the environment.
// Broker selects which adapter to use: "redis", "amqp" or "none". With "none"
// all work goes through the database fallback queue.
type Config struct {
	AppEnv        string        `env:"APP_ENV" envDefault:"development"`
	PostgresDSN   string        `env:"POSTGRES_DSN,notEmpty"`
	Broker        string        `env:"BROKER" envDefault:"redis"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	AMQPURL       string        `env:"AMQP_URL"`
	MetricsAddr   string        `env:"METRICS_ADDR" envDefault:":9091"`
	Concurrency   int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	PollInterval  time.Duration `env:"FALLBACK_POLL_INTERVAL" envDefault:"5s"`
	PollBatch     int           `env:"FALLBACK_POLL_BATCH" envDefault:"10"`
	WebhookUA     string        `env:"WEBHOOK_USER_AGENT" envDefault:"Scrapewell-Webhooks/1.0"`
	WebhookTick   time.Duration `env:"WEBHOOK_DELIVERY_INTERVAL" envDefault:"5s"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		logger.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	return c
}
