package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the shared logger for the queue subsystem.
var Log zerolog.Logger

func init() {
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Human-readable console output everywhere except production, which
	// keeps the JSON stream for log shipping.
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// ForQueue returns a child logger scoped to a logical queue.
func ForQueue(queue string) zerolog.Logger {
	return Log.With().Str("queue", queue).Logger()
}
