// Package store persists jobs and webhook records in relational storage.
// The Postgres implementation is the source of truth for the database
// fallback queue; Memory is a mutex-guarded stand-in for development and
// tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/scrapewell/jobqueue/pkg/jobs"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// QueueStats counts jobs per lifecycle state for one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Store is the datastore contract consumed by the queue manager and the
// fallback poller. All mutations on the hot path are single-row conditional
// updates; no multi-row transactions are required.
type Store interface {
	// Insert persists a new job.
	Insert(ctx context.Context, j *jobs.Job) error

	// FindByID loads a single job, ErrNotFound if absent.
	FindByID(ctx context.Context, id string) (*jobs.Job, error)

	// FindDue returns eligible jobs (waiting or delayed, run_at <= now)
	// ordered by priority descending then creation time ascending. An empty
	// queue name matches all queues.
	FindDue(ctx context.Context, queue string, now time.Time, limit int) ([]*jobs.Job, error)

	// Claim atomically transitions a job from waiting/delayed to active.
	// Returns false when another poller already claimed it.
	Claim(ctx context.Context, id string) (bool, error)

	// Complete marks the job completed and records the final attempt count.
	Complete(ctx context.Context, id string, attempts int) error

	// Fail marks the job permanently failed, stamping failed_at.
	Fail(ctx context.Context, id string, attempts int, reason string) error

	// Reschedule returns a failed attempt to the waiting state with a new
	// earliest-eligible time.
	Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, reason string) error

	// Stats counts jobs per state for a queue.
	Stats(ctx context.Context, queue string) (QueueStats, error)

	// Clean removes terminal jobs older than the cutoff, at most limit rows,
	// and reports how many were removed.
	Clean(ctx context.Context, queue string, olderThan time.Time, limit int) (int64, error)
}
