// Package broker adapts external message queues to the job model. Two
// implementations exist: Redis (lists plus a delayed sorted set) and AMQP
// (priority queues with TTL-based retry). The broker is a soft dependency of
// the queue manager; when it is absent or failing, work lands in the database
// fallback queue instead.
package broker

import (
	"context"

	"github.com/scrapewell/jobqueue/pkg/jobs"
)

// Stats counts jobs per state as seen by the broker.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Consumer is a handle to a running consumer registration. Close drains and
// stops it.
type Consumer interface {
	Close() error
}

// Broker is the message-queue contract consumed by the queue manager.
type Broker interface {
	// Enqueue pushes a job; delayed jobs become eligible at their RunAt time.
	Enqueue(ctx context.Context, j *jobs.Job) error

	// Consume registers a handler for a queue with bounded concurrency and
	// returns a handle that stops it.
	Consume(queue string, fn jobs.HandlerFunc, concurrency int) (Consumer, error)

	// Stats reports per-state depths for a queue.
	Stats(ctx context.Context, queue string) (Stats, error)

	// Close releases the broker connection.
	Close() error
}
