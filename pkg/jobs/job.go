// Package jobs defines the durable unit of work shared by every queue path:
// the broker adapters, the database fallback queue and the worker pool all
// move Job values around.
//
// A Job belongs to a logical queue (scraping, webhooks, exports, ...) and
// names a handler within that queue. The payload is opaque JSON owned by the
// handler.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority determines dequeue order within a queue. Higher values are
// selected first; ties are broken by creation time, oldest first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
	PriorityUrgent Priority = 20
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps the coarse level names exposed to callers onto the
// numeric weights used for ordering.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the job lifecycle state. Completed and Failed are terminal.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Logical channels. Jobs are rejected at submission time for any queue not
// listed here.
const (
	QueueScraping      = "scraping"
	QueueWebhooks      = "webhooks"
	QueueExports       = "exports"
	QueueNotifications = "notifications"
	QueueAnalytics     = "analytics"
	QueueCleanup       = "cleanup"
)

var knownQueues = map[string]bool{
	QueueScraping:      true,
	QueueWebhooks:      true,
	QueueExports:       true,
	QueueNotifications: true,
	QueueAnalytics:     true,
	QueueCleanup:       true,
}

// KnownQueues returns the registered logical channel names.
func KnownQueues() []string {
	return []string{
		QueueScraping, QueueWebhooks, QueueExports,
		QueueNotifications, QueueAnalytics, QueueCleanup,
	}
}

// IsKnownQueue reports whether name is a registered logical channel.
func IsKnownQueue(name string) bool { return knownQueues[name] }

// Repeat describes a recurring schedule: a standard 5-field cron expression
// plus an IANA timezone.
type Repeat struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// DefaultMaxAttempts is the retry budget applied when the caller does not
// override it.
const DefaultMaxAttempts = 3

// Job is the durable unit of work.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	// RunAt is the earliest time the job is eligible to run.
	RunAt       time.Time  `json:"run_at"`
	Repeat      *Repeat    `json:"repeat,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Options tunes a single submission.
type Options struct {
	Delay    time.Duration
	Priority Priority
	Attempts int
	Repeat   *Repeat
}

// New builds a well-formed Job. The payload must be JSON-serializable and the
// queue must be a known channel; both are checked here so bad submissions
// fail at the call site instead of inside a poller.
func New(queue, name string, payload any, opts Options) (*Job, error) {
	if !IsKnownQueue(queue) {
		return nil, fmt.Errorf("unknown queue %q", queue)
	}
	if name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}

	now := time.Now().UTC()
	j := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Name:        name,
		Payload:     raw,
		Priority:    opts.Priority,
		Status:      StatusWaiting,
		MaxAttempts: opts.Attempts,
		RunAt:       now,
		Repeat:      opts.Repeat,
		CreatedAt:   now,
	}
	if j.Priority == 0 {
		j.Priority = PriorityNormal
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Delay > 0 {
		j.Status = StatusDelayed
		j.RunAt = now.Add(opts.Delay)
	}
	return j, nil
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
