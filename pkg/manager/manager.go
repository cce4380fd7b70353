// Package manager is the single entry point for submitting, inspecting and
// cleaning work items. It abstracts over whether a message broker is
// reachable: submissions try the broker first and fall back to the database
// queue, which the embedded fallback poller drains.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/scrapewell/jobqueue/pkg/broker"
	"github.com/scrapewell/jobqueue/pkg/fallback"
	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/logger"
	"github.com/scrapewell/jobqueue/pkg/metrics"
	"github.com/scrapewell/jobqueue/pkg/store"
)

// cleanBatch bounds a single CleanQueue pass so cleaning never turns into an
// unbounded delete.
const cleanBatch = 100

// Stats merges broker and store counts for one queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Options configures a Manager. Broker may be nil: absence of a broker is an
// explicit, testable state, not a runtime surprise.
type Options struct {
	Broker       broker.Broker
	Store        store.Store
	Registry     *jobs.Registry
	PollInterval time.Duration
	PollBatch    int
}

// Manager owns queue and job lifecycle transitions for the whole subsystem.
type Manager struct {
	broker   broker.Broker
	store    store.Store
	registry *jobs.Registry
	fallback *fallback.Processor
	cron     *cron.Cron
	log      zerolog.Logger

	mu        sync.Mutex
	consumers []broker.Consumer
	closed    bool
}

func New(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = jobs.NewRegistry()
	}
	m := &Manager{
		broker:   opts.Broker,
		store:    opts.Store,
		registry: opts.Registry,
		cron:     cron.New(),
		log:      logger.Log.With().Str("subsystem", "manager").Logger(),
	}
	m.fallback = fallback.New(opts.Store, opts.Registry, fallback.Options{
		Interval: opts.PollInterval,
		Batch:    opts.PollBatch,
	})
	return m
}

// Start launches the fallback poller and the recurring-job runner. The
// fallback poller runs even when a broker is configured: a transient broker
// failure lands jobs in the store, and something has to drain them.
func (m *Manager) Start() {
	m.fallback.Start()
	m.cron.Start()
}

// RegisterHandler binds a handler for fallback dispatch by (queue, name).
func (m *Manager) RegisterHandler(queue, name string, fn jobs.HandlerFunc) error {
	return m.registry.Register(queue, name, fn)
}

// Dispatch resolves and runs the handler registered for the job's queue and
// name. Broker consumers route through it so both delivery paths share one
// registry.
func (m *Manager) Dispatch(ctx context.Context, j *jobs.Job) error {
	fn, ok := m.registry.Resolve(j.Queue, j.Name)
	if !ok {
		return fmt.Errorf("no handler registered for %s/%s", j.Queue, j.Name)
	}
	return fn(ctx, j)
}

// AddJob submits work to a queue. Broker connectivity is a soft dependency:
// enqueue failures fall back to the database queue. Returns nil when both
// paths fail (logged), so callers decide whether scheduling failure is fatal.
func (m *Manager) AddJob(ctx context.Context, queue, name string, payload any, opts jobs.Options) *jobs.Job {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.log.Warn().Str("queue", queue).Str("name", name).Msg("submission after shutdown dropped")
		return nil
	}

	j, err := jobs.New(queue, name, payload, opts)
	if err != nil {
		m.log.Error().Err(err).Str("queue", queue).Str("name", name).Msg("invalid submission")
		return nil
	}

	if opts.Repeat != nil {
		if err := m.registerRecurring(j); err != nil {
			m.log.Error().Err(err).Str("queue", queue).Str("name", name).Msg("invalid recurring schedule")
			return nil
		}
		return j
	}

	if !m.submit(ctx, j) {
		return nil
	}
	return j
}

// submit tries the broker first and falls back to the store.
func (m *Manager) submit(ctx context.Context, j *jobs.Job) bool {
	if m.broker != nil {
		err := m.broker.Enqueue(ctx, j)
		if err == nil {
			metrics.JobsSubmitted.WithLabelValues(j.Queue, "broker").Inc()
			return true
		}
		m.log.Warn().Err(err).
			Str("queue", j.Queue).
			Str("job_id", j.ID).
			Msg("broker enqueue failed, using database fallback")
	}
	if err := m.store.Insert(ctx, j); err != nil {
		m.log.Error().Err(err).
			Str("queue", j.Queue).
			Str("job_id", j.ID).
			Msg("fallback persist failed, job dropped")
		return false
	}
	metrics.JobsSubmitted.WithLabelValues(j.Queue, "fallback").Inc()
	return true
}

// registerRecurring schedules re-materialization of the job on each cron
// tick. Each tick submits a fresh copy with its own id; semantics are
// at-least-once per scheduled occurrence.
func (m *Manager) registerRecurring(template *jobs.Job) error {
	spec := template.Repeat.Cron
	if template.Repeat.Timezone != "" {
		spec = "CRON_TZ=" + template.Repeat.Timezone + " " + spec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse cron %q: %w", spec, err)
	}

	_, err := m.cron.AddFunc(spec, func() {
		tick := *template
		tick.ID = uuid.NewString()
		tick.Repeat = nil
		tick.Status = jobs.StatusWaiting
		now := time.Now().UTC()
		tick.CreatedAt = now
		tick.RunAt = now
		if m.submit(context.Background(), &tick) {
			m.log.Info().
				Str("queue", tick.Queue).
				Str("name", tick.Name).
				Str("job_id", tick.ID).
				Msg("recurring job enqueued")
		}
	})
	return err
}

// AddWorker registers a broker consumer for a queue. Without a broker this
// returns nil with a warning: the fallback path dispatches through the
// handler registry instead of externally registered workers.
func (m *Manager) AddWorker(queue string, fn jobs.HandlerFunc, concurrency int) broker.Consumer {
	if m.broker == nil {
		m.log.Warn().Str("queue", queue).Msg("no broker configured, worker not registered")
		return nil
	}
	c, err := m.broker.Consume(queue, fn, concurrency)
	if err != nil {
		m.log.Error().Err(err).Str("queue", queue).Msg("consumer registration failed")
		return nil
	}
	m.mu.Lock()
	m.consumers = append(m.consumers, c)
	m.mu.Unlock()
	return c
}

// GetQueueStats merges store counts with broker depths when a broker is
// active. Returns nil on failure (logged).
func (m *Manager) GetQueueStats(ctx context.Context, queue string) *Stats {
	if !jobs.IsKnownQueue(queue) {
		m.log.Error().Str("queue", queue).Msg("stats requested for unknown queue")
		return nil
	}
	st, err := m.store.Stats(ctx, queue)
	if err != nil {
		m.log.Error().Err(err).Str("queue", queue).Msg("store stats failed")
		return nil
	}
	out := &Stats{
		Waiting:   st.Waiting,
		Active:    st.Active,
		Completed: st.Completed,
		Failed:    st.Failed,
		Delayed:   st.Delayed,
	}
	if m.broker != nil {
		bst, err := m.broker.Stats(ctx, queue)
		if err != nil {
			m.log.Error().Err(err).Str("queue", queue).Msg("broker stats failed")
			return nil
		}
		out.Waiting += bst.Waiting
		out.Active += bst.Active
		out.Completed += bst.Completed
		out.Failed += bst.Failed
		out.Delayed += bst.Delayed
	}
	return out
}

// CleanQueue removes terminal jobs older than the grace period, bounded to
// one batch per call.
func (m *Manager) CleanQueue(ctx context.Context, queue string, grace time.Duration) (int64, error) {
	if !jobs.IsKnownQueue(queue) {
		return 0, fmt.Errorf("unknown queue %q", queue)
	}
	cutoff := time.Now().UTC().Add(-grace)
	n, err := m.store.Clean(ctx, queue, cutoff, cleanBatch)
	if err != nil {
		return 0, fmt.Errorf("clean queue %s: %w", queue, err)
	}
	if n > 0 {
		m.log.Info().Str("queue", queue).Int64("removed", n).Msg("queue cleaned")
	}
	return n, nil
}

// Shutdown drains and closes all workers, then the queues. Idempotent, and
// every handle is closed even when earlier closes fail; errors are collected
// and reported together.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	consumers := m.consumers
	m.consumers = nil
	m.mu.Unlock()

	var errs error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	m.fallback.Stop()

	cronDone := m.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("recurring jobs still running: %w", ctx.Err()))
	}

	if m.broker != nil {
		if err := m.broker.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		m.log.Error().Err(errs).Msg("shutdown completed with errors")
	} else {
		m.log.Info().Msg("shutdown complete")
	}
	return errs
}
