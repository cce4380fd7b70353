// Package fallback emulates broker semantics on relational storage alone.
// A single timer-driven poller claims due jobs with a conditional update and
// dispatches them through the handler registry.
//
// The processor is single-instance by design: beyond the atomic claim there
// is no cross-process coordination, so running it on multiple replicas
// requires an external lock or a broker.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/logger"
	"github.com/scrapewell/jobqueue/pkg/metrics"
	"github.com/scrapewell/jobqueue/pkg/store"
)

const (
	defaultInterval = 5 * time.Second
	defaultBatch    = 10
)

// Options tunes the polling loop.
type Options struct {
	Interval time.Duration
	Batch    int
}

// Processor is the database fallback queue's polling loop.
type Processor struct {
	store    store.Store
	registry *jobs.Registry
	interval time.Duration
	batch    int
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(s store.Store, reg *jobs.Registry, opts Options) *Processor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	return &Processor{
		store:    s,
		registry: reg,
		interval: opts.Interval,
		batch:    opts.Batch,
		log:      logger.Log.With().Str("subsystem", "fallback").Logger(),
	}
}

// Start launches the polling loop. Calling Start on a running processor is a
// no-op, so at most one loop exists per Processor.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
	p.log.Info().Dur("interval", p.interval).Int("batch", p.batch).Msg("fallback poller started")
}

// Stop halts the loop and waits for the in-flight poll to finish. Idempotent.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.log.Info().Msg("fallback poller stopped")
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs one pass: select due jobs by priority, claim each one
// atomically and run its handler. Exported so tests and embedding
// applications can drive the loop deterministically.
func (p *Processor) Poll(ctx context.Context) {
	due, err := p.store.FindDue(ctx, "", time.Now().UTC(), p.batch)
	if err != nil {
		p.log.Error().Err(err).Msg("query due jobs failed")
		return
	}
	for _, j := range due {
		if ctx.Err() != nil {
			return
		}
		claimed, err := p.store.Claim(ctx, j.ID)
		if err != nil {
			p.log.Error().Err(err).Str("job_id", j.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			// Another poller got there first.
			continue
		}
		p.runJob(ctx, j)
	}
}

func (p *Processor) runJob(ctx context.Context, j *jobs.Job) {
	log := p.log.With().
		Str("queue", j.Queue).
		Str("job_id", j.ID).
		Str("name", j.Name).
		Int("attempt", j.Attempts+1).
		Logger()

	fn, ok := p.registry.Resolve(j.Queue, j.Name)
	if !ok {
		// No handler can ever process this job, so retrying is pointless.
		if err := p.store.Fail(ctx, j.ID, j.Attempts, fmt.Sprintf("no handler registered for %s/%s", j.Queue, j.Name)); err != nil {
			log.Error().Err(err).Msg("mark failed errored")
		}
		metrics.JobsProcessed.WithLabelValues(j.Queue, "failed").Inc()
		log.Error().Msg("no handler registered")
		return
	}

	start := time.Now()
	err := p.invoke(ctx, fn, j)
	metrics.JobDuration.WithLabelValues(j.Queue).Observe(time.Since(start).Seconds())

	attempts := j.Attempts + 1
	if err == nil {
		if sErr := p.store.Complete(ctx, j.ID, attempts); sErr != nil {
			log.Error().Err(sErr).Msg("mark completed errored")
			return
		}
		metrics.JobsProcessed.WithLabelValues(j.Queue, "completed").Inc()
		log.Info().Dur("duration", time.Since(start)).Msg("job completed")
		return
	}

	if attempts >= j.MaxAttempts {
		if sErr := p.store.Fail(ctx, j.ID, attempts, err.Error()); sErr != nil {
			log.Error().Err(sErr).Msg("mark failed errored")
			return
		}
		metrics.JobsProcessed.WithLabelValues(j.Queue, "failed").Inc()
		log.Error().Err(err).Msg("job failed permanently")
		return
	}

	runAt := time.Now().UTC().Add(jobs.Backoff(attempts))
	if sErr := p.store.Reschedule(ctx, j.ID, attempts, runAt, err.Error()); sErr != nil {
		log.Error().Err(sErr).Msg("reschedule errored")
		return
	}
	metrics.JobsProcessed.WithLabelValues(j.Queue, "retry").Inc()
	log.Warn().Err(err).Time("next_attempt", runAt).Msg("job failed, retry scheduled")
}

// invoke isolates handler panics so one bad job cannot crash the polling loop.
func (p *Processor) invoke(ctx context.Context, fn jobs.HandlerFunc, j *jobs.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, j)
}
