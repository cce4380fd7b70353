// Package worker runs bounded-concurrency consumers against a broker-backed
// queue. The pool acks successful jobs, schedules retries with exponential
// backoff, routes exhausted jobs to the dead-letter list and requeues stalled
// jobs instead of dropping them.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/logger"
	"github.com/scrapewell/jobqueue/pkg/metrics"
)

// Source is the set of queue primitives the pool consumes. The Redis broker
// satisfies it.
type Source interface {
	// Dequeue claims the next job by priority. A nil job with nil error means
	// the queue was empty within the poll window.
	Dequeue(ctx context.Context, queue string) (*jobs.Job, string, error)

	// Complete acks a successfully processed job.
	Complete(ctx context.Context, queue, raw string) error

	// Retry schedules the job for another attempt after a backoff delay.
	Retry(ctx context.Context, queue string, j *jobs.Job, raw string) error

	// Fail moves a job whose retry budget is exhausted to the dead-letter list.
	Fail(ctx context.Context, queue string, j *jobs.Job, raw string) error

	// PromoteDue moves delayed jobs whose time has come back into the ready
	// lists. Returns how many were promoted.
	PromoteDue(ctx context.Context, queue string) (int, error)

	// RequeueStalled returns jobs claimed longer than olderThan ago to the
	// ready lists. A stalled claim signals a crashed worker.
	RequeueStalled(ctx context.Context, queue string, olderThan time.Duration) (int, error)
}

// Options tunes a pool.
type Options struct {
	Concurrency   int
	StallAfter    time.Duration
	MaintainEvery time.Duration
}

const (
	defaultConcurrency = 5
	defaultStallAfter  = time.Minute
	defaultMaintain    = time.Second
)

// Pool processes one logical queue with a fixed number of runner goroutines
// plus a maintenance loop that promotes delayed jobs and requeues stalled
// ones.
type Pool struct {
	src   Source
	queue string
	fn    jobs.HandlerFunc
	opts  Options
	log   zerolog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(src Source, queue string, fn jobs.HandlerFunc, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = defaultStallAfter
	}
	if opts.MaintainEvery <= 0 {
		opts.MaintainEvery = defaultMaintain
	}
	return &Pool{
		src:   src,
		queue: queue,
		fn:    fn,
		opts:  opts,
		log:   logger.ForQueue(queue),
	}
}

// Start launches the runners and the maintenance loop.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.runner(ctx)
	}
	p.wg.Add(1)
	go p.maintain(ctx)

	p.log.Info().Int("concurrency", p.opts.Concurrency).Msg("worker pool started")
}

// Close stops the pool and waits for in-flight jobs to finish. Safe to call
// more than once.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.log.Info().Msg("worker pool stopped")
	})
	return nil
}

func (p *Pool) runner(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, raw, err := p.src.Dequeue(ctx, p.queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Msg("dequeue failed")
			continue
		}
		if j == nil {
			continue
		}
		p.process(ctx, j, raw)
	}
}

func (p *Pool) process(ctx context.Context, j *jobs.Job, raw string) {
	log := p.log.With().
		Str("job_id", j.ID).
		Str("name", j.Name).
		Int("attempt", j.Attempts+1).
		Logger()

	start := time.Now()
	err := p.invoke(ctx, j)
	metrics.JobDuration.WithLabelValues(p.queue).Observe(time.Since(start).Seconds())

	if err == nil {
		if ackErr := p.src.Complete(ctx, p.queue, raw); ackErr != nil {
			log.Error().Err(ackErr).Msg("ack failed")
			return
		}
		metrics.JobsProcessed.WithLabelValues(p.queue, "completed").Inc()
		log.Info().Dur("duration", time.Since(start)).Msg("job completed")
		return
	}

	// j.Attempts counts prior invocations; this failure makes one more.
	j.LastError = err.Error()
	if j.Attempts+1 >= j.MaxAttempts {
		if failErr := p.src.Fail(ctx, p.queue, j, raw); failErr != nil {
			log.Error().Err(failErr).Msg("dead-letter move failed")
			return
		}
		metrics.JobsProcessed.WithLabelValues(p.queue, "failed").Inc()
		log.Error().Err(err).Msg("job failed permanently")
		return
	}

	if retryErr := p.src.Retry(ctx, p.queue, j, raw); retryErr != nil {
		log.Error().Err(retryErr).Msg("retry scheduling failed")
		return
	}
	metrics.JobsProcessed.WithLabelValues(p.queue, "retry").Inc()
	log.Warn().Err(err).Msg("job failed, retry scheduled")
}

// invoke isolates handler panics so a bad handler cannot kill a runner.
func (p *Pool) invoke(ctx context.Context, j *jobs.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.fn(ctx, j)
}

func (p *Pool) maintain(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.MaintainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.src.PromoteDue(ctx, p.queue); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("promote delayed jobs failed")
			}
			n, err := p.src.RequeueStalled(ctx, p.queue, p.opts.StallAfter)
			if err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("stalled scan failed")
			}
			if n > 0 {
				metrics.JobsStalled.WithLabelValues(p.queue).Add(float64(n))
				p.log.Warn().Int("count", n).Msg("requeued stalled jobs")
			}
		}
	}
}
