package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/logger"
	"github.com/scrapewell/jobqueue/pkg/metrics"
)

const (
	jobsExchange  = "jobs.exchange"
	dlxExchange   = "jobs.dlx"
	retryExchange = "jobs.retry.exchange"
	deadLetterQ   = "jobs.dead_letter.queue"
)

// retryBuckets are the fixed TTL delay queues. A retry is routed to the
// smallest bucket that covers its computed backoff, so delays stay
// non-decreasing across attempts.
var retryBuckets = []time.Duration{
	2 * time.Second, 8 * time.Second, 30 * time.Second, 2 * time.Minute, 5 * time.Minute,
}

// AMQP implements Broker on RabbitMQ. Delayed delivery and retry backoff use
// per-bucket TTL queues that dead-letter back into the main exchange;
// exhausted jobs are rejected into a shared dead-letter queue.
type AMQP struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(url string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	b := &AMQP{conn: conn, ch: ch}
	if err := b.setupTopology(); err != nil {
		b.Close()
		return nil, fmt.Errorf("declare topology: %w", err)
	}
	return b, nil
}

// setupTopology declares all exchanges and queues. Idempotent.
func (b *AMQP) setupTopology() error {
	if err := b.ch.ExchangeDeclare(jobsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := b.ch.ExchangeDeclare(dlxExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if err := b.ch.ExchangeDeclare(retryExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := b.ch.QueueDeclare(deadLetterQ, true, false, false, false, nil); err != nil {
		return err
	}
	if err := b.ch.QueueBind(deadLetterQ, "", dlxExchange, false, nil); err != nil {
		return err
	}

	for _, q := range jobs.KnownQueues() {
		if _, err := b.ch.QueueDeclare(mainQueue(q), true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": dlxExchange,
			"x-max-priority":         int32(10),
		}); err != nil {
			return err
		}
		if err := b.ch.QueueBind(mainQueue(q), q, jobsExchange, false, nil); err != nil {
			return err
		}

		// Retry queues dead-letter back into the main exchange with the
		// queue's own routing key once their TTL expires.
		for _, delay := range retryBuckets {
			name := retryQueue(q, delay)
			if _, err := b.ch.QueueDeclare(name, true, false, false, false, amqp.Table{
				"x-dead-letter-exchange":    jobsExchange,
				"x-dead-letter-routing-key": q,
				"x-message-ttl":             delay.Milliseconds(),
			}); err != nil {
				return err
			}
			if err := b.ch.QueueBind(name, name, retryExchange, false, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func mainQueue(queue string) string { return "jobs.queue." + queue }

func retryQueue(queue string, delay time.Duration) string {
	return fmt.Sprintf("jobs.retry.%s.%ds", queue, int(delay.Seconds()))
}

// bucketFor picks the smallest retry bucket covering the desired delay.
func bucketFor(delay time.Duration) time.Duration {
	for _, b := range retryBuckets {
		if b >= delay {
			return b
		}
	}
	return retryBuckets[len(retryBuckets)-1]
}

// amqpPriority clamps our numeric weights onto the queue's 0-10 range.
func amqpPriority(p jobs.Priority) uint8 {
	if p > 10 {
		return 10
	}
	if p < 0 {
		return 0
	}
	return uint8(p)
}

func (b *AMQP) Enqueue(ctx context.Context, j *jobs.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("serialize job: %w", err)
	}
	if j.Status == jobs.StatusDelayed && j.RunAt.After(time.Now()) {
		bucket := bucketFor(time.Until(j.RunAt))
		return b.ch.PublishWithContext(ctx, retryExchange, retryQueue(j.Queue, bucket),
			false, false, amqp.Publishing{
				ContentType: "application/json",
				Body:        body,
			})
	}
	return b.ch.PublishWithContext(ctx, jobsExchange, j.Queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Priority:    amqpPriority(j.Priority),
	})
}

type amqpConsumer struct {
	ch     *amqp.Channel
	tag    string
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	once   sync.Once
}

func (c *amqpConsumer) Close() error {
	var err error
	c.once.Do(func() {
		err = c.ch.Cancel(c.tag, false)
		c.cancel()
		c.wg.Wait()
		err = multierr.Append(err, c.ch.Close())
	})
	return err
}

// Consume registers concurrent consumers on the queue's main AMQP queue. The
// broker handles priority ordering; this side handles retry routing and
// dead-lettering.
func (b *AMQP) Consume(queue string, fn jobs.HandlerFunc, concurrency int) (Consumer, error) {
	if !jobs.IsKnownQueue(queue) {
		return nil, fmt.Errorf("unknown queue %q", queue)
	}
	if concurrency <= 0 {
		concurrency = 5
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		ch.Close()
		return nil, err
	}

	tag := "jobqueue-" + queue
	deliveries, err := ch.Consume(mainQueue(queue), tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consumeLoop(ctx, ch, queue, fn, deliveries)
		}()
	}
	return &amqpConsumer{ch: ch, tag: tag, cancel: cancel, wg: wg}, nil
}

func (b *AMQP) consumeLoop(ctx context.Context, ch *amqp.Channel, queue string, fn jobs.HandlerFunc, deliveries <-chan amqp.Delivery) {
	log := logger.ForQueue(queue)
	for d := range deliveries {
		var j jobs.Job
		if err := json.Unmarshal(d.Body, &j); err != nil {
			log.Error().Err(err).Msg("undecodable message, dead-lettering")
			_ = d.Nack(false, false)
			continue
		}

		start := time.Now()
		err := invokeHandler(ctx, fn, &j)
		metrics.JobDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())

		if err == nil {
			_ = d.Ack(false)
			metrics.JobsProcessed.WithLabelValues(queue, "completed").Inc()
			log.Info().Str("job_id", j.ID).Str("name", j.Name).Msg("job completed")
			continue
		}

		j.Attempts++
		j.LastError = err.Error()
		if j.Attempts >= j.MaxAttempts {
			// Publish the stamped terminal record rather than nacking the
			// original body, so the dead-letter queue keeps the final attempt
			// count and failure reason.
			body, dlErr := deadLetterRecord(&j)
			if dlErr == nil {
				dlErr = ch.PublishWithContext(ctx, dlxExchange, "", false, false,
					amqp.Publishing{ContentType: "application/json", Body: body})
			}
			if dlErr != nil {
				// The original body still dead-letters, minus the final
				// bookkeeping.
				_ = d.Nack(false, false)
				log.Error().Err(dlErr).Str("job_id", j.ID).Msg("dead-letter publish failed")
			} else {
				_ = d.Ack(false)
			}
			metrics.JobsProcessed.WithLabelValues(queue, "failed").Inc()
			log.Error().Err(err).Str("job_id", j.ID).Int("attempts", j.Attempts).
				Msg("job failed permanently")
			continue
		}

		body, mErr := json.Marshal(&j)
		if mErr != nil {
			_ = d.Nack(false, false)
			continue
		}
		bucket := bucketFor(jobs.Backoff(j.Attempts))
		pubErr := ch.PublishWithContext(ctx, retryExchange, retryQueue(queue, bucket),
			false, false, amqp.Publishing{ContentType: "application/json", Body: body})
		if pubErr != nil {
			// Could not schedule the retry: requeue the original so the
			// attempt is not lost.
			_ = d.Nack(false, true)
			log.Error().Err(pubErr).Str("job_id", j.ID).Msg("retry publish failed, requeued")
			continue
		}
		_ = d.Ack(false)
		metrics.JobsProcessed.WithLabelValues(queue, "retry").Inc()
		log.Warn().Err(err).Str("job_id", j.ID).Int("attempts", j.Attempts).
			Dur("backoff", bucket).Msg("job failed, retry scheduled")
	}
}

// deadLetterRecord stamps the terminal state onto an exhausted job and
// serializes it for the dead-letter queue. Attempts and LastError are
// expected to already reflect the final invocation.
func deadLetterRecord(j *jobs.Job) ([]byte, error) {
	j.Status = jobs.StatusFailed
	now := time.Now().UTC()
	j.FailedAt = &now
	return json.Marshal(j)
}

func invokeHandler(ctx context.Context, fn jobs.HandlerFunc, j *jobs.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, j)
}

// Stats reports the main queue depth. AMQP does not expose per-state counts
// beyond ready messages and the shared dead-letter queue, so Active,
// Completed and Delayed stay zero here.
func (b *AMQP) Stats(_ context.Context, queue string) (Stats, error) {
	var st Stats
	q, err := b.ch.QueueDeclarePassive(mainQueue(queue), true, false, false, false, nil)
	if err != nil {
		return st, err
	}
	st.Waiting = int64(q.Messages)
	if dlq, err := b.ch.QueueDeclarePassive(deadLetterQ, true, false, false, false, nil); err == nil {
		st.Failed = int64(dlq.Messages)
	}
	return st, nil
}

func (b *AMQP) Close() error {
	return multierr.Append(b.ch.Close(), b.conn.Close())
}
