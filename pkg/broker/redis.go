package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/worker"
)

// Redis implements Broker on plain Redis structures.
//
// Per logical queue:
//   - one ready list per priority weight (jq:{queue}:p20 ... jq:{queue}:p1),
//     drained urgent-first by an atomic move-and-claim script
//   - jq:{queue}:processing holds in-flight jobs; jq:{queue}:claims is a
//     sorted set of claim timestamps used to detect stalled workers
//   - jq:{queue}:delayed is a sorted set scored by earliest-eligible time,
//     promoted back into the ready lists by an atomic Lua script
//   - jq:{queue}:completed keeps the last 100 completed jobs for inspection;
//     jq:{queue}:failed is the dead-letter list
type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr, password string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

// priorityOrder lists the ready lists highest-first; dequeue checks them in
// this order so urgent work is always selected before lower weights.
var priorityOrder = []jobs.Priority{
	jobs.PriorityUrgent, jobs.PriorityHigh, jobs.PriorityNormal, jobs.PriorityLow,
}

func readyKey(queue string, p jobs.Priority) string {
	return fmt.Sprintf("jq:%s:p%d", queue, int(p))
}

func qkey(queue, suffix string) string { return "jq:" + queue + ":" + suffix }

func (b *Redis) Enqueue(ctx context.Context, j *jobs.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("serialize job: %w", err)
	}
	if j.Status == jobs.StatusDelayed && j.RunAt.After(time.Now()) {
		return b.rdb.ZAdd(ctx, qkey(j.Queue, "delayed"), redis.Z{
			Score:  float64(j.RunAt.UnixNano()),
			Member: data,
		}).Err()
	}
	return b.rdb.RPush(ctx, readyKey(j.Queue, j.Priority), data).Err()
}

// dequeueScript moves the head of a ready list into the processing list and
// records the claim timestamp in one atomic step, so no job can sit in
// processing without a matching claims entry for the stalled scan to find.
var dequeueScript = redis.NewScript(`
	local raw = redis.call('LMOVE', KEYS[1], KEYS[2], 'LEFT', 'RIGHT')
	if raw then
		redis.call('ZADD', KEYS[3], ARGV[1], raw)
	end
	return raw
`)

// idleWait paces the dequeue loop when every ready list is empty.
const idleWait = time.Second

// Dequeue claims the next job, checking ready lists urgent-first. The move
// into the processing list and the claim registration are a single script.
// A nil job with nil error means nothing was ready within the poll window.
func (b *Redis) Dequeue(ctx context.Context, queue string) (*jobs.Job, string, error) {
	for _, p := range priorityOrder {
		raw, err := dequeueScript.Run(ctx, b.rdb,
			[]string{readyKey(queue, p), qkey(queue, "processing"), qkey(queue, "claims")},
			time.Now().Unix(),
		).Text()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		var j jobs.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, "", fmt.Errorf("decode job: %w", err)
		}
		return &j, raw, nil
	}
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(idleWait):
	}
	return nil, "", nil
}

// Complete acks a job, keeping the last 100 completed entries for inspection.
func (b *Redis) Complete(ctx context.Context, queue, raw string) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, qkey(queue, "processing"), 1, raw)
	pipe.ZRem(ctx, qkey(queue, "claims"), raw)
	pipe.RPush(ctx, qkey(queue, "completed"), raw)
	pipe.LTrim(ctx, qkey(queue, "completed"), -100, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry schedules another attempt after an exponential backoff delay and acks
// the original entry.
func (b *Redis) Retry(ctx context.Context, queue string, j *jobs.Job, raw string) error {
	j.Attempts++
	j.Status = jobs.StatusDelayed
	j.RunAt = time.Now().UTC().Add(jobs.Backoff(j.Attempts))

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("serialize job: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, qkey(queue, "delayed"), redis.Z{
		Score:  float64(j.RunAt.UnixNano()),
		Member: data,
	})
	pipe.LRem(ctx, qkey(queue, "processing"), 1, raw)
	pipe.ZRem(ctx, qkey(queue, "claims"), raw)
	_, err = pipe.Exec(ctx)
	return err
}

// Fail moves a job whose retry budget is exhausted to the dead-letter list.
func (b *Redis) Fail(ctx context.Context, queue string, j *jobs.Job, raw string) error {
	j.Attempts++
	j.Status = jobs.StatusFailed
	now := time.Now().UTC()
	j.FailedAt = &now

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("serialize job: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, qkey(queue, "failed"), data)
	pipe.LRem(ctx, qkey(queue, "processing"), 1, raw)
	pipe.ZRem(ctx, qkey(queue, "claims"), raw)
	_, err = pipe.Exec(ctx)
	return err
}

// promoteScript atomically moves due delayed jobs back into their priority
// ready list. Routing happens inside the script so concurrent maintenance
// loops cannot promote the same entry twice.
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, raw in ipairs(due) do
		local job = cjson.decode(raw)
		local prio = job['priority'] or 5
		redis.call('RPUSH', 'jq:' .. ARGV[2] .. ':p' .. prio, raw)
		redis.call('ZREM', KEYS[1], raw)
	end
	return #due
`)

// PromoteDue moves delayed jobs whose time has come into the ready lists.
func (b *Redis) PromoteDue(ctx context.Context, queue string) (int, error) {
	n, err := promoteScript.Run(ctx, b.rdb,
		[]string{qkey(queue, "delayed")},
		strconv.FormatInt(time.Now().UnixNano(), 10), queue,
	).Int()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// RequeueStalled returns jobs claimed longer than olderThan ago to their
// ready list. A stale claim means the worker that took the job never
// completed it.
func (b *Redis) RequeueStalled(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-olderThan).Unix(), 10)
	stalled, err := b.rdb.ZRangeByScore(ctx, qkey(queue, "claims"), &redis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil || len(stalled) == 0 {
		return 0, err
	}

	pipe := b.rdb.TxPipeline()
	for _, raw := range stalled {
		var j jobs.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			// Unreadable entry: drop the claim but leave it in processing
			// for manual inspection.
			pipe.ZRem(ctx, qkey(queue, "claims"), raw)
			continue
		}
		pipe.LRem(ctx, qkey(queue, "processing"), 1, raw)
		pipe.ZRem(ctx, qkey(queue, "claims"), raw)
		pipe.RPush(ctx, readyKey(queue, j.Priority), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(stalled), nil
}

func (b *Redis) Stats(ctx context.Context, queue string) (Stats, error) {
	var st Stats
	for _, p := range priorityOrder {
		n, err := b.rdb.LLen(ctx, readyKey(queue, p)).Result()
		if err != nil {
			return st, err
		}
		st.Waiting += n
	}
	var err error
	if st.Active, err = b.rdb.LLen(ctx, qkey(queue, "processing")).Result(); err != nil {
		return st, err
	}
	if st.Delayed, err = b.rdb.ZCard(ctx, qkey(queue, "delayed")).Result(); err != nil {
		return st, err
	}
	if st.Completed, err = b.rdb.LLen(ctx, qkey(queue, "completed")).Result(); err != nil {
		return st, err
	}
	if st.Failed, err = b.rdb.LLen(ctx, qkey(queue, "failed")).Result(); err != nil {
		return st, err
	}
	return st, nil
}

// Consume starts a worker pool for the queue and returns it as the consumer
// handle.
func (b *Redis) Consume(queue string, fn jobs.HandlerFunc, concurrency int) (Consumer, error) {
	if !jobs.IsKnownQueue(queue) {
		return nil, fmt.Errorf("unknown queue %q", queue)
	}
	p := worker.New(b, queue, fn, worker.Options{Concurrency: concurrency})
	p.Start()
	return p, nil
}

func (b *Redis) Close() error {
	return b.rdb.Close()
}
