package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/scrapewell/jobqueue/pkg/jobs"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return s, NewRedis(s.Addr(), "")
}

func makeJob(t *testing.T, id string, p jobs.Priority) *jobs.Job {
	t.Helper()
	j, err := jobs.New(jobs.QueueScraping, "scrape-website", map[string]string{"id": id}, jobs.Options{Priority: p})
	if err != nil {
		t.Fatalf("build job: %v", err)
	}
	j.ID = id
	return j
}

func TestRedisEnqueue(t *testing.T) {
	s, b := setupTestRedis(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, makeJob(t, "j1", jobs.PriorityNormal)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	n, _ := rdb.LLen(ctx, "jq:scraping:p5").Result()
	if n != 1 {
		t.Errorf("expected jq:scraping:p5 length 1, got %d", n)
	}
}

func TestRedisPriorityDequeue(t *testing.T) {
	_, b := setupTestRedis(t)
	ctx := context.Background()

	b.Enqueue(ctx, makeJob(t, "low", jobs.PriorityLow))
	b.Enqueue(ctx, makeJob(t, "urgent", jobs.PriorityUrgent))
	b.Enqueue(ctx, makeJob(t, "normal", jobs.PriorityNormal))
	b.Enqueue(ctx, makeJob(t, "high", jobs.PriorityHigh))

	want := []string{"urgent", "high", "normal", "low"}
	for _, id := range want {
		j, _, err := b.Dequeue(ctx, jobs.QueueScraping)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if j == nil {
			t.Fatalf("expected job %s, queue was empty", id)
		}
		if j.ID != id {
			t.Errorf("expected %s, got %s", id, j.ID)
		}
	}
}

func TestRedisDelayedEnqueueAndPromote(t *testing.T) {
	s, b := setupTestRedis(t)
	ctx := context.Background()

	j, err := jobs.New(jobs.QueueScraping, "scrape-website", nil, jobs.Options{Delay: time.Hour})
	if err != nil {
		t.Fatalf("build job: %v", err)
	}
	if err := b.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	st, err := b.Stats(ctx, jobs.QueueScraping)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Delayed != 1 || st.Waiting != 0 {
		t.Fatalf("expected 1 delayed, 0 waiting, got %+v", st)
	}

	// Not due yet: nothing to promote.
	n, err := b.PromoteDue(ctx, jobs.QueueScraping)
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 promoted, got %d", n)
	}

	// Backdate the entry so it is due.
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	entries, _ := rdb.ZRangeWithScores(ctx, "jq:scraping:delayed", 0, -1).Result()
	if len(entries) != 1 {
		t.Fatalf("expected 1 delayed entry, got %d", len(entries))
	}
	rdb.ZAdd(ctx, "jq:scraping:delayed", redis.Z{
		Score:  float64(time.Now().Add(-time.Minute).UnixNano()),
		Member: entries[0].Member,
	})
	n, err = b.PromoteDue(ctx, jobs.QueueScraping)
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 promoted, got %d", n)
	}

	got, _, err := b.Dequeue(ctx, jobs.QueueScraping)
	if err != nil || got == nil {
		t.Fatalf("expected promoted job, got job=%v err=%v", got, err)
	}
	if got.ID != j.ID {
		t.Errorf("expected %s, got %s", j.ID, got.ID)
	}
}

func TestRedisRetrySchedulesBackoff(t *testing.T) {
	s, b := setupTestRedis(t)
	ctx := context.Background()

	b.Enqueue(ctx, makeJob(t, "r1", jobs.PriorityNormal))
	j, raw, err := b.Dequeue(ctx, jobs.QueueScraping)
	if err != nil || j == nil {
		t.Fatalf("Dequeue failed: job=%v err=%v", j, err)
	}

	if err := b.Retry(ctx, jobs.QueueScraping, j, raw); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if j.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", j.Attempts)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	entries, _ := rdb.ZRangeWithScores(ctx, "jq:scraping:delayed", 0, -1).Result()
	if len(entries) != 1 {
		t.Fatalf("expected 1 delayed entry, got %d", len(entries))
	}
	if entries[0].Score <= float64(time.Now().UnixNano()) {
		t.Error("expected retry scheduled in the future")
	}
	if n, _ := rdb.LLen(ctx, "jq:scraping:processing").Result(); n != 0 {
		t.Errorf("expected processing empty after retry, got %d", n)
	}
}

func TestRedisFailDeadLetters(t *testing.T) {
	s, b := setupTestRedis(t)
	ctx := context.Background()

	b.Enqueue(ctx, makeJob(t, "f1", jobs.PriorityNormal))
	j, raw, err := b.Dequeue(ctx, jobs.QueueScraping)
	if err != nil || j == nil {
		t.Fatalf("Dequeue failed: job=%v err=%v", j, err)
	}

	if err := b.Fail(ctx, jobs.QueueScraping, j, raw); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	raws, _ := rdb.LRange(ctx, "jq:scraping:failed", 0, -1).Result()
	if len(raws) != 1 {
		t.Fatalf("expected 1 dead-lettered job, got %d", len(raws))
	}
	var dead jobs.Job
	if err := json.Unmarshal([]byte(raws[0]), &dead); err != nil {
		t.Fatalf("decode dead-lettered job: %v", err)
	}
	if dead.Status != jobs.StatusFailed {
		t.Errorf("expected status failed, got %s", dead.Status)
	}
	if dead.FailedAt == nil {
		t.Error("expected failed_at stamped")
	}
}

func TestRedisCompleteKeepsHistory(t *testing.T) {
	s, b := setupTestRedis(t)
	ctx := context.Background()

	b.Enqueue(ctx, makeJob(t, "c1", jobs.PriorityNormal))
	_, raw, err := b.Dequeue(ctx, jobs.QueueScraping)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := b.Complete(ctx, jobs.QueueScraping, raw); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	if n, _ := rdb.LLen(ctx, "jq:scraping:completed").Result(); n != 1 {
		t.Errorf("expected 1 completed entry, got %d", n)
	}
	if n, _ := rdb.LLen(ctx, "jq:scraping:processing").Result(); n != 0 {
		t.Errorf("expected processing empty, got %d", n)
	}
}

func TestRedisDequeueRegistersClaimAtomically(t *testing.T) {
	s, b := setupTestRedis(t)
	ctx := context.Background()

	b.Enqueue(ctx, makeJob(t, "a1", jobs.PriorityNormal))
	j, raw, err := b.Dequeue(ctx, jobs.QueueScraping)
	if err != nil || j == nil {
		t.Fatalf("Dequeue failed: job=%v err=%v", j, err)
	}

	// Every entry in processing must carry a claim, otherwise the stalled
	// scan could never recover it after a worker crash.
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	if n, _ := rdb.LLen(ctx, "jq:scraping:processing").Result(); n != 1 {
		t.Fatalf("expected 1 processing entry, got %d", n)
	}
	if _, err := rdb.ZScore(ctx, "jq:scraping:claims", raw).Result(); err != nil {
		t.Fatalf("processing entry has no claim: %v", err)
	}

	// Age the claim past the window: the job is recoverable, not stuck.
	rdb.ZAdd(ctx, "jq:scraping:claims", redis.Z{
		Score:  float64(time.Now().Add(-time.Hour).Unix()),
		Member: raw,
	})
	n, err := b.RequeueStalled(ctx, jobs.QueueScraping, time.Minute)
	if err != nil {
		t.Fatalf("RequeueStalled failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}
	if got, _ := rdb.LLen(ctx, "jq:scraping:processing").Result(); got != 0 {
		t.Errorf("expected processing drained after recovery, got %d", got)
	}
}

func TestRedisRequeueStalled(t *testing.T) {
	s, b := setupTestRedis(t)
	ctx := context.Background()

	b.Enqueue(ctx, makeJob(t, "s1", jobs.PriorityHigh))
	j, raw, err := b.Dequeue(ctx, jobs.QueueScraping)
	if err != nil || j == nil {
		t.Fatalf("Dequeue failed: job=%v err=%v", j, err)
	}

	// Nothing is stalled yet.
	n, err := b.RequeueStalled(ctx, jobs.QueueScraping, time.Minute)
	if err != nil {
		t.Fatalf("RequeueStalled failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 stalled, got %d", n)
	}

	// Backdate the claim past the stall window.
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	rdb.ZAdd(ctx, "jq:scraping:claims", redis.Z{
		Score:  float64(time.Now().Add(-5 * time.Minute).Unix()),
		Member: raw,
	})
	n, err = b.RequeueStalled(ctx, jobs.QueueScraping, time.Minute)
	if err != nil {
		t.Fatalf("RequeueStalled failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stalled requeue, got %d", n)
	}

	got, _, err := b.Dequeue(ctx, jobs.QueueScraping)
	if err != nil || got == nil {
		t.Fatalf("expected requeued job, got job=%v err=%v", got, err)
	}
	if got.ID != "s1" {
		t.Errorf("expected s1, got %s", got.ID)
	}
}
