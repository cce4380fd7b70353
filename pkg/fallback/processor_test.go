package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/store"
)

func newProcessor(t *testing.T) (*store.Memory, *jobs.Registry, *Processor) {
	t.Helper()
	m := store.NewMemory()
	reg := jobs.NewRegistry()
	return m, reg, New(m, reg, Options{})
}

func enqueue(t *testing.T, m *store.Memory, name string, maxAttempts int) *jobs.Job {
	t.Helper()
	j, err := jobs.New(jobs.QueueScraping, name, map[string]string{"k": "v"}, jobs.Options{Attempts: maxAttempts})
	if err != nil {
		t.Fatalf("build job: %v", err)
	}
	j.RunAt = time.Now().UTC().Add(-time.Second)
	if err := m.Insert(context.Background(), j); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return j
}

func TestPollCompletesJob(t *testing.T) {
	m, reg, p := newProcessor(t)
	ctx := context.Background()

	var calls int32
	reg.Register(jobs.QueueScraping, "scrape-website", func(_ context.Context, _ *jobs.Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	j := enqueue(t, m, "scrape-website", 3)

	p.Poll(ctx)

	if calls != 1 {
		t.Fatalf("expected 1 invocation, got %d", calls)
	}
	got, _ := m.FindByID(ctx, j.ID)
	if got.Status != jobs.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", got.Attempts)
	}
	if got.ProcessedAt == nil {
		t.Error("expected processed_at stamped")
	}
}

func TestFailingJobRetriesUntilExhausted(t *testing.T) {
	m, reg, p := newProcessor(t)
	ctx := context.Background()

	var calls int32
	reg.Register(jobs.QueueScraping, "scrape-website", func(_ context.Context, _ *jobs.Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("target unreachable")
	})
	j := enqueue(t, m, "scrape-website", 2)

	// First attempt: reschedule with backoff.
	p.Poll(ctx)
	got, _ := m.FindByID(ctx, j.ID)
	if got.Status != jobs.StatusWaiting {
		t.Fatalf("expected waiting after first failure, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", got.Attempts)
	}
	if !got.RunAt.After(time.Now()) {
		t.Error("expected backoff to push run_at into the future")
	}

	// Make it due again and exhaust the budget.
	m.Reschedule(ctx, j.ID, got.Attempts, time.Now().UTC().Add(-time.Second), got.LastError)
	p.Poll(ctx)

	got, _ = m.FindByID(ctx, j.ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("expected failed after exhausting attempts, got %s", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("expected attempts 2, got %d", got.Attempts)
	}
	if got.FailedAt == nil {
		t.Error("expected failed_at stamped")
	}
	if got.LastError != "target unreachable" {
		t.Errorf("expected last error preserved, got %q", got.LastError)
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 invocations, got %d", calls)
	}

	// Terminal: further polls must not touch it.
	p.Poll(ctx)
	if calls != 2 {
		t.Errorf("terminal job was re-executed, invocations %d", calls)
	}
}

func TestPanicIsolatedAndCounted(t *testing.T) {
	m, reg, p := newProcessor(t)
	ctx := context.Background()

	reg.Register(jobs.QueueScraping, "scrape-website", func(_ context.Context, _ *jobs.Job) error {
		panic("handler bug")
	})
	j := enqueue(t, m, "scrape-website", 1)

	// Must not crash the polling loop.
	p.Poll(ctx)

	got, _ := m.FindByID(ctx, j.ID)
	if got.Status != jobs.StatusFailed {
		t.Errorf("expected failed after panic with budget 1, got %s", got.Status)
	}
}

func TestUnknownHandlerFailsFast(t *testing.T) {
	m, _, p := newProcessor(t)
	ctx := context.Background()
	j := enqueue(t, m, "no-such-handler", 3)

	p.Poll(ctx)

	got, _ := m.FindByID(ctx, j.ID)
	if got.Status != jobs.StatusFailed {
		t.Errorf("expected immediate failure for unregistered handler, got %s", got.Status)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	_, _, p := newProcessor(t)

	p.Start()
	p.Start() // second start is a no-op
	p.Stop()
	p.Stop() // second stop is a no-op

	// A full cycle after stopping must work too.
	p.Start()
	p.Stop()
}
