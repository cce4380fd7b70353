package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory webhook store for tests.
type stubStore struct {
	mu         sync.Mutex
	subs       map[string]*Subscription
	deliveries []*Delivery
}

func newStubStore() *stubStore {
	return &stubStore{subs: make(map[string]*Subscription)}
}

func (s *stubStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

func (s *stubStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	return sub, nil
}

func (s *stubStore) ListActiveSubscriptions(_ context.Context, orgID, event string) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for _, sub := range s.subs {
		if !sub.Active || sub.OrganizationID != orgID {
			continue
		}
		for _, e := range sub.Events {
			if e == event {
				out = append(out, *sub)
				break
			}
		}
	}
	return out, nil
}

func (s *stubStore) SaveDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *stubStore) ListDeliveries(_ context.Context, webhookID string, limit int) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Delivery
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, *d)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *stubStore) saved() []*Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Delivery(nil), s.deliveries...)
}

// forceDue backdates every pending delivery so the next pass picks it up.
func forceDue(s *Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	past := time.Now().UTC().Add(-time.Second)
	for _, d := range s.queue {
		d.ScheduledFor = past
	}
}

func TestCreateWebhookValidation(t *testing.T) {
	svc := NewService(newStubStore(), Options{})
	ctx := context.Background()

	cases := []struct {
		name   string
		org    string
		url    string
		events []string
	}{
		{"missing org", "", "https://example.com/hook", []string{"job.completed"}},
		{"relative url", "org-1", "/hook", []string{"job.completed"}},
		{"bad scheme", "org-1", "ftp://example.com/hook", []string{"job.completed"}},
		{"no events", "org-1", "https://example.com/hook", nil},
	}
	for _, c := range cases {
		if _, err := svc.CreateWebhook(ctx, c.org, c.url, c.events, ""); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}

	sub, err := svc.CreateWebhook(ctx, "org-1", "https://example.com/hook", []string{"job.completed"}, "s3cret")
	if err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}
	if !sub.Active || sub.ID == "" {
		t.Errorf("subscription not initialized: %+v", sub)
	}
}

func TestDeliverySignatureAndHeaders(t *testing.T) {
	const secret = "whsec_test"

	type received struct {
		body      []byte
		signature string
		event     string
		timestamp string
		userAgent string
		content   string
	}
	got := make(chan received, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			body:      body,
			signature: r.Header.Get("X-Scrapewell-Signature"),
			event:     r.Header.Get("X-Scrapewell-Event"),
			timestamp: r.Header.Get("X-Scrapewell-Timestamp"),
			userAgent: r.Header.Get("User-Agent"),
			content:   r.Header.Get("Content-Type"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := newStubStore()
	svc := NewService(st, Options{UserAgent: "Scrapewell-Webhooks/1.0"})
	ctx := context.Background()

	if _, err := svc.CreateWebhook(ctx, "org-1", ts.URL, []string{"job.completed"}, secret); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}

	n, err := svc.TriggerWebhook(ctx, "org-1", "job.completed", map[string]string{"job_id": "j-1"})
	if err != nil || n != 1 {
		t.Fatalf("TriggerWebhook = (%d, %v), want (1, nil)", n, err)
	}

	svc.DeliverDue(ctx)

	var r received
	select {
	case r = <-got:
	default:
		t.Fatal("endpoint was not called")
	}

	// Signature must verify against the raw bytes that arrived on the wire.
	if want := Sign(secret, r.body); !hmac.Equal([]byte(r.signature), []byte(want)) {
		t.Errorf("signature mismatch: got %s want %s", r.signature, want)
	}
	if r.event != "job.completed" {
		t.Errorf("event header = %q", r.event)
	}
	if r.timestamp == "" {
		t.Error("timestamp header missing")
	}
	if r.userAgent != "Scrapewell-Webhooks/1.0" {
		t.Errorf("user agent = %q", r.userAgent)
	}
	if r.content != "application/json" {
		t.Errorf("content type = %q", r.content)
	}

	var envelope struct {
		Event     string          `json:"event"`
		Timestamp string          `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(r.body, &envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if envelope.Event != "job.completed" || envelope.Timestamp == "" {
		t.Errorf("unexpected envelope: %+v", envelope)
	}

	if svc.PendingCount() != 0 {
		t.Errorf("delivered webhook still queued, pending=%d", svc.PendingCount())
	}
	saved := st.saved()
	if len(saved) != 1 || saved[0].Status != StatusDelivered || saved[0].Attempts != 1 {
		t.Fatalf("unexpected history: %+v", saved)
	}
}

func TestDeliveryNoSignatureWithoutSecret(t *testing.T) {
	sigs := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigs <- r.Header.Get("X-Scrapewell-Signature")
	}))
	defer ts.Close()

	st := newStubStore()
	svc := NewService(st, Options{})
	ctx := context.Background()

	if _, err := svc.CreateWebhook(ctx, "org-1", ts.URL, []string{"job.completed"}, ""); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}
	if _, err := svc.TriggerWebhook(ctx, "org-1", "job.completed", nil); err != nil {
		t.Fatalf("TriggerWebhook failed: %v", err)
	}
	svc.DeliverDue(ctx)

	select {
	case sig := <-sigs:
		if sig != "" {
			t.Errorf("unexpected signature header %q for secret-less subscription", sig)
		}
	default:
		t.Fatal("endpoint was not called")
	}
}

func TestDeliveryRetriesThenFails(t *testing.T) {
	var calls int
	var callsMu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callsMu.Lock()
		calls++
		callsMu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	st := newStubStore()
	svc := NewService(st, Options{MaxAttempts: 3})
	ctx := context.Background()

	if _, err := svc.CreateWebhook(ctx, "org-1", ts.URL, []string{"job.failed"}, "s"); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}
	if _, err := svc.TriggerWebhook(ctx, "org-1", "job.failed", nil); err != nil {
		t.Fatalf("TriggerWebhook failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		forceDue(svc)
		svc.DeliverDue(ctx)
	}

	callsMu.Lock()
	n := calls
	callsMu.Unlock()
	if n != 3 {
		t.Errorf("expected 3 attempts, endpoint saw %d", n)
	}
	if svc.PendingCount() != 0 {
		t.Errorf("exhausted delivery still queued, pending=%d", svc.PendingCount())
	}

	saved := st.saved()
	if len(saved) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(saved))
	}
	d := saved[0]
	if d.Status != StatusFailed || d.Attempts != 3 {
		t.Errorf("unexpected terminal record: status=%s attempts=%d", d.Status, d.Attempts)
	}
	if !strings.Contains(d.LastError, "500") {
		t.Errorf("last error does not name the status: %q", d.LastError)
	}
}

func TestDeliveryBackoffDefersRetry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	st := newStubStore()
	svc := NewService(st, Options{MaxAttempts: 3})
	ctx := context.Background()

	if _, err := svc.CreateWebhook(ctx, "org-1", ts.URL, []string{"job.failed"}, ""); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}
	if _, err := svc.TriggerWebhook(ctx, "org-1", "job.failed", nil); err != nil {
		t.Fatalf("TriggerWebhook failed: %v", err)
	}

	svc.DeliverDue(ctx)

	svc.mu.Lock()
	if len(svc.queue) != 1 {
		svc.mu.Unlock()
		t.Fatalf("expected delivery to stay queued, have %d", len(svc.queue))
	}
	var next time.Time
	for _, d := range svc.queue {
		next = d.ScheduledFor
	}
	svc.mu.Unlock()

	// First failure backs off by two seconds; it must not be due immediately.
	if !next.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("retry scheduled too soon: %s", next)
	}

	// A pass before the backoff elapses must not hit the endpoint again.
	svc.DeliverDue(ctx)
	if got := st.saved(); len(got) != 0 {
		t.Errorf("no terminal record expected yet, got %d", len(got))
	}
}

func TestTriggerSkipsNonMatching(t *testing.T) {
	st := newStubStore()
	svc := NewService(st, Options{})
	ctx := context.Background()

	if _, err := svc.CreateWebhook(ctx, "org-1", "https://example.com/a", []string{"job.completed"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateWebhook(ctx, "org-2", "https://example.com/b", []string{"job.failed"}, ""); err != nil {
		t.Fatal(err)
	}

	n, err := svc.TriggerWebhook(ctx, "org-1", "job.failed", nil)
	if err != nil {
		t.Fatalf("TriggerWebhook failed: %v", err)
	}
	if n != 0 || svc.PendingCount() != 0 {
		t.Errorf("expected no deliveries, got n=%d pending=%d", n, svc.PendingCount())
	}
}

func TestTestWebhook(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Scrapewell-Event") != EventTest {
			t.Errorf("event header = %q", r.Header.Get("X-Scrapewell-Event"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	st := newStubStore()
	svc := NewService(st, Options{})
	ctx := context.Background()

	sub, err := svc.CreateWebhook(ctx, "org-1", ts.URL, []string{"job.completed"}, "")
	if err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}

	res, err := svc.TestWebhook(ctx, sub.ID)
	if err != nil {
		t.Fatalf("TestWebhook failed: %v", err)
	}
	if res.StatusCode != http.StatusNoContent || res.Error != "" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Latency <= 0 {
		t.Errorf("expected positive latency, got %s", res.Latency)
	}

	if _, err := svc.TestWebhook(ctx, "nope"); err == nil {
		t.Error("expected error for unknown subscription")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	svc := NewService(newStubStore(), Options{Interval: 10 * time.Millisecond})
	svc.Start()
	svc.Start()
	time.Sleep(30 * time.Millisecond)
	svc.Stop()
	svc.Stop()
}
