package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/logger"
	"github.com/scrapewell/jobqueue/pkg/metrics"
)

const (
	headerEvent     = "X-Scrapewell-Event"
	headerTimestamp = "X-Scrapewell-Timestamp"
	headerSignature = "X-Scrapewell-Signature"

	defaultInterval    = 5 * time.Second
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultUserAgent   = "Scrapewell-Webhooks/1.0"

	// EventTest is fired synchronously by TestWebhook.
	EventTest = "webhook.test"
)

// Options tunes the delivery service.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	UserAgent   string
}

// Service owns webhook subscriptions and the in-process delivery queue.
// Start launches the delivery loop; Stop shuts it down. Both are idempotent.
type Service struct {
	store     Store
	http      *resty.Client
	interval  time.Duration
	userAgent string
	maxTries  int

	mu    sync.Mutex
	queue map[string]*Delivery

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(store Store, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &Service{
		store:     store,
		http:      resty.New().SetTimeout(opts.Timeout),
		interval:  opts.Interval,
		userAgent: opts.UserAgent,
		maxTries:  opts.MaxAttempts,
		queue:     make(map[string]*Delivery),
	}
}

// CreateWebhook persists a subscription for an organization. The URL must be
// absolute http(s) and at least one event is required.
func (s *Service) CreateWebhook(ctx context.Context, organizationID, rawURL string, events []string, secret string) (*Subscription, error) {
	if organizationID == "" {
		return nil, fmt.Errorf("organization id is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", rawURL)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event is required")
	}
	sub := &Subscription{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		URL:            rawURL,
		Events:         events,
		Secret:         secret,
		Active:         true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist subscription: %w", err)
	}
	return sub, nil
}

// TriggerWebhook enqueues one delivery per active subscription matching the
// event. Returns the number of deliveries queued.
func (s *Service) TriggerWebhook(ctx context.Context, organizationID, event string, data any) (int, error) {
	subs, err := s.store.ListActiveSubscriptions(ctx, organizationID, event)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}
	body, err := eventBody(event, data)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range subs {
		d := &Delivery{
			ID:           uuid.NewString(),
			WebhookID:    sub.ID,
			URL:          sub.URL,
			Event:        event,
			Payload:      body,
			Secret:       sub.Secret,
			MaxAttempts:  s.maxTries,
			ScheduledFor: now,
			Status:       StatusPending,
			CreatedAt:    now,
		}
		s.queue[d.ID] = d
	}
	return len(subs), nil
}

// TestResult reports the outcome of a synchronous test fire.
type TestResult struct {
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// TestWebhook fires a synthetic webhook.test event at the subscription's URL,
// bypassing the delivery queue, and reports latency and response code.
func (s *Service) TestWebhook(ctx context.Context, id string) (*TestResult, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	body, err := eventBody(EventTest, map[string]string{"webhook_id": sub.ID})
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := s.post(ctx, sub.URL, EventTest, sub.Secret, body)
	res := &TestResult{Latency: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	res.StatusCode = resp.StatusCode()
	return res, nil
}

// Start launches the delivery loop on its own ticker.
func (s *Service) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the delivery loop and waits for the current pass to finish.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DeliverDue(ctx)
		}
	}
}

// DeliverDue performs one delivery pass over the in-memory queue. Exported so
// the surrounding application (and tests) can drive the loop deterministically.
func (s *Service) DeliverDue(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Delivery
	for _, d := range s.queue {
		if d.Status == StatusPending && !d.ScheduledFor.After(now) {
			due = append(due, d)
		}
	}
	s.mu.Unlock()

	for _, d := range due {
		s.attempt(ctx, d)
	}
}

func (s *Service) attempt(ctx context.Context, d *Delivery) {
	log := logger.Log.With().
		Str("delivery_id", d.ID).
		Str("webhook_id", d.WebhookID).
		Str("event", d.Event).
		Logger()

	resp, err := s.post(ctx, d.URL, d.Event, d.Secret, d.Payload)
	var attemptErr error
	switch {
	case err != nil:
		attemptErr = err
	case resp.StatusCode() < 200 || resp.StatusCode() > 299:
		attemptErr = fmt.Errorf("endpoint returned status %d", resp.StatusCode())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d.Attempts++

	if attemptErr == nil {
		d.Status = StatusDelivered
		d.LastError = ""
		delete(s.queue, d.ID)
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		log.Info().Int("attempts", d.Attempts).Msg("webhook delivered")
		s.persist(ctx, d, log)
		return
	}

	d.LastError = attemptErr.Error()
	if d.Attempts >= d.MaxAttempts {
		d.Status = StatusFailed
		delete(s.queue, d.ID)
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Error().Err(attemptErr).Int("attempts", d.Attempts).Msg("webhook delivery failed permanently")
		s.persist(ctx, d, log)
		return
	}

	d.ScheduledFor = time.Now().UTC().Add(jobs.Backoff(d.Attempts))
	metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
	log.Warn().Err(attemptErr).
		Int("attempts", d.Attempts).
		Time("next_attempt", d.ScheduledFor).
		Msg("webhook delivery failed, rescheduled")
}

// persist writes the terminal delivery record. Failures here are logged,
// never raised: losing an audit row must not break the delivery loop.
func (s *Service) persist(ctx context.Context, d *Delivery, log zerolog.Logger) {
	rec := *d
	if err := s.store.SaveDelivery(ctx, &rec); err != nil {
		log.Error().Err(err).Msg("persist delivery history")
	}
}

func (s *Service) post(ctx context.Context, dest, event, secret string, body []byte) (*resty.Response, error) {
	req := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", s.userAgent).
		SetHeader(headerEvent, event).
		SetHeader(headerTimestamp, strconv.FormatInt(time.Now().Unix(), 10)).
		SetBody(body)
	if secret != "" {
		req.SetHeader(headerSignature, Sign(secret, body))
	}
	return req.Post(dest)
}

// PendingCount reports the number of deliveries still in the in-memory queue.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func eventBody(event string, data any) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize event payload: %w", err)
	}
	return body, nil
}
