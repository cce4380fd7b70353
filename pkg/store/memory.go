package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/webhook"
)

// Memory is an in-process implementation of Store and webhook.Store. It backs
// development setups without Postgres and keeps the fallback-queue tests
// hermetic. All operations are guarded by a single mutex, so Claim has the
// same exactly-one-winner property as the Postgres conditional update.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*jobs.Job
	subs       map[string]*webhook.Subscription
	deliveries []webhook.Delivery
}

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*jobs.Job),
		subs: make(map[string]*webhook.Subscription),
	}
}

func cloneJob(j *jobs.Job) *jobs.Job {
	c := *j
	if j.Repeat != nil {
		r := *j.Repeat
		c.Repeat = &r
	}
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		c.FailedAt = &t
	}
	return &c
}

func (m *Memory) Insert(_ context.Context, j *jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) FindByID(_ context.Context, id string) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) FindDue(_ context.Context, queue string, now time.Time, limit int) ([]*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*jobs.Job
	for _, j := range m.jobs {
		if queue != "" && j.Queue != queue {
			continue
		}
		if j.Status != jobs.StatusWaiting && j.Status != jobs.StatusDelayed {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		due = append(due, cloneJob(j))
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if j.Status != jobs.StatusWaiting && j.Status != jobs.StatusDelayed {
		return false, nil
	}
	j.Status = jobs.StatusActive
	return true, nil
}

func (m *Memory) Complete(_ context.Context, id string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = jobs.StatusCompleted
	j.Attempts = attempts
	j.ProcessedAt = &now
	j.LastError = ""
	return nil
}

func (m *Memory) Fail(_ context.Context, id string, attempts int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = jobs.StatusFailed
	j.Attempts = attempts
	j.FailedAt = &now
	j.LastError = reason
	return nil
}

func (m *Memory) Reschedule(_ context.Context, id string, attempts int, runAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = jobs.StatusWaiting
	j.Attempts = attempts
	j.RunAt = runAt
	j.LastError = reason
	return nil
}

func (m *Memory) Stats(_ context.Context, queue string) (QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st QueueStats
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.Status {
		case jobs.StatusWaiting:
			st.Waiting++
		case jobs.StatusDelayed:
			st.Delayed++
		case jobs.StatusActive:
			st.Active++
		case jobs.StatusCompleted:
			st.Completed++
		case jobs.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (m *Memory) Clean(_ context.Context, queue string, olderThan time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, j := range m.jobs {
		if removed >= int64(limit) {
			break
		}
		if j.Queue != queue || !j.Terminal() || !j.CreatedAt.Before(olderThan) {
			continue
		}
		delete(m.jobs, id)
		removed++
	}
	return removed, nil
}

// --- webhook.Store ---

func (m *Memory) CreateSubscription(_ context.Context, sub *webhook.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sub
	m.subs[sub.ID] = &c
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, id string) (*webhook.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sub
	return &c, nil
}

func (m *Memory) ListActiveSubscriptions(_ context.Context, organizationID, event string) ([]webhook.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var subs []webhook.Subscription
	for _, sub := range m.subs {
		if sub.OrganizationID != organizationID || !sub.Active {
			continue
		}
		for _, e := range sub.Events {
			if e == event {
				subs = append(subs, *sub)
				break
			}
		}
	}
	return subs, nil
}

func (m *Memory) SaveDelivery(_ context.Context, d *webhook.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, *d)
	return nil
}

func (m *Memory) ListDeliveries(_ context.Context, webhookID string, limit int) ([]webhook.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []webhook.Delivery
	for i := len(m.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.deliveries[i].WebhookID == webhookID {
			out = append(out, m.deliveries[i])
		}
	}
	return out, nil
}
