// Package webhook delivers signed HTTP callbacks for subscribed events.
//
// Delivery runs through an in-process queue, separate from the generic job
// queue, because each attempt needs per-attempt HMAC signing and custom
// headers. The in-memory queue is ephemeral: pending deliveries are lost on
// process restart. Terminal outcomes (delivered or failed) are always
// persisted to a durable history table, so semantics are at-least-once,
// best-effort.
package webhook

import (
	"context"
	"time"
)

// Subscription is a persisted webhook registration for an organization.
type Subscription struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	URL            string    `json:"url"`
	Events         []string  `json:"events"`
	Secret         string    `json:"-"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Delivery statuses. Delivered and Failed are terminal.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Delivery is one webhook delivery record. While pending it lives in the
// service's in-memory queue; once terminal it is persisted for audit.
type Delivery struct {
	ID           string    `json:"id"`
	WebhookID    string    `json:"webhook_id"`
	URL          string    `json:"url"`
	Event        string    `json:"event"`
	Payload      []byte    `json:"payload"`
	Secret       string    `json:"-"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Status       string    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the persistence contract the delivery service consumes:
// subscriptions plus the durable delivery history.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListActiveSubscriptions(ctx context.Context, organizationID, event string) ([]Subscription, error)
	SaveDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error)
}
