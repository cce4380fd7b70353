// Package scheduler provides typed construction of the known job families
// and routes them through the queue manager with per-family defaults. It has
// no state of its own; it is the validation boundary where malformed
// submissions are rejected synchronously instead of failing later inside a
// poller.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/manager"
)

// Handler keys within the logical queues.
const (
	JobScrapeWebsite    = "scrape-website"
	JobSendWebhook      = "send-webhook"
	JobGenerateExport   = "generate-export"
	JobSendNotification = "send-notification"
)

// ScrapeExecution is the payload for a scraping run.
type ScrapeExecution struct {
	ExecutionID    string `json:"execution_id"`
	ScraperID      string `json:"scraper_id"`
	OrganizationID string `json:"organization_id"`
	TargetURL      string `json:"target_url"`
}

// WebhookNotification is the payload for a queued webhook dispatch.
type WebhookNotification struct {
	WebhookID string `json:"webhook_id"`
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
}

// Export is the payload for a data export run.
type Export struct {
	ExportID       string `json:"export_id"`
	OrganizationID string `json:"organization_id"`
	Format         string `json:"format"`
}

// Notification is the payload for a user-facing notification.
type Notification struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// Scheduler submits well-formed jobs through the queue manager.
type Scheduler struct {
	m *manager.Manager
}

func New(m *manager.Manager) *Scheduler {
	return &Scheduler{m: m}
}

// errSubmit is returned when validation passed but both delivery paths
// refused the job; the manager already logged the cause.
func errSubmit(queue, name string) error {
	return fmt.Errorf("scheduling %s/%s failed on both broker and fallback paths", queue, name)
}

// ScheduleScrapeExecution submits a scraping run. Retries is the configured
// retry count; the job gets one initial attempt on top of it.
func (s *Scheduler) ScheduleScrapeExecution(ctx context.Context, p ScrapeExecution, priority jobs.Priority, retries int) (*jobs.Job, error) {
	if p.ExecutionID == "" || p.ScraperID == "" {
		return nil, fmt.Errorf("execution id and scraper id are required")
	}
	if retries < 0 {
		return nil, fmt.Errorf("retries must not be negative")
	}
	j := s.m.AddJob(ctx, jobs.QueueScraping, JobScrapeWebsite, p, jobs.Options{
		Priority: priority,
		Attempts: retries + 1,
	})
	if j == nil {
		return nil, errSubmit(jobs.QueueScraping, JobScrapeWebsite)
	}
	return j, nil
}

// ScheduleWebhookNotification submits a webhook dispatch job with an optional
// initial delay.
func (s *Scheduler) ScheduleWebhookNotification(ctx context.Context, p WebhookNotification, maxRetries int, delay time.Duration) (*jobs.Job, error) {
	if p.WebhookID == "" {
		return nil, fmt.Errorf("webhook id is required")
	}
	if p.Event == "" {
		return nil, fmt.Errorf("event is required")
	}
	j := s.m.AddJob(ctx, jobs.QueueWebhooks, JobSendWebhook, p, jobs.Options{
		Attempts: maxRetries,
		Delay:    delay,
	})
	if j == nil {
		return nil, errSubmit(jobs.QueueWebhooks, JobSendWebhook)
	}
	return j, nil
}

// ScheduleExport submits an export run at normal priority with two attempts.
func (s *Scheduler) ScheduleExport(ctx context.Context, p Export) (*jobs.Job, error) {
	if p.ExportID == "" || p.OrganizationID == "" {
		return nil, fmt.Errorf("export id and organization id are required")
	}
	if p.Format == "" {
		return nil, fmt.Errorf("export format is required")
	}
	j := s.m.AddJob(ctx, jobs.QueueExports, JobGenerateExport, p, jobs.Options{
		Priority: jobs.PriorityNormal,
		Attempts: 2,
	})
	if j == nil {
		return nil, errSubmit(jobs.QueueExports, JobGenerateExport)
	}
	return j, nil
}

// ScheduleNotification submits a notification job with three attempts.
func (s *Scheduler) ScheduleNotification(ctx context.Context, p Notification, priority jobs.Priority) (*jobs.Job, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if p.Channel == "" || p.Subject == "" {
		return nil, fmt.Errorf("channel and subject are required")
	}
	j := s.m.AddJob(ctx, jobs.QueueNotifications, JobSendNotification, p, jobs.Options{
		Priority: priority,
		Attempts: 3,
	})
	if j == nil {
		return nil, errSubmit(jobs.QueueNotifications, JobSendNotification)
	}
	return j, nil
}

// ScheduleRecurring submits a recurring job from a 5-field cron expression
// and an IANA timezone. Both are validated here so malformed schedules fail
// at the call site.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, queue, name string, payload any, cronExpr, timezone string) (*jobs.Job, error) {
	if !jobs.IsKnownQueue(queue) {
		return nil, fmt.Errorf("unknown queue %q", queue)
	}
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return nil, fmt.Errorf("malformed cron expression %q: %w", cronExpr, err)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
	}
	j := s.m.AddJob(ctx, queue, name, payload, jobs.Options{
		Repeat: &jobs.Repeat{Cron: cronExpr, Timezone: timezone},
	})
	if j == nil {
		return nil, errSubmit(queue, name)
	}
	return j, nil
}
