package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scrapewell/jobqueue/pkg/jobs"
	"github.com/scrapewell/jobqueue/pkg/webhook"
)

// Postgres implements Store and webhook.Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool, for callers that manage their
// own connections.
func NewPostgresWithPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// InitSchema creates the jobs and webhook tables. Idempotent.
func (s *Postgres) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS jobs (
        id UUID PRIMARY KEY,
        queue TEXT NOT NULL,
        name TEXT NOT NULL,
        payload JSONB,
        priority INTEGER NOT NULL DEFAULT 5,
        status TEXT NOT NULL DEFAULT 'waiting',
        attempts INTEGER NOT NULL DEFAULT 0,
        max_attempts INTEGER NOT NULL DEFAULT 3,
        run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        repeat_cron TEXT,
        repeat_tz TEXT,
        last_error TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        processed_at TIMESTAMPTZ,
        failed_at TIMESTAMPTZ
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_due
        ON jobs (status, run_at, priority DESC, created_at ASC);

    CREATE TABLE IF NOT EXISTS webhooks (
        id UUID PRIMARY KEY,
        organization_id TEXT NOT NULL,
        url TEXT NOT NULL,
        events TEXT[] NOT NULL,
        secret TEXT,
        active BOOLEAN NOT NULL DEFAULT TRUE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_webhooks_org ON webhooks (organization_id);

    CREATE TABLE IF NOT EXISTS webhook_deliveries (
        id UUID PRIMARY KEY,
        webhook_id UUID NOT NULL,
        url TEXT NOT NULL,
        event TEXT NOT NULL,
        payload JSONB,
        attempts INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL,
        last_error TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries (webhook_id, created_at DESC);
    `
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Postgres) Insert(ctx context.Context, j *jobs.Job) error {
	var cronExpr, cronTZ *string
	if j.Repeat != nil {
		cronExpr = &j.Repeat.Cron
		if j.Repeat.Timezone != "" {
			cronTZ = &j.Repeat.Timezone
		}
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO jobs (id, queue, name, payload, priority, status, attempts,
                          max_attempts, run_at, repeat_cron, repeat_tz, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		j.ID, j.Queue, j.Name, []byte(j.Payload), int(j.Priority), string(j.Status),
		j.Attempts, j.MaxAttempts, j.RunAt, cronExpr, cronTZ, j.CreatedAt,
	)
	return err
}

const jobColumns = `id, queue, name, payload, priority, status, attempts,
    max_attempts, run_at, repeat_cron, repeat_tz, last_error, created_at,
    processed_at, failed_at`

func scanJob(row pgx.Row) (*jobs.Job, error) {
	j := &jobs.Job{}
	var (
		payload            []byte
		priority           int
		status             string
		cronExpr, cronTZ   sql.NullString
		lastError          sql.NullString
		processed, failed  sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Name, &payload, &priority, &status,
		&j.Attempts, &j.MaxAttempts, &j.RunAt, &cronExpr, &cronTZ, &lastError,
		&j.CreatedAt, &processed, &failed)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Priority = jobs.Priority(priority)
	j.Status = jobs.Status(status)
	if cronExpr.Valid {
		j.Repeat = &jobs.Repeat{Cron: cronExpr.String, Timezone: cronTZ.String}
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	if processed.Valid {
		t := processed.Time
		j.ProcessedAt = &t
	}
	if failed.Valid {
		t := failed.Time
		j.FailedAt = &t
	}
	return j, nil
}

func (s *Postgres) FindByID(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *Postgres) FindDue(ctx context.Context, queue string, now time.Time, limit int) ([]*jobs.Job, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+jobColumns+`
          FROM jobs
         WHERE ($1 = '' OR queue = $1)
           AND status IN ('waiting','delayed')
           AND run_at <= $2
         ORDER BY priority DESC, created_at ASC
         LIMIT $3`, queue, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, j)
	}
	return due, rows.Err()
}

// Claim is the single conditional update that prevents two pollers from both
// processing the same job.
func (s *Postgres) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE jobs SET status = 'active'
         WHERE id = $1 AND status IN ('waiting','delayed')`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) Complete(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
        UPDATE jobs SET status = 'completed', attempts = $2, processed_at = NOW(), last_error = NULL
         WHERE id = $1`, id, attempts)
	return err
}

func (s *Postgres) Fail(ctx context.Context, id string, attempts int, reason string) error {
	_, err := s.pool.Exec(ctx, `
        UPDATE jobs SET status = 'failed', attempts = $2, failed_at = NOW(), last_error = $3
         WHERE id = $1`, id, attempts, reason)
	return err
}

func (s *Postgres) Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
        UPDATE jobs SET status = 'waiting', attempts = $2, run_at = $3, last_error = $4
         WHERE id = $1`, id, attempts, runAt, reason)
	return err
}

func (s *Postgres) Stats(ctx context.Context, queue string) (QueueStats, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT status, COUNT(*) FROM jobs WHERE queue = $1 GROUP BY status`, queue)
	if err != nil {
		return QueueStats{}, err
	}
	defer rows.Close()

	var st QueueStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return QueueStats{}, err
		}
		switch jobs.Status(status) {
		case jobs.StatusWaiting:
			st.Waiting = n
		case jobs.StatusDelayed:
			st.Delayed = n
		case jobs.StatusActive:
			st.Active = n
		case jobs.StatusCompleted:
			st.Completed = n
		case jobs.StatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

func (s *Postgres) Clean(ctx context.Context, queue string, olderThan time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
        DELETE FROM jobs WHERE id IN (
            SELECT id FROM jobs
             WHERE queue = $1
               AND status IN ('completed','failed')
               AND created_at < $2
             LIMIT $3)`, queue, olderThan, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- webhook.Store ---

func (s *Postgres) CreateSubscription(ctx context.Context, sub *webhook.Subscription) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO webhooks (id, organization_id, url, events, secret, active, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sub.ID, sub.OrganizationID, sub.URL, sub.Events, sub.Secret, sub.Active, sub.CreatedAt)
	return err
}

func (s *Postgres) GetSubscription(ctx context.Context, id string) (*webhook.Subscription, error) {
	sub := &webhook.Subscription{}
	var secret sql.NullString
	err := s.pool.QueryRow(ctx, `
        SELECT id, organization_id, url, events, secret, active, created_at
          FROM webhooks WHERE id = $1`, id).
		Scan(&sub.ID, &sub.OrganizationID, &sub.URL, &sub.Events, &secret, &sub.Active, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Secret = secret.String
	return sub, nil
}

func (s *Postgres) ListActiveSubscriptions(ctx context.Context, organizationID, event string) ([]webhook.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, organization_id, url, events, secret, active, created_at
          FROM webhooks
         WHERE organization_id = $1 AND active AND $2 = ANY(events)`,
		organizationID, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []webhook.Subscription
	for rows.Next() {
		var sub webhook.Subscription
		var secret sql.NullString
		if err := rows.Scan(&sub.ID, &sub.OrganizationID, &sub.URL, &sub.Events,
			&secret, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Secret = secret.String
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Postgres) SaveDelivery(ctx context.Context, d *webhook.Delivery) error {
	var lastError *string
	if d.LastError != "" {
		lastError = &d.LastError
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO webhook_deliveries (id, webhook_id, url, event, payload, attempts, status, last_error, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.WebhookID, d.URL, d.Event, d.Payload, d.Attempts, d.Status, lastError, d.CreatedAt)
	return err
}

func (s *Postgres) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]webhook.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, webhook_id, url, event, payload, attempts, status, last_error, created_at
          FROM webhook_deliveries
         WHERE webhook_id = $1
         ORDER BY created_at DESC
         LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		var d webhook.Delivery
		var lastError sql.NullString
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.URL, &d.Event, &d.Payload,
			&d.Attempts, &d.Status, &lastError, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.LastError = lastError.String
		out = append(out, d)
	}
	return out, rows.Err()
}
