// Package postgres implements storage.JobStore on a PostgreSQL table, for
// deployments that keep client state in a shared SQL database instead of the
// embedded bbolt file.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/snehjoshi/attachq/internal/storage"
	"github.com/snehjoshi/attachq/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS attachment_downloads (
    message_id             TEXT    NOT NULL,
    attachment_type        TEXT    NOT NULL,
    digest                 TEXT    NOT NULL,
    received_at            BIGINT  NOT NULL,
    sent_at                BIGINT  NOT NULL,
    content_type           TEXT    NOT NULL DEFAULT '',
    size                   BIGINT  NOT NULL DEFAULT 0,
    active                 BOOLEAN NOT NULL DEFAULT FALSE,
    attempts               INTEGER NOT NULL DEFAULT 0,
    retry_after            BIGINT,
    last_attempt_timestamp BIGINT,
    attachment             JSONB   NOT NULL,
    PRIMARY KEY (message_id, attachment_type, digest)
);
CREATE INDEX IF NOT EXISTS attachment_downloads_next
    ON attachment_downloads (active, retry_after, received_at DESC);
`

const columns = `message_id, attachment_type, digest, received_at, sent_at,
       active, attempts, retry_after, last_attempt_timestamp, attachment`

// Store is a PostgreSQL-backed storage.JobStore.
type Store struct {
	db *sql.DB
}

var _ storage.JobStore = (*Store)(nil)

// New wraps an open database handle. The schema is not touched; call
// EnsureSchema once before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the lib/pq driver and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := New(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the job table and its index if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// UpsertJob implements storage.JobStore.
func (s *Store) UpsertJob(ctx context.Context, job *types.Job) error {
	att, err := json.Marshal(job.Attachment)
	if err != nil {
		return fmt.Errorf("postgres: marshal attachment for %s: %w", job.Key(), err)
	}

	query := `
        INSERT INTO attachment_downloads (
            message_id, attachment_type, digest, received_at, sent_at,
            content_type, size, last_attempt_timestamp, attachment,
            active, attempts, retry_after
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, 0, NULL)
        ON CONFLICT (message_id, attachment_type, digest) DO UPDATE SET
            received_at            = EXCLUDED.received_at,
            sent_at                = EXCLUDED.sent_at,
            content_type           = EXCLUDED.content_type,
            size                   = EXCLUDED.size,
            last_attempt_timestamp = EXCLUDED.last_attempt_timestamp,
            attachment             = EXCLUDED.attachment,
            active                 = FALSE,
            attempts               = 0,
            retry_after            = NULL
    `
	_, err = s.db.ExecContext(ctx, query,
		job.MessageID,
		string(job.AttachmentType),
		job.Digest,
		job.ReceivedAt,
		job.SentAt,
		job.Attachment.ContentType,
		job.Attachment.Size,
		nullMs(job.LastAttemptTimestamp),
		att,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert job %s: %w", job.Key(), err)
	}
	return nil
}

// GetNextJobs implements storage.JobStore.
//
// Visible-first ordering is pushed into SQL so LIMIT cuts the right rows.
// Excluded keys are filtered afterwards, so the query over-fetches by that
// many rows.
func (s *Store) GetNextJobs(ctx context.Context, opts storage.NextJobsOptions) ([]*types.Job, error) {
	if opts.Limit < 1 {
		return nil, nil
	}
	visible := opts.Visible
	if visible == nil {
		visible = []string{}
	}

	query := `
        SELECT ` + columns + `
        FROM attachment_downloads
        WHERE active = FALSE
          AND (retry_after IS NULL OR retry_after <= $1)
        ORDER BY (message_id = ANY($2)) DESC, received_at DESC, sent_at DESC
        LIMIT $3
    `
	rows, err := s.db.QueryContext(ctx, query, opts.NowMs, pq.Array(visible), opts.Limit+len(opts.Exclude))
	if err != nil {
		return nil, fmt.Errorf("postgres: next jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	out := jobs[:0]
	for _, job := range jobs {
		if !opts.Excluded(job.Key()) {
			out = append(out, job)
		}
	}
	types.SortByPriority(out, opts.IsVisible())
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// MarkJobActive implements storage.JobStore.
func (s *Store) MarkJobActive(ctx context.Context, key types.JobKey, active bool) error {
	query := `
        UPDATE attachment_downloads SET active = $4
        WHERE message_id = $1 AND attachment_type = $2 AND digest = $3
    `
	result, err := s.db.ExecContext(ctx, query, key.MessageID, string(key.AttachmentType), key.Digest, active)
	if err != nil {
		return fmt.Errorf("postgres: mark job %s active=%t: %w", key, active, err)
	}
	return expectOneRow(result, key)
}

// UpdateJob implements storage.JobStore.
func (s *Store) UpdateJob(ctx context.Context, job *types.Job) error {
	att, err := json.Marshal(job.Attachment)
	if err != nil {
		return fmt.Errorf("postgres: marshal attachment for %s: %w", job.Key(), err)
	}

	query := `
        UPDATE attachment_downloads SET
            received_at            = $4,
            sent_at                = $5,
            content_type           = $6,
            size                   = $7,
            active                 = $8,
            attempts               = $9,
            retry_after            = $10,
            last_attempt_timestamp = $11,
            attachment             = $12
        WHERE message_id = $1 AND attachment_type = $2 AND digest = $3
    `
	result, err := s.db.ExecContext(ctx, query,
		job.MessageID,
		string(job.AttachmentType),
		job.Digest,
		job.ReceivedAt,
		job.SentAt,
		job.Attachment.ContentType,
		job.Attachment.Size,
		job.Active,
		job.Attempts,
		nullMs(job.RetryAfter),
		nullMs(job.LastAttemptTimestamp),
		att,
	)
	if err != nil {
		return fmt.Errorf("postgres: update job %s: %w", job.Key(), err)
	}
	return expectOneRow(result, job.Key())
}

// RemoveJob implements storage.JobStore.
func (s *Store) RemoveJob(ctx context.Context, key types.JobKey) error {
	query := `DELETE FROM attachment_downloads WHERE message_id = $1 AND attachment_type = $2 AND digest = $3`
	if _, err := s.db.ExecContext(ctx, query, key.MessageID, string(key.AttachmentType), key.Digest); err != nil {
		return fmt.Errorf("postgres: remove job %s: %w", key, err)
	}
	return nil
}

// ResetActive implements storage.JobStore.
func (s *Store) ResetActive(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE attachment_downloads SET active = FALSE WHERE active = TRUE`)
	if err != nil {
		return 0, fmt.Errorf("postgres: reset active: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListJobs implements storage.JobStore.
func (s *Store) ListJobs(ctx context.Context) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM attachment_downloads ORDER BY received_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	types.SortByPriority(jobs, nil)
	return jobs, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanJobs(rows *sql.Rows) ([]*types.Job, error) {
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		var (
			job         types.Job
			attType     string
			retryAfter  sql.NullInt64
			lastAttempt sql.NullInt64
			att         []byte
		)
		if err := rows.Scan(
			&job.MessageID,
			&attType,
			&job.Digest,
			&job.ReceivedAt,
			&job.SentAt,
			&job.Active,
			&job.Attempts,
			&retryAfter,
			&lastAttempt,
			&att,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		if err := json.Unmarshal(att, &job.Attachment); err != nil {
			return nil, fmt.Errorf("postgres: decode attachment for %s: %w", job.MessageID, err)
		}
		job.AttachmentType = types.AttachmentType(attType)
		job.RetryAfter = retryAfter.Int64
		job.LastAttemptTimestamp = lastAttempt.Int64
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}

func expectOneRow(result sql.Result, key types.JobKey) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("postgres: job %s: %w", key, storage.ErrNotFound)
	}
	return nil
}

// nullMs stores a zero timestamp as NULL.
func nullMs(ms int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ms, Valid: ms != 0}
}
