// Package dlq records commits the merger failed to process, with a count of
// how often each was retried, so a run can finish the rest of the graph and an operator can inspect or
// retry the failures separately rather than losing them to a log line.
package dlq

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Metadata is the free-form context stored alongside a failed commit,
// serialized as JSON in the metadata column.
type Metadata map[string]interface{}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	var payload []byte
	switch v := src.(type) {
	case []byte:
		payload = v
	case string:
		payload = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	return json.Unmarshal(payload, m)
}

// Entry is a failed commit awaiting retry or inspection.
type Entry struct {
	ID           int64      `db:"id"`
	VCSSystemID  int64      `db:"vcs_system_id"`
	RevisionHash string     `db:"revision_hash"`
	ErrorMessage string     `db:"error_message"`
	RetryCount   int        `db:"retry_count"`
	LastRetryAt  *time.Time `db:"last_retry_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	Metadata     Metadata   `db:"metadata"`
}

// Queue manages failed-commit bookkeeping against the control-plane registry.
type Queue struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewQueue creates a DLQ manager bound to the registry's SQL connection.
func NewQueue(db *sqlx.DB) *Queue {
	return &Queue{db: db, logger: slog.Default().With("component", "dlq")}
}

// Enqueue records a commit that failed processing. Re-enqueuing the same
// commit increments its retry count instead of duplicating the row.
func (q *Queue) Enqueue(ctx context.Context, vcsSystemID int64, revisionHash string, cause error, metadata map[string]interface{}) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue (vcs_system_id, revision_hash, error_message, retry_count, metadata)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (vcs_system_id, revision_hash) DO UPDATE
		SET retry_count = dead_letter_queue.retry_count + 1,
		    error_message = $3,
		    updated_at = NOW(),
		    last_retry_at = NOW(),
		    metadata = $4
	`, vcsSystemID, revisionHash, cause.Error(), Metadata(metadata))
	if err != nil {
		return fmt.Errorf("failed to enqueue commit to dlq: %w", err)
	}

	q.logger.Warn("commit enqueued to dlq",
		"vcs_system_id", vcsSystemID,
		"revision_hash", revisionHash,
		"error", cause.Error(),
	)
	return nil
}

// PendingRetries returns commits whose retry_count is below maxRetries,
// oldest first.
func (q *Queue) PendingRetries(ctx context.Context, vcsSystemID int64, maxRetries int) ([]Entry, error) {
	var entries []Entry
	err := q.db.SelectContext(ctx, &entries, `
		SELECT id, vcs_system_id, revision_hash, error_message, retry_count, last_retry_at, created_at, updated_at, metadata
		FROM dead_letter_queue
		WHERE vcs_system_id = $1 AND retry_count < $2
		ORDER BY created_at ASC
	`, vcsSystemID, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query dlq: %w", err)
	}
	return entries, nil
}

// MarkResolved removes a commit from the DLQ after a successful retry.
func (q *Queue) MarkResolved(ctx context.Context, vcsSystemID int64, revisionHash string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM dead_letter_queue WHERE vcs_system_id = $1 AND revision_hash = $2
	`, vcsSystemID, revisionHash)
	if err != nil {
		return fmt.Errorf("failed to delete dlq entry: %w", err)
	}
	return nil
}

// Stats summarizes DLQ state for a VCS system.
type Stats struct {
	VCSSystemID      int64 `db:"vcs_system_id"`
	TotalEntries     int   `db:"total_entries"`
	RetryableEntries int   `db:"retryable_entries"`
	ExhaustedRetries int   `db:"exhausted_retries"`
}

// GetStats returns retry-state counts for a VCS system, where exhausted
// retries are those with retry_count >= maxRetries.
func (q *Queue) GetStats(ctx context.Context, vcsSystemID int64, maxRetries int) (*Stats, error) {
	var stats Stats
	err := q.db.GetContext(ctx, &stats, `
		SELECT
			$1::bigint AS vcs_system_id,
			COUNT(*) AS total_entries,
			COUNT(*) FILTER (WHERE retry_count < $2) AS retryable_entries,
			COUNT(*) FILTER (WHERE retry_count >= $2) AS exhausted_retries
		FROM dead_letter_queue
		WHERE vcs_system_id = $1
	`, vcsSystemID, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq stats: %w", err)
	}
	return &stats, nil
}
