// Package postgres provides the PostgreSQL implementation of the queue store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hypeloop/postflow/internal/domain"
	"github.com/hypeloop/postflow/internal/queue"
)

// Repository implements queue.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const itemColumns = `
	id, owner_id, target_account_id, platform, content_type, payload,
	scheduled_for, priority, state, attempts, max_attempts, last_error,
	posted_at, created_at, updated_at
`

// Insert persists a new queue item.
func (r *Repository) Insert(ctx context.Context, item *domain.QueueItem) error {
	query := `
		INSERT INTO queue_items (
			id, owner_id, target_account_id, platform, content_type, payload,
			scheduled_for, priority, state, attempts, max_attempts, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.Exec(ctx, query,
		item.ID,
		item.OwnerID,
		item.TargetAccountID,
		item.Platform,
		item.ContentType,
		item.Payload,
		item.ScheduledFor,
		item.Priority,
		item.State,
		item.Attempts,
		item.MaxAttempts,
		item.CreatedAt,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// InsertBatch persists many queue items in one batch.
func (r *Repository) InsertBatch(ctx context.Context, items []*domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO queue_items (
			id, owner_id, target_account_id, platform, content_type, payload,
			scheduled_for, priority, state, attempts, max_attempts, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	for _, item := range items {
		batch.Queue(query,
			item.ID,
			item.OwnerID,
			item.TargetAccountID,
			item.Platform,
			item.ContentType,
			item.Payload,
			item.ScheduledFor,
			item.Priority,
			item.State,
			item.Attempts,
			item.MaxAttempts,
			item.CreatedAt,
			item.UpdatedAt,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert queue item batch: %w", err)
		}
	}
	return nil
}

// GetItem returns one item scoped to its owner.
func (r *Repository) GetItem(ctx context.Context, ownerID, id string) (*domain.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE id = $1 AND owner_id = $2`

	item, err := scanItem(r.db.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// FetchDue returns dispatchable items ordered by priority then age.
// The (state, scheduled_for) index keeps this from scanning the table.
func (r *Repository) FetchDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueueItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE state IN ('pending', 'rate_limited') AND scheduled_for <= $1
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due items: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch due items: %w", err)
	}

	return items, nil
}

// TryClaim atomically moves a pending/rate_limited item to processing.
// The conditional update makes concurrent dispatchers safe: at most one
// claim succeeds.
func (r *Repository) TryClaim(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE queue_items
		SET state = 'processing', updated_at = NOW()
		WHERE id = $1 AND state IN ('pending', 'rate_limited')
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim queue item: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkPosted records terminal success.
func (r *Repository) MarkPosted(ctx context.Context, id string, postedAt time.Time) error {
	query := `
		UPDATE queue_items
		SET state = 'posted', posted_at = $2, last_error = '', updated_at = NOW()
		WHERE id = $1 AND state = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, postedAt)
	if err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

// MarkForRetry returns a processing item to pending with one more
// attempt on the counter.
func (r *Repository) MarkForRetry(ctx context.Context, id string, cause error, nextAttempt time.Time) error {
	query := `
		UPDATE queue_items
		SET state = 'pending', attempts = attempts + 1, last_error = $2,
		    scheduled_for = $3, updated_at = NOW()
		WHERE id = $1 AND state = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, cause.Error(), nextAttempt)
	if err != nil {
		return fmt.Errorf("mark for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

// DeferRateLimited reschedules an unclaimed item the local limiter
// denied. It only matches pending/rate_limited rows: a concurrent
// dispatcher may have claimed the item between fetch and the denial,
// and flipping it out of processing mid-post would let it be posted
// twice. Zero rows affected means the caller lost that race.
func (r *Repository) DeferRateLimited(ctx context.Context, id string, retryAt time.Time) (bool, error) {
	query := `
		UPDATE queue_items
		SET state = 'rate_limited', scheduled_for = $2, updated_at = NOW()
		WHERE id = $1 AND state IN ('pending', 'rate_limited')
	`
	result, err := r.db.Exec(ctx, query, id, retryAt)
	if err != nil {
		return false, fmt.Errorf("defer rate limited: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkRateLimited defers a claimed item without consuming an attempt,
// for platform-side throttling discovered during the post.
func (r *Repository) MarkRateLimited(ctx context.Context, id string, retryAt time.Time) error {
	query := `
		UPDATE queue_items
		SET state = 'rate_limited', scheduled_for = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, retryAt)
	if err != nil {
		return fmt.Errorf("mark rate limited: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

// MarkFailed records terminal failure. finalAttempt also counts the
// retryable failure that exhausted the budget, so a terminal item
// reports attempts == max_attempts.
func (r *Repository) MarkFailed(ctx context.Context, id string, cause error, finalAttempt bool) error {
	increment := 0
	if finalAttempt {
		increment = 1
	}
	query := `
		UPDATE queue_items
		SET state = 'failed', attempts = attempts + $3, last_error = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, cause.Error(), increment)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

// Cancel moves a pending/rate_limited item to cancelled.
func (r *Repository) Cancel(ctx context.Context, ownerID, id string) error {
	query := `
		UPDATE queue_items
		SET state = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND state IN ('pending', 'rate_limited')
	`
	result, err := r.db.Exec(ctx, query, id, ownerID)
	if err != nil {
		return fmt.Errorf("cancel queue item: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	// Distinguish missing items from items past cancellation.
	var exists bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_items WHERE id = $1 AND owner_id = $2)`,
		id, ownerID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check queue item: %w", err)
	}
	if !exists {
		return queue.ErrItemNotFound
	}
	return queue.ErrNotCancellable
}

// ReclaimStale returns processing items untouched since the cutoff back
// to pending.
func (r *Repository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE queue_items
		SET state = 'pending', updated_at = NOW()
		WHERE state = 'processing' AND updated_at < $1
	`
	result, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale items: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetStats returns per-state item counts. Empty ownerID counts all owners.
func (r *Repository) GetStats(ctx context.Context, ownerID string) (*queue.Stats, error) {
	query := `
		SELECT state, COUNT(*)
		FROM queue_items
		WHERE ($1 = '' OR owner_id = $1)
		GROUP BY state
	`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	stats := &queue.Stats{}
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}

		switch domain.ItemState(state) {
		case domain.StatePending:
			stats.Pending = count
		case domain.StateProcessing:
			stats.Processing = count
		case domain.StatePosted:
			stats.Posted = count
		case domain.StateFailed:
			stats.Failed = count
		case domain.StateRateLimited:
			stats.RateLimited = count
		case domain.StateCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}

	return stats, nil
}

// ListRecent returns the owner's most recently created items.
func (r *Repository) ListRecent(ctx context.Context, ownerID string, limit int) ([]domain.QueueItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}

	return items, nil
}

func scanItem(row pgx.Row) (*domain.QueueItem, error) {
	var item domain.QueueItem
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.TargetAccountID,
		&item.Platform,
		&item.ContentType,
		&item.Payload,
		&item.ScheduledFor,
		&item.Priority,
		&item.State,
		&item.Attempts,
		&item.MaxAttempts,
		&item.LastError,
		&item.PostedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}
