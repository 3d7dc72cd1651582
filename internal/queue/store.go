// Package queue implements the posting queue: durable scheduled items,
// per-account rate limiting and the dispatch loop that publishes them.
package queue

import (
	"context"
	"time"

	"github.com/hypeloop/postflow/internal/domain"
)

// Store is the durable record of queue items consumed by the dispatcher
// and the enqueue/status services. Implementations must make TryClaim a
// conditional update so that concurrent dispatchers cannot both own an
// item.
type Store interface {
	// Insert persists a new item in pending state.
	Insert(ctx context.Context, item *domain.QueueItem) error

	// InsertBatch persists many items in one round trip.
	InsertBatch(ctx context.Context, items []*domain.QueueItem) error

	// GetItem returns one item scoped to its owner.
	GetItem(ctx context.Context, ownerID, id string) (*domain.QueueItem, error)

	// FetchDue returns items with state pending or rate_limited and
	// scheduled_for <= now, ordered by priority descending then
	// created_at ascending, bounded by limit.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueueItem, error)

	// TryClaim atomically moves a pending/rate_limited item to
	// processing. Returns false when another dispatcher already claimed
	// it or the item left the claimable states.
	TryClaim(ctx context.Context, id string) (bool, error)

	// MarkPosted records terminal success for a processing item.
	MarkPosted(ctx context.Context, id string, postedAt time.Time) error

	// MarkForRetry returns a processing item to pending, increments
	// attempts, records the failure and schedules the next attempt.
	MarkForRetry(ctx context.Context, id string, cause error, nextAttempt time.Time) error

	// DeferRateLimited pushes an unclaimed pending/rate_limited item's
	// schedule to retryAt without consuming an attempt. Returns false
	// when the item left the dispatchable states in the meantime, which
	// the caller treats like a lost claim: a concurrent dispatcher may
	// already own it.
	DeferRateLimited(ctx context.Context, id string, retryAt time.Time) (bool, error)

	// MarkRateLimited defers a processing item until retryAt without
	// consuming an attempt.
	MarkRateLimited(ctx context.Context, id string, retryAt time.Time) error

	// MarkFailed records terminal failure for a processing item.
	// finalAttempt counts the failure that exhausted the retry budget;
	// fatal errors keep the counter as is.
	MarkFailed(ctx context.Context, id string, cause error, finalAttempt bool) error

	// Cancel moves a pending/rate_limited item owned by ownerID to
	// cancelled. Returns ErrItemNotFound or ErrNotCancellable.
	Cancel(ctx context.Context, ownerID, id string) error

	// ReclaimStale returns processing items untouched since before the
	// cutoff back to pending, so items claimed by a crashed dispatcher
	// become dispatchable again. Returns the number of reclaimed items.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)

	// GetStats returns per-state item counts. Empty ownerID means all
	// owners.
	GetStats(ctx context.Context, ownerID string) (*Stats, error)

	// ListRecent returns the owner's most recently created items.
	ListRecent(ctx context.Context, ownerID string, limit int) ([]domain.QueueItem, error)
}

// Stats holds per-state queue item counts.
type Stats struct {
	Pending     int64 `json:"pending"`
	Processing  int64 `json:"processing"`
	Posted      int64 `json:"posted"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	Cancelled   int64 `json:"cancelled"`
	Total       int64 `json:"total"`
}
