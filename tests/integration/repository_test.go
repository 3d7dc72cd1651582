//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypeloop/postflow/internal/domain"
	"github.com/hypeloop/postflow/internal/queue"
	queuepostgres "github.com/hypeloop/postflow/internal/queue/postgres"
)

func newRepository() *queuepostgres.Repository {
	return queuepostgres.NewRepository(testDB)
}

func insertItem(t *testing.T, repo *queuepostgres.Repository, mutate ...func(*domain.QueueItem)) *domain.QueueItem {
	t.Helper()

	now := time.Now().UTC()
	item := &domain.QueueItem{
		ID:              uuid.NewString(),
		OwnerID:         "repo-owner",
		TargetAccountID: "acc-1",
		Platform:        domain.PlatformTikTok,
		ContentType:     domain.ContentTypePost,
		Payload:         []byte(`{"caption":"repo test"}`),
		ScheduledFor:    now.Add(-time.Minute),
		Priority:        5,
		State:           domain.StatePending,
		MaxAttempts:     3,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, m := range mutate {
		m(item)
	}

	require.NoError(t, repo.Insert(context.Background(), item))
	return item
}

func TestRepository_InsertAndGet(t *testing.T) {
	repo := newRepository()
	item := insertItem(t, repo)

	got, err := repo.GetItem(context.Background(), "repo-owner", item.ID)
	require.NoError(t, err)

	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, domain.StatePending, got.State)
	assert.JSONEq(t, `{"caption":"repo test"}`, string(got.Payload))
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.PostedAt)
}

func TestRepository_GetItem_NotFound(t *testing.T) {
	repo := newRepository()

	_, err := repo.GetItem(context.Background(), "repo-owner", uuid.NewString())
	assert.ErrorIs(t, err, queue.ErrItemNotFound)
}

func TestRepository_FetchDue_Ordering(t *testing.T) {
	cleanQueue(t)
	repo := newRepository()
	base := time.Now().UTC().Add(-time.Hour)

	older := insertItem(t, repo, func(i *domain.QueueItem) {
		i.Priority = 5
		i.CreatedAt = base
	})
	newer := insertItem(t, repo, func(i *domain.QueueItem) {
		i.Priority = 5
		i.CreatedAt = base.Add(time.Minute)
	})
	urgent := insertItem(t, repo, func(i *domain.QueueItem) {
		i.Priority = 9
		i.CreatedAt = base.Add(2 * time.Minute)
	})

	items, err := repo.FetchDue(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Higher priority first, then oldest first within the same priority.
	assert.Equal(t, urgent.ID, items[0].ID)
	assert.Equal(t, older.ID, items[1].ID)
	assert.Equal(t, newer.ID, items[2].ID)
}

func TestRepository_FetchDue_Filtering(t *testing.T) {
	cleanQueue(t)
	repo := newRepository()
	now := time.Now().UTC()

	due := insertItem(t, repo)
	deferred := insertItem(t, repo, func(i *domain.QueueItem) {
		i.State = domain.StateRateLimited
	})
	insertItem(t, repo, func(i *domain.QueueItem) {
		i.ScheduledFor = now.Add(time.Hour)
	})
	insertItem(t, repo, func(i *domain.QueueItem) {
		i.State = domain.StateCancelled
	})
	insertItem(t, repo, func(i *domain.QueueItem) {
		i.State = domain.StatePosted
	})

	items, err := repo.FetchDue(context.Background(), now, 10)
	require.NoError(t, err)

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	// Both pending and rate_limited items are dispatchable once due.
	assert.ElementsMatch(t, []string{due.ID, deferred.ID}, ids)
}

func TestRepository_TryClaim_SingleWinner(t *testing.T) {
	repo := newRepository()
	item := insertItem(t, repo)

	const claimers = 8
	var winners int64
	var errs []error
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.TryClaim(context.Background(), item.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if claimed {
				winners++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, int64(1), winners)
	assert.Equal(t, domain.StateProcessing, itemState(t, item.ID))
}

func TestRepository_TryClaim_CancelledItem(t *testing.T) {
	repo := newRepository()
	item := insertItem(t, repo, func(i *domain.QueueItem) {
		i.State = domain.StateCancelled
	})

	claimed, err := repo.TryClaim(context.Background(), item.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRepository_MarkPosted(t *testing.T) {
	repo := newRepository()
	item := insertItem(t, repo)

	claimed, err := repo.TryClaim(context.Background(), item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	postedAt := time.Now().UTC()
	require.NoError(t, repo.MarkPosted(context.Background(), item.ID, postedAt))

	got, err := repo.GetItem(context.Background(), "repo-owner", item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePosted, got.State)
	require.NotNil(t, got.PostedAt)
	assert.WithinDuration(t, postedAt, *got.PostedAt, time.Second)
}

func TestRepository_MarkPosted_RequiresProcessing(t *testing.T) {
	repo := newRepository()
	item := insertItem(t, repo)

	// Still pending: terminal transitions only apply to claimed items.
	err := repo.MarkPosted(context.Background(), item.ID, time.Now().UTC())
	assert.ErrorIs(t, err, queue.ErrItemNotFound)
}

func TestRepository_MarkForRetry(t *testing.T) {
	repo := newRepository()
	item := insertItem(t, repo)

	claimed, err := repo.TryClaim(context.Background(), item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	nextAttempt := time.Now().UTC().Add(10 * time.Minute)
	require.NoError(t, repo.MarkForRetry(context.Background(), item.ID, errors.New("connection reset"), nextAttempt))

	got, err := repo.GetItem(context.Background(), "repo-owner", item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "connection reset", got.LastError)
	assert.WithinDuration(t, nextAttempt, got.ScheduledFor, time.Second)
}

func TestRepository_MarkRateLimited_KeepsAttempts(t *testing.T) {
	repo := newRepository()
	item := insertItem(t, repo)

	claimed, err := repo.TryClaim(context.Background(), item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	retryAt := time.Now().UTC().Add(30 * time.Minute)
	require.NoError(t, repo.MarkRateLimited(context.Background(), item.ID, retryAt))

	got, err := repo.GetItem(context.Background(), "repo-owner", item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRateLimited, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.WithinDuration(t, retryAt, got.ScheduledFor, time.Second)
}

func TestRepository_DeferRateLimited(t *testing.T) {
	repo := newRepository()

	t.Run("pending item", func(t *testing.T) {
		item := insertItem(t, repo)
		retryAt := time.Now().UTC().Add(time.Hour)

		deferred, err := repo.DeferRateLimited(context.Background(), item.ID, retryAt)
		require.NoError(t, err)
		assert.True(t, deferred)
		assert.Equal(t, domain.StateRateLimited, itemState(t, item.ID))
	})

	t.Run("processing item", func(t *testing.T) {
		// Claimed by another dispatcher between fetch and the local
		// denial: the deferral must lose, not yank the item mid-post.
		item := insertItem(t, repo, func(i *domain.QueueItem) {
			i.State = domain.StateProcessing
		})

		deferred, err := repo.DeferRateLimited(context.Background(), item.ID, time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, deferred)
		assert.Equal(t, domain.StateProcessing, itemState(t, item.ID))
	})
}

func TestRepository_MarkFailed(t *testing.T) {
	repo := newRepository()
	item := insertItem(t, repo)

	claimed, err := repo.TryClaim(context.Background(), item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, repo.MarkFailed(context.Background(), item.ID, errors.New("account suspended"), false))

	got, err := repo.GetItem(context.Background(), "repo-owner", item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, "account suspended", got.LastError)
	assert.Equal(t, 0, got.Attempts)
}

func TestRepository_MarkFailed_CountsFinalAttempt(t *testing.T) {
	repo := newRepository()
	item := insertItem(t, repo, func(i *domain.QueueItem) {
		i.Attempts = 2
	})

	claimed, err := repo.TryClaim(context.Background(), item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, repo.MarkFailed(context.Background(), item.ID, errors.New("max attempts exceeded"), true))

	got, err := repo.GetItem(context.Background(), "repo-owner", item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, got.MaxAttempts, got.Attempts)
}

func TestRepository_Cancel(t *testing.T) {
	repo := newRepository()

	t.Run("pending item", func(t *testing.T) {
		item := insertItem(t, repo)
		require.NoError(t, repo.Cancel(context.Background(), "repo-owner", item.ID))
		assert.Equal(t, domain.StateCancelled, itemState(t, item.ID))
	})

	t.Run("missing item", func(t *testing.T) {
		err := repo.Cancel(context.Background(), "repo-owner", uuid.NewString())
		assert.ErrorIs(t, err, queue.ErrItemNotFound)
	})

	t.Run("processing item", func(t *testing.T) {
		item := insertItem(t, repo, func(i *domain.QueueItem) {
			i.State = domain.StateProcessing
		})
		err := repo.Cancel(context.Background(), "repo-owner", item.ID)
		assert.ErrorIs(t, err, queue.ErrNotCancellable)
	})

	t.Run("other owner", func(t *testing.T) {
		item := insertItem(t, repo)
		err := repo.Cancel(context.Background(), "someone-else", item.ID)
		assert.ErrorIs(t, err, queue.ErrItemNotFound)
	})
}

func TestRepository_ReclaimStale(t *testing.T) {
	cleanQueue(t)
	repo := newRepository()

	stale := insertItem(t, repo, func(i *domain.QueueItem) {
		i.State = domain.StateProcessing
	})
	fresh := insertItem(t, repo, func(i *domain.QueueItem) {
		i.State = domain.StateProcessing
	})

	// Age the stale claim past the cutoff.
	_, err := testDB.Exec(context.Background(),
		"UPDATE queue_items SET updated_at = now() - interval '1 hour' WHERE id = $1", stale.ID)
	require.NoError(t, err)

	n, err := repo.ReclaimStale(context.Background(), time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, domain.StatePending, itemState(t, stale.ID))
	assert.Equal(t, domain.StateProcessing, itemState(t, fresh.ID))
}

func TestRepository_GetStats_OwnerScoped(t *testing.T) {
	cleanQueue(t)
	repo := newRepository()

	insertItem(t, repo, func(i *domain.QueueItem) { i.OwnerID = "stats-a" })
	insertItem(t, repo, func(i *domain.QueueItem) { i.OwnerID = "stats-a"; i.State = domain.StatePosted })
	insertItem(t, repo, func(i *domain.QueueItem) { i.OwnerID = "stats-b" })

	stats, err := repo.GetStats(context.Background(), "stats-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Posted)
	assert.Equal(t, int64(2), stats.Total)

	// Empty owner counts everything.
	all, err := repo.GetStats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Total)
}

func TestRepository_InsertBatch(t *testing.T) {
	repo := newRepository()
	now := time.Now().UTC()

	items := make([]*domain.QueueItem, 3)
	for i := range items {
		items[i] = &domain.QueueItem{
			ID:              uuid.NewString(),
			OwnerID:         "batch-owner",
			TargetAccountID: "acc-1",
			Platform:        domain.PlatformInstagram,
			ContentType:     domain.ContentTypePost,
			Payload:         []byte(`{"caption":"batch"}`),
			ScheduledFor:    now,
			Priority:        5,
			State:           domain.StatePending,
			MaxAttempts:     3,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}

	require.NoError(t, repo.InsertBatch(context.Background(), items))

	listed, err := repo.ListRecent(context.Background(), "batch-owner", 10)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}
