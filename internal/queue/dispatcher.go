package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hypeloop/postflow/internal/domain"
)

// DispatcherConfig contains dispatch loop configuration.
type DispatcherConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	NumWorkers        int
	PostTimeout       time.Duration
	ProcessingTimeout time.Duration
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:         100,
		PollInterval:      5 * time.Second,
		NumWorkers:        5,
		PostTimeout:       60 * time.Second,
		ProcessingTimeout: 10 * time.Minute,
	}
}

// Dispatcher pulls due items from the store, admits them through the
// rate limiter, claims them and hands them to the platform posters.
// Posts run on a bounded worker pool; posts for the same target account
// are serialized through per-account locks.
type Dispatcher struct {
	config  DispatcherConfig
	store   Store
	limiter *RateLimiter
	retry   RetryPolicy
	posters *Registry
	events  EventPublisher

	accountLocks *keyedMutex
	sem          chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config DispatcherConfig, store Store, limiter *RateLimiter, retry RetryPolicy, posters *Registry, events EventPublisher) *Dispatcher {
	if events == nil {
		events = LogPublisher{}
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	return &Dispatcher{
		config:       config,
		store:        store,
		limiter:      limiter,
		retry:        retry,
		posters:      posters,
		events:       events,
		accountLocks: newKeyedMutex(),
		sem:          make(chan struct{}, config.NumWorkers),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// Start launches the dispatch and reclaim loops.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("starting dispatcher",
		"batch_size", d.config.BatchSize,
		"poll_interval", d.config.PollInterval,
		"workers", d.config.NumWorkers,
	)

	d.wg.Add(2)
	go d.run(ctx)
	go d.runReclaim(ctx)
}

// Stop gracefully stops the dispatcher, waiting for in-flight posts.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	slog.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) runReclaim(ctx context.Context) {
	defer d.wg.Done()

	interval := d.config.ProcessingTimeout
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			cutoff := d.now().Add(-d.config.ProcessingTimeout)
			n, err := d.store.ReclaimStale(ctx, cutoff)
			if err != nil {
				slog.Error("failed to reclaim stale items", "error", err)
				continue
			}
			if n > 0 {
				staleReclaimed.Add(float64(n))
				slog.Warn("reclaimed stale processing items", "count", n)
			}
		}
	}
}

// tick processes one bounded batch of due items.
func (d *Dispatcher) tick(ctx context.Context) {
	now := d.now()

	items, err := d.store.FetchDue(ctx, now, d.config.BatchSize)
	if err != nil {
		slog.Error("failed to fetch due items", "error", err)
		return
	}

	if len(items) == 0 {
		return
	}

	slog.Debug("dispatching due items", "count", len(items))
	recordFetched(len(items))

	var batch sync.WaitGroup
	for _, item := range items {
		if !d.admit(ctx, item) {
			continue
		}

		select {
		case d.sem <- struct{}{}:
		case <-d.stopCh:
			// Shutting down: the claimed item stays in processing and
			// the reclaim loop of another instance picks it up.
			d.limiter.Release(item.TargetAccountID, item.Platform)
			batch.Wait()
			return
		}

		batch.Add(1)
		go func(item *domain.QueueItem) {
			defer batch.Done()
			defer func() { <-d.sem }()
			d.post(ctx, item)
		}(item)
	}

	batch.Wait()
}

// admit runs the rate-limit check and the claim for one item. Returns
// true when the caller should go on to post it.
func (d *Dispatcher) admit(ctx context.Context, item *domain.QueueItem) bool {
	decision := d.limiter.Reserve(item.TargetAccountID, item.Platform)
	if !decision.Allowed {
		recordRateLimitDenial(string(item.Platform), "local")

		retryAt := d.now().Add(decision.RetryAfter)
		deferred, err := d.store.DeferRateLimited(ctx, item.ID, retryAt)
		if err != nil {
			slog.Error("failed to defer rate_limited item", "item_id", item.ID, "error", err)
			return false
		}
		if !deferred {
			// The item left the dispatchable states between fetch and
			// the denial: another dispatcher claimed it, or it was
			// cancelled. Leave it to its new owner.
			claimConflicts.Inc()
			return false
		}

		d.publish(ctx, item, item.State, domain.StateRateLimited, "rate limit window exhausted")
		return false
	}

	claimed, err := d.store.TryClaim(ctx, item.ID)
	if err != nil {
		slog.Error("failed to claim item", "item_id", item.ID, "error", err)
		d.limiter.Release(item.TargetAccountID, item.Platform)
		return false
	}
	if !claimed {
		// Lost the race to a concurrent dispatcher, or the item was
		// cancelled between fetch and claim. Not an error.
		claimConflicts.Inc()
		d.limiter.Release(item.TargetAccountID, item.Platform)
		return false
	}

	d.publish(ctx, item, item.State, domain.StateProcessing, "claimed")
	return true
}

// post runs the Poster for a claimed item and records the outcome.
func (d *Dispatcher) post(ctx context.Context, item *domain.QueueItem) {
	unlock := d.accountLocks.Lock(item.TargetAccountID)
	defer unlock()

	poster, ok := d.posters.Get(item.Platform)
	if !ok {
		d.limiter.Release(item.TargetAccountID, item.Platform)
		d.fail(ctx, item, fmt.Errorf("no poster for platform %s", item.Platform), false)
		return
	}

	postCtx, cancel := context.WithTimeout(ctx, d.config.PostTimeout)
	defer cancel()

	start := d.now()
	err := poster.Post(postCtx, item)
	recordPostDuration(string(item.Platform), time.Since(start))

	if err == nil {
		d.succeed(ctx, item)
		return
	}

	// A timed-out call is a retryable failure, never a stuck item.
	if errors.Is(err, context.DeadlineExceeded) {
		err = NewRetryableError(fmt.Errorf("post timed out after %s: %w", d.config.PostTimeout, err))
	}

	d.handlePostError(ctx, item, err)
}

func (d *Dispatcher) succeed(ctx context.Context, item *domain.QueueItem) {
	postedAt := d.now()
	if err := d.store.MarkPosted(ctx, item.ID, postedAt); err != nil {
		slog.Error("failed to mark posted", "item_id", item.ID, "error", err)
	}

	recordDispatch(string(item.Platform), "posted")
	d.publish(ctx, item, domain.StateProcessing, domain.StatePosted, "")

	slog.Debug("item posted",
		"item_id", item.ID,
		"platform", item.Platform,
		"account", item.TargetAccountID,
	)
}

func (d *Dispatcher) handlePostError(ctx context.Context, item *domain.QueueItem, err error) {
	// The reservation counted a successful post that did not happen.
	d.limiter.Release(item.TargetAccountID, item.Platform)

	// Platform-side throttling is a scheduling delay, not a failed
	// attempt: the content is fine, the platform just wants us later.
	if rle, ok := asRateLimit(err); ok {
		recordRateLimitDenial(string(item.Platform), "platform")

		retryAfter := rle.RetryAfter
		if retryAfter <= 0 {
			retryAfter = d.retry.InitialBackoff
		}

		if markErr := d.store.MarkRateLimited(ctx, item.ID, d.now().Add(retryAfter)); markErr != nil {
			slog.Error("failed to mark rate_limited", "item_id", item.ID, "error", markErr)
		}
		d.publish(ctx, item, domain.StateProcessing, domain.StateRateLimited, err.Error())
		return
	}

	slog.Warn("post failed",
		"item_id", item.ID,
		"platform", item.Platform,
		"attempt", item.Attempts+1,
		"max_attempts", item.MaxAttempts,
		"error", err,
	)

	if !isRetryable(err) {
		d.fail(ctx, item, err, false)
		return
	}

	if d.retry.IsTerminal(item.Attempts+1, item.MaxAttempts) {
		// The exhausting failure still counts, so the terminal item
		// reports attempts == max_attempts.
		d.fail(ctx, item, fmt.Errorf("max attempts exceeded: %w", err), true)
		return
	}

	nextAttempt := d.now().Add(d.retry.NextDelay(item.Attempts + 1))
	if markErr := d.store.MarkForRetry(ctx, item.ID, err, nextAttempt); markErr != nil {
		slog.Error("failed to mark for retry", "item_id", item.ID, "error", markErr)
	}

	recordDispatch(string(item.Platform), "retry")
	d.publish(ctx, item, domain.StateProcessing, domain.StatePending, err.Error())

	slog.Info("item scheduled for retry",
		"item_id", item.ID,
		"next_attempt", nextAttempt,
	)
}

func (d *Dispatcher) fail(ctx context.Context, item *domain.QueueItem, cause error, finalAttempt bool) {
	if err := d.store.MarkFailed(ctx, item.ID, cause, finalAttempt); err != nil {
		slog.Error("failed to mark failed", "item_id", item.ID, "error", err)
	}

	recordDispatch(string(item.Platform), "failed")
	d.publish(ctx, item, domain.StateProcessing, domain.StateFailed, cause.Error())
}

func (d *Dispatcher) publish(ctx context.Context, item *domain.QueueItem, from, to domain.ItemState, reason string) {
	d.events.Publish(ctx, TransitionEvent{
		ItemID:  item.ID,
		OwnerID: item.OwnerID,
		From:    from,
		To:      to,
		Reason:  reason,
		At:      d.now(),
	})
}
