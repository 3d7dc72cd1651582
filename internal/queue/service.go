package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hypeloop/postflow/internal/domain"
)

// scheduleGrace tolerates clock skew between producers and the queue
// when validating scheduled_for.
const scheduleGrace = time.Minute

// maxBatchSize caps one bulk enqueue request. Campaigns larger than
// this enqueue in several requests.
const maxBatchSize = 1000

// defaultListLimit bounds ListRecent when the caller does not ask for a
// specific limit.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// EnqueueInput is the producer-facing payload for one new item.
type EnqueueInput struct {
	TargetAccountID string
	Platform        domain.Platform
	ContentType     domain.ContentType
	Payload         json.RawMessage
	ScheduledFor    *time.Time
	Priority        int
	MaxAttempts     int
}

// Service exposes the producer and status-query surface of the queue.
type Service struct {
	store  Store
	events EventPublisher
	retry  RetryPolicy

	now func() time.Time
}

// NewService creates a queue service.
func NewService(store Store, events EventPublisher, retry RetryPolicy) *Service {
	if events == nil {
		events = LogPublisher{}
	}
	return &Service{
		store:  store,
		events: events,
		retry:  retry,
		now:    time.Now,
	}
}

// Enqueue validates and persists one new pending item.
func (s *Service) Enqueue(ctx context.Context, ownerID string, input EnqueueInput) (*domain.QueueItem, error) {
	item, err := s.buildItem(ownerID, input)
	if err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}

	s.events.Publish(ctx, TransitionEvent{
		ItemID:  item.ID,
		OwnerID: item.OwnerID,
		To:      domain.StatePending,
		Reason:  "enqueued",
		At:      s.now(),
	})

	return item, nil
}

// EnqueueBatch validates and persists many items in one round trip.
// Validation is all-or-nothing: one bad input rejects the whole batch.
func (s *Service) EnqueueBatch(ctx context.Context, ownerID string, inputs []EnqueueInput) ([]*domain.QueueItem, error) {
	if len(inputs) > maxBatchSize {
		return nil, fmt.Errorf("%w: %d items, max %d", ErrBatchTooLarge, len(inputs), maxBatchSize)
	}

	items := make([]*domain.QueueItem, 0, len(inputs))
	for i, input := range inputs {
		item, err := s.buildItem(ownerID, input)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}

	if err := s.store.InsertBatch(ctx, items); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	for _, item := range items {
		s.events.Publish(ctx, TransitionEvent{
			ItemID:  item.ID,
			OwnerID: item.OwnerID,
			To:      domain.StatePending,
			Reason:  "enqueued",
			At:      s.now(),
		})
	}

	return items, nil
}

func (s *Service) buildItem(ownerID string, input EnqueueInput) (*domain.QueueItem, error) {
	if !input.Platform.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlatform, input.Platform)
	}
	if !input.ContentType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContentType, input.ContentType)
	}
	if len(input.Payload) == 0 {
		return nil, ErrEmptyPayload
	}

	priority := input.Priority
	if priority == 0 {
		priority = 5
	}
	if priority < domain.MinPriority || priority > domain.MaxPriority {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPriority, priority)
	}

	now := s.now()
	scheduledFor := now
	if input.ScheduledFor != nil {
		if input.ScheduledFor.Before(now.Add(-scheduleGrace)) {
			return nil, ErrInvalidSchedule
		}
		scheduledFor = *input.ScheduledFor
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.retry.MaxAttempts
	}

	return &domain.QueueItem{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		TargetAccountID: input.TargetAccountID,
		Platform:        input.Platform,
		ContentType:     input.ContentType,
		Payload:         input.Payload,
		ScheduledFor:    scheduledFor,
		Priority:        priority,
		State:           domain.StatePending,
		Attempts:        0,
		MaxAttempts:     maxAttempts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Cancel moves a pending/rate_limited item to cancelled.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) error {
	item, err := s.store.GetItem(ctx, ownerID, id)
	if err != nil {
		return err
	}

	if err := s.store.Cancel(ctx, ownerID, id); err != nil {
		return err
	}

	s.events.Publish(ctx, TransitionEvent{
		ItemID:  id,
		OwnerID: ownerID,
		From:    item.State,
		To:      domain.StateCancelled,
		Reason:  "cancelled by operator",
		At:      s.now(),
	})
	return nil
}

// GetItem returns one item scoped to its owner.
func (s *Service) GetItem(ctx context.Context, ownerID, id string) (*domain.QueueItem, error) {
	return s.store.GetItem(ctx, ownerID, id)
}

// Stats returns per-state item counts for one owner, straight from the
// store so dashboards always see authoritative state.
func (s *Service) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	return s.store.GetStats(ctx, ownerID)
}

// ListRecent returns the owner's most recently created items.
func (s *Service) ListRecent(ctx context.Context, ownerID string, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListRecent(ctx, ownerID, limit)
}
