// Package domain contains core domain entities.
package domain

import (
	"encoding/json"
	"time"
)

// ItemState represents the lifecycle state of a queue item.
type ItemState string

// Queue item states.
const (
	StatePending     ItemState = "pending"
	StateProcessing  ItemState = "processing"
	StatePosted      ItemState = "posted"
	StateFailed      ItemState = "failed"
	StateRateLimited ItemState = "rate_limited"
	StateCancelled   ItemState = "cancelled"
)

// IsTerminal reports whether no further transition may occur from the state.
func (s ItemState) IsTerminal() bool {
	switch s {
	case StatePosted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsValid reports whether the state is a known state.
func (s ItemState) IsValid() bool {
	switch s {
	case StatePending, StateProcessing, StatePosted, StateFailed, StateRateLimited, StateCancelled:
		return true
	}
	return false
}

// ContentType represents the kind of content a queue item carries.
type ContentType string

// Content types.
const (
	ContentTypePost    ContentType = "post"
	ContentTypeComment ContentType = "comment"
	ContentTypeReply   ContentType = "reply"
	ContentTypeDM      ContentType = "dm"
)

// IsValid reports whether the content type is known.
func (c ContentType) IsValid() bool {
	switch c {
	case ContentTypePost, ContentTypeComment, ContentTypeReply, ContentTypeDM:
		return true
	}
	return false
}

// Priority bounds for queue items.
const (
	MinPriority = 1
	MaxPriority = 10
)

// QueueItem is one scheduled unit of content to be published to one
// social account. The payload is opaque to the queue: the platform
// poster is the only component that interprets it.
type QueueItem struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	TargetAccountID string          `json:"target_account_id"`
	Platform        Platform        `json:"platform"`
	ContentType     ContentType     `json:"content_type"`
	Payload         json.RawMessage `json:"payload"`
	ScheduledFor    time.Time       `json:"scheduled_for"`
	Priority        int             `json:"priority"`
	State           ItemState       `json:"state"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	LastError       string          `json:"last_error,omitempty"`
	PostedAt        *time.Time      `json:"posted_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CanCancel reports whether the item may still be cancelled by an
// operator. In-flight items run to completion and terminal items stay
// terminal.
func (i *QueueItem) CanCancel() bool {
	return i.State == StatePending || i.State == StateRateLimited
}
