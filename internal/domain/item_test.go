package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItemState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    ItemState
		terminal bool
	}{
		{StatePending, false},
		{StateProcessing, false},
		{StateRateLimited, false},
		{StatePosted, true},
		{StateFailed, true},
		{StateCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
		})
	}
}

func TestQueueItem_CanCancel(t *testing.T) {
	tests := []struct {
		state      ItemState
		cancelable bool
	}{
		{StatePending, true},
		{StateRateLimited, true},
		{StateProcessing, false},
		{StatePosted, false},
		{StateFailed, false},
		{StateCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			item := &QueueItem{State: tt.state}
			assert.Equal(t, tt.cancelable, item.CanCancel())
		})
	}
}

func TestPlatform_IsValid(t *testing.T) {
	for _, p := range AllPlatforms {
		assert.True(t, p.IsValid(), "platform %s", p)
	}
	assert.False(t, Platform("myspace").IsValid())
	assert.False(t, Platform("").IsValid())
}

func TestContentType_IsValid(t *testing.T) {
	for _, c := range []ContentType{ContentTypePost, ContentTypeComment, ContentTypeReply, ContentTypeDM} {
		assert.True(t, c.IsValid(), "content type %s", c)
	}
	assert.False(t, ContentType("story").IsValid())
}
