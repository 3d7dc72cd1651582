// Package stub provides a poster that publishes nowhere. It stands in
// for real posters in dry-run mode so items still flow through their
// full lifecycle.
package stub

import (
	"context"
	"log/slog"

	"github.com/hypeloop/postflow/internal/domain"
	"github.com/hypeloop/postflow/internal/queue"
)

// Poster always succeeds without side effects.
type Poster struct {
	platform domain.Platform
}

// New creates a stub poster for the platform.
func New(platform domain.Platform) *Poster {
	return &Poster{platform: platform}
}

// ForPlatforms creates one stub poster per platform.
func ForPlatforms(platforms ...domain.Platform) []queue.Poster {
	posters := make([]queue.Poster, len(platforms))
	for i, p := range platforms {
		posters[i] = New(p)
	}
	return posters
}

// Platform returns the platform this stub stands in for.
func (p *Poster) Platform() domain.Platform {
	return p.platform
}

// Post logs the would-be publish and succeeds.
func (p *Poster) Post(_ context.Context, item *domain.QueueItem) error {
	slog.Info("dry-run post",
		"item_id", item.ID,
		"platform", p.platform,
		"account", item.TargetAccountID,
		"content_type", item.ContentType,
	)
	return nil
}
