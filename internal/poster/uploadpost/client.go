// Package uploadpost publishes queue items through the Upload-Post REST API.
package uploadpost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hypeloop/postflow/internal/domain"
	"github.com/hypeloop/postflow/internal/queue"
)

// Config holds Upload-Post client configuration.
type Config struct {
	Enabled        bool
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second against the API
}

// Client is a shared Upload-Post API client. One client backs the
// posters for every platform Upload-Post supports.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new Upload-Post client.
// Returns error if enabled but required config is missing.
func NewClient(config Config) (*Client, error) {
	if config.Enabled {
		if config.APIKey == "" {
			return nil, errors.New("upload-post client: API key is required when enabled")
		}
		if config.BaseURL == "" {
			return nil, errors.New("upload-post client: base URL is required when enabled")
		}
	}

	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}

	limit := rate.Limit(config.RateLimit)
	if config.RateLimit <= 0 {
		limit = rate.Inf
	}

	slog.Info("upload-post client configured",
		"enabled", config.Enabled,
		"base_url", config.BaseURL,
		"rate_limit", config.RateLimit,
	)

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

// Posters returns one poster per platform, all sharing this client.
func (c *Client) Posters(platforms ...domain.Platform) []queue.Poster {
	posters := make([]queue.Poster, len(platforms))
	for i, p := range platforms {
		posters[i] = &platformPoster{client: c, platform: p}
	}
	return posters
}

type platformPoster struct {
	client   *Client
	platform domain.Platform
}

func (p *platformPoster) Platform() domain.Platform {
	return p.platform
}

func (p *platformPoster) Post(ctx context.Context, item *domain.QueueItem) error {
	return p.client.post(ctx, p.platform, item)
}

// uploadRequest is the Upload-Post publish payload. The item payload is
// passed through untouched: Upload-Post owns its interpretation.
type uploadRequest struct {
	User        string          `json:"user"`
	Platform    []string        `json:"platform"`
	ContentType string          `json:"content_type"`
	Content     json.RawMessage `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) post(ctx context.Context, platform domain.Platform, item *domain.QueueItem) error {
	if !c.config.Enabled {
		slog.Debug("upload-post client disabled, skipping",
			"item_id", item.ID,
			"platform", platform,
		)
		return nil
	}

	// Pace requests against the shared API quota.
	if err := c.limiter.Wait(ctx); err != nil {
		return queue.NewRetryableError(fmt.Errorf("rate limiter wait: %w", err))
	}

	body, err := json.Marshal(uploadRequest{
		User:        item.TargetAccountID,
		Platform:    []string{string(platform)},
		ContentType: string(item.ContentType),
		Content:     item.Payload,
	})
	if err != nil {
		return queue.NewFatalError(fmt.Errorf("encode upload request: %w", err))
	}

	url := c.config.BaseURL + "/api/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return queue.NewFatalError(fmt.Errorf("build upload request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Apikey "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return queue.NewRetryableError(fmt.Errorf("upload-post request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return c.classify(resp, item)
}

// classify maps Upload-Post HTTP responses to the queue error taxonomy.
func (c *Client) classify(resp *http.Response, item *domain.QueueItem) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	reason := readAPIError(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &queue.RateLimitError{RetryAfter: retryAfter(resp)}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return queue.NewFatalError(fmt.Errorf("upload-post rejected credentials for account %s: %s", item.TargetAccountID, reason))

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return queue.NewFatalError(fmt.Errorf("upload-post rejected content: %s", reason))

	case resp.StatusCode >= 500:
		return queue.NewRetryableError(fmt.Errorf("upload-post server error %d: %s", resp.StatusCode, reason))

	default:
		return queue.NewRetryableError(fmt.Errorf("upload-post unexpected status %d: %s", resp.StatusCode, reason))
	}
}

// retryAfter parses the Retry-After header, defaulting to one minute.
func retryAfter(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return time.Minute
}

func readAPIError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}

	var parsed apiError
	if err := json.Unmarshal(data, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return string(data)
}
