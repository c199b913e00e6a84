package generation

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
	"strings"
	"time"

	"github.com/l0p7/tourvista/internal/metrics"
)

// ErrBackend wraps every failure to obtain generated content.
var ErrBackend = errors.New("generation: backend failed")

// Kind names a generation endpoint.
type Kind string

const (
	KindLandmarkInfo Kind = "landmark-info"
	KindNarrate      Kind = "narrate"
	KindTimeline     Kind = "timeline"
	KindItinerary    Kind = "itinerary"
	KindNearbyPlaces Kind = "nearby-places"
	KindChat         Kind = "chat"
	KindPostcard     Kind = "postcard"
	KindLanguages    Kind = "languages"
)

// Payload is the generated result. Audio carries base64 speech for narration.
type Payload struct {
	Text  string `json:"text"`
	Audio string `json:"audio,omitempty"`
}

// Backend produces generated content for a kind and its parameters.
type Backend interface {
	Generate(ctx context.Context, kind Kind, params map[string]any) (Payload, error)
}

// Config describes the HTTP generation service.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// Client posts JSON to {BaseURL}/{kind} and retries on 429 and 5xx.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

var _ Backend = (*Client)(nil)

var sleepFn = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func NewClient(cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("agent", "generation")),
		metrics:    rec,
	}
}

func (c *Client) Generate(ctx context.Context, kind Kind, params map[string]any) (Payload, error) {
	start := time.Now()
	payload, err := c.generate(ctx, kind, params)
	c.metrics.ObserveRemote("generation."+string(kind), err, time.Since(start))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %s: %w", ErrBackend, kind, err)
	}
	return payload, nil
}

func (c *Client) generate(ctx context.Context, kind Kind, params map[string]any) (Payload, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return Payload{}, err
	}
	endpoint := c.baseURL + "/" + string(kind)
	c.logger.Debug("generation request", slog.String("url", endpoint))

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return Payload{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return Payload{}, ctx.Err()
			}
			lastErr = err
			if attempt < c.maxRetries {
				if err := sleepFn(ctx, backoff(attempt)); err != nil {
					return Payload{}, err
				}
				continue
			}
			return Payload{}, err
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries {
				if err := sleepFn(ctx, backoff(attempt)); err != nil {
					return Payload{}, err
				}
				continue
			}
			return Payload{}, err
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			if attempt < c.maxRetries {
				wait := backoff(attempt)
				if resp.StatusCode == http.StatusTooManyRequests {
					if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
						if secs, err := strconv.Atoi(ra); err == nil {
							wait = time.Duration(secs) * time.Second
						}
					}
				}
				c.logger.Warn("generation retry",
					slog.String("kind", string(kind)),
					slog.Int("attempt", attempt+1),
					slog.Int("status", resp.StatusCode),
				)
				if err := sleepFn(ctx, wait); err != nil {
					return Payload{}, err
				}
				continue
			}
			return Payload{}, lastErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Payload{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}

		var out Payload
		if err := json.Unmarshal(data, &out); err != nil {
			return Payload{}, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = errors.New("request failed")
	}
	return Payload{}, lastErr
}

// StripCodeFence removes a surrounding markdown code block, if any.
func StripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.Index(trimmed, "\n"); idx != -1 {
			trimmed = trimmed[idx+1:]
		}
		if end := strings.LastIndex(trimmed, "```"); end != -1 {
			trimmed = trimmed[:end]
		}
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Second << attempt
}
