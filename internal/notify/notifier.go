package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/driftline/uploadd/pkg/config"
	"github.com/driftline/uploadd/pkg/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// Notifier delivers completion events to the metadata collaborator. Delivery
// is at-least-once; the receiving side must tolerate duplicates.
type Notifier interface {
	Notify(ctx context.Context, event *types.CompletionEvent) error
}

// HTTPNotifier posts completion events as JSON to a sidecar endpoint,
// retrying transient failures with backoff.
type HTTPNotifier struct {
	endpoint string
	client   *retryablehttp.Client
}

// NewHTTPNotifier creates a notifier for the configured endpoint
func NewHTTPNotifier(cfg *config.NotifyConfig) *HTTPNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil

	return &HTTPNotifier{
		endpoint: cfg.Endpoint,
		client:   client,
	}
}

// Notify posts the completion event to the metadata endpoint
func (n *HTTPNotifier) Notify(ctx context.Context, event *types.CompletionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver completion event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("metadata endpoint rejected event: %s", resp.Status)
	}

	log.Info().
		Str("session_id", event.SessionID.String()).
		Str("storage_handle", event.StorageHandle).
		Msg("completion event delivered")

	return nil
}

// NoopNotifier discards events. Used when no metadata endpoint is configured.
type NoopNotifier struct{}

// Notify drops the event after logging it
func (NoopNotifier) Notify(ctx context.Context, event *types.CompletionEvent) error {
	log.Debug().
		Str("session_id", event.SessionID.String()).
		Msg("no metadata endpoint configured, completion event dropped")
	return nil
}

// FromConfig picks the notifier implementation for the configuration
func FromConfig(cfg *config.NotifyConfig) Notifier {
	if cfg.Endpoint == "" {
		return NoopNotifier{}
	}
	return NewHTTPNotifier(cfg)
}
