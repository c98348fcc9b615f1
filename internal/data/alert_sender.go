package data

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"CostGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// HTTPAlertSender posts pre-rendered alert payloads to the configured alert
// endpoint. It performs exactly one delivery attempt per call; retry policy
// belongs to the dispatcher.
type HTTPAlertSender struct {
	endpoint string
	client   *http.Client
	logger   *log.Helper
}

// NewHTTPAlertSender creates an alert sender from alert configuration.
// An empty endpoint URL produces an unconfigured sender; the dispatcher
// short-circuits on it and enqueueing is unaffected.
func NewHTTPAlertSender(c *conf.Alert, logger log.Logger) *HTTPAlertSender {
	timeout := 10 * time.Second
	endpoint := ""
	if c != nil {
		if c.Timeout > 0 {
			timeout = c.Timeout
		}
		endpoint = c.EndpointURL
	}
	return &HTTPAlertSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   log.NewHelper(log.With(logger, "module", "data/alert-sender")),
	}
}

// Configured reports whether an alert endpoint is set.
func (s *HTTPAlertSender) Configured() bool {
	return s.endpoint != ""
}

// Send posts the payload as a JSON body. Any non-2xx response is a delivery
// failure for the dispatcher to retry.
func (s *HTTPAlertSender) Send(ctx context.Context, payload []byte) error {
	if s.endpoint == "" {
		return fmt.Errorf("alert endpoint is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a bounded amount of the body for diagnostics
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alert endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	s.logger.Debugw("alert delivered", "status", resp.StatusCode)
	return nil
}
