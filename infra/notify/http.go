package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voltbridge/csms/core/logger"
	corenotify "github.com/voltbridge/csms/core/notify"
)

// Config holds the notification service settings.
type Config struct {
	BaseURL   string `json:"base_url"`
	TimeoutMS int    `json:"timeout_ms"`
}

// HTTPSink posts notifications to the push gateway. An empty base URL
// disables delivery.
type HTTPSink struct {
	baseURL string
	client  *http.Client
	log     logger.Logger
}

func NewHTTPSink(cfg Config, log logger.Logger) *HTTPSink {
	timeout := 5 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &HTTPSink{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (s *HTTPSink) Send(ctx context.Context, n corenotify.Notification) error {
	if s.baseURL == "" {
		s.log.Debugf("notify sink disabled, dropping %q for %s", n.Title, n.IDTag)
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/notify", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warnf("notify request failed for %s: %v", n.IDTag, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warnf("notify service returned %d for %s", resp.StatusCode, n.IDTag)
		return fmt.Errorf("notify service returned %d", resp.StatusCode)
	}
	return nil
}

var _ corenotify.Sink = (*HTTPSink)(nil)
