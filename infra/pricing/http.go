package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voltbridge/csms/core/logger"
	"github.com/voltbridge/csms/core/model"
	corepricing "github.com/voltbridge/csms/core/pricing"
)

// Config holds the tariff service settings.
type Config struct {
	BaseURL   string `json:"base_url"`
	TimeoutMS int    `json:"timeout_ms"`
}

// HTTPSource fetches tariff windows from the tariff service.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	log     logger.Logger
}

// NewHTTPSource returns an HTTP backed pricing source.
func NewHTTPSource(cfg Config, log logger.Logger) *HTTPSource {
	timeout := 5 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &HTTPSource{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

type tariffDTO struct {
	Start    string  `json:"start"`
	End      string  `json:"end"`
	UnitFare float64 `json:"unit_fare"`
}

// Tariffs returns the windows configured for the station. An empty table is an
// error so billing never accrues at a zero fare.
func (s *HTTPSource) Tariffs(ctx context.Context, chargeBoxID string) ([]model.TariffWindow, error) {
	url := fmt.Sprintf("%s/tariffs/%s", s.baseURL, chargeBoxID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tariffs for %s: %w", chargeBoxID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w for %s", corepricing.ErrNoTariff, chargeBoxID)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tariff service returned %d for %s", resp.StatusCode, chargeBoxID)
	}
	var dtos []tariffDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("decode tariffs: %w", err)
	}
	if len(dtos) == 0 {
		return nil, fmt.Errorf("%w for %s", corepricing.ErrNoTariff, chargeBoxID)
	}
	windows := make([]model.TariffWindow, 0, len(dtos))
	for _, d := range dtos {
		start, err := model.ParseTimeOfDay(d.Start)
		if err != nil {
			return nil, err
		}
		end, err := model.ParseTimeOfDay(d.End)
		if err != nil {
			return nil, err
		}
		windows = append(windows, model.TariffWindow{Start: start, End: end, UnitFare: d.UnitFare})
	}
	return windows, nil
}

var _ corepricing.Source = (*HTTPSource)(nil)
