// Package wallet talks to the payment service: prepaid wallet balances,
// one-shot QR/UPI purchases, fee exemptions and the station catalog billing
// policy depends on.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voltbridge/csms/auth"
	"github.com/voltbridge/csms/core/billing"
	"github.com/voltbridge/csms/core/logger"
	"github.com/voltbridge/csms/core/model"
)

// Config holds the payment service settings.
type Config struct {
	BaseURL   string `json:"base_url"`
	TimeoutMS int    `json:"timeout_ms"`
	// Auth carries OAuth2 client credentials. An empty auth URL disables
	// authentication.
	Auth auth.Conf `json:"auth"`
}

// Client resolves payment accounts and station attributes over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	creds   *auth.ClientCred
	log     logger.Logger
}

// NewClient returns an HTTP backed account source.
func NewClient(cfg Config, log logger.Logger) *Client {
	timeout := 5 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	var creds *auth.ClientCred
	if cfg.Auth.AuthURL != "" {
		creds = auth.NewClientCred(cfg.Auth)
	}
	return &Client{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		creds:   creds,
		log:     log,
	}
}

type walletDTO struct {
	Balance       float64 `json:"balance"`
	SingleSession bool    `json:"single_session"`
}

type paymentDTO struct {
	Amount float64 `json:"amount"`
}

// Account resolves how the tag pays. A wallet lookup miss or failure falls
// back to a one-shot purchase lookup before giving up; the two user classes
// are disjoint, so at most one source answers.
func (c *Client) Account(ctx context.Context, idTag string) (billing.AccountInfo, error) {
	var w walletDTO
	err := c.getJSON(ctx, fmt.Sprintf("%s/wallet/%s", c.baseURL, idTag), &w)
	if err == nil {
		return billing.AccountInfo{
			Mode:          model.PayWallet,
			Balance:       w.Balance,
			SingleSession: w.SingleSession,
		}, nil
	}
	if c.log != nil {
		c.log.Debugf("wallet lookup for %s: %v, trying one-shot", idTag, err)
	}

	var p paymentDTO
	if err := c.getJSON(ctx, fmt.Sprintf("%s/payments/%s", c.baseURL, idTag), &p); err != nil {
		return billing.AccountInfo{}, fmt.Errorf("no account for %s: %w", idTag, err)
	}
	return billing.AccountInfo{Mode: model.PayOneShot, Balance: p.Amount}, nil
}

type exemptDTO struct {
	Exempt bool `json:"exempt"`
}

// FeeExempt reports whether the tag charges free at this station. A missing
// exemption record means not exempt.
func (c *Client) FeeExempt(ctx context.Context, idTag, chargeBoxID string) (bool, error) {
	var e exemptDTO
	url := fmt.Sprintf("%s/wallet/%s/exemptions/%s", c.baseURL, idTag, chargeBoxID)
	err := c.getJSON(ctx, url, &e)
	if err == errNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Exempt, nil
}

type stationDTO struct {
	FastCharger bool `json:"fast_charger"`
}

// IsFastCharger reports whether the station is a DC fast charger. Unknown
// stations are treated as AC.
func (c *Client) IsFastCharger(ctx context.Context, chargeBoxID string) (bool, error) {
	var s stationDTO
	err := c.getJSON(ctx, fmt.Sprintf("%s/stations/%s", c.baseURL, chargeBoxID), &s)
	if err == errNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.FastCharger, nil
}

var errNotFound = fmt.Errorf("not found")

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.creds != nil {
		if err := c.creds.SetAuthHeader(req); err != nil {
			return fmt.Errorf("payment service auth: %w", err)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("payment service returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var (
	_ billing.Accounts = (*Client)(nil)
	_ billing.Stations = (*Client)(nil)
)
