package wallet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltbridge/csms/auth"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/infra/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL}, logger.NopLogger{})
}

func TestAccountWalletUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wallet/TAG1", r.URL.Path)
		w.Write([]byte(`{"balance":250.5,"single_session":true}`))
	})
	info, err := c.Account(context.Background(), "TAG1")
	require.NoError(t, err)
	assert.Equal(t, model.PayWallet, info.Mode)
	assert.Equal(t, 250.5, info.Balance)
	assert.True(t, info.SingleSession)
}

func TestAccountFallsBackToOneShot(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wallet/TAG1":
			http.NotFound(w, r)
		case "/payments/TAG1":
			w.Write([]byte(`{"amount":50}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	info, err := c.Account(context.Background(), "TAG1")
	require.NoError(t, err)
	assert.Equal(t, model.PayOneShot, info.Mode)
	assert.Equal(t, 50.0, info.Balance)
}

func TestAccountUnknownTag(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := c.Account(context.Background(), "GHOST")
	require.Error(t, err)
}

func TestFeeExempt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/wallet/TAG1/exemptions/CP1" {
			w.Write([]byte(`{"exempt":true}`))
			return
		}
		http.NotFound(w, r)
	})
	exempt, err := c.FeeExempt(context.Background(), "TAG1", "CP1")
	require.NoError(t, err)
	assert.True(t, exempt)

	exempt, err = c.FeeExempt(context.Background(), "TAG1", "CP2")
	require.NoError(t, err)
	assert.False(t, exempt)
}

func TestAuthenticatedRequests(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"token123","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(tokens.Close)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token123", r.Header.Get("Authorization"))
		w.Write([]byte(`{"balance":10}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL: srv.URL,
		Auth:    auth.Conf{ClientID: "id", ClientSecret: "secret", AuthURL: tokens.URL},
	}, logger.NopLogger{})
	info, err := c.Account(context.Background(), "TAG1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, info.Balance)
}

func TestIsFastCharger(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stations/DC1" {
			w.Write([]byte(`{"fast_charger":true}`))
			return
		}
		http.NotFound(w, r)
	})
	fast, err := c.IsFastCharger(context.Background(), "DC1")
	require.NoError(t, err)
	assert.True(t, fast)

	fast, err = c.IsFastCharger(context.Background(), "AC1")
	require.NoError(t, err)
	assert.False(t, fast)
}
