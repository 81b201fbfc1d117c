package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltbridge/csms/core/command"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/status"
	"github.com/voltbridge/csms/infra/logger"
)

func newTestServer(t *testing.T, handler CallHandler) (*Server, *status.MemoryStore, *httptest.Server) {
	t.Helper()
	statuses := status.NewMemoryStore()
	srv, err := NewServer(Config{}, statuses, handler, logger.NopLogger{})
	require.NoError(t, err)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, statuses, hs
}

func dialStation(t *testing.T, hs *httptest.Server, chargeBoxID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ocpp/" + chargeBoxID
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitConnected(t *testing.T, srv *Server, chargeBoxID string) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Connected(chargeBoxID) },
		time.Second, 5*time.Millisecond)
}

func cpRef(id string) model.ChargePointRef {
	return model.ChargePointRef{ChargeBoxID: id, Transport: model.TransportWebsocket}
}

func TestStationRoundTrip(t *testing.T) {
	srv, statuses, hs := newTestServer(t, nil)
	station := dialStation(t, hs, "CP1")
	waitConnected(t, srv, "CP1")

	online, err := statuses.IsOnline(context.Background(), "CP1")
	require.NoError(t, err)
	assert.True(t, online)

	results := make(chan command.Result, 1)
	req := command.Request{ID: "m1", Action: command.ActionRemoteStart,
		Payload: command.RemoteStartPayload{IDTag: "TAG1", ConnectorID: 1}}
	require.NoError(t, srv.Send(context.Background(), cpRef("CP1"), req, func(r command.Result) { results <- r }))

	_, data, err := station.ReadMessage()
	require.NoError(t, err)
	f, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, msgCall, f.kind)
	assert.Equal(t, "m1", f.id)
	assert.Equal(t, command.ActionRemoteStart, f.action)

	require.NoError(t, station.WriteMessage(websocket.TextMessage,
		[]byte(`[3,"m1",{"status":"Accepted"}]`)))

	select {
	case r := <-results:
		assert.Equal(t, "Accepted", r.Status)
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
}

func TestCallErrorDelivered(t *testing.T) {
	srv, _, hs := newTestServer(t, nil)
	station := dialStation(t, hs, "CP1")
	waitConnected(t, srv, "CP1")

	results := make(chan command.Result, 1)
	req := command.Request{ID: "m2", Action: command.ActionRemoteStop}
	require.NoError(t, srv.Send(context.Background(), cpRef("CP1"), req, func(r command.Result) { results <- r }))

	_, _, err := station.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, station.WriteMessage(websocket.TextMessage,
		[]byte(`[4,"m2","NotSupported","no remote stop",{}]`)))

	select {
	case r := <-results:
		assert.Equal(t, "NotSupported", r.ErrorCode)
		assert.Equal(t, "no remote stop", r.ErrorDescription)
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
}

func TestSendToUnknownStation(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	err := srv.Send(context.Background(), cpRef("GHOST"),
		command.Request{ID: "m3", Action: command.ActionUnlock}, func(command.Result) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, command.ErrUnknownChargePoint)
}

func TestStationCallRoutedToHandler(t *testing.T) {
	handler := func(_ context.Context, chargeBoxID, action string, payload json.RawMessage) (any, error) {
		assert.Equal(t, "CP1", chargeBoxID)
		assert.Equal(t, "Heartbeat", action)
		return map[string]string{"currentTime": "2026-03-09T18:00:00Z"}, nil
	}
	srv, _, hs := newTestServer(t, handler)
	station := dialStation(t, hs, "CP1")
	waitConnected(t, srv, "CP1")

	require.NoError(t, station.WriteMessage(websocket.TextMessage, []byte(`[2,"h1","Heartbeat",{}]`)))
	_, data, err := station.ReadMessage()
	require.NoError(t, err)
	f, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, msgCallResult, f.kind)
	assert.Equal(t, "h1", f.id)
	assert.Contains(t, string(f.payload), "currentTime")
}

func TestStationCallWithoutHandler(t *testing.T) {
	srv, _, hs := newTestServer(t, nil)
	station := dialStation(t, hs, "CP1")
	waitConnected(t, srv, "CP1")

	require.NoError(t, station.WriteMessage(websocket.TextMessage, []byte(`[2,"h2","Heartbeat",{}]`)))
	_, data, err := station.ReadMessage()
	require.NoError(t, err)
	f, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, msgCallError, f.kind)
	assert.Equal(t, "NotImplemented", f.errCode)
}

func TestDisconnectMarksOffline(t *testing.T) {
	srv, statuses, hs := newTestServer(t, nil)
	station := dialStation(t, hs, "CP1")
	waitConnected(t, srv, "CP1")

	station.Close()
	require.Eventually(t, func() bool {
		online, err := statuses.IsOnline(context.Background(), "CP1")
		return err == nil && !online
	}, time.Second, 5*time.Millisecond)
	assert.False(t, srv.Connected("CP1"))
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	cases := []string{
		`{"not":"an array"}`,
		`[2,"id"]`,
		`[9,"id",{}]`,
		`[4,"id","code"]`,
	}
	for _, c := range cases {
		_, err := decodeFrame([]byte(c))
		assert.Error(t, err, c)
	}
}
