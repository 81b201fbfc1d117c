package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/voltbridge/csms/core/metrics"
)

func TestInfluxSink_RecordAccrual(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	ev := coremetrics.SessionAccrualEvent{
		TransactionID: 7,
		ChargeBoxID:   "CP1",
		IDTag:         "TAG1",
		EnergyKWh:     1.5,
		Amount:        17.7,
		UnitFare:      10,
		Time:          now,
	}
	if err := sink.RecordAccrual(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("session_accrual").
		AddTag("transaction_id", "7").
		AddTag("charge_box_id", "CP1").
		AddTag("component", "billing_engine").
		AddField("energy_kwh", 1.5).
		AddField("amount", 17.7).
		AddField("unit_fare", 10.0).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if strings.TrimSpace(body) != expected {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestInfluxSink_RecordCommand(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	ev := coremetrics.CommandEvent{
		ChargeBoxID: "CP1",
		Action:      "RemoteStopTransaction",
		Outcome:     "accepted",
		Latency:     time.Second,
		Time:        now,
	}
	if err := sink.RecordCommand(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("command_event").
		AddTag("charge_box_id", "CP1").
		AddTag("action", "RemoteStopTransaction").
		AddTag("outcome", "accepted").
		AddTag("component", "dispatcher").
		AddField("latency_ms", 1000.0).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if strings.TrimSpace(body) != expected {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL+"/api/v2/write", "tok", "org", "bucket")
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
