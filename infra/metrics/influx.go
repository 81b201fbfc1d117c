package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/voltbridge/csms/core/metrics"
	"github.com/voltbridge/csms/infra/logger"
)

// InfluxSink writes session events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordAccrual writes one billing accrual as a line protocol point.
func (s *InfluxSink) RecordAccrual(ev coremetrics.SessionAccrualEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("session_accrual").
		AddTag("transaction_id", strconv.Itoa(ev.TransactionID)).
		AddTag("charge_box_id", ev.ChargeBoxID).
		AddTag("component", "billing_engine").
		AddField("energy_kwh", round3(ev.EnergyKWh)).
		AddField("amount", round3(ev.Amount)).
		AddField("unit_fare", round3(ev.UnitFare)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordCommand writes a remote command outcome.
func (s *InfluxSink) RecordCommand(ev coremetrics.CommandEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("command_event").
		AddTag("charge_box_id", ev.ChargeBoxID).
		AddTag("action", ev.Action).
		AddTag("outcome", ev.Outcome).
		AddTag("component", "dispatcher").
		AddField("latency_ms", round3(ev.Latency.Seconds()*1000)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSessionClosed writes the final figures of a stopped transaction.
func (s *InfluxSink) RecordSessionClosed(ev coremetrics.SessionClosedEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("session_closed").
		AddTag("transaction_id", strconv.Itoa(ev.TransactionID)).
		AddTag("charge_box_id", ev.ChargeBoxID).
		AddTag("reason", ev.Reason).
		AddTag("component", "transaction_manager").
		AddField("total_amount", round3(ev.TotalAmount)).
		AddField("total_energy_kwh", round3(ev.TotalEnergyKWh)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSchedule writes one schedule engine action.
func (s *InfluxSink) RecordSchedule(ev coremetrics.ScheduleEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("schedule_event").
		AddTag("charge_box_id", ev.ChargeBoxID).
		AddTag("action", ev.Action).
		AddTag("component", "schedule_engine").
		AddField("schedule_id", ev.ScheduleID).
		AddField("success", ev.Success).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
