package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/voltbridge/csms/core/logger"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/status"
	"github.com/voltbridge/csms/core/tx"
)

// heartbeatInterval is handed to stations in the BootNotification answer.
const heartbeatInterval = 300

// Router turns station-originated OCPP 1.6 calls into core operations. It is
// plugged into the websocket server as its CallHandler.
type Router struct {
	sessions *tx.Manager
	statuses status.Store
	log      logger.Logger
}

func NewRouter(sessions *tx.Manager, statuses status.Store, log logger.Logger) *Router {
	return &Router{sessions: sessions, statuses: statuses, log: log}
}

type idTagInfo struct {
	Status string `json:"status"`
}

// Handle answers one CALL frame. Unknown actions are an error so the
// transport replies with a CALLERROR.
func (r *Router) Handle(ctx context.Context, chargeBoxID, action string, payload json.RawMessage) (any, error) {
	switch action {
	case "BootNotification":
		return map[string]any{
			"status":      "Accepted",
			"currentTime": time.Now().UTC().Format(time.RFC3339),
			"interval":    heartbeatInterval,
		}, nil
	case "Heartbeat":
		return map[string]any{"currentTime": time.Now().UTC().Format(time.RFC3339)}, nil
	case "Authorize":
		// Tags are not rejected up front; funds are enforced while billing.
		return map[string]any{"idTagInfo": idTagInfo{Status: "Accepted"}}, nil
	case "StatusNotification":
		return r.statusNotification(ctx, chargeBoxID, payload)
	case "StartTransaction":
		return r.startTransaction(ctx, chargeBoxID, payload)
	case "StopTransaction":
		return r.stopTransaction(ctx, payload)
	case "MeterValues":
		return r.meterValues(ctx, chargeBoxID, payload)
	default:
		return nil, fmt.Errorf("unsupported action %s", action)
	}
}

func (r *Router) statusNotification(ctx context.Context, chargeBoxID string, payload json.RawMessage) (any, error) {
	var req struct {
		ConnectorID int       `json:"connectorId"`
		Status      string    `json:"status"`
		ErrorCode   string    `json:"errorCode"`
		Timestamp   time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("status notification: %w", err)
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec := status.Record{
		Connector: model.ConnectorKey{ChargeBoxID: chargeBoxID, ConnectorID: req.ConnectorID},
		Status:    req.Status,
		ErrorCode: req.ErrorCode,
		Timestamp: ts,
	}
	if err := r.statuses.Set(ctx, rec); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (r *Router) startTransaction(ctx context.Context, chargeBoxID string, payload json.RawMessage) (any, error) {
	var req struct {
		ConnectorID int       `json:"connectorId"`
		IDTag       string    `json:"idTag"`
		MeterStart  float64   `json:"meterStart"`
		Timestamp   time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	id, err := r.sessions.StartTransaction(ctx, tx.StartParams{
		Connector:      model.ConnectorKey{ChargeBoxID: chargeBoxID, ConnectorID: req.ConnectorID},
		IDTag:          req.IDTag,
		StartValue:     req.MeterStart,
		StartTimestamp: req.Timestamp,
		EventTimestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"transactionId": id,
		"idTagInfo":     idTagInfo{Status: "Accepted"},
	}, nil
}

func (r *Router) stopTransaction(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		TransactionID int       `json:"transactionId"`
		MeterStop     float64   `json:"meterStop"`
		Timestamp     time.Time `json:"timestamp"`
		Reason        string    `json:"reason"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("stop transaction: %w", err)
	}
	err := r.sessions.StopTransaction(ctx, tx.StopParams{
		TransactionID:  req.TransactionID,
		StopValue:      req.MeterStop,
		Timestamp:      req.Timestamp,
		EventTimestamp: time.Now().UTC(),
		Actor:          model.ActorStation,
		Reason:         req.Reason,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"idTagInfo": idTagInfo{Status: "Accepted"}}, nil
}

type sampledValue struct {
	Value     string `json:"value"`
	Context   string `json:"context"`
	Format    string `json:"format"`
	Measurand string `json:"measurand"`
	Phase     string `json:"phase"`
	Location  string `json:"location"`
	Unit      string `json:"unit"`
}

func (r *Router) meterValues(ctx context.Context, chargeBoxID string, payload json.RawMessage) (any, error) {
	var req struct {
		ConnectorID   int `json:"connectorId"`
		TransactionID int `json:"transactionId"`
		MeterValue    []struct {
			Timestamp    time.Time      `json:"timestamp"`
			SampledValue []sampledValue `json:"sampledValue"`
		} `json:"meterValue"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("meter values: %w", err)
	}
	var readings []model.MeterReading
	for _, mv := range req.MeterValue {
		for _, sv := range mv.SampledValue {
			value, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				r.log.Warnf("%s: non-numeric sampled value %q dropped", chargeBoxID, sv.Value)
				continue
			}
			readings = append(readings, model.MeterReading{
				Timestamp: mv.Timestamp,
				Measurand: sv.Measurand,
				Unit:      sv.Unit,
				Location:  sv.Location,
				Context:   sv.Context,
				Format:    sv.Format,
				Phase:     sv.Phase,
				Value:     value,
			})
		}
	}
	key := model.ConnectorKey{ChargeBoxID: chargeBoxID, ConnectorID: req.ConnectorID}
	if err := r.sessions.IngestMeterValues(ctx, key, req.TransactionID, readings); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}
