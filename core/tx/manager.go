// Package tx owns the lifecycle of charging transactions: start, meter value
// ingestion, and the several ways a session can end. It feeds billing with
// energy deltas and implements the forced-stop path billing and scheduling
// rely on.
package tx

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/voltbridge/csms/core/billing"
	"github.com/voltbridge/csms/core/command"
	"github.com/voltbridge/csms/core/events"
	"github.com/voltbridge/csms/core/logger"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/notify"
	"github.com/voltbridge/csms/core/status"
	"github.com/voltbridge/csms/internal/eventbus"
)

const lockStripes = 16

// Biller receives billable meter readings and closes session ledgers.
type Biller interface {
	Accrue(ctx context.Context, ev billing.AccrualEvent) error
	Finalize(ctx context.Context, p billing.FinalizeParams) (float64, error)
}

// Commander issues remote stop commands to stations.
type Commander interface {
	RemoteStop(ctx context.Context, chargeBoxID string, transactionID int) command.Response
}

// Stop reasons that end a session through an app or policy action; the owner
// already knows, so no push notification is sent for them.
var silentStopReasons = map[string]struct{}{
	model.ReasonRemote:           {},
	"Local":                      {},
	model.ReasonLowWallet:        {},
	model.ReasonChargingFinished: {},
}

// Config holds transaction manager settings.
type Config struct {
	// ReassertStatus re-inserts a synthetic connector status at the event
	// timestamp of start and stop messages, for stations that do not send a
	// StatusNotification afterwards.
	ReassertStatus bool `json:"reassert_status"`
	// PendingReasonTTLMS bounds the wait for a station stop after a remote
	// stop request. Zero means DefaultReasonTTL.
	PendingReasonTTLMS int `json:"pending_reason_ttl_ms"`
}

// Manager serializes transaction state changes per station and routes meter
// data to billing. It satisfies the billing engine's Stopper and
// ConnectorHistory contracts.
type Manager struct {
	cfg       Config
	repo      TransactionRepo
	meters    MeterRepo
	biller    Biller
	statuses  status.Store
	commander Commander
	schedules ScheduleDisabler
	notifier  notify.Sink
	reasons   *ReasonStore
	bus       eventbus.EventBus
	log       logger.Logger

	locks [lockStripes]sync.Mutex
}

// NewManager wires the transaction manager. commander, schedules and bus may
// be nil; a nil notifier falls back to a no-op sink.
func NewManager(cfg Config, repo TransactionRepo, meters MeterRepo, biller Biller, statuses status.Store, commander Commander, schedules ScheduleDisabler, notifier notify.Sink, bus eventbus.EventBus, log logger.Logger) (*Manager, error) {
	if repo == nil || meters == nil {
		return nil, fmt.Errorf("tx: transaction and meter repos are required")
	}
	if biller == nil {
		return nil, fmt.Errorf("tx: biller is required")
	}
	if statuses == nil {
		return nil, fmt.Errorf("tx: status store is required")
	}
	if log == nil {
		return nil, fmt.Errorf("tx: logger is required")
	}
	if notifier == nil {
		notifier = notify.NopSink{}
	}
	return &Manager{
		cfg:       cfg,
		repo:      repo,
		meters:    meters,
		biller:    biller,
		statuses:  statuses,
		commander: commander,
		schedules: schedules,
		notifier:  notifier,
		reasons:   NewReasonStore(time.Duration(cfg.PendingReasonTTLMS) * time.Millisecond),
		bus:       bus,
		log:       log,
	}, nil
}

// stripe returns the mutex guarding all transactions of one station. Stations
// send their messages sequentially, so per-station serialization is enough to
// keep retries idempotent.
func (m *Manager) stripe(chargeBoxID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(chargeBoxID))
	return &m.locks[h.Sum32()%lockStripes]
}

// StartParams carries a StartTransaction message. StartValue is in Wh.
type StartParams struct {
	Connector      model.ConnectorKey
	IDTag          string
	StartValue     float64
	StartTimestamp time.Time
	EventTimestamp time.Time
}

// StartTransaction opens a session and returns its id. A retransmitted start
// (same connector, tag, value and timestamp) returns the existing id instead
// of opening a second session. Unknown tags are accepted; authorization is the
// wallet service's concern at billing time.
func (m *Manager) StartTransaction(ctx context.Context, p StartParams) (int, error) {
	lock := m.stripe(p.Connector.ChargeBoxID)
	lock.Lock()
	defer lock.Unlock()

	pk, err := m.repo.ConnectorPK(ctx, p.Connector)
	if err != nil {
		return 0, fmt.Errorf("connector %s: %w", p.Connector, err)
	}
	if existing, ok, err := m.repo.FindMatching(ctx, pk, p.IDTag, p.StartValue, p.StartTimestamp); err != nil {
		return 0, fmt.Errorf("start lookup on %s: %w", p.Connector, err)
	} else if ok {
		m.log.Infof("start retransmission on %s: returning tx %d", p.Connector, existing.ID)
		return existing.ID, nil
	}

	t := model.Transaction{
		ConnectorPK:    pk,
		Connector:      p.Connector,
		IDTag:          p.IDTag,
		StartValue:     p.StartValue,
		StartTimestamp: p.StartTimestamp,
		EventTimestamp: p.EventTimestamp,
	}
	id, err := m.repo.Insert(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("start on %s: %w", p.Connector, err)
	}
	t.ID = id

	if err := m.meters.InsertBatch(ctx, []model.MeterReading{{
		ConnectorPK:   pk,
		TransactionID: id,
		Timestamp:     p.StartTimestamp,
		Measurand:     model.MeasurandEnergyActiveImport,
		Unit:          "Wh",
		Location:      model.LocationOutlet,
		Context:       model.ContextTransactionBegin,
		Value:         p.StartValue,
	}}); err != nil {
		m.log.Warnf("tx %d: initial meter reading: %v", id, err)
	}

	m.assertStatus(ctx, p.Connector, model.StatusCharging, p.StartTimestamp, p.EventTimestamp)
	transactionsStarted.WithLabelValues(p.Connector.ChargeBoxID).Inc()
	m.log.Infof("tx %d started on %s by %s", id, p.Connector, p.IDTag)
	if m.bus != nil {
		m.bus.Publish(events.TransactionEvent{Transaction: t})
	}
	return id, nil
}

// assertStatus writes a synthetic connector status derived from a transaction
// message. The store keeps the newest record, so a later real notification
// still wins.
func (m *Manager) assertStatus(ctx context.Context, key model.ConnectorKey, state string, ts, eventTS time.Time) {
	if err := m.statuses.Set(ctx, status.Record{Connector: key, Status: state, Timestamp: ts}); err != nil {
		m.log.Warnf("status for %s: %v", key, err)
	}
	if m.cfg.ReassertStatus && eventTS.After(ts) {
		if err := m.statuses.Set(ctx, status.Record{Connector: key, Status: state, Timestamp: eventTS}); err != nil {
			m.log.Warnf("status for %s: %v", key, err)
		}
	}
}

// IngestMeterValues filters, normalizes and stores a MeterValues batch, then
// forwards the newest energy reading to billing. Readings with a phase
// qualifier or an unknown measurand are dropped.
func (m *Manager) IngestMeterValues(ctx context.Context, key model.ConnectorKey, transactionID int, readings []model.MeterReading) error {
	pk, err := m.repo.ConnectorPK(ctx, key)
	if err != nil {
		return fmt.Errorf("connector %s: %w", key, err)
	}

	kept := make([]model.MeterReading, 0, len(readings))
	for _, rd := range readings {
		if rd.Phase != "" {
			continue
		}
		if rd.Measurand == "" {
			rd.Measurand = model.MeasurandEnergyActiveImport
		}
		switch rd.Measurand {
		case model.MeasurandEnergyActiveImport, model.MeasurandPowerActiveImport,
			model.MeasurandCurrentImport, model.MeasurandVoltage, model.MeasurandSoC:
		default:
			continue
		}
		switch rd.Unit {
		case "kWh":
			rd.Value = math.Round(rd.Value * 1000)
			rd.Unit = "Wh"
		case "kW":
			rd.Value = math.Round(rd.Value * 1000)
			rd.Unit = "W"
		}
		if rd.Location == "" {
			if rd.Measurand == model.MeasurandSoC {
				rd.Location = model.LocationEV
			} else {
				rd.Location = model.LocationOutlet
			}
		}
		rd.ConnectorPK = pk
		rd.TransactionID = transactionID
		kept = append(kept, rd)
	}
	if len(kept) == 0 {
		return nil
	}
	if err := m.meters.InsertBatch(ctx, kept); err != nil {
		return fmt.Errorf("meter values on %s: %w", key, err)
	}

	if transactionID == 0 {
		return nil
	}
	var last *model.MeterReading
	for i := range kept {
		rd := &kept[i]
		if rd.Measurand != model.MeasurandEnergyActiveImport {
			continue
		}
		if last == nil || !rd.Timestamp.Before(last.Timestamp) {
			last = rd
		}
	}
	if last == nil {
		return nil
	}
	t, ok, err := m.repo.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("tx %d: %w", transactionID, err)
	}
	if !ok || !t.Open() {
		m.log.Debugf("tx %d: dropping energy reading, transaction not open", transactionID)
		return nil
	}
	return m.biller.Accrue(ctx, billing.AccrualEvent{
		TransactionID:  t.ID,
		ConnectorPK:    t.ConnectorPK,
		Connector:      t.Connector,
		IDTag:          t.IDTag,
		StartValueWh:   t.StartValue,
		StartTimestamp: t.StartTimestamp,
		LastEnergyWh:   last.Value,
		Timestamp:      last.Timestamp,
	})
}

// StopParams carries a StopTransaction message. StopValue is in Wh.
type StopParams struct {
	TransactionID  int
	StopValue      float64
	Timestamp      time.Time
	EventTimestamp time.Time
	Actor          model.StopActor
	Reason         string
}

// StopTransaction closes a session. A reason requested earlier through
// ManuallyStop overrides the station's reason; a PowerLoss stop is corrected
// up to the highest stored meter value, since stations losing power tend to
// report a stale counter. Persistence failures are preserved as failed-stop
// records for offline repair, and the connector status is reasserted either
// way.
func (m *Manager) StopTransaction(ctx context.Context, p StopParams) error {
	t, ok, err := m.repo.Get(ctx, p.TransactionID)
	if err != nil {
		return fmt.Errorf("tx %d: %w", p.TransactionID, err)
	}
	if !ok {
		return fmt.Errorf("tx %d: unknown transaction", p.TransactionID)
	}

	lock := m.stripe(t.Connector.ChargeBoxID)
	lock.Lock()
	defer lock.Unlock()

	if t, ok, err = m.repo.Get(ctx, p.TransactionID); err != nil || !ok {
		return fmt.Errorf("tx %d: %w", p.TransactionID, err)
	}
	if !t.Open() {
		m.log.Infof("tx %d already stopped, ignoring", t.ID)
		return nil
	}

	stopVal := p.StopValue
	if p.Reason == model.ReasonPowerLoss {
		if last, ok, err := m.meters.LastEnergy(ctx, t.ID); err == nil && ok && last.Value > stopVal {
			m.log.Infof("tx %d: PowerLoss stop value %.0f below last reading, using %.0f", t.ID, stopVal, last.Value)
			stopVal = last.Value
		}
	}

	reason, actor := p.Reason, p.Actor
	if requested, ok := m.reasons.Take(t.ID); ok {
		reason, actor = requested, model.ActorManual
	}
	stop := model.StopRecord{
		Value:          stopVal,
		Timestamp:      p.Timestamp,
		EventTimestamp: p.EventTimestamp,
		Actor:          actor,
		Reason:         reason,
	}

	total, closeErr := m.closeSession(ctx, t, stop)
	if closeErr != nil {
		failedStops.Inc()
		m.log.Errorf("tx %d: stop not persisted: %v", t.ID, closeErr)
		if err := m.repo.InsertFailedStop(ctx, model.FailedStopRecord{
			TransactionID: t.ID,
			ChargeBoxID:   t.Connector.ChargeBoxID,
			Stop:          stop,
			FailReason:    closeErr.Error(),
		}); err != nil {
			m.log.Errorf("tx %d: failed stop record: %v", t.ID, err)
		}
	}

	m.assertStatus(ctx, t.Connector, model.StatusFinishing, stop.Timestamp, stop.EventTimestamp)

	if reason == model.ReasonRemote && m.schedules != nil {
		if err := m.schedules.DisableForConnector(ctx, t.Connector, t.IDTag); err != nil {
			m.log.Warnf("tx %d: disabling schedule: %v", t.ID, err)
		}
	}
	if closeErr != nil {
		return closeErr
	}

	transactionsStopped.WithLabelValues(stopLabel(reason)).Inc()
	m.log.Infof("tx %d stopped on %s: %.0f Wh, %.2f billed (%s)", t.ID, t.Connector, stopVal-t.StartValue, total, stopLabel(reason))
	t.Stop = &stop
	if m.bus != nil {
		m.bus.Publish(events.TransactionEvent{Transaction: t, Stopped: true})
	}
	if _, silent := silentStopReasons[reason]; !silent {
		if err := m.notifier.Send(ctx, notify.Notification{
			IDTag:   t.IDTag,
			Title:   "Charging stopped",
			Message: fmt.Sprintf("Your session on %s has ended. Billed amount: %.2f", t.Connector, total),
			Payload: strconv.Itoa(t.ID),
		}); err != nil {
			m.log.Warnf("tx %d: notification: %v", t.ID, err)
		}
	}
	return nil
}

// closeSession persists the stop record, the final meter reading and the
// billing total.
func (m *Manager) closeSession(ctx context.Context, t model.Transaction, stop model.StopRecord) (float64, error) {
	if err := m.repo.SetStop(ctx, t.ID, stop); err != nil {
		return 0, err
	}
	if err := m.meters.InsertBatch(ctx, []model.MeterReading{{
		ConnectorPK:   t.ConnectorPK,
		TransactionID: t.ID,
		Timestamp:     stop.Timestamp,
		Measurand:     model.MeasurandEnergyActiveImport,
		Unit:          "Wh",
		Location:      model.LocationOutlet,
		Context:       model.ContextTransactionEnd,
		Value:         stop.Value,
	}}); err != nil {
		m.log.Warnf("tx %d: final meter reading: %v", t.ID, err)
	}
	total, err := m.biller.Finalize(ctx, billing.FinalizeParams{
		TransactionID: t.ID,
		ChargeBoxID:   t.Connector.ChargeBoxID,
		IDTag:         t.IDTag,
		StopValueWh:   stop.Value,
		StopTimestamp: stop.Timestamp,
	})
	if err != nil {
		m.log.Warnf("tx %d: billing finalize: %v", t.ID, err)
		return 0, nil
	}
	return total, nil
}

// stopLabel keeps metric labels bounded when stations send empty reasons.
func stopLabel(reason string) string {
	if reason == "" {
		return "Local"
	}
	return reason
}

// Stop closes a transaction from the server side when no station stop will
// come. The stop value falls back along a fixed chain: the last stored meter
// value, then the start value of the next session on the same connector, then
// the transaction's own start value. Already stopped transactions are a no-op.
func (m *Manager) Stop(ctx context.Context, transactionID int) error {
	t, ok, err := m.repo.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("tx %d: %w", transactionID, err)
	}
	if !ok {
		return fmt.Errorf("tx %d: unknown transaction", transactionID)
	}
	if !t.Open() {
		return nil
	}

	val, ts := t.StartValue, t.StartTimestamp
	if last, ok, err := m.meters.LastEnergy(ctx, t.ID); err == nil && ok {
		val, ts = last.Value, last.Timestamp
	} else if next, ok, err := m.repo.NextOnConnector(ctx, t.ConnectorPK, t.ID); err == nil && ok {
		ts = next.StartTimestamp
		if next.StartValue > t.StartValue {
			val = next.StartValue
		}
	}
	return m.StopTransaction(ctx, StopParams{
		TransactionID:  t.ID,
		StopValue:      val,
		Timestamp:      ts,
		EventTimestamp: time.Now(),
		Actor:          model.ActorSystem,
		Reason:         model.ReasonStopByServer,
	})
}

// ManuallyStop ends a running session on behalf of the server or the app. The
// reason is parked for the station's StopTransaction; if the station rejects
// the remote stop or no commander is wired, the session is closed locally.
func (m *Manager) ManuallyStop(ctx context.Context, key model.ConnectorKey, transactionID int, reason string) error {
	m.reasons.Put(transactionID, reason)
	if m.commander != nil {
		resp := m.commander.RemoteStop(ctx, key.ChargeBoxID, transactionID)
		if resp.Outcome.Accepted() {
			return nil
		}
		m.log.Warnf("tx %d: remote stop %s (%s), closing locally", transactionID, resp.Outcome, resp.Detail)
	}
	return m.Stop(ctx, transactionID)
}

// StopSession implements the billing engine's forced-stop hook.
func (m *Manager) StopSession(ctx context.Context, transactionID int, reason string) error {
	t, ok, err := m.repo.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("tx %d: %w", transactionID, err)
	}
	if !ok {
		return fmt.Errorf("tx %d: unknown transaction", transactionID)
	}
	if !t.Open() {
		return nil
	}
	return m.ManuallyStop(ctx, t.Connector, transactionID, reason)
}

// PreviousStopValue exposes connector history for the billing regression check.
func (m *Manager) PreviousStopValue(ctx context.Context, connectorPK, beforeTransactionID int) (float64, bool, error) {
	return m.repo.PreviousStopValue(ctx, connectorPK, beforeTransactionID)
}

// Transaction returns a session by id.
func (m *Manager) Transaction(ctx context.Context, transactionID int) (model.Transaction, bool, error) {
	return m.repo.Get(ctx, transactionID)
}

// OpenTransaction returns the running session on a connector, if any.
func (m *Manager) OpenTransaction(ctx context.Context, key model.ConnectorKey) (model.Transaction, bool, error) {
	pk, err := m.repo.ConnectorPK(ctx, key)
	if err != nil {
		return model.Transaction{}, false, err
	}
	return m.repo.OpenByConnector(ctx, pk)
}

// CloseOrphans sweeps transactions that are still open although their
// connector already reported Available, and closes them server-side. It
// returns how many were closed.
func (m *Manager) CloseOrphans(ctx context.Context) (int, error) {
	open, err := m.repo.OpenTransactions(ctx)
	if err != nil {
		return 0, fmt.Errorf("open transactions: %w", err)
	}
	closed := 0
	for _, t := range open {
		rec, ok, err := m.statuses.Last(ctx, t.Connector)
		if err != nil {
			m.log.Warnf("status for %s: %v", t.Connector, err)
			continue
		}
		if !ok || rec.Status != model.StatusAvailable {
			continue
		}
		if err := m.Stop(ctx, t.ID); err != nil {
			m.log.Errorf("tx %d: orphan close: %v", t.ID, err)
			continue
		}
		closed++
	}
	if closed > 0 {
		m.log.Infof("closed %d orphaned transactions", closed)
	}
	return closed, nil
}

var (
	_ billing.Stopper          = (*Manager)(nil)
	_ billing.ConnectorHistory = (*Manager)(nil)
)
