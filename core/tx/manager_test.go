package tx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltbridge/csms/core/billing"
	"github.com/voltbridge/csms/core/command"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/notify"
	"github.com/voltbridge/csms/core/status"
	"github.com/voltbridge/csms/infra/logger"
)

type fakeBiller struct {
	mu        sync.Mutex
	accruals  []billing.AccrualEvent
	accrueErr error
	total     float64
	finalized []billing.FinalizeParams
}

func (b *fakeBiller) Accrue(_ context.Context, ev billing.AccrualEvent) error {
	b.mu.Lock()
	b.accruals = append(b.accruals, ev)
	b.mu.Unlock()
	return b.accrueErr
}

func (b *fakeBiller) Finalize(_ context.Context, p billing.FinalizeParams) (float64, error) {
	b.mu.Lock()
	b.finalized = append(b.finalized, p)
	b.mu.Unlock()
	return b.total, nil
}

type fakeCommander struct {
	resp  command.Response
	calls int
}

func (c *fakeCommander) RemoteStop(context.Context, string, int) command.Response {
	c.calls++
	return c.resp
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Send(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	return nil
}

type fakeDisabler struct {
	keys []model.ConnectorKey
}

func (d *fakeDisabler) DisableForConnector(_ context.Context, key model.ConnectorKey, _ string) error {
	d.keys = append(d.keys, key)
	return nil
}

type env struct {
	repo      *MemoryTransactionRepo
	meters    *MemoryMeterRepo
	biller    *fakeBiller
	statuses  *status.MemoryStore
	commander *fakeCommander
	disabler  *fakeDisabler
	notifier  *recordingNotifier
	mgr       *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:      NewMemoryTransactionRepo(),
		meters:    NewMemoryMeterRepo(),
		biller:    &fakeBiller{},
		statuses:  status.NewMemoryStore(),
		commander: &fakeCommander{resp: command.Response{Outcome: command.OutcomeAccepted}},
		disabler:  &fakeDisabler{},
		notifier:  &recordingNotifier{},
	}
	mgr, err := NewManager(Config{}, e.repo, e.meters, e.biller, e.statuses,
		e.commander, e.disabler, e.notifier, nil, logger.NopLogger{})
	require.NoError(t, err)
	e.mgr = mgr
	return e
}

var (
	cp1   = model.ConnectorKey{ChargeBoxID: "CP1", ConnectorID: 1}
	start = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
)

func (e *env) start(t *testing.T) int {
	t.Helper()
	id, err := e.mgr.StartTransaction(context.Background(), StartParams{
		Connector:      cp1,
		IDTag:          "TAG1",
		StartValue:     1000,
		StartTimestamp: start,
		EventTimestamp: start.Add(2 * time.Second),
	})
	require.NoError(t, err)
	return id
}

func energy(value float64, at time.Time) model.MeterReading {
	return model.MeterReading{
		Timestamp: at,
		Measurand: model.MeasurandEnergyActiveImport,
		Unit:      "Wh",
		Value:     value,
	}
}

func TestStartTransactionIdempotent(t *testing.T) {
	e := newEnv(t)
	first := e.start(t)
	second := e.start(t)
	assert.Equal(t, first, second)

	rec, ok, err := e.statuses.Last(context.Background(), cp1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusCharging, rec.Status)

	// The initial meter reading is stored exactly once per session.
	count := 0
	for _, rd := range e.meters.Readings() {
		if rd.TransactionID == first {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestIngestMeterValuesFiltersAndForwards(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	at := start.Add(5 * time.Minute)

	readings := []model.MeterReading{
		energy(2000, at),
		{Timestamp: at, Measurand: model.MeasurandPowerActiveImport, Unit: "kW", Value: 7.4},
		{Timestamp: at, Measurand: model.MeasurandSoC, Unit: "Percent", Value: 64},
		{Timestamp: at, Measurand: model.MeasurandCurrentImport, Unit: "A", Phase: "L1", Value: 16},
		{Timestamp: at, Measurand: "Frequency", Unit: "Hz", Value: 50},
	}
	require.NoError(t, e.mgr.IngestMeterValues(context.Background(), cp1, id, readings))

	stored := e.meters.Readings()[1:] // skip the start reading
	require.Len(t, stored, 3)
	assert.Equal(t, 7400.0, stored[1].Value)
	assert.Equal(t, "W", stored[1].Unit)
	assert.Equal(t, model.LocationOutlet, stored[0].Location)
	assert.Equal(t, model.LocationEV, stored[2].Location)

	require.Len(t, e.biller.accruals, 1)
	ev := e.biller.accruals[0]
	assert.Equal(t, id, ev.TransactionID)
	assert.Equal(t, 1000.0, ev.StartValueWh)
	assert.Equal(t, 2000.0, ev.LastEnergyWh)
	assert.Equal(t, "TAG1", ev.IDTag)
}

func TestIngestWithoutEnergyDoesNotBill(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	readings := []model.MeterReading{
		{Timestamp: start.Add(time.Minute), Measurand: model.MeasurandVoltage, Unit: "V", Value: 230},
	}
	require.NoError(t, e.mgr.IngestMeterValues(context.Background(), cp1, id, readings))
	assert.Empty(t, e.biller.accruals)
}

func TestStopPowerLossUsesMaxMeterValue(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	require.NoError(t, e.mgr.IngestMeterValues(context.Background(), cp1, id,
		[]model.MeterReading{energy(5000, start.Add(10*time.Minute))}))

	require.NoError(t, e.mgr.StopTransaction(context.Background(), StopParams{
		TransactionID: id,
		StopValue:     3000,
		Timestamp:     start.Add(11 * time.Minute),
		Actor:         model.ActorStation,
		Reason:        model.ReasonPowerLoss,
	}))

	tx, ok, err := e.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, tx.Stop)
	assert.Equal(t, 5000.0, tx.Stop.Value)
	require.Len(t, e.biller.finalized, 1)
	assert.Equal(t, 5000.0, e.biller.finalized[0].StopValueWh)
}

func TestStopTransactionIdempotent(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	p := StopParams{
		TransactionID: id,
		StopValue:     2000,
		Timestamp:     start.Add(time.Hour),
		Actor:         model.ActorStation,
	}
	require.NoError(t, e.mgr.StopTransaction(context.Background(), p))
	require.NoError(t, e.mgr.StopTransaction(context.Background(), p))
	assert.Len(t, e.biller.finalized, 1)
}

func TestPendingReasonOverridesStationReason(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)

	// Station accepts the remote stop; no local close happens.
	require.NoError(t, e.mgr.ManuallyStop(context.Background(), cp1, id, model.ReasonScheduledStop))
	assert.Equal(t, 1, e.commander.calls)
	tx, _, _ := e.repo.Get(context.Background(), id)
	require.True(t, tx.Open())

	// The station's own stop arrives later with its default reason.
	require.NoError(t, e.mgr.StopTransaction(context.Background(), StopParams{
		TransactionID: id,
		StopValue:     2000,
		Timestamp:     start.Add(time.Hour),
		Actor:         model.ActorStation,
		Reason:        "Local",
	}))
	tx, _, _ = e.repo.Get(context.Background(), id)
	require.NotNil(t, tx.Stop)
	assert.Equal(t, model.ReasonScheduledStop, tx.Stop.Reason)
	assert.Equal(t, model.ActorManual, tx.Stop.Actor)
}

func TestManualStopFallsBackToLocalClose(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	e.commander.resp = command.Response{Outcome: command.OutcomeTimedOut, Detail: "no answer"}
	require.NoError(t, e.mgr.IngestMeterValues(context.Background(), cp1, id,
		[]model.MeterReading{energy(4200, start.Add(20*time.Minute))}))

	require.NoError(t, e.mgr.ManuallyStop(context.Background(), cp1, id, model.ReasonLowWallet))

	tx, _, _ := e.repo.Get(context.Background(), id)
	require.NotNil(t, tx.Stop)
	assert.Equal(t, model.ReasonLowWallet, tx.Stop.Reason)
	assert.Equal(t, 4200.0, tx.Stop.Value)
	assert.Len(t, e.biller.finalized, 1)
}

func (e *env) startOn(t *testing.T, key model.ConnectorKey, tag string, value float64, at time.Time) int {
	t.Helper()
	id, err := e.mgr.StartTransaction(context.Background(), StartParams{
		Connector:      key,
		IDTag:          tag,
		StartValue:     value,
		StartTimestamp: at,
	})
	require.NoError(t, err)
	return id
}

func TestStopFallbackChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// A meter value sampled during the session wins over everything else.
	cpA := model.ConnectorKey{ChargeBoxID: "CPA", ConnectorID: 1}
	metered := e.startOn(t, cpA, "TAG1", 1000, start)
	require.NoError(t, e.mgr.IngestMeterValues(ctx, cpA, metered,
		[]model.MeterReading{energy(4000, start.Add(30*time.Minute))}))
	require.NoError(t, e.mgr.Stop(ctx, metered))
	tx, _, _ := e.repo.Get(ctx, metered)
	require.NotNil(t, tx.Stop)
	assert.Equal(t, 4000.0, tx.Stop.Value)
	assert.Equal(t, start.Add(30*time.Minute), tx.Stop.Timestamp)
	assert.Equal(t, model.ReasonStopByServer, tx.Stop.Reason)

	// No sampled values: the next session on the same connector bounds the
	// stop timestamp. A meter reset before that session cannot push the stop
	// value below the session's own start.
	first := e.startOn(t, cp1, "TAG1", 1000, start)
	e.startOn(t, cp1, "TAG2", 500, start.Add(2*time.Hour))
	require.NoError(t, e.mgr.Stop(ctx, first))
	tx, _, _ = e.repo.Get(ctx, first)
	require.NotNil(t, tx.Stop)
	assert.Equal(t, 1000.0, tx.Stop.Value)
	assert.Equal(t, start.Add(2*time.Hour), tx.Stop.Timestamp)
	assert.Equal(t, model.ReasonStopByServer, tx.Stop.Reason)

	// A higher next start value raises the stop value with it.
	cpC := model.ConnectorKey{ChargeBoxID: "CPC", ConnectorID: 1}
	second := e.startOn(t, cpC, "TAG1", 1000, start)
	e.startOn(t, cpC, "TAG2", 2500, start.Add(2*time.Hour))
	require.NoError(t, e.mgr.Stop(ctx, second))
	tx, _, _ = e.repo.Get(ctx, second)
	require.NotNil(t, tx.Stop)
	assert.Equal(t, 2500.0, tx.Stop.Value)

	// No meter values and no later session: the start values close the gap.
	lone := e.startOn(t, model.ConnectorKey{ChargeBoxID: "CPD", ConnectorID: 1}, "TAG3", 900, start)
	require.NoError(t, e.mgr.Stop(ctx, lone))
	tx, _, _ = e.repo.Get(ctx, lone)
	require.NotNil(t, tx.Stop)
	assert.Equal(t, 900.0, tx.Stop.Value)
	assert.Equal(t, start, tx.Stop.Timestamp)
}

type failingStopRepo struct {
	*MemoryTransactionRepo
}

func (r *failingStopRepo) SetStop(context.Context, int, model.StopRecord) error {
	return errors.New("db down")
}

func TestFailedStopPreserved(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	failing := &failingStopRepo{e.repo}
	mgr, err := NewManager(Config{}, failing, e.meters, e.biller, e.statuses,
		nil, nil, nil, nil, logger.NopLogger{})
	require.NoError(t, err)

	err = mgr.StopTransaction(context.Background(), StopParams{
		TransactionID: id,
		StopValue:     2000,
		Timestamp:     start.Add(time.Hour),
		Actor:         model.ActorStation,
		Reason:        "EVDisconnected",
	})
	require.Error(t, err)

	failed := e.repo.FailedStops()
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].TransactionID)
	assert.Equal(t, "CP1", failed[0].ChargeBoxID)
	assert.Equal(t, 2000.0, failed[0].Stop.Value)

	// Status is still reasserted so the connector does not look stuck.
	rec, ok, _ := e.statuses.Last(context.Background(), cp1)
	require.True(t, ok)
	assert.Equal(t, model.StatusFinishing, rec.Status)
}

func TestRemoteReasonDisablesSchedule(t *testing.T) {
	e := newEnv(t)
	id := e.start(t)
	require.NoError(t, e.mgr.StopTransaction(context.Background(), StopParams{
		TransactionID: id,
		StopValue:     2000,
		Timestamp:     start.Add(time.Hour),
		Actor:         model.ActorStation,
		Reason:        model.ReasonRemote,
	}))
	require.Len(t, e.disabler.keys, 1)
	assert.Equal(t, cp1, e.disabler.keys[0])
	// Remote stops come from the app; the owner is not notified again.
	assert.Empty(t, e.notifier.sent)
}

func TestStopNotificationForStationReasons(t *testing.T) {
	e := newEnv(t)
	e.biller.total = 47.2
	id := e.start(t)
	require.NoError(t, e.mgr.StopTransaction(context.Background(), StopParams{
		TransactionID: id,
		StopValue:     5000,
		Timestamp:     start.Add(time.Hour),
		Actor:         model.ActorStation,
		Reason:        "EVDisconnected",
	}))
	require.Len(t, e.notifier.sent, 1)
	assert.Equal(t, "TAG1", e.notifier.sent[0].IDTag)
	assert.Contains(t, e.notifier.sent[0].Message, "47.20")
}

func TestCloseOrphans(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	orphan := e.start(t)
	busyKey := model.ConnectorKey{ChargeBoxID: "CP2", ConnectorID: 1}
	busy, err := e.mgr.StartTransaction(ctx, StartParams{
		Connector:      busyKey,
		IDTag:          "TAG2",
		StartValue:     500,
		StartTimestamp: start,
	})
	require.NoError(t, err)

	later := start.Add(3 * time.Hour)
	require.NoError(t, e.statuses.Set(ctx, status.Record{Connector: cp1, Status: model.StatusAvailable, Timestamp: later}))
	require.NoError(t, e.statuses.Set(ctx, status.Record{Connector: busyKey, Status: model.StatusCharging, Timestamp: later}))

	closed, err := e.mgr.CloseOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	tx, _, _ := e.repo.Get(ctx, orphan)
	assert.False(t, tx.Open())
	tx, _, _ = e.repo.Get(ctx, busy)
	assert.True(t, tx.Open())
}

func TestReasonStoreExpiry(t *testing.T) {
	s := NewReasonStore(time.Minute)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	s.Put(7, model.ReasonScheduledStop)
	now = base.Add(2 * time.Minute)
	_, ok := s.Take(7)
	assert.False(t, ok)

	s.Put(7, model.ReasonScheduledStop)
	now = base.Add(2*time.Minute + 30*time.Second)
	reason, ok := s.Take(7)
	require.True(t, ok)
	assert.Equal(t, model.ReasonScheduledStop, reason)
}
