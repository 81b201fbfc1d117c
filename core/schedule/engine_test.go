package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltbridge/csms/core/command"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/notify"
	"github.com/voltbridge/csms/core/status"
	"github.com/voltbridge/csms/infra/logger"
)

type fakeStarter struct {
	resp  command.Response
	calls []model.ConnectorKey
}

func (f *fakeStarter) RemoteStart(_ context.Context, cp model.ConnectorKey, _ string) command.Response {
	f.calls = append(f.calls, cp)
	return f.resp
}

type stopRequest struct {
	txID   int
	reason string
}

type fakeSessions struct {
	mu      sync.Mutex
	open    map[model.ConnectorKey]model.Transaction
	txs     map[int]model.Transaction
	stops   []stopRequest
	stopErr error
	// confirm controls whether ManuallyStop records the requested reason on
	// the transaction, as the real manager does when the station cooperates.
	confirm bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		open:    make(map[model.ConnectorKey]model.Transaction),
		txs:     make(map[int]model.Transaction),
		confirm: true,
	}
}

func (f *fakeSessions) OpenTransaction(_ context.Context, key model.ConnectorKey) (model.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.open[key]
	return t, ok, nil
}

func (f *fakeSessions) ManuallyStop(_ context.Context, key model.ConnectorKey, txID int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, stopRequest{txID, reason})
	if f.stopErr != nil {
		return f.stopErr
	}
	if f.confirm {
		t := f.txs[txID]
		t.Stop = &model.StopRecord{Reason: reason, Actor: model.ActorManual}
		f.txs[txID] = t
		delete(f.open, key)
	}
	return nil
}

func (f *fakeSessions) Transaction(_ context.Context, txID int) (model.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txs[txID]
	return t, ok, nil
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

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type env struct {
	repo     *MemoryScheduleRepo
	starter  *fakeStarter
	sessions *fakeSessions
	statuses *status.MemoryStore
	notifier *recordingNotifier
	eng      *Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:     NewMemoryScheduleRepo(),
		starter:  &fakeStarter{resp: command.Response{Outcome: command.OutcomeAccepted}},
		sessions: newFakeSessions(),
		statuses: status.NewMemoryStore(),
		notifier: &recordingNotifier{},
	}
	eng, err := NewEngine(Config{VerifyDelayMS: 1}, e.repo, e.starter, e.sessions,
		e.statuses, e.notifier, nil, logger.NopLogger{})
	require.NoError(t, err)
	e.eng = eng
	return e
}

var cp1 = model.ConnectorKey{ChargeBoxID: "CP1", ConnectorID: 1}

// monday is 2026-03-09, a Monday.
var monday = time.Date(2026, 3, 9, 18, 0, 0, 0, time.UTC)

func (e *env) insert(t *testing.T, entry model.ScheduleEntry) model.ScheduleEntry {
	t.Helper()
	id, err := e.repo.Insert(context.Background(), entry)
	require.NoError(t, err)
	got, ok, err := e.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return got
}

func window(startAt time.Time, dur time.Duration, days ...time.Weekday) model.ScheduleEntry {
	return model.ScheduleEntry{
		IDTag:     "TAG1",
		Connector: cp1,
		StartTime: startAt,
		EndTime:   startAt.Add(dur),
		Days:      days,
		Enabled:   true,
	}
}

func (e *env) ready(ctx context.Context) {
	e.statuses.MarkOnline(ctx, cp1.ChargeBoxID)
	e.statuses.Set(ctx, status.Record{Connector: cp1, Status: model.StatusPreparing, Timestamp: monday})
}

func TestStartAcceptedMarksStarted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ready(ctx)
	entry := e.insert(t, window(monday, 2*time.Hour))

	e.eng.handleStart(ctx, entry, monday)

	got, _, _ := e.repo.Get(ctx, entry.ID)
	assert.True(t, got.Started)
	assert.True(t, got.Enabled)
	require.Len(t, e.starter.calls, 1)
	assert.Equal(t, 1, e.notifier.count())
}

func TestRecurrenceRearmOnRejectedStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ready(ctx)
	e.starter.resp = command.Response{Outcome: command.OutcomeRejected}
	entry := e.insert(t, window(monday, 2*time.Hour, time.Monday, time.Wednesday))

	e.eng.handleStart(ctx, entry, monday)

	got, _, _ := e.repo.Get(ctx, entry.ID)
	assert.False(t, got.Started)
	assert.False(t, got.Enabled)

	all := e.repo.All()
	require.Len(t, all, 2)
	next := all[1]
	wednesday := monday.AddDate(0, 0, 2)
	assert.Equal(t, wednesday, next.StartTime)
	assert.Equal(t, 2*time.Hour, next.EndTime.Sub(next.StartTime))
	assert.False(t, next.Started)
	assert.True(t, next.Enabled)
}

func TestStartOfflineChargerNotifies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	entry := e.insert(t, window(monday, time.Hour))

	e.eng.handleStart(ctx, entry, monday)

	assert.Empty(t, e.starter.calls)
	got, _, _ := e.repo.Get(ctx, entry.ID)
	assert.False(t, got.Started)
	assert.False(t, got.Enabled)
	require.Equal(t, 1, e.notifier.count())
	assert.Contains(t, e.notifier.sent[0].Message, "offline")
}

func TestStartRequiresStartableConnector(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.statuses.MarkOnline(ctx, cp1.ChargeBoxID)
	e.statuses.Set(ctx, status.Record{Connector: cp1, Status: model.StatusCharging, Timestamp: monday})
	entry := e.insert(t, window(monday, time.Hour))

	e.eng.handleStart(ctx, entry, monday)

	assert.Empty(t, e.starter.calls)
	require.Equal(t, 1, e.notifier.count())
	assert.Contains(t, e.notifier.sent[0].Message, "plug in")
}

func TestScheduledStopConfirmed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := model.Transaction{ID: 42, Connector: cp1, IDTag: "TAG1"}
	e.sessions.open[cp1] = tx
	e.sessions.txs[42] = tx
	entry := e.insert(t, window(monday, 2*time.Hour))
	entry.Started = true
	require.NoError(t, e.repo.Update(ctx, entry))

	e.eng.handleStop(ctx, entry)

	require.Len(t, e.sessions.stops, 1)
	assert.Equal(t, stopRequest{42, model.ReasonScheduledStop}, e.sessions.stops[0])
	got, _, _ := e.repo.Get(ctx, entry.ID)
	assert.True(t, got.Stopped)
	assert.False(t, got.Enabled)
	require.Equal(t, 1, e.notifier.count())
	assert.Contains(t, e.notifier.sent[0].Message, "completed")
}

func TestScheduledStopUnconfirmed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.sessions.confirm = false
	tx := model.Transaction{ID: 42, Connector: cp1, IDTag: "TAG1"}
	e.sessions.open[cp1] = tx
	e.sessions.txs[42] = tx
	entry := e.insert(t, window(monday, 2*time.Hour))

	e.eng.handleStop(ctx, entry)

	got, _, _ := e.repo.Get(ctx, entry.ID)
	assert.True(t, got.Stopped)
	require.Equal(t, 1, e.notifier.count())
	assert.Contains(t, e.notifier.sent[0].Message, "could not confirm")
}

func TestStopWithoutActiveSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	entry := e.insert(t, window(monday, 2*time.Hour))

	e.eng.handleStop(ctx, entry)

	assert.Empty(t, e.sessions.stops)
	got, _, _ := e.repo.Get(ctx, entry.ID)
	assert.True(t, got.Stopped)
	require.Equal(t, 1, e.notifier.count())
	assert.Contains(t, e.notifier.sent[0].Message, "already ended")
}

func TestReminderFiresOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.insert(t, window(monday, time.Hour))
	at := monday.Add(-25 * time.Minute)

	e.eng.tick(ctx, at)
	e.eng.wg.Wait()
	e.eng.tick(ctx, at.Add(time.Second))
	e.eng.wg.Wait()

	require.Equal(t, 1, e.notifier.count())
	assert.Equal(t, "Charging reminder", e.notifier.sent[0].Title)
	got := e.repo.All()[0]
	assert.True(t, got.ReminderSent)
}

func TestNightlySweepAnnouncesOvernightWindows(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	night := time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC)
	e.insert(t, window(night, 2*time.Hour))
	// A daytime window tomorrow stays silent.
	e.insert(t, window(monday.AddDate(0, 0, 1).Add(-6*time.Hour), time.Hour))

	at := time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC)
	e.eng.tick(ctx, at)
	e.eng.tick(ctx, at.Add(time.Second))
	e.eng.wg.Wait()

	require.Equal(t, 1, e.notifier.count())
	assert.Equal(t, "Upcoming overnight charging", e.notifier.sent[0].Title)
}

type blockingNotifier struct {
	mu      sync.Mutex
	release chan struct{}
	sent    []notify.Notification
}

func (n *blockingNotifier) Send(_ context.Context, msg notify.Notification) error {
	<-n.release
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	return nil
}

func TestTickReturnsWhileNotificationsInFlight(t *testing.T) {
	e := newEnv(t)
	blocker := &blockingNotifier{release: make(chan struct{})}
	eng, err := NewEngine(Config{}, e.repo, e.starter, e.sessions,
		e.statuses, blocker, nil, logger.NopLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	at := time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC)
	// One reminder due now, one overnight window for the sweep.
	e.insert(t, window(at.Add(20*time.Minute), time.Hour))
	e.insert(t, window(at.Add(90*time.Minute), 2*time.Hour))

	// With the notifier wedged, the poll pass still completes.
	eng.tick(ctx, at)

	close(blocker.release)
	eng.wg.Wait()
	blocker.mu.Lock()
	defer blocker.mu.Unlock()
	assert.Len(t, blocker.sent, 2)
}

func TestMissedStartRetiresAndRearms(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	entry := e.insert(t, window(monday, time.Hour, time.Monday))

	e.eng.handleMissed(ctx, entry)

	got, _, _ := e.repo.Get(ctx, entry.ID)
	assert.False(t, got.Enabled)
	all := e.repo.All()
	require.Len(t, all, 2)
	assert.Equal(t, monday.AddDate(0, 0, 7), all[1].StartTime)
}
