// Package schedule runs user-programmed charging windows: a polling state
// machine that starts and stops sessions at planned times, re-arms recurring
// entries, and reminds owners ahead of a window. Every failure path degrades
// to a notification or a log line; the poll loop never stops for one bad
// entry.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voltbridge/csms/core/command"
	"github.com/voltbridge/csms/core/events"
	"github.com/voltbridge/csms/core/logger"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/notify"
	"github.com/voltbridge/csms/core/status"
	"github.com/voltbridge/csms/internal/eventbus"
)

const (
	// DefaultPollInterval drives the per-entry state machine.
	DefaultPollInterval = time.Second
	// DefaultVerifyDelay is how long a scheduled stop waits before checking
	// that the station recorded the right stop reason.
	DefaultVerifyDelay = 10 * time.Second
	// startGrace bounds how late a start may still fire. Entries older than
	// this are treated as missed, typically after an engine restart.
	startGrace = 2 * time.Minute
	// reminderLead is how far ahead of the window the owner is reminded.
	reminderLead = 30 * time.Minute
)

// Overnight window used by the nightly sweep notice.
var (
	overnightStart = model.TimeOfDay{Hour: 23}
	overnightEnd   = model.TimeOfDay{Hour: 6}
)

// Starter issues remote start commands.
type Starter interface {
	RemoteStart(ctx context.Context, cp model.ConnectorKey, idTag string) command.Response
}

// Sessions is the transaction manager surface the engine needs.
type Sessions interface {
	OpenTransaction(ctx context.Context, key model.ConnectorKey) (model.Transaction, bool, error)
	ManuallyStop(ctx context.Context, key model.ConnectorKey, transactionID int, reason string) error
	Transaction(ctx context.Context, transactionID int) (model.Transaction, bool, error)
}

// Config holds schedule engine settings.
type Config struct {
	// PollIntervalMS between state machine sweeps. Zero means one second.
	PollIntervalMS int `json:"poll_interval_ms"`
	// VerifyDelayMS before confirming a scheduled stop. Zero means ten
	// seconds.
	VerifyDelayMS int `json:"verify_delay_ms"`
	// SweepTime is the wall-clock "HH:MM" at which the nightly overnight
	// notice runs. Defaults to 22:00.
	SweepTime string `json:"sweep_time"`
	// Timezone for wall-clock matching. Defaults to UTC.
	Timezone string `json:"timezone"`
}

// Engine polls schedule entries and drives them through start, stop and
// reminder transitions.
type Engine struct {
	repo     ScheduleRepo
	starter  Starter
	sessions Sessions
	statuses status.Store
	notifier notify.Sink
	bus      eventbus.EventBus
	log      logger.Logger

	poll    time.Duration
	verify  time.Duration
	sweepAt model.TimeOfDay
	loc     *time.Location

	mu        sync.Mutex
	inFlight  map[int64]struct{}
	lastSweep string // yyyy-mm-dd of the last nightly sweep
	wg        sync.WaitGroup
}

// NewEngine wires the schedule engine. bus may be nil; a nil notifier falls
// back to a no-op sink.
func NewEngine(cfg Config, repo ScheduleRepo, starter Starter, sessions Sessions, statuses status.Store, notifier notify.Sink, bus eventbus.EventBus, log logger.Logger) (*Engine, error) {
	if repo == nil || starter == nil || sessions == nil || statuses == nil {
		return nil, fmt.Errorf("schedule: repo, starter, sessions and status store are required")
	}
	if log == nil {
		return nil, fmt.Errorf("schedule: logger is required")
	}
	if notifier == nil {
		notifier = notify.NopSink{}
	}
	poll := DefaultPollInterval
	if cfg.PollIntervalMS > 0 {
		poll = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	}
	verify := DefaultVerifyDelay
	if cfg.VerifyDelayMS > 0 {
		verify = time.Duration(cfg.VerifyDelayMS) * time.Millisecond
	}
	sweepAt := model.TimeOfDay{Hour: 22}
	if cfg.SweepTime != "" {
		t, err := model.ParseTimeOfDay(cfg.SweepTime)
		if err != nil {
			return nil, fmt.Errorf("schedule: sweep time: %w", err)
		}
		sweepAt = t
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule: timezone: %w", err)
		}
		loc = l
	}
	return &Engine{
		repo:     repo,
		starter:  starter,
		sessions: sessions,
		statuses: statuses,
		notifier: notifier,
		bus:      bus,
		log:      log,
		poll:     poll,
		verify:   verify,
		sweepAt:  sweepAt,
		loc:      loc,
		inFlight: make(map[int64]struct{}),
	}, nil
}

// Run polls until ctx is cancelled, then waits for in-flight entry handlers.
func (s *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	s.log.Infof("schedule engine polling every %s", s.poll)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now.In(s.loc))
		}
	}
}

// tick runs one poll pass. Each due entry is handled on its own goroutine so
// a slow station cannot stall the rest of the fleet.
func (s *Engine) tick(ctx context.Context, now time.Time) {
	entries, err := s.repo.Enabled(ctx)
	if err != nil {
		s.log.Errorf("schedule poll: %v", err)
		return
	}
	for _, e := range entries {
		e := e
		switch {
		case s.dueToStart(e, now):
			s.spawn(e.ID, func() { s.handleStart(ctx, e, now) })
		case s.missedStart(e, now):
			s.spawn(e.ID, func() { s.handleMissed(ctx, e) })
		case s.dueToStop(e, now):
			s.spawn(e.ID, func() { s.handleStop(ctx, e) })
		case s.dueReminder(e, now):
			s.spawn(e.ID, func() { s.handleReminder(ctx, e) })
		}
	}
	s.nightlySweep(ctx, now, entries)
}

func (s *Engine) dueToStart(e model.ScheduleEntry, now time.Time) bool {
	return !e.Started && !now.Before(e.StartTime) &&
		now.Sub(e.StartTime) <= startGrace && e.Routine(now.Weekday())
}

func (s *Engine) missedStart(e model.ScheduleEntry, now time.Time) bool {
	return !e.Started && now.Sub(e.StartTime) > startGrace
}

func (s *Engine) dueToStop(e model.ScheduleEntry, now time.Time) bool {
	return !e.Stopped && !now.Before(e.EndTime)
}

func (s *Engine) dueReminder(e model.ScheduleEntry, now time.Time) bool {
	if e.ReminderSent || e.Started {
		return false
	}
	remaining := e.StartTime.Sub(now)
	return remaining > 0 && remaining <= reminderLead
}

// spawn runs fn once per entry; a second trigger while the first is still
// running is dropped.
func (s *Engine) spawn(id int64, fn func()) {
	s.mu.Lock()
	if _, busy := s.inFlight[id]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, id)
			s.mu.Unlock()
		}()
		fn()
	}()
}

// handleStart realizes a due window. Recurrence is re-armed first, regardless
// of how the start itself goes: a rejected or failed start never cancels
// future occurrences.
func (s *Engine) handleStart(ctx context.Context, e model.ScheduleEntry, now time.Time) {
	s.rearm(ctx, e)

	online, err := s.statuses.IsOnline(ctx, e.Connector.ChargeBoxID)
	if err != nil {
		s.log.Warnf("schedule %d: liveness for %s: %v", e.ID, e.Connector.ChargeBoxID, err)
	}
	if !online {
		s.finishStart(ctx, e, "offline", fmt.Errorf("charge point offline"),
			"Scheduled charging could not start: the charger is offline.")
		return
	}
	rec, ok, err := s.statuses.Last(ctx, e.Connector)
	if err != nil {
		s.log.Warnf("schedule %d: status for %s: %v", e.ID, e.Connector, err)
	}
	if !ok || (rec.Status != model.StatusPreparing && rec.Status != model.StatusFinishing) {
		state := "unknown"
		if ok {
			state = rec.Status
		}
		s.finishStart(ctx, e, "not_ready", fmt.Errorf("connector %s", state),
			"Scheduled charging could not start: please plug in your vehicle.")
		return
	}

	resp := s.starter.RemoteStart(ctx, e.Connector, e.IDTag)
	if !resp.Outcome.Accepted() {
		s.finishStart(ctx, e, resp.Outcome.String(), fmt.Errorf("remote start %s: %s", resp.Outcome, resp.Detail),
			"Scheduled charging could not start: the charger did not accept the request.")
		return
	}

	e.Started = true
	if err := s.repo.Update(ctx, e); err != nil {
		s.log.Errorf("schedule %d: update: %v", e.ID, err)
	}
	scheduleActions.WithLabelValues("start", "accepted").Inc()
	s.log.Infof("schedule %d: charging started on %s", e.ID, e.Connector)
	s.publish(e, "start", nil)
	s.send(ctx, e, "Scheduled charging", fmt.Sprintf("Charging started on %s as planned.", e.Connector))
}

// finishStart records a failed start attempt. The entry is disabled so the
// grace window cannot re-fire it; the next occurrence, if any, was already
// inserted.
func (s *Engine) finishStart(ctx context.Context, e model.ScheduleEntry, outcome string, cause error, msg string) {
	e.Enabled = false
	if err := s.repo.Update(ctx, e); err != nil {
		s.log.Errorf("schedule %d: update: %v", e.ID, err)
	}
	scheduleActions.WithLabelValues("start", outcome).Inc()
	s.log.Warnf("schedule %d: start on %s failed: %v", e.ID, e.Connector, cause)
	s.publish(e, "start", cause)
	s.send(ctx, e, "Scheduled charging", msg)
}

// handleMissed retires an entry whose window went by while the engine was not
// running.
func (s *Engine) handleMissed(ctx context.Context, e model.ScheduleEntry) {
	s.rearm(ctx, e)
	e.Enabled = false
	if err := s.repo.Update(ctx, e); err != nil {
		s.log.Errorf("schedule %d: update: %v", e.ID, err)
	}
	scheduleActions.WithLabelValues("start", "missed").Inc()
	s.log.Warnf("schedule %d: start window missed, entry retired", e.ID)
	s.publish(e, "start", fmt.Errorf("start window missed"))
}

// rearm inserts the next occurrence of a recurring entry.
func (s *Engine) rearm(ctx context.Context, e model.ScheduleEntry) {
	if !e.Recurring() {
		return
	}
	next := e.NextOccurrence()
	if _, err := s.repo.Insert(ctx, next); err != nil {
		s.log.Errorf("schedule %d: next occurrence: %v", e.ID, err)
		return
	}
	s.log.Debugf("schedule %d: next occurrence at %s", e.ID, next.StartTime)
}

// handleStop ends the window's session and verifies the station recorded the
// scheduled-stop reason before declaring success.
func (s *Engine) handleStop(ctx context.Context, e model.ScheduleEntry) {
	t, ok, err := s.sessions.OpenTransaction(ctx, e.Connector)
	if err != nil {
		s.log.Errorf("schedule %d: open transaction on %s: %v", e.ID, e.Connector, err)
		return
	}
	if !ok {
		s.retire(ctx, e)
		scheduleActions.WithLabelValues("stop", "already_ended").Inc()
		s.publish(e, "stop", nil)
		s.send(ctx, e, "Scheduled charging", "Your session had already ended before the scheduled stop time.")
		return
	}

	if err := s.sessions.ManuallyStop(ctx, e.Connector, t.ID, model.ReasonScheduledStop); err != nil {
		s.retire(ctx, e)
		scheduleActions.WithLabelValues("stop", "failed").Inc()
		s.log.Errorf("schedule %d: stop tx %d: %v", e.ID, t.ID, err)
		s.publish(e, "stop", err)
		s.send(ctx, e, "Scheduled charging", "Charging could not be stopped as planned; please check your vehicle.")
		return
	}

	select {
	case <-time.After(s.verify):
	case <-ctx.Done():
		return
	}

	cur, ok, err := s.sessions.Transaction(ctx, t.ID)
	confirmed := err == nil && ok && cur.Stop != nil && cur.Stop.Reason == model.ReasonScheduledStop
	s.retire(ctx, e)
	if confirmed {
		scheduleActions.WithLabelValues("stop", "confirmed").Inc()
		s.log.Infof("schedule %d: tx %d stopped as planned", e.ID, t.ID)
		s.publish(e, "stop", nil)
		s.send(ctx, e, "Scheduled charging", "Charging completed as planned.")
		return
	}
	scheduleActions.WithLabelValues("stop", "unconfirmed").Inc()
	s.log.Warnf("schedule %d: could not confirm stop of tx %d", e.ID, t.ID)
	s.publish(e, "stop", fmt.Errorf("stop not confirmed"))
	s.send(ctx, e, "Scheduled charging", "We could not confirm that charging stopped; please check your vehicle.")
}

// retire marks the window done and inert.
func (s *Engine) retire(ctx context.Context, e model.ScheduleEntry) {
	e.Stopped = true
	e.Enabled = false
	if err := s.repo.Update(ctx, e); err != nil {
		s.log.Errorf("schedule %d: update: %v", e.ID, err)
	}
}

func (s *Engine) handleReminder(ctx context.Context, e model.ScheduleEntry) {
	e.ReminderSent = true
	if err := s.repo.Update(ctx, e); err != nil {
		s.log.Errorf("schedule %d: update: %v", e.ID, err)
		return
	}
	scheduleReminders.Inc()
	s.publish(e, "reminder", nil)
	s.send(ctx, e, "Charging reminder",
		fmt.Sprintf("Your scheduled charging on %s starts at %s. Please plug in your vehicle.",
			e.Connector, e.StartTime.In(s.loc).Format("15:04")))
}

// nightlySweep triggers the once-daily overnight notice. The day guard runs on
// the poll goroutine so only one pass wins; the notifications themselves go
// out on their own goroutine like every other entry handler.
func (s *Engine) nightlySweep(ctx context.Context, now time.Time, entries []model.ScheduleEntry) {
	day := now.Format("2006-01-02")
	if model.TimeOfDayFrom(now).Before(s.sweepAt) {
		return
	}
	s.mu.Lock()
	if s.lastSweep == day {
		s.mu.Unlock()
		return
	}
	s.lastSweep = day
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.announceOvernight(ctx, now, entries)
	}()
}

// announceOvernight sends the batch notice for windows planned in the
// overnight hours. Per-entry failures are logged and skipped.
func (s *Engine) announceOvernight(ctx context.Context, now time.Time, entries []model.ScheduleEntry) {
	window := model.TariffWindow{Start: overnightStart, End: overnightEnd}
	count := 0
	for _, e := range entries {
		if e.Started || !e.StartTime.After(now) || e.StartTime.Sub(now) > 10*time.Hour {
			continue
		}
		if !window.Contains(model.TimeOfDayFrom(e.StartTime.In(s.loc))) {
			continue
		}
		count++
		s.publish(e, "overnight", nil)
		s.send(ctx, e, "Upcoming overnight charging",
			fmt.Sprintf("Charging on %s is planned tonight at %s.",
				e.Connector, e.StartTime.In(s.loc).Format("15:04")))
	}
	if count > 0 {
		s.log.Infof("nightly sweep: %d overnight windows announced", count)
	}
}

func (s *Engine) publish(e model.ScheduleEntry, action string, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.ScheduleEvent{Entry: e, Action: action, Err: err})
}

func (s *Engine) send(ctx context.Context, e model.ScheduleEntry, title, msg string) {
	if err := s.notifier.Send(ctx, notify.Notification{
		IDTag:   e.IDTag,
		Title:   title,
		Message: msg,
		Payload: fmt.Sprintf("%d", e.ID),
	}); err != nil {
		s.log.Warnf("schedule %d: notification: %v", e.ID, err)
	}
}
