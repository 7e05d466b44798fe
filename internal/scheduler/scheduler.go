// Package scheduler decides when a user's sync may run.
//
// Every trigger site goes through one admission check: a run already in
// flight short-circuits with already_syncing, the daily cap is never
// bypassed, and the minimum interval is bypassed only by manual triggers.
// A failed run does not count against the daily cap.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/engine"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/syncerr"
)

// timerSlack is how much earlier than MinInterval a timer trigger is
// still admitted.
const timerSlack = time.Minute

// Reason is why a sync was requested.
type Reason string

const (
	ReasonManual   Reason = "manual"
	ReasonTimer    Reason = "timer"
	ReasonPageLoad Reason = "page-load"
	ReasonActivity Reason = "user-activity"
)

// ParseReason validates a trigger reason from the outside world.
func ParseReason(s string) (Reason, error) {
	switch r := Reason(s); r {
	case ReasonManual, ReasonTimer, ReasonPageLoad, ReasonActivity:
		return r, nil
	}
	return "", syncerr.Errorf(syncerr.KindInvalid, "scheduler.reason", "unknown trigger reason %q", s)
}

// Runner performs one sync.
type Runner interface {
	Run(ctx context.Context, userID, sourceID string) (engine.Report, error)
}

// StateStore persists per-user bookkeeping.
type StateStore interface {
	GetSyncState(ctx context.Context, userID string) (model.SyncState, error)
	PutSyncState(ctx context.Context, st model.SyncState) error
	ListUsers(ctx context.Context) ([]string, error)
}

type Options struct {
	// Timer is the cron spec for timer triggers. Empty disables the timer.
	Timer          string
	MinInterval    time.Duration
	MaxSyncsPerDay int
	QuietPeriod    time.Duration
	RunTimeout     time.Duration
	// Location decides when the daily counter resets.
	Location *time.Location
	Now      func() time.Time
	Metrics  *metrics.Metrics
}

// Outcome is the answer to a trigger.
type Outcome struct {
	Accepted bool `json:"accepted"`
	// Reason names the refusal: rate_limited or already_syncing.
	Reason string `json:"reason,omitempty"`
	// Debounced is set when a user-activity trigger was folded into a
	// pending attempt.
	Debounced bool           `json:"debounced,omitempty"`
	Report    *engine.Report `json:"report,omitempty"`
}

// Status is a user's sync state as shown to clients.
type Status struct {
	LastSyncAt     *time.Time `json:"lastSyncAt"`
	SyncCountToday int        `json:"syncCountToday"`
	IsSyncing      bool       `json:"isSyncing"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty"`
	LastReason     string     `json:"lastReason,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

type Scheduler struct {
	runner Runner
	store  StateStore
	opts   Options

	mu      sync.Mutex
	running map[string]bool
	pending map[string]*time.Timer

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(runner Runner, store StateStore, opts Options) *Scheduler {
	if opts.MinInterval < 0 {
		opts.MinInterval = 0
	}
	if opts.MaxSyncsPerDay <= 0 {
		opts.MaxSyncsPerDay = 5
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = 5 * time.Minute
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 2 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:  runner,
		store:   store,
		opts:    opts,
		running: make(map[string]bool),
		pending: make(map[string]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Scheduler) today() string {
	return s.opts.Now().In(s.opts.Location).Format("2006-01-02")
}

// rollover applies the lazy daily reset.
func (s *Scheduler) rollover(st model.SyncState) model.SyncState {
	if today := s.today(); st.LastSyncDate != today {
		st.SyncCountToday = 0
		st.LastSyncDate = today
	}
	return st
}

// admit is the single admission check. On success the user is marked as
// running and the caller must call finish.
func (s *Scheduler) admit(ctx context.Context, userID string, reason Reason) (model.SyncState, error) {
	const op = "scheduler.admit"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[userID] {
		return model.SyncState{}, syncerr.Errorf(syncerr.KindBusy, op, "a sync is already running")
	}
	st, err := s.store.GetSyncState(ctx, userID)
	if err != nil {
		return model.SyncState{}, err
	}
	st = s.rollover(st)

	if st.SyncCountToday >= s.opts.MaxSyncsPerDay {
		return st, syncerr.Errorf(syncerr.KindRateLimited, op, "daily limit of %d syncs reached", s.opts.MaxSyncsPerDay)
	}
	if reason != ReasonManual {
		last := st.LastSyncAt
		if st.LastAttemptAt.After(last) {
			last = st.LastAttemptAt
		}
		interval := s.opts.MinInterval
		if reason == ReasonTimer {
			// Cron ticks may land a little early relative to the last start.
			interval -= timerSlack
		}
		if !last.IsZero() {
			if wait := interval - s.opts.Now().Sub(last); wait > 0 {
				return st, syncerr.Errorf(syncerr.KindRateLimited, op, "next %s sync allowed in %s", reason, wait.Round(time.Second))
			}
		}
	}

	s.running[userID] = true
	return st, nil
}

func (s *Scheduler) refuse(userID string, reason Reason, err error) Outcome {
	refusal := syncerr.Remediation(err)
	s.opts.Metrics.SyncRejected(string(reason), refusal)
	appLog.Debug("sync trigger refused", appLog.User(userID), "reason", reason, "refusal", refusal, "detail", err)
	return Outcome{Accepted: false, Reason: refusal}
}

// execute runs an admitted sync and records its outcome.
func (s *Scheduler) execute(ctx context.Context, userID string, reason Reason, sourceID string, st model.SyncState) (engine.Report, error) {
	defer func() {
		s.mu.Lock()
		delete(s.running, userID)
		s.mu.Unlock()
	}()

	start := s.opts.Now()
	rctx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	appLog.Info("sync started", appLog.User(userID), "reason", reason)
	report, runErr := s.runner.Run(rctx, userID, sourceID)
	end := s.opts.Now()

	st.UserID = userID
	st.LastAttemptAt = start
	st.LastReason = string(reason)
	st = s.rollover(st)
	result := "ok"
	if runErr == nil {
		st.LastSyncAt = start
		st.SyncCountToday++
		st.LastError = ""
	} else {
		st.LastError = runErr.Error()
		result = string(syncerr.KindOf(runErr))
		if result == "" {
			result = "error"
		}
	}

	// The run context may be spent; bookkeeping gets its own.
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer pcancel()
	if err := s.store.PutSyncState(pctx, st); err != nil {
		appLog.Error("sync state save failed", err, appLog.User(userID))
		if runErr == nil {
			runErr = err
		}
	}

	s.opts.Metrics.SyncRun(string(reason), result, end.Sub(start))
	if runErr != nil {
		appLog.Warn("sync failed", appLog.User(userID), "reason", reason, "err", runErr)
	} else {
		appLog.Info("sync finished", appLog.User(userID), "reason", reason,
			"count_today", st.SyncCountToday, "failed_sources", report.Failed)
	}
	return report, runErr
}

// Run admits and performs a sync synchronously. A refusal is reported in
// the Outcome, not as an error; the error is the run's own failure.
func (s *Scheduler) Run(ctx context.Context, userID string, reason Reason, sourceID string) (Outcome, error) {
	st, err := s.admit(ctx, userID, reason)
	if err != nil {
		if syncerr.Is(err, syncerr.KindBusy) || syncerr.Is(err, syncerr.KindRateLimited) {
			return s.refuse(userID, reason, err), nil
		}
		return Outcome{}, err
	}
	report, err := s.execute(ctx, userID, reason, sourceID, st)
	return Outcome{Accepted: true, Report: &report}, err
}

// Trigger admits a sync and runs it in the background. User-activity
// triggers are debounced: a burst collapses into one attempt once the
// quiet period has passed.
func (s *Scheduler) Trigger(ctx context.Context, userID string, reason Reason, sourceID string) (Outcome, error) {
	if reason == ReasonActivity {
		s.notifyActivity(userID)
		return Outcome{Accepted: true, Debounced: true}, nil
	}
	return s.triggerNow(ctx, userID, reason, sourceID)
}

func (s *Scheduler) triggerNow(ctx context.Context, userID string, reason Reason, sourceID string) (Outcome, error) {
	st, err := s.admit(ctx, userID, reason)
	if err != nil {
		if syncerr.Is(err, syncerr.KindBusy) || syncerr.Is(err, syncerr.KindRateLimited) {
			return s.refuse(userID, reason, err), nil
		}
		return Outcome{}, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, userID, reason, sourceID, st)
	}()
	return Outcome{Accepted: true}, nil
}

// Exclusive runs fn while holding the user's sync slot, without the rate
// limits and without touching the sync bookkeeping. Source discovery uses
// it so it never overlaps a sync.
func (s *Scheduler) Exclusive(userID string, fn func() error) error {
	s.mu.Lock()
	if s.running[userID] {
		s.mu.Unlock()
		return syncerr.Errorf(syncerr.KindBusy, "scheduler.exclusive", "a sync is already running")
	}
	s.running[userID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, userID)
		s.mu.Unlock()
	}()
	return fn()
}

func (s *Scheduler) notifyActivity(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Each burst entry replaces the pending timer; a stale one that already
	// fired finds itself replaced and does nothing.
	if t, ok := s.pending[userID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.opts.QuietPeriod, func() { s.fireActivity(userID, t) })
	s.pending[userID] = t
}

// fireActivity runs the debounced trigger if t is still the user's pending
// timer.
func (s *Scheduler) fireActivity(userID string, t *time.Timer) {
	s.mu.Lock()
	if s.pending[userID] != t {
		s.mu.Unlock()
		return
	}
	delete(s.pending, userID)
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.triggerNow(s.ctx, userID, ReasonActivity, ""); err != nil {
		appLog.Error("activity sync trigger failed", err, appLog.User(userID))
	}
}

// Status returns the user's bookkeeping with the daily reset applied.
func (s *Scheduler) Status(ctx context.Context, userID string) (Status, error) {
	st, err := s.store.GetSyncState(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	st = s.rollover(st)

	s.mu.Lock()
	syncing := s.running[userID]
	s.mu.Unlock()

	out := Status{
		SyncCountToday: st.SyncCountToday,
		IsSyncing:      syncing,
		LastReason:     st.LastReason,
		LastError:      st.LastError,
	}
	if !st.LastSyncAt.IsZero() {
		t := st.LastSyncAt
		out.LastSyncAt = &t
	}
	if !st.LastAttemptAt.IsZero() {
		t := st.LastAttemptAt
		out.LastAttemptAt = &t
	}
	return out, nil
}

// Start schedules timer triggers for every known user.
func (s *Scheduler) Start() error {
	if s.opts.Timer == "" {
		return nil
	}
	c := cron.New(cron.WithLocation(s.opts.Location))
	if _, err := c.AddFunc(s.opts.Timer, s.tick); err != nil {
		return fmt.Errorf("add timer %q: %w", s.opts.Timer, err)
	}
	s.cron = c
	c.Start()
	appLog.Info("scheduler started", "timer", s.opts.Timer, "timezone", s.opts.Location.String())
	return nil
}

// tick fans a timer trigger out to every user.
func (s *Scheduler) tick() {
	users, err := s.store.ListUsers(s.ctx)
	if err != nil {
		appLog.Error("list users for timer sync failed", err)
		return
	}
	for _, u := range users {
		if _, err := s.triggerNow(s.ctx, u, ReasonTimer, ""); err != nil {
			appLog.Error("timer sync trigger failed", err, appLog.User(u))
		}
	}
}

// Stop cancels pending activity triggers, stops the timer and waits for
// in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.mu.Lock()
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	appLog.Info("scheduler stopped")
}

// Wait blocks until background runs started so far have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
