package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/engine"
	"calsync/internal/model"
	"calsync/internal/store"
	"calsync/internal/syncerr"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRunner struct {
	calls atomic.Int32
	err   error
	// block, when set, holds every run until closed.
	block chan struct{}
	// onRun, when set, is called at the start of every run.
	onRun func()

	mu    sync.Mutex
	users []string
}

func (r *fakeRunner) Run(ctx context.Context, userID, sourceID string) (engine.Report, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.users = append(r.users, userID)
	r.mu.Unlock()
	if r.onRun != nil {
		r.onRun()
	}
	if r.block != nil {
		<-r.block
	}
	return engine.Report{UserID: userID}, r.err
}

func setup(t *testing.T, runner *fakeRunner, opts Options) (*Scheduler, *store.Store, *clock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	opts.Now = clk.Now
	if opts.MinInterval == 0 {
		opts.MinInterval = 30 * time.Minute
	}
	s := New(runner, st, opts)
	t.Cleanup(s.Stop)
	return s, st, clk
}

func TestParseReason(t *testing.T) {
	for _, v := range []string{"manual", "timer", "page-load", "user-activity"} {
		r, err := ParseReason(v)
		require.NoError(t, err)
		assert.Equal(t, Reason(v), r)
	}
	_, err := ParseReason("cron")
	assert.True(t, syncerr.Is(err, syncerr.KindInvalid))
}

func TestTimerInsideMinIntervalIsRejected(t *testing.T) {
	r := &fakeRunner{}
	s, _, clk := setup(t, r, Options{})
	ctx := context.Background()

	out, err := s.Run(ctx, "u1", ReasonTimer, "")
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	clk.Advance(10 * time.Minute)
	out, err = s.Run(ctx, "u1", ReasonTimer, "")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Accepted: false, Reason: "rate_limited"}, out)

	clk.Advance(21 * time.Minute)
	out, err = s.Run(ctx, "u1", ReasonPageLoad, "")
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.EqualValues(t, 2, r.calls.Load())
}

func TestTimerOnNextCronSlotIsAdmitted(t *testing.T) {
	r := &fakeRunner{}
	s, st, clk := setup(t, r, Options{MinInterval: 30 * time.Minute})
	r.onRun = func() { clk.Advance(5 * time.Second) }
	ctx := context.Background()

	out, err := s.Run(ctx, "u1", ReasonTimer, "")
	require.NoError(t, err)
	require.True(t, out.Accepted)

	got, err := st.GetSyncState(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.LastSyncAt.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))

	// 09:30:00, the previous run ended at 09:00:05.
	clk.Advance(30*time.Minute - 5*time.Second)
	out, err = s.Run(ctx, "u1", ReasonTimer, "")
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	// 09:59:58, a tick firing slightly early.
	clk.Advance(30*time.Minute - 7*time.Second)
	out, err = s.Run(ctx, "u1", ReasonTimer, "")
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	// The slack applies to timer ticks only.
	clk.Advance(29*time.Minute + 30*time.Second)
	out, err = s.Run(ctx, "u1", ReasonPageLoad, "")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Accepted: false, Reason: "rate_limited"}, out)
	assert.EqualValues(t, 3, r.calls.Load())
}

func TestManualBypassesIntervalButNotDailyCap(t *testing.T) {
	r := &fakeRunner{}
	s, _, clk := setup(t, r, Options{MaxSyncsPerDay: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := s.Run(ctx, "u1", ReasonManual, "")
		require.NoError(t, err)
		require.True(t, out.Accepted, "run %d", i)
		clk.Advance(time.Minute)
	}

	out, err := s.Run(ctx, "u1", ReasonManual, "")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Accepted: false, Reason: "rate_limited"}, out)
	assert.EqualValues(t, 3, r.calls.Load())
}

func TestDailyCapRejectsTimer(t *testing.T) {
	r := &fakeRunner{}
	s, st, _ := setup(t, r, Options{MaxSyncsPerDay: 5})
	ctx := context.Background()
	require.NoError(t, st.PutSyncState(ctx, model.SyncState{
		UserID: "u1", SyncCountToday: 5, LastSyncDate: "2026-03-10",
		LastSyncAt: time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC),
	}))

	out, err := s.Trigger(ctx, "u1", ReasonTimer, "")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Accepted: false, Reason: "rate_limited"}, out)
	assert.Zero(t, r.calls.Load())
}

func TestDailyCounterResetsOnNewDay(t *testing.T) {
	r := &fakeRunner{}
	s, st, _ := setup(t, r, Options{MaxSyncsPerDay: 5, Location: time.UTC})
	ctx := context.Background()
	require.NoError(t, st.PutSyncState(ctx, model.SyncState{
		UserID: "u1", SyncCountToday: 5, LastSyncDate: "2026-03-09",
		LastSyncAt: time.Date(2026, 3, 9, 20, 0, 0, 0, time.UTC),
	}))

	status, err := s.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, status.SyncCountToday)

	out, err := s.Run(ctx, "u1", ReasonTimer, "")
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	got, err := st.GetSyncState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SyncCountToday)
	assert.Equal(t, "2026-03-10", got.LastSyncDate)
}

func TestFailedRunDoesNotCount(t *testing.T) {
	r := &fakeRunner{err: syncerr.Errorf(syncerr.KindReauthRequired, "token.ensure_valid", "dead")}
	s, st, clk := setup(t, r, Options{})
	ctx := context.Background()

	out, err := s.Run(ctx, "u1", ReasonManual, "")
	require.Error(t, err)
	assert.True(t, out.Accepted)
	assert.True(t, syncerr.Is(err, syncerr.KindReauthRequired))

	got, err := st.GetSyncState(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, got.SyncCountToday)
	assert.True(t, got.LastSyncAt.IsZero())
	assert.True(t, clk.Now().Equal(got.LastAttemptAt))
	assert.Equal(t, "manual", got.LastReason)
	assert.Contains(t, got.LastError, "reauth_required")

	// The attempt still spaces out automatic triggers.
	out, err = s.Run(ctx, "u1", ReasonTimer, "")
	require.NoError(t, err)
	assert.False(t, out.Accepted)
}

func TestConcurrentTriggerIsAlreadySyncing(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	s, _, _ := setup(t, r, Options{})
	ctx := context.Background()

	out, err := s.Trigger(ctx, "u1", ReasonManual, "")
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	status, err := s.Status(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, status.IsSyncing)

	out, err = s.Trigger(ctx, "u1", ReasonManual, "")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Accepted: false, Reason: "already_syncing"}, out)

	err = s.Exclusive("u1", func() error { return nil })
	assert.True(t, syncerr.Is(err, syncerr.KindBusy))

	// Other users are independent.
	out, err = s.Trigger(ctx, "u2", ReasonManual, "")
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	close(r.block)
	s.Wait()

	status, err = s.Status(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, status.IsSyncing)
	assert.Equal(t, 1, status.SyncCountToday)
	require.NotNil(t, status.LastSyncAt)
}

func TestActivityTriggersAreDebounced(t *testing.T) {
	r := &fakeRunner{}
	s, _, _ := setup(t, r, Options{QuietPeriod: 30 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		out, err := s.Trigger(ctx, "u1", ReasonActivity, "")
		require.NoError(t, err)
		assert.Equal(t, Outcome{Accepted: true, Debounced: true}, out)
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestReplacedActivityTimerDoesNotFire(t *testing.T) {
	r := &fakeRunner{}
	s, _, _ := setup(t, r, Options{QuietPeriod: time.Hour})

	s.notifyActivity("u1")
	s.mu.Lock()
	first := s.pending["u1"]
	s.mu.Unlock()

	s.notifyActivity("u1")
	s.mu.Lock()
	current := s.pending["u1"]
	s.mu.Unlock()
	require.NotSame(t, first, current)

	// A replaced timer that fired anyway neither runs nor drops the pending one.
	s.fireActivity("u1", first)
	s.Wait()
	assert.Zero(t, r.calls.Load())
	s.mu.Lock()
	assert.Same(t, current, s.pending["u1"])
	s.mu.Unlock()

	s.fireActivity("u1", current)
	s.Wait()
	assert.EqualValues(t, 1, r.calls.Load())
	s.mu.Lock()
	assert.Empty(t, s.pending)
	s.mu.Unlock()
}

func TestTickFansOutToKnownUsers(t *testing.T) {
	r := &fakeRunner{}
	s, st, _ := setup(t, r, Options{})
	ctx := context.Background()
	for _, u := range []string{"u1", "u2"} {
		require.NoError(t, st.PutSyncState(ctx, model.SyncState{UserID: u}))
	}

	s.tick()
	s.Wait()

	assert.ElementsMatch(t, []string{"u1", "u2"}, r.users)
}

func TestStartRejectsBadTimer(t *testing.T) {
	s, _, _ := setup(t, &fakeRunner{}, Options{Timer: "every now and then"})
	assert.Error(t, s.Start())
}

func TestStatusForUnknownUser(t *testing.T) {
	s, _, _ := setup(t, &fakeRunner{}, Options{})
	status, err := s.Status(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, status.LastSyncAt)
	assert.False(t, status.IsSyncing)
}

func TestExclusiveRunsFn(t *testing.T) {
	s, _, _ := setup(t, &fakeRunner{}, Options{})
	want := errors.New("boom")
	assert.Equal(t, want, s.Exclusive("u1", func() error { return want }))
	assert.NoError(t, s.Exclusive("u1", func() error { return nil }))
}
