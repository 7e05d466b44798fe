// Package engine runs one sync for one user: make sure the OAuth credential
// is usable, discover provider calendars, reconcile them into the registry,
// then fetch every enabled source and store its events as the last known
// good copy.
package engine

import (
	"context"
	"slices"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/registry"
	"calsync/internal/syncerr"
)

// Tokens is the token lifecycle the engine depends on.
type Tokens interface {
	EnsureValid(ctx context.Context, userID, provider string) (model.Credential, error)
	Invalidate(ctx context.Context, userID, provider string) error
	Current(ctx context.Context, userID, provider string) (*model.Credential, error)
}

// Fetcher retrieves provider calendars and source events.
type Fetcher interface {
	ListProviderCalendars(ctx context.Context, cred model.Credential) ([]model.ProviderCalendar, error)
	FetchEvents(ctx context.Context, src model.CalendarSource, r model.TimeRange, cred *model.Credential) ([]model.RawEvent, error)
}

// EventStore keeps the last successfully fetched events per source.
type EventStore interface {
	ReplaceEvents(ctx context.Context, userID, sourceID string, events []model.RawEvent) error
	ListEvents(ctx context.Context, userID string, sourceIDs []string, r model.TimeRange) ([]model.RawEvent, error)
}

type Options struct {
	// Provider is the credential-store key of the OAuth calendar provider.
	// Empty disables discovery.
	Provider     string
	HorizonDays  int
	BackfillDays int
	Location     *time.Location
	Now          func() time.Time
}

type Engine struct {
	tokens     Tokens
	registry   *registry.Registry
	reconciler *reconcile.Reconciler
	fetcher    Fetcher
	events     EventStore

	provider     string
	horizonDays  int
	backfillDays int
	loc          *time.Location
	now          func() time.Time
}

func New(tokens Tokens, reg *registry.Registry, rec *reconcile.Reconciler, fetcher Fetcher, events EventStore, opts Options) *Engine {
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 30
	}
	if opts.BackfillDays < 0 {
		opts.BackfillDays = 0
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		tokens:       tokens,
		registry:     reg,
		reconciler:   rec,
		fetcher:      fetcher,
		events:       events,
		provider:     opts.Provider,
		horizonDays:  opts.HorizonDays,
		backfillDays: opts.BackfillDays,
		loc:          opts.Location,
		now:          opts.Now,
	}
}

// RefreshResult is the outcome of a calendar discovery.
type RefreshResult struct {
	SourcesDiscovered int `json:"sourcesDiscovered"`
	SourcesCreated    int `json:"sourcesCreated"`
	TotalSources      int `json:"totalSources"`
}

// SourceResult is the outcome of fetching one source.
type SourceResult struct {
	SourceID   string           `json:"sourceId"`
	Type       model.SourceType `json:"type"`
	Events     int              `json:"events"`
	Kind       syncerr.Kind     `json:"kind,omitempty"`
	StatusCode int              `json:"statusCode,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Report describes one run.
type Report struct {
	UserID    string         `json:"userId"`
	Discovery *RefreshResult `json:"discovery,omitempty"`
	Sources   []SourceResult `json:"sources"`
	Failed    int            `json:"failed"`
}

// Window is the event range a run fetches, in the configured timezone:
// from the start of today minus the backfill to the end of the horizon.
func (e *Engine) Window() model.TimeRange {
	return e.window(e.backfillDays, e.horizonDays)
}

func (e *Engine) window(backfill, horizon int) model.TimeRange {
	now := e.now().In(e.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
	return model.TimeRange{
		Start: today.AddDate(0, 0, -backfill),
		End:   today.AddDate(0, 0, horizon+1),
	}
}

// RefreshSources discovers the provider's calendars and reconciles them
// into the registry.
//
// Errors: KindReauthRequired (no or dead credential), KindRetryable with
// remediation token_expired (refresh failed transiently), KindNoCalendars,
// KindSuperseded, KindReconciliationAborted.
func (e *Engine) RefreshSources(ctx context.Context, userID string) (RefreshResult, error) {
	if e.provider == "" {
		return RefreshResult{}, syncerr.Errorf(syncerr.KindInvalid, "engine.refresh", "no calendar provider configured")
	}

	var (
		cals []model.ProviderCalendar
		read model.Credential
	)
	err := e.withCredential(ctx, userID, func(cred model.Credential) error {
		var err error
		read = cred
		cals, err = e.fetcher.ListProviderCalendars(ctx, cred)
		return err
	})
	if err != nil {
		return RefreshResult{}, err
	}
	if len(cals) == 0 {
		return RefreshResult{}, syncerr.WithProvider(
			syncerr.Errorf(syncerr.KindNoCalendars, "engine.refresh", "provider listed no calendars"), e.provider)
	}

	res, err := e.reconciler.Apply(ctx, userID, cals, reconcile.SameConnection(read))
	if err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{
		SourcesDiscovered: res.Discovered,
		SourcesCreated:    res.Created,
		TotalSources:      len(res.Sources),
	}, nil
}

// withCredential runs fn with a valid credential. A 401 from the provider
// invalidates the credential and fn is retried once with a refreshed one.
func (e *Engine) withCredential(ctx context.Context, userID string, fn func(model.Credential) error) error {
	for attempt := 0; ; attempt++ {
		cred, err := e.tokens.EnsureValid(ctx, userID, e.provider)
		if err != nil {
			return err
		}
		err = fn(cred)
		if err == nil || attempt > 0 || syncerr.StatusCode(err) != 401 {
			return err
		}
		appLog.Warn("provider rejected access token", appLog.User(userID), appLog.Provider(e.provider))
		if ierr := e.tokens.Invalidate(ctx, userID, e.provider); ierr != nil {
			return ierr
		}
	}
}

// Run performs a full sync for userID. When onlySource is set, discovery
// is skipped and only that source is fetched.
//
// Per-source failures are reported in the Report and do not fail the run.
// The returned error is a run-level failure: the OAuth step failed, or the
// registry or event store could not be used.
func (e *Engine) Run(ctx context.Context, userID, onlySource string) (Report, error) {
	report := Report{UserID: userID, Sources: []SourceResult{}}

	var (
		runErr error
		cred   *model.Credential
	)
	if e.provider != "" {
		stored, err := e.tokens.Current(ctx, userID, e.provider)
		if err != nil {
			return report, err
		}
		if stored != nil {
			if onlySource == "" {
				res, err := e.RefreshSources(ctx, userID)
				switch {
				case err == nil:
					report.Discovery = &res
				case syncerr.Is(err, syncerr.KindNoCalendars):
					appLog.Warn("provider listed no calendars", appLog.User(userID), appLog.Provider(e.provider))
				default:
					runErr = err
				}
			}
			if runErr == nil {
				c, err := e.tokens.EnsureValid(ctx, userID, e.provider)
				if err != nil {
					runErr = err
				} else {
					cred = &c
				}
			}
		}
	}

	sources, err := e.registry.List(ctx, userID)
	if err != nil {
		return report, err
	}
	if onlySource != "" {
		i := slices.IndexFunc(sources, func(s model.CalendarSource) bool { return s.ID == onlySource })
		if i < 0 {
			return report, syncerr.Errorf(syncerr.KindNotFound, "engine.run", "source %q not found", onlySource)
		}
		sources = sources[i : i+1]
	}

	window := e.Window()
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		var res SourceResult
		if src.Type == model.TypeOAuthCalendar && cred == nil {
			res = SourceResult{SourceID: src.ID, Type: src.Type}
			skipErr := runErr
			if skipErr == nil {
				skipErr = syncerr.Errorf(syncerr.KindReauthRequired, "engine.run", "no credential for %s", e.provider)
			}
			res.fail(skipErr)
		} else {
			var err error
			res, err = e.syncSource(ctx, userID, src, window, cred)
			if err != nil {
				return report, err
			}
		}
		if res.Kind != "" {
			report.Failed++
		}
		report.Sources = append(report.Sources, res)
	}

	appLog.Info("sync run finished", appLog.User(userID),
		"sources", len(report.Sources), "failed", report.Failed, "run_error", runErr)
	return report, runErr
}

// syncSource fetches one source and replaces its cached events on success.
// read is the credential validated at the start of the run; oauth results
// are discarded when the stored credential no longer matches it. Only
// storage failures are returned as error.
func (e *Engine) syncSource(ctx context.Context, userID string, src model.CalendarSource, window model.TimeRange, read *model.Credential) (SourceResult, error) {
	res := SourceResult{SourceID: src.ID, Type: src.Type}

	var events []model.RawEvent
	var err error
	if src.Type == model.TypeOAuthCalendar {
		err = e.withCredential(ctx, userID, func(c model.Credential) error {
			var ferr error
			events, ferr = e.fetcher.FetchEvents(ctx, src, window, &c)
			return ferr
		})
		if err == nil {
			err = e.checkConnection(ctx, *read)
		}
	} else {
		events, err = e.fetcher.FetchEvents(ctx, src, window, nil)
	}

	if err != nil {
		if syncerr.Is(err, syncerr.KindStorage) {
			return res, err
		}
		res.fail(err)
		appLog.Warn("source fetch failed; keeping last known good events", appLog.User(userID), appLog.Source(src.ID),
			"type", src.Type, "kind", res.Kind, "status", res.StatusCode, "err", err)
		return res, nil
	}

	if err := e.events.ReplaceEvents(ctx, userID, src.ID, events); err != nil {
		return res, err
	}
	res.Events = len(events)
	return res, nil
}

// checkConnection discards oauth results when the user disconnected or
// reconnected while the fetch was running.
func (e *Engine) checkConnection(ctx context.Context, read model.Credential) error {
	cur, err := e.tokens.Current(ctx, read.UserID, read.Provider)
	if err != nil {
		return err
	}
	if cur == nil || !cur.SameConnection(read) {
		return syncerr.WithProvider(syncerr.Errorf(syncerr.KindSuperseded, "engine.fetch",
			"credential changed during the run"), read.Provider)
	}
	return nil
}

func (r *SourceResult) fail(err error) {
	r.Kind = syncerr.KindOf(err)
	if r.Kind == "" {
		r.Kind = syncerr.KindFetch
	}
	r.StatusCode = syncerr.StatusCode(err)
	r.Error = err.Error()
}

// Events returns the cached events of the user's enabled sources inside r.
func (e *Engine) Events(ctx context.Context, userID string, r model.TimeRange) ([]model.RawEvent, error) {
	sources, err := e.registry.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return []model.RawEvent{}, nil
	}
	return e.events.ListEvents(ctx, userID, ids, r)
}

// EventWindow is Window with caller-chosen day counts.
func (e *Engine) EventWindow(backfillDays, horizonDays int) model.TimeRange {
	return e.window(backfillDays, horizonDays)
}
