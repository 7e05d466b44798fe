package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/config"
	"calsync/internal/engine"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/registry"
	"calsync/internal/scheduler"
	"calsync/internal/store"
	"calsync/internal/syncerr"
	"calsync/internal/token"
)

type stubFetcher struct {
	calendars []model.ProviderCalendar
}

func (f *stubFetcher) ListProviderCalendars(ctx context.Context, cred model.Credential) ([]model.ProviderCalendar, error) {
	return f.calendars, nil
}

func (f *stubFetcher) FetchEvents(ctx context.Context, src model.CalendarSource, r model.TimeRange, cred *model.Credential) ([]model.RawEvent, error) {
	start := r.Start.Add(36 * time.Hour)
	return []model.RawEvent{{
		SourceID: src.ID, UID: src.ID + "-1", InstanceKey: model.InstanceKey(false, start),
		Summary: "Standup", Start: start, End: start.Add(30 * time.Minute),
	}}, nil
}

type harness struct {
	server    *Server
	scheduler *scheduler.Scheduler
	store     *store.Store
	fetcher   *stubFetcher
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	m := metrics.New()
	reg := registry.New(st)
	fetcher := &stubFetcher{calendars: []model.ProviderCalendar{
		{ProviderSourceID: "primary", Name: "Me", Primary: true},
		{ProviderSourceID: "team", Name: "Team"},
	}}
	tokens := token.NewManager(st, map[string]token.Refresher{}, token.Options{Metrics: m})
	eng := engine.New(tokens, reg, reconcile.New(reg, m), fetcher, st, engine.Options{
		Provider:     cfg.OAuth.Provider,
		HorizonDays:  cfg.Fetch.HorizonDays,
		BackfillDays: cfg.Fetch.BackfillDays,
	})
	sched := scheduler.New(eng, st, scheduler.Options{MinInterval: time.Hour, Metrics: m})
	t.Cleanup(sched.Stop)

	return &harness{
		server: NewServer(cfg, Deps{
			Scheduler:   sched,
			Registry:    reg,
			Engine:      eng,
			Credentials: st,
			Metrics:     m,
		}),
		scheduler: sched,
		store:     st,
		fetcher:   fetcher,
	}
}

func (h *harness) do(t *testing.T, method, path, body string, setup ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, fn := range setup {
		fn(req)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	rec := h.do(t, http.MethodPut, "/credentials/google", `{"accessToken":"at","refreshToken":"rt","expiresIn":3600}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func as(user string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-User-ID", user) }
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestBasicAuth(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	})

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/metrics", "").Code)

	rec := h.do(t, http.MethodGet, "/sources", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = h.do(t, http.MethodGet, "/sources", "", func(r *http.Request) { r.SetBasicAuth("admin", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/sources", "", func(r *http.Request) { r.SetBasicAuth("admin", "secret") })
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, secureCompare("abc", "abc"))
	assert.False(t, secureCompare("abc", "abd"))
	assert.False(t, secureCompare("abc", "abcd"))
}

func TestUserID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, DefaultUser, userID(r))
	r.SetBasicAuth("alice", "pw")
	assert.Equal(t, "alice", userID(r))
	r.Header.Set("X-User-ID", "u7")
	assert.Equal(t, "u7", userID(r))
}

func TestSourcesLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/sources", `{"displayName":"Holidays","url":"webcal://example.com/h.ics","tags":["Family"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decode[model.CalendarSource](t, rec)
	assert.Equal(t, "https://example.com/h.ics", added.ProviderSourceID)
	assert.Equal(t, []string{"family"}, added.Tags)

	rec = h.do(t, http.MethodPost, "/sources", `{"url":"https://example.com/h.ics"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Without clear an empty edit list keeps everything.
	rec = h.do(t, http.MethodPut, "/sources", `{"sources":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[sourcesResponse](t, rec).Sources, 1)

	rec = h.do(t, http.MethodPut, "/sources", `{"sources":[{"id":"`+added.ID+`","enabled":false}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[sourcesResponse](t, rec).Sources
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	rec = h.do(t, http.MethodDelete, "/sources/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorResponse](t, rec).Error.TextCode)

	rec = h.do(t, http.MethodDelete, "/sources/"+added.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"sources":[]}`, strings.TrimSpace(rec.Body.String()))
}

func TestReplaceWithClearEmptiesRegistry(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/sources", `{"url":"https://example.com/a.ics"}`).Code)

	rec := h.do(t, http.MethodPut, "/sources", `{"sources":[],"clear":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[sourcesResponse](t, rec).Sources)
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/sources", `{"link":"https://example.com/a.ics"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID", decode[errorResponse](t, rec).Error.TextCode)
}

func TestRefreshSourcesNeedsConnection(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/sources/refresh", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "reauth_required", body.Error.Remediation)
	assert.Equal(t, "REAUTH_REQUIRED", body.Error.TextCode)

	h.connect(t)
	rec = h.do(t, http.MethodPost, "/sources/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, engine.RefreshResult{SourcesDiscovered: 2, SourcesCreated: 2, TotalSources: 2},
		decode[engine.RefreshResult](t, rec))

	// Discovery is idempotent.
	rec = h.do(t, http.MethodPost, "/sources/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[engine.RefreshResult](t, rec).SourcesCreated)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/credentials/google", "").Code)
	rec = h.do(t, http.MethodPost, "/sources/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Disconnecting keeps the registry.
	rec = h.do(t, http.MethodGet, "/sources", "")
	assert.Len(t, decode[sourcesResponse](t, rec).Sources, 2)
}

func TestRefreshSourcesNoCalendars(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.calendars = nil
	h.connect(t)

	rec := h.do(t, http.MethodPost, "/sources/refresh", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_calendars_found", decode[errorResponse](t, rec).Error.Remediation)
}

func TestRefreshSourcesWhileSyncing(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	var rec *httptest.ResponseRecorder
	err := h.scheduler.Exclusive(DefaultUser, func() error {
		rec = h.do(t, http.MethodPost, "/sources/refresh", "")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_syncing", decode[errorResponse](t, rec).Error.Remediation)
}

func TestCredentialsUnknownProvider(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPut, "/credentials/outlook", `{"accessToken":"at"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPut, "/credentials/google", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerSyncAndReadEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/sources", `{"url":"https://example.com/a.ics"}`).Code)

	rec := h.do(t, http.MethodPost, "/sync/trigger", `{"reason":"manual"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[scheduler.Outcome](t, rec).Accepted)
	h.scheduler.Wait()

	rec = h.do(t, http.MethodGet, "/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[scheduler.Status](t, rec)
	assert.Equal(t, 1, status.SyncCountToday)
	assert.False(t, status.IsSyncing)
	require.NotNil(t, status.LastSyncAt)

	// A timer trigger right after falls inside the minimum interval.
	rec = h.do(t, http.MethodPost, "/sync/trigger", `{"reason":"timer"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, scheduler.Outcome{Accepted: false, Reason: "rate_limited"}, decode[scheduler.Outcome](t, rec))

	rec = h.do(t, http.MethodGet, "/api/events?days=7&backfill=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[eventsResponse](t, rec)
	assert.Equal(t, "UTC", events.Timezone)
	// Two discovered calendars plus the feed.
	assert.Len(t, events.Events, 3)
	assert.True(t, events.RangeEnd.After(events.RangeStart))
}

func TestTriggerRejectsUnknownReason(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/sync/trigger", `{"reason":"cron"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsersAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusCreated,
		h.do(t, http.MethodPost, "/sources", `{"url":"https://example.com/a.ics"}`, as("u1")).Code)

	rec := h.do(t, http.MethodGet, "/sources", "", as("u2"))
	assert.Empty(t, decode[sourcesResponse](t, rec).Sources)
	rec = h.do(t, http.MethodGet, "/sources", "", as("u1"))
	assert.Len(t, decode[sourcesResponse](t, rec).Sources, 1)
}

func TestEventsValidatesRange(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/events?days=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/events?backfill=-1", "").Code)

	rec := h.do(t, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[eventsResponse](t, rec).Events)
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		err      error
		code     int
		textCode string
		remedy   any
	}{
		{syncerr.Errorf(syncerr.KindInvalid, "op", "bad"), http.StatusBadRequest, "INVALID", nil},
		{syncerr.Errorf(syncerr.KindRateLimited, "op", "cap"), http.StatusTooManyRequests, "RATE_LIMITED", "rate_limited"},
		{syncerr.HTTPStatus(syncerr.OpTokenRefresh, 503), http.StatusServiceUnavailable, "RETRYABLE", "token_expired"},
		{syncerr.Errorf(syncerr.KindParse, "op", "junk"), http.StatusBadGateway, "PARSE", "check_feed_url"},
		{syncerr.Errorf(syncerr.KindReconciliationAborted, "op", "empty"), http.StatusConflict, "RECONCILIATION_ABORTED", nil},
		{syncerr.Errorf(syncerr.KindStorage, "op", "disk"), http.StatusInternalServerError, "STORAGE", nil},
		{context.Canceled, http.StatusInternalServerError, "INTERNAL", nil},
	}
	for _, tt := range tests {
		t.Run(tt.textCode, func(t *testing.T) {
			got := toAPIError(tt.err)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.textCode, got.TextCode)
			assert.Equal(t, tt.remedy, got.Metadata["remediation"])
		})
	}
}
