package web

import (
	"net/http"
	"strings"
	"time"

	"calsync/internal/engine"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/registry"
	"calsync/internal/scheduler"
	"calsync/internal/syncerr"
)

type triggerRequest struct {
	Reason   string `json:"reason"`
	SourceID string `json:"sourceId"`
}

// POST /sync/trigger
// Admission refusals are answered with 200 and accepted=false.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "sync trigger", err)
		return
	}
	if req.Reason == "" {
		req.Reason = string(scheduler.ReasonManual)
	}
	reason, err := scheduler.ParseReason(req.Reason)
	if err != nil {
		writeError(w, "sync trigger", err)
		return
	}

	out, err := s.deps.Scheduler.Trigger(r.Context(), userID(r), reason, strings.TrimSpace(req.SourceID))
	if err != nil {
		writeError(w, "sync trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /sync/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Scheduler.Status(r.Context(), userID(r))
	if err != nil {
		writeError(w, "sync status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /sources/refresh runs calendar discovery outside the sync rate
// limits, but never alongside a sync of the same user.
func (s *Server) handleRefreshSources(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	var res engine.RefreshResult
	err := s.deps.Scheduler.Exclusive(user, func() error {
		var err error
		res, err = s.deps.Engine.RefreshSources(r.Context(), user)
		return err
	})
	if err != nil {
		writeError(w, "source refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sourcesResponse struct {
	Sources []model.CalendarSource `json:"sources"`
}

// GET /sources
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.deps.Registry.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, "list sources", err)
		return
	}
	if sources == nil {
		sources = []model.CalendarSource{}
	}
	writeJSON(w, http.StatusOK, sourcesResponse{Sources: sources})
}

// POST /sources adds a feed-url or workflow-automation source.
func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var in registry.NewSource
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, "add source", err)
		return
	}
	src, err := s.deps.Registry.Add(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, "add source", err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

type replaceRequest struct {
	Sources []registry.Edit `json:"sources"`
	// Clear marks Sources as the complete list; required to empty the registry.
	Clear bool `json:"clear"`
}

// PUT /sources
func (s *Server) handleReplaceSources(w http.ResponseWriter, r *http.Request) {
	var req replaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "replace sources", err)
		return
	}
	sources, err := s.deps.Registry.Replace(r.Context(), userID(r), req.Sources, req.Clear)
	if err != nil {
		writeError(w, "replace sources", err)
		return
	}
	writeJSON(w, http.StatusOK, sourcesResponse{Sources: sources})
}

// DELETE /sources/{id}
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Delete(r.Context(), userID(r), r.PathValue("id")); err != nil {
		writeError(w, "delete source", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type credentialRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// ExpiresAt is epoch seconds; ExpiresIn (seconds) is used when it is 0.
	ExpiresAt int64 `json:"expiresAt"`
	ExpiresIn int64 `json:"expiresIn"`
}

type credentialResponse struct {
	Provider    string    `json:"provider"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt,omitzero"`
}

func (s *Server) provider(r *http.Request) (string, error) {
	p := r.PathValue("provider")
	if p == "" || p != s.cfg.OAuth.Provider {
		return "", syncerr.Errorf(syncerr.KindNotFound, "web.credentials", "unknown provider %q", p)
	}
	return p, nil
}

// PUT /credentials/{provider} stores the tokens of a completed OAuth
// consent. It replaces any previous connection.
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	provider, err := s.provider(r)
	if err != nil {
		writeError(w, "connect", err)
		return
	}
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "connect", err)
		return
	}
	if req.AccessToken == "" && req.RefreshToken == "" {
		writeError(w, "connect", syncerr.Errorf(syncerr.KindInvalid, "web.credentials", "accessToken or refreshToken is required"))
		return
	}

	now := time.Now().UTC()
	expiresAt := req.ExpiresAt
	if expiresAt == 0 && req.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(req.ExpiresIn) * time.Second).Unix()
	}
	cred := model.Credential{
		UserID:       userID(r),
		Provider:     provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    expiresAt,
		ConnectedAt:  now,
	}
	if err := s.deps.Credentials.PutCredential(r.Context(), cred); err != nil {
		writeError(w, "connect", err)
		return
	}
	appLog.Info("provider connected", appLog.User(cred.UserID), appLog.Provider(provider),
		"access_token", appLog.Token(cred.AccessToken))
	writeJSON(w, http.StatusOK, credentialResponse{Provider: provider, Connected: true, ConnectedAt: now})
}

// DELETE /credentials/{provider} disconnects the provider. Registered
// sources are kept.
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	provider, err := s.provider(r)
	if err != nil {
		writeError(w, "disconnect", err)
		return
	}
	user := userID(r)
	if err := s.deps.Credentials.ClearCredential(r.Context(), user, provider); err != nil {
		writeError(w, "disconnect", err)
		return
	}
	appLog.Info("provider disconnected", appLog.User(user), appLog.Provider(provider))
	writeJSON(w, http.StatusOK, credentialResponse{Provider: provider})
}

type eventsResponse struct {
	RangeStart time.Time        `json:"rangeStart"`
	RangeEnd   time.Time        `json:"rangeEnd"`
	Timezone   string           `json:"timezone"`
	Events     []model.RawEvent `json:"events"`
}

// GET /api/events?days=7&backfill=1
// Serves the last known good events of the user's enabled sources.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), s.cfg.Fetch.HorizonDays)
	backfill := parseIntDefault(q.Get("backfill"), s.cfg.Fetch.BackfillDays)
	if days < 1 || days > 366 || backfill < 0 || backfill > 366 {
		writeError(w, "events", syncerr.Errorf(syncerr.KindInvalid, "web.events", "days must be 1..366 and backfill 0..366"))
		return
	}

	window := s.deps.Engine.EventWindow(backfill, days)
	events, err := s.deps.Engine.Events(r.Context(), userID(r), window)
	if err != nil {
		writeError(w, "events", err)
		return
	}
	if events == nil {
		events = []model.RawEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		RangeStart: window.Start,
		RangeEnd:   window.End,
		Timezone:   s.cfg.Timezone,
		Events:     events,
	})
}
