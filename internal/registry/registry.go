// Package registry owns each user's ordered list of calendar sources.
//
// Every write is an atomic read-modify-write keyed by user id and passes the
// same validation: ids are unique and immutable, (type, providerSourceId) is
// unique, and a non-empty list is never written back as empty unless the
// caller asked for it.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
	"calsync/internal/syncerr"
)

// Backend is the persistence the registry needs.
type Backend interface {
	LoadSources(ctx context.Context, userID string) ([]model.CalendarSource, error)
	UpdateSources(ctx context.Context, userID string,
		fn func(tx *store.SourcesTx, current []model.CalendarSource) ([]model.CalendarSource, error),
	) ([]model.CalendarSource, error)
}

// Tx is the read access an update function has while the write lock is held.
type Tx interface {
	Credential(userID, provider string) (*model.Credential, error)
}

// UpdateFunc computes the next registry from the current one.
type UpdateFunc func(tx Tx, current []model.CalendarSource) ([]model.CalendarSource, error)

// WriteOptions qualify a registry write.
type WriteOptions struct {
	// Clear permits the write to leave the registry empty.
	Clear bool
}

type Registry struct {
	backend Backend

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(backend Backend) *Registry {
	return &Registry{
		backend: backend,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Registry) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[userID] = l
	}
	return l
}

// List returns the user's sources in registry order.
func (r *Registry) List(ctx context.Context, userID string) ([]model.CalendarSource, error) {
	return r.backend.LoadSources(ctx, userID)
}

// Get returns one source by id.
func (r *Registry) Get(ctx context.Context, userID, id string) (model.CalendarSource, error) {
	sources, err := r.List(ctx, userID)
	if err != nil {
		return model.CalendarSource{}, err
	}
	for _, s := range sources {
		if s.ID == id {
			return s, nil
		}
	}
	return model.CalendarSource{}, syncerr.Errorf(syncerr.KindNotFound, "registry.get", "source %q not found", id)
}

// Update applies fn atomically. The result is validated and the empty-write
// safety check applied before anything is persisted.
func (r *Registry) Update(ctx context.Context, userID string, opts WriteOptions, fn UpdateFunc) ([]model.CalendarSource, error) {
	l := r.userLock(userID)
	l.Lock()
	defer l.Unlock()

	return r.backend.UpdateSources(ctx, userID, func(tx *store.SourcesTx, current []model.CalendarSource) ([]model.CalendarSource, error) {
		before := model.CloneSources(current)
		next, err := fn(tx, current)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 && len(before) > 0 && !opts.Clear {
			err := syncerr.Errorf(syncerr.KindReconciliationAborted, "registry.update",
				"refusing to replace %d sources with an empty list", len(before))
			appLog.Error("registry write aborted", err, appLog.User(userID), "previous", len(before))
			return nil, err
		}
		if err := validate(before, next); err != nil {
			return nil, err
		}
		return next, nil
	})
}

func validate(before, next []model.CalendarSource) error {
	const op = "registry.validate"

	prevKey := make(map[string]model.SourceKey, len(before))
	for _, s := range before {
		prevKey[s.ID] = s.Key()
	}

	ids := make(map[string]bool, len(next))
	keys := make(map[model.SourceKey]string, len(next))
	for _, s := range next {
		if s.ID == "" {
			return syncerr.Errorf(syncerr.KindInvalid, op, "source without id")
		}
		if !s.Type.Valid() {
			return syncerr.Errorf(syncerr.KindInvalid, op, "source %s has unknown type %q", s.ID, s.Type)
		}
		if s.ProviderSourceID == "" {
			return syncerr.Errorf(syncerr.KindInvalid, op, "source %s has no providerSourceId", s.ID)
		}
		if ids[s.ID] {
			return syncerr.Errorf(syncerr.KindInvalid, op, "duplicate source id %s", s.ID)
		}
		ids[s.ID] = true
		if other, dup := keys[s.Key()]; dup {
			return syncerr.Errorf(syncerr.KindInvalid, op, "sources %s and %s share %s %q", other, s.ID, s.Type, s.ProviderSourceID)
		}
		keys[s.Key()] = s.ID
		if k, ok := prevKey[s.ID]; ok && k != s.Key() {
			return syncerr.Errorf(syncerr.KindInvalid, op, "source %s cannot change identity", s.ID)
		}
	}
	return nil
}

// NewSource describes a user-added feed or workflow source.
type NewSource struct {
	DisplayName string   `json:"displayName"`
	Type        string   `json:"type"`
	URL         string   `json:"url"`
	Tags        []string `json:"tags"`
	Color       string   `json:"color"`
}

// Add registers a feed-url or workflow-automation source. OAuth calendars
// only enter the registry through reconciliation.
func (r *Registry) Add(ctx context.Context, userID string, in NewSource) (model.CalendarSource, error) {
	const op = "registry.add"

	typ := model.SourceType(in.Type)
	if typ == "" {
		typ = model.TypeFeedURL
	}
	if typ != model.TypeFeedURL && typ != model.TypeWorkflow {
		return model.CalendarSource{}, syncerr.Errorf(syncerr.KindInvalid, op, "sources of type %q cannot be added directly", in.Type)
	}
	url, err := ics.NormalizeURL(in.URL)
	if err != nil {
		return model.CalendarSource{}, syncerr.New(syncerr.KindInvalid, op, err)
	}

	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		name = ics.RedactURL(url)
	}
	src := model.CalendarSource{
		ID:               uuid.NewString(),
		DisplayName:      name,
		Type:             typ,
		ProviderSourceID: url,
		Tags:             model.NormalizeTags(in.Tags),
		Color:            in.Color,
		Enabled:          true,
	}

	_, err = r.Update(ctx, userID, WriteOptions{}, func(_ Tx, current []model.CalendarSource) ([]model.CalendarSource, error) {
		for _, s := range current {
			if s.Key() == src.Key() {
				return nil, syncerr.Errorf(syncerr.KindInvalid, op, "source already registered as %s", s.ID)
			}
		}
		return append(current, src), nil
	})
	if err != nil {
		return model.CalendarSource{}, err
	}
	appLog.Info("source added", appLog.User(userID), appLog.Source(src.ID), "type", src.Type, "url", ics.RedactURL(url))
	return src, nil
}

// Edit changes the user-owned fields of one source. Nil fields are left alone.
type Edit struct {
	ID          string    `json:"id"`
	DisplayName *string   `json:"displayName,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	Color       *string   `json:"color,omitempty"`
	Enabled     *bool     `json:"enabled,omitempty"`
}

func (e Edit) apply(s model.CalendarSource) model.CalendarSource {
	if e.DisplayName != nil {
		if name := strings.TrimSpace(*e.DisplayName); name != "" {
			s.DisplayName = name
		}
	}
	if e.Tags != nil {
		s.Tags = model.NormalizeTags(*e.Tags)
	}
	if e.Color != nil {
		s.Color = *e.Color
	}
	if e.Enabled != nil {
		s.Enabled = *e.Enabled
	}
	return s
}

// Replace applies a user edit of the whole list. The order of edits becomes
// the registry order. Sources not mentioned are kept after the edited ones,
// unless clear is set, in which case the edits are the complete list and an
// empty edit list empties the registry.
func (r *Registry) Replace(ctx context.Context, userID string, edits []Edit, clear bool) ([]model.CalendarSource, error) {
	const op = "registry.replace"
	return r.Update(ctx, userID, WriteOptions{Clear: clear}, func(_ Tx, current []model.CalendarSource) ([]model.CalendarSource, error) {
		byID := make(map[string]model.CalendarSource, len(current))
		for _, s := range current {
			byID[s.ID] = s
		}

		next := make([]model.CalendarSource, 0, len(current))
		seen := make(map[string]bool, len(edits))
		for _, e := range edits {
			s, ok := byID[e.ID]
			if !ok {
				return nil, syncerr.Errorf(syncerr.KindNotFound, op, "source %q not found", e.ID)
			}
			if seen[e.ID] {
				return nil, syncerr.Errorf(syncerr.KindInvalid, op, "source %q listed twice", e.ID)
			}
			seen[e.ID] = true
			next = append(next, e.apply(s))
		}
		if clear {
			return next, nil
		}
		for _, s := range current {
			if !seen[s.ID] {
				next = append(next, s)
			}
		}
		return next, nil
	})
}

// Delete removes one source. It is an explicit deletion, so removing the last
// source is allowed.
func (r *Registry) Delete(ctx context.Context, userID, id string) error {
	const op = "registry.delete"
	_, err := r.Update(ctx, userID, WriteOptions{Clear: true}, func(_ Tx, current []model.CalendarSource) ([]model.CalendarSource, error) {
		for i, s := range current {
			if s.ID == id {
				return append(current[:i], current[i+1:]...), nil
			}
		}
		return nil, syncerr.Errorf(syncerr.KindNotFound, op, "source %q not found", id)
	})
	if err != nil {
		return err
	}
	appLog.Info("source deleted", appLog.User(userID), appLog.Source(id))
	return nil
}
