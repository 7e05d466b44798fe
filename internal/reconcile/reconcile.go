// Package reconcile merges calendars discovered from an OAuth provider into
// a user's source registry without touching what the user customized.
package reconcile

import (
	"context"

	"github.com/google/uuid"

	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/registry"
	"calsync/internal/syncerr"
)

// Result summarizes one reconciliation.
type Result struct {
	Sources    []model.CalendarSource
	Discovered int
	Created    int
}

// Merge folds discovered into current and returns the next registry.
//
// Sources of other types pass through untouched. A discovered calendar that
// already has a source only updates its display name; new calendars are
// appended enabled, tagged personal (primary) or shared. Existing oauth
// sources the provider no longer lists are kept. Merge is idempotent.
func Merge(current []model.CalendarSource, discovered []model.ProviderCalendar, newID func() string) ([]model.CalendarSource, int) {
	if newID == nil {
		newID = uuid.NewString
	}

	out := model.CloneSources(current)
	if out == nil {
		out = []model.CalendarSource{}
	}
	index := make(map[string]int)
	for i, s := range out {
		if s.Type == model.TypeOAuthCalendar {
			index[s.ProviderSourceID] = i
		}
	}

	created := 0
	for _, cal := range discovered {
		if cal.ProviderSourceID == "" {
			continue
		}
		if i, ok := index[cal.ProviderSourceID]; ok {
			if cal.Name != "" {
				out[i].DisplayName = cal.Name
			}
			continue
		}

		tag := model.TagShared
		if cal.Primary {
			tag = model.TagPersonal
		}
		name := cal.Name
		if name == "" {
			name = cal.ProviderSourceID
		}
		out = append(out, model.CalendarSource{
			ID:               newID(),
			DisplayName:      name,
			Type:             model.TypeOAuthCalendar,
			ProviderSourceID: cal.ProviderSourceID,
			Tags:             []string{tag},
			Color:            cal.Color,
			Enabled:          true,
		})
		index[cal.ProviderSourceID] = len(out) - 1
		created++
	}
	return out, created
}

// Guard is evaluated inside the registry write, after the current registry
// was read and before anything is stored. A non-nil error aborts the write.
type Guard func(tx registry.Tx) error

type Reconciler struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	newID    func() string
}

func New(reg *registry.Registry, m *metrics.Metrics) *Reconciler {
	return &Reconciler{registry: reg, metrics: m, newID: uuid.NewString}
}

// Apply merges discovered into userID's registry atomically.
func (r *Reconciler) Apply(ctx context.Context, userID string, discovered []model.ProviderCalendar, guard Guard) (Result, error) {
	var created int
	sources, err := r.registry.Update(ctx, userID, registry.WriteOptions{}, func(tx registry.Tx, current []model.CalendarSource) ([]model.CalendarSource, error) {
		if guard != nil {
			if err := guard(tx); err != nil {
				return nil, err
			}
		}
		var next []model.CalendarSource
		next, created = Merge(current, discovered, r.newID)
		return next, nil
	})
	if err != nil {
		if syncerr.Is(err, syncerr.KindReconciliationAborted) {
			r.metrics.ReconcileAborted()
		}
		return Result{}, err
	}

	appLog.Info("registry reconciled", appLog.User(userID),
		"discovered", len(discovered), "created", created, "total", len(sources))
	return Result{Sources: sources, Discovered: len(discovered), Created: created}, nil
}

// SameConnection returns a guard that fails with KindSuperseded when the
// stored credential no longer matches read.
func SameConnection(read model.Credential) Guard {
	return func(tx registry.Tx) error {
		cur, err := tx.Credential(read.UserID, read.Provider)
		if err != nil {
			return err
		}
		if cur == nil || !cur.SameConnection(read) {
			return syncerr.WithProvider(syncerr.Errorf(syncerr.KindSuperseded, "reconcile.guard",
				"credential changed during the run"), read.Provider)
		}
		return nil
	}
}
