package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"calsync/internal/model"
)

// SourcesTx is what a registry update sees of the database while it holds
// the write lock.
type SourcesTx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Credential reads a credential inside the update's transaction.
func (t *SourcesTx) Credential(userID, provider string) (*model.Credential, error) {
	return getCredential(t.ctx, t.tx, userID, provider)
}

// LoadSources returns the user's registry, empty when none was ever written.
func (s *Store) LoadSources(ctx context.Context, userID string) ([]model.CalendarSource, error) {
	sources, _, err := loadSources(ctx, s.db, userID)
	return sources, err
}

func loadSources(ctx context.Context, q queryer, userID string) ([]model.CalendarSource, int64, error) {
	var (
		blob    string
		version int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT sources, version FROM registries WHERE user_id = ?`, userID,
	).Scan(&blob, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return []model.CalendarSource{}, 0, nil
	}
	if err != nil {
		return nil, 0, storageErr("store.load_sources", err)
	}

	sources := []model.CalendarSource{}
	if err := json.Unmarshal([]byte(blob), &sources); err != nil {
		return nil, 0, storageErr("store.load_sources", err)
	}
	return sources, version, nil
}

// UpdateSources performs an atomic read-modify-write of the user's registry.
//
// fn receives the current list and returns the list to store. Returning an
// error rolls back and nothing is written. Cached events of sources that
// disappear from the list are deleted in the same transaction.
func (s *Store) UpdateSources(
	ctx context.Context,
	userID string,
	fn func(tx *SourcesTx, current []model.CalendarSource) ([]model.CalendarSource, error),
) ([]model.CalendarSource, error) {
	var written []model.CalendarSource
	err := s.inTx(ctx, "store.update_sources", func(tx *sql.Tx) error {
		current, version, err := loadSources(ctx, tx, userID)
		if err != nil {
			return err
		}

		next, err := fn(&SourcesTx{ctx: ctx, tx: tx}, model.CloneSources(current))
		if err != nil {
			return err
		}
		if next == nil {
			next = []model.CalendarSource{}
		}

		blob, err := json.Marshal(next)
		if err != nil {
			return storageErr("store.update_sources", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO registries (user_id, sources, version, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				sources = excluded.sources,
				version = excluded.version,
				updated_at = excluded.updated_at`,
			userID, string(blob), version+1, time.Now().UnixNano(),
		); err != nil {
			return storageErr("store.update_sources", err)
		}

		kept := make(map[string]bool, len(next))
		for _, src := range next {
			kept[src.ID] = true
		}
		for _, src := range current {
			if kept[src.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM events WHERE user_id = ? AND source_id = ?`, userID, src.ID,
			); err != nil {
				return storageErr("store.update_sources", err)
			}
		}

		written = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}
