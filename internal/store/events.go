package store

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"calsync/internal/model"
)

// ReplaceEvents swaps the cached events of one source for a fresh fetch.
// It is only called after a successful fetch, so the cache always holds the
// last-known-good data. A source that left the registry while it was being
// fetched gets nothing written.
func (s *Store) ReplaceEvents(ctx context.Context, userID, sourceID string, events []model.RawEvent) error {
	const op = "store.replace_events"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE user_id = ? AND source_id = ?`, userID, sourceID,
		); err != nil {
			return storageErr(op, err)
		}

		sources, _, err := loadSources(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !slices.ContainsFunc(sources, func(src model.CalendarSource) bool { return src.ID == sourceID }) {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO events
				(user_id, source_id, uid, instance_key, summary, description, location, status, all_day, start_at, end_at, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return storageErr(op, err)
		}
		defer stmt.Close()

		now := time.Now().UnixNano()
		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx,
				userID, sourceID, ev.UID, ev.InstanceKey, ev.Summary, ev.Description,
				ev.Location, ev.Status, boolInt(ev.AllDay), ev.Start.UnixNano(), ev.End.UnixNano(), now,
			); err != nil {
				return storageErr(op, err)
			}
		}
		return nil
	})
}

// ListEvents returns cached events of the given sources that overlap r,
// ordered by start time.
func (s *Store) ListEvents(ctx context.Context, userID string, sourceIDs []string, r model.TimeRange) ([]model.RawEvent, error) {
	const op = "store.list_events"
	if len(sourceIDs) == 0 {
		return []model.RawEvent{}, nil
	}
	wanted := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		wanted[id] = true
	}

	// Coarse filter in SQL, exact half-open overlap in Go.
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, uid, instance_key, summary, description, location, status, all_day, start_at, end_at
		FROM events
		WHERE user_id = ? AND start_at < ? AND end_at >= ?
		ORDER BY start_at, uid`,
		userID, r.End.UnixNano(), r.Start.UnixNano(),
	)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := []model.RawEvent{}
	for rows.Next() {
		var (
			ev         model.RawEvent
			allDay     int
			start, end int64
		)
		if err := rows.Scan(&ev.SourceID, &ev.UID, &ev.InstanceKey, &ev.Summary, &ev.Description,
			&ev.Location, &ev.Status, &allDay, &start, &end); err != nil {
			return nil, storageErr(op, err)
		}
		if !wanted[ev.SourceID] {
			continue
		}
		ev.AllDay = allDay != 0
		ev.Start = time.Unix(0, start).UTC()
		ev.End = time.Unix(0, end).UTC()
		if !r.Overlaps(ev.Start, ev.End) {
			continue
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
