package store

import (
	"context"
	"database/sql"
	"errors"

	"calsync/internal/model"
)

// GetSyncState returns the scheduler bookkeeping for userID. A user that never
// synced gets a zero state, not an error.
func (s *Store) GetSyncState(ctx context.Context, userID string) (model.SyncState, error) {
	st := model.SyncState{UserID: userID}
	var lastSync, lastAttempt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_at, sync_count_today, last_sync_date, last_attempt_at, last_reason, last_error
		FROM sync_state WHERE user_id = ?`, userID,
	).Scan(&lastSync, &st.SyncCountToday, &st.LastSyncDate, &lastAttempt, &st.LastReason, &st.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, storageErr("store.get_sync_state", err)
	}
	st.LastSyncAt = fromUnix(lastSync)
	st.LastAttemptAt = fromUnix(lastAttempt)
	return st, nil
}

// PutSyncState upserts the scheduler bookkeeping.
func (s *Store) PutSyncState(ctx context.Context, st model.SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, last_sync_at, sync_count_today, last_sync_date, last_attempt_at, last_reason, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			sync_count_today = excluded.sync_count_today,
			last_sync_date = excluded.last_sync_date,
			last_attempt_at = excluded.last_attempt_at,
			last_reason = excluded.last_reason,
			last_error = excluded.last_error`,
		st.UserID, toUnix(st.LastSyncAt), st.SyncCountToday, st.LastSyncDate,
		toUnix(st.LastAttemptAt), st.LastReason, st.LastError,
	)
	if err != nil {
		return storageErr("store.put_sync_state", err)
	}
	return nil
}
