package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"calsync/internal/model"
	"calsync/internal/syncerr"
)

const credentialColumns = `user_id, provider, access_token, refresh_token, expires_at, dead, connected_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*model.Credential, error) {
	var (
		c           model.Credential
		dead        int
		connectedAt int64
	)
	if err := row.Scan(&c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &dead, &connectedAt); err != nil {
		return nil, err
	}
	c.Dead = dead != 0
	c.ConnectedAt = fromUnix(connectedAt)
	return &c, nil
}

// GetCredential returns the credential for (userID, provider), or (nil, nil)
// when none is stored. Read failures are KindStorage errors.
func (s *Store) GetCredential(ctx context.Context, userID, provider string) (*model.Credential, error) {
	return getCredential(ctx, s.db, userID, provider)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCredential(ctx context.Context, q queryer, userID, provider string) (*model.Credential, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = ? AND provider = ?`,
		userID, provider,
	)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("store.get_credential", err)
	}
	return c, nil
}

// PutCredential upserts a credential. A zero ConnectedAt is stamped with now,
// so a fresh connect is distinguishable from the one it replaced.
func (s *Store) PutCredential(ctx context.Context, c model.Credential) error {
	if c.UserID == "" || c.Provider == "" {
		return syncerr.Errorf(syncerr.KindInvalid, "store.put_credential", "user and provider are required")
	}
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			dead = excluded.dead,
			connected_at = excluded.connected_at,
			updated_at = excluded.updated_at`,
		c.UserID, c.Provider, c.AccessToken, c.RefreshToken, c.ExpiresAt,
		boolInt(c.Dead), toUnix(c.ConnectedAt), time.Now().UnixNano(),
	)
	if err != nil {
		return storageErr("store.put_credential", err)
	}
	return nil
}

// UpdateTokens stores the result of a refresh exchange without touching the
// connection identity. It reports false when the credential is gone or was
// replaced since it was read, in which case nothing is written.
func (s *Store) UpdateTokens(ctx context.Context, read model.Credential, accessToken, refreshToken string, expiresAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE user_id = ? AND provider = ? AND connected_at = ? AND dead = 0`,
		accessToken, refreshToken, expiresAt, time.Now().UnixNano(),
		read.UserID, read.Provider, toUnix(read.ConnectedAt),
	)
	if err != nil {
		return false, storageErr("store.update_tokens", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("store.update_tokens", err)
	}
	return n > 0, nil
}

// ClearCredential removes the credential (disconnect). Missing rows are not an error.
func (s *Store) ClearCredential(ctx context.Context, userID, provider string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider,
	); err != nil {
		return storageErr("store.clear_credential", err)
	}
	return nil
}

// MarkCredentialDead records that the provider rejected the refresh token.
func (s *Store) MarkCredentialDead(ctx context.Context, userID, provider string) error {
	return s.execCredential(ctx, "store.mark_dead",
		`UPDATE credentials SET dead = 1, updated_at = ? WHERE user_id = ? AND provider = ?`,
		time.Now().UnixNano(), userID, provider)
}

// InvalidateCredential zeroes the expiry so the next validity check refreshes.
func (s *Store) InvalidateCredential(ctx context.Context, userID, provider string) error {
	return s.execCredential(ctx, "store.invalidate",
		`UPDATE credentials SET expires_at = 0, updated_at = ? WHERE user_id = ? AND provider = ?`,
		time.Now().UnixNano(), userID, provider)
}

func (s *Store) execCredential(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storageErr(op, err)
	}
	return nil
}
