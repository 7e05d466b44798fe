package token

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
	"calsync/internal/store"
	"calsync/internal/syncerr"
)

type fakeRefresher struct {
	calls atomic.Int32
	res   Refreshed
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Refreshed, error) {
	f.calls.Add(1)
	if f.err != nil {
		return Refreshed{}, f.err
	}
	return f.res, nil
}

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, cred *model.Credential, r *fakeRefresher) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	if cred != nil {
		require.NoError(t, st.PutCredential(context.Background(), *cred))
	}
	m := NewManager(st, map[string]Refresher{"google": r}, Options{Now: func() time.Time { return now }})
	return m, st
}

func TestClassify(t *testing.T) {
	exp := now.Add(time.Hour).Unix()
	tests := []struct {
		name string
		cred model.Credential
		want State
	}{
		{"valid", model.Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: exp}, Valid},
		{"inside margin", model.Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(30 * time.Second).Unix()}, NeedsRefresh},
		{"expired with refresh token", model.Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(-time.Hour).Unix()}, NeedsRefresh},
		{"invalidated", model.Credential{AccessToken: "at", RefreshToken: "rt"}, NeedsRefresh},
		{"expired without refresh token", model.Credential{AccessToken: "at", ExpiresAt: now.Add(-time.Hour).Unix()}, Dead},
		{"valid without refresh token", model.Credential{AccessToken: "at", ExpiresAt: exp}, Valid},
		{"marked dead", model.Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: exp, Dead: true}, Dead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.cred, now, DefaultMargin))
		})
	}
}

func TestEnsureValidMissingCredential(t *testing.T) {
	m, _ := setup(t, nil, &fakeRefresher{})
	_, err := m.EnsureValid(context.Background(), "u1", "google")
	assert.True(t, syncerr.Is(err, syncerr.KindReauthRequired))
}

func TestEnsureValidReturnsValidWithoutRefresh(t *testing.T) {
	r := &fakeRefresher{}
	m, _ := setup(t, &model.Credential{UserID: "u1", Provider: "google", AccessToken: "at", RefreshToken: "rt",
		ExpiresAt: now.Add(time.Hour).Unix()}, r)

	c, err := m.EnsureValid(context.Background(), "u1", "google")
	require.NoError(t, err)
	assert.Equal(t, "at", c.AccessToken)
	assert.Zero(t, r.calls.Load())
}

func TestEnsureValidRefreshesAndPersists(t *testing.T) {
	r := &fakeRefresher{res: Refreshed{AccessToken: "at2", Expiry: now.Add(time.Hour)}}
	m, st := setup(t, &model.Credential{UserID: "u1", Provider: "google", AccessToken: "at", RefreshToken: "rt",
		ExpiresAt: now.Add(10 * time.Second).Unix()}, r)

	c, err := m.EnsureValid(context.Background(), "u1", "google")
	require.NoError(t, err)
	assert.Equal(t, "at2", c.AccessToken)
	assert.Equal(t, "rt", c.RefreshToken)

	stored, err := st.GetCredential(context.Background(), "u1", "google")
	require.NoError(t, err)
	assert.Equal(t, "at2", stored.AccessToken)
	assert.Equal(t, now.Add(time.Hour).Unix(), stored.ExpiresAt)
	assert.False(t, stored.Dead)
}

func TestEnsureValidRevokedMarksDead(t *testing.T) {
	r := &fakeRefresher{err: syncerr.Errorf(syncerr.KindReauthRequired, syncerr.OpTokenRefresh, "invalid_grant")}
	m, st := setup(t, &model.Credential{UserID: "u1", Provider: "google", AccessToken: "at", RefreshToken: "rt"}, r)

	_, err := m.EnsureValid(context.Background(), "u1", "google")
	assert.True(t, syncerr.Is(err, syncerr.KindReauthRequired))

	stored, err := st.GetCredential(context.Background(), "u1", "google")
	require.NoError(t, err)
	assert.True(t, stored.Dead)

	// Terminal: no further exchange is attempted.
	_, err = m.EnsureValid(context.Background(), "u1", "google")
	assert.True(t, syncerr.Is(err, syncerr.KindReauthRequired))
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestEnsureValidTransientLeavesCredential(t *testing.T) {
	r := &fakeRefresher{err: syncerr.HTTPStatus(syncerr.OpTokenRefresh, 503)}
	m, st := setup(t, &model.Credential{UserID: "u1", Provider: "google", AccessToken: "at", RefreshToken: "rt",
		ExpiresAt: now.Add(-time.Minute).Unix()}, r)

	_, err := m.EnsureValid(context.Background(), "u1", "google")
	require.Error(t, err)
	assert.True(t, syncerr.IsRetryable(err))
	assert.Equal(t, "token_expired", syncerr.Remediation(err))

	stored, err := st.GetCredential(context.Background(), "u1", "google")
	require.NoError(t, err)
	assert.False(t, stored.Dead)
	assert.Equal(t, "rt", stored.RefreshToken)
}

func TestEnsureValidUnclassifiedErrorIsRetryable(t *testing.T) {
	r := &fakeRefresher{err: errors.New("dial tcp: connection refused")}
	m, st := setup(t, &model.Credential{UserID: "u1", Provider: "google", RefreshToken: "rt"}, r)

	_, err := m.EnsureValid(context.Background(), "u1", "google")
	assert.True(t, syncerr.Is(err, syncerr.KindRetryable))

	stored, err := st.GetCredential(context.Background(), "u1", "google")
	require.NoError(t, err)
	assert.False(t, stored.Dead)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	r := &fakeRefresher{res: Refreshed{AccessToken: "at2", Expiry: now.Add(time.Hour)}}
	m, _ := setup(t, &model.Credential{UserID: "u1", Provider: "google", AccessToken: "at", RefreshToken: "rt",
		ExpiresAt: now.Add(time.Hour).Unix()}, r)
	ctx := context.Background()

	c, err := m.EnsureValid(ctx, "u1", "google")
	require.NoError(t, err)
	assert.Equal(t, "at", c.AccessToken)

	require.NoError(t, m.Invalidate(ctx, "u1", "google"))
	c, err = m.EnsureValid(ctx, "u1", "google")
	require.NoError(t, err)
	assert.Equal(t, "at2", c.AccessToken)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestRefreshSupersededByReconnect(t *testing.T) {
	ctx := context.Background()
	m, st := setup(t, &model.Credential{UserID: "u1", Provider: "google", RefreshToken: "rt",
		ConnectedAt: time.Unix(100, 0)}, nil)
	m.refreshers["google"] = &reconnectingRefresher{store: st}

	_, err := m.EnsureValid(ctx, "u1", "google")
	assert.True(t, syncerr.Is(err, syncerr.KindSuperseded))

	stored, err := st.GetCredential(ctx, "u1", "google")
	require.NoError(t, err)
	assert.Equal(t, "rt-new", stored.RefreshToken)
}

// reconnectingRefresher simulates the user reconnecting mid-exchange.
type reconnectingRefresher struct {
	store *store.Store
}

func (r *reconnectingRefresher) Refresh(ctx context.Context, _ string) (Refreshed, error) {
	err := r.store.PutCredential(ctx, model.Credential{UserID: "u1", Provider: "google",
		RefreshToken: "rt-new", ConnectedAt: time.Unix(200, 0)})
	if err != nil {
		return Refreshed{}, err
	}
	return Refreshed{AccessToken: "stale", Expiry: now.Add(time.Hour)}, nil
}
