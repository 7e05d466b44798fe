// Package token keeps OAuth credentials usable.
//
// A credential is always in exactly one State. Valid credentials are
// returned as-is, NeedsRefresh credentials go through a refresh-token
// exchange, and Dead credentials need the user to connect again. An expired
// access token is never treated as a revoked refresh token.
package token

import (
	"context"
	"errors"
	"sync"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/syncerr"
)

const (
	DefaultMargin  = 60 * time.Second
	DefaultTimeout = 10 * time.Second

	// defaultLifetime is assumed when the provider omits expires_in.
	defaultLifetime = time.Hour
)

// State is the lifecycle state of a stored credential.
type State int

const (
	Valid State = iota
	NeedsRefresh
	Dead
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case NeedsRefresh:
		return "needs_refresh"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// Classify derives the state of c at now. A credential inside margin of its
// expiry already needs a refresh.
func Classify(c model.Credential, now time.Time, margin time.Duration) State {
	if c.Dead {
		return Dead
	}
	expired := c.AccessToken == "" || c.ExpiresAt == 0 || !now.Add(margin).Before(c.Expiry())
	if !expired {
		return Valid
	}
	if c.RefreshToken == "" {
		return Dead
	}
	return NeedsRefresh
}

// Refreshed is the result of a successful refresh exchange.
type Refreshed struct {
	AccessToken string
	// RefreshToken is empty when the provider kept the old one.
	RefreshToken string
	Expiry       time.Time
}

// Refresher performs the refresh-token exchange for one provider. Failures
// must already be classified: KindReauthRequired when the provider rejected
// the refresh token, KindRetryable or KindTimeout otherwise.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Refreshed, error)
}

// Store is the credential persistence the manager needs.
type Store interface {
	GetCredential(ctx context.Context, userID, provider string) (*model.Credential, error)
	UpdateTokens(ctx context.Context, read model.Credential, accessToken, refreshToken string, expiresAt int64) (bool, error)
	MarkCredentialDead(ctx context.Context, userID, provider string) error
	InvalidateCredential(ctx context.Context, userID, provider string) error
}

// Options tune a Manager. Zero values get defaults.
type Options struct {
	Margin  time.Duration
	Timeout time.Duration
	Now     func() time.Time
	Metrics *metrics.Metrics
}

type Manager struct {
	store      Store
	refreshers map[string]Refresher
	margin     time.Duration
	timeout    time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store, refreshers map[string]Refresher, opts Options) *Manager {
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:      store,
		refreshers: refreshers,
		margin:     opts.Margin,
		timeout:    opts.Timeout,
		now:        opts.Now,
		metrics:    opts.Metrics,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lock(userID, provider string) *sync.Mutex {
	key := userID + "\x00" + provider
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// EnsureValid returns a credential whose access token is usable for at
// least the safety margin.
//
// Errors: KindReauthRequired when there is no credential or it is dead,
// KindRetryable/KindTimeout when a refresh failed transiently (the stored
// credential is left untouched), KindStorage when the store failed, and
// KindSuperseded when the user reconnected while the refresh was running.
func (m *Manager) EnsureValid(ctx context.Context, userID, provider string) (model.Credential, error) {
	const op = "token.ensure_valid"

	l := m.lock(userID, provider)
	l.Lock()
	defer l.Unlock()

	cred, err := m.store.GetCredential(ctx, userID, provider)
	if err != nil {
		return model.Credential{}, err
	}
	if cred == nil {
		return model.Credential{}, syncerr.WithProvider(
			syncerr.Errorf(syncerr.KindReauthRequired, op, "no credential stored"), provider)
	}

	switch Classify(*cred, m.now(), m.margin) {
	case Valid:
		return *cred, nil
	case Dead:
		return model.Credential{}, syncerr.WithProvider(
			syncerr.Errorf(syncerr.KindReauthRequired, op, "credential needs a new connection"), provider)
	}

	return m.refresh(ctx, *cred)
}

func (m *Manager) refresh(ctx context.Context, cred model.Credential) (model.Credential, error) {
	refresher, ok := m.refreshers[cred.Provider]
	if !ok {
		return model.Credential{}, syncerr.Errorf(syncerr.KindInvalid, syncerr.OpTokenRefresh, "no refresher for provider %q", cred.Provider)
	}

	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	appLog.Debug("token refresh start", appLog.User(cred.UserID), appLog.Provider(cred.Provider))
	res, err := refresher.Refresh(rctx, cred.RefreshToken)
	if err != nil {
		return model.Credential{}, m.refreshFailed(ctx, cred, err)
	}

	refreshToken := res.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}
	expiry := res.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(defaultLifetime)
	}

	ok, err = m.store.UpdateTokens(ctx, cred, res.AccessToken, refreshToken, expiry.Unix())
	if err != nil {
		m.metrics.TokenRefresh("storage_error")
		return model.Credential{}, err
	}
	if !ok {
		m.metrics.TokenRefresh("superseded")
		return model.Credential{}, syncerr.WithProvider(
			syncerr.Errorf(syncerr.KindSuperseded, syncerr.OpTokenRefresh, "credential changed during refresh"), cred.Provider)
	}

	m.metrics.TokenRefresh("ok")
	appLog.Info("token refreshed", appLog.User(cred.UserID), appLog.Provider(cred.Provider),
		"expires_at", expiry.UTC().Format(time.RFC3339), "access_token", appLog.Token(res.AccessToken))

	cred.AccessToken = res.AccessToken
	cred.RefreshToken = refreshToken
	cred.ExpiresAt = expiry.Unix()
	return cred, nil
}

func (m *Manager) refreshFailed(ctx context.Context, cred model.Credential, err error) error {
	switch {
	case syncerr.Is(err, syncerr.KindReauthRequired):
		m.metrics.TokenRefresh("revoked")
		appLog.Warn("refresh token rejected; marking credential dead", "err", err,
			appLog.User(cred.UserID), appLog.Provider(cred.Provider))
		if merr := m.store.MarkCredentialDead(ctx, cred.UserID, cred.Provider); merr != nil {
			appLog.Error("mark credential dead failed", merr, appLog.User(cred.UserID), appLog.Provider(cred.Provider))
		}
		return syncerr.WithProvider(err, cred.Provider)

	case syncerr.IsRetryable(err):
		m.metrics.TokenRefresh("retryable")
		appLog.Warn("token refresh failed transiently", "err", err,
			appLog.User(cred.UserID), appLog.Provider(cred.Provider))
		return syncerr.WithProvider(err, cred.Provider)
	}

	// Unclassified failures leave the credential untouched.
	m.metrics.TokenRefresh("retryable")
	kind := syncerr.KindRetryable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = syncerr.KindTimeout
	}
	return syncerr.WithProvider(syncerr.New(kind, syncerr.OpTokenRefresh, err), cred.Provider)
}

// Invalidate forces the next EnsureValid to refresh. The engine calls it
// when a provider answers 401 to a token that looked valid.
func (m *Manager) Invalidate(ctx context.Context, userID, provider string) error {
	appLog.Info("credential invalidated after provider rejection", appLog.User(userID), appLog.Provider(provider))
	return m.store.InvalidateCredential(ctx, userID, provider)
}

// Current returns the stored credential without refreshing it, or nil.
func (m *Manager) Current(ctx context.Context, userID, provider string) (*model.Credential, error) {
	return m.store.GetCredential(ctx, userID, provider)
}
