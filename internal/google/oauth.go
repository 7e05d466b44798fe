// Package google talks to Google Calendar: the refresh-token exchange and
// the calendar list / events calls. Provider errors are classified into
// syncerr kinds here and nowhere else.
package google

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"calsync/internal/syncerr"
	"calsync/internal/token"
)

// ProviderName is the credential-store key for Google.
const ProviderName = "google"

// Scope is the read-only calendar scope the consent flow asks for.
const Scope = "https://www.googleapis.com/auth/calendar.readonly"

// OAuthOptions configure a Refresher.
type OAuthOptions struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides Google's token endpoint.
	TokenURL string
	// Client is used for the token request. Nil means http.DefaultClient.
	Client *http.Client
}

// Refresher exchanges refresh tokens at Google's token endpoint.
type Refresher struct {
	conf   *oauth2.Config
	client *http.Client
}

var _ token.Refresher = (*Refresher)(nil)

func NewRefresher(opts OAuthOptions) *Refresher {
	endpoint := googleoauth.Endpoint
	if opts.TokenURL != "" {
		endpoint.TokenURL = opts.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &Refresher{
		conf: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{Scope},
		},
		client: opts.Client,
	}
}

// Refresh performs one refresh-token exchange. The caller bounds ctx.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (token.Refreshed, error) {
	if refreshToken == "" {
		return token.Refreshed{}, syncerr.Errorf(syncerr.KindReauthRequired, syncerr.OpTokenRefresh, "no refresh token")
	}
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	tok, err := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return token.Refreshed{}, classifyRefresh(err)
	}
	return token.Refreshed{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// classifyRefresh tells a rejected refresh token apart from a token
// endpoint that is merely unavailable.
func classifyRefresh(err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return syncerr.Transport(syncerr.OpTokenRefresh, err)
	}

	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	kind := syncerr.KindRetryable
	switch {
	case rerr.ErrorCode == "invalid_grant":
		kind = syncerr.KindReauthRequired
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
	case status >= 400 && status < 500:
		kind = syncerr.KindReauthRequired
	}

	e := syncerr.New(kind, syncerr.OpTokenRefresh, err)
	e.StatusCode = status
	e.Provider = ProviderName
	return e
}
