// Package syncerr is the error taxonomy shared by every sync component.
//
// Provider-specific failures (HTTP status codes, OAuth error codes, parser
// errors) are normalized into a Kind at the fetcher and token boundaries.
// Code above those boundaries only ever inspects the Kind.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a failure by the remediation it needs.
type Kind string

const (
	// KindReauthRequired is terminal until the user re-consents.
	KindReauthRequired Kind = "reauth_required"
	// KindRetryable is transient; the next trigger retries.
	KindRetryable Kind = "retryable"
	// KindTimeout is a slow source. Retryable, but reported separately
	// from malformed content.
	KindTimeout Kind = "timeout"
	// KindParse is malformed feed content. Not retried automatically.
	KindParse Kind = "parse"
	// KindFetch is a non-retryable, non-2xx provider answer.
	KindFetch Kind = "fetch"
	// KindRateLimited is internal to the scheduler.
	KindRateLimited Kind = "rate_limited"
	// KindReconciliationAborted means a write would have emptied a
	// non-empty registry without an explicit clear.
	KindReconciliationAborted Kind = "reconciliation_aborted"
	// KindStorage is a persistence I/O failure.
	KindStorage Kind = "storage"
	// KindNoCalendars means the provider listed zero calendars.
	KindNoCalendars Kind = "no_calendars_found"
	// KindSuperseded means the credential changed mid-run and the result
	// was discarded.
	KindSuperseded Kind = "superseded"
	// KindInvalid is bad caller input.
	KindInvalid Kind = "invalid"
	// KindNotFound is an unknown id.
	KindNotFound Kind = "not_found"
	// KindBusy means a run for the same user is already in flight.
	KindBusy Kind = "already_syncing"
)

// OpTokenRefresh is the Op recorded on failures of the refresh-token exchange.
const OpTokenRefresh = "token.refresh"

// Error is the single error type carried across component boundaries.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Provider   string
	SourceID   string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.SourceID != "" {
		b.WriteString(" source=")
		b.WriteString(e.SourceID)
	}
	if e.Provider != "" {
		b.WriteString(" provider=")
		b.WriteString(e.Provider)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindParse}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error of the given kind with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// HTTPStatus builds the error for a non-2xx provider answer, choosing the
// kind from the status: 401 needs re-consent, 408/429/5xx are transient,
// anything else is a plain fetch error.
func HTTPStatus(op string, status int) *Error {
	kind := KindFetch
	switch {
	case status == 401:
		kind = KindReauthRequired
	case status == 408 || status == 429 || status >= 500:
		kind = KindRetryable
	}
	return &Error{Kind: kind, Op: op, StatusCode: status}
}

// Transport classifies a failure that happened before any status was
// received: slow sources are KindTimeout, everything else KindRetryable.
func Transport(op string, err error) *Error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return New(KindTimeout, op, err)
	}
	return New(KindRetryable, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusCode returns the provider status recorded in err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsRetryable reports whether the next trigger should simply try again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRetryable, KindTimeout:
		return true
	}
	return false
}

// WithSource annotates err with a source id, preserving its kind.
func WithSource(err error, sourceID string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.SourceID = sourceID
	return &cp
}

// WithProvider annotates err with a provider name, preserving its kind.
func WithProvider(err error, provider string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Provider = provider
	return &cp
}

// Remediation names what the user (or caller) should do about err.
func Remediation(err error) string {
	switch KindOf(err) {
	case KindReauthRequired:
		return "reauth_required"
	case KindNoCalendars:
		return "no_calendars_found"
	case KindRetryable, KindTimeout:
		var e *Error
		if errors.As(err, &e) && strings.HasPrefix(e.Op, OpTokenRefresh) {
			return "token_expired"
		}
		return "retry_later"
	case KindParse:
		return "check_feed_url"
	case KindRateLimited:
		return "rate_limited"
	case KindBusy:
		return "already_syncing"
	}
	return ""
}
