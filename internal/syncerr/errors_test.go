package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusKinds(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindReauthRequired},
		{403, KindFetch},
		{404, KindFetch},
		{408, KindRetryable},
		{429, KindRetryable},
		{500, KindRetryable},
		{503, KindRetryable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := HTTPStatus("feed.fetch", tt.status)
			assert.Equal(t, tt.want, err.Kind)
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(KindParse, "ics.parse", errors.New("bad line"))
	wrapped := fmt.Errorf("source s1: %w", base)

	assert.True(t, Is(wrapped, KindParse))
	assert.False(t, Is(wrapped, KindRetryable))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindParse}))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindParse))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindTimeout, "op", nil)))
	assert.True(t, IsRetryable(HTTPStatus("op", 500)))
	assert.False(t, IsRetryable(New(KindParse, "op", nil)))
	assert.False(t, IsRetryable(New(KindReauthRequired, "op", nil)))
}

func TestTransport(t *testing.T) {
	wrapped := fmt.Errorf("get: %w", context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, Transport("feed.fetch", wrapped).Kind)
	assert.Equal(t, KindRetryable, Transport("feed.fetch", errors.New("connection refused")).Kind)
}

func TestWithSourceCopies(t *testing.T) {
	orig := HTTPStatus("feed.fetch", 500)
	annotated := WithSource(orig, "src-1")

	var e *Error
	require.True(t, errors.As(annotated, &e))
	assert.Equal(t, "src-1", e.SourceID)
	assert.Empty(t, orig.SourceID)
	assert.Contains(t, annotated.Error(), "status 500")
}

func TestRemediation(t *testing.T) {
	assert.Equal(t, "reauth_required", Remediation(New(KindReauthRequired, "google.list", nil)))
	assert.Equal(t, "no_calendars_found", Remediation(New(KindNoCalendars, "engine.refresh", nil)))
	assert.Equal(t, "token_expired", Remediation(New(KindRetryable, OpTokenRefresh, nil)))
	assert.Equal(t, "retry_later", Remediation(HTTPStatus("google.list", 503)))
	assert.Equal(t, "", Remediation(errors.New("plain")))
}
