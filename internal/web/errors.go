package web

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	appLog "calsync/internal/log"
	"calsync/internal/syncerr"
)

// toAPIError maps a sync failure onto the HTTP error envelope.
func toAPIError(err error) *goerrors.Error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}

	kind := syncerr.KindOf(err)
	category, code := goerrors.CategoryInternal, http.StatusInternalServerError
	switch kind {
	case syncerr.KindInvalid:
		category, code = goerrors.CategoryBadInput, http.StatusBadRequest
	case syncerr.KindNotFound:
		category, code = goerrors.CategoryNotFound, http.StatusNotFound
	case syncerr.KindNoCalendars:
		category, code = goerrors.CategoryNotFound, http.StatusNotFound
	case syncerr.KindReauthRequired:
		category, code = goerrors.CategoryAuth, http.StatusUnauthorized
	case syncerr.KindRateLimited:
		category, code = goerrors.CategoryRateLimit, http.StatusTooManyRequests
	case syncerr.KindBusy, syncerr.KindSuperseded, syncerr.KindReconciliationAborted:
		category, code = goerrors.CategoryConflict, http.StatusConflict
	case syncerr.KindRetryable, syncerr.KindTimeout:
		category, code = goerrors.CategoryExternal, http.StatusServiceUnavailable
	case syncerr.KindParse, syncerr.KindFetch:
		category, code = goerrors.CategoryExternal, http.StatusBadGateway
	}

	textCode := "INTERNAL"
	if kind != "" {
		textCode = strings.ToUpper(string(kind))
	}
	metadata := map[string]any{}
	if r := syncerr.Remediation(err); r != "" {
		metadata["remediation"] = r
	}
	if status := syncerr.StatusCode(err); status != 0 {
		metadata["upstream_status"] = status
	}

	out := goerrors.Wrap(err, category, err.Error()).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		out.WithMetadata(metadata)
	}
	return out
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Category    goerrors.Category `json:"category"`
	Code        int               `json:"code"`
	TextCode    string            `json:"textCode"`
	Message     string            `json:"message"`
	Remediation string            `json:"remediation,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, op string, err error) {
	apiErr := toAPIError(err)
	if apiErr.Code == 0 {
		apiErr.Code = http.StatusInternalServerError
	}
	if apiErr.Code >= http.StatusInternalServerError {
		appLog.Error(op+" failed", err)
	} else {
		appLog.Debug(op+" refused", "err", err)
	}

	detail := errorDetail{
		Category: apiErr.Category,
		Code:     apiErr.Code,
		TextCode: apiErr.TextCode,
		Message:  apiErr.Message,
		Metadata: apiErr.Metadata,
	}
	if r, ok := apiErr.Metadata["remediation"].(string); ok {
		detail.Remediation = r
	}
	writeJSON(w, apiErr.Code, errorResponse{Error: detail})
}
