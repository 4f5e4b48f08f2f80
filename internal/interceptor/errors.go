package interceptor

import (
	"errors"
	"net/http"

	"oidcagent/pkg/problems"
)

var (
	// ErrTokenWaitTimeout means the stored token did not become valid in time.
	ErrTokenWaitTimeout = errors.New("timed out waiting for a valid token")
	// ErrPlaceholderUnresolved means a request body carried a placeholder no
	// entry could resolve.
	ErrPlaceholderUnresolved = errors.New("placeholder could not be resolved")
	// ErrTokensInvalid means a token response failed id token validation.
	ErrTokensInvalid = errors.New("token response is invalid")
	// ErrUpstream wraps transport failures talking to the target.
	ErrUpstream = errors.New("upstream request failed")
	// ErrBodyUnreadable means the intercepted request body could not be read.
	ErrBodyUnreadable = errors.New("request body could not be read")
)

// writeError turns a handling failure into the failed response the page sees.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenWaitTimeout):
		problems.Write(w, http.StatusGatewayTimeout, "token-wait-timeout", "Token wait timed out", err.Error())
	case errors.Is(err, ErrPlaceholderUnresolved):
		problems.Write(w, http.StatusBadGateway, "placeholder-unresolved", "Placeholder unresolved", err.Error())
	case errors.Is(err, ErrTokensInvalid):
		problems.Write(w, http.StatusBadGateway, "tokens-invalid", "Tokens invalid", err.Error())
	case errors.Is(err, ErrBodyUnreadable):
		problems.Write(w, http.StatusBadRequest, "request-body-unreadable", "Request body unreadable", err.Error())
	case errors.Is(err, ErrUpstream):
		problems.Write(w, http.StatusBadGateway, "upstream-unreachable", "Upstream unreachable", err.Error())
	default:
		problems.Write(w, http.StatusInternalServerError, "interception-failed", "Interception failed", err.Error())
	}
}
