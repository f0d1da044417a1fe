package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"authz-server/internal/gate"
)

// Error is an OAuth 2.0 error response.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func newError(code string, status int, description string) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// InvalidRequest reports a missing, repeated or malformed parameter.
func InvalidRequest(description string) *Error {
	return newError("invalid_request", http.StatusBadRequest, description)
}

// InvalidClient reports failed client authentication. It maps to 401.
func InvalidClient(description string) *Error {
	return newError("invalid_client", http.StatusUnauthorized, description)
}

// UnauthorizedClient reports a client that is not permitted to use the requested grant or endpoint.
func UnauthorizedClient(description string) *Error {
	return newError("unauthorized_client", http.StatusBadRequest, description)
}

// InvalidGrant reports an unknown, expired, consumed or mismatched code or token.
func InvalidGrant(description string) *Error {
	return newError("invalid_grant", http.StatusBadRequest, description)
}

// InvalidScope reports a scope the client may not request or that exceeds the original grant.
func InvalidScope(description string) *Error {
	return newError("invalid_scope", http.StatusBadRequest, description)
}

// AccessDenied reports that the resource owner refused the request.
func AccessDenied(description string) *Error {
	return newError("access_denied", http.StatusBadRequest, description)
}

// AuthorizationPending tells a device to keep polling.
func AuthorizationPending() *Error {
	return newError("authorization_pending", http.StatusBadRequest, "the user has not yet completed verification")
}

// SlowDown tells a device to poll less often.
func SlowDown() *Error {
	return newError("slow_down", http.StatusBadRequest, "polling too frequently")
}

// ExpiredToken reports a device code that outlived its session.
func ExpiredToken() *Error {
	return newError("expired_token", http.StatusBadRequest, "the device code has expired")
}

// ServerError hides an internal failure behind a 500.
func ServerError(description string) *Error {
	return newError("server_error", http.StatusInternalServerError, description)
}

// UnsupportedGrantType reports a grant_type the token endpoint does not implement.
func UnsupportedGrantType(description string) *Error {
	return newError("unsupported_grant_type", http.StatusBadRequest, description)
}

// UnsupportedResponseType reports a response_type other than code.
func UnsupportedResponseType(description string) *Error {
	return newError("unsupported_response_type", http.StatusBadRequest, description)
}

// LoginRequired answers prompt=none when nobody is signed in.
func LoginRequired() *Error {
	return newError("login_required", http.StatusBadRequest, "the user is not logged in")
}

// ConsentRequired answers prompt=none when the client still needs consent.
func ConsentRequired() *Error {
	return newError("consent_required", http.StatusBadRequest, "the user has not consented to this client")
}

// AsError converts any error into an OAuth error. Anything unrecognized is a server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	var denial *gate.Denial
	if errors.As(err, &denial) {
		switch denial.Kind {
		case gate.ErrInvalidClient:
			return InvalidClient(denial.Description)
		case gate.ErrUnauthorizedClient:
			return UnauthorizedClient(denial.Description)
		case gate.ErrInvalidScope:
			return InvalidScope(denial.Description)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ServerError("storage timeout")
	}
	return ServerError("internal server error")
}

// ErrorRedirect is an authorization error delivered to the client's validated redirect URI.
type ErrorRedirect struct {
	Err         *Error
	RedirectURI string
	State       string
	Issuer      string
}

func (e *ErrorRedirect) Error() string { return e.Err.Error() }
func (e *ErrorRedirect) Unwrap() error { return e.Err }

func (e *ErrorRedirect) URL() string {
	params := url.Values{"error": {e.Err.Code}}
	if e.Err.Description != "" {
		params.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	if e.Issuer != "" {
		params.Set("iss", e.Issuer)
	}
	return appendQuery(e.RedirectURI, params)
}

func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
