package rest

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the chat server. The status code
// is the taxonomy callers branch on: 404 not-found, 401 unauthorized
// (handled transparently by the refresh gate before callers ever see
// it), 400 bad-request carrying the server's message, anything else a
// generic failure.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// NotFound reports whether the error is a 404.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }

// Unauthorized reports whether the error is a 401.
func (e *APIError) Unauthorized() bool { return e.Status == http.StatusUnauthorized }

// BadRequest reports whether the error is a 400.
func (e *APIError) BadRequest() bool { return e.Status == http.StatusBadRequest }

// ErrSessionExpired is returned by API calls after the refresh gate
// fails to renew the session. The local session has already been
// cleared by the time callers see it.
var ErrSessionExpired = errors.New("session expired")

// UserMessage maps an API error to a short user-facing message. Raw
// error text never reaches the user surface.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrSessionExpired) {
		return "Your session has expired. Please sign in again."
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.NotFound():
			return "Not found."
		case apiErr.BadRequest() && apiErr.Message != "":
			return apiErr.Message
		}
	}
	return "Something went wrong. Please try again."
}
