package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetworkUnavailable wraps failures to reach the service at all.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrAuthExpired matches a *StatusError for 401 and 403.
	ErrAuthExpired = errors.New("authentication expired")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Code, http.StatusText(e.Code), e.Body)
}

// Is lets errors.Is(err, ErrAuthExpired) match rejected credentials.
func (e *StatusError) Is(target error) bool {
	return target == ErrAuthExpired &&
		(e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden)
}
