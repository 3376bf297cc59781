package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotAuthenticated means the server rejected the session (401) or the
// local session token is known to be expired. Never queued, never
// retried: it has to bubble up and force a re-login.
var ErrNotAuthenticated = errors.New("api: not authenticated")

// NetworkError is a transport-level failure: no connectivity, DNS, or a
// timed-out call. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError is a non-2xx response. 404 and 409 are terminal: the queue
// entry must be dropped and local state reconciled. Anything else could
// be transient and stays retryable.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: server returned %d", e.Status)
	}
	return fmt.Sprintf("api: server returned %d: %s", e.Status, e.Message)
}

func (e *ServerError) Retryable() bool {
	switch e.Status {
	case http.StatusNotFound, http.StatusConflict:
		return false
	default:
		return true
	}
}

// Retryable classifies a remote call failure: true means the mutation
// stays queued for a later replay, false means a terminal outcome.
func Retryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.Retryable()
	}
	return false
}

func IsNotFound(err error) bool {
	var srvErr *ServerError
	return errors.As(err, &srvErr) && srvErr.Status == http.StatusNotFound
}

func IsConflict(err error) bool {
	var srvErr *ServerError
	return errors.As(err, &srvErr) && srvErr.Status == http.StatusConflict
}
