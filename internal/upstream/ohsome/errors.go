package ohsome

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable marks transient upstream failures (503, network, open breaker).
	ErrUnavailable = errors.New("ohsome: upstream unavailable")
	// ErrRejected marks any other non-2xx upstream answer.
	ErrRejected = errors.New("ohsome: upstream rejected request")
)

// StatusError carries the upstream status for non-2xx responses.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ohsome: status %d %s", e.Code, e.Reason)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusServiceUnavailable {
		return ErrUnavailable
	}
	return ErrRejected
}

func statusError(resp *http.Response) *StatusError {
	reason := http.StatusText(resp.StatusCode)
	if len(resp.Status) > 4 {
		reason = resp.Status[4:]
	}
	return &StatusError{Code: resp.StatusCode, Reason: reason}
}
