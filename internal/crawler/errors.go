package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoEntities is returned when the entity name list is missing or empty.
	ErrNoEntities = errors.New("no entity names to ingest")
	// ErrRetriesExhausted wraps the last failure once the retry budget is spent.
	ErrRetriesExhausted = errors.New("fetch retries exhausted")
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Transient reports whether the status is one the retry policy retries.
func (e *StatusError) Transient() bool {
	switch e.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
