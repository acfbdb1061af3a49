package upstream

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned without contacting the upstream while the
// circuit breaker is open.
var ErrCircuitOpen = errors.New("upstream circuit breaker open")

// ErrResponseTooLarge is wrapped by UpstreamError when the body exceeds the
// configured limit.
var ErrResponseTooLarge = errors.New("upstream response too large")

// UpstreamError reports a failed exchange with the spreadsheet API: a
// non-2xx status, a transport failure, or a timeout.
type UpstreamError struct {
	StatusCode int // 0 when no response was received
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("upstream timeout: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
	default:
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ParseError reports a 2xx body that is not a JSON object.
type ParseError struct {
	Snippet string // leading bytes of the body, for logs
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("upstream body is not a JSON object: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
