// Package student defines the request and payload types that flow through the
// proxy: the Query identifying one student's data for an optional semester,
// and the Record returned by the spreadsheet API. Records are opaque; the
// proxy only ever looks at the top-level "error" marker.
package student

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

// TermCurrent is the sentinel term used when no semester is requested.
const TermCurrent = "current"

// Accepted semester selectors.
const (
	SemesterOdd  = "1"
	SemesterEven = "2"
)

// Response annotation fields added by the proxy. The leading underscore keeps
// them clear of spreadsheet column names.
const (
	FieldCached = "_cached"
	FieldStale  = "_stale"
	FieldError  = "error"
)

// MsgMissingParams is the exact client error returned when a required
// parameter is absent.
const MsgMissingParams = "Missing email or nisn in query string"

// MsgInvalidSemester is returned for a semester outside SemesterOdd/SemesterEven.
const MsgInvalidSemester = "Invalid semester, expected 1 or 2"

// ValidationError reports unusable client input. It is surfaced as 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Query identifies one student's data request.
type Query struct {
	Email    string // identity
	NISN     string // secondary identifier
	Semester string // optional term; empty means TermCurrent
}

// Term returns the semester selector, or TermCurrent when none was given.
func (q Query) Term() string {
	if s := strings.TrimSpace(q.Semester); s != "" {
		return s
	}
	return TermCurrent
}

// ParseQuery extracts and validates a Query from URL query parameters.
func ParseQuery(v url.Values) (Query, error) {
	q := Query{
		Email:    strings.TrimSpace(v.Get("email")),
		NISN:     strings.TrimSpace(v.Get("nisn")),
		Semester: strings.TrimSpace(v.Get("semester")),
	}
	if q.Email == "" || q.NISN == "" {
		return Query{}, &ValidationError{Message: MsgMissingParams}
	}
	switch q.Semester {
	case "", SemesterOdd, SemesterEven:
	default:
		return Query{}, &ValidationError{Message: MsgInvalidSemester}
	}
	return q, nil
}

// Record is a student payload as returned by the upstream. Field values are
// kept as raw JSON so numbers and nested groupings (profile, gsData,
// akademik, leaderboard) pass through byte-for-byte.
type Record map[string]json.RawMessage

// HasError reports whether the payload carries an embedded error marker: an
// "error" field whose value is not null, false, or an empty string.
func (r Record) HasError() bool {
	raw, ok := r[FieldError]
	if !ok {
		return false
	}
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", `""`:
		return false
	}
	return true
}

// Annotated returns a shallow copy of r with the cache annotation fields set.
// The receiver is never modified, so cached records can be shared.
func (r Record) Annotated(cached, stale bool) Record {
	out := make(Record, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	if cached {
		out[FieldCached] = json.RawMessage("true")
	}
	if stale {
		out[FieldStale] = json.RawMessage("true")
	}
	return out
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	return r.Annotated(false, false)
}
