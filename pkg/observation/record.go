package observation

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of an observation record.
type Status string

const (
	// StatusPending marks a record whose response has not been observed yet.
	StatusPending Status = "pending"
	// StatusCompleted marks a record whose response facet is populated.
	StatusCompleted Status = "completed"
)

const (
	// BodyLimit is the ceiling (in characters) applied to stored bodies.
	BodyLimit = 100000
	// TruncationMarker is appended to bodies cut at BodyLimit.
	TruncationMarker = "... [truncated]"
	// UndecodableBody replaces bodies that are not valid text.
	UndecodableBody = "[binary or undecodable data]"
)

// Record describes one captured request/response cycle.
// The response facet stays nil while the record is pending.
type Record struct {
	Method      string      `json:"method"`
	Path        string      `json:"path"`
	Query       string      `json:"query_params"`
	Headers     http.Header `json:"headers"`
	Body        *string     `json:"body"`
	HandlerName *string     `json:"handler_name"`

	StatusCode      *int        `json:"status_code"`
	ResponseHeaders http.Header `json:"response_headers"`
	ResponseBody    *string     `json:"response_body"`
	DurationMs      *float64    `json:"duration"`

	CreatedAt time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// Completion carries the response facet applied when a pending record
// transitions to completed.
type Completion struct {
	StatusCode int
	Headers    http.Header
	Body       *string
	DurationMs float64
}

// NewRecord builds a pending record from an inbound request whose body has
// already been read. maxChars caps the stored body; zero or negative means
// BodyLimit.
func NewRecord(r *http.Request, body []byte, maxChars int) *Record {
	return &Record{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Headers:   FilterHeaders(r.Header),
		Body:      DecodeBodyLimit(body, maxChars),
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
}

// Complete applies the response facet. It is the caller's responsibility to
// invoke this at most once per record.
func (r *Record) Complete(c Completion) {
	code := c.StatusCode
	duration := c.DurationMs
	r.StatusCode = &code
	r.ResponseHeaders = c.Headers
	r.ResponseBody = c.Body
	r.DurationMs = &duration
	r.Status = StatusCompleted
}

// StatusCategory buckets the response status code for display:
// pending, 2xx, 3xx, 4xx, 5xx or unknown.
func (r *Record) StatusCategory() string {
	if r.StatusCode == nil {
		return "pending"
	}
	code := *r.StatusCode
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	}
	return "unknown"
}

// DecodeBody turns raw bytes into the stored textual body. Empty input maps
// to nil, undecodable input maps to a sentinel, oversized input is cut at
// BodyLimit and annotated.
func DecodeBody(body []byte) *string {
	return DecodeBodyLimit(body, BodyLimit)
}

// DecodeBodyLimit is DecodeBody with an explicit character ceiling.
func DecodeBodyLimit(body []byte, limit int) *string {
	if len(body) == 0 {
		return nil
	}
	if !utf8.Valid(body) {
		s := UndecodableBody
		return &s
	}
	if limit <= 0 {
		limit = BodyLimit
	}
	text := string(body)
	if utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		text = string(runes[:limit]) + TruncationMarker
	}
	return &text
}

// diagnosticHeaders are the content-metadata headers worth keeping on a
// record; everything else apart from X-* custom headers is transport noise.
var diagnosticHeaders = map[string]struct{}{
	"Content-Type":     {},
	"Content-Length":   {},
	"Content-Encoding": {},
	"Accept":           {},
	"Accept-Encoding":  {},
	"Accept-Language":  {},
	"User-Agent":       {},
	"Authorization":    {},
	"Origin":           {},
	"Referer":          {},
	"Cache-Control":    {},
	"Cookie":           {},
	"Location":         {},
	"Etag":             {},
}

// FilterHeaders keeps content metadata and custom X-* headers, dropping the
// transport-level set. The input is never mutated.
func FilterHeaders(h http.Header) http.Header {
	filtered := http.Header{}
	for key, values := range h {
		canonical := http.CanonicalHeaderKey(key)
		if _, ok := diagnosticHeaders[canonical]; !ok && !strings.HasPrefix(canonical, "X-") {
			continue
		}
		for _, v := range values {
			filtered.Add(canonical, v)
		}
	}
	return filtered
}
