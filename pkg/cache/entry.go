package cache

import (
	"net/http"
	"time"
)

// Entry is a captured HTTP response, value-equivalent to what the origin
// returned at capture time.
type Entry struct {
	// Body is the response body
	Body []byte `json:"body"`

	// StatusCode is the HTTP status code of the captured response
	StatusCode int `json:"status_code"`

	// StatusText is the reason phrase (e.g. "OK", "Service Unavailable")
	StatusText string `json:"status_text"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// CachedAt is when the response was captured
	CachedAt time.Time `json:"cached_at"`
}

// OK reports whether the status is in the 2xx range.
func (e *Entry) OK() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}

// Clone returns a deep copy so callers never share the body slice or
// header map with a stored entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	c.Headers = e.Headers.Clone()
	return &c
}

// Size returns the body size in bytes.
func (e *Entry) Size() int {
	return len(e.Body)
}
