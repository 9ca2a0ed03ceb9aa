// Package testutil provides testing utilities for the offline worker.
package testutil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// ErrOffline is returned by OfflineDoer for every request.
var ErrOffline = errors.New("network unreachable")

// OriginResponse defines the behavior for a mock origin path.
type OriginResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Origin is a configurable mock academy origin for testing.
type Origin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	offline  bool

	// Tracking
	requestCount int
	pathCounts   map[string]int
	lastHeader   http.Header
}

// NewOrigin starts a mock origin. Unknown paths answer 200 with a small
// HTML page naming the path.
func NewOrigin() *Origin {
	o := &Origin{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		pathCounts: make(map[string]int),
	}

	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.requestCount++
		o.pathCounts[r.URL.Path]++
		o.lastHeader = r.Header.Clone()
		offline := o.offline
		handler, exists := o.handlers[r.URL.Path]
		o.mu.Unlock()

		if offline {
			dropConnection(w)
			return
		}
		if exists {
			handler(w, r)
			return
		}
		o.defaultHandler(w, r)
	}))

	return o
}

// URL returns the origin base URL without a trailing slash.
func (o *Origin) URL() string {
	return o.server.URL
}

// Client returns an HTTP client wired to the origin.
func (o *Origin) Client() *http.Client {
	return o.server.Client()
}

// Close shuts down the origin.
func (o *Origin) Close() {
	o.server.Close()
}

// Reset clears all tracking counters.
func (o *Origin) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestCount = 0
	o.pathCounts = make(map[string]int)
	o.lastHeader = nil
}

// SetOffline makes every request fail at the connection level.
func (o *Origin) SetOffline(offline bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = offline
}

// SetHandler sets a custom handler for a specific path.
func (o *Origin) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (o *Origin) SetResponse(path string, resp OriginResponse) {
	o.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetUnreachable makes a single path drop its connection.
func (o *Origin) SetUnreachable(path string) {
	o.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		dropConnection(w)
	})
}

// RequestCount returns the number of requests made to the origin.
func (o *Origin) RequestCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.requestCount
}

// PathCount returns the number of requests made for path.
func (o *Origin) PathCount(path string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pathCounts[path]
}

// LastHeader returns the headers of the most recent request.
func (o *Origin) LastHeader() http.Header {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastHeader
}

func (o *Origin) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body>" + r.URL.Path + "</body></html>"))
}

// dropConnection closes the underlying connection without writing a
// response, which the client sees as a network error.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("testutil: response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

// NewOKResponse creates a 200 response with the given content type.
func NewOKResponse(body, contentType string) OriginResponse {
	return OriginResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": contentType},
	}
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() OriginResponse {
	return OriginResponse{
		StatusCode: http.StatusNotFound,
		Body:       "not found",
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() OriginResponse {
	return OriginResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "internal server error",
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
	}
}

// CountingDoer counts round trips and delegates to Next. A nil Next fails
// every request with ErrOffline.
type CountingDoer struct {
	Next *http.Client

	mu    sync.Mutex
	calls int
	urls  []string
}

// Do implements fetch.Doer.
func (d *CountingDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.calls++
	d.urls = append(d.urls, req.URL.String())
	d.mu.Unlock()

	if d.Next == nil {
		return nil, ErrOffline
	}
	return d.Next.Do(req)
}

// Calls returns the number of round trips attempted.
func (d *CountingDoer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// URLs returns the requested URLs in call order.
func (d *CountingDoer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}
