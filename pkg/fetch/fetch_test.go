package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *recordingObserver) ObserveFetch(_ context.Context, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestFetcher_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "himmam-offline/test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	obs := &recordingObserver{}
	f := New(server.Client(), Config{UserAgent: "himmam-offline/test", Observer: obs}, zerolog.Nop())

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/missing", nil)
	resp, err := f.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
	if len(obs.errs) != 1 || obs.errs[0] != nil {
		t.Errorf("observer saw %v, want one nil error", obs.errs)
	}
}

func TestFetcher_Do_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	obs := &recordingObserver{}
	f := New(nil, Config{Observer: obs}, zerolog.Nop())

	req, _ := http.NewRequest(http.MethodGet, url+"/x", nil)
	_, err := f.Do(req)
	if err == nil {
		t.Fatal("expected network error")
	}

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if fe.Class != ErrorClassNetwork {
		t.Errorf("Class = %s, want network", fe.Class)
	}
	if !IsNetwork(err) {
		t.Error("IsNetwork() = false")
	}
	if len(obs.errs) != 1 || obs.errs[0] == nil {
		t.Errorf("observer saw %v, want one error", obs.errs)
	}
}

func TestFetcher_Do_CancelledRequestNotObserved(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	obs := &recordingObserver{}
	f := New(server.Client(), Config{Observer: obs}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/slow", nil)
	_, err := f.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(obs.errs) != 0 {
		t.Errorf("observer saw %v, want nothing", obs.errs)
	}
}

func TestFetcher_Get_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := New(server.Client(), Config{Retry: fastRetry(3)}, zerolog.Nop())

	resp, err := f.Get(context.Background(), server.URL+"/doc.pdf")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestFetcher_Get_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	f := New(server.Client(), Config{Retry: fastRetry(3)}, zerolog.Nop())

	resp, err := f.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestFetcher_Get_ServerErrorExhaustedReturnsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := New(server.Client(), Config{Retry: fastRetry(2)}, zerolog.Nop())

	resp, err := f.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", resp.StatusCode)
	}
}

func TestFetcher_Get_NetworkExhausted(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	f := New(nil, Config{Retry: fastRetry(2)}, zerolog.Nop())

	_, err := f.Get(context.Background(), url)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !IsNetwork(err) {
		t.Error("IsNetwork() = false for exhausted network retries")
	}
}

func TestFetcher_Get_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	retry := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Hour, BackoffMultiplier: 2}
	f := New(server.Client(), Config{Retry: retry}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx, server.URL)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		err  error
		want ErrorClass
	}{
		{name: "network", err: errors.New("dial tcp: refused"), want: ErrorClassNetwork},
		{name: "ok", resp: &http.Response{StatusCode: 200}, want: ""},
		{name: "redirect", resp: &http.Response{StatusCode: 304}, want: ""},
		{name: "client", resp: &http.Response{StatusCode: 404}, want: ErrorClassClient},
		{name: "server", resp: &http.Response{StatusCode: 502}, want: ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.resp, tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
