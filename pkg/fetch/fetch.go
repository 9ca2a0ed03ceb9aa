// Package fetch is the network primitive shared by the interception
// controller, the lifecycle installer and the lesson archiver.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for network fetches.
var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_fetch_total",
		Help: "Total network fetches by outcome class",
	}, []string{"class"}) // "ok", "client", "server", "network"

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "academy_fetch_duration_seconds",
		Help:    "Network fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_fetch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	fetchRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_fetch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Doer performs a single HTTP round trip. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer is told about every network outcome.
type Observer interface {
	ObserveFetch(ctx context.Context, err error)
}

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// NoRetry returns a configuration that makes exactly one attempt.
func NoRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 1}
}

// Config holds the fetcher configuration.
type Config struct {
	// UserAgent is sent on every request when non-empty
	UserAgent string

	// Retry applies to Get only; Do is always a single attempt
	Retry RetryConfig

	// Observer receives every outcome (optional)
	Observer Observer
}

// Fetcher wraps a Doer with metrics, outcome observation and retries.
type Fetcher struct {
	doer   Doer
	config Config
	logger zerolog.Logger
}

// New creates a fetcher. A nil doer uses an *http.Client with a 30s timeout.
func New(doer Doer, cfg Config, logger zerolog.Logger) *Fetcher {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Fetcher{
		doer:   doer,
		config: cfg,
		logger: logger,
	}
}

// Do performs one network attempt. Any HTTP response, whatever its status,
// is returned without error; only the absence of a response is an error.
func (f *Fetcher) Do(req *http.Request) (*http.Response, error) {
	if f.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	start := time.Now()
	resp, err := f.doer.Do(req)
	fetchDuration.Observe(time.Since(start).Seconds())

	class := Classify(resp, err)
	if class == "" {
		fetchTotal.WithLabelValues("ok").Inc()
	} else {
		fetchTotal.WithLabelValues(string(class)).Inc()
	}

	// a cancelled request says nothing about the origin
	if f.config.Observer != nil && !errors.Is(err, context.Canceled) {
		f.config.Observer.ObserveFetch(req.Context(), err)
	}

	if err != nil {
		f.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Network fetch failed")
		return nil, &Error{URL: req.URL.String(), Class: ErrorClassNetwork, Err: err}
	}
	return resp, nil
}

// Get fetches rawURL, retrying network failures and 5xx responses with
// exponential backoff. The final response is returned whatever its status;
// an error means no response was obtained.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	cfg := f.config.Retry

	var (
		resp    *http.Response
		lastErr error
		class   ErrorClass
	)
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, lastErr = f.Do(req)
		class = Classify(resp, lastErr)
		if !shouldRetry(class) {
			if attempt > 1 {
				f.logger.Info().
					Str("url", rawURL).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, lastErr
		}

		// If this was the last attempt, don't wait
		if attempt >= cfg.MaxAttempts {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}

		fetchRetriesTotal.WithLabelValues(string(class)).Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))

		f.logger.Debug().
			Str("url", rawURL).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	if cfg.MaxAttempts > 1 {
		fetchRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
		f.logger.Warn().
			Str("url", rawURL).
			Str("error_class", string(class)).
			Int("max_attempts", cfg.MaxAttempts).
			Msg("Retry attempts exhausted")
	}

	if resp != nil {
		// a 5xx on the last attempt is still a response
		return resp, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}
