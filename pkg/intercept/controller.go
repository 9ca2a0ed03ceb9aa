// Package intercept implements the request pipeline of the offline worker:
// every request in scope is classified and answered cache-first (video and
// document assets) or network-first with an offline fallback (everything else).
package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/himmam-offline/pkg/cache"
	"github.com/Sternrassler/himmam-offline/pkg/classify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for intercepted requests.
var (
	interceptRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_intercept_requests_total",
		Help: "Total intercepted requests by class and outcome",
	}, []string{"class", "outcome"}) // outcome: "hit", "network", "fallback", "error"

	interceptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "academy_intercept_duration_seconds",
		Help:    "Intercepted request duration in seconds by class",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"class"})

	interceptCacheWriteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_intercept_cache_write_failures_total",
		Help: "Opportunistic cache writes that failed and were swallowed",
	}, []string{"class"})

	interceptCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "academy_intercept_coalesced_total",
		Help: "Network fetches shared with an identical in-flight request",
	})
)

// Offline fallback for Primary requests that cannot be answered at all.
const (
	FallbackStatusCode = http.StatusServiceUnavailable
	FallbackStatusText = "Service Unavailable"
	FallbackBody       = "Offline content not available"
)

const tracerName = "github.com/Sternrassler/himmam-offline/pkg/intercept"

// shellLookupTimeout bounds the shell lookup, which runs after the request
// context may already have expired.
const shellLookupTimeout = 5 * time.Second

// Fetcher performs one network round trip. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the controller configuration.
type Config struct {
	// Names of the three live stores.
	Names cache.StoreNames

	// Coalesce shares one network fetch between concurrent GETs for the
	// same request key. Off by default: concurrent misses then each fetch
	// and the last writer wins.
	Coalesce bool `yaml:"coalesce" env:"COALESCE"`

	// Timeout bounds one intercepted request, including the network fetch.
	// Zero means no bound beyond the request context.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Names: cache.DefaultStoreNames(),
	}
}

// Controller answers intercepted requests.
type Controller struct {
	storage cache.Storage
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
	tracer  trace.Tracer
	group   singleflight.Group
}

// New creates a controller.
func New(storage cache.Storage, fetcher Fetcher, cfg Config, logger zerolog.Logger) (*Controller, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if err := cfg.Names.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		storage: storage,
		fetcher: fetcher,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// Handle produces the response for req. The class is derived from the URL
// and the destination from the Sec-Fetch-Dest header.
//
// An error is returned only when a Video or Offline request misses the cache
// and the network fetch fails. Primary requests always get a response.
func (c *Controller) Handle(req *http.Request) (*http.Response, error) {
	info := classify.FromHTTP(req)
	class := classify.Classify(info)

	ctx, span := c.tracer.Start(req.Context(), "intercept.Handle",
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", info.URL),
			attribute.String("academy.class", string(class)),
			attribute.String("academy.destination", string(info.Destination)),
		))
	defer span.End()

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	req = req.WithContext(ctx)

	start := time.Now()
	defer func() {
		interceptDuration.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())
	}()

	var (
		resp    *http.Response
		outcome string
		err     error
	)
	switch class {
	case classify.ClassVideo:
		resp, outcome, err = c.cacheFirst(ctx, req, class, c.config.Names.Video)
	case classify.ClassOffline:
		resp, outcome, err = c.cacheFirst(ctx, req, class, c.config.Names.Offline)
	default:
		resp, outcome = c.networkWithFallback(ctx, req, info.Destination)
	}

	interceptRequestsTotal.WithLabelValues(string(class), outcome).Inc()
	span.SetAttributes(
		attribute.String("academy.outcome", outcome),
		attribute.Bool("academy.cache_hit", outcome == "hit"),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

// cacheFirst serves from the class store and falls through to the network
// on a miss. Only status 200 is stored; network failures propagate.
func (c *Controller) cacheFirst(ctx context.Context, req *http.Request, class classify.Class, storeName string) (*http.Response, string, error) {
	key := cache.KeyForURL(req.URL)

	if req.Method == http.MethodGet {
		entry, err := c.match(ctx, storeName, key)
		if err == nil {
			c.logger.Debug().Str("key", key).Str("store", storeName).Msg("Cache hit")
			return cache.EntryToResponse(entry, req), "hit", nil
		}
		c.logger.Debug().Str("key", key).Str("store", storeName).Msg("Cache miss")
	}

	entry, err := c.network(req, key)
	if err != nil {
		c.logger.Debug().Err(err).Str("key", key).Str("class", string(class)).Msg("Network fetch failed, no fallback")
		return nil, "error", err
	}
	if req.Method == http.MethodGet && entry.StatusCode == http.StatusOK {
		c.put(ctx, storeName, key, entry, class)
	}
	return cache.EntryToResponse(entry, req), "network", nil
}

// networkWithFallback serves Primary requests: any store first, then the
// network, then the cached shell for documents or a synthetic 503.
func (c *Controller) networkWithFallback(ctx context.Context, req *http.Request, dest classify.Destination) (*http.Response, string) {
	key := cache.KeyForURL(req.URL)

	if req.Method == http.MethodGet {
		entry, err := cache.MatchAny(ctx, c.storage, key)
		if err == nil {
			c.logger.Debug().Str("key", key).Msg("Cache hit")
			return cache.EntryToResponse(entry, req), "hit"
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Cache lookup failed, trying network")
		}
	}

	entry, err := c.network(req, key)
	if err == nil {
		if req.Method == http.MethodGet && entry.StatusCode == http.StatusOK {
			c.put(ctx, c.config.Names.Primary, key, entry, classify.ClassPrimary)
		}
		return cache.EntryToResponse(entry, req), "network"
	}

	c.logger.Debug().Err(err).Str("key", key).Str("destination", string(dest)).Msg("Network fetch failed, using offline fallback")

	if dest == classify.DestinationDocument {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shellLookupTimeout)
		defer cancel()
		shell, serr := cache.MatchAny(lctx, c.storage, ShellKey(req))
		if serr == nil {
			return cache.EntryToResponse(shell, req), "fallback"
		}
		c.logger.Warn().Err(serr).Str("key", key).Msg("No cached shell for offline navigation")
	}
	return FallbackResponse(req), "fallback"
}

// network fetches req and buffers the response. Concurrent GETs for the same
// key share one fetch when coalescing is enabled. The shared fetch runs on a
// context detached from any single caller; each caller waits on its own.
func (c *Controller) network(req *http.Request, key string) (*cache.Entry, error) {
	if !c.config.Coalesce || req.Method != http.MethodGet {
		return c.fetchEntry(req)
	}
	ch := c.group.DoChan(key, func() (any, error) {
		ctx := context.WithoutCancel(req.Context())
		if c.config.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
			defer cancel()
		}
		return c.fetchEntry(req.WithContext(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			interceptCoalescedTotal.Inc()
		}
		return res.Val.(*cache.Entry), nil
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
}

func (c *Controller) fetchEntry(req *http.Request) (*cache.Entry, error) {
	out, err := outbound(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.fetcher.Do(out)
	if err != nil {
		return nil, err
	}
	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", req.URL, err)
	}
	return entry, nil
}

func (c *Controller) match(ctx context.Context, storeName, key string) (*cache.Entry, error) {
	store, err := c.storage.Open(ctx, storeName)
	if err != nil {
		c.logger.Warn().Err(err).Str("store", storeName).Msg("Failed to open store")
		return nil, err
	}
	return store.Match(ctx, key)
}

// put stores entry and swallows failures: the caller gets its response
// whether or not the write lands.
func (c *Controller) put(ctx context.Context, storeName, key string, entry *cache.Entry, class classify.Class) {
	store, err := c.storage.Open(ctx, storeName)
	if err == nil {
		err = store.Put(ctx, key, entry.Clone())
	}
	if err != nil {
		interceptCacheWriteFailuresTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().Err(err).Str("key", key).Str("store", storeName).Msg("Cache write failed")
		return
	}
	c.logger.Debug().Str("key", key).Str("store", storeName).Msg("Cached response")
}

// ShellKey returns the key of the application shell ("/") on req's origin.
func ShellKey(req *http.Request) string {
	u := *req.URL
	u.Path = "/"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return cache.KeyForURL(&u)
}

// FallbackResponse synthesizes the offline 503.
func FallbackResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(FallbackStatusCode) + " " + FallbackStatusText,
		StatusCode:    FallbackStatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(bytes.NewReader([]byte(FallbackBody))),
		ContentLength: int64(len(FallbackBody)),
		Request:       req,
	}
}

// outbound copies req for the network. The body is buffered so the copy
// can be replayed by a shared fetch.
func outbound(req *http.Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(data))
		body = bytes.NewReader(data)
	}
	out, err := http.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create outbound request: %w", err)
	}
	out.Header = req.Header.Clone()
	return out, nil
}
