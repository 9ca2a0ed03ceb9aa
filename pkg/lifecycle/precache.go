package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/himmam-offline/pkg/cache"
	"github.com/rs/zerolog"
)

// Getter fetches one URL. *fetch.Fetcher satisfies it.
type Getter interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// PrecacheConfig holds the precache worker pool configuration.
type PrecacheConfig struct {
	// MaxConcurrency is the maximum number of parallel manifest fetches.
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`

	// Timeout per manifest fetch.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultPrecacheConfig returns the default pool configuration.
func DefaultPrecacheConfig() PrecacheConfig {
	return PrecacheConfig{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// fetchResult is the outcome of fetching one manifest URL.
type fetchResult struct {
	URL   string
	Entry *cache.Entry
	Err   error
}

// precache fetches every URL in parallel with a worker pool and returns
// the entries keyed by request key. It fails on the first URL that cannot
// be fetched or answers with a non-2xx status; the remaining work is
// cancelled.
func precache(ctx context.Context, getter Getter, urls []string, cfg PrecacheConfig, logger zerolog.Logger) (map[string]*cache.Entry, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan string, len(urls))
	results := make(chan fetchResult, len(urls))
	for _, u := range urls {
		queue <- u
	}
	close(queue)

	var wg sync.WaitGroup
	workers := cfg.MaxConcurrency
	if workers > len(urls) {
		workers = len(urls)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker(ctx, getter, cfg.Timeout, queue, results, &wg, i, logger)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	entries := make(map[string]*cache.Entry, len(urls))
	var firstErr error
	for res := range results {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
				cancel()
			}
			continue
		}
		entries[cache.KeyForString(res.URL)] = res.Entry
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(entries) != len(uniqueKeys(urls)) {
		return nil, fmt.Errorf("precache incomplete: %d of %d urls fetched", len(entries), len(urls))
	}

	logger.Info().
		Int("urls", len(urls)).
		Dur("duration", time.Since(start)).
		Msg("Precache fetch complete")
	return entries, nil
}

// worker processes URLs from the queue.
func worker(ctx context.Context, getter Getter, timeout time.Duration, queue <-chan string, results chan<- fetchResult, wg *sync.WaitGroup, workerID int, logger zerolog.Logger) {
	defer wg.Done()
	processed := 0

	for u := range queue {
		select {
		case <-ctx.Done():
			logger.Debug().
				Int("worker_id", workerID).
				Int("urls_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		entry, err := fetchOne(ctx, getter, timeout, u)
		if err != nil {
			logger.Warn().Err(err).Int("worker_id", workerID).Str("url", u).Msg("Precache fetch failed")
		}
		results <- fetchResult{URL: u, Entry: entry, Err: err}
		processed++
	}

	if processed > 0 {
		logger.Debug().
			Int("worker_id", workerID).
			Int("urls_processed", processed).
			Msg("Worker completed")
	}
}

func fetchOne(ctx context.Context, getter Getter, timeout time.Duration, u string) (*cache.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := getter.Get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	if !entry.OK() {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, entry.StatusCode)
	}
	return entry, nil
}

func uniqueKeys(urls []string) map[string]struct{} {
	keys := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		keys[cache.KeyForString(u)] = struct{}{}
	}
	return keys
}
