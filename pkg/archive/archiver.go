// Package archive downloads every asset of one lesson into the offline
// stores: the metadata record, the video, the document and the supplementary
// materials. Assets are fetched one after another and each may fail on its
// own without aborting the archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/himmam-offline/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Prometheus metrics for lesson archiving.
var (
	archiveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_archive_total",
		Help: "Total lesson archive runs by result",
	}, []string{"result"}) // "success", "failure"

	archiveAssetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_archive_assets_total",
		Help: "Total lesson assets by kind and result",
	}, []string{"kind", "result"}) // result: "stored", "failed", "skipped"

	archiveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "academy_archive_duration_seconds",
		Help:    "Lesson archive duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	archiveMalformedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "academy_archive_malformed_records_total",
		Help: "Lesson records skipped while listing because they could not be decoded",
	})
)

const tracerName = "github.com/Sternrassler/himmam-offline/pkg/archive"

// Policy decides when an archive run counts as successful.
type Policy string

const (
	// PolicyMetadataOnly reports success whenever the metadata record was
	// stored, whatever happened to the assets.
	PolicyMetadataOnly Policy = "metadata_only"

	// PolicyAllAssets additionally requires every attempted asset to be stored.
	PolicyAllAssets Policy = "all_assets"
)

// ParsePolicy parses a policy name. The empty string is PolicyMetadataOnly.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(s)) {
	case "", PolicyMetadataOnly:
		return PolicyMetadataOnly, nil
	case PolicyAllAssets:
		return PolicyAllAssets, nil
	default:
		return "", fmt.Errorf("unknown archive policy %q", s)
	}
}

// AssetKind identifies which lesson field an asset came from.
type AssetKind string

const (
	AssetVideo    AssetKind = "video"
	AssetDocument AssetKind = "document"
	AssetMaterial AssetKind = "material"
)

// Getter fetches one URL. *fetch.Fetcher satisfies it.
type Getter interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// Config holds the archiver configuration.
type Config struct {
	// Names of the three live stores.
	Names cache.StoreNames

	// Origin resolves root-relative asset URLs.
	Origin string

	// Policy decides the reported success.
	Policy Policy
}

// AssetResult is the outcome for one asset.
type AssetResult struct {
	Kind    AssetKind
	URL     string
	Store   string
	Stored  bool
	Skipped bool
	Err     error
}

// Result is the outcome of one archive run.
type Result struct {
	LessonID string
	Success  bool

	// Err is set when the run failed before any asset was attempted.
	Err error

	Assets   []AssetResult
	Duration time.Duration
}

// Failed returns the assets that were attempted and not stored.
func (r Result) Failed() []AssetResult {
	var out []AssetResult
	for _, a := range r.Assets {
		if !a.Stored && !a.Skipped {
			out = append(out, a)
		}
	}
	return out
}

// Archiver stores lessons for offline use.
type Archiver struct {
	storage cache.Storage
	getter  Getter
	config  Config
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// New creates an archiver.
func New(storage cache.Storage, getter Getter, cfg Config, logger zerolog.Logger) (*Archiver, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if getter == nil {
		return nil, fmt.Errorf("getter is required")
	}
	if err := cfg.Names.Validate(); err != nil {
		return nil, err
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	return &Archiver{
		storage: storage,
		getter:  getter,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// Archive stores the lesson metadata and then, sequentially, its video,
// document and materials. A metadata failure ends the run unsuccessfully;
// asset failures are logged and recorded in the result.
func (a *Archiver) Archive(ctx context.Context, lesson Lesson) Result {
	ctx, span := a.tracer.Start(ctx, "archive.Archive",
		trace.WithAttributes(attribute.String("academy.lesson_id", lesson.ID)))
	defer span.End()

	start := time.Now()
	result := a.archive(ctx, lesson)
	result.Duration = time.Since(start)
	archiveDuration.Observe(result.Duration.Seconds())

	span.SetAttributes(
		attribute.Bool("academy.success", result.Success),
		attribute.Int("academy.assets_failed", len(result.Failed())),
	)

	if result.Success {
		archiveTotal.WithLabelValues("success").Inc()
		a.logger.Info().
			Str("lesson_id", lesson.ID).
			Str("title", lesson.Title).
			Int("assets", len(result.Assets)).
			Int("assets_failed", len(result.Failed())).
			Dur("duration", result.Duration).
			Msg("Lesson archived")
	} else {
		archiveTotal.WithLabelValues("failure").Inc()
		if result.Err != nil {
			span.RecordError(result.Err)
		}
		a.logger.Error().
			Err(result.Err).
			Str("lesson_id", lesson.ID).
			Int("assets_failed", len(result.Failed())).
			Msg("Lesson archive failed")
	}
	return result
}

func (a *Archiver) archive(ctx context.Context, lesson Lesson) Result {
	result := Result{LessonID: lesson.ID}

	if err := lesson.Validate(); err != nil {
		result.Err = err
		return result
	}

	if err := a.putMetadata(ctx, lesson); err != nil {
		result.Err = err
		return result
	}

	if lesson.VideoURL != "" {
		if lesson.HasDownloadableVideo() {
			result.Assets = append(result.Assets, a.storeAsset(ctx, AssetVideo, lesson.VideoURL, a.config.Names.Video))
		} else {
			archiveAssetsTotal.WithLabelValues(string(AssetVideo), "skipped").Inc()
			a.logger.Debug().Str("lesson_id", lesson.ID).Str("url", lesson.VideoURL).Msg("Skipping embedded video")
			result.Assets = append(result.Assets, AssetResult{Kind: AssetVideo, URL: lesson.VideoURL, Skipped: true})
		}
	}
	if lesson.PDFURL != "" {
		result.Assets = append(result.Assets, a.storeAsset(ctx, AssetDocument, lesson.PDFURL, a.config.Names.Offline))
	}
	for _, m := range lesson.Materials {
		result.Assets = append(result.Assets, a.storeAsset(ctx, AssetMaterial, m, a.config.Names.Offline))
	}

	result.Success = true
	if a.config.Policy == PolicyAllAssets && len(result.Failed()) > 0 {
		result.Success = false
	}
	return result
}

func (a *Archiver) putMetadata(ctx context.Context, lesson Lesson) error {
	entry, err := cache.JSONEntry(lesson)
	if err != nil {
		return err
	}
	store, err := a.storage.Open(ctx, a.config.Names.Offline)
	if err != nil {
		return fmt.Errorf("open store %q: %w", a.config.Names.Offline, err)
	}
	if err := store.Put(ctx, cache.LessonKey(lesson.ID), entry); err != nil {
		return fmt.Errorf("store lesson metadata: %w", err)
	}
	return nil
}

// storeAsset fetches one asset and stores it under its own URL when the
// response is ok. Failures are returned in the result, never as an error.
func (a *Archiver) storeAsset(ctx context.Context, kind AssetKind, ref, storeName string) AssetResult {
	res := AssetResult{Kind: kind, URL: ref, Store: storeName}

	err := a.fetchAndStore(ctx, ref, storeName)
	if err != nil {
		res.Err = err
		archiveAssetsTotal.WithLabelValues(string(kind), "failed").Inc()
		a.logger.Warn().Err(err).Str("kind", string(kind)).Str("url", ref).Msg("Lesson asset not cached")
		return res
	}
	res.Stored = true
	archiveAssetsTotal.WithLabelValues(string(kind), "stored").Inc()
	a.logger.Debug().Str("kind", string(kind)).Str("url", ref).Str("store", storeName).Msg("Lesson asset cached")
	return res
}

func (a *Archiver) fetchAndStore(ctx context.Context, ref, storeName string) error {
	abs, err := a.resolve(ref)
	if err != nil {
		return err
	}
	resp, err := a.getter.Get(ctx, abs)
	if err != nil {
		return err
	}
	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		return err
	}
	if !entry.OK() {
		return fmt.Errorf("unexpected status %d", entry.StatusCode)
	}
	store, err := a.storage.Open(ctx, storeName)
	if err != nil {
		return fmt.Errorf("open store %q: %w", storeName, err)
	}
	if err := store.Put(ctx, cache.KeyForString(abs), entry); err != nil {
		return fmt.Errorf("store asset: %w", err)
	}
	return nil
}

func (a *Archiver) resolve(ref string) (string, error) {
	if err := CheckAssetURL(ref); err != nil {
		return "", err
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if a.config.Origin == "" {
		return "", fmt.Errorf("relative url %q needs an origin", ref)
	}
	base, err := url.Parse(strings.TrimRight(a.config.Origin, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

// List returns every archived lesson in the Offline store, in archive
// order. Records that cannot be read or decoded are logged and skipped.
func (a *Archiver) List(ctx context.Context) ([]Lesson, error) {
	store, err := a.storage.Open(ctx, a.config.Names.Offline)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", a.config.Names.Offline, err)
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	lessons := make([]Lesson, 0)
	for _, key := range keys {
		if !cache.IsLessonKey(key) {
			continue
		}
		lesson, err := a.read(ctx, store, key)
		if err != nil {
			if errors.Is(err, cache.ErrCacheMiss) {
				// deleted between Keys and Match
				continue
			}
			archiveMalformedRecordsTotal.Inc()
			a.logger.Warn().Err(err).Str("key", key).Msg("Skipping malformed lesson record")
			continue
		}
		lessons = append(lessons, lesson)
	}
	return lessons, nil
}

// Get returns one archived lesson, or cache.ErrCacheMiss.
func (a *Archiver) Get(ctx context.Context, id string) (Lesson, error) {
	store, err := a.storage.Open(ctx, a.config.Names.Offline)
	if err != nil {
		return Lesson{}, fmt.Errorf("open store %q: %w", a.config.Names.Offline, err)
	}
	return a.read(ctx, store, cache.LessonKey(id))
}

func (a *Archiver) read(ctx context.Context, store cache.Store, key string) (Lesson, error) {
	entry, err := store.Match(ctx, key)
	if err != nil {
		return Lesson{}, err
	}
	var lesson Lesson
	if err := entry.DecodeJSON(&lesson); err != nil {
		return Lesson{}, err
	}
	if lesson.ID == "" {
		return Lesson{}, fmt.Errorf("%w: record has no id", cache.ErrInvalidEntry)
	}
	return lesson, nil
}

// Remove deletes the lesson record and, best effort, the assets it
// references. It reports whether the record existed.
func (a *Archiver) Remove(ctx context.Context, id string) (bool, error) {
	lesson, err := a.Get(ctx, id)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		a.logger.Warn().Err(err).Str("lesson_id", id).Msg("Lesson record unreadable, removing it without assets")
	}

	if err == nil {
		a.removeAssets(ctx, lesson)
	}

	store, oerr := a.storage.Open(ctx, a.config.Names.Offline)
	if oerr != nil {
		return false, fmt.Errorf("open store %q: %w", a.config.Names.Offline, oerr)
	}
	existed, derr := store.Delete(ctx, cache.LessonKey(id))
	if derr != nil {
		return false, fmt.Errorf("delete lesson record: %w", derr)
	}
	if existed {
		a.logger.Info().Str("lesson_id", id).Msg("Lesson removed")
	}
	return existed, nil
}

func (a *Archiver) removeAssets(ctx context.Context, lesson Lesson) {
	type asset struct {
		ref   string
		store string
	}
	var assets []asset
	if lesson.HasDownloadableVideo() {
		assets = append(assets, asset{lesson.VideoURL, a.config.Names.Video})
	}
	if lesson.PDFURL != "" {
		assets = append(assets, asset{lesson.PDFURL, a.config.Names.Offline})
	}
	for _, m := range lesson.Materials {
		assets = append(assets, asset{m, a.config.Names.Offline})
	}

	for _, as := range assets {
		abs, err := a.resolve(as.ref)
		if err != nil {
			continue
		}
		store, err := a.storage.Open(ctx, as.store)
		if err != nil {
			a.logger.Warn().Err(err).Str("store", as.store).Msg("Failed to open store")
			continue
		}
		if _, err := store.Delete(ctx, cache.KeyForString(abs)); err != nil {
			a.logger.Warn().Err(err).Str("url", abs).Msg("Failed to remove lesson asset")
		}
	}
}
