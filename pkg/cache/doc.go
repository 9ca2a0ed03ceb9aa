// Package cache provides the named response stores used by the offline worker.
//
// A Storage holds any number of named stores. Each Store is a persistent
// mapping from a request key to a captured HTTP response. The worker keeps
// three stores alive at a time:
//
// - Primary: general assets (pages, bundles, images, API responses)
// - Offline: documents and lesson metadata records
// - Video: media streams
//
// Entries carry no expiry. Staleness is handled by store generations: a
// store whose name is not one of the three current names is dropped on the
// next activation, so bumping a name (e.g. "-v1" to "-v2") purges it.
//
// # Basic Usage
//
//	// Redis-backed storage
//	storage := cache.NewRedisStorage(redisClient, "academy")
//
//	offline, err := storage.Open(ctx, "himmam-offline-v1")
//	if err != nil {
//		return err
//	}
//
//	entry, err := offline.Match(ctx, cache.LessonKey("L1"))
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// not archived yet
//	}
//
// # HTTP Response Caching
//
//	// Convert HTTP response to cache entry (body is restored for the caller)
//	entry, err := cache.ResponseToEntry(resp)
//	if err != nil {
//		return err
//	}
//
//	if err := offline.Put(ctx, cache.KeyForURL(resp.Request.URL), entry); err != nil {
//		return err
//	}
//
// # Backends
//
// NewMemoryStorage and NewRedisStorage live here. SQL (sqlite, postgres) and
// DynamoDB backends live in the sqlstore and dynamostore subpackages. None of
// them offer transactions across keys; puts and deletes are atomic per key.
//
// # Metrics
//
//   - academy_cache_hits_total{backend} - Cache hits
//   - academy_cache_misses_total{backend} - Cache misses
//   - academy_cache_writes_total{backend} - Entries written
//   - academy_cache_errors_total{backend,operation} - Backend errors
//   - academy_cache_stores_dropped_total{backend} - Stores deleted wholesale
package cache
