// Package lifecycle installs and activates the offline worker: install
// pre-warms the Primary store with the essential manifest, activate purges
// stores of earlier generations and takes control of connected clients.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/himmam-offline/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for lifecycle transitions.
var (
	lifecycleInstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_lifecycle_installs_total",
		Help: "Total install attempts by result",
	}, []string{"result"}) // "success", "failure"

	lifecycleStoresPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "academy_lifecycle_stores_purged_total",
		Help: "Total stores of earlier generations dropped on activation",
	})

	lifecycleClientsClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "academy_lifecycle_clients_claimed_total",
		Help: "Total clients claimed on activation",
	})
)

var (
	// ErrInstallFailed indicates a manifest entry could not be fetched or stored.
	ErrInstallFailed = errors.New("install failed")

	// ErrRedundant indicates the worker failed to install and cannot activate.
	ErrRedundant = errors.New("worker is redundant")
)

// State is the lifecycle state of the worker.
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// rollbackTimeout bounds undoing a partial install.
const rollbackTimeout = 10 * time.Second

// DefaultManifest is the essential asset list cached at install time.
var DefaultManifest = []string{
	"/",
	"/student-dashboard",
	"/login",
	"/static/js/bundle.js",
	"/static/css/main.css",
	"/lovable-uploads/ad6d0aa7-ee9b-4c8b-8205-791c0b7943c8.png",
}

// Claimer takes control of connected clients.
type Claimer interface {
	Claim() int
}

// Config holds the lifecycle configuration.
type Config struct {
	// Names of the three live stores.
	Names cache.StoreNames

	// Origin resolves root-relative manifest entries.
	Origin string

	// Manifest lists the URLs cached at install time.
	Manifest []string

	// Precache configures the install worker pool.
	Precache PrecacheConfig
}

// ActivateResult reports what activation did.
type ActivateResult struct {
	Dropped []string
	Claimed int
}

// Manager runs install and activation. The two never overlap.
type Manager struct {
	storage  cache.Storage
	getter   Getter
	claimer  Claimer
	config   Config
	manifest []string
	logger   zerolog.Logger

	mu        sync.Mutex // serializes Install and Activate
	stateMu   sync.RWMutex
	state     State
	changedAt time.Time
}

// New creates a manager in StateIdle. claimer may be nil when no clients
// can connect, as in one-shot CLI runs.
func New(storage cache.Storage, getter Getter, claimer Claimer, cfg Config, logger zerolog.Logger) (*Manager, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if getter == nil {
		return nil, fmt.Errorf("getter is required")
	}
	if err := cfg.Names.Validate(); err != nil {
		return nil, err
	}
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest
	}
	manifest, err := ResolveAll(cfg.Origin, cfg.Manifest)
	if err != nil {
		return nil, err
	}
	return &Manager{
		storage:   storage,
		getter:    getter,
		claimer:   claimer,
		config:    cfg,
		manifest:  manifest,
		logger:    logger,
		state:     StateIdle,
		changedAt: time.Now(),
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// ChangedAt returns when the state last changed.
func (m *Manager) ChangedAt() time.Time {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.changedAt
}

// Manifest returns the resolved manifest URLs.
func (m *Manager) Manifest() []string {
	return append([]string(nil), m.manifest...)
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = s
	m.changedAt = time.Now()
	m.stateMu.Unlock()

	m.logger.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("Lifecycle transition")
}

// Install pre-warms the Primary store. Every manifest URL must fetch with a
// 2xx status before anything is written; one failure fails the install and
// leaves the store untouched. A write failing partway is rolled back: keys
// already written get their previous entry back or are deleted. On success
// the worker moves straight to StateWaiting without waiting for an older
// worker to go away.
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setState(StateInstalling)
	m.logger.Info().Int("manifest", len(m.manifest)).Msg("Installing")

	if err := m.install(ctx); err != nil {
		lifecycleInstallsTotal.WithLabelValues("failure").Inc()
		m.setState(StateRedundant)
		m.logger.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	lifecycleInstallsTotal.WithLabelValues("success").Inc()
	m.setState(StateWaiting)
	m.logger.Info().Msg("Installed, skipping wait")
	return nil
}

func (m *Manager) install(ctx context.Context) error {
	store, err := m.storage.Open(ctx, m.config.Names.Primary)
	if err != nil {
		return fmt.Errorf("open store %q: %w", m.config.Names.Primary, err)
	}

	entries, err := precache(ctx, m.getter, m.manifest, m.config.Precache, m.logger)
	if err != nil {
		return err
	}

	// manifest order, so Keys reflects it
	var written []priorEntry
	for _, u := range m.manifest {
		key := cache.KeyForString(u)
		entry, ok := entries[key]
		if !ok {
			continue
		}
		prev, err := store.Match(ctx, key)
		if err != nil {
			prev = nil
		}
		if err := store.Put(ctx, key, entry); err != nil {
			m.rollback(ctx, store, written)
			return fmt.Errorf("store %s: %w", u, err)
		}
		written = append(written, priorEntry{key: key, entry: prev})
		delete(entries, key)
	}
	return nil
}

// priorEntry is what a key held before install wrote it; nil if nothing.
type priorEntry struct {
	key   string
	entry *cache.Entry
}

// rollback undoes install's writes, newest first. It runs even when ctx is
// already cancelled.
func (m *Manager) rollback(ctx context.Context, store cache.Store, written []priorEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	for i := len(written) - 1; i >= 0; i-- {
		w := written[i]
		var err error
		if w.entry != nil {
			err = store.Put(ctx, w.key, w.entry)
		} else {
			_, err = store.Delete(ctx, w.key)
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("key", w.key).Msg("Install rollback incomplete")
		}
	}
	if len(written) > 0 {
		m.logger.Debug().Int("keys", len(written)).Msg("Install rolled back")
	}
}

// Activate drops every store whose name is not one of the three live names,
// then claims all connected clients.
func (m *Manager) Activate(ctx context.Context) (ActivateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == StateRedundant {
		return ActivateResult{}, ErrRedundant
	}

	m.setState(StateActivating)
	m.logger.Info().Msg("Activating")

	dropped, err := m.purge(ctx)
	if err != nil {
		m.setState(StateWaiting)
		return ActivateResult{Dropped: dropped}, fmt.Errorf("purge stale stores: %w", err)
	}

	result := ActivateResult{Dropped: dropped}
	if m.claimer != nil {
		result.Claimed = m.claimer.Claim()
		lifecycleClientsClaimedTotal.Add(float64(result.Claimed))
	}

	m.setState(StateActive)
	m.logger.Info().
		Strs("dropped", dropped).
		Int("claimed", result.Claimed).
		Msg("Activated")
	return result, nil
}

func (m *Manager) purge(ctx context.Context) ([]string, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}

	var dropped []string
	for _, name := range names {
		if m.config.Names.Contains(name) {
			continue
		}
		if _, err := m.storage.Drop(ctx, name); err != nil {
			return dropped, fmt.Errorf("drop store %q: %w", name, err)
		}
		lifecycleStoresPurgedTotal.Inc()
		m.logger.Info().Str("store", name).Msg("Dropped stale store")
		dropped = append(dropped, name)
	}
	return dropped, nil
}

// Resolve makes a root-relative path absolute against origin. Absolute
// URLs are returned unchanged.
func Resolve(origin, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if origin == "" {
		return "", fmt.Errorf("relative url %q needs an origin", ref)
	}
	base, err := url.Parse(strings.TrimRight(origin, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", origin, err)
	}
	return base.ResolveReference(u).String(), nil
}

// ResolveAll resolves every ref against origin.
func ResolveAll(origin string, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		abs, err := Resolve(origin, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}
