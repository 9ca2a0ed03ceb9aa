package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for connectivity tracking.
var (
	originOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "academy_origin_online",
		Help: "1 when the academy origin is reachable, 0 when offline",
	})

	originTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "academy_origin_transitions_total",
		Help: "Total number of online/offline transitions",
	}, []string{"to"})
)

// Tracker records fetch outcomes. It implements fetch.Observer.
type Tracker struct {
	redis     *redis.Client
	key       string
	threshold int
	logger    zerolog.Logger

	mu    sync.Mutex
	state State
	now   func() time.Time
}

// NewTracker creates a tracker. redisClient may be nil for a process-local
// tracker; otherwise state is mirrored to Redis under prefix.
func NewTracker(redisClient *redis.Client, prefix string, threshold int, logger zerolog.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	key := RedisKeyState
	if prefix != "" {
		key = prefix + ":" + RedisKeyState
	}
	originOnline.Set(1)
	return &Tracker{
		redis:     redisClient,
		key:       key,
		threshold: threshold,
		logger:    logger,
		state:     InitialState(),
		now:       time.Now,
	}
}

// ObserveFetch records one fetch outcome; err == nil means a response arrived.
func (t *Tracker) ObserveFetch(ctx context.Context, err error) {
	t.mu.Lock()
	wasOnline := t.state.Online
	t.state.record(err, t.threshold, t.now())
	state := t.state
	t.mu.Unlock()

	if wasOnline != state.Online {
		if state.Online {
			originOnline.Set(1)
			originTransitionsTotal.WithLabelValues("online").Inc()
			t.logger.Info().Msg("Origin reachable again")
		} else {
			originOnline.Set(0)
			originTransitionsTotal.WithLabelValues("offline").Inc()
			t.logger.Warn().
				Int("consecutive_failures", state.ConsecutiveFailures).
				Str("error", state.LastError).
				Msg("Origin unreachable - serving offline")
		}
	}

	if t.redis == nil || wasOnline == state.Online {
		return
	}
	// only transitions are mirrored, not every fetch
	if err := t.store(ctx, state); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to store connectivity state")
	}
}

func (t *Tracker) store(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal connectivity state: %w", err)
	}
	if err := t.redis.Set(ctx, t.key, data, 0).Err(); err != nil {
		return fmt.Errorf("store connectivity state in redis: %w", err)
	}
	return nil
}

// GetState returns the current state. With Redis configured, the shared
// state wins when it is newer than the local one.
func (t *Tracker) GetState(ctx context.Context) (State, error) {
	t.mu.Lock()
	local := t.state
	t.mu.Unlock()

	if t.redis == nil {
		return local, nil
	}

	data, err := t.redis.Get(ctx, t.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			t.logger.Debug().Msg("No connectivity state in Redis, using local state")
			return local, nil
		}
		return local, fmt.Errorf("get connectivity state: %w", err)
	}

	var shared State
	if err := json.Unmarshal(data, &shared); err != nil {
		return local, fmt.Errorf("parse connectivity state: %w", err)
	}
	if shared.LastUpdate.After(local.LastUpdate) {
		return shared, nil
	}
	return local, nil
}

// Online is a shorthand for the local view of GetState.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Online
}
