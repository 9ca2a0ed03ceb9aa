package connectivity

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	t.Cleanup(func() {
		client.Del(context.Background(), "test:"+RedisKeyState)
		client.Close()
	})

	return client
}

func TestTracker_Local(t *testing.T) {
	tracker := NewTracker(nil, "", 2, zerolog.Nop())
	ctx := context.Background()

	if !tracker.Online() {
		t.Fatal("new tracker should start online")
	}

	tracker.ObserveFetch(ctx, errors.New("refused"))
	if !tracker.Online() {
		t.Error("one failure below threshold 2 should stay online")
	}

	tracker.ObserveFetch(ctx, errors.New("refused"))
	if tracker.Online() {
		t.Error("two failures should go offline")
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.LastError != "refused" {
		t.Errorf("LastError = %q", state.LastError)
	}

	tracker.ObserveFetch(ctx, nil)
	if !tracker.Online() {
		t.Error("success should go back online")
	}
}

func TestTracker_SharedState(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	a := NewTracker(client, "test", 1, zerolog.Nop())
	b := NewTracker(client, "test", 1, zerolog.Nop())

	a.ObserveFetch(ctx, errors.New("refused"))

	state, err := b.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Online {
		t.Error("tracker b should see the offline transition recorded by a")
	}
}
