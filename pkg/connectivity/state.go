// Package connectivity tracks whether the academy origin is reachable,
// based on the outcome of every network fetch made by the worker.
// The state is shared between instances through Redis when configured.
package connectivity

import (
	"time"
)

// RedisKeyState is where the shared state is stored, below the configured prefix.
const RedisKeyState = "connectivity:state"

// DefaultOfflineThreshold is the number of consecutive network failures
// after which the origin is considered offline.
const DefaultOfflineThreshold = 1

// State is the current reachability of the origin.
type State struct {
	// Online is false once ConsecutiveFailures reaches the offline threshold.
	Online bool `json:"online"`

	// ConsecutiveFailures counts network failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastSuccess is when a fetch last produced a response.
	LastSuccess time.Time `json:"last_success"`

	// LastFailure is when a fetch last failed to produce a response.
	LastFailure time.Time `json:"last_failure"`

	// LastError is the message of the most recent network failure.
	LastError string `json:"last_error,omitempty"`

	// LastUpdate is when this state was last changed.
	LastUpdate time.Time `json:"last_update"`
}

// InitialState assumes the origin is reachable until told otherwise.
func InitialState() State {
	return State{Online: true, LastUpdate: time.Now()}
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// OfflineFor returns how long the origin has been unreachable, or 0 when online.
func (s *State) OfflineFor() time.Duration {
	if s.Online || s.LastSuccess.After(s.LastFailure) {
		return 0
	}
	if s.LastSuccess.IsZero() {
		return time.Since(s.LastUpdate)
	}
	return time.Since(s.LastSuccess)
}

// record applies one fetch outcome.
func (s *State) record(err error, threshold int, now time.Time) {
	s.LastUpdate = now
	if err == nil {
		s.ConsecutiveFailures = 0
		s.LastSuccess = now
		s.LastError = ""
		s.Online = true
		return
	}
	s.ConsecutiveFailures++
	s.LastFailure = now
	s.LastError = err.Error()
	if s.ConsecutiveFailures >= threshold {
		s.Online = false
	}
}
