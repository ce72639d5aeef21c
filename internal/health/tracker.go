// Package health tracks per-agent spawn admission: running counts, success
// and failure streaks, and exponential backoff after repeated failures.
package health

import (
	"math/rand"
	"sync"
	"time"
)

const (
	backoffBase = 5 * time.Second
	backoffCap  = 5 * time.Minute
)

// Status is a point-in-time snapshot of one agent's health, suitable for
// inclusion in a broadcast snapshot.
type Status struct {
	Agent             string    `json:"agent"`
	Running           int       `json:"running"`
	Successes         int       `json:"successes"`
	Failures          int       `json:"failures"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	NextAllowedSpawn  time.Time `json:"next_allowed_spawn,omitempty"`
}

type agentState struct {
	running             int
	successes           int
	failures            int
	consecutiveFailures int
	nextAllowedSpawn    time.Time
}

// Tracker is the daemon's single HealthTracker instance. It is safe for
// concurrent use: the Scheduler reads it every tick while CompletionHandler
// and Spawner update it from the same loop, but tests and future callers
// may call it from other goroutines.
type Tracker struct {
	mu     sync.Mutex
	agents map[string]*agentState
	nowFn  func() time.Time
	rand   *rand.Rand
}

// New constructs an empty Tracker. HealthTracker state is intentionally not
// persisted across daemon restarts: a restart clears backoff windows and
// counters, the conservative choice that favors availability over carrying
// forward a possibly-stale penalty.
func New() *Tracker {
	return &Tracker{
		agents: make(map[string]*agentState),
		nowFn:  time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (t *Tracker) state(agent string) *agentState {
	s, ok := t.agents[agent]
	if !ok {
		s = &agentState{}
		t.agents[agent] = s
	}
	return s
}

// CanSpawn reports whether agent is below its backoff window. Concurrency
// capping against Config is the Scheduler's responsibility, not the
// HealthTracker's.
func (t *Tracker) CanSpawn(agent string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(agent)
	return t.nowFn().After(s.nextAllowedSpawn) || t.nowFn().Equal(s.nextAllowedSpawn)
}

// RecordSpawn increments the running count for agent.
func (t *Tracker) RecordSpawn(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(agent).running++
}

// RecordCompletion decrements the running count and updates the
// success/failure streak and backoff window.
func (t *Tracker) RecordCompletion(agent string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(agent)
	if s.running > 0 {
		s.running--
	}
	if success {
		s.successes++
		s.consecutiveFailures = 0
		s.nextAllowedSpawn = time.Time{}
		return
	}
	s.failures++
	s.consecutiveFailures++
	s.nextAllowedSpawn = t.nowFn().Add(t.backoffWindow(s.consecutiveFailures))
}

// backoffWindow computes min(cap, base*2^(k-1)) with full jitter applied to
// the computed window.
func (t *Tracker) backoffWindow(k int) time.Duration {
	if k <= 0 {
		return 0
	}
	window := backoffBase * time.Duration(1<<uint(k-1))
	if window > backoffCap || window <= 0 {
		window = backoffCap
	}
	jitter := time.Duration(t.rand.Int63n(int64(window) + 1))
	return jitter
}

// Current returns the current running count for agent, used by tests to
// assert the strictly-increases/decreases-by-one testable property.
func (t *Tracker) Current(agent string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(agent).running
}

// GetAllHealthStatus returns a snapshot of every agent this Tracker has ever
// seen, for inclusion in a board snapshot broadcast.
func (t *Tracker) GetAllHealthStatus() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Status, 0, len(t.agents))
	for agent, s := range t.agents {
		out = append(out, Status{
			Agent:               agent,
			Running:             s.running,
			Successes:           s.successes,
			Failures:            s.failures,
			ConsecutiveFailures: s.consecutiveFailures,
			NextAllowedSpawn:    s.nextAllowedSpawn,
		})
	}
	return out
}
