// Package scheduler selects which ready tasks get dispatched to which
// agents on a given tick, respecting per-agent concurrency caps and health
// backoff. It never mutates tasks directly — it only returns decisions for
// the caller to act on.
package scheduler

import (
	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/procmgr"
	"github.com/ashleyhindle/fuel/internal/store"
)

// Pair is one admitted (task, agent) dispatch decision.
type Pair struct {
	Task  *store.Task
	Agent string
}

// Scheduler is stateless across ticks except for the view it reads from
// HealthTracker and ProcessManager at call time.
type Scheduler struct {
	store  *store.Store
	cfg    *config.Handle
	health *health.Tracker
	procs  *procmgr.Manager
}

// New constructs a Scheduler.
func New(s *store.Store, cfg *config.Handle, h *health.Tracker, p *procmgr.Manager) *Scheduler {
	return &Scheduler{store: s, cfg: cfg, health: h, procs: p}
}

// Pick returns the set of (task, agent) pairs admitted this tick. Ready
// tasks are considered in Store's order (ascending priority, then ascending
// created_at) until admission is exhausted for every candidate agent.
func (sc *Scheduler) Pick() ([]Pair, error) {
	cfg := sc.cfg.Load()
	ready, err := sc.store.Ready()
	if err != nil {
		return nil, err
	}

	// Tracks how many additional slots each agent has used up within this
	// tick, since HealthTracker/ProcessManager won't reflect a dispatch
	// decision until Spawner actually calls ProcessManager.Spawn.
	busier := make(map[string]int)

	var pairs []Pair
	for _, task := range ready {
		agent := cfg.AgentForComplexity(string(task.Complexity))
		if agent == "" {
			continue
		}
		if !sc.health.CanSpawn(agent) {
			continue
		}
		running := sc.procs.GetAgentCount(agent) + busier[agent]
		if running >= cfg.Cap(agent) {
			continue
		}
		pairs = append(pairs, Pair{Task: task, Agent: agent})
		busier[agent]++
	}
	return pairs, nil
}

// PickReview returns a review dispatch pair for task if a review agent is
// configured. Invoked by the completion handler, not by the per-tick Pick
// loop — review dispatch is triggered by a worker run completing
// successfully, not by task readiness.
func (sc *Scheduler) PickReview(task *store.Task) (Pair, bool) {
	cfg := sc.cfg.Load()
	if cfg.Review == "" {
		return Pair{}, false
	}
	if !sc.health.CanSpawn(cfg.Review) {
		return Pair{}, false
	}
	if sc.procs.GetAgentCount(cfg.Review) >= cfg.Cap(cfg.Review) {
		return Pair{}, false
	}
	return Pair{Task: task, Agent: cfg.Review}, true
}
