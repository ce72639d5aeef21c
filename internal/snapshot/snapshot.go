// Package snapshot builds board snapshots for new IPC clients and for the
// daemon's periodic broadcast beacon.
package snapshot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/procmgr"
	"github.com/ashleyhindle/fuel/internal/store"
	"github.com/robfig/cron/v3"
)

// Manager is the daemon's single SnapshotManager instance.
type Manager struct {
	store  *store.Store
	health *health.Tracker
	procs  *procmgr.Manager
	log    *slog.Logger

	cron *cron.Cron
	due  chan struct{}
}

// New constructs a Manager.
func New(s *store.Store, h *health.Tracker, p *procmgr.Manager, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: s, health: h, procs: p, log: log, due: make(chan struct{}, 1)}
}

// Build composes a point-in-time board snapshot from Store's predicates plus
// process/health summaries.
func (m *Manager) Build() (ipc.Snapshot, error) {
	ready, err := m.store.Ready()
	if err != nil {
		return ipc.Snapshot{}, fmt.Errorf("build snapshot: ready: %w", err)
	}
	inProgress, err := m.store.InProgress()
	if err != nil {
		return ipc.Snapshot{}, fmt.Errorf("build snapshot: in_progress: %w", err)
	}
	review, err := m.store.Review()
	if err != nil {
		return ipc.Snapshot{}, fmt.Errorf("build snapshot: review: %w", err)
	}
	blocked, err := m.store.Blocked()
	if err != nil {
		return ipc.Snapshot{}, fmt.Errorf("build snapshot: blocked: %w", err)
	}
	human, err := m.store.NeedsHuman()
	if err != nil {
		return ipc.Snapshot{}, fmt.Errorf("build snapshot: needs_human: %w", err)
	}
	done, err := m.store.Done()
	if err != nil {
		return ipc.Snapshot{}, fmt.Errorf("build snapshot: done: %w", err)
	}

	return ipc.Snapshot{
		BoardState: ipc.BoardState{
			Ready:      ids(ready),
			InProgress: ids(inProgress),
			Review:     ids(review),
			Blocked:    ids(blocked),
			Human:      ids(human),
			Done:       ids(done),
		},
		AgentsHealth:   m.health.GetAllHealthStatus(),
		ProcessSummary: m.procs.GetActiveProcesses(),
	}, nil
}

func ids(tasks []*store.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

// StartPeriodic schedules the liveness-beacon tick every interval via
// robfig/cron, pushing onto a channel the daemon loop drains non-blockingly
// rather than calling Build directly from the cron goroutine — Build reads
// Store, and Store access happens on the daemon's single cooperative loop.
func (m *Manager) StartPeriodic(interval time.Duration) error {
	m.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", interval.String())
	_, err := m.cron.AddFunc(spec, func() {
		select {
		case m.due <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("schedule snapshot beacon: %w", err)
	}
	m.cron.Start()
	return nil
}

// Due reports whether a periodic snapshot broadcast is pending, clearing the
// pending flag.
func (m *Manager) Due() bool {
	select {
	case <-m.due:
		return true
	default:
		return false
	}
}

// Stop halts the periodic scheduler.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}
