// Package runledger maintains the append-only record of every agent
// invocation and performs orphan cleanup on restart by probing recorded
// pids for liveness.
package runledger

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/ashleyhindle/fuel/internal/procmgr"
	"github.com/ashleyhindle/fuel/internal/store"
)

// Attrs are the fields a caller supplies when creating a run; Agent is
// required, the rest are optional.
type Attrs struct {
	Agent            string
	Model            string
	SessionID        string
	PID              *int
	RunnerInstanceID string
}

// Delta merges into the most recent run for a task via UpdateLatestRun.
type Delta struct {
	PID       *int
	SessionID *string
	Model     *string
	EndedAt   *time.Time
	ExitCode  *int
	CostUSD   *float64
	Output    *string
	Status    *store.RunStatus
}

// Ledger is the daemon's single RunLedger instance.
type Ledger struct {
	store *store.Store
	procs *procmgr.Manager
	log   *slog.Logger
}

// New constructs a Ledger backed by s. procs is consulted by
// CleanupOrphanedRuns to cross-reference which pids this daemon instance
// actually started; it may be nil, in which case cleanup falls back to a
// pid-liveness-only check.
func New(s *store.Store, procs *procmgr.Manager, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: s, procs: procs, log: log}
}

// CreateRun starts a new running run for taskID.
func (l *Ledger) CreateRun(taskID string, attrs Attrs) (*store.Run, error) {
	if attrs.Agent == "" {
		return nil, fmt.Errorf("create run for %s: agent is required", taskID)
	}
	run := &store.Run{
		TaskID:           taskID,
		Agent:            attrs.Agent,
		Model:            attrs.Model,
		SessionID:        attrs.SessionID,
		PID:              attrs.PID,
		RunnerInstanceID: attrs.RunnerInstanceID,
		StartedAt:        time.Now().UTC(),
		Status:           store.RunRunning,
	}
	return l.store.CreateRun(run)
}

// UpdateLatestRun merges delta into the most recent run for taskID.
func (l *Ledger) UpdateLatestRun(taskID string, delta Delta) error {
	run, err := l.store.LatestRun(taskID)
	if err != nil {
		return fmt.Errorf("update latest run for %s: %w", taskID, err)
	}
	if delta.PID != nil {
		run.PID = delta.PID
	}
	if delta.SessionID != nil {
		run.SessionID = *delta.SessionID
	}
	if delta.Model != nil {
		run.Model = *delta.Model
	}
	if delta.EndedAt != nil {
		run.EndedAt = delta.EndedAt
	}
	if delta.ExitCode != nil {
		run.ExitCode = delta.ExitCode
	}
	if delta.CostUSD != nil {
		run.CostUSD = delta.CostUSD
	}
	if delta.Output != nil {
		run.Output = truncateTail(*delta.Output, maxOutputBytes)
	}
	if delta.Status != nil {
		run.Status = *delta.Status
	}
	return l.store.UpdateRun(run)
}

// GetLatestRun returns the most recent run for taskID.
func (l *Ledger) GetLatestRun(taskID string) (*store.Run, error) {
	return l.store.LatestRun(taskID)
}

// GetRuns returns every run for taskID, most recent first.
func (l *Ledger) GetRuns(taskID string) ([]*store.Run, error) {
	return l.store.Runs(taskID)
}

const maxOutputBytes = 64 * 1024

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// pidAlive is the zero-signal liveness probe: sending signal 0 to a pid
// succeeds if the process exists, fails with EPERM if it exists but we lack
// permission to signal it, and fails with ESRCH if it does not. Both of the
// first two count as alive.
var pidAlive = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// CleanupOrphanedRuns marks every run with status=running as failed,
// exit_code=-1, unless its pid is both alive and still recorded in the
// ProcessManager's own state file under the same task id — a pid can
// outlive our crash yet belong to something else entirely once reused by
// the OS, so liveness alone is not enough to call a run still in progress.
// Returns the number of records cleaned.
func (l *Ledger) CleanupOrphanedRuns() (int, error) {
	running, err := l.store.RunningRuns()
	if err != nil {
		return 0, fmt.Errorf("cleanup orphaned runs: %w", err)
	}

	var tracked map[string]procmgr.Entry
	if l.procs != nil {
		tracked, err = l.procs.TrackedEntries()
		if err != nil {
			return 0, fmt.Errorf("cleanup orphaned runs: %w", err)
		}
	}

	cleaned := 0
	for _, run := range running {
		var note string
		switch {
		case run.PID == nil:
			note = "orphaned: no pid"
		case !pidAlive(*run.PID):
			note = "orphaned: pid dead"
		case tracked != nil && tracked[run.TaskID].PID != *run.PID:
			note = "orphaned: pid alive but not owned by this process manager"
		default:
			continue
		}

		ended := time.Now().UTC()
		exitCode := -1
		run.EndedAt = &ended
		run.ExitCode = &exitCode
		run.Status = store.RunFailed
		run.Output = appendNote(run.Output, note)
		if err := l.store.UpdateRun(run); err != nil {
			l.log.Warn("cleanup orphaned run failed", "run_id", run.ID, "error", err)
			continue
		}
		l.log.Info("cleaned up orphaned run", "run_id", run.ID, "task_id", run.TaskID, "note", note)
		cleaned++
	}
	return cleaned, nil
}

func appendNote(output, note string) string {
	if output == "" {
		return note
	}
	return output + "\n[" + note + "]"
}
