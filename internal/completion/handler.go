// Package completion drains finished agent processes, finalizes their run
// records, advances task state (including the review hand-off), and feeds
// outcomes back into HealthTracker.
package completion

import (
	"fmt"
	"log/slog"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/procmgr"
	"github.com/ashleyhindle/fuel/internal/promptbuilder"
	"github.com/ashleyhindle/fuel/internal/runledger"
	"github.com/ashleyhindle/fuel/internal/scheduler"
	"github.com/ashleyhindle/fuel/internal/spawner"
	"github.com/ashleyhindle/fuel/internal/store"
)

// Handler is the daemon's single CompletionHandler instance.
type Handler struct {
	store   *store.Store
	ledger  *runledger.Ledger
	cfg     *config.Handle
	health  *health.Tracker
	sched   *scheduler.Scheduler
	spawner *spawner.Spawner
	ipc     *ipc.Server
	log     *slog.Logger
}

// New constructs a Handler.
func New(s *store.Store, ledger *runledger.Ledger, cfg *config.Handle, h *health.Tracker, sched *scheduler.Scheduler, sp *spawner.Spawner, server *ipc.Server, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: s, ledger: ledger, cfg: cfg, health: h, sched: sched, spawner: sp, ipc: server, log: log}
}

// Handle finalizes one process completion and advances its task.
func (h *Handler) Handle(c procmgr.Completion) error {
	cfg := h.cfg.Load()
	success := c.ExitCode == 0 && !c.Killed
	status := store.RunCompleted
	if !success {
		status = store.RunFailed
	}
	ended := c.EndedAt
	exitCode := c.ExitCode
	output := c.Output
	if err := h.ledger.UpdateLatestRun(c.TaskID, runledger.Delta{
		EndedAt:  &ended,
		ExitCode: &exitCode,
		Status:   &status,
		Output:   &output,
	}); err != nil {
		return fmt.Errorf("finalize run for %s: %w", c.TaskID, err)
	}

	run, err := h.ledger.GetLatestRun(c.TaskID)
	if err != nil {
		return fmt.Errorf("load finalized run for %s: %w", c.TaskID, err)
	}
	task, err := h.store.GetTask(c.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", c.TaskID, err)
	}

	isReviewRun := cfg.Review != "" && run.Agent == cfg.Review
	dispatchReview := false

	switch {
	case success && isReviewRun:
		task.Status = store.TaskClosed
	case success && cfg.Review != "":
		task.Status = store.TaskReview
		dispatchReview = true
	case success:
		task.Status = store.TaskClosed
	case isReviewRun:
		// Review-run failure returns the task to review with needs-human,
		// rather than back to open — a human needs to look at why the
		// review agent itself rejected or crashed on this task.
		task.Status = store.TaskReview
		task.Labels = addLabel(task.Labels, store.NeedsHumanLabel)
	default:
		task.Status = store.TaskOpen
		if h.attemptsExhausted(task.ID, c.Agent, cfg.MaxAttempts) {
			task.Labels = addLabel(task.Labels, store.NeedsHumanLabel)
		}
	}

	if err := h.store.UpdateTask(task); err != nil {
		return fmt.Errorf("advance task %s: %w", task.ID, err)
	}

	h.health.RecordCompletion(c.Agent, success)

	h.broadcastOutcome(task.ID, run.ID, c.ExitCode, success, run)
	h.ipc.Broadcast(ipc.NewRecord(h.ipc.InstanceID(), ipc.TypeBoardStateChanged))

	if dispatchReview {
		if pair, ok := h.sched.PickReview(task); ok {
			if err := h.spawner.Spawn(pair.Task, pair.Agent, promptbuilder.RoleReview, run.Output); err != nil {
				h.log.Warn("review dispatch failed", "task_id", task.ID, "error", err)
			}
		}
	}
	return nil
}

// attemptsExhausted counts prior failed runs by agent on taskID, including
// the one just finalized, against maxAttempts.
func (h *Handler) attemptsExhausted(taskID, agent string, maxAttempts int) bool {
	runs, err := h.ledger.GetRuns(taskID)
	if err != nil {
		h.log.Warn("attempts lookup failed", "task_id", taskID, "error", err)
		return false
	}
	failures := 0
	for _, r := range runs {
		if r.Agent == agent && r.Status == store.RunFailed {
			failures++
		}
	}
	return failures >= maxAttempts
}

func (h *Handler) broadcastOutcome(taskID, runID string, exitCode int, success bool, run *store.Run) {
	if success {
		rec := ipc.NewRecord(h.ipc.InstanceID(), ipc.TypeTaskCompleted)
		rec.TaskID = taskID
		rec.RunID = runID
		rec.ExitCode = &exitCode
		rec.Success = &success
		h.ipc.Broadcast(rec)
		return
	}
	rec := ipc.NewRecord(h.ipc.InstanceID(), ipc.TypeTaskFailed)
	rec.TaskID = taskID
	rec.RunID = runID
	rec.ExitCode = &exitCode
	rec.Reason = "agent exited non-zero"
	h.ipc.Broadcast(rec)
}

func addLabel(labels []string, label string) []string {
	for _, l := range labels {
		if l == label {
			return labels
		}
	}
	return append(labels, label)
}
