// Package spawner binds a selected (task, agent) pair to a concrete
// subprocess invocation: it marks the task in_progress, renders its prompt,
// opens a run record, asks ProcessManager to launch the agent, and
// broadcasts the resulting event.
package spawner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/procmgr"
	"github.com/ashleyhindle/fuel/internal/promptbuilder"
	"github.com/ashleyhindle/fuel/internal/runledger"
	"github.com/ashleyhindle/fuel/internal/store"
)

// Spawner is the daemon's single Spawner instance.
type Spawner struct {
	store   *store.Store
	cfg     *config.Handle
	prompts *promptbuilder.Builder
	ledger  *runledger.Ledger
	procs   *procmgr.Manager
	health  *health.Tracker
	ipc     *ipc.Server
	log     *slog.Logger
	cwd     string
}

// New constructs a Spawner. cwd is the working directory every spawned
// agent process runs in (the user's workspace, not the state directory).
func New(s *store.Store, cfg *config.Handle, prompts *promptbuilder.Builder, ledger *runledger.Ledger, procs *procmgr.Manager, h *health.Tracker, server *ipc.Server, cwd string, log *slog.Logger) *Spawner {
	if log == nil {
		log = slog.Default()
	}
	return &Spawner{store: s, cfg: cfg, prompts: prompts, ledger: ledger, procs: procs, health: h, ipc: server, cwd: cwd, log: log}
}

// Role chooses which prompt template Spawn renders for task.
type Role = promptbuilder.Role

// Spawn executes the full bind-and-launch sequence for task against agent.
// A failure before the run record is created rolls the task back to the
// status it had on entry; a failure at spawn time (missing executable) also
// rolls the task back, marks the run failed with exit_code=-1, and emits
// task_failed instead of task_spawned.
func (sp *Spawner) Spawn(task *store.Task, agent string, role Role, priorOutput string) error {
	cfg := sp.cfg.Load()
	prevStatus := task.Status
	task.Status = store.TaskInProgress
	if err := sp.store.UpdateTask(task); err != nil {
		return fmt.Errorf("spawn %s: mark in_progress: %w", task.ID, err)
	}

	prompt, err := sp.prompts.Render(role, task, priorOutput)
	if err != nil {
		sp.rollback(task, prevStatus)
		return fmt.Errorf("spawn %s: render prompt: %w", task.ID, err)
	}

	spec, ok := cfg.Agents[agent]
	if !ok {
		sp.rollback(task, prevStatus)
		return fmt.Errorf("spawn %s: agent %q is not registered", task.ID, agent)
	}

	run, err := sp.ledger.CreateRun(task.ID, runledger.Attrs{
		Agent:            agent,
		Model:            spec.Model,
		RunnerInstanceID: sp.ipc.InstanceID(),
	})
	if err != nil {
		sp.rollback(task, prevStatus)
		return fmt.Errorf("spawn %s: create run: %w", task.ID, err)
	}

	command := append([]string{spec.Executable}, spec.Args...)
	command = append(command, prompt)

	if err := sp.procs.Spawn(context.Background(), task.ID, agent, command, sp.cwd, spec.Env); err != nil {
		failed := store.RunFailed
		exitCode := -1
		_ = sp.ledger.UpdateLatestRun(task.ID, runledger.Delta{Status: &failed, ExitCode: &exitCode})
		sp.health.RecordCompletion(agent, false)
		sp.rollback(task, prevStatus)
		sp.ipc.Broadcast(taskFailedEvent(sp.ipc.InstanceID(), task.ID, run.ID, exitCode, err.Error()))
		return fmt.Errorf("spawn %s: %w", task.ID, err)
	}

	pid, _ := sp.procs.GetPID(task.ID)
	_ = sp.ledger.UpdateLatestRun(task.ID, runledger.Delta{PID: &pid})

	sp.health.RecordSpawn(agent)
	sp.ipc.Broadcast(taskSpawnedEvent(sp.ipc.InstanceID(), task.ID, run.ID, agent))
	return nil
}

func (sp *Spawner) rollback(task *store.Task, prevStatus store.TaskStatus) {
	task.Status = prevStatus
	if err := sp.store.UpdateTask(task); err != nil {
		sp.log.Warn("spawn rollback failed", "task_id", task.ID, "error", err)
	}
}

func taskSpawnedEvent(instanceID, taskID, runID, agent string) ipc.Record {
	rec := ipc.NewRecord(instanceID, ipc.TypeTaskSpawned)
	rec.TaskID = taskID
	rec.RunID = runID
	rec.Agent = agent
	return rec
}

func taskFailedEvent(instanceID, taskID, runID string, exitCode int, reason string) ipc.Record {
	rec := ipc.NewRecord(instanceID, ipc.TypeTaskFailed)
	rec.TaskID = taskID
	rec.RunID = runID
	rec.ExitCode = &exitCode
	rec.Reason = reason
	return rec
}
