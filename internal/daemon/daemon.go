package daemon

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/promptbuilder"
)

// Daemon runs the single cooperative loop that ties every Core component
// together: accepting IPC clients, dispatching inbound commands, draining
// process completions, dispatching scheduler decisions, and periodically
// rebroadcasting a snapshot plus running orphan cleanup.
type Daemon struct {
	core   *Core
	paused bool

	lastCleanup time.Time
}

// New constructs a Daemon driving core.
func New(core *Core) *Daemon {
	return &Daemon{core: core}
}

// Run blocks until SIGINT or SIGTERM arrives. It returns nil on a graceful
// shutdown.
func (d *Daemon) Run() error {
	c := d.core

	if err := c.Snapshot.StartPeriodic(c.Config.Load().SnapshotInterval); err != nil {
		c.Log.Warn("snapshot beacon scheduling failed", "error", err)
	}

	n, err := c.Ledger.CleanupOrphanedRuns()
	if err != nil {
		c.Log.Warn("startup orphan cleanup failed", "error", err)
	} else if n > 0 {
		c.Log.Info("cleaned up orphaned runs on startup", "count", n)
	}
	d.lastCleanup = time.Now()

	if snap, err := c.Snapshot.Build(); err == nil {
		rec := ipc.NewRecord(c.InstanceID, ipc.TypeSnapshot)
		rec.Snapshot = &snap
		c.IPC.Broadcast(rec)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				d.reload()
				continue
			default:
				return d.shutdown()
			}
		default:
		}

		cfg := c.Config.Load()

		if snap, err := c.Snapshot.Build(); err == nil {
			c.IPC.Accept("1.0", snap)
		}

		for _, cmd := range c.IPC.RecvCommands() {
			d.dispatch(cmd)
		}

		if comp := c.Procs.WaitForAny(cfg.TickBudget); comp != nil {
			if err := c.Completion.Handle(*comp); err != nil {
				c.Log.Warn("completion handling failed", "task_id", comp.TaskID, "error", err)
			}
		}

		if !d.paused {
			pairs, err := c.Scheduler.Pick()
			if err != nil {
				c.Log.Warn("scheduler pick failed", "error", err)
			}
			for _, pair := range pairs {
				if err := c.Spawner.Spawn(pair.Task, pair.Agent, promptbuilder.RoleWorker, ""); err != nil {
					c.Log.Warn("spawn failed", "task_id", pair.Task.ID, "agent", pair.Agent, "error", err)
				}
			}
		}

		if c.Snapshot.Due() {
			if snap, err := c.Snapshot.Build(); err == nil {
				rec := ipc.NewRecord(c.InstanceID, ipc.TypeSnapshot)
				rec.Snapshot = &snap
				c.IPC.Broadcast(rec)
			}
		}

		if time.Since(d.lastCleanup) >= cfg.CleanupInterval {
			if _, err := c.Ledger.CleanupOrphanedRuns(); err != nil {
				c.Log.Warn("periodic orphan cleanup failed", "error", err)
			}
			d.lastCleanup = time.Now()
		}
	}
}

func (d *Daemon) dispatch(cmd ipc.Command) {
	c := d.core
	resp := ipc.NewRecord(c.InstanceID, ipc.TypeResponse)

	switch cmd.Record.Type {
	case ipc.TypePause:
		d.paused = true
	case ipc.TypeResume:
		d.paused = false
	case ipc.TypeKill:
		if err := c.Procs.Kill(cmd.Record.TaskID, c.Config.Load().KillGrace); err != nil {
			resp.Error = err.Error()
		}
	case ipc.TypeShutdown:
		go func() { _ = d.shutdown() }()
	case ipc.TypeStatus:
		if snap, err := c.Snapshot.Build(); err == nil {
			resp.Snapshot = &snap
		} else {
			resp.Error = err.Error()
		}
	default:
		resp.Error = "unknown command type"
	}

	cmd.Respond(resp)
}

func (d *Daemon) reload() {
	c := d.core
	if c.Watcher == nil {
		return
	}
	c.Watcher.Reload()
}

// shutdown drains running agent processes gracefully, up to the configured
// grace period, before tearing everything down.
func (d *Daemon) shutdown() error {
	c := d.core
	c.Log.Info("shutting down")
	c.Procs.Shutdown(c.Config.Load().ShutdownGrace)
	return c.IPC.Stop()
}
