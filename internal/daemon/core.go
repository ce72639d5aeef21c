// Package daemon wires every collaborating service into a single Core
// aggregate and runs the top-level cooperative loop that ties them
// together, in place of the ambient/global lookups this codebase
// previously used.
package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashleyhindle/fuel/internal/completion"
	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/procmgr"
	"github.com/ashleyhindle/fuel/internal/promptbuilder"
	"github.com/ashleyhindle/fuel/internal/runledger"
	"github.com/ashleyhindle/fuel/internal/scheduler"
	"github.com/ashleyhindle/fuel/internal/snapshot"
	"github.com/ashleyhindle/fuel/internal/spawner"
	"github.com/ashleyhindle/fuel/internal/store"
)

// ErrPortInUse is returned by NewCore when another daemon already holds the
// configured port. The CLI maps this to exit code 2.
var ErrPortInUse = errors.New("daemon already running: port in use")

// ErrStateDirUnwritable is returned by NewCore when the state directory
// cannot be created or written to. The CLI maps this to exit code 3.
var ErrStateDirUnwritable = errors.New("state directory is not writable")

// Core owns every long-lived service the daemon loop drives. It is
// constructed once at startup; nothing reaches for these via a global
// service locator.
type Core struct {
	InstanceID string
	Config     *config.Handle
	Log        *slog.Logger

	Store      *store.Store
	Health     *health.Tracker
	Procs      *procmgr.Manager
	Prompts    *promptbuilder.Builder
	Ledger     *runledger.Ledger
	IPC        *ipc.Server
	Scheduler  *scheduler.Scheduler
	Spawner    *spawner.Spawner
	Completion *completion.Handler
	Snapshot   *snapshot.Manager
	Watcher    *config.Watcher

	cwd string
}

// NewCore wires every component together from cfg. The store, logs, and
// process state live under cfg.StateDir; cwd is the workspace directory
// spawned agents run in.
func NewCore(cfg *config.Config, promptOverrideDir, cwd string, log *slog.Logger) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateDirUnwritable, cfg.StateDir, err)
	}
	probe := filepath.Join(cfg.StateDir, ".write-probe")
	if err := os.WriteFile(probe, []byte{}, 0o600); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateDirUnwritable, cfg.StateDir, err)
	}
	_ = os.Remove(probe)

	s, err := store.Open(filepath.Join(cfg.StateDir, "store.db"), log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	procs, err := procmgr.New(cfg.StateDir, log)
	if err != nil {
		return nil, fmt.Errorf("open process manager: %w", err)
	}

	instanceID := ipc.NewInstanceID()
	ipcServer := ipc.NewServer(instanceID, log)
	if err := ipcServer.Start(cfg.Port); err != nil {
		if isAddrInUse(err) {
			return nil, fmt.Errorf("%w: port %d", ErrPortInUse, cfg.Port)
		}
		return nil, fmt.Errorf("start ipc server: %w", err)
	}

	handle := config.NewHandle(cfg)
	ht := health.New()
	ledger := runledger.New(s, procs, log)
	prompts := promptbuilder.New(promptOverrideDir)
	sched := scheduler.New(s, handle, ht, procs)
	sp := spawner.New(s, handle, prompts, ledger, procs, ht, ipcServer, cwd, log)
	ch := completion.New(s, ledger, handle, ht, sched, sp, ipcServer, log)
	snap := snapshot.New(s, ht, procs, log)

	return &Core{
		InstanceID: instanceID,
		Config:     handle,
		Log:        log,
		Store:      s,
		Health:     ht,
		Procs:      procs,
		Prompts:    prompts,
		Ledger:     ledger,
		IPC:        ipcServer,
		Scheduler:  sched,
		Spawner:    sp,
		Completion: ch,
		Snapshot:   snap,
		cwd:        cwd,
	}, nil
}

// SetWatcher attaches a config file watcher whose Reload is invoked on
// SIGHUP, converging both reload triggers onto the same path.
func (c *Core) SetWatcher(w *config.Watcher) {
	c.Watcher = w
}

// Close releases every resource Core opened.
func (c *Core) Close() error {
	if c.Watcher != nil {
		_ = c.Watcher.Close()
	}
	c.Snapshot.Stop()
	_ = c.IPC.Stop()
	c.Procs.Shutdown(c.Config.Load().ShutdownGrace)
	return c.Store.Close()
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use")
}
