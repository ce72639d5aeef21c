package completion

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/procmgr"
	"github.com/ashleyhindle/fuel/internal/promptbuilder"
	"github.com/ashleyhindle/fuel/internal/runledger"
	"github.com/ashleyhindle/fuel/internal/scheduler"
	"github.com/ashleyhindle/fuel/internal/spawner"
	"github.com/ashleyhindle/fuel/internal/store"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *store.Store
	ledger *runledger.Ledger
	health *health.Tracker
	sched  *scheduler.Scheduler
	spawn  *spawner.Spawner
	server *ipc.Server
	h      *Handler
	cfg    *config.Config
}

func newFixture(t *testing.T, withReview bool) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pm, err := procmgr.New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Shutdown(0) })

	cfg := &config.Config{
		Primary:     "sh",
		MaxAttempts: 2,
		Agents: map[string]config.AgentSpec{
			"sh": {Executable: "/bin/sh", Args: []string{"-c"}, Cap: 2},
		},
	}
	if withReview {
		cfg.Review = "reviewer"
		cfg.Agents["reviewer"] = config.AgentSpec{Executable: "/bin/sh", Args: []string{"-c"}, Cap: 1}
	}
	cfg.ApplyDefaults()

	ledger := runledger.New(s, pm, nil)
	ht := health.New()
	server := ipc.NewServer(ipc.NewInstanceID(), nil)
	handle := config.NewHandle(cfg)
	sched := scheduler.New(s, handle, ht, pm)
	sp := spawner.New(s, handle, promptbuilder.New(""), ledger, pm, ht, server, t.TempDir(), nil)
	h := New(s, ledger, handle, ht, sched, sp, server, nil)

	return &fixture{store: s, ledger: ledger, health: ht, sched: sched, spawn: sp, server: server, h: h, cfg: cfg}
}

func spawnTask(t *testing.T, fx *fixture, agent string) *store.Task {
	t.Helper()
	task, err := fx.store.CreateTask(&store.Task{Title: "t", Priority: 2})
	require.NoError(t, err)
	require.NoError(t, fx.spawn.Spawn(task, agent, promptbuilder.RoleWorker, ""))
	got, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	return got
}

func TestHandleSuccessNoReviewClosesTask(t *testing.T) {
	fx := newFixture(t, false)
	task := spawnTask(t, fx, "sh")

	err := fx.h.Handle(procmgr.Completion{TaskID: task.ID, Agent: "sh", ExitCode: 0, EndedAt: time.Now()})
	require.NoError(t, err)

	got, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskClosed, got.Status)
}

func TestHandleSuccessWithReviewMovesToReviewAndDispatches(t *testing.T) {
	fx := newFixture(t, true)
	task := spawnTask(t, fx, "sh")

	err := fx.h.Handle(procmgr.Completion{TaskID: task.ID, Agent: "sh", ExitCode: 0, EndedAt: time.Now(), Output: "worker done"})
	require.NoError(t, err)

	got, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskInProgress, got.Status, "review dispatch marks it in_progress again via Spawn")

	run, err := fx.ledger.GetLatestRun(task.ID)
	require.NoError(t, err)
	require.Equal(t, "reviewer", run.Agent)
}

func TestHandleReviewSuccessClosesTask(t *testing.T) {
	fx := newFixture(t, true)
	task := spawnTask(t, fx, "reviewer")

	err := fx.h.Handle(procmgr.Completion{TaskID: task.ID, Agent: "reviewer", ExitCode: 0, EndedAt: time.Now()})
	require.NoError(t, err)

	got, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskClosed, got.Status)
}

func TestHandleWorkerFailureReturnsToOpen(t *testing.T) {
	fx := newFixture(t, false)
	task := spawnTask(t, fx, "sh")

	err := fx.h.Handle(procmgr.Completion{TaskID: task.ID, Agent: "sh", ExitCode: 1, EndedAt: time.Now()})
	require.NoError(t, err)

	got, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskOpen, got.Status)
	require.NotContains(t, got.Labels, store.NeedsHumanLabel)
}

func TestHandleWorkerFailureExhaustedAttemptsAddsNeedsHuman(t *testing.T) {
	fx := newFixture(t, false)
	task := spawnTask(t, fx, "sh")
	require.NoError(t, fx.h.Handle(procmgr.Completion{TaskID: task.ID, Agent: "sh", ExitCode: 1, EndedAt: time.Now()}))

	got, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	require.NoError(t, fx.spawn.Spawn(got, "sh", promptbuilder.RoleWorker, ""))

	err = fx.h.Handle(procmgr.Completion{TaskID: task.ID, Agent: "sh", ExitCode: 1, EndedAt: time.Now()})
	require.NoError(t, err)

	final, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskOpen, final.Status)
	require.Contains(t, final.Labels, store.NeedsHumanLabel)
}

func TestHandleReviewFailureAddsNeedsHumanStaysInReview(t *testing.T) {
	fx := newFixture(t, true)
	task := spawnTask(t, fx, "reviewer")

	err := fx.h.Handle(procmgr.Completion{TaskID: task.ID, Agent: "reviewer", ExitCode: 1, EndedAt: time.Now()})
	require.NoError(t, err)

	got, err := fx.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskReview, got.Status)
	require.Contains(t, got.Labels, store.NeedsHumanLabel)
}
