package runledger

import (
	"path/filepath"
	"testing"

	"github.com/ashleyhindle/fuel/internal/procmgr"
	"github.com/ashleyhindle/fuel/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store, *store.Task) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	task, err := s.CreateTask(&store.Task{Title: "A", Priority: 2})
	require.NoError(t, err)
	return New(s, nil, nil), s, task
}

func TestCreateAndUpdateLatestRun(t *testing.T) {
	l, _, task := newTestLedger(t)

	run, err := l.CreateRun(task.ID, Attrs{Agent: "claude"})
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)

	pid := 4242
	require.NoError(t, l.UpdateLatestRun(task.ID, Delta{PID: &pid}))

	latest, err := l.GetLatestRun(task.ID)
	require.NoError(t, err)
	require.Equal(t, pid, *latest.PID)
}

func TestCleanupOrphanedRunsNoPID(t *testing.T) {
	l, _, task := newTestLedger(t)
	_, err := l.CreateRun(task.ID, Attrs{Agent: "claude"})
	require.NoError(t, err)

	n, err := l.CleanupOrphanedRuns()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	run, err := l.GetLatestRun(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Status)
	require.Equal(t, -1, *run.ExitCode)
}

func TestCleanupOrphanedRunsDeadPID(t *testing.T) {
	l, _, task := newTestLedger(t)
	pid := 999999
	_, err := l.CreateRun(task.ID, Attrs{Agent: "claude", PID: &pid})
	require.NoError(t, err)

	orig := pidAlive
	pidAlive = func(int) bool { return false }
	defer func() { pidAlive = orig }()

	n, err := l.CleanupOrphanedRuns()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCleanupOrphanedRunsLeavesLiveAlone(t *testing.T) {
	l, _, task := newTestLedger(t)
	pid := 1
	_, err := l.CreateRun(task.ID, Attrs{Agent: "claude", PID: &pid})
	require.NoError(t, err)

	orig := pidAlive
	pidAlive = func(int) bool { return true }
	defer func() { pidAlive = orig }()

	n, err := l.CleanupOrphanedRuns()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	run, err := l.GetLatestRun(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
}

func TestCleanupOrphanedRunsDisownsLiveUntrackedPID(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	task, err := s.CreateTask(&store.Task{Title: "A", Priority: 2})
	require.NoError(t, err)

	pm, err := procmgr.New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Shutdown(0) })

	l := New(s, pm, nil)
	pid := 1 // pid 1 is always alive, but this ProcessManager never recorded it
	_, err = l.CreateRun(task.ID, Attrs{Agent: "claude", PID: &pid})
	require.NoError(t, err)

	n, err := l.CleanupOrphanedRuns()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	run, err := l.GetLatestRun(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Status)
}

func TestCleanupOrphanedRunsKeepsLiveTrackedPID(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	task, err := s.CreateTask(&store.Task{Title: "A", Priority: 2})
	require.NoError(t, err)

	pm, err := procmgr.New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Shutdown(0) })

	l := New(s, pm, nil)
	pid := 1
	_, err = l.CreateRun(task.ID, Attrs{Agent: "claude", PID: &pid})
	require.NoError(t, err)
	require.NoError(t, pm.RecordForTest(task.ID, "claude", pid))

	n, err := l.CleanupOrphanedRuns()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	run, err := l.GetLatestRun(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
}

func TestCleanupOrphanedRunsIdempotentSecondCallIsZero(t *testing.T) {
	l, _, task := newTestLedger(t)
	_, err := l.CreateRun(task.ID, Attrs{Agent: "claude"})
	require.NoError(t, err)

	n1, err := l.CleanupOrphanedRuns()
	require.NoError(t, err)
	require.Equal(t, 1, n1)

	n2, err := l.CleanupOrphanedRuns()
	require.NoError(t, err)
	require.Equal(t, 0, n2)
}
