package procmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir, nil)
	require.NoError(t, err)
	return m
}

func TestSpawnAndWaitForAnySuccess(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Spawn(ctx, "f-aaaaa", "claude", []string{"/bin/sh", "-c", "echo hello"}, t.TempDir(), nil))

	c := m.WaitForAny(2 * time.Second)
	require.NotNil(t, c)
	require.Equal(t, "f-aaaaa", c.TaskID)
	require.Equal(t, 0, c.ExitCode)
	require.Contains(t, c.Output, "hello")
}

func TestSpawnNonzeroExit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Spawn(ctx, "f-bbbbb", "claude", []string{"/bin/sh", "-c", "exit 7"}, t.TempDir(), nil))

	c := m.WaitForAny(2 * time.Second)
	require.NotNil(t, c)
	require.Equal(t, 7, c.ExitCode)
}

func TestSpawnMissingExecutable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.Spawn(ctx, "f-ccccc", "claude", []string{"/no/such/binary"}, t.TempDir(), nil)
	require.Error(t, err)
	var spawnErr *SpawnFailedError
	require.ErrorAs(t, err, &spawnErr)
}

func TestWaitForAnyTimesOut(t *testing.T) {
	m := newTestManager(t)
	c := m.WaitForAny(50 * time.Millisecond)
	require.Nil(t, c)
}

func TestKillSendsSignal(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Spawn(ctx, "f-ddddd", "claude", []string{"/bin/sh", "-c", "sleep 30"}, t.TempDir(), nil))
	require.True(t, m.IsRunning("f-ddddd"))

	require.NoError(t, m.Kill("f-ddddd", 200*time.Millisecond))

	c := m.WaitForAny(2 * time.Second)
	require.NotNil(t, c)
	require.NotEqual(t, 0, c.ExitCode)
}

func TestProcessStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenProcessState(filepath.Join(dir, "procstate.json"))
	require.NoError(t, err)

	require.NoError(t, s.Record("f-aaaaa", "claude", 12345, time.Now()))
	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 12345, entries[0].PID)

	require.NoError(t, s.Remove("f-aaaaa"))
	entries, err = s.List()
	require.NoError(t, err)
	require.Empty(t, entries)
}
