package daemon

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/stretchr/testify/require"
)

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0o600)
}

func testConfig(t *testing.T, stateDir string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		StateDir: stateDir,
		Primary:  "sh",
		Agents: map[string]config.AgentSpec{
			"sh": {Executable: "/bin/sh", Args: []string{"-c"}, Cap: 1},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestNewCoreWiresEveryComponent(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, ".fuel"))
	cfg.Port = 0

	core, err := NewCore(cfg, "", dir, nil)
	require.NoError(t, err)
	defer core.Close()

	require.NotNil(t, core.Store)
	require.NotNil(t, core.Scheduler)
	require.NotNil(t, core.Spawner)
	require.NotNil(t, core.Completion)
	require.NotEmpty(t, core.InstanceID)
}

func TestNewCoreFailsWhenPortInUse(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, ".fuel"))
	cfg.Port = 0

	core1, err := NewCore(cfg, "", dir, nil)
	require.NoError(t, err)
	defer core1.Close()

	port := core1.IPC.Addr().(*net.TCPAddr).Port

	cfg2 := testConfig(t, filepath.Join(dir, ".fuel2"))
	cfg2.Port = port

	_, err = NewCore(cfg2, "", dir, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrPortInUse))
}

func TestNewCoreFailsWhenStateDirUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, writeFile(blocker))

	cfg := testConfig(t, filepath.Join(blocker, "sub"))
	cfg.Port = 0

	_, err := NewCore(cfg, "", dir, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStateDirUnwritable))
}
