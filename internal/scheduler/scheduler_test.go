package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/procmgr"
	"github.com/ashleyhindle/fuel/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg *config.Config) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pm, err := procmgr.New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Shutdown(0) })

	cfg.ApplyDefaults()
	return New(s, config.NewHandle(cfg), health.New(), pm), s
}

func baseConfig() *config.Config {
	return &config.Config{
		Primary: "claude",
		Review:  "reviewer",
		Agents: map[string]config.AgentSpec{
			"claude":   {Executable: "claude", Cap: 2},
			"aider":    {Executable: "aider", Cap: 1},
			"reviewer": {Executable: "reviewer", Cap: 1},
		},
		ComplexityToAgent: map[string]string{
			"simple":   "aider",
			"moderate": "claude",
			"complex":  "claude",
		},
	}
}

func TestPickRoutesByComplexity(t *testing.T) {
	sc, s := newTestScheduler(t, baseConfig())

	_, err := s.CreateTask(&store.Task{Title: "simple one", Complexity: store.ComplexitySimple, Priority: 2})
	require.NoError(t, err)
	_, err = s.CreateTask(&store.Task{Title: "complex one", Complexity: store.ComplexityComplex, Priority: 2})
	require.NoError(t, err)

	pairs, err := sc.Pick()
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	byTitle := map[string]string{}
	for _, p := range pairs {
		byTitle[p.Task.Title] = p.Agent
	}
	require.Equal(t, "aider", byTitle["simple one"])
	require.Equal(t, "claude", byTitle["complex one"])
}

func TestPickRespectsConcurrencyCap(t *testing.T) {
	sc, s := newTestScheduler(t, baseConfig())

	for i := 0; i < 3; i++ {
		_, err := s.CreateTask(&store.Task{Title: "t", Complexity: store.ComplexitySimple, Priority: 2})
		require.NoError(t, err)
	}

	pairs, err := sc.Pick()
	require.NoError(t, err)
	require.Len(t, pairs, 1, "aider has cap 1")
}

func TestPickSkipsTasksWithoutAgentRouting(t *testing.T) {
	cfg := baseConfig()
	cfg.Primary = ""
	delete(cfg.ComplexityToAgent, "moderate")
	sc, s := newTestScheduler(t, cfg)

	_, err := s.CreateTask(&store.Task{Title: "t", Complexity: store.ComplexityModerate, Priority: 2})
	require.NoError(t, err)

	pairs, err := sc.Pick()
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestPickReviewReturnsFalseWithoutReviewAgent(t *testing.T) {
	cfg := baseConfig()
	cfg.Review = ""
	sc, s := newTestScheduler(t, cfg)

	task, err := s.CreateTask(&store.Task{Title: "t", Priority: 2})
	require.NoError(t, err)

	_, ok := sc.PickReview(task)
	require.False(t, ok)
}

func TestPickReviewReturnsPairWhenConfigured(t *testing.T) {
	sc, s := newTestScheduler(t, baseConfig())

	task, err := s.CreateTask(&store.Task{Title: "t", Priority: 2})
	require.NoError(t, err)

	pair, ok := sc.PickReview(task)
	require.True(t, ok)
	require.Equal(t, "reviewer", pair.Agent)
	require.Equal(t, task.ID, pair.Task.ID)
}
