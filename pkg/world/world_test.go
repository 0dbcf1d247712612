package world

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vivarium/pkg/artifact"
	"github.com/kadirpekel/vivarium/pkg/config"
	"github.com/kadirpekel/vivarium/pkg/driver"
	"github.com/kadirpekel/vivarium/pkg/ledger"
)

const loopCode = `
function run()
    return kernel_state.get_balance("alice")
end
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Budget.CheckpointFile = filepath.Join(t.TempDir(), "world.checkpoint.json")
	cfg.Execution.AgentLoop.MinLoopDelay = 0.001
	cfg.Execution.AgentLoop.MaxLoopDelay = 0.01
	cfg.Execution.AgentLoop.ResourceCheckInterval = 0.001
	cfg.Execution.ArtifactLoop = cfg.Execution.AgentLoop
	cfg.World.Seed.Principals = []config.SeedPrincipal{
		{ID: "alice", Scrip: 100, Resources: map[string]float64{ledger.ResourceLLMBudget: 1.0}},
	}
	cfg.World.Seed.Artifacts = []config.SeedArtifact{
		{ID: "alice", Type: "agent", CreatedBy: "genesis", Executable: true, HasLoop: true, Code: loopCode},
		{ID: "handbook", Type: "handbook", Content: "read me first"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuild_SeedsWorld(t *testing.T) {
	w, err := Build(testConfig(t), nil)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, int64(100), w.Ledger.GetScrip("alice"))
	assert.Equal(t, 1.0, w.Ledger.GetResource("alice", ledger.ResourceLLMBudget))

	alice, ok := w.Store.Get("alice")
	require.True(t, ok)
	assert.True(t, alice.HasStanding, "seeded agents with a ledger entry get standing")
	assert.True(t, alice.HasLoop)

	handbook, ok := w.Store.Get("handbook")
	require.True(t, ok)
	assert.False(t, handbook.HasStanding)
	assert.Equal(t, "genesis", handbook.CreatedBy)

	gateway, ok := w.Store.Get(GatewayArtifactID)
	require.True(t, ok)
	assert.True(t, gateway.Executable)
	assert.False(t, gateway.HasStanding)
	assert.True(t, gateway.HasCapability(artifact.CapabilityCallLLM))

	assert.Equal(t, 1, w.Agents.LoopCount(), "agent artifact gets a supervised loop")
	assert.Equal(t, 0, w.Artifacts.LoopCount())
}

func TestBuild_GatewayCallableThroughExecutor(t *testing.T) {
	w, err := Build(testConfig(t), nil)
	require.NoError(t, err)
	defer w.Close()

	result := w.Executor.Execute(context.Background(), GatewayArtifactID, "alice", "invoke", []any{
		map[string]any{
			"messages": []any{map[string]any{"role": "user", "content": "hello"}},
		},
	})
	require.True(t, result.Success, "gateway call failed: %v", result.Error)

	out, ok := result.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "ok", out["content"], "static provider reply")
}

func TestWorld_RunAndCheckpointOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	w, err := Build(cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan driver.StopReason, 1)
	go func() {
		reason, runErr := w.Driver.Run(ctx)
		require.NoError(t, runErr)
		done <- reason
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case reason := <-done:
		assert.Equal(t, driver.StopShutdown, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("world did not stop")
	}

	doc, err := w.Checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, string(driver.StopShutdown), doc.Reason)
	assert.Contains(t, doc.AgentIDs, "alice")
	assert.Equal(t, int64(100), doc.Balances["alice"].Scrip)
}

func TestWorld_RestoreResumesCostAccounting(t *testing.T) {
	cfg := testConfig(t)
	w, err := Build(cfg, nil)
	require.NoError(t, err)
	w.Costs.Track(0.42)
	require.NoError(t, w.Checkpoints.Save(7, w.Costs.Total(), []string{"alice"}, "test"))
	require.NoError(t, w.Close())

	fresh := testConfig(t)
	fresh.Budget.CheckpointFile = cfg.Budget.CheckpointFile
	fresh.World.Seed = config.SeedConfig{}
	w2, err := Build(fresh, nil)
	require.NoError(t, err)
	defer w2.Close()

	require.NoError(t, w2.Restore())
	assert.InDelta(t, 0.42, w2.Costs.Total(), 1e-9)
	assert.Equal(t, int64(100), w2.Ledger.GetScrip("alice"))
	assert.Equal(t, 1, w2.Agents.LoopCount(), "restored agent artifact gets a loop")
}

func TestBuild_BoltBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageBolt
	cfg.Storage.Path = filepath.Join(t.TempDir(), "world.db")

	w, err := Build(cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	_, ok := w.Store.Get(GatewayArtifactID)
	assert.True(t, ok)
}
