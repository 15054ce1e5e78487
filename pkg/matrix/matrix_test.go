package matrix

import (
	"context"
	"testing"

	"github.com/cuemby/pulsarbench/pkg/controlplane"
	"github.com/cuemby/pulsarbench/pkg/errors"
	"github.com/cuemby/pulsarbench/pkg/executor"
	"github.com/cuemby/pulsarbench/pkg/store"
	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFleet() types.Fleet {
	return types.Fleet{
		ExperimentID: "exp-1",
		Hosts: []types.Host{
			{ID: "broker-0", Role: types.RoleBroker},
			{ID: "worker-0", Role: types.RoleWorker},
			{ID: "worker-1", Role: types.RoleWorker},
		},
	}
}

func baseWorkload() types.Workload {
	return types.Workload{
		Topics: 1, Partitions: 1, ProducerCount: 1, ConsumerCount: 1,
		TestDurationMinutes: 0, WarmupDurationMinutes: 0, TargetRate: 1000,
	}
}

func TestRun_HappyPathOneVariant(t *testing.T) {
	fleet := testFleet()
	cp := controlplane.NewFakeClient()
	cp.SetHostResult("worker-0", types.CommandResult{Status: types.CommandSuccess, Stdout: `{"throughput_msgs_per_sec":1000}`})
	ex := executor.New(cp)
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Init("exp-1"))

	m := types.Matrix{
		Name: "m1",
		Base: baseWorkload(),
		Variants: []types.TestVariant{
			{Name: "v1", Kind: types.VariantFixedRate, TargetRate: 1000},
		},
	}

	r := New(ex, st)
	results, err := r.Run(context.Background(), "exp-1", m, fleet)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.VariantSuccess, results[0].Status)
}

func TestRun_VariantFailurePropagatesAsFailedStatus(t *testing.T) {
	fleet := testFleet()
	cp := controlplane.NewFakeClient()
	cp.SetHostResult("worker-0", types.CommandResult{Status: types.CommandFailed, Stderr: "benchmark crashed"})
	ex := executor.New(cp)
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Init("exp-1"))

	m := types.Matrix{
		Name: "m1",
		Base: baseWorkload(),
		Variants: []types.TestVariant{
			{Name: "v1", Kind: types.VariantFixedRate, TargetRate: 1000},
		},
	}

	r := New(ex, st)
	results, err := r.Run(context.Background(), "exp-1", m, fleet)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.VariantFailed, results[0].Status)
	assert.NotEmpty(t, results[0].Error)
}

func TestRun_PlateauAbortsRemainingVariants(t *testing.T) {
	fleet := testFleet()
	cp := controlplane.NewFakeClient()
	// Always report 50% of whatever the target is by returning a fixed
	// low throughput; every variant below deviates past the threshold.
	cp.SetHostResult("worker-0", types.CommandResult{Status: types.CommandSuccess, Stdout: `{"throughput_msgs_per_sec":500}`})
	cp.SetHostResult("worker-1", types.CommandResult{Status: types.CommandSuccess, Stdout: `{"throughput_msgs_per_sec":500}`})
	ex := executor.New(cp)
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Init("exp-1"))

	m := types.Matrix{
		Name: "m1",
		Base: baseWorkload(),
		Plateau: &types.PlateauPolicy{
			AllowedDeviationPct:     10,
			ConsecutiveFailsAllowed: 2,
		},
		Variants: []types.TestVariant{
			{Name: "v1", Kind: types.VariantFixedRate, TargetRate: 1000},
			{Name: "v2", Kind: types.VariantFixedRate, TargetRate: 1000},
			{Name: "v3", Kind: types.VariantFixedRate, TargetRate: 1000},
			{Name: "v4", Kind: types.VariantFixedRate, TargetRate: 1000},
		},
	}

	r := New(ex, st)
	results, err := r.Run(context.Background(), "exp-1", m, fleet)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, types.VariantSuccess, results[0].Status)
	assert.Equal(t, types.VariantSuccess, results[1].Status)
	assert.Equal(t, types.VariantSkipped, results[2].Status)
	assert.Equal(t, types.VariantSkipped, results[3].Status)
}

func TestRun_CancelledContextStopsMatrixAndMarksRemainingCancelled(t *testing.T) {
	fleet := testFleet()
	cp := controlplane.NewFakeClient()
	// Never-terminal status forces the executor's poll loop to keep
	// waiting, so a cancelled ctx is observed there rather than being
	// resolved before it matters.
	cp.SetHostResult("worker-0", types.CommandResult{Status: types.CommandInProgress})
	cp.SetHostResult("worker-1", types.CommandResult{Status: types.CommandInProgress})
	ex := executor.New(cp)
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Init("exp-1"))

	m := types.Matrix{
		Name: "m1",
		Base: baseWorkload(),
		Variants: []types.TestVariant{
			{Name: "v1", Kind: types.VariantFixedRate, TargetRate: 1000},
			{Name: "v2", Kind: types.VariantFixedRate, TargetRate: 1000},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(ex, st)
	results, runErr := r.Run(ctx, "exp-1", m, fleet)

	require.Error(t, runErr)
	assert.True(t, errors.Is(runErr, errors.Cancelled))
	assert.Equal(t, 130, errors.ExitCode(runErr))

	require.Len(t, results, 2)
	assert.Equal(t, types.VariantCancelled, results[0].Status)
	assert.Equal(t, types.VariantCancelled, results[1].Status)
}

func TestRoundRobin_SpreadsAcrossWorkers(t *testing.T) {
	rr := newRoundRobin([]types.Host{{ID: "w0"}, {ID: "w1"}})
	first, err := rr.next()
	require.NoError(t, err)
	second, err := rr.next()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}
