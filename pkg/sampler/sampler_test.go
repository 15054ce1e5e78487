package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/pulsarbench/pkg/controlplane"
	"github.com/cuemby/pulsarbench/pkg/executor"
	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampler_AccumulatesSnapshotsUntilStopped(t *testing.T) {
	fake := controlplane.NewFakeClient()
	fake.SetHostResult("broker-0", types.CommandResult{
		Status: types.CommandSuccess,
		Stdout: `{"heap_bytes":1024,"gc_pauses":2,"cpu_pct":33.3,"mem_pct":50.0}`,
	})
	ex := executor.New(fake)

	s := New(ex, 10*time.Millisecond)
	hosts := []types.Host{
		{ID: "broker-0", Role: types.RoleBroker},
		{ID: "worker-0", Role: types.RoleWorker},
	}

	s.Start(context.Background(), hosts)
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	series := s.Series()
	require.NotEmpty(t, series)
	for _, snap := range series {
		reading, ok := snap.PerHost["broker-0"]
		assert.True(t, ok)
		assert.Equal(t, int64(1024), reading.HeapBytes)
		_, workerScraped := snap.PerHost["worker-0"]
		assert.False(t, workerScraped)
	}
}

func TestSampler_ScrapeFailureDoesNotPanicOrBlock(t *testing.T) {
	fake := controlplane.NewFakeClient()
	fake.SetHostResult("broker-0", types.CommandResult{Status: types.CommandFailed, Stderr: "scrape script missing"})
	ex := executor.New(fake)

	s := New(ex, 10*time.Millisecond)
	hosts := []types.Host{{ID: "broker-0", Role: types.RoleBroker}}

	s.Start(context.Background(), hosts)
	time.Sleep(25 * time.Millisecond)
	s.Stop()

	for _, snap := range s.Series() {
		_, ok := snap.PerHost["broker-0"]
		assert.False(t, ok)
	}
}

func TestSampler_StopBeforeStartIsNoOp(t *testing.T) {
	fake := controlplane.NewFakeClient()
	ex := executor.New(fake)
	s := New(ex, time.Second)
	s.Stop()
	s.Stop()
}

func TestSampler_StopIsIdempotent(t *testing.T) {
	fake := controlplane.NewFakeClient()
	ex := executor.New(fake)
	s := New(ex, 10*time.Millisecond)
	s.Start(context.Background(), nil)
	s.Stop()
	s.Stop()
}
