package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_CreatesTreeAndLatestPointer(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	require.NoError(t, s.Init("exp-1"))

	for _, sub := range []string{"benchmark_results", "metrics", "manifests"} {
		info, err := os.Stat(filepath.Join(root, "exp-1", sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	resolved, err := s.ResolveExperimentID("latest")
	require.NoError(t, err)
	assert.Equal(t, "exp-1", resolved)
}

func TestInit_RepointsLatestAcrossExperiments(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	require.NoError(t, s.Init("exp-1"))
	require.NoError(t, s.Init("exp-2"))

	resolved, err := s.ResolveExperimentID("latest")
	require.NoError(t, err)
	assert.Equal(t, "exp-2", resolved)
}

func TestResolveExperimentID_PassesThroughExplicitID(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	resolved, err := s.ResolveExperimentID("exp-7")
	require.NoError(t, err)
	assert.Equal(t, "exp-7", resolved)
}

func TestWriteVariantResult_WritesAllArtefacts(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	require.NoError(t, s.Init("exp-1"))

	result := types.VariantResult{
		Variant:   types.TestVariant{Name: "v1"},
		Status:    types.VariantSuccess,
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	}
	err = s.WriteVariantResult("exp-1", result, []byte("raw output"), map[string]int{"rate": 1000})
	require.NoError(t, err)

	dir := filepath.Join(root, "exp-1", "benchmark_results", "v1")
	for _, name := range []string{"raw", "summary", "status.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
}

func TestWriteSnapshotSeries_ProducesChartData(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	require.NoError(t, s.Init("exp-1"))

	series := []types.HealthSnapshot{
		{Timestamp: time.Now(), PerHost: map[string]types.HostSnapshot{
			"broker-0": {CPUPct: 42.5, MemPct: 10, HeapBytes: 1024},
		}},
	}
	require.NoError(t, s.WriteSnapshotSeries("exp-1", "v1", series))

	dir := filepath.Join(root, "exp-1", "metrics", "v1")
	_, err = os.Stat(filepath.Join(dir, "metrics.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "chart-data.json"))
	assert.NoError(t, err)
}

func TestList_OrdersNewestFirst(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	require.NoError(t, s.Init("exp-1"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Init("exp-2"))

	ids, err := s.List()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "exp-2", ids[0])
}
