// Package store implements the Experiment Store: a per-experiment
// directory tree plus a transactional `latest` pointer.
// Layout:
//
//	<root>/<exp-id>/
//	  orchestrator.log       append-only text log
//	  infra_vars.json        generated inputs to provisioner
//	  benchmark_results/     per-variant files (raw + parsed + summary)
//	  metrics/               health snapshot time-series
//	  manifests/             generated control-plane payloads
//	<root>/latest            pointer to most-recent <exp-id>
//
// Directory creation and pointer update happen in Init, before any
// cloud work begins.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/pulsarbench/pkg/types"
)

const latestLinkName = "latest"

// Store roots every experiment's artefacts at a fixed directory.
type Store struct {
	root string
}

// New constructs a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &Store{root: root}, nil
}

// Init creates experimentID's directory tree and repoints `latest` at
// it transactionally (write-to-temp-name, then rename).
func (s *Store) Init(experimentID string) error {
	dir := s.ExperimentDir(experimentID)
	for _, sub := range []string{"benchmark_results", "metrics", "manifests"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "orchestrator.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating orchestrator.log: %w", err)
	}
	_ = logFile.Close()

	return s.setLatest(experimentID)
}

// setLatest updates the `latest` pointer by writing a symlink under a
// temporary name and renaming it over the old one, so a concurrent
// reader never observes a missing or partially written pointer.
func (s *Store) setLatest(experimentID string) error {
	target := s.ExperimentDir(experimentID)
	tmp := filepath.Join(s.root, latestLinkName+".tmp")
	final := filepath.Join(s.root, latestLinkName)

	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("creating latest symlink: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("renaming latest pointer: %w", err)
	}
	return nil
}

// ExperimentDir returns the directory for experimentID.
func (s *Store) ExperimentDir(experimentID string) string {
	return filepath.Join(s.root, experimentID)
}

// ResolveExperimentID resolves the literal string "latest" against
// the current pointer, or returns id unchanged otherwise.
func (s *Store) ResolveExperimentID(id string) (string, error) {
	if id != "latest" {
		return id, nil
	}
	target, err := os.Readlink(filepath.Join(s.root, latestLinkName))
	if err != nil {
		return "", fmt.Errorf("resolving latest pointer: %w", err)
	}
	return filepath.Base(target), nil
}

// LogPath returns experimentID's append-only orchestrator log path.
func (s *Store) LogPath(experimentID string) string {
	return filepath.Join(s.ExperimentDir(experimentID), "orchestrator.log")
}

// WriteInfraVars persists the generated provisioner variables
// document.
func (s *Store) WriteInfraVars(experimentID string, data []byte) error {
	return os.WriteFile(s.InfraVarsPath(experimentID), data, 0o644)
}

// InfraVarsPath returns the path the provisioner's --vars flag must
// point at for experimentID.
func (s *Store) InfraVarsPath(experimentID string) string {
	return filepath.Join(s.ExperimentDir(experimentID), "infra_vars.json")
}

// WriteFleet persists the provisioned fleet description so a later,
// separate process invocation (e.g. `run` or `teardown` against an
// existing experiment) can recover it without re-provisioning.
func (s *Store) WriteFleet(experimentID string, fleet types.Fleet) error {
	data, err := json.MarshalIndent(fleet, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding fleet: %w", err)
	}
	return os.WriteFile(filepath.Join(s.ExperimentDir(experimentID), "fleet.json"), data, 0o644)
}

// ReadFleet loads a previously persisted fleet description.
func (s *Store) ReadFleet(experimentID string) (types.Fleet, error) {
	var fleet types.Fleet
	data, err := os.ReadFile(filepath.Join(s.ExperimentDir(experimentID), "fleet.json"))
	if err != nil {
		return fleet, fmt.Errorf("reading fleet: %w", err)
	}
	if err := json.Unmarshal(data, &fleet); err != nil {
		return fleet, fmt.Errorf("decoding fleet: %w", err)
	}
	return fleet, nil
}

// VariantDir returns the benchmark_results subdirectory for one
// variant, creating it if absent. The Matrix Runner is the sole
// writer under benchmark_results.
func (s *Store) VariantDir(experimentID, variantName string) (string, error) {
	dir := filepath.Join(s.ExperimentDir(experimentID), "benchmark_results", variantName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating variant directory: %w", err)
	}
	return dir, nil
}

// WriteVariantResult persists one variant's record under its result
// directory: the raw output (when raw is non-empty), the parsed summary
// (when summary is non-nil), then the terminal status record
// status.json. The files are written one after another with no
// rollback, so an error part-way through leaves the files already
// written in place.
func (s *Store) WriteVariantResult(experimentID string, result types.VariantResult, raw []byte, summary interface{}) error {
	dir, err := s.VariantDir(experimentID, result.Variant.Name)
	if err != nil {
		return err
	}

	if len(raw) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "raw"), raw, 0o644); err != nil {
			return fmt.Errorf("writing raw: %w", err)
		}
	}

	if summary != nil {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "summary"), data, 0o644); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
	}

	statusData, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding variant result: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "status.json"), statusData, 0o644)
}

// WriteSnapshotSeries persists the sampler's flushed time-series as
// metrics.json plus a plot-friendly chart-data.json, both under the
// variant's metrics subdirectory.
func (s *Store) WriteSnapshotSeries(experimentID, variantName string, series []types.HealthSnapshot) error {
	dir := filepath.Join(s.ExperimentDir(experimentID), "metrics", variantName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}

	raw, err := json.MarshalIndent(series, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot series: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metrics.json"), raw, 0o644); err != nil {
		return fmt.Errorf("writing metrics.json: %w", err)
	}

	chart := chartData(series)
	chartJSON, err := json.MarshalIndent(chart, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding chart data: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "chart-data.json"), chartJSON, 0o644)
}

// chartSeries is one host's plot-friendly series: parallel timestamp
// and value arrays.
type chartSeries struct {
	Host      string    `json:"host"`
	Timestamps []string `json:"timestamps"`
	CPUPct    []float64 `json:"cpu_pct"`
	MemPct    []float64 `json:"mem_pct"`
	HeapBytes []int64   `json:"heap_bytes"`
}

func chartData(series []types.HealthSnapshot) []chartSeries {
	byHost := make(map[string]*chartSeries)
	var hosts []string
	for _, snap := range series {
		for host, reading := range snap.PerHost {
			cs, ok := byHost[host]
			if !ok {
				cs = &chartSeries{Host: host}
				byHost[host] = cs
				hosts = append(hosts, host)
			}
			cs.Timestamps = append(cs.Timestamps, snap.Timestamp.Format(time.RFC3339))
			cs.CPUPct = append(cs.CPUPct, reading.CPUPct)
			cs.MemPct = append(cs.MemPct, reading.MemPct)
			cs.HeapBytes = append(cs.HeapBytes, reading.HeapBytes)
		}
	}
	sort.Strings(hosts)
	out := make([]chartSeries, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, *byHost[h])
	}
	return out
}

// ReadVariantResults loads every persisted variant status record under
// experimentID's benchmark_results directory, sorted by StartedAt.
func (s *Store) ReadVariantResults(experimentID string) ([]types.VariantResult, error) {
	root := filepath.Join(s.ExperimentDir(experimentID), "benchmark_results")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading benchmark_results: %w", err)
	}

	var results []types.VariantResult
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), "status.json"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s status: %w", e.Name(), err)
		}
		var result types.VariantResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("decoding %s status: %w", e.Name(), err)
		}
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].StartedAt.Before(results[j].StartedAt) })
	return results, nil
}

// WriteManifest persists one generated control-plane payload under
// manifests/.
func (s *Store) WriteManifest(experimentID, name string, data []byte) error {
	return os.WriteFile(filepath.Join(s.ExperimentDir(experimentID), "manifests", name), data, 0o644)
}

// WriteReport persists the aggregated end-of-run report.json artefact.
func (s *Store) WriteReport(experimentID string, report interface{}) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return os.WriteFile(filepath.Join(s.ExperimentDir(experimentID), "report.json"), data, 0o644)
}

// List enumerates experiment IDs known to the store, newest first by
// directory modification time.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading store root: %w", err)
	}

	type dated struct {
		id      string
		modTime time.Time
	}
	var found []dated
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, dated{id: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].modTime.After(found[j].modTime) })

	out := make([]string, len(found))
	for i, d := range found {
		out[i] = d.id
	}
	return out, nil
}
