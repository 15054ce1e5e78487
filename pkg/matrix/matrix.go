// Package matrix implements the Test-Matrix Runner: sequential
// execution of an ordered set of variants against a round-robin pool
// of worker hosts, each variant driving merge, upload, sampled
// benchmark invocation, download, and result persistence, with a
// plateau policy able to abort the remainder of the matrix. Worker
// selection is a least-loaded round robin, generalised from
// "containers per node" to "benchmark invocations per worker host."
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/pulsarbench/pkg/config"
	"github.com/cuemby/pulsarbench/pkg/errors"
	"github.com/cuemby/pulsarbench/pkg/executor"
	"github.com/cuemby/pulsarbench/pkg/log"
	"github.com/cuemby/pulsarbench/pkg/metrics"
	"github.com/cuemby/pulsarbench/pkg/sampler"
	"github.com/cuemby/pulsarbench/pkg/store"
	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/rs/zerolog"
)

// slack bounds the wall-clock margin added to a benchmark invocation's
// deadline beyond its declared test + warmup duration.
const slack = 2 * time.Minute

const (
	artefactPath = "/tmp/pulsarbench-workload.json"
	outputPath   = "/tmp/pulsarbench-output.json"
)

// summary is the benchmark output's parsed metrics shape.
type summary struct {
	ThroughputMsgsPerSec float64            `json:"throughput_msgs_per_sec"`
	LatencyPercentilesMs map[string]float64 `json:"latency_percentiles_ms"`
}

// Runner drives one matrix to completion against a fleet.
type Runner struct {
	executor *executor.Executor
	store    *store.Store
}

// New constructs a Runner.
func New(exec *executor.Executor, st *store.Store) *Runner {
	return &Runner{executor: exec, store: st}
}

// roundRobin hands out the least-loaded worker host each call,
// breaking ties by original order.
type roundRobin struct {
	workers []types.Host
	counts  map[string]int
}

func newRoundRobin(workers []types.Host) *roundRobin {
	return &roundRobin{workers: workers, counts: make(map[string]int)}
}

func (rr *roundRobin) next() (types.Host, error) {
	if len(rr.workers) == 0 {
		return types.Host{}, fmt.Errorf("no worker hosts available")
	}
	selected := rr.workers[0]
	min := rr.counts[selected.ID]
	for _, w := range rr.workers[1:] {
		if c := rr.counts[w.ID]; c < min {
			selected = w
			min = c
		}
	}
	rr.counts[selected.ID]++
	return selected, nil
}

// Run executes matrix's variants in declared order against fleet,
// returning the per-variant results. Variants run strictly
// sequentially; at most one invocation is in flight per worker host
// at any instant because a worker is not reselected until its prior
// invocation has returned. A cancelled ctx stops the matrix immediately
// after the in-flight variant returns: the remaining variants are
// recorded as cancelled rather than run, and Run itself returns a
// Cancelled error so the caller's failure path (and the CLI's exit
// code) sees the interrupt.
func (r *Runner) Run(ctx context.Context, experimentID string, m types.Matrix, fleet types.Fleet) ([]types.VariantResult, error) {
	logger := log.WithComponent("matrix").With().Str("experiment_id", experimentID).Logger()
	workers := fleet.ByRole(types.RoleWorker)
	rr := newRoundRobin(workers)

	results := make([]types.VariantResult, 0, len(m.Variants))
	consecutiveFailures := 0
	plateauTripped := false

	for i, variant := range m.Variants {
		if plateauTripped {
			results = append(results, types.VariantResult{
				Variant: variant,
				Status:  types.VariantSkipped,
			})
			continue
		}

		result, achieved, hasRate := r.runVariant(ctx, experimentID, m.Base, variant, rr, fleet, logger)
		results = append(results, result)

		if ctx.Err() != nil {
			logger.Warn().Str("variant", variant.Name).Msg("context cancelled, stopping matrix")
			for _, remaining := range m.Variants[i+1:] {
				results = append(results, types.VariantResult{Variant: remaining, Status: types.VariantCancelled})
			}
			return results, errors.New(errors.Cancelled, ctx.Err()).WithComponent("matrix")
		}

		if m.Plateau != nil && result.Status == types.VariantSuccess {
			if hasRate && deviatesBeyond(achieved, variant.TargetRate, m.Plateau.AllowedDeviationPct) {
				consecutiveFailures++
				logger.Warn().Str("variant", variant.Name).Int("consecutive_failures", consecutiveFailures).
					Msg("variant deviated beyond allowed threshold")
				if consecutiveFailures >= m.Plateau.ConsecutiveFailsAllowed {
					plateauTripped = true
					logger.Warn().Str("variant", variant.Name).Msg("plateau policy tripped, skipping remaining variants")
				}
			} else {
				consecutiveFailures = 0
			}
		}
	}

	return results, nil
}

// runVariant executes one variant end to end, returning its result
// plus the achieved throughput rate (when a summary was successfully
// parsed) for the caller's plateau-policy evaluation.
func (r *Runner) runVariant(ctx context.Context, experimentID string, base types.Workload, variant types.TestVariant, rr *roundRobin, fleet types.Fleet, logger zerolog.Logger) (types.VariantResult, float64, bool) {
	result := types.VariantResult{Variant: variant, StartedAt: time.Now()}
	timer := metrics.NewTimer()
	defer func() {
		result.EndedAt = time.Now()
		timer.ObserveDurationVec(metrics.VariantDuration, string(variant.Kind))
		metrics.VariantsTotal.WithLabelValues(string(result.Status)).Inc()
	}()

	workload, err := config.MergeWorkload(base, variant.WorkloadOverrides)
	if err != nil {
		return r.fail(experimentID, result, err), 0, false
	}

	worker, err := rr.next()
	if err != nil {
		return r.fail(experimentID, result, err), 0, false
	}
	logger.Info().Str("variant", variant.Name).Str("worker", worker.ID).Msg("variant starting")

	artefact, err := json.Marshal(workload)
	if err != nil {
		return r.fail(experimentID, result, err), 0, false
	}

	if err := r.store.WriteManifest(experimentID, variant.Name+".json", artefact); err != nil {
		logger.Warn().Str("variant", variant.Name).Err(err).Msg("failed to persist workload manifest")
	}

	uploadDeadline := 30 * time.Second
	if err := r.executor.Upload(ctx, worker.ID, artefactPath, artefact, uploadDeadline); err != nil {
		return r.classify(experimentID, result, err), 0, false
	}

	sam := sampler.New(r.executor, 0)
	sam.Start(ctx, fleet.Hosts)

	runDeadline := time.Duration(workload.TestDurationMinutes+workload.WarmupDurationMinutes)*time.Minute + slack
	cmd := fmt.Sprintf("pulsarbench-benchmark --input %s --output %s", artefactPath, outputPath)
	_, runErr := r.executor.Run(ctx, worker.ID, cmd, runDeadline)

	sam.Stop()
	if err := r.store.WriteSnapshotSeries(experimentID, variant.Name, sam.Series()); err != nil {
		logger.Warn().Str("variant", variant.Name).Err(err).Msg("failed to persist sampler series")
	}

	if runErr != nil {
		return r.classify(experimentID, result, runErr), 0, false
	}

	raw, err := r.executor.Download(ctx, worker.ID, outputPath, uploadDeadline)
	if err != nil {
		return r.classify(experimentID, result, err), 0, false
	}

	var parsed summary
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return r.fail(experimentID, result, err), 0, false
	}

	result.Status = types.VariantSuccess
	if err := r.store.WriteVariantResult(experimentID, result, raw, parsed); err != nil {
		logger.Warn().Str("variant", variant.Name).Err(err).Msg("failed to persist variant result")
	}
	return result, parsed.ThroughputMsgsPerSec, true
}

func (r *Runner) fail(experimentID string, result types.VariantResult, cause error) types.VariantResult {
	result.Status = types.VariantFailed
	result.Error = cause.Error()
	_ = r.store.WriteVariantResult(experimentID, result, nil, nil)
	return result
}

func (r *Runner) cancel(experimentID string, result types.VariantResult) types.VariantResult {
	result.Status = types.VariantCancelled
	_ = r.store.WriteVariantResult(experimentID, result, nil, nil)
	return result
}

// classify routes cause to cancel or fail depending on whether it
// carries a Cancelled kind anywhere in its chain, so an interrupt
// during upload/run/download is recorded as cancelled rather than
// failed regardless of which call observed it.
func (r *Runner) classify(experimentID string, result types.VariantResult, cause error) types.VariantResult {
	if errors.Is(cause, errors.Cancelled) {
		return r.cancel(experimentID, result)
	}
	return r.fail(experimentID, result, cause)
}

func deviatesBeyond(achieved, target, allowedDeviationPct float64) bool {
	if target == 0 {
		return false
	}
	deviationPct := ((target - achieved) / target) * 100
	if deviationPct < 0 {
		deviationPct = -deviationPct
	}
	return deviationPct > allowedDeviationPct
}
