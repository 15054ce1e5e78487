// Package sequencer implements the single-threaded state machine that
// owns phase transitions and composes every other component into one
// experiment lifecycle — Init, Provision, Converge, RunMatrix, Report,
// Teardown. Cleanup is guaranteed by a deferred guard at the
// RunFull/Setup boundary: once cloud resources may exist, RunFull
// reclaims them on every exit path and Setup on every failing one.
package sequencer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/pulsarbench/pkg/config"
	"github.com/cuemby/pulsarbench/pkg/errors"
	"github.com/cuemby/pulsarbench/pkg/executor"
	"github.com/cuemby/pulsarbench/pkg/log"
	"github.com/cuemby/pulsarbench/pkg/matrix"
	"github.com/cuemby/pulsarbench/pkg/metrics"
	"github.com/cuemby/pulsarbench/pkg/prober"
	"github.com/cuemby/pulsarbench/pkg/provisioner"
	"github.com/cuemby/pulsarbench/pkg/reclaim"
	"github.com/cuemby/pulsarbench/pkg/store"
	"github.com/cuemby/pulsarbench/pkg/types"
)

// Config is the declarative input to Setup/RunFull: the infrastructure
// to provision, plus the tags an operator supplied on the CLI, which
// take precedence over any tag the infrastructure document itself
// declares.
type Config struct {
	ExperimentID   string
	Infrastructure config.Infrastructure
	CLITags        map[string]string
}

// Sequencer composes the rest of the orchestrator's components. It
// holds no phase field and no other per-experiment state; everything an
// experiment needs is passed explicitly per call so two experiments
// never share mutable state.
type Sequencer struct {
	store       *store.Store
	provisioner *provisioner.Provisioner
	prober      *prober.Prober
	executor    *executor.Executor
	matrix      *matrix.Runner
	reclaimer   *reclaim.Reclaimer
}

// New constructs a Sequencer from its component dependencies.
func New(st *store.Store, prov *provisioner.Provisioner, prb *prober.Prober, exec *executor.Executor, mr *matrix.Runner, rc *reclaim.Reclaimer) *Sequencer {
	return &Sequencer{store: st, provisioner: prov, prober: prb, executor: exec, matrix: mr, reclaimer: rc}
}

// transition records a phase change by logging it and incrementing the
// phase-transition metric; the phase itself is not stored.
func (s *Sequencer) transition(experimentID string, phase types.Phase) {
	log.WithExperiment(experimentID).Info().Str("phase", string(phase)).Msg("phase transition")
	metrics.PhaseTransitionsTotal.WithLabelValues(string(phase)).Inc()
}

// RunFull drives the complete lifecycle: Init, Provision, Converge,
// RunMatrix, Report, Teardown. It guarantees:
//
// (I) Teardown or Reclaimer always runs once resources may exist.
// (II) every created resource carries an ExperimentID tag (enforced
// via the generated infra-vars document's merged tag set).
// (III) any failing step transitions to Failed, logs the causal
// error, invokes the Reclaimer, and re-raises the causal error.
// (IV) the Store's `latest` pointer follows this experiment from
// Init onward (Store.Init sets it before any cloud work begins).
func (s *Sequencer) RunFull(ctx context.Context, cfg Config, m types.Matrix) (results []types.VariantResult, rerr error) {
	experimentID := cfg.ExperimentID
	logger := log.WithExperiment(experimentID)

	if err := s.init(experimentID); err != nil {
		return nil, err
	}

	var resourcesMayExist bool
	defer func() {
		if !resourcesMayExist {
			return
		}
		// Reclaim always runs to completion regardless of the
		// lifecycle's own context — a cancelled ctx must not abort
		// cleanup, so Teardown runs against a fresh background one.
		if tErr := s.Teardown(context.Background(), experimentID); tErr != nil {
			logger.Error().Err(tErr).Msg("teardown failed during cleanup")
			if rerr == nil {
				rerr = tErr
			}
		}
	}()

	fleet, provisioned, err := s.provisionAndConverge(ctx, cfg)
	resourcesMayExist = provisioned
	if err != nil {
		return nil, s.fail(ctx, experimentID, types.PhaseProvision, err)
	}

	s.transition(experimentID, types.PhaseRunMatrix)
	timer := metrics.NewTimer()
	results, err = s.matrix.Run(ctx, experimentID, m, fleet)
	timer.ObserveDurationVec(metrics.PhaseDuration, string(types.PhaseRunMatrix))
	if err != nil {
		return results, s.fail(ctx, experimentID, types.PhaseRunMatrix, err)
	}

	s.transition(experimentID, types.PhaseReport)
	if err := s.Report(ctx, experimentID); err != nil {
		logger.Warn().Err(err).Msg("report generation failed, continuing to teardown")
	}

	return results, nil
}

// Setup runs Init, Provision, and Converge only, leaving the cluster
// running for a later `run` invocation. A failure here still reclaims
// whatever was provisioned — a half-built fleet left behind on a
// failed setup would otherwise leak.
func (s *Sequencer) Setup(ctx context.Context, cfg Config) (fleet types.Fleet, rerr error) {
	experimentID := cfg.ExperimentID
	if err := s.init(experimentID); err != nil {
		return types.Fleet{}, err
	}

	var resourcesMayExist bool
	defer func() {
		if rerr == nil || !resourcesMayExist {
			return
		}
		if tErr := s.Teardown(context.Background(), experimentID); tErr != nil {
			log.WithExperiment(experimentID).Error().Err(tErr).Msg("teardown failed during cleanup")
		}
	}()

	var provisioned bool
	var err error
	fleet, provisioned, err = s.provisionAndConverge(ctx, cfg)
	resourcesMayExist = provisioned
	if err != nil {
		return types.Fleet{}, s.fail(ctx, experimentID, types.PhaseProvision, err)
	}
	return fleet, nil
}

// Run executes RunMatrix + Report against an already-converged
// cluster — it neither provisions nor reprobes readiness, and does
// not reclaim on failure, since the fleet is intentionally left
// running across repeated `run` invocations until an explicit
// `teardown`.
func (s *Sequencer) Run(ctx context.Context, m types.Matrix, experimentID string) ([]types.VariantResult, error) {
	fleet, err := s.store.ReadFleet(experimentID)
	if err != nil {
		return nil, errors.New(errors.Internal, err).WithComponent("sequencer").WithPhase(string(types.PhaseRunMatrix))
	}

	s.transition(experimentID, types.PhaseRunMatrix)
	timer := metrics.NewTimer()
	results, err := s.matrix.Run(ctx, experimentID, m, fleet)
	timer.ObserveDurationVec(metrics.PhaseDuration, string(types.PhaseRunMatrix))
	if err != nil {
		return results, s.fail(ctx, experimentID, types.PhaseRunMatrix, err)
	}

	s.transition(experimentID, types.PhaseReport)
	if err := s.Report(ctx, experimentID); err != nil {
		return results, errors.New(errors.Internal, err).WithComponent("sequencer").WithPhase(string(types.PhaseReport))
	}
	return results, nil
}

// report is the aggregated end-of-run artefact rebuilt from stored
// per-variant records.
type report struct {
	ExperimentID string              `json:"experiment_id"`
	GeneratedAt  time.Time           `json:"generated_at"`
	Variants     []types.VariantResult `json:"variants"`
}

// Report rebuilds the aggregated report.json from whatever variant
// result records already exist in the Store (the `report` command
// also calls this against a past experiment directly).
func (s *Sequencer) Report(ctx context.Context, experimentID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PhaseDuration, string(types.PhaseReport))

	variants, err := s.store.ReadVariantResults(experimentID)
	if err != nil {
		return fmt.Errorf("reading variant results: %w", err)
	}

	return s.store.WriteReport(experimentID, report{
		ExperimentID: experimentID,
		GeneratedAt:  time.Now(),
		Variants:     variants,
	})
}

// Teardown reclaims every cloud resource tagged with experimentID,
// preferring the provisioner's own destroy path and falling back to
// tag-based reclaim. It is the sole Reclaim entry point every other
// method routes through.
func (s *Sequencer) Teardown(ctx context.Context, experimentID string) error {
	s.transition(experimentID, types.PhaseTeardown)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PhaseDuration, string(types.PhaseTeardown))

	varsPath := s.store.InfraVarsPath(experimentID)
	return s.reclaimer.Graceful(ctx, experimentID, varsPath)
}

// init creates the experiment's directory tree and repoints `latest`
// at it, before any cloud work begins.
func (s *Sequencer) init(experimentID string) error {
	s.transition(experimentID, types.PhaseInit)
	if err := s.store.Init(experimentID); err != nil {
		return errors.New(errors.Internal, err).WithComponent("sequencer").WithPhase(string(types.PhaseInit))
	}
	return nil
}

// provisionAndConverge runs Provision then Converge, returning the
// resulting fleet and whether cloud resources may now exist — true
// from the moment the provisioner subprocess is invoked, regardless of
// whether it ultimately succeeds (a killed or failed apply can still
// have created partial infrastructure).
func (s *Sequencer) provisionAndConverge(ctx context.Context, cfg Config) (types.Fleet, bool, error) {
	experimentID := cfg.ExperimentID
	s.transition(experimentID, types.PhaseProvision)
	timer := metrics.NewTimer()

	varsPath := s.store.InfraVarsPath(experimentID)
	varsDoc, err := buildInfraVars(cfg)
	if err != nil {
		return types.Fleet{}, false, errors.New(errors.ConfigInvalid, err).WithComponent("sequencer").WithPhase(string(types.PhaseProvision))
	}
	if err := s.store.WriteInfraVars(experimentID, varsDoc); err != nil {
		return types.Fleet{}, false, errors.New(errors.Internal, err).WithComponent("sequencer").WithPhase(string(types.PhaseProvision))
	}

	out, err := s.provisioner.Apply(ctx, varsPath)
	timer.ObserveDurationVec(metrics.PhaseDuration, string(types.PhaseProvision))
	if err != nil {
		// Resources may have been partially created even on failure —
		// every return from here on must flow through Teardown.
		return types.Fleet{}, true, err
	}

	fleet := fleetFromOutput(experimentID, out)
	if err := s.store.WriteFleet(experimentID, fleet); err != nil {
		log.WithExperiment(experimentID).Warn().Err(err).Msg("failed to persist fleet description")
	}

	s.transition(experimentID, types.PhaseConverge)
	convergeTimer := metrics.NewTimer()
	err = s.prober.Run(ctx, experimentID, fleet)
	convergeTimer.ObserveDurationVec(metrics.PhaseDuration, string(types.PhaseConverge))
	if err != nil {
		return fleet, true, err
	}

	return fleet, true, nil
}

// fail records a failing transition and classifies the causal error as
// Cancelled when the phase's own context was the reason it failed —
// an operator's interrupt is a failure with reason cancelled, not a
// generic execution error.
func (s *Sequencer) fail(ctx context.Context, experimentID string, phase types.Phase, cause error) error {
	logger := log.WithExperiment(experimentID)

	if ctx.Err() != nil && !errors.Is(cause, errors.Cancelled) {
		cause = errors.New(errors.Cancelled, cause).WithComponent("sequencer").WithPhase(string(phase))
	}

	logger.Error().Str("phase", string(phase)).Err(cause).Msg("phase failed")
	s.transition(experimentID, types.PhaseFailed)
	return cause
}

// infraVars is the generated document handed to the provisioner
// subprocess: per-role host counts/types plus the merged tag set
// every created resource must carry.
type infraVars struct {
	ClusterName     string            `json:"cluster_name"`
	Region          string            `json:"region"`
	Hosts           []config.HostGroup `json:"hosts"`
	StorageVolumeGB int               `json:"storage_volume_gb"`
	Tags            map[string]string `json:"tags"`
}

// buildInfraVars merges the infrastructure document's tags with the
// orchestrator's required tags and the operator's CLI tags, which take
// precedence over both.
func buildInfraVars(cfg Config) ([]byte, error) {
	tags := map[string]string{
		types.TagProject:      "pulsarbench",
		types.TagExperimentID: cfg.ExperimentID,
		types.TagManagedBy:    types.ManagedByValue,
	}
	for k, v := range cfg.Infrastructure.Tags {
		tags[k] = v
	}
	for k, v := range cfg.CLITags {
		tags[k] = v
	}

	doc := infraVars{
		ClusterName:     cfg.Infrastructure.ClusterName,
		Region:          cfg.Infrastructure.Region,
		Hosts:           cfg.Infrastructure.Hosts,
		StorageVolumeGB: cfg.Infrastructure.StorageVolumeGB,
		Tags:            tags,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// fleetFromOutput converts the provisioner's per-role output document
// into the orchestrator's Fleet type, sorted by host ID for
// deterministic ordering across runs (map iteration is not stable).
func fleetFromOutput(experimentID string, out provisioner.Output) types.Fleet {
	fleet := types.Fleet{ExperimentID: experimentID}
	for roleName, hosts := range out.Outputs {
		role := types.Role(roleName)
		for _, h := range hosts {
			fleet.Hosts = append(fleet.Hosts, types.Host{
				ID:        h.ID,
				Role:      role,
				PrivateIP: h.PrivateIP,
				VolumeID:  h.VolumeID,
			})
		}
	}
	sort.Slice(fleet.Hosts, func(i, j int) bool { return fleet.Hosts[i].ID < fleet.Hosts[j].ID })
	return fleet
}
