// Package prober implements the Readiness Prober: a three-stage
// cascade — fleet reachable, agents online, services active and
// endpoints healthy — run in order, each with its own deadline and
// exponential backoff.
package prober

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/pulsarbench/pkg/errors"
	"github.com/cuemby/pulsarbench/pkg/executor"
	"github.com/cuemby/pulsarbench/pkg/health"
	"github.com/cuemby/pulsarbench/pkg/log"
	"github.com/cuemby/pulsarbench/pkg/metrics"
	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/cuemby/pulsarbench/pkg/waitfor"
	"github.com/rs/zerolog"
)

// FleetStatusChecker is the stage-1 dependency: a query of the cloud
// API for instance lifecycle state.
type FleetStatusChecker interface {
	InstanceStates(ctx context.Context, experimentID string) (map[string]string, error)
}

// AgentInventory is the stage-2 dependency: a query of the
// control-plane's agent registration inventory.
type AgentInventory interface {
	AgentOnline(ctx context.Context, host string) (bool, error)
}

// Stage deadlines and backoff schedule.
var (
	Stage1Deadline = 5 * time.Minute
	Stage2Deadline = 10 * time.Minute
	Stage3Deadline = 10 * time.Minute

	stageBackoff = waitfor.Backoff{Initial: 5 * time.Second, Factor: 1.5, Cap: 30 * time.Second}

	// isActiveDeadline bounds a single remote "is the unit active"
	// probe invocation; it is a sub-step within stage 3's larger
	// polling loop, not a stage deadline of its own.
	isActiveDeadline = 10 * time.Second
)

// Prober drives the three-stage cascade for one experiment's fleet.
type Prober struct {
	cloud    FleetStatusChecker
	agents   AgentInventory
	executor *executor.Executor
}

// New constructs a Prober.
func New(cloud FleetStatusChecker, agents AgentInventory, exec *executor.Executor) *Prober {
	return &Prober{cloud: cloud, agents: agents, executor: exec}
}

// Run executes all three stages in order for fleet, returning a
// ReadinessTimeout error (component prober, phase converge) from the
// first stage that misses its deadline. The error does not name the
// stage; the stage's "stage failed" log line does.
func (p *Prober) Run(ctx context.Context, experimentID string, fleet types.Fleet) error {
	if err := p.stage1FleetReachable(ctx, experimentID, fleet); err != nil {
		return err
	}
	if err := p.stage2AgentsOnline(ctx, fleet); err != nil {
		return err
	}
	if err := p.stage3ServicesActive(ctx, fleet); err != nil {
		return err
	}
	return nil
}

func (p *Prober) stage1FleetReachable(ctx context.Context, experimentID string, fleet types.Fleet) error {
	logger := log.WithComponent("prober")
	logger.Info().Str("stage", "fleet-reachable").Msg("stage entry")
	timer := metrics.NewTimer()

	err := waitfor.WaitFor(ctx, Stage1Deadline, stageBackoff, func(ctx context.Context) (bool, error) {
		states, err := p.cloud.InstanceStates(ctx, experimentID)
		if err != nil {
			logger.Warn().Str("stage", "fleet-reachable").Err(err).Msg("pass failed")
			return false, nil
		}
		for _, host := range fleet.Hosts {
			if states[host.ID] != "running" {
				logger.Info().Str("stage", "fleet-reachable").Str("host", host.ID).Msg("pass: not yet running")
				return false, nil
			}
		}
		return true, nil
	})

	timer.ObserveDurationVec(metrics.ProbeStageDuration, "fleet-reachable")
	if err != nil {
		metrics.ProbeAttemptsTotal.WithLabelValues("fleet-reachable", "", "timeout").Inc()
		logger.Error().Str("stage", "fleet-reachable").Err(err).Msg("stage failed")
		return errors.New(errors.ReadinessTimeout, err).WithComponent("prober").WithPhase("converge")
	}
	metrics.ProbeAttemptsTotal.WithLabelValues("fleet-reachable", "", "success").Inc()
	return nil
}

func (p *Prober) stage2AgentsOnline(ctx context.Context, fleet types.Fleet) error {
	logger := log.WithComponent("prober")
	logger.Info().Str("stage", "agents-online").Msg("stage entry")
	timer := metrics.NewTimer()

	err := waitfor.WaitFor(ctx, Stage2Deadline, stageBackoff, func(ctx context.Context) (bool, error) {
		for _, host := range fleet.Hosts {
			online, err := p.agents.AgentOnline(ctx, host.ID)
			if err != nil {
				logger.Warn().Str("stage", "agents-online").Str("host", host.ID).Err(err).Msg("pass failed")
				return false, nil
			}
			if !online {
				logger.Info().Str("stage", "agents-online").Str("host", host.ID).Msg("pass: agent not yet registered")
				return false, nil
			}
		}
		return true, nil
	})

	timer.ObserveDurationVec(metrics.ProbeStageDuration, "agents-online")
	if err != nil {
		metrics.ProbeAttemptsTotal.WithLabelValues("agents-online", "", "timeout").Inc()
		logger.Error().Str("stage", "agents-online").Err(err).Msg("stage failed")
		return errors.New(errors.ReadinessTimeout, err).WithComponent("prober").WithPhase("converge")
	}
	metrics.ProbeAttemptsTotal.WithLabelValues("agents-online", "", "success").Inc()
	return nil
}

// stage3ServicesActive polls, per host, both an is-active remote probe
// (via the Executor) and the role's direct health probe, fanning out
// across hosts concurrently with a barrier at stage end. The stage
// succeeds once every host's services are simultaneously active and
// healthy within one pass.
func (p *Prober) stage3ServicesActive(ctx context.Context, fleet types.Fleet) error {
	logger := log.WithComponent("prober")
	logger.Info().Str("stage", "services-active").Msg("stage entry")
	timer := metrics.NewTimer()

	err := waitfor.WaitFor(ctx, Stage3Deadline, stageBackoff, func(ctx context.Context) (bool, error) {
		type outcome struct {
			host  string
			ready bool
			err   error
		}
		results := make(chan outcome, len(fleet.Hosts))

		for _, h := range fleet.Hosts {
			h := h
			go func() {
				ready, err := p.probeHostServices(ctx, h, logger)
				results <- outcome{host: h.ID, ready: ready, err: err}
			}()
		}

		allReady := true
		for range fleet.Hosts {
			o := <-results
			if o.err != nil {
				logger.Warn().Str("stage", "services-active").Str("host", o.host).Err(o.err).Msg("pass failed")
				allReady = false
				continue
			}
			if !o.ready {
				logger.Info().Str("stage", "services-active").Str("host", o.host).Msg("pass: not yet healthy")
				allReady = false
			}
		}
		return allReady, nil
	})

	timer.ObserveDurationVec(metrics.ProbeStageDuration, "services-active")
	if err != nil {
		metrics.ProbeAttemptsTotal.WithLabelValues("services-active", "", "timeout").Inc()
		logger.Error().Str("stage", "services-active").Err(err).Msg("stage failed")
		return errors.New(errors.ReadinessTimeout, err).WithComponent("prober").WithPhase("converge")
	}
	metrics.ProbeAttemptsTotal.WithLabelValues("services-active", "", "success").Inc()
	return nil
}

// probeHostServices checks every service descriptor owned by host's
// role: first a remote "systemctl is-active" invocation through the
// Executor, then (only if active) the role's direct health check
// against the host's private IP. Worker hosts own no descriptors and
// are vacuously ready.
func (p *Prober) probeHostServices(ctx context.Context, host types.Host, logger zerolog.Logger) (bool, error) {
	for _, svc := range types.ServicesForRole(host.Role) {
		if svc.RequiredActive {
			result, err := p.executor.Run(ctx, host.ID, fmt.Sprintf("systemctl is-active %s", svc.ServiceName), isActiveDeadline)
			if err != nil {
				return false, fmt.Errorf("is-active probe for %s on %s: %w", svc.ServiceName, host.ID, err)
			}
			if result.Status != types.CommandSuccess {
				logger.Info().Str("host", host.ID).Str("service", svc.ServiceName).Msg("service not yet active")
				return false, nil
			}
		}

		healthy, err := checkService(ctx, host, svc)
		if err != nil {
			return false, fmt.Errorf("health probe for %s on %s: %w", svc.ServiceName, host.ID, err)
		}
		if !healthy {
			logger.Info().Str("host", host.ID).Str("service", svc.ServiceName).Msg("endpoint not yet healthy")
			return false, nil
		}
	}
	return true, nil
}

// checkService runs the direct, host-addressed health probe named by
// svc.ProbeKind. This dials host.PrivateIP from the orchestrator
// rather than from the host itself; accepted because the orchestrator
// always runs inside the same VPC as the fleet it probes. See
// DESIGN.md for the full tradeoff.
func checkService(ctx context.Context, host types.Host, svc types.ServiceDescriptor) (bool, error) {
	switch svc.ProbeKind {
	case types.ProbeTCPPort:
		addr := fmt.Sprintf("%s:%d", host.PrivateIP, svc.Port)
		return health.NewTCPChecker(addr).Check(ctx).Healthy, nil

	case types.ProbeChallenge:
		addr := fmt.Sprintf("%s:%d", host.PrivateIP, svc.Port)
		return health.NewChallengeChecker(addr, svc.Challenge, svc.Expect).Check(ctx).Healthy, nil

	case types.ProbeHTTPStatus:
		url := fmt.Sprintf("http://%s:%d%s", host.PrivateIP, svc.Port, svc.Path)
		checker := health.NewHTTPChecker(url).WithStatusRange(200, 200)
		return checker.Check(ctx).Healthy, nil

	default:
		return false, fmt.Errorf("unknown probe kind %q", svc.ProbeKind)
	}
}
