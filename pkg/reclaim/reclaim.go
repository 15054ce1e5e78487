// Package reclaim implements the Resource Reclaimer: tag-scoped
// cloud-resource discovery and destruction, independent of
// any provisioner state file, run in an order that respects cloud
// dependencies — compute, then volumes, then security groups, then
// subnets/route-tables/gateways, then VPCs. Graceful mode first
// attempts the external provisioner's destroy path and then, whatever
// its outcome, runs this tag-based algorithm; emergency mode runs the
// tag-based algorithm alone. It is the final authority in both cases.
package reclaim

import (
	"context"
	"time"

	"github.com/cuemby/pulsarbench/pkg/errors"
	"github.com/cuemby/pulsarbench/pkg/log"
	"github.com/cuemby/pulsarbench/pkg/metrics"
	"github.com/cuemby/pulsarbench/pkg/provisioner"
	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/cuemby/pulsarbench/pkg/waitfor"
)

// computeDrainDeadline bounds the wait for requested instance
// terminations to be observed before proceeding to the next kind; the
// algorithm continues past this deadline regardless, since later
// kinds tolerate dangling references.
const computeDrainDeadline = 3 * time.Minute

var computeDrainBackoff = waitfor.Backoff{Initial: 5 * time.Second, Factor: 1.5, Cap: 20 * time.Second}

// CloudClient is the Reclaimer's cloud dependency: resource discovery
// plus the ordered per-kind destroy operations.
type CloudClient interface {
	BuildReclaimPlan(ctx context.Context, experimentID string) (types.ReclaimPlan, error)
	TerminateInstances(ctx context.Context, ids []string) error
	InstancesTerminated(ctx context.Context, ids []string) (bool, error)
	DeleteVolume(ctx context.Context, id string) error
	DeleteSecurityGroup(ctx context.Context, id string) error
	DeleteSubnet(ctx context.Context, id string) error
	DeleteRouteTable(ctx context.Context, id string) error
	DeleteInternetGateway(ctx context.Context, id string) error
	DeleteVPC(ctx context.Context, id string) error
}

// Reclaimer destroys every cloud resource tagged with an experiment
// ID, never cancellable once entered: it always runs to completion,
// otherwise resources leak.
type Reclaimer struct {
	cloud       CloudClient
	provisioner *provisioner.Provisioner
}

// New constructs a Reclaimer. prov may be nil — graceful mode then
// degrades to tag-based reclaim directly, which is always safe.
func New(cloud CloudClient, prov *provisioner.Provisioner) *Reclaimer {
	return &Reclaimer{cloud: cloud, provisioner: prov}
}

// Plan returns the reclaim plan for experimentID without performing
// any destructive calls (dry-run mode).
func (r *Reclaimer) Plan(ctx context.Context, experimentID string) (types.ReclaimPlan, error) {
	plan, err := r.cloud.BuildReclaimPlan(ctx, experimentID)
	if err != nil {
		return plan, errors.New(errors.ResourceDiscoveryFailed, err).WithComponent("reclaimer")
	}
	return plan, nil
}

// Graceful first attempts the provisioner's destroy path against
// varsPath (skipped when no provisioner is configured) and then always
// runs tag-based reclaim, whether the destroy succeeded or failed; a
// failed destroy is logged, not retried. Tag-based reclaim is the final
// authority regardless of which path ran first.
func (r *Reclaimer) Graceful(ctx context.Context, experimentID, varsPath string) error {
	logger := log.WithComponent("reclaimer")

	if r.provisioner != nil {
		if _, err := r.provisioner.Destroy(ctx, varsPath); err != nil {
			logger.Warn().Str("experiment_id", experimentID).Err(err).
				Msg("provisioner destroy failed, falling back to tag-based reclaim")
		} else {
			logger.Info().Str("experiment_id", experimentID).Msg("provisioner destroy succeeded")
		}
	}

	return r.Emergency(ctx, experimentID)
}

// Emergency runs the tag-based reclaim algorithm directly, with no
// reliance on provisioner state — the path used after a crash leaves
// no state file behind. It uses context.Background internally for the
// destructive calls
// themselves so caller cancellation cannot abort an in-progress
// reclaim; ctx itself is not used.
func (r *Reclaimer) Emergency(ctx context.Context, experimentID string) error {
	logger := log.WithComponent("reclaimer")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReclaimDuration)

	runCtx := context.Background()

	plan, err := r.cloud.BuildReclaimPlan(runCtx, experimentID)
	if err != nil {
		return errors.New(errors.ResourceDiscoveryFailed, err).WithComponent("reclaimer")
	}
	if plan.Empty() {
		logger.Info().Str("experiment_id", experimentID).Msg("nothing to reclaim")
		return nil
	}

	computeIDs := plan.ByKind[types.ResourceCompute]
	if len(computeIDs) > 0 {
		logger.Info().Str("experiment_id", experimentID).Int("count", len(computeIDs)).Msg("terminating compute instances")
		if err := r.cloud.TerminateInstances(runCtx, computeIDs); err != nil {
			return errors.New(errors.ResourceDiscoveryFailed, err).WithComponent("reclaimer")
		}
		metrics.ResourcesReclaimedTotal.WithLabelValues(string(types.ResourceCompute)).Add(float64(len(computeIDs)))

		// Best-effort drain: continue past deadline regardless —
		// subsequent kinds tolerate dangling references.
		_ = waitfor.WaitFor(runCtx, computeDrainDeadline, computeDrainBackoff, func(ctx context.Context) (bool, error) {
			return r.cloud.InstancesTerminated(ctx, computeIDs)
		})
	}

	for _, id := range plan.ByKind[types.ResourceVolume] {
		if err := r.cloud.DeleteVolume(runCtx, id); err != nil {
			return errors.New(errors.ResourceDiscoveryFailed, err).WithComponent("reclaimer")
		}
		metrics.ResourcesReclaimedTotal.WithLabelValues(string(types.ResourceVolume)).Inc()
	}

	for _, id := range plan.ByKind[types.ResourceSecurityGroup] {
		if err := r.cloud.DeleteSecurityGroup(runCtx, id); err != nil {
			return errors.New(errors.ResourceDiscoveryFailed, err).WithComponent("reclaimer")
		}
		metrics.ResourcesReclaimedTotal.WithLabelValues(string(types.ResourceSecurityGroup)).Inc()
	}

	for _, id := range plan.ByKind[types.ResourceSubnet] {
		if err := r.cloud.DeleteSubnet(runCtx, id); err != nil {
			return errors.New(errors.ResourceDiscoveryFailed, err).WithComponent("reclaimer")
		}
		metrics.ResourcesReclaimedTotal.WithLabelValues(string(types.ResourceSubnet)).Inc()
	}

	for _, id := range plan.ByKind[types.ResourceRouteTable] {
		if err := r.cloud.DeleteRouteTable(runCtx, id); err != nil {
			return errors.New(errors.ResourceDiscoveryFailed, err).WithComponent("reclaimer")
		}
		metrics.ResourcesReclaimedTotal.WithLabelValues(string(types.ResourceRouteTable)).Inc()
	}

	for _, id := range plan.ByKind[types.ResourceGateway] {
		if err := r.cloud.DeleteInternetGateway(runCtx, id); err != nil {
			return errors.New(errors.ResourceDiscoveryFailed, err).WithComponent("reclaimer")
		}
		metrics.ResourcesReclaimedTotal.WithLabelValues(string(types.ResourceGateway)).Inc()
	}

	for _, id := range plan.ByKind[types.ResourceVPC] {
		if err := r.cloud.DeleteVPC(runCtx, id); err != nil {
			return errors.New(errors.ResourceDiscoveryFailed, err).WithComponent("reclaimer")
		}
		metrics.ResourcesReclaimedTotal.WithLabelValues(string(types.ResourceVPC)).Inc()
	}

	logger.Info().Str("experiment_id", experimentID).Msg("reclaim complete")
	return nil
}
