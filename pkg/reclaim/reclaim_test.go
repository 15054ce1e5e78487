package reclaim

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloud struct {
	plan         types.ReclaimPlan
	planErr      error
	deleted      map[types.ResourceKind][]string
	terminateErr error
}

func newFakeCloud(plan types.ReclaimPlan) *fakeCloud {
	return &fakeCloud{plan: plan, deleted: make(map[types.ResourceKind][]string)}
}

func (f *fakeCloud) BuildReclaimPlan(ctx context.Context, experimentID string) (types.ReclaimPlan, error) {
	return f.plan, f.planErr
}

func (f *fakeCloud) TerminateInstances(ctx context.Context, ids []string) error {
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.deleted[types.ResourceCompute] = append(f.deleted[types.ResourceCompute], ids...)
	return nil
}

func (f *fakeCloud) InstancesTerminated(ctx context.Context, ids []string) (bool, error) {
	return true, nil
}

func (f *fakeCloud) DeleteVolume(ctx context.Context, id string) error {
	f.deleted[types.ResourceVolume] = append(f.deleted[types.ResourceVolume], id)
	return nil
}

func (f *fakeCloud) DeleteSecurityGroup(ctx context.Context, id string) error {
	f.deleted[types.ResourceSecurityGroup] = append(f.deleted[types.ResourceSecurityGroup], id)
	return nil
}

func (f *fakeCloud) DeleteSubnet(ctx context.Context, id string) error {
	f.deleted[types.ResourceSubnet] = append(f.deleted[types.ResourceSubnet], id)
	return nil
}

func (f *fakeCloud) DeleteRouteTable(ctx context.Context, id string) error {
	f.deleted[types.ResourceRouteTable] = append(f.deleted[types.ResourceRouteTable], id)
	return nil
}

func (f *fakeCloud) DeleteInternetGateway(ctx context.Context, id string) error {
	f.deleted[types.ResourceGateway] = append(f.deleted[types.ResourceGateway], id)
	return nil
}

func (f *fakeCloud) DeleteVPC(ctx context.Context, id string) error {
	f.deleted[types.ResourceVPC] = append(f.deleted[types.ResourceVPC], id)
	return nil
}

func fullPlan() types.ReclaimPlan {
	return types.ReclaimPlan{
		ExperimentID: "exp-1",
		ByKind: map[types.ResourceKind][]string{
			types.ResourceCompute:       {"i-1"},
			types.ResourceVolume:        {"vol-1"},
			types.ResourceSecurityGroup: {"sg-1"},
			types.ResourceSubnet:        {"subnet-1"},
			types.ResourceRouteTable:    {"rtb-1"},
			types.ResourceGateway:       {"igw-1"},
			types.ResourceVPC:           {"vpc-1"},
		},
	}
}

func TestEmergency_DeletesEveryKind(t *testing.T) {
	cloud := newFakeCloud(fullPlan())
	r := New(cloud, nil)

	err := r.Emergency(context.Background(), "exp-1")
	require.NoError(t, err)

	for kind, ids := range fullPlan().ByKind {
		assert.ElementsMatch(t, ids, cloud.deleted[kind])
	}
}

func TestEmergency_EmptyPlanIsNoOp(t *testing.T) {
	cloud := newFakeCloud(types.ReclaimPlan{ExperimentID: "exp-1", ByKind: map[types.ResourceKind][]string{}})
	r := New(cloud, nil)

	err := r.Emergency(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Empty(t, cloud.deleted)
}

func TestEmergency_DiscoveryFailurePropagates(t *testing.T) {
	cloud := newFakeCloud(types.ReclaimPlan{})
	cloud.planErr = errors.New("throttled")
	r := New(cloud, nil)

	err := r.Emergency(context.Background(), "exp-1")
	assert.Error(t, err)
}

func TestEmergency_IsIdempotent(t *testing.T) {
	cloud := newFakeCloud(fullPlan())
	r := New(cloud, nil)

	require.NoError(t, r.Emergency(context.Background(), "exp-1"))
	firstRun := len(cloud.deleted[types.ResourceVolume])

	require.NoError(t, r.Emergency(context.Background(), "exp-1"))
	secondRun := len(cloud.deleted[types.ResourceVolume])

	assert.Equal(t, firstRun*2, secondRun)
}

func TestGraceful_NilProvisionerFallsBackDirectly(t *testing.T) {
	cloud := newFakeCloud(fullPlan())
	r := New(cloud, nil)

	err := r.Graceful(context.Background(), "exp-1", "vars.json")
	require.NoError(t, err)
	assert.NotEmpty(t, cloud.deleted[types.ResourceCompute])
}
