// Package cloud wraps the AWS EC2 API surface the orchestrator needs:
// instance-state queries for the Readiness Prober's fleet-reachable
// stage, and tag-scoped resource discovery/destruction for the
// Resource Reclaimer. One client instance is shared for the process
// lifetime and relies on the SDK's own retry-on-throttle behaviour
// rather than opening a client per call.
package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cuemby/pulsarbench/pkg/types"
)

// Client is the orchestrator's EC2 client, built once per process.
type Client struct {
	ec2 *ec2.Client
}

// New builds a Client using the default AWS credential chain and
// region resolution.
func New(ctx context.Context) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &Client{ec2: ec2.NewFromConfig(cfg)}, nil
}

func experimentFilter(experimentID string) []ec2types.Filter {
	return []ec2types.Filter{
		{Name: aws.String("tag:" + types.TagExperimentID), Values: []string{experimentID}},
	}
}

// InstanceStates returns instance ID -> lifecycle state name for
// every instance tagged with experimentID. Used by the Readiness
// Prober's stage 1 (fleet reachable).
func (c *Client) InstanceStates(ctx context.Context, experimentID string) (map[string]string, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: experimentFilter(experimentID)})
	if err != nil {
		return nil, fmt.Errorf("describing instances: %w", err)
	}
	states := make(map[string]string)
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if inst.InstanceId == nil {
				continue
			}
			states[*inst.InstanceId] = string(inst.State.Name)
		}
	}
	return states, nil
}

// BuildReclaimPlan enumerates every resource kind tagged with
// experimentID, partitioned by cloud dependency order. It performs
// discovery only — no destructive calls — so it also backs dry-run
// mode.
func (c *Client) BuildReclaimPlan(ctx context.Context, experimentID string) (types.ReclaimPlan, error) {
	plan := types.ReclaimPlan{ExperimentID: experimentID, ByKind: map[types.ResourceKind][]string{}}
	filter := experimentFilter(experimentID)

	instances, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filter})
	if err != nil {
		return plan, fmt.Errorf("describing instances: %w", err)
	}
	for _, reservation := range instances.Reservations {
		for _, inst := range reservation.Instances {
			if inst.InstanceId != nil && inst.State.Name != ec2types.InstanceStateNameTerminated {
				plan.ByKind[types.ResourceCompute] = append(plan.ByKind[types.ResourceCompute], *inst.InstanceId)
			}
		}
	}

	volumes, err := c.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{Filters: filter})
	if err != nil {
		return plan, fmt.Errorf("describing volumes: %w", err)
	}
	for _, v := range volumes.Volumes {
		if v.VolumeId != nil {
			plan.ByKind[types.ResourceVolume] = append(plan.ByKind[types.ResourceVolume], *v.VolumeId)
		}
	}

	sgs, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: filter})
	if err != nil {
		return plan, fmt.Errorf("describing security groups: %w", err)
	}
	for _, sg := range sgs.SecurityGroups {
		if sg.GroupId != nil {
			plan.ByKind[types.ResourceSecurityGroup] = append(plan.ByKind[types.ResourceSecurityGroup], *sg.GroupId)
		}
	}

	subnets, err := c.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: filter})
	if err != nil {
		return plan, fmt.Errorf("describing subnets: %w", err)
	}
	for _, s := range subnets.Subnets {
		if s.SubnetId != nil {
			plan.ByKind[types.ResourceSubnet] = append(plan.ByKind[types.ResourceSubnet], *s.SubnetId)
		}
	}

	routeTables, err := c.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: filter})
	if err != nil {
		return plan, fmt.Errorf("describing route tables: %w", err)
	}
	for _, rt := range routeTables.RouteTables {
		if rt.RouteTableId != nil {
			plan.ByKind[types.ResourceRouteTable] = append(plan.ByKind[types.ResourceRouteTable], *rt.RouteTableId)
		}
	}

	gateways, err := c.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{Filters: filter})
	if err != nil {
		return plan, fmt.Errorf("describing internet gateways: %w", err)
	}
	for _, gw := range gateways.InternetGateways {
		if gw.InternetGatewayId != nil {
			plan.ByKind[types.ResourceGateway] = append(plan.ByKind[types.ResourceGateway], *gw.InternetGatewayId)
		}
	}

	vpcs, err := c.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: filter})
	if err != nil {
		return plan, fmt.Errorf("describing vpcs: %w", err)
	}
	for _, v := range vpcs.Vpcs {
		if v.VpcId != nil {
			plan.ByKind[types.ResourceVPC] = append(plan.ByKind[types.ResourceVPC], *v.VpcId)
		}
	}

	return plan, nil
}

// notFound reports whether err looks like an AWS "resource does not
// exist" error, which reclaim treats as a successful deletion.
func notFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"NotFound", "InvalidInstanceID.NotFound", "InvalidVolume.NotFound",
		"InvalidGroup.NotFound", "InvalidSubnetID.NotFound", "InvalidRouteTableID.NotFound",
		"InvalidInternetGatewayID.NotFound", "InvalidVpcID.NotFound", "does not exist"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// TerminateInstances requests termination of the given instance IDs.
// Idempotent: a not-found instance is treated as already terminated.
func (c *Client) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil && !notFound(err) {
		return fmt.Errorf("terminating instances: %w", err)
	}
	return nil
}

// InstancesTerminated reports whether every given instance has
// reached the terminated state.
func (c *Client) InstancesTerminated(ctx context.Context, ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		if notFound(err) {
			return true, nil
		}
		return false, fmt.Errorf("describing instances: %w", err)
	}
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if inst.State.Name != ec2types.InstanceStateNameTerminated {
				return false, nil
			}
		}
	}
	return true, nil
}

// DeleteVolume deletes a volume by ID, treating not-found as success.
func (c *Client) DeleteVolume(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(id)})
	if err != nil && !notFound(err) {
		return fmt.Errorf("deleting volume %s: %w", id, err)
	}
	return nil
}

// DeleteSecurityGroup deletes a security group by ID.
func (c *Client) DeleteSecurityGroup(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	if err != nil && !notFound(err) {
		return fmt.Errorf("deleting security group %s: %w", id, err)
	}
	return nil
}

// DeleteSubnet deletes a subnet by ID.
func (c *Client) DeleteSubnet(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)})
	if err != nil && !notFound(err) {
		return fmt.Errorf("deleting subnet %s: %w", id, err)
	}
	return nil
}

// DeleteRouteTable deletes a route table by ID.
func (c *Client) DeleteRouteTable(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id)})
	if err != nil && !notFound(err) {
		return fmt.Errorf("deleting route table %s: %w", id, err)
	}
	return nil
}

// DeleteInternetGateway detaches (from every VPC it is attached to)
// and deletes an internet gateway by ID.
func (c *Client) DeleteInternetGateway(ctx context.Context, id string) error {
	out, err := c.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		InternetGatewayIds: []string{id},
	})
	if err != nil {
		if notFound(err) {
			return nil
		}
		return fmt.Errorf("describing internet gateway %s: %w", id, err)
	}
	for _, gw := range out.InternetGateways {
		for _, att := range gw.Attachments {
			if att.VpcId == nil {
				continue
			}
			_, err := c.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
				InternetGatewayId: aws.String(id),
				VpcId:             att.VpcId,
			})
			if err != nil && !notFound(err) {
				return fmt.Errorf("detaching internet gateway %s: %w", id, err)
			}
		}
	}
	_, err = c.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: aws.String(id)})
	if err != nil && !notFound(err) {
		return fmt.Errorf("deleting internet gateway %s: %w", id, err)
	}
	return nil
}

// DeleteVPC deletes a VPC by ID.
func (c *Client) DeleteVPC(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id)})
	if err != nil && !notFound(err) {
		return fmt.Errorf("deleting vpc %s: %w", id, err)
	}
	return nil
}
