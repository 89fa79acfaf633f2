package awscloud

import (
	"context"
	"fmt"

	"spotfleet/pkg/interfaces"
	"spotfleet/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// capacityErrorCodes are RunInstances failures meaning the pool is exhausted
var capacityErrorCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InsufficientCapacity":         true,
	"SpotMaxPriceTooLow":           true,
	"MaxSpotInstanceCountExceeded": true,
}

// Provisioner launches replicas on EC2, copying network, key and IAM
// settings from the parent instance
type Provisioner struct {
	clients *Clients
	prices  *SpotPriceChecker
}

func NewProvisioner(clients *Clients, prices *SpotPriceChecker) *Provisioner {
	return &Provisioner{clients: clients, prices: prices}
}

// Launch starts the replica instance
func (p *Provisioner) Launch(ctx context.Context, req *interfaces.LaunchRequest) (*interfaces.LaunchResult, error) {
	client := p.clients.EC2(req.Region)

	parent, err := describeInstance(ctx, client, req.ParentInstanceID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("parent instance %s not found", req.ParentInstanceID)
	}

	subnetID, err := subnetFor(ctx, client, parent, req.AZ)
	if err != nil {
		return nil, err
	}

	imageID := req.ImageID
	if imageID == "" {
		imageID = aws.ToString(parent.ImageId)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: types.InstanceType(req.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		SubnetId:     aws.String(subnetID),
		Placement:    &types.Placement{AvailabilityZone: aws.String(req.AZ)},
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         launchTags(req),
		}},
	}
	if parent.KeyName != nil {
		input.KeyName = parent.KeyName
	}
	if parent.IamInstanceProfile != nil && parent.IamInstanceProfile.Arn != nil {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: parent.IamInstanceProfile.Arn}
	}
	for _, sg := range parent.SecurityGroups {
		if sg.GroupId != nil {
			input.SecurityGroupIds = append(input.SecurityGroupIds, *sg.GroupId)
		}
	}
	if req.PurchaseMode == "spot" {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	resp, err := client.RunInstances(ctx, input)
	if err != nil {
		if capacityErrorCodes[errorCode(err)] {
			return nil, fmt.Errorf("%w: %s in %s: %v", interfaces.ErrCapacityUnavailable, req.InstanceType, req.AZ, err)
		}
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}
	if len(resp.Instances) == 0 || resp.Instances[0].InstanceId == nil {
		return nil, fmt.Errorf("run instances returned no instance")
	}

	result := &interfaces.LaunchResult{CloudInstanceID: *resp.Instances[0].InstanceId}
	if req.PurchaseMode == "spot" && p.prices != nil {
		price, err := p.prices.PoolPrice(ctx, req.Region, req.InstanceType, req.AZ)
		if err != nil {
			logger.WarnCtx(ctx, "failed to price replica %s: %v", req.ReplicaID, err)
		}
		result.HourlyPrice = price
	}

	logger.InfoCtx(ctx, "launched replica %s as %s (%s %s in %s)",
		req.ReplicaID, result.CloudInstanceID, req.PurchaseMode, req.InstanceType, req.AZ)
	return result, nil
}

// Describe maps the EC2 instance state onto the replica lifecycle
func (p *Provisioner) Describe(ctx context.Context, region, cloudInstanceID string) (interfaces.CloudInstanceState, error) {
	inst, err := describeInstance(ctx, p.clients.EC2(region), cloudInstanceID)
	if err != nil {
		return "", err
	}
	if inst == nil || inst.State == nil {
		return interfaces.CloudInstanceGone, nil
	}

	switch inst.State.Name {
	case types.InstanceStateNamePending:
		return interfaces.CloudInstancePending, nil
	case types.InstanceStateNameRunning:
		return interfaces.CloudInstanceRunning, nil
	default:
		return interfaces.CloudInstanceGone, nil
	}
}

// Terminate terminates the instance, unknown instances are treated as gone
func (p *Provisioner) Terminate(ctx context.Context, region, cloudInstanceID string) error {
	_, err := p.clients.EC2(region).TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{cloudInstanceID},
	})
	if err != nil {
		if errorCode(err) == "InvalidInstanceID.NotFound" {
			return nil
		}
		return fmt.Errorf("failed to terminate instance %s: %w", cloudInstanceID, err)
	}
	return nil
}

func describeInstance(ctx context.Context, client EC2API, instanceID string) (*types.Instance, error) {
	resp, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if errorCode(err) == "InvalidInstanceID.NotFound" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	for _, reservation := range resp.Reservations {
		if len(reservation.Instances) > 0 {
			return &reservation.Instances[0], nil
		}
	}
	return nil, nil
}

// subnetFor reuses the parent subnet when it is in az, otherwise picks a subnet
// of the parent VPC in az
func subnetFor(ctx context.Context, client EC2API, parent *types.Instance, az string) (string, error) {
	if parent.Placement != nil && aws.ToString(parent.Placement.AvailabilityZone) == az && parent.SubnetId != nil {
		return *parent.SubnetId, nil
	}
	if parent.VpcId == nil {
		return "", fmt.Errorf("parent instance %s has no vpc", aws.ToString(parent.InstanceId))
	}

	resp, err := client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{*parent.VpcId}},
			{Name: aws.String("availability-zone"), Values: []string{az}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe subnets: %w", err)
	}
	for _, subnet := range resp.Subnets {
		if subnet.SubnetId != nil {
			return *subnet.SubnetId, nil
		}
	}
	return "", fmt.Errorf("%w: no subnet of %s in %s", interfaces.ErrCapacityUnavailable, *parent.VpcId, az)
}

func launchTags(req *interfaces.LaunchRequest) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String(ManagedTag), Value: aws.String("true")},
		{Key: aws.String(ReplicaTag), Value: aws.String(req.ReplicaID)},
		{Key: aws.String(ParentTag), Value: aws.String(req.ParentInstanceID)},
	}
	for k, v := range req.Tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}
