package awscloud

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type apiError struct{ code string }

func (e *apiError) Error() string     { return "api error " + e.code }
func (e *apiError) ErrorCode() string { return e.code }

// fakeEC2 serves canned responses and records requests
type fakeEC2 struct {
	mu sync.Mutex

	priceHistory []types.SpotPrice
	instances    map[string]types.Instance
	subnets      []types.Subnet
	snapshots    []types.Snapshot
	images       []types.Image

	runErr       error
	terminateErr error
	deleteFails  map[string]bool
	runInputs    []*ec2.RunInstancesInput
	terminated   []string
	deleted      []string
	deregistered []string
	nextInstance string
}

func (f *fakeEC2) DescribeSpotPriceHistory(ctx context.Context, in *ec2.DescribeSpotPriceHistoryInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	var out []types.SpotPrice
	for _, p := range f.priceHistory {
		if in.AvailabilityZone != nil && (p.AvailabilityZone == nil || *p.AvailabilityZone != *in.AvailabilityZone) {
			continue
		}
		out = append(out, p)
	}
	if in.MaxResults != nil && len(out) > int(*in.MaxResults) {
		out = out[:*in.MaxResults]
	}
	return &ec2.DescribeSpotPriceHistoryOutput{SpotPriceHistory: out}, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runInputs = append(f.runInputs, in)
	if f.runErr != nil {
		return nil, f.runErr
	}
	id := f.nextInstance
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: &id}}}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ec2.DescribeInstancesOutput{}
	for _, id := range in.InstanceIds {
		inst, ok := f.instances[id]
		if !ok {
			return nil, &apiError{code: "InvalidInstanceID.NotFound"}
		}
		out.Reservations = append(out.Reservations, types.Reservation{Instances: []types.Instance{inst}})
	}
	return out, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return nil, f.terminateErr
	}
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	var az string
	for _, filter := range in.Filters {
		if filter.Name != nil && *filter.Name == "availability-zone" && len(filter.Values) > 0 {
			az = filter.Values[0]
		}
	}
	var out []types.Subnet
	for _, s := range f.subnets {
		if s.AvailabilityZone != nil && *s.AvailabilityZone == az {
			out = append(out, s)
		}
	}
	return &ec2.DescribeSubnetsOutput{Subnets: out}, nil
}

func (f *fakeEC2) DescribeSnapshots(ctx context.Context, in *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	return &ec2.DescribeSnapshotsOutput{Snapshots: f.snapshots}, nil
}

func (f *fakeEC2) DeleteSnapshot(ctx context.Context, in *ec2.DeleteSnapshotInput, _ ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	if f.deleteFails[*in.SnapshotId] {
		return nil, &apiError{code: "InvalidSnapshot.InUse"}
	}
	f.deleted = append(f.deleted, *in.SnapshotId)
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (f *fakeEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

func (f *fakeEC2) DeregisterImage(ctx context.Context, in *ec2.DeregisterImageInput, _ ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
	f.deregistered = append(f.deregistered, *in.ImageId)
	return &ec2.DeregisterImageOutput{}, nil
}
