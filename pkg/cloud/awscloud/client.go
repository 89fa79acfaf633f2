package awscloud

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// ManagedTag marks every resource the fleet creates
const (
	ManagedTag = "spotfleet:managed"
	ReplicaTag = "spotfleet:replica-id"
	ParentTag  = "spotfleet:parent-instance-id"
)

// EC2API is the subset of the EC2 client the fleet uses
type EC2API interface {
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
}

// Clients hands out one EC2 client per region
type Clients struct {
	mu      sync.Mutex
	cfg     aws.Config
	clients map[string]EC2API
	factory func(cfg aws.Config, region string) EC2API
}

// NewClients loads the default AWS credential chain
func NewClients(ctx context.Context, defaultRegion string) (*Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(defaultRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &Clients{
		cfg:     cfg,
		clients: make(map[string]EC2API),
		factory: func(cfg aws.Config, region string) EC2API {
			return ec2.NewFromConfig(cfg, func(o *ec2.Options) {
				o.Region = region
			})
		},
	}, nil
}

// NewStaticClients serves the same client for every region
func NewStaticClients(client EC2API) *Clients {
	return &Clients{
		clients: make(map[string]EC2API),
		factory: func(aws.Config, string) EC2API { return client },
	}
}

// EC2 returns the client of region, an empty region means the default region
func (c *Clients) EC2(region string) EC2API {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[region]; ok {
		return client
	}
	if region == "" {
		region = c.cfg.Region
	}
	client := c.factory(c.cfg, region)
	c.clients[region] = client
	return client
}

// errorCode extracts the AWS API error code, "" when err carries none
func errorCode(err error) string {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
