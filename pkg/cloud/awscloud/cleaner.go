package awscloud

import (
	"context"
	"fmt"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Resource classes reported by the cleaner
const (
	ClassSnapshots = "snapshots"
	ClassImages    = "images"
)

// Cleaner deletes fleet-managed snapshots and images past their retention
type Cleaner struct {
	clients           *Clients
	region            string
	snapshotRetention time.Duration
	imageRetention    time.Duration
}

func NewCleaner(clients *Clients, region string, snapshotRetentionDays, imageRetentionDays int) *Cleaner {
	return &Cleaner{
		clients:           clients,
		region:            region,
		snapshotRetention: time.Duration(snapshotRetentionDays) * 24 * time.Hour,
		imageRetention:    time.Duration(imageRetentionDays) * 24 * time.Hour,
	}
}

func managedFilter() []types.Filter {
	return []types.Filter{{Name: aws.String("tag:" + ManagedTag), Values: []string{"true"}}}
}

// Cleanup runs one pass over snapshots and images
func (c *Cleaner) Cleanup(ctx context.Context, now time.Time) (map[string]*model.ResourceCleanup, error) {
	snapshots, err := c.cleanSnapshots(ctx, now.Add(-c.snapshotRetention))
	if err != nil {
		return nil, err
	}
	images, err := c.cleanImages(ctx, now.Add(-c.imageRetention))
	if err != nil {
		return nil, err
	}
	return map[string]*model.ResourceCleanup{
		ClassSnapshots: snapshots,
		ClassImages:    images,
	}, nil
}

func (c *Cleaner) cleanSnapshots(ctx context.Context, cutoff time.Time) (*model.ResourceCleanup, error) {
	client := c.clients.EC2(c.region)
	result := &model.ResourceCleanup{
		Deleted:    []string{},
		Failed:     []string{},
		CutoffDate: cutoff.UTC().Format(time.RFC3339),
	}

	paginator := ec2.NewDescribeSnapshotsPaginator(client, &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{"self"},
		Filters:  managedFilter(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe snapshots: %w", err)
		}
		for _, snap := range page.Snapshots {
			if snap.SnapshotId == nil || snap.StartTime == nil || !snap.StartTime.Before(cutoff) {
				continue
			}
			if _, err := client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: snap.SnapshotId}); err != nil {
				logger.WarnCtx(ctx, "failed to delete snapshot %s: %v", *snap.SnapshotId, err)
				result.Failed = append(result.Failed, *snap.SnapshotId)
				continue
			}
			result.Deleted = append(result.Deleted, *snap.SnapshotId)
		}
	}
	return result, nil
}

func (c *Cleaner) cleanImages(ctx context.Context, cutoff time.Time) (*model.ResourceCleanup, error) {
	client := c.clients.EC2(c.region)
	result := &model.ResourceCleanup{
		Deleted:    []string{},
		Failed:     []string{},
		CutoffDate: cutoff.UTC().Format(time.RFC3339),
	}

	resp, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners:  []string{"self"},
		Filters: managedFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe images: %w", err)
	}

	for _, image := range resp.Images {
		if image.ImageId == nil || image.CreationDate == nil {
			continue
		}
		created, err := time.Parse(time.RFC3339, *image.CreationDate)
		if err != nil {
			logger.WarnCtx(ctx, "skipping image %s with creation date %q", *image.ImageId, *image.CreationDate)
			continue
		}
		if !created.Before(cutoff) {
			continue
		}
		if _, err := client.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: image.ImageId}); err != nil {
			logger.WarnCtx(ctx, "failed to deregister image %s: %v", *image.ImageId, err)
			result.Failed = append(result.Failed, *image.ImageId)
			continue
		}
		result.Deleted = append(result.Deleted, *image.ImageId)
	}
	return result, nil
}
