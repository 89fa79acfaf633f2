package mysql

import (
	"context"
	"fmt"
	"time"
)

// PriceSampleRepository handles pool price history persistence
type PriceSampleRepository struct {
	ds *Datastore
}

// NewPriceSampleRepository creates a new price sample repository
func NewPriceSampleRepository(ds *Datastore) *PriceSampleRepository {
	return &PriceSampleRepository{ds: ds}
}

// BatchCreate appends price samples
func (r *PriceSampleRepository) BatchCreate(ctx context.Context, samples []*PriceSample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := r.ds.DB(ctx).CreateInBatches(samples, 100).Error; err != nil {
		return fmt.Errorf("failed to create price samples: %w", err)
	}
	return nil
}

// ListSince retrieves samples of one instance type in a region since a point in time,
// ordered by pool then observation time
func (r *PriceSampleRepository) ListSince(ctx context.Context, region, instanceType, purchaseMode string, since time.Time) ([]*PriceSample, error) {
	var samples []*PriceSample
	err := r.ds.DB(ctx).
		Where("region = ? AND instance_type = ? AND purchase_mode = ? AND observed_at >= ?",
			region, instanceType, purchaseMode, since).
		Order("pool_id ASC").
		Order("observed_at ASC").
		Find(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list price samples: %w", err)
	}
	return samples, nil
}

// Latest retrieves the newest sample of a pool, nil if none
func (r *PriceSampleRepository) Latest(ctx context.Context, poolID, purchaseMode string) (*PriceSample, error) {
	var samples []*PriceSample
	err := r.ds.DB(ctx).
		Where("pool_id = ? AND purchase_mode = ?", poolID, purchaseMode).
		Order("observed_at DESC").
		Limit(1).
		Find(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get latest price sample: %w", err)
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return samples[0], nil
}

// DeleteBefore removes samples older than the retention cutoff
func (r *PriceSampleRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.ds.DB(ctx).Where("observed_at < ?", cutoff).Delete(&PriceSample{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old price samples: %w", result.Error)
	}
	return result.RowsAffected, nil
}
