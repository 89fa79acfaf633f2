package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SavingsRepository handles savings snapshot persistence
type SavingsRepository struct {
	ds *Datastore
}

// NewSavingsRepository creates a new savings repository
func NewSavingsRepository(ds *Datastore) *SavingsRepository {
	return &SavingsRepository{ds: ds}
}

// Upsert writes the snapshot of (client_id, snapshot_date), overwriting any prior value
func (r *SavingsRepository) Upsert(ctx context.Context, snapshot *SavingsSnapshot) error {
	err := r.ds.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "client_id"}, {Name: "snapshot_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"daily_savings", "switch_count", "instance_hours", "average_savings_percent", "updated_at",
		}),
	}).Create(snapshot).Error
	if err != nil {
		return fmt.Errorf("failed to upsert savings snapshot: %w", err)
	}
	return nil
}

// Get retrieves the snapshot of a client day, nil if absent
func (r *SavingsRepository) Get(ctx context.Context, clientID, date string) (*SavingsSnapshot, error) {
	var snapshot SavingsSnapshot
	err := r.ds.DB(ctx).
		Where("client_id = ? AND snapshot_date = ?", clientID, date).
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get savings snapshot: %w", err)
	}
	return &snapshot, nil
}

// ListByClient retrieves every snapshot of a client in date order
func (r *SavingsRepository) ListByClient(ctx context.Context, clientID string) ([]*SavingsSnapshot, error) {
	var snapshots []*SavingsSnapshot
	err := r.ds.DB(ctx).
		Where("client_id = ?", clientID).
		Order("snapshot_date ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list savings snapshots: %w", err)
	}
	return snapshots, nil
}
