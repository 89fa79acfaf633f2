package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SwitchRepository handles switch history persistence (append-only)
type SwitchRepository struct {
	ds *Datastore
}

// NewSwitchRepository creates a new switch repository
func NewSwitchRepository(ds *Datastore) *SwitchRepository {
	return &SwitchRepository{ds: ds}
}

// Create appends a switch record
func (r *SwitchRepository) Create(ctx context.Context, sw *Switch) error {
	return r.ds.DB(ctx).Create(sw).Error
}

// List retrieves switches of an agent in reverse-chronological order with
// the un-paginated total
func (r *SwitchRepository) List(ctx context.Context, agentID string, from, to *time.Time, limit, offset int) ([]*Switch, int64, error) {
	filter := func() *gorm.DB {
		query := r.ds.DB(ctx).Model(&Switch{}).Where("agent_id = ?", agentID)
		if from != nil {
			query = query.Where("initiated_at >= ?", *from)
		}
		if to != nil {
			query = query.Where("initiated_at < ?", *to)
		}
		return query
	}

	var total int64
	if err := filter().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count switches: %w", err)
	}

	var switches []*Switch
	err := filter().
		Order("initiated_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&switches).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list switches: %w", err)
	}
	return switches, total, nil
}

// ListForClientBefore retrieves every switch of a client initiated before a
// point in time, grouped by agent in chronological order
func (r *SwitchRepository) ListForClientBefore(ctx context.Context, clientID string, before time.Time) ([]*Switch, error) {
	var switches []*Switch
	err := r.ds.DB(ctx).
		Where("client_id = ? AND initiated_at < ?", clientID, before).
		Order("agent_id ASC").
		Order("initiated_at ASC").
		Order("id ASC").
		Find(&switches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list client switches: %w", err)
	}
	return switches, nil
}
