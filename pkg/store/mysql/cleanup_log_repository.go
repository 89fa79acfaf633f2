package mysql

import (
	"context"
	"fmt"
)

// CleanupLogRepository handles cleanup report persistence (append-only)
type CleanupLogRepository struct {
	ds *Datastore
}

// NewCleanupLogRepository creates a new cleanup log repository
func NewCleanupLogRepository(ds *Datastore) *CleanupLogRepository {
	return &CleanupLogRepository{ds: ds}
}

// Create appends a cleanup log entry
func (r *CleanupLogRepository) Create(ctx context.Context, entry *CleanupLog) error {
	return r.ds.DB(ctx).Create(entry).Error
}

// ListByAgent retrieves recent cleanup logs of an agent, newest first
func (r *CleanupLogRepository) ListByAgent(ctx context.Context, agentID string, limit int) ([]*CleanupLog, error) {
	var logs []*CleanupLog
	err := r.ds.DB(ctx).
		Where("agent_id = ?", agentID).
		Order("reported_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup logs: %w", err)
	}
	return logs, nil
}
