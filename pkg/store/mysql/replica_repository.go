package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var openReplicaStatuses = []string{"provisioning", "ready"}

// ReplicaRepository handles replica persistence
type ReplicaRepository struct {
	ds *Datastore
}

// NewReplicaRepository creates a new replica repository
func NewReplicaRepository(ds *Datastore) *ReplicaRepository {
	return &ReplicaRepository{ds: ds}
}

// Create creates a new replica
func (r *ReplicaRepository) Create(ctx context.Context, replica *Replica) error {
	return r.ds.DB(ctx).Create(replica).Error
}

// Get retrieves a replica by id, nil if absent
func (r *ReplicaRepository) Get(ctx context.Context, replicaID string) (*Replica, error) {
	var replica Replica
	err := r.ds.DB(ctx).Where("replica_id = ?", replicaID).First(&replica).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get replica: %w", err)
	}
	return &replica, nil
}

// Transition updates a replica only while its status is one of from.
// Returns false if the replica was in any other status.
func (r *ReplicaRepository) Transition(ctx context.Context, replicaID string, from []string, fields map[string]interface{}) (bool, error) {
	result := r.ds.DB(ctx).Model(&Replica{}).
		Where("replica_id = ? AND status IN ?", replicaID, from).
		Updates(fields)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update replica: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListByStatus retrieves replicas in a status, oldest first
func (r *ReplicaRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*Replica, error) {
	var replicas []*Replica
	err := r.ds.DB(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&replicas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}
	return replicas, nil
}

// ListByAgent retrieves replicas of an agent, newest first.
// An empty status list means every status.
func (r *ReplicaRepository) ListByAgent(ctx context.Context, agentID string, statuses []string) ([]*Replica, error) {
	var replicas []*Replica
	query := r.ds.DB(ctx).Where("agent_id = ?", agentID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if err := query.Order("created_at DESC").Find(&replicas).Error; err != nil {
		return nil, fmt.Errorf("failed to list agent replicas: %w", err)
	}
	return replicas, nil
}

// ListOpenByStrategy retrieves provisioning or ready replicas of an agent for some strategies
func (r *ReplicaRepository) ListOpenByStrategy(ctx context.Context, agentID string, strategies []string) ([]*Replica, error) {
	var replicas []*Replica
	err := r.ds.DB(ctx).
		Where("agent_id = ? AND status IN ? AND strategy IN ?", agentID, openReplicaStatuses, strategies).
		Find(&replicas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open replicas: %w", err)
	}
	return replicas, nil
}

// ListByEvent retrieves replicas created for a termination event
func (r *ReplicaRepository) ListByEvent(ctx context.Context, eventID string) ([]*Replica, error) {
	var replicas []*Replica
	err := r.ds.DB(ctx).
		Where("termination_event_id = ?", eventID).
		Order("created_at ASC").
		Find(&replicas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list event replicas: %w", err)
	}
	return replicas, nil
}

// ListOrphans retrieves open replicas whose parent instance is no longer active
func (r *ReplicaRepository) ListOrphans(ctx context.Context, limit int) ([]*Replica, error) {
	var replicas []*Replica
	err := r.ds.DB(ctx).
		Table("replicas AS r").
		Select("r.*").
		Joins("LEFT JOIN instances AS i ON i.instance_id = r.parent_instance_id").
		Where("r.status IN ? AND (i.id IS NULL OR i.status <> ?)", openReplicaStatuses, "active").
		Order("r.created_at ASC").
		Limit(limit).
		Find(&replicas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned replicas: %w", err)
	}
	return replicas, nil
}

// CountPromotedForEvent counts promoted replicas of a termination event
func (r *ReplicaRepository) CountPromotedForEvent(ctx context.Context, eventID string) (int64, error) {
	var count int64
	err := r.ds.DB(ctx).Model(&Replica{}).
		Where("termination_event_id = ? AND status = ?", eventID, "promoted").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count promoted replicas: %w", err)
	}
	return count, nil
}
