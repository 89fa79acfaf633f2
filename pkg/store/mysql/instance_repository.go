package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// InstanceRepository handles instance persistence
type InstanceRepository struct {
	ds *Datastore
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(ds *Datastore) *InstanceRepository {
	return &InstanceRepository{ds: ds}
}

// Create creates a new instance. Active instances claim the agent's active key.
func (r *InstanceRepository) Create(ctx context.Context, instance *Instance) error {
	if instance.Status == "active" {
		key := instance.AgentID
		instance.ActiveKey = &key
	}
	return r.ds.DB(ctx).Create(instance).Error
}

// Get retrieves an instance by cloud instance id, nil if absent
func (r *InstanceRepository) Get(ctx context.Context, instanceID string) (*Instance, error) {
	var instance Instance
	err := r.ds.DB(ctx).Where("instance_id = ?", instanceID).First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &instance, nil
}

// GetActive retrieves the active instance of an agent, nil if none
func (r *InstanceRepository) GetActive(ctx context.Context, agentID string) (*Instance, error) {
	var instance Instance
	err := r.ds.DB(ctx).Where("active_key = ?", agentID).First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active instance: %w", err)
	}
	return &instance, nil
}

// Supersede retires an active instance. Returns false if it was not active.
func (r *InstanceRepository) Supersede(ctx context.Context, instanceID string, at time.Time) (bool, error) {
	result := r.ds.DB(ctx).Model(&Instance{}).
		Where("instance_id = ? AND status = ?", instanceID, "active").
		Updates(map[string]interface{}{
			"status":        "superseded",
			"active_key":    nil,
			"superseded_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to supersede instance: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkTerminated records that the cloud resource is gone. Idempotent.
func (r *InstanceRepository) MarkTerminated(ctx context.Context, instanceID string, at time.Time) error {
	err := r.ds.DB(ctx).Model(&Instance{}).
		Where("instance_id = ? AND status <> ?", instanceID, "terminated").
		Updates(map[string]interface{}{
			"status":        "terminated",
			"active_key":    nil,
			"terminated_at": at,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark instance terminated: %w", err)
	}
	return nil
}

// ListByAgent retrieves every instance an agent has run on, newest first
func (r *InstanceRepository) ListByAgent(ctx context.Context, agentID string) ([]*Instance, error) {
	var instances []*Instance
	err := r.ds.DB(ctx).
		Where("agent_id = ?", agentID).
		Order("launch_time DESC").
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// ListActivePools returns the distinct pools of active spot instances
func (r *InstanceRepository) ListActivePools(ctx context.Context) ([]*Instance, error) {
	var instances []*Instance
	err := r.ds.DB(ctx).
		Where("status = ? AND purchase_mode = ?", "active", "spot").
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	return instances, nil
}
