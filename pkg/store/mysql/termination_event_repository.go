package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var openEventStatuses = []string{"detected", "handling"}

// TerminationEventRepository handles termination event persistence
type TerminationEventRepository struct {
	ds *Datastore
}

// NewTerminationEventRepository creates a new termination event repository
func NewTerminationEventRepository(ds *Datastore) *TerminationEventRepository {
	return &TerminationEventRepository{ds: ds}
}

// OpenKey is the in-flight uniqueness key of an agent instance
func OpenKey(agentID, instanceID string) string {
	return agentID + ":" + instanceID
}

// Create inserts an open event. A concurrent open event for the same agent
// instance makes this fail with gorm.ErrDuplicatedKey.
func (r *TerminationEventRepository) Create(ctx context.Context, event *TerminationEvent) error {
	key := OpenKey(event.AgentID, event.InstanceID)
	event.OpenKey = &key
	return r.ds.DB(ctx).Create(event).Error
}

// Get retrieves an event by id, nil if absent
func (r *TerminationEventRepository) Get(ctx context.Context, eventID string) (*TerminationEvent, error) {
	var event TerminationEvent
	err := r.ds.DB(ctx).Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get termination event: %w", err)
	}
	return &event, nil
}

// GetOpen retrieves the in-flight event of an agent instance, nil if none
func (r *TerminationEventRepository) GetOpen(ctx context.Context, agentID, instanceID string) (*TerminationEvent, error) {
	var event TerminationEvent
	err := r.ds.DB(ctx).Where("open_key = ?", OpenKey(agentID, instanceID)).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open termination event: %w", err)
	}
	return &event, nil
}

// UpdateOpen updates fields of an event only while it is open
func (r *TerminationEventRepository) UpdateOpen(ctx context.Context, eventID string, fields map[string]interface{}) (bool, error) {
	result := r.ds.DB(ctx).Model(&TerminationEvent{}).
		Where("event_id = ? AND status IN ?", eventID, openEventStatuses).
		Updates(fields)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update termination event: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkHandling moves a detected event to handling. Already handling is fine.
func (r *TerminationEventRepository) MarkHandling(ctx context.Context, eventID string) (bool, error) {
	return r.UpdateOpen(ctx, eventID, map[string]interface{}{"status": "handling"})
}

// Close moves an open event to resolved or failed and frees its open key
func (r *TerminationEventRepository) Close(ctx context.Context, eventID, status, reason string, at time.Time) (bool, error) {
	return r.UpdateOpen(ctx, eventID, map[string]interface{}{
		"status":    status,
		"reason":    reason,
		"open_key":  nil,
		"closed_at": at,
	})
}

// ClaimPromotion records the promoted replica of an event.
// Returns false if another replica was already promoted for it.
func (r *TerminationEventRepository) ClaimPromotion(ctx context.Context, eventID, replicaID string) (bool, error) {
	result := r.ds.DB(ctx).Model(&TerminationEvent{}).
		Where("event_id = ? AND emergency_replica_id IS NULL", eventID).
		Update("emergency_replica_id", replicaID)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim promotion: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListExpired retrieves open events whose deadline has passed
func (r *TerminationEventRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*TerminationEvent, error) {
	var events []*TerminationEvent
	err := r.ds.DB(ctx).
		Where("status IN ? AND deadline_at IS NOT NULL AND deadline_at < ?", openEventStatuses, now).
		Order("deadline_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired termination events: %w", err)
	}
	return events, nil
}

// ListByAgent retrieves recent events of an agent, newest first
func (r *TerminationEventRepository) ListByAgent(ctx context.Context, agentID string, limit int) ([]*TerminationEvent, error) {
	var events []*TerminationEvent
	err := r.ds.DB(ctx).
		Where("agent_id = ?", agentID).
		Order("detected_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list termination events: %w", err)
	}
	return events, nil
}

// CountInterruptions counts termination notices per pool since a point in time
func (r *TerminationEventRepository) CountInterruptions(ctx context.Context, poolIDs []string, since time.Time) (map[string]int, error) {
	counts := make(map[string]int, len(poolIDs))
	if len(poolIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		PoolID string
		Total  int
	}
	err := r.ds.DB(ctx).Model(&TerminationEvent{}).
		Select("pool_id, COUNT(*) AS total").
		Where("pool_id IN ? AND event_type = ? AND detected_at >= ?", poolIDs, "termination_notice", since).
		Group("pool_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count interruptions: %w", err)
	}
	for _, row := range rows {
		counts[row.PoolID] = row.Total
	}
	return counts, nil
}
