package model

import "time"

// TerminationEvent MySQL model for termination_events table.
// OpenKey is "agent_id:instance_id" while the event is detected or handling and NULL
// once closed; its unique index admits one in-flight event per agent instance.
type TerminationEvent struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID            string     `gorm:"column:event_id;type:varchar(64);not null;uniqueIndex:uk_event_id" json:"event_id"`
	AgentID            string     `gorm:"column:agent_id;type:varchar(64);not null;index:idx_agent_detected,priority:1" json:"agent_id"`
	InstanceID         string     `gorm:"column:instance_id;type:varchar(64);not null" json:"instance_id"`
	PoolID             string     `gorm:"column:pool_id;type:varchar(128);not null;index:idx_pool_detected,priority:1" json:"pool_id"`
	EventType          string     `gorm:"column:event_type;type:varchar(32);not null" json:"event_type"`
	Action             string     `gorm:"column:action;type:varchar(16)" json:"action"`
	DetectedAt         time.Time  `gorm:"column:detected_at;not null;index:idx_agent_detected,priority:2;index:idx_pool_detected,priority:2" json:"detected_at"`
	DeadlineAt         *time.Time `gorm:"column:deadline_at;index:idx_deadline" json:"deadline_at"`
	Status             string     `gorm:"column:status;type:varchar(16);not null" json:"status"`
	OpenKey            *string    `gorm:"column:open_key;type:varchar(140);uniqueIndex:uk_open_key" json:"-"`
	EmergencyReplicaID *string    `gorm:"column:emergency_replica_id;type:varchar(64)" json:"emergency_replica_id"`
	Reason             string     `gorm:"column:reason;type:varchar(255)" json:"reason"`
	ClosedAt           *time.Time `gorm:"column:closed_at" json:"closed_at"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for TerminationEvent
func (TerminationEvent) TableName() string {
	return "termination_events"
}
