package model

import "time"

// Replica MySQL model for replicas table
type Replica struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ReplicaID          string     `gorm:"column:replica_id;type:varchar(64);not null;uniqueIndex:uk_replica_id" json:"replica_id"`
	AgentID            string     `gorm:"column:agent_id;type:varchar(64);not null;index:idx_replica_agent_status,priority:1" json:"agent_id"`
	ParentInstanceID   string     `gorm:"column:parent_instance_id;type:varchar(64);not null;index:idx_parent_instance" json:"parent_instance_id"`
	TerminationEventID *string    `gorm:"column:termination_event_id;type:varchar(64);index:idx_termination_event" json:"termination_event_id"`
	PoolID             string     `gorm:"column:pool_id;type:varchar(128);not null" json:"pool_id"`
	PurchaseMode       string     `gorm:"column:purchase_mode;type:varchar(16);not null" json:"purchase_mode"`
	Strategy           string     `gorm:"column:strategy;type:varchar(16);not null" json:"strategy"`
	CloudInstanceID    string     `gorm:"column:cloud_instance_id;type:varchar(64)" json:"cloud_instance_id"`
	ImageID            string     `gorm:"column:image_id;type:varchar(64)" json:"image_id"`
	HourlyPrice        float64    `gorm:"column:hourly_price;type:decimal(12,6);not null" json:"hourly_price"`
	Status             string     `gorm:"column:status;type:varchar(16);not null;index:idx_status;index:idx_replica_agent_status,priority:2" json:"status"`
	FailureReason      string     `gorm:"column:failure_reason;type:varchar(255)" json:"failure_reason"`
	CreatedAt          time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	ReadyAt            *time.Time `gorm:"column:ready_at" json:"ready_at"`
	TerminatedAt       *time.Time `gorm:"column:terminated_at" json:"terminated_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Replica
func (Replica) TableName() string {
	return "replicas"
}
