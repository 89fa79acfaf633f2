package model

import "time"

// Switch MySQL model for switches table (append-only)
type Switch struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SwitchID           string    `gorm:"column:switch_id;type:varchar(64);not null;uniqueIndex:uk_switch_id" json:"switch_id"`
	AgentID            string    `gorm:"column:agent_id;type:varchar(64);not null;index:idx_agent_initiated,priority:1" json:"agent_id"`
	ClientID           string    `gorm:"column:client_id;type:varchar(64);not null;index:idx_client_initiated,priority:1" json:"client_id"`
	OldInstanceID      string    `gorm:"column:old_instance_id;type:varchar(64);not null" json:"old_instance_id"`
	NewInstanceID      string    `gorm:"column:new_instance_id;type:varchar(64);not null" json:"new_instance_id"`
	OldMode            string    `gorm:"column:old_mode;type:varchar(16);not null" json:"old_mode"`
	NewMode            string    `gorm:"column:new_mode;type:varchar(16);not null" json:"new_mode"`
	OldPoolID          string    `gorm:"column:old_pool_id;type:varchar(128);not null" json:"old_pool_id"`
	NewPoolID          string    `gorm:"column:new_pool_id;type:varchar(128);not null" json:"new_pool_id"`
	OldAZ              string    `gorm:"column:old_az;type:varchar(32);not null" json:"old_az"`
	NewAZ              string    `gorm:"column:new_az;type:varchar(32);not null" json:"new_az"`
	OldPrice           float64   `gorm:"column:old_price;type:decimal(12,6);not null" json:"old_price"`
	NewPrice           float64   `gorm:"column:new_price;type:decimal(12,6);not null" json:"new_price"`
	TriggerType        string    `gorm:"column:trigger_type;type:varchar(16);not null" json:"trigger_type"`
	SavingsImpact      float64   `gorm:"column:savings_impact;type:decimal(12,6);not null" json:"savings_impact"`
	TerminationEventID *string   `gorm:"column:termination_event_id;type:varchar(64)" json:"termination_event_id"`
	ReplicaID          string    `gorm:"column:replica_id;type:varchar(64);not null" json:"replica_id"`
	InitiatedAt        time.Time `gorm:"column:initiated_at;not null;index:idx_agent_initiated,priority:2;index:idx_client_initiated,priority:2" json:"initiated_at"`
	CommittedAt        time.Time `gorm:"column:committed_at;not null" json:"committed_at"`
}

// TableName specifies the table name for Switch
func (Switch) TableName() string {
	return "switches"
}
