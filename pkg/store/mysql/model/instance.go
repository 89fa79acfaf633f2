package model

import "time"

// Instance MySQL model for instances table.
// ActiveKey holds the agent id while the instance is active and NULL otherwise,
// so the unique index allows exactly one active instance per agent.
type Instance struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID   string     `gorm:"column:instance_id;type:varchar(64);not null;uniqueIndex:uk_instance_id" json:"instance_id"`
	AgentID      string     `gorm:"column:agent_id;type:varchar(64);not null;index:idx_agent_id" json:"agent_id"`
	PoolID       string     `gorm:"column:pool_id;type:varchar(128);not null;index:idx_pool_id" json:"pool_id"`
	InstanceType string     `gorm:"column:instance_type;type:varchar(64);not null" json:"instance_type"`
	Region       string     `gorm:"column:region;type:varchar(32);not null" json:"region"`
	AZ           string     `gorm:"column:az;type:varchar(32);not null" json:"az"`
	ImageID      string     `gorm:"column:image_id;type:varchar(64)" json:"image_id"`
	PurchaseMode string     `gorm:"column:purchase_mode;type:varchar(16);not null" json:"purchase_mode"`
	HourlyPrice  float64    `gorm:"column:hourly_price;type:decimal(12,6);not null" json:"hourly_price"`
	Status       string     `gorm:"column:status;type:varchar(16);not null" json:"status"`
	ActiveKey    *string    `gorm:"column:active_key;type:varchar(64);uniqueIndex:uk_active_key" json:"-"`
	LaunchTime   time.Time  `gorm:"column:launch_time;not null" json:"launch_time"`
	SupersededAt *time.Time `gorm:"column:superseded_at" json:"superseded_at"`
	TerminatedAt *time.Time `gorm:"column:terminated_at" json:"terminated_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Instance
func (Instance) TableName() string {
	return "instances"
}
