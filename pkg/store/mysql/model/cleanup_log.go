package model

import "time"

// CleanupLog MySQL model for cleanup_logs table (append-only)
type CleanupLog struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AgentID    string    `gorm:"column:agent_id;type:varchar(64);not null;index:idx_agent_reported,priority:1" json:"agent_id"`
	ClientID   string    `gorm:"column:client_id;type:varchar(64);not null" json:"client_id"`
	ReportedAt time.Time `gorm:"column:reported_at;not null;index:idx_agent_reported,priority:2" json:"reported_at"`
	Deleted    int       `gorm:"column:deleted;not null" json:"deleted"`
	Failed     int       `gorm:"column:failed;not null" json:"failed"`
	Classes    JSONMap   `gorm:"column:classes;type:json" json:"classes"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for CleanupLog
func (CleanupLog) TableName() string {
	return "cleanup_logs"
}
