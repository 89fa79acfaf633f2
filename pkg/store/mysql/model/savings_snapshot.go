package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SavingsSnapshot MySQL model for savings_snapshots table
type SavingsSnapshot struct {
	ID                    int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientID              string          `gorm:"column:client_id;type:varchar(64);not null;uniqueIndex:uk_client_date,priority:1" json:"client_id"`
	SnapshotDate          string          `gorm:"column:snapshot_date;type:varchar(10);not null;uniqueIndex:uk_client_date,priority:2" json:"snapshot_date"`
	DailySavings          decimal.Decimal `gorm:"column:daily_savings;type:decimal(14,4);not null" json:"daily_savings"`
	SwitchCount           int             `gorm:"column:switch_count;not null" json:"switch_count"`
	InstanceHours         decimal.Decimal `gorm:"column:instance_hours;type:decimal(10,4);not null" json:"instance_hours"`
	AverageSavingsPercent decimal.Decimal `gorm:"column:average_savings_percent;type:decimal(8,2);not null" json:"average_savings_percent"`
	UpdatedAt             time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for SavingsSnapshot
func (SavingsSnapshot) TableName() string {
	return "savings_snapshots"
}
