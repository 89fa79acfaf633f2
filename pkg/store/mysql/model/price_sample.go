package model

import "time"

// PriceSample MySQL model for price_samples table
type PriceSample struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PoolID       string    `gorm:"column:pool_id;type:varchar(128);not null;index:idx_pool_observed,priority:1" json:"pool_id"`
	InstanceType string    `gorm:"column:instance_type;type:varchar(64);not null;index:idx_region_type_observed,priority:2" json:"instance_type"`
	Region       string    `gorm:"column:region;type:varchar(32);not null;index:idx_region_type_observed,priority:1" json:"region"`
	AZ           string    `gorm:"column:az;type:varchar(32);not null" json:"az"`
	PurchaseMode string    `gorm:"column:purchase_mode;type:varchar(16);not null" json:"purchase_mode"`
	Price        float64   `gorm:"column:price;type:decimal(12,6);not null" json:"price"`
	Source       string    `gorm:"column:source;type:varchar(16);not null" json:"source"` // agent or ec2
	ObservedAt   time.Time `gorm:"column:observed_at;not null;index:idx_pool_observed,priority:2;index:idx_region_type_observed,priority:3" json:"observed_at"`
}

// TableName specifies the table name for PriceSample
func (PriceSample) TableName() string {
	return "price_samples"
}
