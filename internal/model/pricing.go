package model

import (
	"strings"
	"time"
)

// PoolPrice one observed pool price
type PoolPrice struct {
	PoolID       string       `json:"pool_id"`
	InstanceType string       `json:"instance_type"`
	AZ           string       `json:"az"`
	PurchaseMode PurchaseMode `json:"purchase_mode"`
	Price        float64      `json:"price"`
	ObservedAt   time.Time    `json:"observed_at"`
}

// PricingReport agent price report
type PricingReport struct {
	AgentID       string       `json:"-"`
	Region        string       `json:"region"`
	InstanceType  string       `json:"instance_type"`
	OnDemandPrice float64      `json:"on_demand_price"`
	Pools         []*PoolPrice `json:"pools"`
	ReportedAt    time.Time    `json:"reported_at"`
}

// Validate normalises pool ids and rejects negative prices.
func (r *PricingReport) Validate() error {
	if strings.TrimSpace(r.Region) == "" {
		return Invalid("region", "required")
	}
	if r.OnDemandPrice < 0 {
		return Invalid("on_demand_price", "must not be negative")
	}
	for i, p := range r.Pools {
		if p == nil {
			return Invalid("pools", "entry %d is empty", i)
		}
		if p.PoolID == "" {
			if p.InstanceType == "" || p.AZ == "" {
				return Invalid("pools", "entry %d needs pool_id or instance_type and az", i)
			}
			p.PoolID = BuildPoolID(p.InstanceType, p.AZ)
		}
		instanceType, az, err := ParsePoolID(p.PoolID)
		if err != nil {
			return err
		}
		p.InstanceType, p.AZ = instanceType, az
		if p.PurchaseMode == "" {
			p.PurchaseMode = PurchaseModeSpot
		}
		if !p.PurchaseMode.Valid() {
			return Invalid("pools", "entry %d has unknown purchase_mode %q", i, p.PurchaseMode)
		}
		if p.Price < 0 {
			return Invalid("pools", "entry %d has a negative price", i)
		}
		if p.ObservedAt.IsZero() {
			p.ObservedAt = r.ReportedAt
		}
	}
	return nil
}

// RankedPool a candidate pool with its risk assessment
type RankedPool struct {
	PoolID         string       `json:"pool_id"`
	InstanceType   string       `json:"instance_type"`
	AZ             string       `json:"az"`
	PurchaseMode   PurchaseMode `json:"purchase_mode"`
	Price          float64      `json:"price"`
	RiskScore      float64      `json:"risk_score"`
	Recommendation string       `json:"recommendation"`
	Volatility     float64      `json:"volatility"`
	Interruptions  int          `json:"interruptions"`
}
