package model

import (
	"strings"
	"time"
)

// PurchaseMode how an instance is billed
type PurchaseMode string

const (
	PurchaseModeSpot     PurchaseMode = "spot"
	PurchaseModeOnDemand PurchaseMode = "ondemand"
)

// Valid reports whether m is a known purchase mode.
func (m PurchaseMode) Valid() bool {
	return m == PurchaseModeSpot || m == PurchaseModeOnDemand
}

// InstanceStatus instance lifecycle status
type InstanceStatus string

const (
	InstanceStatusActive     InstanceStatus = "active"
	InstanceStatusSuperseded InstanceStatus = "superseded" // Replaced by a committed switch
	InstanceStatusTerminated InstanceStatus = "terminated"
)

// Instance a concrete cloud compute resource bound to an agent
type Instance struct {
	InstanceID   string         `json:"instance_id"`
	AgentID      string         `json:"agent_id"`
	PoolID       string         `json:"pool_id"`
	InstanceType string         `json:"instance_type"`
	Region       string         `json:"region"`
	AZ           string         `json:"az"`
	ImageID      string         `json:"image_id,omitempty"`
	PurchaseMode PurchaseMode   `json:"purchase_mode"`
	HourlyPrice  float64        `json:"hourly_price"`
	Status       InstanceStatus `json:"status"`
	LaunchTime   time.Time      `json:"launch_time"`
	SupersededAt *time.Time     `json:"superseded_at,omitempty"`
	TerminatedAt *time.Time     `json:"terminated_at,omitempty"`
}

// BuildPoolID joins instance type and availability zone, e.g. "m5.large.us-east-1a".
func BuildPoolID(instanceType, az string) string {
	return instanceType + "." + az
}

// ParsePoolID splits a pool id into instance type and availability zone.
func ParsePoolID(poolID string) (instanceType, az string, err error) {
	idx := strings.LastIndex(poolID, ".")
	if idx <= 0 || idx == len(poolID)-1 {
		return "", "", Invalid("pool_id", "expected <instance_type>.<az>, got %q", poolID)
	}
	return poolID[:idx], poolID[idx+1:], nil
}

// RegionFromAZ strips the zone letter from an availability zone name.
func RegionFromAZ(az string) string {
	if len(az) < 2 {
		return az
	}
	last := az[len(az)-1]
	if last >= 'a' && last <= 'z' {
		return az[:len(az)-1]
	}
	return az
}
