package model

import (
	"strings"
	"time"
)

// ReplicaStatus replica lifecycle status
type ReplicaStatus string

const (
	ReplicaStatusProvisioning ReplicaStatus = "provisioning"
	ReplicaStatusReady        ReplicaStatus = "ready"
	ReplicaStatusPromoted     ReplicaStatus = "promoted"
	ReplicaStatusTerminated   ReplicaStatus = "terminated"
	ReplicaStatusFailed       ReplicaStatus = "failed"
)

// Open reports whether the replica still holds (or will hold) a cloud resource.
func (s ReplicaStatus) Open() bool {
	return s == ReplicaStatusProvisioning || s == ReplicaStatusReady
}

// ReplicaStrategy what created the replica
type ReplicaStrategy string

const (
	ReplicaStrategyManual    ReplicaStrategy = "manual"
	ReplicaStrategyAuto      ReplicaStrategy = "auto"
	ReplicaStrategyEmergency ReplicaStrategy = "emergency"
)

// Valid reports whether s is a known strategy.
func (s ReplicaStrategy) Valid() bool {
	switch s {
	case ReplicaStrategyManual, ReplicaStrategyAuto, ReplicaStrategyEmergency:
		return true
	}
	return false
}

// Replica a candidate replacement instance
type Replica struct {
	ReplicaID          string          `json:"replica_id"`
	AgentID            string          `json:"agent_id"`
	ParentInstanceID   string          `json:"parent_instance_id"`
	TerminationEventID *string         `json:"termination_event_id,omitempty"`
	PoolID             string          `json:"pool_id"`
	PurchaseMode       PurchaseMode    `json:"purchase_mode"`
	Strategy           ReplicaStrategy `json:"strategy"`
	CloudInstanceID    string          `json:"cloud_instance_id,omitempty"`
	ImageID            string          `json:"image_id,omitempty"`
	HourlyPrice        float64         `json:"hourly_price"`
	Status             ReplicaStatus   `json:"status"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ReadyAt            *time.Time      `json:"ready_at,omitempty"`
	TerminatedAt       *time.Time      `json:"terminated_at,omitempty"`
}

// CreateReplicaRequest replica creation payload
type CreateReplicaRequest struct {
	AgentID            string          `json:"-"`
	ParentInstanceID   string          `json:"parent_instance_id"`
	PoolID             string          `json:"pool_id"`
	PurchaseMode       PurchaseMode    `json:"purchase_mode"`
	Strategy           ReplicaStrategy `json:"strategy"`
	TerminationEventID string          `json:"termination_event_id,omitempty"`
}

// Validate checks identifiers and enum values.
func (r *CreateReplicaRequest) Validate() error {
	if strings.TrimSpace(r.ParentInstanceID) == "" {
		return Invalid("parent_instance_id", "required")
	}
	if _, _, err := ParsePoolID(r.PoolID); err != nil {
		return err
	}
	if r.PurchaseMode == "" {
		r.PurchaseMode = PurchaseModeSpot
	}
	if !r.PurchaseMode.Valid() {
		return Invalid("purchase_mode", "unknown value %q", r.PurchaseMode)
	}
	if !r.Strategy.Valid() {
		return Invalid("strategy", "unknown value %q", r.Strategy)
	}
	if r.Strategy == ReplicaStrategyEmergency && r.TerminationEventID == "" {
		return Invalid("termination_event_id", "required for emergency replicas")
	}
	return nil
}
