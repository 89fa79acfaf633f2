package model

import (
	"strings"
	"time"
)

// TriggerType what caused a switch
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerAuto      TriggerType = "auto"
	TriggerEmergency TriggerType = "emergency"
)

// Valid reports whether t is a known trigger.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerAuto, TriggerEmergency:
		return true
	}
	return false
}

// Switch an executed instance transition, append-only
type Switch struct {
	SwitchID           string       `json:"switch_id"`
	AgentID            string       `json:"agent_id"`
	ClientID           string       `json:"client_id"`
	OldInstanceID      string       `json:"old_instance_id"`
	NewInstanceID      string       `json:"new_instance_id"`
	OldMode            PurchaseMode `json:"old_mode"`
	NewMode            PurchaseMode `json:"new_mode"`
	OldPoolID          string       `json:"old_pool_id"`
	NewPoolID          string       `json:"new_pool_id"`
	OldAZ              string       `json:"old_az"`
	NewAZ              string       `json:"new_az"`
	OldPrice           float64      `json:"old_price"`
	NewPrice           float64      `json:"new_price"`
	TriggerType        TriggerType  `json:"trigger_type"`
	SavingsImpact      float64      `json:"savings_impact"` // (old - new) / old hourly price
	TerminationEventID *string      `json:"termination_event_id,omitempty"`
	ReplicaID          string       `json:"replica_id"`
	InitiatedAt        time.Time    `json:"initiated_at"`
	CommittedAt        time.Time    `json:"committed_at"`
}

// CommitSwitchRequest switch commit payload
type CommitSwitchRequest struct {
	AgentID            string      `json:"-"`
	ReplicaID          string      `json:"replica_id"`
	TriggerType        TriggerType `json:"trigger_type"`
	TerminationEventID string      `json:"termination_event_id,omitempty"`
	InitiatedAt        *time.Time  `json:"initiated_at,omitempty"` // When the agent started the switch, defaults to now
}

// Validate checks identifiers and the trigger value.
func (r *CommitSwitchRequest) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return Invalid("agent_id", "required")
	}
	if strings.TrimSpace(r.ReplicaID) == "" {
		return Invalid("replica_id", "required")
	}
	if !r.TriggerType.Valid() {
		return Invalid("trigger_type", "unknown value %q", r.TriggerType)
	}
	return nil
}

// SwitchQuery switch history filter
type SwitchQuery struct {
	AgentID string
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

// SwitchPage one page of switch history, newest first
type SwitchPage struct {
	Switches []*Switch `json:"switches"`
	Total    int64     `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

// RetireRequest old instance retirement after drain
type RetireRequest struct {
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}
