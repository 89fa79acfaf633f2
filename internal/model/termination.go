package model

import (
	"strings"
	"time"
)

// EventType kind of interruption signal
type EventType string

const (
	EventTypeTerminationNotice       EventType = "termination_notice"
	EventTypeRebalanceRecommendation EventType = "rebalance_recommendation"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventTypeTerminationNotice || t == EventTypeRebalanceRecommendation
}

// EventStatus termination event status
type EventStatus string

const (
	EventStatusDetected EventStatus = "detected"
	EventStatusHandling EventStatus = "handling" // A replica is being prepared
	EventStatusResolved EventStatus = "resolved"
	EventStatusFailed   EventStatus = "failed"
)

// Open reports whether the event still accepts transitions.
func (s EventStatus) Open() bool {
	return s == EventStatusDetected || s == EventStatusHandling
}

// Failure reasons recorded on failed events.
const (
	FailureDeadlineExceeded = "deadline_exceeded"
	FailureNoCandidatePool  = "no_candidate_pool"
	FailureReplicaFailed    = "replica_failed"
	FailureCommitRejected   = "commit_rejected"
	ResolutionDeclined      = "declined"
)

// TerminationEvent a detected interruption or rebalance signal
type TerminationEvent struct {
	EventID            string      `json:"event_id"`
	AgentID            string      `json:"agent_id"`
	InstanceID         string      `json:"instance_id"`
	PoolID             string      `json:"pool_id"`
	EventType          EventType   `json:"event_type"`
	Action             string      `json:"action,omitempty"`
	DetectedAt         time.Time   `json:"detected_at"`
	DeadlineAt         *time.Time  `json:"deadline_at,omitempty"`
	Status             EventStatus `json:"status"`
	EmergencyReplicaID *string     `json:"emergency_replica_id,omitempty"`
	Reason             string      `json:"reason,omitempty"`
	ClosedAt           *time.Time  `json:"closed_at,omitempty"`
}

// TerminationDeadline returns when a termination notice detected at detectedAt
// must be handled by: the announced action time when it lies ahead, else
// detectedAt plus grace.
func TerminationDeadline(detectedAt time.Time, actionTime *time.Time, grace time.Duration) time.Time {
	if actionTime != nil && actionTime.After(detectedAt) {
		return actionTime.UTC()
	}
	return detectedAt.UTC().Add(grace)
}

// SignalRequest termination or rebalance signal ingestion payload
type SignalRequest struct {
	AgentID    string     `json:"-"`
	InstanceID string     `json:"instance_id"`
	Kind       EventType  `json:"kind"`
	Action     string     `json:"action,omitempty"`      // "terminate", "stop" or "hibernate" for termination notices
	ActionTime *time.Time `json:"action_time,omitempty"` // Reclamation time announced by the provider
	DetectedAt time.Time  `json:"detected_at"`
}

// Validate rejects unknown kinds and missing identifiers.
func (r *SignalRequest) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return Invalid("agent_id", "required")
	}
	if strings.TrimSpace(r.InstanceID) == "" {
		return Invalid("instance_id", "required")
	}
	if !r.Kind.Valid() {
		return Invalid("kind", "unknown value %q", r.Kind)
	}
	switch r.Action {
	case "", "terminate", "stop", "hibernate":
	default:
		return Invalid("action", "unknown value %q", r.Action)
	}
	if r.DetectedAt.IsZero() {
		return Invalid("detected_at", "required")
	}
	return nil
}

// SignalResult outcome of signal ingestion
type SignalResult struct {
	Event     *TerminationEvent `json:"event"`
	Duplicate bool              `json:"duplicate"`
	Upgraded  bool              `json:"upgraded"` // An open rebalance event was upgraded to a termination notice
}

// CloseEventRequest fail or decline payload
type CloseEventRequest struct {
	Reason string `json:"reason"`
}
