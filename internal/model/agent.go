package model

import (
	"strings"
	"time"
)

// AgentMode replica strategy an agent runs under
type AgentMode string

const (
	AgentModeManualReplica AgentMode = "manual_replica" // Operator keeps a standby replica
	AgentModeAutoSwitch    AgentMode = "auto_switch"    // Agent switches pools on its own
)

// Valid reports whether m is a known mode.
func (m AgentMode) Valid() bool {
	return m == AgentModeManualReplica || m == AgentModeAutoSwitch
}

// AgentStatus agent liveness status
type AgentStatus string

const (
	AgentStatusOnline      AgentStatus = "online"
	AgentStatusOffline     AgentStatus = "offline"
	AgentStatusTerminating AgentStatus = "terminating" // Termination notice received for the active instance
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusOnline, AgentStatusOffline, AgentStatusTerminating:
		return true
	}
	return false
}

// Agent one managed instance's control process
type Agent struct {
	AgentID              string      `json:"agent_id"`
	ClientID             string      `json:"client_id"`
	Hostname             string      `json:"hostname"`
	AgentVersion         string      `json:"agent_version,omitempty"`
	CurrentInstanceID    string      `json:"current_instance_id"`
	Mode                 AgentMode   `json:"mode"`
	ManualReplicaEnabled bool        `json:"manual_replica_enabled"`
	AutoSwitchEnabled    bool        `json:"auto_switch_enabled"`
	AutoTerminateEnabled bool        `json:"auto_terminate_enabled"`
	Status               AgentStatus `json:"status"`
	LastHeartbeatAt      *time.Time  `json:"last_heartbeat_at,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// Config returns the flags pushed to the agent on registration and heartbeat.
func (a *Agent) Config() AgentConfigFlags {
	return AgentConfigFlags{
		Mode:                 a.Mode,
		ManualReplicaEnabled: a.ManualReplicaEnabled,
		AutoSwitchEnabled:    a.AutoSwitchEnabled,
		AutoTerminateEnabled: a.AutoTerminateEnabled,
	}
}

// AgentConfigFlags dynamic agent configuration
type AgentConfigFlags struct {
	Mode                 AgentMode `json:"mode"`
	ManualReplicaEnabled bool      `json:"manual_replica_enabled"`
	AutoSwitchEnabled    bool      `json:"auto_switch_enabled"`
	AutoTerminateEnabled bool      `json:"auto_terminate_enabled"`
}

// RegisterRequest agent registration request
type RegisterRequest struct {
	ClientID     string       `json:"-"` // Resolved from the client token
	Hostname     string       `json:"hostname"`
	AgentVersion string       `json:"agent_version"`
	InstanceID   string       `json:"instance_id"`
	InstanceType string       `json:"instance_type"`
	Region       string       `json:"region"`
	AZ           string       `json:"az"`
	ImageID      string       `json:"image_id"`
	PurchaseMode PurchaseMode `json:"purchase_mode"`
	HourlyPrice  float64      `json:"hourly_price"`
}

// Validate checks required registration fields.
func (r *RegisterRequest) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return Invalid("client_id", "required")
	}
	if strings.TrimSpace(r.InstanceID) == "" {
		return Invalid("instance_id", "required")
	}
	if strings.TrimSpace(r.InstanceType) == "" {
		return Invalid("instance_type", "required")
	}
	if strings.TrimSpace(r.AZ) == "" {
		return Invalid("az", "required")
	}
	if r.PurchaseMode == "" {
		r.PurchaseMode = PurchaseModeSpot
	}
	if !r.PurchaseMode.Valid() {
		return Invalid("purchase_mode", "unknown value %q", r.PurchaseMode)
	}
	if r.HourlyPrice < 0 {
		return Invalid("hourly_price", "must not be negative")
	}
	if r.Region == "" {
		r.Region = RegionFromAZ(r.AZ)
	}
	return nil
}

// RegisterResponse agent registration response
type RegisterResponse struct {
	AgentID string           `json:"agent_id"`
	Config  AgentConfigFlags `json:"config"`
}

// HeartbeatRequest agent heartbeat
type HeartbeatRequest struct {
	InstanceID string      `json:"instance_id"`
	Status     AgentStatus `json:"status"`
}

// Validate checks the heartbeat status value.
func (r *HeartbeatRequest) Validate() error {
	if r.Status == "" {
		r.Status = AgentStatusOnline
	}
	if !r.Status.Valid() {
		return Invalid("status", "unknown value %q", r.Status)
	}
	return nil
}

// HeartbeatResponse heartbeat response with refreshed config and pending commands
type HeartbeatResponse struct {
	Config   AgentConfigFlags `json:"config"`
	Commands []*AgentCommand  `json:"commands"`
}

// SetModeRequest operator mode change
type SetModeRequest struct {
	Mode AgentMode `json:"mode"`
}
