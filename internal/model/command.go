package model

import "time"

// CommandKind agent command type
type CommandKind string

const (
	CommandKindSwitch CommandKind = "switch"
)

// CommandStatus agent command status
type CommandStatus string

const (
	CommandStatusPending  CommandStatus = "pending"
	CommandStatusExecuted CommandStatus = "executed"
	CommandStatusFailed   CommandStatus = "failed"
)

// AgentCommand operator command delivered with heartbeats
type AgentCommand struct {
	CommandID          string        `json:"command_id"`
	AgentID            string        `json:"agent_id"`
	Kind               CommandKind   `json:"kind"`
	TargetPoolID       string        `json:"target_pool_id"`
	TargetPurchaseMode PurchaseMode  `json:"target_purchase_mode"`
	Status             CommandStatus `json:"status"`
	Result             string        `json:"result,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	ExecutedAt         *time.Time    `json:"executed_at,omitempty"`
}

// CreateCommandRequest operator command payload
type CreateCommandRequest struct {
	TargetPoolID       string       `json:"target_pool_id"`
	TargetPurchaseMode PurchaseMode `json:"target_purchase_mode"`
}

// Validate checks the target pool and purchase mode.
func (r *CreateCommandRequest) Validate() error {
	if _, _, err := ParsePoolID(r.TargetPoolID); err != nil {
		return err
	}
	if r.TargetPurchaseMode == "" {
		r.TargetPurchaseMode = PurchaseModeSpot
	}
	if !r.TargetPurchaseMode.Valid() {
		return Invalid("target_purchase_mode", "unknown value %q", r.TargetPurchaseMode)
	}
	return nil
}

// CommandResultRequest agent command completion payload
type CommandResultRequest struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
}
