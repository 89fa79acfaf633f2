package model

import "time"

// Client MySQL model for clients table
type Client struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientID  string    `gorm:"column:client_id;type:varchar(64);not null;uniqueIndex:uk_client_id" json:"client_id"`
	Name      string    `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Token     string    `gorm:"column:token;type:varchar(128);not null;uniqueIndex:uk_client_token" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for Client
func (Client) TableName() string {
	return "clients"
}

// Agent MySQL model for agents table.
// The check constraint keeps the two replica strategies mutually exclusive.
type Agent struct {
	ID                   int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	AgentID              string     `gorm:"column:agent_id;type:varchar(64);not null;uniqueIndex:uk_agent_id" json:"agent_id"`
	ClientID             string     `gorm:"column:client_id;type:varchar(64);not null;index:idx_client_id" json:"client_id"`
	Hostname             string     `gorm:"column:hostname;type:varchar(255)" json:"hostname"`
	AgentVersion         string     `gorm:"column:agent_version;type:varchar(64)" json:"agent_version"`
	CurrentInstanceID    string     `gorm:"column:current_instance_id;type:varchar(64)" json:"current_instance_id"`
	Mode                 string     `gorm:"column:mode;type:varchar(32);not null" json:"mode"`
	ManualReplicaEnabled bool       `gorm:"column:manual_replica_enabled;not null;check:chk_agents_mode_exclusive,NOT (manual_replica_enabled AND auto_switch_enabled)" json:"manual_replica_enabled"`
	AutoSwitchEnabled    bool       `gorm:"column:auto_switch_enabled;not null" json:"auto_switch_enabled"`
	AutoTerminateEnabled bool       `gorm:"column:auto_terminate_enabled;not null" json:"auto_terminate_enabled"`
	Status               string     `gorm:"column:status;type:varchar(32);not null;index:idx_status_heartbeat,priority:1" json:"status"`
	LastHeartbeatAt      *time.Time `gorm:"column:last_heartbeat_at;index:idx_status_heartbeat,priority:2" json:"last_heartbeat_at"`
	SwitchLockToken      *string    `gorm:"column:switch_lock_token;type:varchar(64)" json:"-"`
	SwitchLockUntil      *time.Time `gorm:"column:switch_lock_until" json:"-"`
	CreatedAt            time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Agent
func (Agent) TableName() string {
	return "agents"
}

// AgentCommand MySQL model for agent_commands table
type AgentCommand struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	CommandID          string     `gorm:"column:command_id;type:varchar(64);not null;uniqueIndex:uk_command_id" json:"command_id"`
	AgentID            string     `gorm:"column:agent_id;type:varchar(64);not null;index:idx_command_agent_status,priority:1" json:"agent_id"`
	Kind               string     `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	TargetPoolID       string     `gorm:"column:target_pool_id;type:varchar(128);not null" json:"target_pool_id"`
	TargetPurchaseMode string     `gorm:"column:target_purchase_mode;type:varchar(16);not null" json:"target_purchase_mode"`
	Status             string     `gorm:"column:status;type:varchar(16);not null;index:idx_command_agent_status,priority:2" json:"status"`
	Result             string     `gorm:"column:result;type:text" json:"result"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	ExecutedAt         *time.Time `gorm:"column:executed_at" json:"executed_at"`
}

// TableName specifies the table name for AgentCommand
func (AgentCommand) TableName() string {
	return "agent_commands"
}
