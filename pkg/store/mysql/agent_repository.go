package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AgentRepository handles agent persistence
type AgentRepository struct {
	ds *Datastore
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(ds *Datastore) *AgentRepository {
	return &AgentRepository{ds: ds}
}

// Create creates a new agent
func (r *AgentRepository) Create(ctx context.Context, agent *Agent) error {
	return r.ds.DB(ctx).Create(agent).Error
}

// Get retrieves an agent by agent id, nil if absent
func (r *AgentRepository) Get(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	err := r.ds.DB(ctx).Where("agent_id = ?", agentID).First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

// ListByClient retrieves all agents of a client
func (r *AgentRepository) ListByClient(ctx context.Context, clientID string) ([]*Agent, error) {
	var agents []*Agent
	err := r.ds.DB(ctx).
		Where("client_id = ?", clientID).
		Order("created_at ASC").
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// ListClientIDs returns every client id owning at least one agent
func (r *AgentRepository) ListClientIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.ds.DB(ctx).Model(&Agent{}).Distinct("client_id").Pluck("client_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list client ids: %w", err)
	}
	return ids, nil
}

// UpdateFields updates selected columns of an agent
func (r *AgentRepository) UpdateFields(ctx context.Context, agentID string, fields map[string]interface{}) error {
	result := r.ds.DB(ctx).Model(&Agent{}).Where("agent_id = ?", agentID).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update agent: %w", result.Error)
	}
	return nil
}

// RecordHeartbeat stores a heartbeat and the resulting status
func (r *AgentRepository) RecordHeartbeat(ctx context.Context, agentID, status string, at time.Time) error {
	err := r.ds.DB(ctx).Model(&Agent{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]interface{}{
			"last_heartbeat_at": at,
			"status":            status,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// MarkStaleOffline flips online agents silent since before cutoff to offline
func (r *AgentRepository) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.ds.DB(ctx).Model(&Agent{}).
		Where("status = ? AND last_heartbeat_at < ?", "online", cutoff).
		Update("status", "offline")
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark stale agents offline: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// SetMode writes mode and both strategy flags in one statement
// The update is skipped while a switch lease is held, so a mode change never
// interleaves with a commit.
func (r *AgentRepository) SetMode(ctx context.Context, agentID, mode string, manualEnabled, autoEnabled bool, now time.Time) (bool, error) {
	result := r.ds.DB(ctx).Model(&Agent{}).
		Where("agent_id = ? AND (switch_lock_token IS NULL OR switch_lock_until < ?)", agentID, now).
		Updates(map[string]interface{}{
			"mode":                   mode,
			"manual_replica_enabled": manualEnabled,
			"auto_switch_enabled":    autoEnabled,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to set agent mode: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// AcquireSwitchLease takes the per-agent switch lease if it is free or expired.
// Returns false when another holder owns an unexpired lease.
func (r *AgentRepository) AcquireSwitchLease(ctx context.Context, agentID, token string, now, until time.Time) (bool, error) {
	result := r.ds.DB(ctx).Model(&Agent{}).
		Where("agent_id = ? AND (switch_lock_token IS NULL OR switch_lock_until < ?)", agentID, now).
		Updates(map[string]interface{}{
			"switch_lock_token": token,
			"switch_lock_until": until,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to acquire switch lease: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseSwitchLease frees the lease if token still owns it
func (r *AgentRepository) ReleaseSwitchLease(ctx context.Context, agentID, token string) error {
	err := r.ds.DB(ctx).Model(&Agent{}).
		Where("agent_id = ? AND switch_lock_token = ?", agentID, token).
		Updates(map[string]interface{}{
			"switch_lock_token": nil,
			"switch_lock_until": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to release switch lease: %w", err)
	}
	return nil
}

// ClientRepository handles client persistence
type ClientRepository struct {
	ds *Datastore
}

// NewClientRepository creates a new client repository
func NewClientRepository(ds *Datastore) *ClientRepository {
	return &ClientRepository{ds: ds}
}

// Create creates a new client
func (r *ClientRepository) Create(ctx context.Context, client *Client) error {
	return r.ds.DB(ctx).Create(client).Error
}

// GetByToken resolves a client from its API token, nil if unknown
func (r *ClientRepository) GetByToken(ctx context.Context, token string) (*Client, error) {
	var client Client
	err := r.ds.DB(ctx).Where("token = ?", token).First(&client).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &client, nil
}

// CommandRepository handles agent command persistence
type CommandRepository struct {
	ds *Datastore
}

// NewCommandRepository creates a new command repository
func NewCommandRepository(ds *Datastore) *CommandRepository {
	return &CommandRepository{ds: ds}
}

// Create creates a new command
func (r *CommandRepository) Create(ctx context.Context, cmd *AgentCommand) error {
	return r.ds.DB(ctx).Create(cmd).Error
}

// Get retrieves a command by id, nil if absent
func (r *CommandRepository) Get(ctx context.Context, commandID string) (*AgentCommand, error) {
	var cmd AgentCommand
	err := r.ds.DB(ctx).Where("command_id = ?", commandID).First(&cmd).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return &cmd, nil
}

// ListPending retrieves pending commands of an agent, oldest first
func (r *CommandRepository) ListPending(ctx context.Context, agentID string) ([]*AgentCommand, error) {
	var cmds []*AgentCommand
	err := r.ds.DB(ctx).
		Where("agent_id = ? AND status = ?", agentID, "pending").
		Order("created_at ASC").
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	return cmds, nil
}

// Complete closes a pending command. Returns false if it was not pending.
func (r *CommandRepository) Complete(ctx context.Context, commandID, status, result string, at time.Time) (bool, error) {
	res := r.ds.DB(ctx).Model(&AgentCommand{}).
		Where("command_id = ? AND status = ?", commandID, "pending").
		Updates(map[string]interface{}{
			"status":      status,
			"result":      result,
			"executed_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to complete command: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
