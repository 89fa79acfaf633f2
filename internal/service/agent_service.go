package service

import (
	"context"
	"fmt"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/interfaces"
	"spotfleet/pkg/logger"
	"spotfleet/pkg/metrics"
	"spotfleet/pkg/store/mysql"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// AgentService handles agent registration, heartbeats, operator commands and retirement
type AgentService struct {
	repo             *mysql.Repository
	provisioner      interfaces.ReplicaProvisioner
	clock            clockwork.Clock
	heartbeatTimeout time.Duration
}

// NewAgentService creates a new agent service
func NewAgentService(repo *mysql.Repository, provisioner interfaces.ReplicaProvisioner, clock clockwork.Clock, heartbeatTimeout time.Duration) *AgentService {
	return &AgentService{
		repo:             repo,
		provisioner:      provisioner,
		clock:            clock,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// AuthenticateClient resolves a client id from its API token, "" when the token is unknown
func (s *AgentService) AuthenticateClient(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	client, err := s.repo.Client.GetByToken(ctx, token)
	if err != nil {
		return "", err
	}
	if client == nil {
		return "", nil
	}
	return client.ClientID, nil
}

// Register binds an agent to the instance it runs on.
// An instance already known to the store keeps its agent, so a promoted replica
// re-registers as the same logical agent it replaced.
func (s *AgentService) Register(ctx context.Context, req *model.RegisterRequest) (*model.RegisterResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()

	var agent *mysql.Agent
	err := s.repo.GetDatastore().ExecTx(ctx, func(txCtx context.Context) error {
		instance, err := s.repo.Instance.Get(txCtx, req.InstanceID)
		if err != nil {
			return err
		}

		if instance != nil {
			existing, err := s.repo.Agent.Get(txCtx, instance.AgentID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("instance %s references missing agent %s", instance.InstanceID, instance.AgentID)
			}
			if existing.ClientID != req.ClientID {
				return model.Invalid("instance_id", "instance %s is registered to another client", req.InstanceID)
			}
			fields := map[string]interface{}{
				"hostname":          req.Hostname,
				"agent_version":     req.AgentVersion,
				"status":            string(model.AgentStatusOnline),
				"last_heartbeat_at": now,
			}
			if instance.Status == string(model.InstanceStatusActive) {
				fields["current_instance_id"] = instance.InstanceID
			}
			if err := s.repo.Agent.UpdateFields(txCtx, existing.AgentID, fields); err != nil {
				return err
			}
			agent, err = s.repo.Agent.Get(txCtx, existing.AgentID)
			return err
		}

		agent = &mysql.Agent{
			AgentID:              uuid.New().String(),
			ClientID:             req.ClientID,
			Hostname:             req.Hostname,
			AgentVersion:         req.AgentVersion,
			CurrentInstanceID:    req.InstanceID,
			Mode:                 string(model.AgentModeAutoSwitch),
			ManualReplicaEnabled: false,
			AutoSwitchEnabled:    true,
			AutoTerminateEnabled: true,
			Status:               string(model.AgentStatusOnline),
			LastHeartbeatAt:      &now,
		}
		if err := s.repo.Agent.Create(txCtx, agent); err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		launch := now
		return s.repo.Instance.Create(txCtx, &mysql.Instance{
			InstanceID:   req.InstanceID,
			AgentID:      agent.AgentID,
			PoolID:       model.BuildPoolID(req.InstanceType, req.AZ),
			InstanceType: req.InstanceType,
			Region:       req.Region,
			AZ:           req.AZ,
			ImageID:      req.ImageID,
			PurchaseMode: string(req.PurchaseMode),
			HourlyPrice:  req.HourlyPrice,
			Status:       string(model.InstanceStatusActive),
			LaunchTime:   launch,
		})
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "agent registered, agent_id: %s, client_id: %s, instance_id: %s, mode: %s",
		agent.AgentID, agent.ClientID, req.InstanceID, agent.Mode)
	domain := mysql.ToAgentDomain(agent)
	return &model.RegisterResponse{AgentID: domain.AgentID, Config: domain.Config()}, nil
}

// Heartbeat records liveness and returns the current flags plus pending commands
func (s *AgentService) Heartbeat(ctx context.Context, agentID string, req *model.HeartbeatRequest) (*model.HeartbeatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	agent, err := s.repo.Agent.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", agentID)
	}

	now := s.clock.Now().UTC()
	if err := s.repo.Agent.RecordHeartbeat(ctx, agentID, string(req.Status), now); err != nil {
		return nil, err
	}
	agent.Status = string(req.Status)
	agent.LastHeartbeatAt = &now

	resp := &model.HeartbeatResponse{
		Config:   mysql.ToAgentDomain(agent).Config(),
		Commands: []*model.AgentCommand{},
	}
	if req.Status == model.AgentStatusOffline {
		return resp, nil
	}

	pending, err := s.repo.Command.ListPending(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, c := range pending {
		resp.Commands = append(resp.Commands, mysql.ToCommandDomain(c))
	}
	return resp, nil
}

// GetAgent retrieves an agent
func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	agent, err := s.repo.Agent.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", agentID)
	}
	return mysql.ToAgentDomain(agent), nil
}

// CheckOwnership fails with not found when the agent does not belong to clientID
func (s *AgentService) CheckOwnership(ctx context.Context, clientID, agentID string) error {
	agent, err := s.repo.Agent.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil || agent.ClientID != clientID {
		return model.Reject(model.ErrNotFound, "agent %s", agentID)
	}
	return nil
}

// ListAgents lists the agents of a client
func (s *AgentService) ListAgents(ctx context.Context, clientID string) ([]*model.Agent, error) {
	agents, err := s.repo.Agent.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		result = append(result, mysql.ToAgentDomain(a))
	}
	return result, nil
}

// CreateCommand queues a manual switch for delivery with the next heartbeat.
// Manual switches are not accepted while the agent switches on its own.
func (s *AgentService) CreateCommand(ctx context.Context, agentID string, req *model.CreateCommandRequest) (*model.AgentCommand, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	agent, err := s.repo.Agent.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", agentID)
	}
	if agent.AutoSwitchEnabled {
		return nil, model.Reject(model.ErrPolicyConflict, "agent %s is in auto_switch mode", agentID)
	}

	cmd := &mysql.AgentCommand{
		CommandID:          uuid.New().String(),
		AgentID:            agentID,
		Kind:               string(model.CommandKindSwitch),
		TargetPoolID:       req.TargetPoolID,
		TargetPurchaseMode: string(req.TargetPurchaseMode),
		Status:             string(model.CommandStatusPending),
		CreatedAt:          s.clock.Now().UTC(),
	}
	if err := s.repo.Command.Create(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to create command: %w", err)
	}
	logger.InfoCtx(ctx, "command queued, command_id: %s, agent_id: %s, target: %s/%s",
		cmd.CommandID, agentID, cmd.TargetPoolID, cmd.TargetPurchaseMode)
	return mysql.ToCommandDomain(cmd), nil
}

// GetCommand retrieves an operator command
func (s *AgentService) GetCommand(ctx context.Context, commandID string) (*model.AgentCommand, error) {
	cmd, err := s.repo.Command.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, model.Reject(model.ErrNotFound, "command %s", commandID)
	}
	return mysql.ToCommandDomain(cmd), nil
}

// CompleteCommand records the agent's execution outcome of a pending command
func (s *AgentService) CompleteCommand(ctx context.Context, commandID string, req *model.CommandResultRequest) (*model.AgentCommand, error) {
	cmd, err := s.repo.Command.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, model.Reject(model.ErrNotFound, "command %s", commandID)
	}

	status := model.CommandStatusExecuted
	if !req.Success {
		status = model.CommandStatusFailed
	}
	now := s.clock.Now().UTC()
	ok, err := s.repo.Command.Complete(ctx, commandID, string(status), req.Result, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.Invalid("command_id", "command %s is already %s", commandID, cmd.Status)
	}
	cmd.Status = string(status)
	cmd.Result = req.Result
	cmd.ExecutedAt = &now
	return mysql.ToCommandDomain(cmd), nil
}

// MarkOffline flips agents without a heartbeat within the timeout to offline
func (s *AgentService) MarkOffline(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-s.heartbeatTimeout)
	n, err := s.repo.Agent.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.AgentsOffline.Add(float64(n))
		logger.WarnCtx(ctx, "marked %d agents offline, no heartbeat since %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// RetireInstance records that a superseded instance finished draining.
// With auto-terminate enabled the cloud instance is stopped through the provisioner.
func (s *AgentService) RetireInstance(ctx context.Context, agentID, instanceID string, req *model.RetireRequest) (*model.Instance, error) {
	agent, err := s.repo.Agent.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", agentID)
	}
	instance, err := s.repo.Instance.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil || instance.AgentID != agentID {
		return nil, model.Reject(model.ErrNotFound, "instance %s of agent %s", instanceID, agentID)
	}
	if instance.Status == string(model.InstanceStatusActive) {
		return nil, model.Reject(model.ErrPolicyConflict, "instance %s is still active", instanceID)
	}
	if instance.Status == string(model.InstanceStatusTerminated) {
		return mysql.ToInstanceDomain(instance), nil
	}

	if agent.AutoTerminateEnabled && s.provisioner != nil {
		if err := s.provisioner.Terminate(ctx, instance.Region, instance.InstanceID); err != nil {
			return nil, fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
		}
	}

	at := s.clock.Now().UTC()
	if req != nil && req.TerminatedAt != nil && !req.TerminatedAt.After(at) {
		at = req.TerminatedAt.UTC()
	}
	if err := s.repo.Instance.MarkTerminated(ctx, instanceID, at); err != nil {
		return nil, err
	}
	instance.Status = string(model.InstanceStatusTerminated)
	instance.TerminatedAt = &at

	logger.InfoCtx(ctx, "instance retired, agent_id: %s, instance_id: %s, auto_terminate: %v",
		agentID, instanceID, agent.AutoTerminateEnabled)
	return mysql.ToInstanceDomain(instance), nil
}

// ListInstances lists every instance an agent ever ran on
func (s *AgentService) ListInstances(ctx context.Context, agentID string) ([]*model.Instance, error) {
	instances, err := s.repo.Instance.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Instance, 0, len(instances))
	for _, i := range instances {
		result = append(result, mysql.ToInstanceDomain(i))
	}
	return result, nil
}
