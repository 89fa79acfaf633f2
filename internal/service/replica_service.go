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

const reconcileBatchSize = 100

var openReplicaStatuses = []string{string(model.ReplicaStatusProvisioning), string(model.ReplicaStatusReady)}

// ReplicaService manages candidate replacement instances
type ReplicaService struct {
	repo         *mysql.Repository
	provisioner  interfaces.ReplicaProvisioner
	clock        clockwork.Clock
	readyTimeout time.Duration
}

// NewReplicaService creates a new replica service
func NewReplicaService(repo *mysql.Repository, provisioner interfaces.ReplicaProvisioner, clock clockwork.Clock, readyTimeout time.Duration) *ReplicaService {
	return &ReplicaService{
		repo:         repo,
		provisioner:  provisioner,
		clock:        clock,
		readyTimeout: readyTimeout,
	}
}

// CreateReplica records a replica and asks the provisioner to launch it.
// The replica is returned in provisioning once the launch was accepted.
func (s *ReplicaService) CreateReplica(ctx context.Context, req *model.CreateReplicaRequest) (*model.Replica, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	parent, err := s.repo.Instance.Get(ctx, req.ParentInstanceID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, model.Reject(model.ErrNotFound, "instance %s", req.ParentInstanceID)
	}
	if req.AgentID != "" && parent.AgentID != req.AgentID {
		return nil, model.Invalid("parent_instance_id", "instance %s does not belong to agent %s", parent.InstanceID, req.AgentID)
	}
	if parent.Status != string(model.InstanceStatusActive) {
		return nil, model.Invalid("parent_instance_id", "instance %s is %s", parent.InstanceID, parent.Status)
	}

	agent, err := s.repo.Agent.Get(ctx, parent.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", parent.AgentID)
	}
	switch req.Strategy {
	case model.ReplicaStrategyManual:
		if agent.AutoSwitchEnabled {
			return nil, model.Reject(model.ErrPolicyConflict, "agent %s is in auto_switch mode", agent.AgentID)
		}
	case model.ReplicaStrategyAuto:
		if !agent.AutoSwitchEnabled {
			return nil, model.Reject(model.ErrPolicyConflict, "agent %s is not in auto_switch mode", agent.AgentID)
		}
	}

	var eventID *string
	if req.TerminationEventID != "" {
		event, err := s.repo.TerminationEvent.Get(ctx, req.TerminationEventID)
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, model.Reject(model.ErrNotFound, "termination event %s", req.TerminationEventID)
		}
		if event.InstanceID != parent.InstanceID {
			return nil, model.Invalid("termination_event_id", "event %s is for instance %s", event.EventID, event.InstanceID)
		}
		if !model.EventStatus(event.Status).Open() {
			return nil, model.Reject(model.ErrEventClosed, "event %s is %s", event.EventID, event.Status)
		}
		eventID = &event.EventID
	}

	instanceType, az, _ := model.ParsePoolID(req.PoolID)
	replica := &mysql.Replica{
		ReplicaID:          uuid.New().String(),
		AgentID:            parent.AgentID,
		ParentInstanceID:   parent.InstanceID,
		TerminationEventID: eventID,
		PoolID:             req.PoolID,
		PurchaseMode:       string(req.PurchaseMode),
		Strategy:           string(req.Strategy),
		ImageID:            parent.ImageID,
		Status:             string(model.ReplicaStatusProvisioning),
		CreatedAt:          s.clock.Now().UTC(),
	}
	if err := s.repo.Replica.Create(ctx, replica); err != nil {
		return nil, fmt.Errorf("failed to create replica: %w", err)
	}
	if eventID != nil {
		if _, err := s.repo.TerminationEvent.MarkHandling(ctx, *eventID); err != nil {
			logger.WarnCtx(ctx, "failed to mark event %s handling: %v", *eventID, err)
		}
	}

	result, err := s.provisioner.Launch(ctx, &interfaces.LaunchRequest{
		ReplicaID:        replica.ReplicaID,
		ParentInstanceID: parent.InstanceID,
		InstanceType:     instanceType,
		Region:           model.RegionFromAZ(az),
		AZ:               az,
		PurchaseMode:     replica.PurchaseMode,
		ImageID:          parent.ImageID,
		Tags:             map[string]string{"spotfleet:agent-id": parent.AgentID},
	})
	if err != nil {
		reason := fmt.Sprintf("launch failed: %v", err)
		if _, ferr := s.fail(context.WithoutCancel(ctx), replica, reason); ferr != nil {
			logger.ErrorCtx(ctx, "failed to record launch failure of replica %s: %v", replica.ReplicaID, ferr)
		}
		return nil, model.Reject(model.ErrReplicaProvisionFailed, "%v", err)
	}

	price := result.HourlyPrice
	if price <= 0 {
		price = s.latestPrice(ctx, replica.PoolID, replica.PurchaseMode)
	}
	fields := map[string]interface{}{
		"cloud_instance_id": result.CloudInstanceID,
		"hourly_price":      price,
	}
	if _, err := s.repo.Replica.Transition(ctx, replica.ReplicaID, []string{string(model.ReplicaStatusProvisioning)}, fields); err != nil {
		return nil, err
	}
	replica.CloudInstanceID = result.CloudInstanceID
	replica.HourlyPrice = price

	metrics.ReplicaTransitions.WithLabelValues(replica.Strategy, replica.Status).Inc()
	logger.InfoCtx(ctx, "replica created, replica_id: %s, agent_id: %s, pool: %s (%s), strategy: %s, cloud_instance_id: %s",
		replica.ReplicaID, replica.AgentID, replica.PoolID, replica.PurchaseMode, replica.Strategy, replica.CloudInstanceID)

	return mysql.ToReplicaDomain(replica), nil
}

func (s *ReplicaService) latestPrice(ctx context.Context, poolID, purchaseMode string) float64 {
	sample, err := s.repo.PriceSample.Latest(ctx, poolID, purchaseMode)
	if err != nil {
		logger.WarnCtx(ctx, "failed to look up price of pool %s: %v", poolID, err)
		return 0
	}
	if sample == nil {
		return 0
	}
	return sample.Price
}

// GetReplica retrieves a replica without touching the provisioner
func (s *ReplicaService) GetReplica(ctx context.Context, replicaID string) (*model.Replica, error) {
	replica, err := s.repo.Replica.Get(ctx, replicaID)
	if err != nil {
		return nil, err
	}
	if replica == nil {
		return nil, model.Reject(model.ErrNotFound, "replica %s", replicaID)
	}
	return mysql.ToReplicaDomain(replica), nil
}

// ListReplicas retrieves the replicas of an agent, newest first
func (s *ReplicaService) ListReplicas(ctx context.Context, agentID string, statuses []string) ([]*model.Replica, error) {
	replicas, err := s.repo.Replica.ListByAgent(ctx, agentID, statuses)
	if err != nil {
		return nil, err
	}
	return mysql.ToReplicaDomainList(replicas), nil
}

// RefreshReplica polls the provisioner and advances the replica:
// running makes it ready, gone or a missed ready timeout fails it.
func (s *ReplicaService) RefreshReplica(ctx context.Context, replicaID string) (*model.Replica, error) {
	replica, err := s.repo.Replica.Get(ctx, replicaID)
	if err != nil {
		return nil, err
	}
	if replica == nil {
		return nil, model.Reject(model.ErrNotFound, "replica %s", replicaID)
	}
	if !model.ReplicaStatus(replica.Status).Open() {
		return mysql.ToReplicaDomain(replica), nil
	}

	now := s.clock.Now().UTC()
	timedOut := replica.Status == string(model.ReplicaStatusProvisioning) && now.Sub(replica.CreatedAt) > s.readyTimeout

	if replica.CloudInstanceID == "" {
		if timedOut {
			return s.fail(ctx, replica, "launch never completed")
		}
		return mysql.ToReplicaDomain(replica), nil
	}

	state, err := s.provisioner.Describe(ctx, model.RegionFromAZ(poolAZ(replica.PoolID)), replica.CloudInstanceID)
	if err != nil {
		if timedOut {
			return s.failAndTerminate(ctx, replica, fmt.Sprintf("not ready within %s", s.readyTimeout))
		}
		return nil, fmt.Errorf("failed to describe replica %s: %w", replica.ReplicaID, err)
	}

	switch state {
	case interfaces.CloudInstanceRunning:
		if replica.Status == string(model.ReplicaStatusReady) {
			return mysql.ToReplicaDomain(replica), nil
		}
		return s.markReady(ctx, replica, now)
	case interfaces.CloudInstanceGone:
		return s.fail(ctx, replica, "cloud instance is gone")
	default:
		if timedOut {
			return s.failAndTerminate(ctx, replica, fmt.Sprintf("not ready within %s", s.readyTimeout))
		}
		return mysql.ToReplicaDomain(replica), nil
	}
}

// MarkReady is the completion signal of the provisioner. Ready replicas stay ready.
func (s *ReplicaService) MarkReady(ctx context.Context, replicaID string) (*model.Replica, error) {
	replica, err := s.repo.Replica.Get(ctx, replicaID)
	if err != nil {
		return nil, err
	}
	if replica == nil {
		return nil, model.Reject(model.ErrNotFound, "replica %s", replicaID)
	}
	switch model.ReplicaStatus(replica.Status) {
	case model.ReplicaStatusReady:
		return mysql.ToReplicaDomain(replica), nil
	case model.ReplicaStatusProvisioning:
		return s.markReady(ctx, replica, s.clock.Now().UTC())
	default:
		return nil, model.Reject(model.ErrCandidateNotReady, "replica %s is %s", replica.ReplicaID, replica.Status)
	}
}

func (s *ReplicaService) markReady(ctx context.Context, replica *mysql.Replica, now time.Time) (*model.Replica, error) {
	ok, err := s.repo.Replica.Transition(ctx, replica.ReplicaID, []string{string(model.ReplicaStatusProvisioning)}, map[string]interface{}{
		"status":   string(model.ReplicaStatusReady),
		"ready_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.GetReplica(ctx, replica.ReplicaID)
	}
	replica.Status = string(model.ReplicaStatusReady)
	replica.ReadyAt = &now

	metrics.ReplicaTransitions.WithLabelValues(replica.Strategy, replica.Status).Inc()
	logger.InfoCtx(ctx, "replica ready, replica_id: %s, agent_id: %s, pool: %s", replica.ReplicaID, replica.AgentID, replica.PoolID)
	return mysql.ToReplicaDomain(replica), nil
}

func (s *ReplicaService) fail(ctx context.Context, replica *mysql.Replica, reason string) (*model.Replica, error) {
	ok, err := s.repo.Replica.Transition(ctx, replica.ReplicaID, openReplicaStatuses, map[string]interface{}{
		"status":         string(model.ReplicaStatusFailed),
		"failure_reason": reason,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.GetReplica(ctx, replica.ReplicaID)
	}
	replica.Status = string(model.ReplicaStatusFailed)
	replica.FailureReason = reason

	metrics.ReplicaTransitions.WithLabelValues(replica.Strategy, replica.Status).Inc()
	logger.WarnCtx(ctx, "replica failed, replica_id: %s, agent_id: %s, reason: %s", replica.ReplicaID, replica.AgentID, reason)
	return mysql.ToReplicaDomain(replica), nil
}

func (s *ReplicaService) failAndTerminate(ctx context.Context, replica *mysql.Replica, reason string) (*model.Replica, error) {
	if err := s.provisioner.Terminate(ctx, model.RegionFromAZ(poolAZ(replica.PoolID)), replica.CloudInstanceID); err != nil {
		logger.WarnCtx(ctx, "failed to terminate timed out replica %s: %v", replica.ReplicaID, err)
	}
	return s.fail(ctx, replica, reason)
}

// PromoteReplica turns a ready replica into the agent's new active instance.
// eventID, when set, is claimed so the event gets at most one promoted replica.
// The caller must have superseded the previous active instance; when ctx
// carries a transaction the promotion joins it.
func (s *ReplicaService) PromoteReplica(ctx context.Context, replicaID, eventID string) (*model.Instance, error) {
	var promoted *mysql.Instance
	var strategy string
	err := s.repo.GetDatastore().ExecTx(ctx, func(ctx context.Context) error {
		replica, err := s.repo.Replica.Get(ctx, replicaID)
		if err != nil {
			return err
		}
		if replica == nil {
			return model.Reject(model.ErrNotFound, "replica %s", replicaID)
		}
		strategy = replica.Strategy
		switch model.ReplicaStatus(replica.Status) {
		case model.ReplicaStatusReady:
		case model.ReplicaStatusPromoted:
			return model.Reject(model.ErrAlreadyPromoted, "replica %s", replicaID)
		default:
			return model.Reject(model.ErrCandidateNotReady, "replica %s is %s", replicaID, replica.Status)
		}

		if eventID != "" {
			claimed, err := s.repo.TerminationEvent.ClaimPromotion(ctx, eventID, replicaID)
			if err != nil {
				return err
			}
			if !claimed {
				return model.Reject(model.ErrAlreadyPromoted, "event %s already has a promoted replica", eventID)
			}
		}

		ok, err := s.repo.Replica.Transition(ctx, replicaID, []string{string(model.ReplicaStatusReady)}, map[string]interface{}{
			"status": string(model.ReplicaStatusPromoted),
		})
		if err != nil {
			return err
		}
		if !ok {
			return model.Reject(model.ErrAlreadyPromoted, "replica %s changed while promoting", replicaID)
		}

		instanceType, az, err := model.ParsePoolID(replica.PoolID)
		if err != nil {
			return err
		}
		launched := s.clock.Now().UTC()
		if replica.ReadyAt != nil {
			launched = replica.ReadyAt.UTC()
		}
		instanceID := replica.CloudInstanceID
		if instanceID == "" {
			instanceID = replica.ReplicaID
		}
		promoted = &mysql.Instance{
			InstanceID:   instanceID,
			AgentID:      replica.AgentID,
			PoolID:       replica.PoolID,
			InstanceType: instanceType,
			Region:       model.RegionFromAZ(az),
			AZ:           az,
			ImageID:      replica.ImageID,
			PurchaseMode: replica.PurchaseMode,
			HourlyPrice:  replica.HourlyPrice,
			Status:       string(model.InstanceStatusActive),
			LaunchTime:   launched,
		}
		if err := s.repo.Instance.Create(ctx, promoted); err != nil {
			return fmt.Errorf("failed to create promoted instance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ReplicaTransitions.WithLabelValues(strategy, string(model.ReplicaStatusPromoted)).Inc()
	return mysql.ToInstanceDomain(promoted), nil
}

// TerminateReplica stops an open replica. Closed replicas are returned unchanged;
// promoted replicas are the active instance and cannot be terminated here.
func (s *ReplicaService) TerminateReplica(ctx context.Context, replicaID string) (*model.Replica, error) {
	replica, err := s.repo.Replica.Get(ctx, replicaID)
	if err != nil {
		return nil, err
	}
	if replica == nil {
		return nil, model.Reject(model.ErrNotFound, "replica %s", replicaID)
	}
	if replica.Status == string(model.ReplicaStatusPromoted) {
		return nil, model.Reject(model.ErrAlreadyPromoted, "replica %s is the active instance", replicaID)
	}
	if !model.ReplicaStatus(replica.Status).Open() {
		return mysql.ToReplicaDomain(replica), nil
	}

	if replica.CloudInstanceID != "" {
		if err := s.provisioner.Terminate(ctx, model.RegionFromAZ(poolAZ(replica.PoolID)), replica.CloudInstanceID); err != nil {
			return nil, fmt.Errorf("failed to terminate replica %s: %w", replicaID, err)
		}
	}

	now := s.clock.Now().UTC()
	ok, err := s.repo.Replica.Transition(ctx, replicaID, openReplicaStatuses, map[string]interface{}{
		"status":        string(model.ReplicaStatusTerminated),
		"terminated_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.GetReplica(ctx, replicaID)
	}
	replica.Status = string(model.ReplicaStatusTerminated)
	replica.TerminatedAt = &now

	metrics.ReplicaTransitions.WithLabelValues(replica.Strategy, replica.Status).Inc()
	logger.InfoCtx(ctx, "replica terminated, replica_id: %s, agent_id: %s", replica.ReplicaID, replica.AgentID)
	return mysql.ToReplicaDomain(replica), nil
}

// TerminateOpenByStrategy terminates the open replicas an agent holds under the given strategies
func (s *ReplicaService) TerminateOpenByStrategy(ctx context.Context, agentID string, strategies ...model.ReplicaStrategy) (int, error) {
	names := make([]string, 0, len(strategies))
	for _, st := range strategies {
		names = append(names, string(st))
	}
	replicas, err := s.repo.Replica.ListOpenByStrategy(ctx, agentID, names)
	if err != nil {
		return 0, err
	}

	terminated := 0
	for _, r := range replicas {
		if _, err := s.TerminateReplica(ctx, r.ReplicaID); err != nil {
			logger.WarnCtx(ctx, "failed to terminate replica %s: %v", r.ReplicaID, err)
			continue
		}
		terminated++
	}
	return terminated, nil
}

// SweepOrphans terminates open replicas whose parent instance is no longer active
func (s *ReplicaService) SweepOrphans(ctx context.Context) (int, error) {
	orphans, err := s.repo.Replica.ListOrphans(ctx, reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, r := range orphans {
		if _, err := s.TerminateReplica(ctx, r.ReplicaID); err != nil {
			logger.WarnCtx(ctx, "failed to reap orphaned replica %s: %v", r.ReplicaID, err)
			continue
		}
		reaped++
		metrics.OrphansReaped.Inc()
	}
	if reaped > 0 {
		logger.InfoCtx(ctx, "orphan sweep terminated %d replicas", reaped)
	}
	return reaped, nil
}

// ReconcileProvisioning refreshes every provisioning replica
func (s *ReplicaService) ReconcileProvisioning(ctx context.Context) (int, error) {
	replicas, err := s.repo.Replica.ListByStatus(ctx, string(model.ReplicaStatusProvisioning), reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, r := range replicas {
		refreshed, err := s.RefreshReplica(ctx, r.ReplicaID)
		if err != nil {
			logger.WarnCtx(ctx, "failed to refresh replica %s: %v", r.ReplicaID, err)
			continue
		}
		if refreshed.Status != model.ReplicaStatusProvisioning {
			changed++
		}
	}
	return changed, nil
}

func poolAZ(poolID string) string {
	_, az, err := model.ParsePoolID(poolID)
	if err != nil {
		return ""
	}
	return az
}
