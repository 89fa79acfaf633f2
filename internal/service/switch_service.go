package service

import (
	"context"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/interfaces"
	"spotfleet/pkg/logger"
	"spotfleet/pkg/metrics"
	"spotfleet/pkg/store/mysql"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultSwitchPageSize = 50
	maxSwitchPageSize     = 500
)

// SwitchService commits instance switches and owns the replica strategy mode of agents
type SwitchService struct {
	repo      *mysql.Repository
	replicas  *ReplicaService
	clock     clockwork.Clock
	leaseTTL  time.Duration
	listeners []interfaces.SwitchListener
}

// NewSwitchService creates a new switch service
func NewSwitchService(repo *mysql.Repository, replicas *ReplicaService, clock clockwork.Clock, leaseTTL time.Duration) *SwitchService {
	return &SwitchService{
		repo:     repo,
		replicas: replicas,
		clock:    clock,
		leaseTTL: leaseTTL,
	}
}

// AddListener registers a post-commit listener. Not safe to call once commits are flowing.
func (s *SwitchService) AddListener(l interfaces.SwitchListener) {
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
}

// CommitSwitch atomically promotes a ready replica to the agent's active instance.
// Commits of one agent are single-flight: a second caller gets ErrConcurrentSwitchInProgress.
func (s *SwitchService) CommitSwitch(ctx context.Context, req *model.CommitSwitchRequest) (*model.Switch, error) {
	sw, err := s.commit(ctx, req)
	if err != nil {
		if code := model.ErrorCode(err); code != "" {
			metrics.SwitchRejections.WithLabelValues(code).Inc()
		}
		logger.WarnCtx(ctx, "switch rejected, agent_id: %s, replica_id: %s, trigger: %s, error: %v",
			req.AgentID, req.ReplicaID, req.TriggerType, err)
		return nil, err
	}

	logger.InfoCtx(ctx, "switch committed, switch_id: %s, agent_id: %s, %s -> %s, trigger: %s, savings_impact: %.4f",
		sw.SwitchID, sw.AgentID, sw.OldInstanceID, sw.NewInstanceID, sw.TriggerType, sw.SavingsImpact)

	for _, l := range s.listeners {
		if err := l.OnSwitchCommitted(ctx, sw); err != nil {
			logger.WarnCtx(ctx, "switch listener failed for switch %s: %v", sw.SwitchID, err)
		}
	}
	return sw, nil
}

func (s *SwitchService) commit(ctx context.Context, req *model.CommitSwitchRequest) (*model.Switch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	agent, err := s.repo.Agent.Get(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", req.AgentID)
	}

	token := uuid.New().String()
	now := s.clock.Now().UTC()
	acquired, err := s.repo.Agent.AcquireSwitchLease(ctx, req.AgentID, token, now, now.Add(s.leaseTTL))
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, model.Reject(model.ErrConcurrentSwitchInProgress, "agent %s", req.AgentID)
	}
	defer func() {
		if err := s.repo.Agent.ReleaseSwitchLease(context.WithoutCancel(ctx), req.AgentID, token); err != nil {
			logger.ErrorCtx(ctx, "failed to release switch lease of agent %s: %v", req.AgentID, err)
		}
	}()

	var committed *mysql.Switch
	err = s.repo.GetDatastore().ExecTx(ctx, func(ctx context.Context) error {
		agent, err := s.repo.Agent.Get(ctx, req.AgentID)
		if err != nil {
			return err
		}
		if agent == nil {
			return model.Reject(model.ErrNotFound, "agent %s", req.AgentID)
		}
		if err := checkTriggerPolicy(agent, req.TriggerType); err != nil {
			return err
		}

		old, err := s.repo.Instance.GetActive(ctx, agent.AgentID)
		if err != nil {
			return err
		}
		if old == nil {
			return model.Reject(model.ErrCandidateNotReady, "agent %s has no active instance", agent.AgentID)
		}

		replica, err := s.repo.Replica.Get(ctx, req.ReplicaID)
		if err != nil {
			return err
		}
		if replica == nil {
			return model.Reject(model.ErrNotFound, "replica %s", req.ReplicaID)
		}
		if replica.AgentID != agent.AgentID || replica.ParentInstanceID != old.InstanceID {
			return model.Reject(model.ErrCandidateNotReady, "replica %s does not belong to active instance %s", replica.ReplicaID, old.InstanceID)
		}
		switch model.ReplicaStatus(replica.Status) {
		case model.ReplicaStatusReady:
		case model.ReplicaStatusPromoted:
			return model.Reject(model.ErrAlreadyPromoted, "replica %s", replica.ReplicaID)
		default:
			return model.Reject(model.ErrCandidateNotReady, "replica %s is %s", replica.ReplicaID, replica.Status)
		}

		event, err := s.resolveEvent(ctx, req, agent, old, replica)
		if err != nil {
			return err
		}

		superseded, err := s.repo.Instance.Supersede(ctx, old.InstanceID, now)
		if err != nil {
			return err
		}
		if !superseded {
			return model.Reject(model.ErrCandidateNotReady, "instance %s is no longer active", old.InstanceID)
		}

		var eventID *string
		claim := ""
		if event != nil {
			eventID = &event.EventID
			claim = event.EventID
		}
		promoted, err := s.replicas.PromoteReplica(ctx, replica.ReplicaID, claim)
		if err != nil {
			return err
		}

		initiated := now
		if req.InitiatedAt != nil && !req.InitiatedAt.IsZero() && !req.InitiatedAt.After(now) {
			initiated = req.InitiatedAt.UTC()
		}
		committed = &mysql.Switch{
			SwitchID:           uuid.New().String(),
			AgentID:            agent.AgentID,
			ClientID:           agent.ClientID,
			OldInstanceID:      old.InstanceID,
			NewInstanceID:      promoted.InstanceID,
			OldMode:            old.PurchaseMode,
			NewMode:            string(promoted.PurchaseMode),
			OldPoolID:          old.PoolID,
			NewPoolID:          promoted.PoolID,
			OldAZ:              old.AZ,
			NewAZ:              promoted.AZ,
			OldPrice:           old.HourlyPrice,
			NewPrice:           promoted.HourlyPrice,
			TriggerType:        string(req.TriggerType),
			SavingsImpact:      savingsImpact(old.HourlyPrice, promoted.HourlyPrice),
			TerminationEventID: eventID,
			ReplicaID:          replica.ReplicaID,
			InitiatedAt:        initiated,
			CommittedAt:        now,
		}
		if err := s.repo.Switch.Create(ctx, committed); err != nil {
			return err
		}

		if event != nil {
			closed, err := s.repo.TerminationEvent.Close(ctx, event.EventID, string(model.EventStatusResolved), "", now)
			if err != nil {
				return err
			}
			if !closed {
				return model.Reject(model.ErrEventClosed, "event %s closed during commit", event.EventID)
			}
		}

		return s.repo.Agent.UpdateFields(ctx, agent.AgentID, map[string]interface{}{
			"current_instance_id": promoted.InstanceID,
			"status":              string(model.AgentStatusOnline),
		})
	})
	if err != nil {
		return nil, err
	}

	if committed.TerminationEventID != nil {
		metrics.TerminationEventsClosed.WithLabelValues(string(model.EventStatusResolved), "switched").Inc()
	}
	return mysql.ToSwitchDomain(committed), nil
}

// resolveEvent picks the termination event a commit resolves: the requested one,
// the one the replica was created for, or the open event of the old instance.
// Emergency commits require an event.
func (s *SwitchService) resolveEvent(ctx context.Context, req *model.CommitSwitchRequest, agent *mysql.Agent, old *mysql.Instance, replica *mysql.Replica) (*mysql.TerminationEvent, error) {
	eventID := req.TerminationEventID
	if eventID == "" && replica.TerminationEventID != nil {
		eventID = *replica.TerminationEventID
	}

	var event *mysql.TerminationEvent
	var err error
	if eventID != "" {
		event, err = s.repo.TerminationEvent.Get(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, model.Reject(model.ErrNotFound, "termination event %s", eventID)
		}
	} else {
		event, err = s.repo.TerminationEvent.GetOpen(ctx, agent.AgentID, old.InstanceID)
		if err != nil {
			return nil, err
		}
		if event == nil && req.TriggerType == model.TriggerEmergency {
			return nil, model.Invalid("termination_event_id", "emergency switch of agent %s has no open termination event", agent.AgentID)
		}
	}
	if event == nil {
		return nil, nil
	}

	if event.AgentID != agent.AgentID || event.InstanceID != old.InstanceID {
		return nil, model.Invalid("termination_event_id", "event %s is not for active instance %s", event.EventID, old.InstanceID)
	}
	if !model.EventStatus(event.Status).Open() {
		return nil, model.Reject(model.ErrEventClosed, "event %s is %s", event.EventID, event.Status)
	}
	return event, nil
}

// checkTriggerPolicy enforces the replica strategy of the agent:
// manual commits are refused in auto_switch mode, auto commits need it,
// emergency commits are always allowed.
func checkTriggerPolicy(agent *mysql.Agent, trigger model.TriggerType) error {
	switch trigger {
	case model.TriggerManual:
		if agent.AutoSwitchEnabled {
			return model.Reject(model.ErrPolicyConflict, "manual switch while auto_switch is enabled")
		}
	case model.TriggerAuto:
		if !agent.AutoSwitchEnabled {
			return model.Reject(model.ErrPolicyConflict, "auto switch while auto_switch is disabled")
		}
	}
	return nil
}

func leaseHeld(agent *mysql.Agent, now time.Time) bool {
	return agent.SwitchLockToken != nil && agent.SwitchLockUntil != nil && !agent.SwitchLockUntil.Before(now)
}

func savingsImpact(oldPrice, newPrice float64) float64 {
	if oldPrice <= 0 {
		return 0
	}
	return (oldPrice - newPrice) / oldPrice
}

// SetMode switches the replica strategy of an agent. Both flags are written in
// one statement; open replicas of the abandoned strategy are terminated.
func (s *SwitchService) SetMode(ctx context.Context, agentID string, mode model.AgentMode) (*model.Agent, error) {
	if !mode.Valid() {
		return nil, model.Invalid("mode", "unknown value %q", mode)
	}

	agent, err := s.repo.Agent.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", agentID)
	}
	now := s.clock.Now().UTC()
	manual := mode == model.AgentModeManualReplica
	auto := mode == model.AgentModeAutoSwitch
	updated, err := s.repo.Agent.SetMode(ctx, agentID, string(mode), manual, auto, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		// Either a commit holds the lease or the row already had these values
		agent, err = s.repo.Agent.Get(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			return nil, model.Reject(model.ErrNotFound, "agent %s", agentID)
		}
		if leaseHeld(agent, now) {
			return nil, model.Reject(model.ErrConcurrentSwitchInProgress, "agent %s is switching", agentID)
		}
	}

	abandoned := model.ReplicaStrategyAuto
	if auto {
		abandoned = model.ReplicaStrategyManual
	}
	terminated, err := s.replicas.TerminateOpenByStrategy(ctx, agentID, abandoned)
	if err != nil {
		logger.WarnCtx(ctx, "failed to terminate %s replicas of agent %s: %v", abandoned, agentID, err)
	}

	logger.InfoCtx(ctx, "agent mode set, agent_id: %s, mode: %s, terminated_replicas: %d", agentID, mode, terminated)

	agent.Mode = string(mode)
	agent.ManualReplicaEnabled = manual
	agent.AutoSwitchEnabled = auto
	return mysql.ToAgentDomain(agent), nil
}

// ListSwitches returns one page of an agent's switch history, newest first
func (s *SwitchService) ListSwitches(ctx context.Context, q model.SwitchQuery) (*model.SwitchPage, error) {
	if q.Limit <= 0 {
		q.Limit = defaultSwitchPageSize
	}
	if q.Limit > maxSwitchPageSize {
		q.Limit = maxSwitchPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	switches, total, err := s.repo.Switch.List(ctx, q.AgentID, q.From, q.To, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}

	page := &model.SwitchPage{
		Switches: make([]*model.Switch, 0, len(switches)),
		Total:    total,
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
	for _, sw := range switches {
		page.Switches = append(page.Switches, mysql.ToSwitchDomain(sw))
	}
	return page, nil
}
