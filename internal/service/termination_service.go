package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/logger"
	"spotfleet/pkg/metrics"
	"spotfleet/pkg/store/mysql"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

const expiryBatchSize = 100

// TerminationService ingests interruption signals and closes termination events
type TerminationService struct {
	repo  *mysql.Repository
	clock clockwork.Clock
	grace time.Duration
}

// NewTerminationService creates a new termination service.
// grace is the notice window used when the provider announces no action time.
func NewTerminationService(repo *mysql.Repository, clock clockwork.Clock, grace time.Duration) *TerminationService {
	return &TerminationService{repo: repo, clock: clock, grace: grace}
}

// IngestSignal records a termination notice or rebalance recommendation.
// Ingestion is idempotent per agent instance: a repeated signal returns the open
// event flagged as duplicate, and a termination notice arriving for an open
// rebalance event upgrades that event in place.
func (s *TerminationService) IngestSignal(ctx context.Context, req *model.SignalRequest) (*model.SignalResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.DetectedAt = req.DetectedAt.UTC()

	agent, err := s.repo.Agent.Get(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, model.Reject(model.ErrNotFound, "agent %s", req.AgentID)
	}
	instance, err := s.repo.Instance.Get(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, model.Reject(model.ErrNotFound, "instance %s", req.InstanceID)
	}
	if instance.AgentID != agent.AgentID {
		return nil, model.Invalid("instance_id", "instance %s does not belong to agent %s", instance.InstanceID, agent.AgentID)
	}

	result, err := s.ingest(ctx, req, instance)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the insert race against a concurrent delivery of the same signal
		result, err = s.ingest(ctx, req, instance)
	}
	if err != nil {
		return nil, err
	}

	outcome := "created"
	switch {
	case result.Upgraded:
		outcome = "upgraded"
	case result.Duplicate:
		outcome = "duplicate"
	}
	metrics.SignalsReceived.WithLabelValues(string(req.Kind), outcome).Inc()

	if req.Kind == model.EventTypeTerminationNotice && !result.Duplicate {
		if err := s.repo.Agent.UpdateFields(ctx, agent.AgentID, map[string]interface{}{
			"status": string(model.AgentStatusTerminating),
		}); err != nil {
			logger.WarnCtx(ctx, "failed to mark agent %s terminating: %v", agent.AgentID, err)
		}
	}

	logger.InfoCtx(ctx, "signal ingested, agent_id: %s, instance_id: %s, kind: %s, event_id: %s, outcome: %s",
		req.AgentID, req.InstanceID, req.Kind, result.Event.EventID, outcome)
	return result, nil
}

func (s *TerminationService) ingest(ctx context.Context, req *model.SignalRequest, instance *mysql.Instance) (*model.SignalResult, error) {
	open, err := s.repo.TerminationEvent.GetOpen(ctx, req.AgentID, req.InstanceID)
	if err != nil {
		return nil, err
	}

	if open == nil {
		event := &mysql.TerminationEvent{
			EventID:    uuid.New().String(),
			AgentID:    req.AgentID,
			InstanceID: req.InstanceID,
			PoolID:     instance.PoolID,
			EventType:  string(req.Kind),
			Action:     req.Action,
			DetectedAt: req.DetectedAt,
			Status:     string(model.EventStatusDetected),
		}
		if req.Kind == model.EventTypeTerminationNotice {
			deadline := model.TerminationDeadline(req.DetectedAt, req.ActionTime, s.grace)
			event.DeadlineAt = &deadline
		}
		if err := s.repo.TerminationEvent.Create(ctx, event); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to create termination event: %w", err)
		}
		return &model.SignalResult{Event: mysql.ToEventDomain(event)}, nil
	}

	if open.EventType == string(model.EventTypeRebalanceRecommendation) && req.Kind == model.EventTypeTerminationNotice {
		deadline := model.TerminationDeadline(req.DetectedAt, req.ActionTime, s.grace)
		ok, err := s.repo.TerminationEvent.UpdateOpen(ctx, open.EventID, map[string]interface{}{
			"event_type":  string(model.EventTypeTerminationNotice),
			"action":      req.Action,
			"deadline_at": deadline,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			open.EventType = string(model.EventTypeTerminationNotice)
			open.Action = req.Action
			open.DeadlineAt = &deadline
			return &model.SignalResult{Event: mysql.ToEventDomain(open), Upgraded: true}, nil
		}
		// Closed between the read and the update; the next signal opens a new event
		return s.ingest(ctx, req, instance)
	}

	return &model.SignalResult{Event: mysql.ToEventDomain(open), Duplicate: true}, nil
}

// GetEvent retrieves a termination event
func (s *TerminationService) GetEvent(ctx context.Context, eventID string) (*model.TerminationEvent, error) {
	event, err := s.repo.TerminationEvent.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, model.Reject(model.ErrNotFound, "termination event %s", eventID)
	}
	return mysql.ToEventDomain(event), nil
}

// ListEvents retrieves recent termination events of an agent
func (s *TerminationService) ListEvents(ctx context.Context, agentID string, limit int) ([]*model.TerminationEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	events, err := s.repo.TerminationEvent.ListByAgent(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	result := make([]*model.TerminationEvent, 0, len(events))
	for _, e := range events {
		result = append(result, mysql.ToEventDomain(e))
	}
	return result, nil
}

// FailEvent closes an open event as failed
func (s *TerminationService) FailEvent(ctx context.Context, eventID, reason string) (*model.TerminationEvent, error) {
	if reason == "" {
		reason = model.FailureDeadlineExceeded
	}
	return s.close(ctx, eventID, model.EventStatusFailed, reason, nil)
}

// DeclineEvent resolves an open rebalance recommendation without switching
func (s *TerminationService) DeclineEvent(ctx context.Context, eventID, reason string) (*model.TerminationEvent, error) {
	resolution := model.ResolutionDeclined
	if reason != "" {
		resolution = model.ResolutionDeclined + ": " + reason
	}
	return s.close(ctx, eventID, model.EventStatusResolved, resolution, func(e *mysql.TerminationEvent) error {
		if e.EventType != string(model.EventTypeRebalanceRecommendation) {
			return model.Invalid("event_id", "only rebalance recommendations can be declined, event %s is a %s", e.EventID, e.EventType)
		}
		return nil
	})
}

func (s *TerminationService) close(ctx context.Context, eventID string, status model.EventStatus, reason string, check func(*mysql.TerminationEvent) error) (*model.TerminationEvent, error) {
	event, err := s.repo.TerminationEvent.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, model.Reject(model.ErrNotFound, "termination event %s", eventID)
	}
	if !model.EventStatus(event.Status).Open() {
		return nil, model.Reject(model.ErrEventClosed, "event %s is %s", eventID, event.Status)
	}
	if check != nil {
		if err := check(event); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now().UTC()
	ok, err := s.repo.TerminationEvent.Close(ctx, eventID, string(status), reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.Reject(model.ErrEventClosed, "event %s closed concurrently", eventID)
	}

	event.Status = string(status)
	event.Reason = reason
	event.ClosedAt = &now
	event.OpenKey = nil

	metricReason := reason
	if status == model.EventStatusResolved {
		metricReason = model.ResolutionDeclined
	}
	metrics.TerminationEventsClosed.WithLabelValues(string(status), metricReason).Inc()
	if status == model.EventStatusFailed {
		logger.WarnCtx(ctx, "termination event failed, event_id: %s, agent_id: %s, reason: %s",
			eventID, event.AgentID, reason)
	} else {
		logger.InfoCtx(ctx, "termination event closed, event_id: %s, agent_id: %s, status: %s, reason: %s",
			eventID, event.AgentID, status, reason)
	}
	return mysql.ToEventDomain(event), nil
}

// ExpireDeadlines fails open events whose deadline passed without resolution,
// which happens when the agent died before it could report the outcome
func (s *TerminationService) ExpireDeadlines(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	expired, err := s.repo.TerminationEvent.ListExpired(ctx, now, expiryBatchSize)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, e := range expired {
		ok, err := s.repo.TerminationEvent.Close(ctx, e.EventID, string(model.EventStatusFailed), model.FailureDeadlineExceeded, now)
		if err != nil {
			logger.WarnCtx(ctx, "failed to expire event %s: %v", e.EventID, err)
			continue
		}
		if ok {
			failed++
			metrics.TerminationEventsClosed.WithLabelValues(string(model.EventStatusFailed), model.FailureDeadlineExceeded).Inc()
		}
	}
	if failed > 0 {
		logger.WarnCtx(ctx, "expired %d termination events past their deadline", failed)
	}
	return failed, nil
}
