package mysql

import (
	"spotfleet/internal/model"
)

// ToAgentDomain converts MySQL Agent to domain Agent model
func ToAgentDomain(a *Agent) *model.Agent {
	if a == nil {
		return nil
	}
	return &model.Agent{
		AgentID:              a.AgentID,
		ClientID:             a.ClientID,
		Hostname:             a.Hostname,
		AgentVersion:         a.AgentVersion,
		CurrentInstanceID:    a.CurrentInstanceID,
		Mode:                 model.AgentMode(a.Mode),
		ManualReplicaEnabled: a.ManualReplicaEnabled,
		AutoSwitchEnabled:    a.AutoSwitchEnabled,
		AutoTerminateEnabled: a.AutoTerminateEnabled,
		Status:               model.AgentStatus(a.Status),
		LastHeartbeatAt:      a.LastHeartbeatAt,
		CreatedAt:            a.CreatedAt,
	}
}

// ToInstanceDomain converts MySQL Instance to domain Instance model
func ToInstanceDomain(i *Instance) *model.Instance {
	if i == nil {
		return nil
	}
	return &model.Instance{
		InstanceID:   i.InstanceID,
		AgentID:      i.AgentID,
		PoolID:       i.PoolID,
		InstanceType: i.InstanceType,
		Region:       i.Region,
		AZ:           i.AZ,
		ImageID:      i.ImageID,
		PurchaseMode: model.PurchaseMode(i.PurchaseMode),
		HourlyPrice:  i.HourlyPrice,
		Status:       model.InstanceStatus(i.Status),
		LaunchTime:   i.LaunchTime,
		SupersededAt: i.SupersededAt,
		TerminatedAt: i.TerminatedAt,
	}
}

// ToEventDomain converts MySQL TerminationEvent to domain model
func ToEventDomain(e *TerminationEvent) *model.TerminationEvent {
	if e == nil {
		return nil
	}
	return &model.TerminationEvent{
		EventID:            e.EventID,
		AgentID:            e.AgentID,
		InstanceID:         e.InstanceID,
		PoolID:             e.PoolID,
		EventType:          model.EventType(e.EventType),
		Action:             e.Action,
		DetectedAt:         e.DetectedAt,
		DeadlineAt:         e.DeadlineAt,
		Status:             model.EventStatus(e.Status),
		EmergencyReplicaID: e.EmergencyReplicaID,
		Reason:             e.Reason,
		ClosedAt:           e.ClosedAt,
	}
}

// ToReplicaDomain converts MySQL Replica to domain Replica model
func ToReplicaDomain(r *Replica) *model.Replica {
	if r == nil {
		return nil
	}
	return &model.Replica{
		ReplicaID:          r.ReplicaID,
		AgentID:            r.AgentID,
		ParentInstanceID:   r.ParentInstanceID,
		TerminationEventID: r.TerminationEventID,
		PoolID:             r.PoolID,
		PurchaseMode:       model.PurchaseMode(r.PurchaseMode),
		Strategy:           model.ReplicaStrategy(r.Strategy),
		CloudInstanceID:    r.CloudInstanceID,
		ImageID:            r.ImageID,
		HourlyPrice:        r.HourlyPrice,
		Status:             model.ReplicaStatus(r.Status),
		FailureReason:      r.FailureReason,
		CreatedAt:          r.CreatedAt,
		ReadyAt:            r.ReadyAt,
		TerminatedAt:       r.TerminatedAt,
	}
}

// ToReplicaDomainList converts a list of MySQL replicas
func ToReplicaDomainList(replicas []*Replica) []*model.Replica {
	result := make([]*model.Replica, 0, len(replicas))
	for _, r := range replicas {
		result = append(result, ToReplicaDomain(r))
	}
	return result
}

// ToSwitchDomain converts MySQL Switch to domain Switch model
func ToSwitchDomain(s *Switch) *model.Switch {
	if s == nil {
		return nil
	}
	return &model.Switch{
		SwitchID:           s.SwitchID,
		AgentID:            s.AgentID,
		ClientID:           s.ClientID,
		OldInstanceID:      s.OldInstanceID,
		NewInstanceID:      s.NewInstanceID,
		OldMode:            model.PurchaseMode(s.OldMode),
		NewMode:            model.PurchaseMode(s.NewMode),
		OldPoolID:          s.OldPoolID,
		NewPoolID:          s.NewPoolID,
		OldAZ:              s.OldAZ,
		NewAZ:              s.NewAZ,
		OldPrice:           s.OldPrice,
		NewPrice:           s.NewPrice,
		TriggerType:        model.TriggerType(s.TriggerType),
		SavingsImpact:      s.SavingsImpact,
		TerminationEventID: s.TerminationEventID,
		ReplicaID:          s.ReplicaID,
		InitiatedAt:        s.InitiatedAt,
		CommittedAt:        s.CommittedAt,
	}
}

// ToSavingsDomain converts MySQL SavingsSnapshot to the domain model
func ToSavingsDomain(s *SavingsSnapshot) *model.SavingsSnapshot {
	if s == nil {
		return nil
	}
	return &model.SavingsSnapshot{
		ClientID:              s.ClientID,
		SnapshotDate:          s.SnapshotDate,
		DailySavings:          s.DailySavings.StringFixed(4),
		SwitchCount:           s.SwitchCount,
		InstanceHours:         s.InstanceHours.StringFixed(4),
		AverageSavingsPercent: s.AverageSavingsPercent.StringFixed(2),
	}
}

// ToCommandDomain converts MySQL AgentCommand to the domain model
func ToCommandDomain(c *AgentCommand) *model.AgentCommand {
	if c == nil {
		return nil
	}
	return &model.AgentCommand{
		CommandID:          c.CommandID,
		AgentID:            c.AgentID,
		Kind:               model.CommandKind(c.Kind),
		TargetPoolID:       c.TargetPoolID,
		TargetPurchaseMode: model.PurchaseMode(c.TargetPurchaseMode),
		Status:             model.CommandStatus(c.Status),
		Result:             c.Result,
		CreatedAt:          c.CreatedAt,
		ExecutedAt:         c.ExecutedAt,
	}
}
