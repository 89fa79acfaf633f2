package agent

import (
	"context"

	"spotfleet/internal/model"
)

// Coordinator is the central service as seen by an agent.
// Client implements it over HTTP.
type Coordinator interface {
	Register(ctx context.Context, req *model.RegisterRequest) (*model.RegisterResponse, error)
	Heartbeat(ctx context.Context, agentID string, req *model.HeartbeatRequest) (*model.HeartbeatResponse, error)

	// ReportSignal is idempotent per instance, a repeated signal returns the open event
	ReportSignal(ctx context.Context, req *model.SignalRequest) (*model.SignalResult, error)
	ReportPricing(ctx context.Context, report *model.PricingReport) error
	RankPools(ctx context.Context, agentID string) ([]model.RankedPool, error)

	CreateReplica(ctx context.Context, req *model.CreateReplicaRequest) (*model.Replica, error)
	ListReplicas(ctx context.Context, agentID string, statuses ...model.ReplicaStatus) ([]*model.Replica, error)
	// GetReplica refreshes the replica against the provider before returning it
	GetReplica(ctx context.Context, replicaID string) (*model.Replica, error)
	TerminateReplica(ctx context.Context, replicaID string) error

	CommitSwitch(ctx context.Context, req *model.CommitSwitchRequest) (*model.Switch, error)
	FailEvent(ctx context.Context, eventID, reason string) error
	DeclineEvent(ctx context.Context, eventID, reason string) error
	RetireInstance(ctx context.Context, agentID, instanceID string, req *model.RetireRequest) error

	CompleteCommand(ctx context.Context, commandID string, req *model.CommandResultRequest) error
	ReportCleanup(ctx context.Context, report *model.CleanupReport) error
}
