package agent

import (
	"context"
	"testing"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/interfaces"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var terminateNotice = &interfaces.InterruptionNotice{Action: "terminate"}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateActive, StateTerminationImminent, true},
		{StateTerminationImminent, StateReplicaReady, true},
		{StateReplicaReady, StateSwitching, true},
		{StateSwitching, StateRetiring, true},
		{StateRetiring, StateTerminated, true},
		{StateActive, StateRebalanceDetected, true},
		{StateRebalanceDetected, StateActive, true},
		{StateRebalanceDetected, StateSwitching, true},
		{StateRebalanceDetected, StateTerminationImminent, true},
		{StateActive, StateRetiring, false},
		{StateTerminationImminent, StateActive, false},
		{StateRetiring, StateActive, false},
		{StateTerminated, StateActive, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

// volatile makes the current pool's local price history unsafe
func volatile(t *testing.T, env *agentEnv, a *Agent) {
	t.Helper()
	for _, price := range []float64{0.10, 0.05, 0.10} {
		env.clock.Advance(time.Minute)
		env.prices.set("us-east-1a", price)
		require.NoError(t, a.reportPricing(context.Background()))
	}
}

func TestAgent_EmergencySwitchToPricierPool(t *testing.T) {
	env := newAgentEnv(t, 30*time.Second)
	env.provisioner.SetPrice(testPoolB, 0.06)
	a := env.start(t)
	agentID := a.AgentID()
	env.metadata.setNotice(terminateNotice)

	env.drive(t)
	require.NoError(t, await(t, func() error { return a.Run(context.Background()) }))
	assert.Equal(t, StateTerminated, a.State())

	switches := env.switchHistory(t, agentID)
	require.Len(t, switches, 1)
	sw := switches[0]
	assert.Equal(t, model.TriggerEmergency, sw.TriggerType)
	assert.Equal(t, "i-old", sw.OldInstanceID)
	assert.Equal(t, testPoolA, sw.OldPoolID)
	assert.Equal(t, testPoolB, sw.NewPoolID)
	assert.Equal(t, 0.05, sw.OldPrice)
	assert.Equal(t, 0.06, sw.NewPrice)
	assert.InDelta(t, -0.2, sw.SavingsImpact, 1e-9, "a switch to a pricier pool records negative savings")

	events := env.events(t, agentID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventStatusResolved, events[0].Status)
	require.NotNil(t, events[0].ClosedAt)
	require.NotNil(t, events[0].DeadlineAt)
	assert.False(t, events[0].ClosedAt.After(*events[0].DeadlineAt))

	old, err := env.repo.Instance.Get(context.Background(), "i-old")
	require.NoError(t, err)
	assert.Equal(t, string(model.InstanceStatusTerminated), old.Status)
	assert.Positive(t, env.coord.heartbeats)
}

func TestAgent_DeadlineExceeded(t *testing.T) {
	env := newAgentEnv(t, 150*time.Second)
	a := env.start(t)
	agentID := a.AgentID()

	env.drive(t)
	err := await(t, func() error { return a.HandleTermination(context.Background(), terminateNotice) })
	require.Error(t, err)
	assert.Equal(t, StateTerminated, a.State())

	events := env.events(t, agentID)
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, model.EventStatusFailed, event.Status)
	assert.Equal(t, model.FailureDeadlineExceeded, event.Reason)
	require.NotNil(t, event.ClosedAt)
	require.NotNil(t, event.DeadlineAt)
	assert.False(t, event.ClosedAt.After(*event.DeadlineAt), "the event is closed before the deadline")
	assert.Empty(t, env.switchHistory(t, agentID))
}

func TestAgent_FallsBackToNextPool(t *testing.T) {
	env := newAgentEnv(t, 30*time.Second)
	env.prices.set("us-east-1c", 0.07)
	env.provisioner.FailLaunches(testPoolB, interfaces.ErrCapacityUnavailable)
	a := env.start(t)

	env.drive(t)
	require.NoError(t, await(t, func() error { return a.HandleTermination(context.Background(), terminateNotice) }))

	switches := env.switchHistory(t, a.AgentID())
	require.Len(t, switches, 1)
	assert.Equal(t, "m5.large.us-east-1c", switches[0].NewPoolID)
	assert.Equal(t, 2, env.coord.replicasCreated())
}

func TestAgent_DuplicateNoticeIgnored(t *testing.T) {
	env := newAgentEnv(t, 30*time.Second)
	a := env.start(t)
	agentID := a.AgentID()
	ctx := context.Background()

	env.drive(t)
	first := make(chan error, 1)
	go func() { first <- a.HandleTermination(ctx, terminateNotice) }()
	require.Eventually(t, func() bool { return a.State() != StateActive }, 5*time.Second, time.Millisecond)

	require.NoError(t, a.HandleTermination(ctx, terminateNotice))

	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("termination did not finish")
	}
	assert.Len(t, env.events(t, agentID), 1)
	assert.Equal(t, 1, env.coord.replicasCreated())
	assert.Len(t, env.switchHistory(t, agentID), 1)
}

func TestAgent_ReusesManualStandby(t *testing.T) {
	env := newAgentEnv(t, 30*time.Second)
	a := env.start(t)
	agentID := a.AgentID()
	ctx := context.Background()

	_, err := env.coord.switches.SetMode(ctx, agentID, model.AgentModeManualReplica)
	require.NoError(t, err)
	standby, err := env.coord.replicas.CreateReplica(ctx, &model.CreateReplicaRequest{
		AgentID:          agentID,
		ParentInstanceID: "i-old",
		PoolID:           testPoolB,
		Strategy:         model.ReplicaStrategyManual,
	})
	require.NoError(t, err)
	_, err = env.coord.replicas.MarkReady(ctx, standby.ReplicaID)
	require.NoError(t, err)
	created := env.coord.replicasCreated()

	env.drive(t)
	require.NoError(t, await(t, func() error { return a.HandleTermination(ctx, terminateNotice) }))

	switches := env.switchHistory(t, agentID)
	require.Len(t, switches, 1)
	assert.Equal(t, standby.ReplicaID, switches[0].ReplicaID)
	assert.Equal(t, created, env.coord.replicasCreated(), "no replica launched")
}

func TestAgent_RebalanceDeclined(t *testing.T) {
	env := newAgentEnv(t, 30*time.Second)
	a := env.start(t)
	agentID := a.AgentID()
	ctx := context.Background()

	// Three steady samples rate the current pool safe
	for i := 0; i < 2; i++ {
		env.clock.Advance(time.Minute)
		require.NoError(t, a.reportPricing(ctx))
	}

	notice := &interfaces.RebalanceNotice{NoticeTime: env.clock.Now()}
	require.NoError(t, a.HandleRebalance(ctx, notice))
	assert.Equal(t, StateActive, a.State())

	events := env.events(t, agentID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTypeRebalanceRecommendation, events[0].EventType)
	assert.Equal(t, model.EventStatusResolved, events[0].Status)
	assert.Equal(t, "declined: pool is safe", events[0].Reason)

	// The same recommendation is handled once
	require.NoError(t, a.HandleRebalance(ctx, notice))
	assert.Len(t, env.events(t, agentID), 1)

	_, err := env.coord.switches.SetMode(ctx, agentID, model.AgentModeManualReplica)
	require.NoError(t, err)
	require.NoError(t, a.heartbeat(ctx))
	volatile(t, env, a)

	require.NoError(t, a.HandleRebalance(ctx, &interfaces.RebalanceNotice{NoticeTime: env.clock.Now()}))
	events = env.events(t, agentID)
	require.Len(t, events, 2)
	assert.Equal(t, "declined: auto switch disabled", events[0].Reason)
	assert.Zero(t, env.coord.replicasCreated())
	assert.Equal(t, StateActive, a.State())
}

func TestAgent_RebalanceSwitchesOffVolatilePool(t *testing.T) {
	env := newAgentEnv(t, 30*time.Second)
	a := env.start(t)
	agentID := a.AgentID()
	volatile(t, env, a)

	env.drive(t)
	require.NoError(t, await(t, func() error {
		return a.HandleRebalance(context.Background(), &interfaces.RebalanceNotice{NoticeTime: env.clock.Now()})
	}))
	assert.Equal(t, StateTerminated, a.State())

	switches := env.switchHistory(t, agentID)
	require.Len(t, switches, 1)
	assert.Equal(t, model.TriggerAuto, switches[0].TriggerType)
	assert.Equal(t, testPoolB, switches[0].NewPoolID)

	events := env.events(t, agentID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventStatusResolved, events[0].Status)
}

// pendingReplica returns the replica of the running rebalance or command, if any
func pendingReplica(a *Agent) *model.Replica {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.work == nil {
		return nil
	}
	return a.work.replica
}

func TestAgent_TerminationPreemptsRebalance(t *testing.T) {
	env := newAgentEnv(t, time.Minute)
	a := env.start(t)
	agentID := a.AgentID()
	ctx := context.Background()
	volatile(t, env, a)

	env.drive(t)
	rebalanced := make(chan error, 1)
	go func() {
		rebalanced <- a.HandleRebalance(ctx, &interfaces.RebalanceNotice{NoticeTime: env.clock.Now()})
	}()
	require.Eventually(t, func() bool { return pendingReplica(a) != nil }, 5*time.Second, time.Millisecond)
	handedOver := pendingReplica(a)

	require.NoError(t, await(t, func() error { return a.HandleTermination(ctx, terminateNotice) }))
	select {
	case err := <-rebalanced:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("rebalance did not return")
	}
	assert.Equal(t, StateTerminated, a.State())
	assert.Equal(t, 1, env.coord.replicasCreated(), "the rebalance replica is reused")

	events := env.events(t, agentID)
	require.Len(t, events, 1, "the rebalance event is upgraded in place")
	assert.Equal(t, model.EventTypeTerminationNotice, events[0].EventType)
	assert.Equal(t, model.EventStatusResolved, events[0].Status)

	switches := env.switchHistory(t, agentID)
	require.Len(t, switches, 1)
	assert.Equal(t, model.TriggerEmergency, switches[0].TriggerType)
	assert.Equal(t, handedOver.ReplicaID, switches[0].ReplicaID)
}

func TestAgent_SwitchCommand(t *testing.T) {
	env := newAgentEnv(t, 30*time.Second)
	a := env.start(t)
	agentID := a.AgentID()
	ctx := context.Background()

	_, err := env.coord.switches.SetMode(ctx, agentID, model.AgentModeManualReplica)
	require.NoError(t, err)
	cmd, err := env.coord.agents.CreateCommand(ctx, agentID, &model.CreateCommandRequest{TargetPoolID: testPoolB})
	require.NoError(t, err)

	env.drive(t)
	require.NoError(t, a.heartbeat(ctx))
	select {
	case <-a.Terminated():
	case <-time.After(20 * time.Second):
		t.Fatal("command did not finish")
	}
	a.background.Wait()

	stored, err := env.repo.Command.Get(ctx, cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, string(model.CommandStatusExecuted), stored.Status)

	switches := env.switchHistory(t, agentID)
	require.Len(t, switches, 1)
	assert.Equal(t, model.TriggerManual, switches[0].TriggerType)
	assert.Equal(t, testPoolB, switches[0].NewPoolID)
}

type stubCleaner struct{}

func (stubCleaner) Cleanup(_ context.Context, now time.Time) (map[string]*model.ResourceCleanup, error) {
	return map[string]*model.ResourceCleanup{
		"snapshots": {Deleted: []string{"snap-1"}, Failed: []string{}, CutoffDate: now.AddDate(0, 0, -7).Format("2006-01-02")},
	}, nil
}

func TestAgent_ReportCleanup(t *testing.T) {
	env := newAgentEnv(t, 30*time.Second)
	a := env.start(t)
	a.cleaner = stubCleaner{}
	ctx := context.Background()

	require.NoError(t, a.reportCleanup(ctx))
	entries, err := env.coord.cleanups.ListCleanups(ctx, a.AgentID(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Deleted)
	assert.Equal(t, "2026-02-23", entries[0].Classes["snapshots"].CutoffDate)
}
