package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spotfleet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitSwitch_EmergencyToPricierPool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.switches.AddListener(env.savings)

	agentID := env.register(t, "i-old", 0.05)
	env.provisioner.SetPrice(testPoolB, 0.06)

	event := env.terminationNotice(t, agentID, "i-old")
	require.NotNil(t, event.DeadlineAt)
	assert.WithinDuration(t, testStart.Add(2*time.Minute), *event.DeadlineAt, 0)

	replica := env.readyReplica(t, agentID, "i-old", testPoolB, model.ReplicaStrategyEmergency, event.EventID)
	assert.Equal(t, 0.06, replica.HourlyPrice)

	env.clock.Advance(30 * time.Second)
	sw, err := env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   replica.ReplicaID,
		TriggerType: model.TriggerEmergency,
	})
	require.NoError(t, err)

	assert.Equal(t, "i-old", sw.OldInstanceID)
	assert.Equal(t, replica.CloudInstanceID, sw.NewInstanceID)
	assert.Equal(t, 0.05, sw.OldPrice)
	assert.Equal(t, 0.06, sw.NewPrice)
	assert.InDelta(t, -0.2, sw.SavingsImpact, 1e-9)
	assert.Equal(t, testPoolA, sw.OldPoolID)
	assert.Equal(t, testPoolB, sw.NewPoolID)
	require.NotNil(t, sw.TerminationEventID)
	assert.Equal(t, event.EventID, *sw.TerminationEventID)

	closed, err := env.terminations.GetEvent(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusResolved, closed.Status)
	require.NotNil(t, closed.EmergencyReplicaID)
	assert.Equal(t, replica.ReplicaID, *closed.EmergencyReplicaID)

	old, err := env.repo.Instance.Get(ctx, "i-old")
	require.NoError(t, err)
	assert.Equal(t, string(model.InstanceStatusSuperseded), old.Status)

	active, err := env.repo.Instance.GetActive(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, replica.CloudInstanceID, active.InstanceID)
	assert.Equal(t, testPoolB, active.PoolID)

	agent, err := env.agents.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, replica.CloudInstanceID, agent.CurrentInstanceID)
	assert.Equal(t, model.AgentStatusOnline, agent.Status)

	// One hour on the pricier pool costs a cent
	env.clock.Advance(time.Hour)
	require.NoError(t, env.repo.Instance.MarkTerminated(ctx, replica.CloudInstanceID, env.clock.Now()))
	snap, err := env.savings.RecomputeDaily(ctx, testClient, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "-0.0100", snap.DailySavings)
	assert.Equal(t, 1, snap.SwitchCount)
	assert.Equal(t, "-20.00", snap.AverageSavingsPercent)
}

func TestCommitSwitch_TriggerPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := env.register(t, "i-old", 0.05)

	replica := env.readyReplica(t, agentID, "i-old", testPoolB, model.ReplicaStrategyAuto, "")

	_, err := env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   replica.ReplicaID,
		TriggerType: model.TriggerManual,
	})
	assert.ErrorIs(t, err, model.ErrPolicyConflict, "manual commits are refused in auto_switch mode")

	_, err = env.switches.SetMode(ctx, agentID, model.AgentModeManualReplica)
	require.NoError(t, err)

	// The auto replica went away with the mode change
	got, err := env.replicas.GetReplica(ctx, replica.ReplicaID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplicaStatusTerminated, got.Status)
	assert.True(t, env.provisioner.Terminated(replica.CloudInstanceID))

	manual := env.readyReplica(t, agentID, "i-old", testPoolB, model.ReplicaStrategyManual, "")
	_, err = env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   manual.ReplicaID,
		TriggerType: model.TriggerAuto,
	})
	assert.ErrorIs(t, err, model.ErrPolicyConflict, "auto commits need auto_switch mode")

	sw, err := env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   manual.ReplicaID,
		TriggerType: model.TriggerManual,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TriggerManual, sw.TriggerType)
	assert.Nil(t, sw.TerminationEventID)
}

func TestCommitSwitch_CandidateChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := env.register(t, "i-old", 0.05)

	pending, err := env.replicas.CreateReplica(ctx, &model.CreateReplicaRequest{
		AgentID:          agentID,
		ParentInstanceID: "i-old",
		PoolID:           testPoolB,
		Strategy:         model.ReplicaStrategyAuto,
	})
	require.NoError(t, err)

	_, err = env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   pending.ReplicaID,
		TriggerType: model.TriggerAuto,
	})
	assert.ErrorIs(t, err, model.ErrCandidateNotReady)

	_, err = env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   "missing",
		TriggerType: model.TriggerAuto,
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   pending.ReplicaID,
		TriggerType: "sideways",
	})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	// Emergency commits need an open termination event
	ready := env.readyReplica(t, agentID, "i-old", testPoolB, model.ReplicaStrategyAuto, "")
	_, err = env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   ready.ReplicaID,
		TriggerType: model.TriggerEmergency,
	})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   ready.ReplicaID,
		TriggerType: model.TriggerAuto,
	})
	require.NoError(t, err)

	_, err = env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
		AgentID:     agentID,
		ReplicaID:   ready.ReplicaID,
		TriggerType: model.TriggerAuto,
	})
	assert.ErrorIs(t, err, model.ErrCandidateNotReady, "the replica's parent is no longer active")
}

func TestCommitSwitch_SingleFlightLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := env.register(t, "i-old", 0.05)
	replica := env.readyReplica(t, agentID, "i-old", testPoolB, model.ReplicaStrategyAuto, "")

	// Another coordinator holds the lease
	now := env.clock.Now()
	held, err := env.repo.Agent.AcquireSwitchLease(ctx, agentID, "other-holder", now, now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, held)

	req := &model.CommitSwitchRequest{AgentID: agentID, ReplicaID: replica.ReplicaID, TriggerType: model.TriggerAuto}
	_, err = env.switches.CommitSwitch(ctx, req)
	assert.ErrorIs(t, err, model.ErrConcurrentSwitchInProgress)

	_, err = env.switches.SetMode(ctx, agentID, model.AgentModeManualReplica)
	assert.ErrorIs(t, err, model.ErrConcurrentSwitchInProgress, "mode changes wait for the switch")

	// An abandoned lease expires
	env.clock.Advance(31 * time.Second)
	sw, err := env.switches.CommitSwitch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, replica.CloudInstanceID, sw.NewInstanceID)

	// Released after the commit
	now = env.clock.Now()
	held, err = env.repo.Agent.AcquireSwitchLease(ctx, agentID, "next", now, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, held)
}

func TestCommitSwitch_ConcurrentCommitsPromoteOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := env.register(t, "i-old", 0.05)
	replica := env.readyReplica(t, agentID, "i-old", testPoolB, model.ReplicaStrategyAuto, "")

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
				AgentID:     agentID,
				ReplicaID:   replica.ReplicaID,
				TriggerType: model.TriggerAuto,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t,
			errors.Is(err, model.ErrConcurrentSwitchInProgress) ||
				errors.Is(err, model.ErrCandidateNotReady) ||
				errors.Is(err, model.ErrAlreadyPromoted),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	page, err := env.switches.ListSwitches(ctx, model.SwitchQuery{AgentID: agentID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestSetMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := env.register(t, "i-old", 0.05)

	agent, err := env.agents.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentModeAutoSwitch, agent.Mode)
	assert.True(t, agent.AutoSwitchEnabled)
	assert.False(t, agent.ManualReplicaEnabled)

	agent, err = env.switches.SetMode(ctx, agentID, model.AgentModeManualReplica)
	require.NoError(t, err)
	assert.Equal(t, model.AgentModeManualReplica, agent.Mode)
	assert.True(t, agent.ManualReplicaEnabled)
	assert.False(t, agent.AutoSwitchEnabled)

	manual := env.readyReplica(t, agentID, "i-old", testPoolB, model.ReplicaStrategyManual, "")

	_, err = env.replicas.CreateReplica(ctx, &model.CreateReplicaRequest{
		AgentID:          agentID,
		ParentInstanceID: "i-old",
		PoolID:           testPoolB,
		Strategy:         model.ReplicaStrategyAuto,
	})
	assert.ErrorIs(t, err, model.ErrPolicyConflict)

	agent, err = env.switches.SetMode(ctx, agentID, model.AgentModeAutoSwitch)
	require.NoError(t, err)
	assert.False(t, agent.ManualReplicaEnabled)
	assert.True(t, agent.AutoSwitchEnabled)

	got, err := env.replicas.GetReplica(ctx, manual.ReplicaID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplicaStatusTerminated, got.Status, "standby replicas end with manual mode")

	_, err = env.switches.SetMode(ctx, agentID, "both")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = env.switches.SetMode(ctx, "missing", model.AgentModeAutoSwitch)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListSwitches_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := env.register(t, "i-1", 0.05)

	parent := "i-1"
	for i := 0; i < 3; i++ {
		env.clock.Advance(time.Hour)
		replica := env.readyReplica(t, agentID, parent, testPoolB, model.ReplicaStrategyAuto, "")
		sw, err := env.switches.CommitSwitch(ctx, &model.CommitSwitchRequest{
			AgentID:     agentID,
			ReplicaID:   replica.ReplicaID,
			TriggerType: model.TriggerAuto,
		})
		require.NoError(t, err)
		parent = sw.NewInstanceID
	}

	page, err := env.switches.ListSwitches(ctx, model.SwitchQuery{AgentID: agentID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Switches, 2)
	assert.True(t, page.Switches[0].InitiatedAt.After(page.Switches[1].InitiatedAt))
	assert.Equal(t, parent, page.Switches[0].NewInstanceID)

	from := testStart.Add(150 * time.Minute)
	page, err = env.switches.ListSwitches(ctx, model.SwitchQuery{AgentID: agentID, From: &from})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}
