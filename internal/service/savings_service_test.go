package service

import (
	"context"
	"testing"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/store/mysql"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day, hour int) time.Time {
	return time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC)
}

// seedSwitchLog stores two consecutive switches of one agent:
// 0.10 -> 0.06 on Mar 1 06:00, then 0.06 -> 0.05 on Mar 2 12:00.
func seedSwitchLog(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, env.repo.Agent.Create(ctx, &mysql.Agent{
		AgentID:  "agent-s",
		ClientID: testClient,
		Mode:     string(model.AgentModeAutoSwitch),
		Status:   string(model.AgentStatusOnline),
	}))

	superseded := at(2, 12)
	for _, inst := range []*mysql.Instance{
		{InstanceID: "i-a", AgentID: "agent-s", PoolID: testPoolA, InstanceType: testInstanceType, Region: "us-east-1", AZ: "us-east-1a", PurchaseMode: "spot", HourlyPrice: 0.10, Status: string(model.InstanceStatusTerminated), LaunchTime: at(1, 0)},
		{InstanceID: "i-b", AgentID: "agent-s", PoolID: testPoolB, InstanceType: testInstanceType, Region: "us-east-1", AZ: "us-east-1b", PurchaseMode: "spot", HourlyPrice: 0.06, Status: string(model.InstanceStatusSuperseded), LaunchTime: at(1, 6), SupersededAt: &superseded},
		{InstanceID: "i-c", AgentID: "agent-s", PoolID: testPoolA, InstanceType: testInstanceType, Region: "us-east-1", AZ: "us-east-1a", PurchaseMode: "spot", HourlyPrice: 0.05, Status: string(model.InstanceStatusActive), LaunchTime: at(2, 12)},
	} {
		require.NoError(t, env.repo.Instance.Create(ctx, inst))
	}

	for _, sw := range []*mysql.Switch{
		{SwitchID: "sw-1", AgentID: "agent-s", ClientID: testClient, OldInstanceID: "i-a", NewInstanceID: "i-b", OldMode: "spot", NewMode: "spot", OldPoolID: testPoolA, NewPoolID: testPoolB, OldAZ: "us-east-1a", NewAZ: "us-east-1b", OldPrice: 0.10, NewPrice: 0.06, TriggerType: string(model.TriggerAuto), SavingsImpact: 0.4, ReplicaID: "r-1", InitiatedAt: at(1, 6), CommittedAt: at(1, 6)},
		{SwitchID: "sw-2", AgentID: "agent-s", ClientID: testClient, OldInstanceID: "i-b", NewInstanceID: "i-c", OldMode: "spot", NewMode: "spot", OldPoolID: testPoolB, NewPoolID: testPoolA, OldAZ: "us-east-1b", NewAZ: "us-east-1a", OldPrice: 0.06, NewPrice: 0.05, TriggerType: string(model.TriggerAuto), SavingsImpact: 0.166667, ReplicaID: "r-2", InitiatedAt: at(2, 12), CommittedAt: at(2, 12)},
	} {
		require.NoError(t, env.repo.Switch.Create(ctx, sw))
	}
	env.clock.Advance(at(3, 10).Sub(env.clock.Now()))
}

func TestRecomputeDaily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedSwitchLog(t, env)

	first, err := env.savings.RecomputeDaily(ctx, testClient, at(1, 15))
	require.NoError(t, err)
	assert.Equal(t, &model.SavingsSnapshot{
		ClientID:              testClient,
		SnapshotDate:          "2026-03-01",
		DailySavings:          "0.7200",
		SwitchCount:           1,
		InstanceHours:         "18.0000",
		AverageSavingsPercent: "40.00",
	}, first)

	// 12h at 0.04 plus 12h at 0.01; only sw-2 was initiated that day
	second, err := env.savings.RecomputeDaily(ctx, testClient, at(2, 0))
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", second.SnapshotDate)
	assert.Equal(t, "0.6000", second.DailySavings)
	assert.Equal(t, 1, second.SwitchCount)
	assert.Equal(t, "24.0000", second.InstanceHours)
	assert.Equal(t, "28.33", second.AverageSavingsPercent)

	// The running instance is not billed while its day is open
	today, err := env.savings.RecomputeDaily(ctx, testClient, at(3, 0))
	require.NoError(t, err)
	assert.Equal(t, "0.0000", today.DailySavings)
	assert.Equal(t, 0, today.SwitchCount)
	assert.Equal(t, "0.0000", today.InstanceHours)

	// Retirement closes the interval
	retired := at(3, 8)
	require.NoError(t, env.repo.Instance.MarkTerminated(ctx, "i-c", retired))
	today, err = env.savings.RecomputeDaily(ctx, testClient, at(3, 0))
	require.NoError(t, err)
	assert.Equal(t, "0.0800", today.DailySavings)
	assert.Equal(t, "8.0000", today.InstanceHours)
}

func TestRecomputeDaily_CurrentDayStable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedSwitchLog(t, env)

	first, err := env.savings.RecomputeDaily(ctx, testClient, env.clock.Now())
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	second, err := env.savings.RecomputeDaily(ctx, testClient, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, first, second, "no new switch or retirement, same snapshot")

	// Once the day is over the running instance is billed through midnight, and stays so
	env.clock.Advance(at(4, 1).Sub(env.clock.Now()))
	closed, err := env.savings.RecomputeDaily(ctx, testClient, at(3, 0))
	require.NoError(t, err)
	assert.Equal(t, "0.2400", closed.DailySavings)
	assert.Equal(t, "24.0000", closed.InstanceHours)

	env.clock.Advance(72 * time.Hour)
	again, err := env.savings.RecomputeDaily(ctx, testClient, at(3, 0))
	require.NoError(t, err)
	assert.Equal(t, closed, again)
}

func TestRecomputeDaily_Deterministic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedSwitchLog(t, env)

	_, err := env.savings.RecomputeDaily(ctx, testClient, at(2, 0))
	require.NoError(t, err)
	before, err := env.repo.Savings.Get(ctx, testClient, "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, before)

	// Later days do not change a closed day
	env.clock.Advance(48 * time.Hour)
	_, err = env.savings.RecomputeDaily(ctx, testClient, at(2, 23))
	require.NoError(t, err)
	after, err := env.repo.Savings.Get(ctx, testClient, "2026-03-02")
	require.NoError(t, err)

	assert.Equal(t, mysql.ToSavingsDomain(before), mysql.ToSavingsDomain(after))
	assert.Equal(t, before.ID, after.ID, "recompute upserts the same row")
}

func TestRecomputeDaily_EmptyDay(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.savings.RecomputeDaily(context.Background(), testClient, at(2, 0))
	require.NoError(t, err)
	assert.Equal(t, "0.0000", snap.DailySavings)
	assert.Equal(t, "0.00", snap.AverageSavingsPercent)

	_, err = env.savings.RecomputeDaily(context.Background(), "", at(2, 0))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestGetSavings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedSwitchLog(t, env)

	for _, day := range []time.Time{at(1, 0), at(2, 0)} {
		_, err := env.savings.RecomputeDaily(ctx, testClient, day)
		require.NoError(t, err)
	}

	summary, err := env.savings.GetSavings(ctx, testClient)
	require.NoError(t, err)
	assert.Equal(t, "1.3200", summary.TotalSavings)
	assert.Equal(t, 2, summary.TotalSwitches)
	assert.Equal(t, "33.33", summary.AverageSavingsPercent)
	require.Len(t, summary.Monthly, 1)
	assert.Equal(t, "2026-03", summary.Monthly[0].Month)
	assert.Equal(t, "1.3200", summary.Monthly[0].Savings)
	assert.Equal(t, 2, summary.Monthly[0].SwitchCount)
	require.NotNil(t, summary.Latest)
	assert.Equal(t, "2026-03-02", summary.Latest.SnapshotDate)

	empty, err := env.savings.GetSavings(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "0.0000", empty.TotalSavings)
	assert.Empty(t, empty.Monthly)
	assert.Nil(t, empty.Latest)
}

func TestRecomputeAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedSwitchLog(t, env)

	done, err := env.savings.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	snaps, err := env.repo.Savings.ListByClient(ctx, testClient)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "2026-03-02", snaps[0].SnapshotDate)
	assert.Equal(t, "2026-03-03", snaps[1].SnapshotDate)
}

func TestParseSnapshotDate(t *testing.T) {
	day, err := ParseSnapshotDate("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, at(2, 0), day)

	_, err = ParseSnapshotDate("03/02/2026")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
