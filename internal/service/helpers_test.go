package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/cloud/local"
	"spotfleet/pkg/store/mysql"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

const (
	testClient       = "client-1"
	testInstanceType = "m5.large"
	testPoolA        = "m5.large.us-east-1a"
	testPoolB        = "m5.large.us-east-1b"
)

type testEnv struct {
	repo         *mysql.Repository
	clock        clockwork.FakeClock
	provisioner  *local.Provisioner
	replicas     *ReplicaService
	switches     *SwitchService
	terminations *TerminationService
	agents       *AgentService
	savings      *SavingsService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])
	ds, err := mysql.NewSQLiteDatastore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	require.NoError(t, ds.Migrate(context.Background()))

	repo := mysql.NewRepositoryWithDatastore(ds)
	clock := clockwork.NewFakeClockAt(testStart)
	provisioner := local.NewProvisioner(clock, 30*time.Second)
	replicas := NewReplicaService(repo, provisioner, clock, 5*time.Minute)

	return &testEnv{
		repo:         repo,
		clock:        clock,
		provisioner:  provisioner,
		replicas:     replicas,
		switches:     NewSwitchService(repo, replicas, clock, 30*time.Second),
		terminations: NewTerminationService(repo, clock, 2*time.Minute),
		agents:       NewAgentService(repo, provisioner, clock, 3*time.Minute),
		savings:      NewSavingsService(repo, clock),
	}
}

// register creates an agent running instanceID in us-east-1a at price
func (e *testEnv) register(t *testing.T, instanceID string, price float64) string {
	t.Helper()
	resp, err := e.agents.Register(context.Background(), &model.RegisterRequest{
		ClientID:     testClient,
		Hostname:     "web-1",
		AgentVersion: "1.0.0",
		InstanceID:   instanceID,
		InstanceType: testInstanceType,
		AZ:           "us-east-1a",
		ImageID:      "ami-1",
		HourlyPrice:  price,
	})
	require.NoError(t, err)
	return resp.AgentID
}

// readyReplica launches a replica of parent into poolID and marks it ready
func (e *testEnv) readyReplica(t *testing.T, agentID, parent, poolID string, strategy model.ReplicaStrategy, eventID string) *model.Replica {
	t.Helper()
	ctx := context.Background()
	replica, err := e.replicas.CreateReplica(ctx, &model.CreateReplicaRequest{
		AgentID:            agentID,
		ParentInstanceID:   parent,
		PoolID:             poolID,
		Strategy:           strategy,
		TerminationEventID: eventID,
	})
	require.NoError(t, err)
	ready, err := e.replicas.MarkReady(ctx, replica.ReplicaID)
	require.NoError(t, err)
	require.Equal(t, model.ReplicaStatusReady, ready.Status)
	return ready
}

// terminationNotice reports a termination notice for instanceID at the current fake time
func (e *testEnv) terminationNotice(t *testing.T, agentID, instanceID string) *model.TerminationEvent {
	t.Helper()
	res, err := e.terminations.IngestSignal(context.Background(), &model.SignalRequest{
		AgentID:    agentID,
		InstanceID: instanceID,
		Kind:       model.EventTypeTerminationNotice,
		Action:     "terminate",
		DetectedAt: e.clock.Now(),
	})
	require.NoError(t, err)
	return res.Event
}
