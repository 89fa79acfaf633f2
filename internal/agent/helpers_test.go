package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"spotfleet/internal/model"
	"spotfleet/internal/service"
	"spotfleet/pkg/cloud/local"
	"spotfleet/pkg/config"
	"spotfleet/pkg/interfaces"
	"spotfleet/pkg/risk"
	"spotfleet/pkg/store/mysql"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

const (
	testClient = "client-1"
	testPoolA  = "m5.large.us-east-1a"
	testPoolB  = "m5.large.us-east-1b"
)

// serviceCoordinator serves the Coordinator interface from in-process services
type serviceCoordinator struct {
	clientID     string
	agents       *service.AgentService
	terminations *service.TerminationService
	pools        *service.PoolService
	replicas     *service.ReplicaService
	switches     *service.SwitchService
	cleanups     *service.CleanupService

	mu         sync.Mutex
	created    int
	heartbeats int
}

func (c *serviceCoordinator) Register(ctx context.Context, req *model.RegisterRequest) (*model.RegisterResponse, error) {
	req.ClientID = c.clientID
	return c.agents.Register(ctx, req)
}

func (c *serviceCoordinator) Heartbeat(ctx context.Context, agentID string, req *model.HeartbeatRequest) (*model.HeartbeatResponse, error) {
	c.mu.Lock()
	c.heartbeats++
	c.mu.Unlock()
	return c.agents.Heartbeat(ctx, agentID, req)
}

func (c *serviceCoordinator) ReportSignal(ctx context.Context, req *model.SignalRequest) (*model.SignalResult, error) {
	return c.terminations.IngestSignal(ctx, req)
}

func (c *serviceCoordinator) ReportPricing(ctx context.Context, report *model.PricingReport) error {
	_, err := c.pools.IngestPricing(ctx, report)
	return err
}

func (c *serviceCoordinator) RankPools(ctx context.Context, agentID string) ([]model.RankedPool, error) {
	return c.pools.RankPools(ctx, agentID)
}

func (c *serviceCoordinator) CreateReplica(ctx context.Context, req *model.CreateReplicaRequest) (*model.Replica, error) {
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	return c.replicas.CreateReplica(ctx, req)
}

func (c *serviceCoordinator) ListReplicas(ctx context.Context, agentID string, statuses ...model.ReplicaStatus) ([]*model.Replica, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	return c.replicas.ListReplicas(ctx, agentID, values)
}

func (c *serviceCoordinator) GetReplica(ctx context.Context, replicaID string) (*model.Replica, error) {
	return c.replicas.RefreshReplica(ctx, replicaID)
}

func (c *serviceCoordinator) TerminateReplica(ctx context.Context, replicaID string) error {
	_, err := c.replicas.TerminateReplica(ctx, replicaID)
	return err
}

func (c *serviceCoordinator) CommitSwitch(ctx context.Context, req *model.CommitSwitchRequest) (*model.Switch, error) {
	return c.switches.CommitSwitch(ctx, req)
}

func (c *serviceCoordinator) FailEvent(ctx context.Context, eventID, reason string) error {
	_, err := c.terminations.FailEvent(ctx, eventID, reason)
	return err
}

func (c *serviceCoordinator) DeclineEvent(ctx context.Context, eventID, reason string) error {
	_, err := c.terminations.DeclineEvent(ctx, eventID, reason)
	return err
}

func (c *serviceCoordinator) RetireInstance(ctx context.Context, agentID, instanceID string, req *model.RetireRequest) error {
	_, err := c.agents.RetireInstance(ctx, agentID, instanceID, req)
	return err
}

func (c *serviceCoordinator) CompleteCommand(ctx context.Context, commandID string, req *model.CommandResultRequest) error {
	_, err := c.agents.CompleteCommand(ctx, commandID, req)
	return err
}

func (c *serviceCoordinator) ReportCleanup(ctx context.Context, report *model.CleanupReport) error {
	_, err := c.cleanups.RecordCleanup(ctx, report)
	return err
}

func (c *serviceCoordinator) replicasCreated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

type fakeMetadata struct {
	mu        sync.Mutex
	identity  interfaces.InstanceIdentity
	notice    *interfaces.InterruptionNotice
	rebalance *interfaces.RebalanceNotice
}

func (m *fakeMetadata) Identity(context.Context) (*interfaces.InstanceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity := m.identity
	return &identity, nil
}

func (m *fakeMetadata) InterruptionNotice(context.Context) (*interfaces.InterruptionNotice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notice, nil
}

func (m *fakeMetadata) RebalanceRecommendation(context.Context) (*interfaces.RebalanceNotice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebalance, nil
}

func (m *fakeMetadata) setNotice(n *interfaces.InterruptionNotice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notice = n
}

// stubPrices reports fixed spot prices per availability zone
type stubPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (s *stubPrices) set(az string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[az] = price
}

func (s *stubPrices) SpotPrices(_ context.Context, _ string, instanceTypes []string) ([]*model.PoolPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PoolPrice
	for _, instanceType := range instanceTypes {
		for az, price := range s.prices {
			out = append(out, &model.PoolPrice{InstanceType: instanceType, AZ: az, Price: price})
		}
	}
	return out, nil
}

type agentEnv struct {
	repo        *mysql.Repository
	clock       clockwork.FakeClock
	provisioner *local.Provisioner
	coord       *serviceCoordinator
	metadata    *fakeMetadata
	prices      *stubPrices
	cfg         config.AgentConfig
}

// newAgentEnv wires the coordinator services over an in-memory database.
// Replicas launched by the local provisioner are running readyAfter their launch.
func newAgentEnv(t *testing.T, readyAfter time.Duration) *agentEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])
	ds, err := mysql.NewSQLiteDatastore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	require.NoError(t, ds.Migrate(context.Background()))

	repo := mysql.NewRepositoryWithDatastore(ds)
	clock := clockwork.NewFakeClockAt(testStart)
	provisioner := local.NewProvisioner(clock, readyAfter)
	replicas := service.NewReplicaService(repo, provisioner, clock, 5*time.Minute)

	cfg := config.DefaultAgentConfig()
	cfg.CoordinatorURL = "http://coordinator.test"

	return &agentEnv{
		repo:        repo,
		clock:       clock,
		provisioner: provisioner,
		coord: &serviceCoordinator{
			clientID:     testClient,
			agents:       service.NewAgentService(repo, provisioner, clock, 3*time.Minute),
			terminations: service.NewTerminationService(repo, clock, 2*time.Minute),
			pools:        service.NewPoolService(repo, risk.NewAnalyzer(risk.DefaultPolicy()), nil, nil, clock, 7*24*time.Hour),
			replicas:     replicas,
			switches:     service.NewSwitchService(repo, replicas, clock, 30*time.Second),
			cleanups:     service.NewCleanupService(repo),
		},
		metadata: &fakeMetadata{identity: interfaces.InstanceIdentity{
			InstanceID:   "i-old",
			InstanceType: "m5.large",
			Region:       "us-east-1",
			AZ:           "us-east-1a",
			ImageID:      "ami-1",
			Hostname:     "web-1",
			PurchaseMode: string(model.PurchaseModeSpot),
		}},
		prices: &stubPrices{prices: map[string]float64{"us-east-1a": 0.05, "us-east-1b": 0.06}},
		cfg:    cfg,
	}
}

// start registers a new agent and feeds one pricing report so pools can be ranked
func (e *agentEnv) start(t *testing.T) *Agent {
	t.Helper()
	a := New(e.cfg, e.coord, Options{
		Metadata: e.metadata,
		Prices:   e.prices,
		Clock:    e.clock,
	})
	ctx := context.Background()
	require.NoError(t, a.Register(ctx))
	require.NoError(t, a.reportPricing(ctx))
	return a
}

// drive advances the fake clock one second at a time until the returned stop is called
func (e *agentEnv) drive(t *testing.T) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			default:
			}
			e.clock.Advance(time.Second)
			time.Sleep(5 * time.Millisecond)
		}
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
	t.Cleanup(stop)
	return stop
}

// await runs fn in the background and waits for it in real time
func await(t *testing.T, fn func() error) error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- fn() }()
	select {
	case err := <-result:
		return err
	case <-time.After(20 * time.Second):
		t.Fatal("agent did not finish")
		return nil
	}
}

func (e *agentEnv) events(t *testing.T, agentID string) []*model.TerminationEvent {
	t.Helper()
	events, err := e.coord.terminations.ListEvents(context.Background(), agentID, 10)
	require.NoError(t, err)
	return events
}

func (e *agentEnv) switchHistory(t *testing.T, agentID string) []*model.Switch {
	t.Helper()
	page, err := e.coord.switches.ListSwitches(context.Background(), model.SwitchQuery{AgentID: agentID, Limit: 10})
	require.NoError(t, err)
	return page.Switches
}
