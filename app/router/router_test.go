package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"spotfleet/app/handler"
	"spotfleet/app/middleware"
	"spotfleet/internal/model"
	"spotfleet/internal/service"
	"spotfleet/pkg/cloud/local"
	"spotfleet/pkg/risk"
	"spotfleet/pkg/store/mysql"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminKey    = "admin-key"
	tokenAcme   = "token-acme"
	tokenGlobex = "token-globex"
)

var testStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type apiEnv struct {
	engine *gin.Engine
	clock  clockwork.FakeClock
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])
	ds, err := mysql.NewSQLiteDatastore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	require.NoError(t, ds.Migrate(context.Background()))
	repo := mysql.NewRepositoryWithDatastore(ds)

	ctx := context.Background()
	require.NoError(t, repo.Client.Create(ctx, &mysql.Client{ClientID: "acme", Name: "Acme", Token: tokenAcme}))
	require.NoError(t, repo.Client.Create(ctx, &mysql.Client{ClientID: "globex", Name: "Globex", Token: tokenGlobex}))

	clock := clockwork.NewFakeClockAt(testStart)
	provisioner := local.NewProvisioner(clock, 0)
	replicas := service.NewReplicaService(repo, provisioner, clock, 5*time.Minute)
	agents := service.NewAgentService(repo, provisioner, clock, 3*time.Minute)
	terminations := service.NewTerminationService(repo, clock, 2*time.Minute)
	switches := service.NewSwitchService(repo, replicas, clock, 30*time.Second)
	pools := service.NewPoolService(repo, risk.NewAnalyzer(risk.DefaultPolicy()), nil, nil, clock, 7*24*time.Hour)
	savings := service.NewSavingsService(repo, clock)

	r := NewRouter(
		handler.NewAgentHandler(agents, terminations, switches, service.NewCleanupService(repo)),
		handler.NewReplicaHandler(replicas, agents),
		handler.NewSwitchHandler(switches, pools, agents),
		handler.NewSavingsHandler(savings, clock),
		middleware.AuthMiddleware(adminKey, agents),
	)
	engine := gin.New()
	r.Setup(engine)
	return &apiEnv{engine: engine, clock: clock}
}

func (e *apiEnv) call(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func (e *apiEnv) register(t *testing.T, token, instanceID string) string {
	t.Helper()
	w := e.call(t, http.MethodPost, "/api/v1/agents/register", token, model.RegisterRequest{
		Hostname:     "web-1",
		AgentVersion: "1.0.0",
		InstanceID:   instanceID,
		InstanceType: "m5.large",
		AZ:           "us-east-1a",
		ImageID:      "ami-1",
		HourlyPrice:  0.05,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp model.RegisterResponse
	decode(t, w, &resp)
	require.NotEmpty(t, resp.AgentID)
	return resp.AgentID
}

func TestRouter_Auth(t *testing.T) {
	env := newAPIEnv(t)

	w := env.call(t, http.MethodPost, "/api/v1/agents/register", "", model.RegisterRequest{InstanceID: "i-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.call(t, http.MethodPost, "/api/v1/agents/register", "wrong", model.RegisterRequest{InstanceID: "i-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	agentID := env.register(t, tokenAcme, "i-1")

	// Another client's token cannot see the agent
	w = env.call(t, http.MethodGet, "/api/v1/agents/"+agentID, tokenGlobex, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.call(t, http.MethodGet, "/api/v1/clients/acme/agents", tokenGlobex, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The admin key sees everything
	w = env.call(t, http.MethodGet, "/api/v1/clients/acme/agents", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Agents []*model.Agent `json:"agents"`
	}
	decode(t, w, &body)
	require.Len(t, body.Agents, 1)
	assert.Equal(t, agentID, body.Agents[0].AgentID)
	assert.Equal(t, model.AgentModeAutoSwitch, body.Agents[0].Mode)

	// Health and metrics stay public
	assert.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestRouter_EmergencySwitch(t *testing.T) {
	env := newAPIEnv(t)
	agentID := env.register(t, tokenAcme, "i-old")
	agentPath := "/api/v1/agents/" + agentID

	w := env.call(t, http.MethodPost, agentPath+"/heartbeat", tokenAcme, model.HeartbeatRequest{InstanceID: "i-old"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.call(t, http.MethodPost, agentPath+"/pricing", tokenAcme, model.PricingReport{
		Region:       "us-east-1",
		InstanceType: "m5.large",
		Pools: []*model.PoolPrice{
			{InstanceType: "m5.large", AZ: "us-east-1a", Price: 0.05},
			{InstanceType: "m5.large", AZ: "us-east-1b", Price: 0.06},
		},
		ReportedAt: testStart,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stored struct {
		Stored int `json:"stored"`
	}
	decode(t, w, &stored)
	assert.Equal(t, 2, stored.Stored)

	w = env.call(t, http.MethodGet, agentPath+"/pools", tokenAcme, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pools struct {
		Pools []model.RankedPool `json:"pools"`
	}
	decode(t, w, &pools)
	require.NotEmpty(t, pools.Pools)
	assert.Equal(t, "m5.large.us-east-1b", pools.Pools[0].PoolID)

	signal := model.SignalRequest{
		InstanceID: "i-old",
		Kind:       model.EventTypeTerminationNotice,
		Action:     "terminate",
		DetectedAt: testStart,
	}
	w = env.call(t, http.MethodPost, agentPath+"/signals", tokenAcme, signal)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first model.SignalResult
	decode(t, w, &first)
	require.NotNil(t, first.Event)
	assert.False(t, first.Duplicate)

	signal.DetectedAt = testStart.Add(time.Second)
	w = env.call(t, http.MethodPost, agentPath+"/signals", tokenAcme, signal)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var dup model.SignalResult
	decode(t, w, &dup)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.Event.EventID, dup.Event.EventID)

	w = env.call(t, http.MethodPost, agentPath+"/replicas", tokenAcme, model.CreateReplicaRequest{
		ParentInstanceID:   "i-old",
		PoolID:             "m5.large.us-east-1b",
		Strategy:           model.ReplicaStrategyEmergency,
		TerminationEventID: first.Event.EventID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var replica model.Replica
	decode(t, w, &replica)

	w = env.call(t, http.MethodGet, "/api/v1/replicas/"+replica.ReplicaID, tokenAcme, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &replica)
	assert.Equal(t, model.ReplicaStatusReady, replica.Status)

	w = env.call(t, http.MethodGet, agentPath+"/replicas?status=ready", tokenAcme, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Replicas []*model.Replica `json:"replicas"`
	}
	decode(t, w, &listed)
	require.Len(t, listed.Replicas, 1)

	commit := model.CommitSwitchRequest{
		ReplicaID:          replica.ReplicaID,
		TriggerType:        model.TriggerEmergency,
		TerminationEventID: first.Event.EventID,
	}
	w = env.call(t, http.MethodPost, agentPath+"/switches", tokenAcme, commit)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sw model.Switch
	decode(t, w, &sw)
	assert.Equal(t, "i-old", sw.OldInstanceID)
	assert.Equal(t, model.TriggerEmergency, sw.TriggerType)

	// A replay of the commit is a conflict
	w = env.call(t, http.MethodPost, agentPath+"/switches", tokenAcme, commit)
	require.Equal(t, http.StatusConflict, w.Code)
	var conflict struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	decode(t, w, &conflict)
	assert.Equal(t, "candidate_not_ready", conflict.Code)
	assert.NotEmpty(t, conflict.Error)

	// The event was resolved by the commit
	w = env.call(t, http.MethodPost, "/api/v1/events/"+first.Event.EventID+"/fail", tokenAcme, model.CloseEventRequest{Reason: "late"})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	decode(t, w, &conflict)
	assert.Equal(t, "event_closed", conflict.Code)

	w = env.call(t, http.MethodPost, agentPath+"/instances/i-old/retire", tokenAcme, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var retired model.Instance
	decode(t, w, &retired)
	assert.Equal(t, model.InstanceStatusTerminated, retired.Status)

	w = env.call(t, http.MethodGet, agentPath+"/switches?limit=5", tokenAcme, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page model.SwitchPage
	decode(t, w, &page)
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Switches, 1)
	assert.Equal(t, sw.SwitchID, page.Switches[0].SwitchID)
}

func TestRouter_ModeAndCommands(t *testing.T) {
	env := newAPIEnv(t)
	agentID := env.register(t, tokenAcme, "i-1")
	agentPath := "/api/v1/agents/" + agentID
	command := model.CreateCommandRequest{TargetPoolID: "m5.large.us-east-1b"}

	w := env.call(t, http.MethodPost, agentPath+"/commands", adminKey, command)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	var conflict struct {
		Code string `json:"code"`
	}
	decode(t, w, &conflict)
	assert.Equal(t, "policy_conflict", conflict.Code)

	w = env.call(t, http.MethodPut, agentPath+"/mode", adminKey, model.SetModeRequest{Mode: "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.call(t, http.MethodPut, agentPath+"/mode", adminKey, model.SetModeRequest{Mode: model.AgentModeManualReplica})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var agent model.Agent
	decode(t, w, &agent)
	assert.Equal(t, model.AgentModeManualReplica, agent.Mode)
	assert.True(t, agent.ManualReplicaEnabled)
	assert.False(t, agent.AutoSwitchEnabled)

	w = env.call(t, http.MethodPost, agentPath+"/commands", adminKey, command)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var cmd model.AgentCommand
	decode(t, w, &cmd)
	assert.Equal(t, model.CommandStatusPending, cmd.Status)

	w = env.call(t, http.MethodPost, agentPath+"/heartbeat", tokenAcme, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var hb model.HeartbeatResponse
	decode(t, w, &hb)
	require.Len(t, hb.Commands, 1)
	assert.Equal(t, cmd.CommandID, hb.Commands[0].CommandID)
	assert.Equal(t, model.AgentModeManualReplica, hb.Config.Mode)

	// Another client cannot complete the command
	w = env.call(t, http.MethodPost, "/api/v1/commands/"+cmd.CommandID+"/executed", tokenGlobex, model.CommandResultRequest{Success: true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.call(t, http.MethodPost, "/api/v1/commands/"+cmd.CommandID+"/executed", tokenAcme, model.CommandResultRequest{Success: true, Result: "switched"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &cmd)
	assert.Equal(t, model.CommandStatusExecuted, cmd.Status)
}

func TestRouter_Savings(t *testing.T) {
	env := newAPIEnv(t)
	env.register(t, tokenAcme, "i-1")

	w := env.call(t, http.MethodPost, "/api/v1/clients/acme/savings/recompute?date=03-02-2026", tokenAcme, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var bad struct {
		Code string `json:"code"`
	}
	decode(t, w, &bad)
	assert.Equal(t, "invalid_input", bad.Code)

	w = env.call(t, http.MethodPost, "/api/v1/clients/acme/savings/recompute?date=2026-03-01", tokenAcme, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snapshot model.SavingsSnapshot
	decode(t, w, &snapshot)
	assert.Equal(t, "2026-03-01", snapshot.SnapshotDate)
	assert.Equal(t, 0, snapshot.SwitchCount)

	w = env.call(t, http.MethodGet, "/api/v1/clients/acme/savings", tokenAcme, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary model.SavingsSummary
	decode(t, w, &summary)
	assert.Equal(t, "acme", summary.ClientID)
	assert.Equal(t, 0, summary.TotalSwitches)

	w = env.call(t, http.MethodGet, "/api/v1/clients/acme/savings", tokenGlobex, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_ValidationErrors(t *testing.T) {
	env := newAPIEnv(t)
	agentID := env.register(t, tokenAcme, "i-1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+agentID+"/signals", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+tokenAcme)
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.call(t, http.MethodPost, "/api/v1/agents/"+agentID+"/signals", tokenAcme, model.SignalRequest{
		InstanceID: "i-1",
		Kind:       "meteor_strike",
		DetectedAt: testStart,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.call(t, http.MethodGet, "/api/v1/replicas/missing", tokenAcme, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.call(t, http.MethodGet, "/api/v1/agents/"+agentID+"/switches?limit=abc", tokenAcme, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
