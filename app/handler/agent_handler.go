package handler

import (
	"context"
	"net/http"

	"spotfleet/internal/model"
	"spotfleet/internal/service"
	"spotfleet/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ownershipChecker interface {
	CheckOwnership(ctx context.Context, clientID, agentID string) error
}

// authorizeAgent rejects a client token acting on an agent of another client
func authorizeAgent(c *gin.Context, owners ownershipChecker, agentID string) bool {
	caller := callerClient(c)
	if caller == "" {
		return true
	}
	if err := owners.CheckOwnership(c.Request.Context(), caller, agentID); err != nil {
		respondError(c, err)
		return false
	}
	return true
}

// AgentHandler handles agent registration, heartbeats, signals and operator commands
type AgentHandler struct {
	agentService       *service.AgentService
	terminationService *service.TerminationService
	switchService      *service.SwitchService
	cleanupService     *service.CleanupService
}

// NewAgentHandler creates agent handler
func NewAgentHandler(agentService *service.AgentService, terminationService *service.TerminationService, switchService *service.SwitchService, cleanupService *service.CleanupService) *AgentHandler {
	return &AgentHandler{
		agentService:       agentService,
		terminationService: terminationService,
		switchService:      switchService,
		cleanupService:     cleanupService,
	}
}

// Register binds the calling agent to its instance
// @Summary Register agent
// @Tags agents
// @Accept json
// @Produce json
// @Param request body model.RegisterRequest true "Instance identity"
// @Success 200 {object} model.RegisterResponse
// @Router /api/v1/agents/register [post]
func (h *AgentHandler) Register(c *gin.Context) {
	var req model.RegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	req.ClientID = callerClient(c)
	if req.ClientID == "" {
		// The admin key registers on behalf of the client named in the query
		req.ClientID = c.Query("client_id")
	}

	resp, err := h.agentService.Register(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Heartbeat records agent liveness and returns config plus pending commands
// @Summary Agent heartbeat
// @Tags agents
// @Param agent_id path string true "Agent ID"
// @Success 200 {object} model.HeartbeatResponse
// @Router /api/v1/agents/{agent_id}/heartbeat [post]
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	var req model.HeartbeatRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	resp, err := h.agentService.Heartbeat(c.Request.Context(), agentID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ReportSignal ingests a termination notice or rebalance recommendation.
// A duplicate delivery answers 200 with the open event and duplicate set.
// @Summary Report interruption signal
// @Tags agents
// @Param agent_id path string true "Agent ID"
// @Param request body model.SignalRequest true "Signal"
// @Success 200 {object} model.SignalResult
// @Router /api/v1/agents/{agent_id}/signals [post]
func (h *AgentHandler) ReportSignal(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	var req model.SignalRequest
	if !bindJSON(c, &req) {
		return
	}
	req.AgentID = agentID

	result, err := h.terminationService.IngestSignal(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListEvents lists recent termination events of an agent
func (h *AgentHandler) ListEvents(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	limit, ok := queryInt(c, "limit", 20)
	if !ok {
		return
	}

	events, err := h.terminationService.ListEvents(c.Request.Context(), agentID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// FailEvent closes an open termination event as failed
// @Summary Fail termination event
// @Tags events
// @Param id path string true "Event ID"
// @Param request body model.CloseEventRequest true "Failure reason"
// @Success 200 {object} model.TerminationEvent
// @Router /api/v1/events/{id}/fail [post]
func (h *AgentHandler) FailEvent(c *gin.Context) {
	h.closeEvent(c, h.terminationService.FailEvent)
}

// DeclineEvent closes an open rebalance event without a switch
func (h *AgentHandler) DeclineEvent(c *gin.Context) {
	h.closeEvent(c, h.terminationService.DeclineEvent)
}

func (h *AgentHandler) closeEvent(c *gin.Context, closeFn func(ctx context.Context, eventID, reason string) (*model.TerminationEvent, error)) {
	eventID := c.Param("id")
	var req model.CloseEventRequest
	if !bindJSON(c, &req) {
		return
	}
	if callerClient(c) != "" {
		event, err := h.terminationService.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !authorizeAgent(c, h.agentService, event.AgentID) {
			return
		}
	}

	event, err := closeFn(c.Request.Context(), eventID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// RetireInstance records that a superseded instance finished draining
// @Summary Retire instance
// @Tags agents
// @Param agent_id path string true "Agent ID"
// @Param instance_id path string true "Instance ID"
// @Success 200 {object} model.Instance
// @Router /api/v1/agents/{agent_id}/instances/{instance_id}/retire [post]
func (h *AgentHandler) RetireInstance(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	var req model.RetireRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	instance, err := h.agentService.RetireInstance(c.Request.Context(), agentID, c.Param("instance_id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

// ListInstances lists every instance an agent ran on
func (h *AgentHandler) ListInstances(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	instances, err := h.agentService.ListInstances(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

// ReportCleanup stores an agent's snapshot and image cleanup report
func (h *AgentHandler) ReportCleanup(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	var report model.CleanupReport
	if !bindJSON(c, &report) {
		return
	}
	report.AgentID = agentID

	entry, err := h.cleanupService.RecordCleanup(c.Request.Context(), &report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ListCleanups lists recent cleanup reports of an agent
func (h *AgentHandler) ListCleanups(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	limit, ok := queryInt(c, "limit", 20)
	if !ok {
		return
	}
	entries, err := h.cleanupService.ListCleanups(c.Request.Context(), agentID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleanups": entries})
}

// GetAgent returns one agent
func (h *AgentHandler) GetAgent(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	agent, err := h.agentService.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ListAgents lists the agents of a client
// @Summary List client agents
// @Tags clients
// @Param client_id path string true "Client ID"
// @Router /api/v1/clients/{client_id}/agents [get]
func (h *AgentHandler) ListAgents(c *gin.Context) {
	clientID := c.Param("client_id")
	if !authorizeClient(c, clientID) {
		return
	}
	agents, err := h.agentService.ListAgents(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// SetMode switches an agent between manual replica and auto switch
// @Summary Set agent mode
// @Tags agents
// @Param agent_id path string true "Agent ID"
// @Param request body model.SetModeRequest true "Mode"
// @Success 200 {object} model.Agent
// @Router /api/v1/agents/{agent_id}/mode [put]
func (h *AgentHandler) SetMode(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	var req model.SetModeRequest
	if !bindJSON(c, &req) {
		return
	}

	agent, err := h.switchService.SetMode(c.Request.Context(), agentID, req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.InfoCtx(c.Request.Context(), "operator set mode, agent_id: %s, mode: %s", agentID, req.Mode)
	c.JSON(http.StatusOK, agent)
}

// CreateCommand queues a manual switch for the agent's next heartbeat
func (h *AgentHandler) CreateCommand(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	var req model.CreateCommandRequest
	if !bindJSON(c, &req) {
		return
	}

	cmd, err := h.agentService.CreateCommand(c.Request.Context(), agentID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// CompleteCommand records the agent's execution outcome of a command
func (h *AgentHandler) CompleteCommand(c *gin.Context) {
	commandID := c.Param("id")
	var req model.CommandResultRequest
	if !bindJSON(c, &req) {
		return
	}
	if callerClient(c) != "" {
		cmd, err := h.agentService.GetCommand(c.Request.Context(), commandID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !authorizeAgent(c, h.agentService, cmd.AgentID) {
			return
		}
	}

	cmd, err := h.agentService.CompleteCommand(c.Request.Context(), commandID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}
