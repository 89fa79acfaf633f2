package handler

import (
	"context"
	"net/http"

	"spotfleet/internal/model"
	"spotfleet/internal/service"

	"github.com/gin-gonic/gin"
)

// ReplicaHandler handles replica lifecycle APIs
type ReplicaHandler struct {
	replicaService *service.ReplicaService
	agentService   *service.AgentService
}

// NewReplicaHandler creates replica handler
func NewReplicaHandler(replicaService *service.ReplicaService, agentService *service.AgentService) *ReplicaHandler {
	return &ReplicaHandler{
		replicaService: replicaService,
		agentService:   agentService,
	}
}

// CreateReplica launches a candidate replica in the requested pool
// @Summary Create replica
// @Tags replicas
// @Accept json
// @Produce json
// @Param agent_id path string true "Agent ID"
// @Param request body model.CreateReplicaRequest true "Replica"
// @Success 201 {object} model.Replica
// @Router /api/v1/agents/{agent_id}/replicas [post]
func (h *ReplicaHandler) CreateReplica(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	var req model.CreateReplicaRequest
	if !bindJSON(c, &req) {
		return
	}
	req.AgentID = agentID

	replica, err := h.replicaService.CreateReplica(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, replica)
}

// ListReplicas lists replicas of an agent, optionally filtered by ?status=a,b
func (h *ReplicaHandler) ListReplicas(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}

	replicas, err := h.replicaService.ListReplicas(c.Request.Context(), agentID, queryList(c, "status"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replicas": replicas})
}

// GetReplica refreshes a replica from the cloud and returns it
// @Summary Get replica
// @Tags replicas
// @Param id path string true "Replica ID"
// @Success 200 {object} model.Replica
// @Router /api/v1/replicas/{id} [get]
func (h *ReplicaHandler) GetReplica(c *gin.Context) {
	h.replicaAction(c, http.StatusOK, h.replicaService.RefreshReplica)
}

// MarkReady records that a replica finished booting
func (h *ReplicaHandler) MarkReady(c *gin.Context) {
	h.replicaAction(c, http.StatusOK, h.replicaService.MarkReady)
}

// TerminateReplica stops a replica and releases its instance
func (h *ReplicaHandler) TerminateReplica(c *gin.Context) {
	h.replicaAction(c, http.StatusOK, h.replicaService.TerminateReplica)
}

func (h *ReplicaHandler) replicaAction(c *gin.Context, status int, action func(ctx context.Context, replicaID string) (*model.Replica, error)) {
	replicaID := c.Param("id")
	if callerClient(c) != "" {
		replica, err := h.replicaService.GetReplica(c.Request.Context(), replicaID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !authorizeAgent(c, h.agentService, replica.AgentID) {
			return
		}
	}

	replica, err := action(c.Request.Context(), replicaID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, replica)
}
