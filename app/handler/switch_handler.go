package handler

import (
	"net/http"
	"time"

	"spotfleet/internal/model"
	"spotfleet/internal/service"

	"github.com/gin-gonic/gin"
)

// SwitchHandler handles switch commits and pool ranking
type SwitchHandler struct {
	switchService *service.SwitchService
	poolService   *service.PoolService
	agentService  *service.AgentService
}

// NewSwitchHandler creates switch handler
func NewSwitchHandler(switchService *service.SwitchService, poolService *service.PoolService, agentService *service.AgentService) *SwitchHandler {
	return &SwitchHandler{
		switchService: switchService,
		poolService:   poolService,
		agentService:  agentService,
	}
}

// CommitSwitch atomically promotes a ready replica to the agent's active instance
// @Summary Commit switch
// @Tags switches
// @Accept json
// @Produce json
// @Param agent_id path string true "Agent ID"
// @Param request body model.CommitSwitchRequest true "Switch"
// @Success 201 {object} model.Switch
// @Failure 409 {object} map[string]string
// @Router /api/v1/agents/{agent_id}/switches [post]
func (h *SwitchHandler) CommitSwitch(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	var req model.CommitSwitchRequest
	if !bindJSON(c, &req) {
		return
	}
	req.AgentID = agentID

	sw, err := h.switchService.CommitSwitch(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sw)
}

// ListSwitches returns switch history, newest first.
// Query: limit, offset, from, to (RFC3339).
func (h *SwitchHandler) ListSwitches(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	q := model.SwitchQuery{AgentID: agentID}
	var ok bool
	if q.Limit, ok = queryInt(c, "limit", 0); !ok {
		return
	}
	if q.Offset, ok = queryInt(c, "offset", 0); !ok {
		return
	}
	if q.From, ok = queryTime(c, "from"); !ok {
		return
	}
	if q.To, ok = queryTime(c, "to"); !ok {
		return
	}

	page, err := h.switchService.ListSwitches(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ReportPricing stores a pool price report from an agent
func (h *SwitchHandler) ReportPricing(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	var report model.PricingReport
	if !bindJSON(c, &report) {
		return
	}
	report.AgentID = agentID

	n, err := h.poolService.IngestPricing(c.Request.Context(), &report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": n})
}

// RankPools returns candidate pools for the agent, safest and cheapest first
// @Summary Rank candidate pools
// @Tags pools
// @Param agent_id path string true "Agent ID"
// @Router /api/v1/agents/{agent_id}/pools [get]
func (h *SwitchHandler) RankPools(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !authorizeAgent(c, h.agentService, agentID) {
		return
	}
	pools, err := h.poolService.RankPools(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pools": pools})
}

func queryTime(c *gin.Context, key string) (*time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondError(c, model.Invalid(key, "not an RFC3339 time: %q", raw))
		return nil, false
	}
	return &t, true
}
