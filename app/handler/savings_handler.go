package handler

import (
	"net/http"
	"time"

	"spotfleet/internal/model"
	"spotfleet/internal/service"
	"spotfleet/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

// SavingsHandler handles the savings ledger APIs
type SavingsHandler struct {
	savingsService *service.SavingsService
	clock          clockwork.Clock
}

// NewSavingsHandler creates savings handler
func NewSavingsHandler(savingsService *service.SavingsService, clock clockwork.Clock) *SavingsHandler {
	return &SavingsHandler{
		savingsService: savingsService,
		clock:          clock,
	}
}

// GetSavings returns totals and the monthly series of a client
// @Summary Client savings
// @Tags savings
// @Param client_id path string true "Client ID"
// @Success 200 {object} model.SavingsSummary
// @Router /api/v1/clients/{client_id}/savings [get]
func (h *SavingsHandler) GetSavings(c *gin.Context) {
	clientID := c.Param("client_id")
	if !authorizeClient(c, clientID) {
		return
	}
	summary, err := h.savingsService.GetSavings(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Recompute rebuilds one daily snapshot, ?date=YYYY-MM-DD defaulting to today (UTC)
func (h *SavingsHandler) Recompute(c *gin.Context) {
	clientID := c.Param("client_id")
	if !authorizeClient(c, clientID) {
		return
	}
	date := h.clock.Now().UTC()
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			respondError(c, model.Invalid("date", "expected YYYY-MM-DD, got %q", raw))
			return
		}
		date = parsed
	}

	snapshot, err := h.savingsService.RecomputeDaily(c.Request.Context(), clientID, date)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.InfoCtx(c.Request.Context(), "savings recomputed, client_id: %s, date: %s, daily_savings: %s",
		clientID, snapshot.SnapshotDate, snapshot.DailySavings)
	c.JSON(http.StatusOK, snapshot)
}
