package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"spotfleet/internal/model"
	"spotfleet/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Context keys set by the auth middleware
const (
	ContextClientID = "client_id"
	ContextAdmin    = "admin"
)

// errorStatus maps a domain error to its HTTP status
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPolicyConflict),
		errors.Is(err, model.ErrConcurrentSwitchInProgress),
		errors.Is(err, model.ErrCandidateNotReady),
		errors.Is(err, model.ErrAlreadyPromoted),
		errors.Is(err, model.ErrEventClosed),
		errors.Is(err, model.ErrSignalDuplicate),
		errors.Is(err, model.ErrDeadlineExceeded):
		return http.StatusConflict
	case errors.Is(err, model.ErrReplicaProvisionFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError writes {"error", "code"} for domain errors and a bare 500 otherwise
func respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	code := model.ErrorCode(err)
	if code == "" {
		logger.ErrorCtx(c.Request.Context(), "%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorCtx(c.Request.Context(), "%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

// bindJSON decodes the request body, answering 400 on malformed input
func bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		respondError(c, model.Invalid("body", "%v", err))
		return false
	}
	return true
}

// bindOptionalJSON accepts an empty body
func bindOptionalJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, model.Invalid("body", "%v", err))
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		respondError(c, model.Invalid(key, "not a number: %q", raw))
		return 0, false
	}
	return n, true
}

func queryList(c *gin.Context, key string) []string {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// callerClient returns the client the request authenticated as, "" for the admin key
func callerClient(c *gin.Context) string {
	if c.GetBool(ContextAdmin) {
		return ""
	}
	return c.GetString(ContextClientID)
}

// authorizeClient rejects a client token acting on another client's data
func authorizeClient(c *gin.Context, clientID string) bool {
	caller := callerClient(c)
	if caller != "" && caller != clientID {
		respondError(c, model.Reject(model.ErrNotFound, "client %s", clientID))
		return false
	}
	return true
}
