package lifecycle

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// Handler exposes the lifecycle controller over HTTP.
type Handler struct {
	controller *Controller
}

func NewHandler(controller *Controller) *Handler {
	return &Handler{controller: controller}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	agents := rg.Group("/agents/:id")
	agents.GET("/lifecycle", h.getLifecycle)
	agents.GET("/work-ledger", h.listWorkLedger)
	agents.POST("/wake", h.wake)
	agents.POST("/work-lock", h.acquireLock)
	agents.POST("/work-lock/release", h.releaseLock)
}

func (h *Handler) getLifecycle(c *gin.Context) {
	agentID := c.Param("id")

	st, err := h.controller.GetState(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	depth, err := h.controller.QueueDepth(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id":     agentID,
		"state":        st.State,
		"last_active":  st.LastActive,
		"current_work": st.CurrentWork,
		"last_pulse":   st.LastPulse,
		"next_pulse":   st.NextPulse,
		"queue_depth":  depth,
	})
}

func (h *Handler) listWorkLedger(c *gin.Context) {
	entries, err := h.controller.ListWorkLedger(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": entries})
}

type wakeRequest struct {
	PeerID  string `json:"peer_id"`
	DryRun  bool   `json:"dry_run"`
	Context string `json:"context"`
}

func (h *Handler) wake(c *gin.Context) {
	agentID := c.Param("id")

	var req wakeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		respondError(c, apperrors.InvalidInput("invalid wake request body"))
		return
	}

	var decision WakeDecision
	var err error
	if req.DryRun {
		decision, err = h.controller.TryWake(c.Request.Context(), agentID, req.PeerID)
	} else {
		decision, err = h.controller.Wake(c.Request.Context(), agentID, req.PeerID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

type lockRequest struct {
	WorkKey     string `json:"work_key" binding:"required"`
	SessionID   string `json:"session_id"`
	Description string `json:"description"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

func (h *Handler) acquireLock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("work_key is required"))
		return
	}

	result, err := h.controller.AcquireWorkLock(c.Request.Context(),
		c.Param("id"), req.WorkKey, req.SessionID, req.Description,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if !result.Acquired {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

func (h *Handler) releaseLock(c *gin.Context) {
	var req struct {
		WorkKey string `json:"work_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("work_key is required"))
		return
	}
	if err := h.controller.ReleaseWorkLock(c.Request.Context(), c.Param("id"), req.WorkKey); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"detail": apperrors.Detail(err)})
}
