package retrieval

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// Handler exposes retrieval feedback over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	agents := rg.Group("/agents/:id/retrieval")
	agents.GET("/scores", h.listScores)
	agents.POST("/access", h.recordAccess)
	agents.POST("/outcome", h.recordOutcome)
}

func (h *Handler) listScores(c *gin.Context) {
	scores, err := h.svc.ListScores(c.Request.Context(), c.Param("id"), 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores})
}

type accessRequest struct {
	MemoryID string `json:"memory_id" binding:"required"`
}

func (h *Handler) recordAccess(c *gin.Context) {
	var req accessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("memory_id is required"))
		return
	}
	if err := h.svc.RecordAccess(c.Request.Context(), c.Param("id"), req.MemoryID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type outcomeRequest struct {
	MemoryID  string `json:"memory_id" binding:"required"`
	Succeeded bool   `json:"succeeded"`
}

func (h *Handler) recordOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("memory_id is required"))
		return
	}
	if err := h.svc.RecordOutcome(c.Request.Context(), c.Param("id"), req.MemoryID, req.Succeeded); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"detail": apperrors.Detail(err)})
}
