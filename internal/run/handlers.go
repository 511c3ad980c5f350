package run

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// Handler exposes the run dispatch API.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// RegisterRoutes mounts the run endpoints under /v1/runs.
func (h *Handler) RegisterRoutes(v1 *gin.RouterGroup) {
	runs := v1.Group("/runs")
	runs.POST("/", h.createRun)
	runs.GET("/", h.listRuns)
	runs.GET("/:id", h.getRun)
	runs.POST("/:id/cancel", h.action((*Dispatcher).Cancel))
	runs.POST("/:id/pause", h.action((*Dispatcher).Pause))
	runs.POST("/:id/resume", h.action((*Dispatcher).Resume))
	runs.POST("/:id/restart", h.action((*Dispatcher).Restart))
	runs.POST("/:id/delete", h.deleteRun)
}

func (h *Handler) createRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}
	r, err := h.dispatcher.CreateRun(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": r.ID, "status": r.Status})
}

func (h *Handler) getRun(c *gin.Context) {
	r, steps, err := h.dispatcher.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": r, "steps": steps})
}

func (h *Handler) listRuns(c *gin.Context) {
	runs, err := h.dispatcher.ListRuns(c.Request.Context(), c.Query("project_id"), 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handler) action(fn func(*Dispatcher, context.Context, string) (*Run, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := fn(h.dispatcher, c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": r.ID, "status": r.Status})
	}
}

func (h *Handler) deleteRun(c *gin.Context) {
	if err := h.dispatcher.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"detail": apperrors.Detail(err)})
}
