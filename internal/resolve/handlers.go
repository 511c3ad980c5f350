package resolve

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// Handler exposes issue resolution over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/resolve/", h.resolve)
}

func (h *Handler) resolve(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("invalid request body"))
		return
	}
	if req.IssueURL == "" {
		respondError(c, apperrors.InvalidInput("issue_url is required"))
		return
	}
	r, err := h.svc.Resolve(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"run_id":      r.ID,
		"pipeline_id": r.PipelineID,
		"status":      r.Status,
	})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"detail": apperrors.Detail(err)})
}
