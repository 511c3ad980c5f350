package inbox

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// Handler exposes the inbox over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	agents := rg.Group("/agents/:id/inbox")
	agents.POST("", h.send)
	agents.GET("", h.list)
	agents.POST("/read", h.markRead)
	agents.POST("/clear", h.clear)
}

func (h *Handler) send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("invalid message body"))
		return
	}
	req.To = c.Param("id")

	id, err := h.svc.Send(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message_id": id})
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	agentID := c.Param("id")
	messages, err := h.svc.List(c.Request.Context(), agentID, c.Query("filter"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	unread, err := h.svc.UnreadCount(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "unread": unread})
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}

func (h *Handler) markRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("message_ids are required"))
		return
	}
	if err := h.svc.MarkRead(c.Request.Context(), c.Param("id"), req.MessageIDs); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

func (h *Handler) clear(c *gin.Context) {
	var req clearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("invalid clear body"))
		return
	}
	if err := h.svc.Clear(c.Request.Context(), c.Param("id"), req.Confirm); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"detail": apperrors.Detail(err)})
}
