package webhook

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// Handler is the webhook ingress endpoint.
type Handler struct {
	ingress *IngressService
}

func NewHandler(ingress *IngressService) *Handler {
	return &Handler{ingress: ingress}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhooks/github", h.github)
}

func (h *Handler) github(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20))
	if err != nil {
		respondError(c, apperrors.InvalidInput("failed to read request body"))
		return
	}

	e, err := h.ingress.Ingest(c.Request.Context(), Delivery{
		Source:     c.ClientIP(),
		DeliveryID: c.GetHeader("X-GitHub-Delivery"),
		EventType:  c.GetHeader("X-GitHub-Event"),
		Signature:  c.GetHeader("X-Hub-Signature-256"),
		Body:       body,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": e.ID, "delivery_id": e.DeliveryID})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"detail": apperrors.Detail(err)})
}
