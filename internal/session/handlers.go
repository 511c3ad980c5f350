package session

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
)

// Handler exposes session streaming and chat over HTTP.
type Handler struct {
	router *Router
	chat   *ChatService
	bus    bus.EventBus
}

func NewHandler(router *Router, chat *ChatService, eventBus bus.EventBus) *Handler {
	return &Handler{router: router, chat: chat, bus: eventBus}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	ev := rg.Group("/events")
	ev.GET("/sessions/:session_id/events", h.sessionEvents)
	ev.GET("/stream/:run_id", h.runEvents)

	sessions := rg.Group("/sessions")
	sessions.GET("/", h.listSessions)
	sessions.GET("/:id", h.getSession)
	sessions.POST("/:id/events", h.ingestEvent)

	chat := rg.Group("/agents/:id/chat")
	chat.POST("/start", h.chatStart)
	chat.POST("/:sid/message", h.chatMessage)
	chat.POST("/:sid/stop", h.chatStop)
}

// sessionEvents is the SSE surface of Subscribe: replay after the client's
// cursor, a connected sentinel, then live frames. Heartbeats go out as SSE
// comments so idle proxies keep the connection open.
func (h *Handler) sessionEvents(c *gin.Context) {
	sessionID := c.Param("session_id")
	since, err := bus.ParseStreamID(c.Query("since"))
	if err != nil {
		respondError(c, apperrors.InvalidInput("invalid since cursor"))
		return
	}

	sub, err := h.router.Subscribe(c.Request.Context(), sessionID, since)
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Close()

	sseHeaders(c)
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-sub.Events()
		if !ok {
			return false
		}
		if ev.Type == events.SessionHeartbeat {
			fmt.Fprint(w, ": heartbeat\n\n")
			return true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		return true
	})
}

// runEvents tails the global stream and forwards the lifecycle events of one
// run as SSE. Live-only; run history lives in the state store.
func (h *Handler) runEvents(c *gin.Context) {
	runID := c.Param("run_id")
	ctx := c.Request.Context()

	var cursor bus.StreamID
	if last, err := h.bus.Last(ctx, events.GlobalStream); err == nil && last != nil {
		cursor = last.ID
	}

	sseHeaders(c)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := h.bus.ReadBlocking(ctx, events.GlobalStream, cursor, 100, 15*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprint(c.Writer, ": retry\n\n")
			c.Writer.Flush()
			time.Sleep(time.Second)
			continue
		}
		if entries == nil {
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
			continue
		}
		for _, entry := range entries {
			cursor = entry.ID
			env, err := events.Decode(entry.Values)
			if err != nil {
				continue
			}
			payload, err := events.DecodePayload[events.RunEvent](env)
			if err != nil || payload.RunID != runID {
				continue
			}
			frame, err := json.Marshal(gin.H{"type": env.Type, "payload": payload, "timestamp": env.Timestamp})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", frame)
		}
		c.Writer.Flush()
	}
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.chat.List(c.Request.Context(),
		c.Query("agent_id"), c.Query("live") == "true", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.chat.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type ingestRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// ingestEvent lets runtimes without direct bus access post session events.
func (h *Handler) ingestEvent(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("event type is required"))
		return
	}
	id, err := h.router.Publish(c.Request.Context(), c.Param("id"), req.Type, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"ok": true}
	if !id.IsZero() {
		resp["stream_id"] = id.String()
	}
	c.JSON(http.StatusAccepted, resp)
}

type chatStartRequest struct {
	Model string `json:"model"`
}

func (h *Handler) chatStart(c *gin.Context) {
	var req chatStartRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		respondError(c, apperrors.InvalidInput("invalid chat start body"))
		return
	}
	sess, err := h.chat.Start(c.Request.Context(), c.Param("id"), req.Model)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": sess.ID, "status": sess.Status})
}

type chatMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) chatMessage(c *gin.Context) {
	var req chatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("content is required"))
		return
	}
	sess, err := h.chat.Message(c.Request.Context(), c.Param("sid"), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sess.ID, "messageCount": sess.MessageCount})
}

func (h *Handler) chatStop(c *gin.Context) {
	sess, err := h.chat.Stop(c.Request.Context(), c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sess.ID, "status": sess.Status})
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"detail": apperrors.Detail(err)})
}
