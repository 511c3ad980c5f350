package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"

	"github.com/djinnbot/djinnbot/internal/agent/registry"
)

// ChatService owns ad-hoc chat sessions: creating the session record,
// queueing user messages for the agent runtime, and tearing the session down.
type ChatService struct {
	repo     Repository
	router   *Router
	bus      bus.EventBus
	registry *registry.Registry
	logger   *logger.Logger

	now func() time.Time
}

func NewChatService(repo Repository, router *Router, eventBus bus.EventBus, reg *registry.Registry, log *logger.Logger) *ChatService {
	return &ChatService{
		repo:     repo,
		router:   router,
		bus:      eventBus,
		registry: reg,
		logger:   log,
		now:      time.Now,
	}
}

// Start creates a chat session for an agent and announces it on the live
// meta-channel so the runtime supervisor picks it up.
func (s *ChatService) Start(ctx context.Context, agentID, model string) (*Session, error) {
	agent, err := s.registry.Get(agentID)
	if err != nil {
		return nil, apperrors.NotFound("agent", agentID)
	}
	if model == "" {
		model = agent.Model
	}

	sess := &Session{
		ID:        "sess_" + uuid.NewString(),
		AgentID:   agentID,
		Status:    StatusStarting,
		Model:     model,
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.announce(ctx, "session_started", sess)
	s.logger.Info("chat session started",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", agentID))
	return sess, nil
}

// Message queues a user message for the session's runtime and nudges it over
// the control channel.
func (s *ChatService) Message(ctx context.Context, sessionID, content string) (*Session, error) {
	if content == "" {
		return nil, apperrors.InvalidInput("message content is required")
	}
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsLive() {
		return nil, apperrors.PreconditionFailed(sess.Status, "message")
	}

	if err := s.bus.ListPush(ctx, events.SessionMessagesKey(sessionID), content); err != nil {
		return nil, apperrors.BusUnavailable(err)
	}
	signal, _ := json.Marshal(map[string]string{"action": "message", "session_id": sessionID})
	if err := s.bus.Publish(ctx, events.SessionControlChannel(sessionID), signal); err != nil {
		return nil, apperrors.BusUnavailable(err)
	}

	now := s.now().UnixMilli()
	sess.MessageCount++
	sess.LastActivityAt = &now
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Stop aborts a live session. Stopping a finished session is a no-op.
func (s *ChatService) Stop(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return sess, nil
	}

	signal, _ := json.Marshal(map[string]string{"action": "abort", "session_id": sessionID})
	if err := s.bus.Publish(ctx, events.SessionControlChannel(sessionID), signal); err != nil {
		return nil, apperrors.BusUnavailable(err)
	}
	if _, err := s.router.Publish(ctx, sessionID, events.SessionResponseAborted, nil); err != nil {
		s.logger.Error("failed to publish abort frame",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	now := s.now().UnixMilli()
	sess.Status = StatusCancelled
	sess.CompletedAt = &now
	sess.LastActivityAt = &now
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.bus.Delete(ctx, events.SessionMessagesKey(sessionID)); err != nil {
		s.logger.Warn("failed to drop message queue",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	s.announce(ctx, "session_ended", sess)
	return sess, nil
}

// MarkRunning records that the runtime attached a container to the session.
func (s *ChatService) MarkRunning(ctx context.Context, sessionID, containerID string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return nil, apperrors.PreconditionFailed(sess.Status, StatusRunning)
	}
	now := s.now().UnixMilli()
	sess.Status = StatusRunning
	sess.ContainerID = containerID
	if sess.StartedAt == nil {
		sess.StartedAt = &now
	}
	sess.LastActivityAt = &now
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.announce(ctx, "session_running", sess)
	return sess, nil
}

// Finish records the terminal status reported by the runtime. Idempotent for
// sessions already terminal.
func (s *ChatService) Finish(ctx context.Context, sessionID, status string) (*Session, error) {
	if status != StatusCompleted && status != StatusFailed && status != StatusCancelled {
		return nil, apperrors.InvalidInput("invalid terminal session status " + status)
	}
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return sess, nil
	}
	now := s.now().UnixMilli()
	sess.Status = status
	sess.CompletedAt = &now
	sess.LastActivityAt = &now
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.announce(ctx, "session_ended", sess)
	return sess, nil
}

// List returns session records, optionally restricted to one agent or to
// live sessions.
func (s *ChatService) List(ctx context.Context, agentID string, liveOnly bool, limit int) ([]*Session, error) {
	return s.repo.ListSessions(ctx, agentID, liveOnly, limit)
}

func (s *ChatService) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// NextMessage pops the oldest queued user message, if any. Called by the
// runtime bridge when the control channel signals.
func (s *ChatService) NextMessage(ctx context.Context, sessionID string) (string, bool, error) {
	msg, ok, err := s.bus.ListPop(ctx, events.SessionMessagesKey(sessionID))
	if err != nil {
		return "", false, apperrors.BusUnavailable(err)
	}
	return msg, ok, nil
}

func (s *ChatService) announce(ctx context.Context, event string, sess *Session) {
	payload, _ := json.Marshal(map[string]string{
		"event":      event,
		"session_id": sess.ID,
		"agent_id":   sess.AgentID,
		"status":     sess.Status,
	})
	if err := s.bus.Publish(ctx, events.SessionsLiveChannel, payload); err != nil {
		s.logger.Error("failed to announce session",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}
