// Package inbox carries durable ordered messages between agents. Messages
// live on a per-agent bus stream; the read/unread boundary is a single
// last-read cursor rather than per-message flags.
package inbox

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
)

// List filters.
const (
	FilterAll           = "all"
	FilterUnread        = "unread"
	FilterUrgent        = "urgent"
	FilterReviewRequest = "review_request"
	FilterHelpRequest   = "help_request"
)

// Message is one inbox entry. The ID is the stream id, so ids order messages
// and double as read cursors.
type Message struct {
	ID          string `json:"id"`
	To          string `json:"to"`
	From        string `json:"from"`
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body"`
	RunContext  string `json:"run_context,omitempty"`
	StepContext string `json:"step_context,omitempty"`
	SentAt      int64  `json:"sent_at"`
	Read        bool   `json:"read"`
}

// SendRequest is the input to Send. Type defaults to info, priority to
// normal.
type SendRequest struct {
	To          string `json:"to"`
	From        string `json:"from"`
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	RunContext  string `json:"run_context"`
	StepContext string `json:"step_context"`
}

// Service owns the inbox streams and read cursors.
type Service struct {
	bus    bus.EventBus
	logger *logger.Logger

	now func() time.Time
}

func NewService(eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{bus: eventBus, logger: log, now: time.Now}
}

func validType(t string) bool {
	switch t {
	case events.InboxInfo, events.InboxReviewRequest, events.InboxHelpRequest,
		events.InboxUrgent, events.InboxWorkAssignment:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case events.PriorityNormal, events.PriorityHigh, events.PriorityUrgent:
		return true
	}
	return false
}

// Send appends a message to the recipient's inbox stream and returns the
// stream id as the message id.
func (s *Service) Send(ctx context.Context, req SendRequest) (string, error) {
	if req.To == "" || req.From == "" {
		return "", apperrors.InvalidInput("sender and recipient are required")
	}
	if req.Body == "" {
		return "", apperrors.InvalidInput("message body is required")
	}
	if req.Type == "" {
		req.Type = events.InboxInfo
	}
	if !validType(req.Type) {
		return "", apperrors.InvalidInput("unknown message type " + req.Type)
	}
	if req.Priority == "" {
		req.Priority = events.PriorityNormal
	}
	if !validPriority(req.Priority) {
		return "", apperrors.InvalidInput("unknown priority " + req.Priority)
	}

	values := map[string]string{
		"from":     req.From,
		"type":     req.Type,
		"priority": req.Priority,
		"body":     req.Body,
		"sent_at":  strconv.FormatInt(s.now().UnixMilli(), 10),
	}
	if req.Subject != "" {
		values["subject"] = req.Subject
	}
	if req.RunContext != "" {
		values["run_context"] = req.RunContext
	}
	if req.StepContext != "" {
		values["step_context"] = req.StepContext
	}

	id, err := s.bus.Append(ctx, events.AgentInboxStream(req.To), values)
	if err != nil {
		return "", apperrors.BusUnavailable(err)
	}
	s.logger.Info("inbox message sent",
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.String("type", req.Type),
		zap.String("message_id", id.String()))
	return id.String(), nil
}

// List returns an agent's messages, newest last, with read state computed
// against the last-read cursor. The stream is not indexed by type, so
// filtering and paging happen here.
func (s *Service) List(ctx context.Context, agentID, filter string, limit, offset int) ([]Message, error) {
	if filter == "" {
		filter = FilterAll
	}
	switch filter {
	case FilterAll, FilterUnread, FilterUrgent, FilterReviewRequest, FilterHelpRequest:
	default:
		return nil, apperrors.InvalidInput("unknown inbox filter " + filter)
	}

	lastRead, err := s.lastRead(ctx, agentID)
	if err != nil {
		return nil, err
	}
	entries, err := s.bus.Range(ctx, events.AgentInboxStream(agentID), bus.StreamID{}, 0)
	if err != nil {
		return nil, apperrors.BusUnavailable(err)
	}

	var out []Message
	for _, entry := range entries {
		m := entryMessage(agentID, entry)
		m.Read = !lastRead.Before(entry.ID)
		if !matchesFilter(m, filter) {
			continue
		}
		out = append(out, m)
	}

	if offset >= len(out) {
		return []Message{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UnreadCount reports how many messages sit past the read cursor.
func (s *Service) UnreadCount(ctx context.Context, agentID string) (int, error) {
	lastRead, err := s.lastRead(ctx, agentID)
	if err != nil {
		return 0, err
	}
	entries, err := s.bus.Range(ctx, events.AgentInboxStream(agentID), lastRead, 0)
	if err != nil {
		return 0, apperrors.BusUnavailable(err)
	}
	return len(entries), nil
}

// MarkRead advances the read cursor to the highest of the given message ids.
// The cursor never moves backwards.
func (s *Service) MarkRead(ctx context.Context, agentID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return apperrors.InvalidInput("message ids are required")
	}
	cursor, err := s.lastRead(ctx, agentID)
	if err != nil {
		return err
	}
	for _, raw := range messageIDs {
		id, err := bus.ParseStreamID(raw)
		if err != nil {
			return apperrors.InvalidInput("invalid message id " + raw)
		}
		if cursor.Before(id) {
			cursor = id
		}
	}
	if err := s.bus.Set(ctx, events.AgentInboxLastReadKey(agentID), cursor.String(), 0); err != nil {
		return apperrors.BusUnavailable(err)
	}
	return nil
}

// Clear wipes the inbox stream and the read cursor.
func (s *Service) Clear(ctx context.Context, agentID string, confirm bool) error {
	if !confirm {
		return apperrors.InvalidInput("clearing an inbox requires confirm")
	}
	if err := s.bus.DeleteStream(ctx, events.AgentInboxStream(agentID)); err != nil {
		return apperrors.BusUnavailable(err)
	}
	if err := s.bus.Delete(ctx, events.AgentInboxLastReadKey(agentID)); err != nil {
		return apperrors.BusUnavailable(err)
	}
	s.logger.Info("inbox cleared", zap.String("agent_id", agentID))
	return nil
}

func (s *Service) lastRead(ctx context.Context, agentID string) (bus.StreamID, error) {
	raw, ok, err := s.bus.Get(ctx, events.AgentInboxLastReadKey(agentID))
	if err != nil {
		return bus.StreamID{}, apperrors.BusUnavailable(err)
	}
	if !ok {
		return bus.StreamID{}, nil
	}
	id, err := bus.ParseStreamID(raw)
	if err != nil {
		return bus.StreamID{}, apperrors.InternalError("corrupt inbox cursor for "+agentID, err)
	}
	return id, nil
}

func matchesFilter(m Message, filter string) bool {
	switch filter {
	case FilterAll:
		return true
	case FilterUnread:
		return !m.Read
	case FilterUrgent:
		return m.Type == events.InboxUrgent || m.Priority == events.PriorityUrgent
	case FilterReviewRequest:
		return m.Type == events.InboxReviewRequest
	case FilterHelpRequest:
		return m.Type == events.InboxHelpRequest
	}
	return false
}

func entryMessage(agentID string, entry bus.Entry) Message {
	m := Message{
		ID:          entry.ID.String(),
		To:          agentID,
		From:        entry.Values["from"],
		Type:        entry.Values["type"],
		Priority:    entry.Values["priority"],
		Subject:     entry.Values["subject"],
		Body:        entry.Values["body"],
		RunContext:  entry.Values["run_context"],
		StepContext: entry.Values["step_context"],
	}
	if ts, err := strconv.ParseInt(entry.Values["sent_at"], 10, 64); err == nil {
		m.SentAt = ts
	}
	return m
}
