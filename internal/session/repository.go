package session

import "context"

// Repository is the durable store for session records.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	// ListSessions returns an agent's sessions newest first; an empty agent id
	// lists across agents. liveOnly restricts to starting/running.
	ListSessions(ctx context.Context, agentID string, liveOnly bool, limit int) ([]*Session, error)
}
