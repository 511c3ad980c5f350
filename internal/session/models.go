package session

// Session statuses.
const (
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Session is one agent container's working context.
type Session struct {
	ID             string `db:"id" json:"id"`
	AgentID        string `db:"agent_id" json:"agent_id"`
	Status         string `db:"status" json:"status"`
	Model          string `db:"model" json:"model,omitempty"`
	ContainerID    string `db:"container_id" json:"container_id,omitempty"`
	MessageCount   int    `db:"message_count" json:"message_count"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	StartedAt      *int64 `db:"started_at" json:"started_at,omitempty"`
	LastActivityAt *int64 `db:"last_activity_at" json:"last_activity_at,omitempty"`
	CompletedAt    *int64 `db:"completed_at" json:"completed_at,omitempty"`
}

// IsLive reports whether the session still has (or is getting) a container.
func (s *Session) IsLive() bool {
	return s.Status == StatusStarting || s.Status == StatusRunning
}

// IsTerminal reports whether the session can change no further.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
