package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/db"
)

// SQLRepository persists sessions on the relational state store.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

func NewSQLRepository(pool *db.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

func (s *SQLRepository) CreateSession(ctx context.Context, sess *Session) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO sessions (id, agent_id, status, model, container_id,
			message_count, created_at, started_at, last_activity_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.AgentID, sess.Status, sess.Model, sess.ContainerID,
		sess.MessageCount, sess.CreatedAt, sess.StartedAt, sess.LastActivityAt, sess.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &sess, rd.Rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *SQLRepository) UpdateSession(ctx context.Context, sess *Session) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sessions SET status = ?, model = ?, container_id = ?,
			message_count = ?, started_at = ?, last_activity_at = ?, completed_at = ?
		WHERE id = ?`),
		sess.Status, sess.Model, sess.ContainerID,
		sess.MessageCount, sess.StartedAt, sess.LastActivityAt, sess.CompletedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", sess.ID)
	}
	return nil
}

func (s *SQLRepository) ListSessions(ctx context.Context, agentID string, liveOnly bool, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if agentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, agentID)
	}
	if liveOnly {
		where = append(where, "status IN (?, ?)")
		args = append(args, StatusStarting, StatusRunning)
	}
	query := `SELECT * FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rd := s.pool.Reader()
	var rows []*Session
	if err := rd.SelectContext(ctx, &rows, rd.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return rows, nil
}
