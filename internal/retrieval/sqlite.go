package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/db"
)

// SQLRepository persists retrieval counters on the relational state store.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

func NewSQLRepository(pool *db.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

func (s *SQLRepository) RecordAccess(ctx context.Context, agentID, memoryID string, accessedAt int64) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO retrieval_scores (agent_id, memory_id, access_count, last_accessed)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (agent_id, memory_id) DO UPDATE
		SET access_count = retrieval_scores.access_count + 1, last_accessed = excluded.last_accessed`),
		agentID, memoryID, accessedAt)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

func (s *SQLRepository) RecordSuccess(ctx context.Context, agentID, memoryID string) error {
	return s.bump(ctx, "success_count", agentID, memoryID)
}

func (s *SQLRepository) RecordFailure(ctx context.Context, agentID, memoryID string) error {
	return s.bump(ctx, "failure_count", agentID, memoryID)
}

func (s *SQLRepository) bump(ctx context.Context, column, agentID, memoryID string) error {
	w := s.pool.Writer()
	query := fmt.Sprintf(`
		INSERT INTO retrieval_scores (agent_id, memory_id, %s)
		VALUES (?, ?, 1)
		ON CONFLICT (agent_id, memory_id) DO UPDATE
		SET %s = retrieval_scores.%s + 1`, column, column, column)
	if _, err := w.ExecContext(ctx, w.Rebind(query), agentID, memoryID); err != nil {
		return fmt.Errorf("failed to record %s: %w", column, err)
	}
	return nil
}

func (s *SQLRepository) GetScore(ctx context.Context, agentID, memoryID string) (*Score, error) {
	var score Score
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &score, rd.Rebind(`
		SELECT * FROM retrieval_scores WHERE agent_id = ? AND memory_id = ?`),
		agentID, memoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("retrieval score", agentID+"/"+memoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retrieval score: %w", err)
	}
	return &score, nil
}

func (s *SQLRepository) ListScores(ctx context.Context, agentID string, limit int) ([]*Score, error) {
	if limit <= 0 {
		limit = 200
	}
	rd := s.pool.Reader()
	var scores []*Score
	err := rd.SelectContext(ctx, &scores, rd.Rebind(`
		SELECT * FROM retrieval_scores WHERE agent_id = ?
		ORDER BY access_count DESC LIMIT ?`), agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retrieval scores: %w", err)
	}
	return scores, nil
}
