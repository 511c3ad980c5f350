package retrieval

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
)

// Service records retrieval feedback and serves derived scores. An agent's
// memory layer calls RecordAccess when a memory is surfaced and reports the
// outcome once the session resolves.
type Service struct {
	repo   Repository
	logger *logger.Logger

	now func() time.Time
}

func NewService(repo Repository, log *logger.Logger) *Service {
	return &Service{repo: repo, logger: log, now: time.Now}
}

func (s *Service) RecordAccess(ctx context.Context, agentID, memoryID string) error {
	if agentID == "" || memoryID == "" {
		return apperrors.InvalidInput("agent id and memory id are required")
	}
	return s.repo.RecordAccess(ctx, agentID, memoryID, s.now().UnixMilli())
}

func (s *Service) RecordOutcome(ctx context.Context, agentID, memoryID string, succeeded bool) error {
	if agentID == "" || memoryID == "" {
		return apperrors.InvalidInput("agent id and memory id are required")
	}
	if succeeded {
		return s.repo.RecordSuccess(ctx, agentID, memoryID)
	}
	return s.repo.RecordFailure(ctx, agentID, memoryID)
}

// GetScore returns one pair's counters with the derived fields filled in.
func (s *Service) GetScore(ctx context.Context, agentID, memoryID string) (*Score, error) {
	score, err := s.repo.GetScore(ctx, agentID, memoryID)
	if err != nil {
		return nil, err
	}
	score.derive(s.now())
	return score, nil
}

// ListScores returns an agent's scores ordered by adaptive score, best
// first. The ordering is computed here because the derived score depends on
// the current time.
func (s *Service) ListScores(ctx context.Context, agentID string, limit int) ([]*Score, error) {
	scores, err := s.repo.ListScores(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, score := range scores {
		score.derive(now)
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].AdaptiveScore > scores[j].AdaptiveScore })
	return scores, nil
}
