package retrieval

import "context"

// Repository stores the raw retrieval counters.
type Repository interface {
	// RecordAccess bumps the access counter and last-accessed stamp,
	// creating the row on first touch.
	RecordAccess(ctx context.Context, agentID, memoryID string, accessedAt int64) error
	RecordSuccess(ctx context.Context, agentID, memoryID string) error
	RecordFailure(ctx context.Context, agentID, memoryID string) error
	GetScore(ctx context.Context, agentID, memoryID string) (*Score, error)
	ListScores(ctx context.Context, agentID string, limit int) ([]*Score, error)
}
