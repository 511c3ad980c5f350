package run

import "context"

// Repository is the persistence boundary for runs and their steps.
type Repository interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	// DeleteRun cascades to the run's steps.
	DeleteRun(ctx context.Context, id string) error
	ListRuns(ctx context.Context, projectID string, limit int) ([]*Run, error)

	CreateStep(ctx context.Context, s *Step) error
	GetStep(ctx context.Context, id string) (*Step, error)
	UpdateStep(ctx context.Context, s *Step) error
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
}
