package project

import "context"

// Repository is the persistence boundary for projects, columns, tasks, and
// agent assignments.
type Repository interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	GetProjectByRepoURL(ctx context.Context, repoURL string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)

	CreateColumn(ctx context.Context, c *Column) error
	ListColumns(ctx context.Context, projectID string) ([]*Column, error)

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context, projectID string) ([]*Task, error)
	ListTasksByStatus(ctx context.Context, projectID, status string) ([]*Task, error)

	// Task lookups used by webhook loop-closure, in fallback order.
	FindTaskByPRNumber(ctx context.Context, projectID string, prNumber int) (*Task, error)
	FindTaskByPRURL(ctx context.Context, projectID, prURL string) (*Task, error)
	FindTaskByBranch(ctx context.Context, projectID, branch string) (*Task, error)

	AddDependency(ctx context.Context, taskID, dependsOn string) error
	ListDependencies(ctx context.Context, taskID string) ([]string, error)

	CreateAssignment(ctx context.Context, a *AgentAssignment) error
	ListAssignments(ctx context.Context, projectID string) ([]*AgentAssignment, error)
}
