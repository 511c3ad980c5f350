// Package project implements the kanban side of the core: projects, board
// columns, tasks with project-defined status semantics, and agent event
// assignments.
package project

import (
	"encoding/json"
	"time"
)

// StatusClass classifies a project-defined task status. Statuses are free
// strings chosen per project; the class is what the core's behavior keys on.
type StatusClass string

const (
	ClassInitial      StatusClass = "initial"
	ClassClaimable    StatusClass = "claimable"
	ClassInProgress   StatusClass = "in_progress"
	ClassBlocked      StatusClass = "blocked"
	ClassTerminalDone StatusClass = "terminal_done"
	ClassTerminalFail StatusClass = "terminal_fail"
)

// StatusSemantics maps each project status name to its class.
type StatusSemantics map[string]StatusClass

// ClassOf returns the class for a status, or empty when the status is not
// part of the project's vocabulary.
func (s StatusSemantics) ClassOf(status string) StatusClass {
	return s[status]
}

// StatusWithClass returns the first status name carrying the given class.
func (s StatusSemantics) StatusWithClass(class StatusClass) (string, bool) {
	for status, c := range s {
		if c == class {
			return status, true
		}
	}
	return "", false
}

// DefaultSemantics is the status vocabulary new projects start with.
func DefaultSemantics() StatusSemantics {
	return StatusSemantics{
		"backlog":     ClassInitial,
		"ready":       ClassClaimable,
		"in_progress": ClassInProgress,
		"blocked":     ClassBlocked,
		"done":        ClassTerminalDone,
		"failed":      ClassTerminalFail,
	}
}

// Project is a repository-backed board owning tasks, columns, and agent
// assignments.
type Project struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	RepoURL       string          `json:"repo_url" db:"repo_url"`
	DefaultBranch string          `json:"default_branch" db:"default_branch"`
	Semantics     StatusSemantics `json:"status_semantics" db:"-"`
	CreatedAt     int64           `json:"created_at" db:"created_at"`
	UpdatedAt     int64           `json:"updated_at" db:"updated_at"`
}

// Column is one board lane. Each column is bound to exactly one status.
type Column struct {
	ID        string `json:"id" db:"id"`
	ProjectID string `json:"project_id" db:"project_id"`
	Name      string `json:"name" db:"name"`
	Position  int    `json:"position" db:"position"`
	Status    string `json:"status" db:"status"`
}

// Task is a unit of agent work on a board.
type Task struct {
	ID             string            `json:"id" db:"id"`
	ProjectID      string            `json:"project_id" db:"project_id"`
	Title          string            `json:"title" db:"title"`
	Description    string            `json:"description" db:"description"`
	Status         string            `json:"status" db:"status"`
	Priority       int               `json:"priority" db:"priority"`
	AssignedAgent  string            `json:"assigned_agent_id" db:"assigned_agent_id"`
	RunID          string            `json:"run_id,omitempty" db:"run_id"`
	ParentTaskID   string            `json:"parent_task_id,omitempty" db:"parent_task_id"`
	Tags           []string          `json:"tags" db:"-"`
	ColumnID       string            `json:"column_id" db:"column_id"`
	ColumnPosition int               `json:"column_position" db:"column_position"`
	Metadata       map[string]string `json:"metadata" db:"-"`
	CreatedAt      int64             `json:"created_at" db:"created_at"`
	UpdatedAt      int64             `json:"updated_at" db:"updated_at"`
	CompletedAt    *int64            `json:"completed_at,omitempty" db:"completed_at"`
}

// Metadata keys with meaning to the core. Everything else in task metadata
// is pass-through.
const (
	MetaPRNumber       = "pr_number"
	MetaPRURL          = "pr_url"
	MetaGitBranch      = "git_branch"
	MetaTransitionNote = "transition_notes"
	MetaSource         = "source"
)

// AppendTransitionNote records a timestamped note in the task metadata.
func (t *Task) AppendTransitionNote(note string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	entry := noteEntry{Note: note, At: time.Now().UnixMilli()}
	var notes []noteEntry
	if existing := t.Metadata[MetaTransitionNote]; existing != "" {
		_ = json.Unmarshal([]byte(existing), &notes)
	}
	notes = append(notes, entry)
	raw, err := json.Marshal(notes)
	if err != nil {
		return
	}
	t.Metadata[MetaTransitionNote] = string(raw)
}

type noteEntry struct {
	Note string `json:"note"`
	At   int64  `json:"at"`
}

// AgentAssignment routes matching webhook events to an agent, either by
// waking it directly or by creating a task for later pickup.
type AgentAssignment struct {
	ID            string   `json:"id" db:"id"`
	ProjectID     string   `json:"project_id" db:"project_id"`
	AgentID       string   `json:"agent_id" db:"agent_id"`
	EventType     string   `json:"event_type" db:"event_type"`
	Action        string   `json:"action,omitempty" db:"action"`
	FilterLabels  []string `json:"filter_labels" db:"-"`
	FilterPaths   []string `json:"filter_paths" db:"-"`
	FilterAuthors []string `json:"filter_authors" db:"-"`
	AutoRespond   bool     `json:"auto_respond" db:"-"`
	CreatedAt     int64    `json:"created_at" db:"created_at"`
}
