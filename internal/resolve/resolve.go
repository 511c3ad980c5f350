// Package resolve turns a GitHub issue reference into a pipeline run whose
// task description is rendered from a template.
package resolve

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/interp"
	"github.com/djinnbot/djinnbot/internal/run"
)

// DefaultPipelineID is used when the request does not name a pipeline.
const DefaultPipelineID = "resolve"

// DefaultTaskTemplate is the rendered task description handed to the run.
const DefaultTaskTemplate = "Resolve GitHub issue {{ owner }}/{{ repo }}#{{ number }}: {{ url }}"

var issueURLRe = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+)/issues/(\d+)$`)

// IssueRef is a parsed GitHub issue URL.
type IssueRef struct {
	Owner  string
	Repo   string
	Number string
	URL    string
}

// ParseIssueURL validates and decomposes a GitHub issue URL.
func ParseIssueURL(rawURL string) (*IssueRef, error) {
	m := issueURLRe.FindStringSubmatch(strings.TrimSuffix(rawURL, "/"))
	if m == nil {
		return nil, apperrors.InvalidInput("not a GitHub issue URL: " + rawURL)
	}
	return &IssueRef{Owner: m[1], Repo: m[2], Number: m[3], URL: m[0]}, nil
}

// Service builds resolve runs.
type Service struct {
	dispatcher *run.Dispatcher
	logger     *logger.Logger

	template string
}

func NewService(dispatcher *run.Dispatcher, log *logger.Logger) *Service {
	return &Service{dispatcher: dispatcher, logger: log, template: DefaultTaskTemplate}
}

// Request is the input to Resolve.
type Request struct {
	IssueURL   string `json:"issue_url"`
	PipelineID string `json:"pipeline_id"`
	ProjectID  string `json:"project_id"`
	Model      string `json:"model"`
}

// Resolve parses the issue reference, renders the task template, and creates
// the run. The issue coordinates ride along in the run's human context.
func (s *Service) Resolve(ctx context.Context, req Request) (*run.Run, error) {
	ref, err := ParseIssueURL(req.IssueURL)
	if err != nil {
		return nil, err
	}
	if req.PipelineID == "" {
		req.PipelineID = DefaultPipelineID
	}

	task, err := interp.Render(s.template, map[string]string{
		"owner":  ref.Owner,
		"repo":   ref.Repo,
		"number": ref.Number,
		"url":    ref.URL,
	})
	if err != nil {
		return nil, apperrors.InternalError("failed to render resolve task", err)
	}

	r, err := s.dispatcher.CreateRun(ctx, run.CreateRunRequest{
		PipelineID:      req.PipelineID,
		ProjectID:       req.ProjectID,
		TaskDescription: task,
		ModelOverride:   req.Model,
		HumanContext: map[string]string{
			"issue_url":    ref.URL,
			"issue_owner":  ref.Owner,
			"issue_repo":   ref.Repo,
			"issue_number": ref.Number,
		},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("resolve run created",
		zap.String("run_id", r.ID),
		zap.String("issue_url", ref.URL))
	return r, nil
}
