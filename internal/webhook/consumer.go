package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"

	"github.com/djinnbot/djinnbot/internal/agent/lifecycle"
	"github.com/djinnbot/djinnbot/internal/project"
)

const taskBranchPrefix = "feat/task_"

// Consumer turns verified webhook deliveries into agent triggers and task
// side effects. PR lifecycle closure runs before assignment matching so a
// merged PR completes its task even when nobody is assigned to the event.
type Consumer struct {
	repo        Repository
	projects    *project.Service
	projectRepo project.Repository
	controller  *lifecycle.Controller
	bus         bus.EventBus
	logger      *logger.Logger

	reviewAgent string
	now         func() time.Time
}

func NewConsumer(repo Repository, projects *project.Service, projectRepo project.Repository,
	controller *lifecycle.Controller, eventBus bus.EventBus, reviewAgent string, log *logger.Logger) *Consumer {
	return &Consumer{
		repo:        repo,
		projects:    projects,
		projectRepo: projectRepo,
		controller:  controller,
		bus:         eventBus,
		logger:      log,
		reviewAgent: reviewAgent,
		now:         time.Now,
	}
}

// Run replays deliveries left unprocessed by a previous crash, then consumes
// live notices until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ReplayPending(ctx); err != nil {
		c.logger.Error("webhook replay failed", zap.Error(err))
	}

	sub, err := c.bus.Subscribe(ctx, events.WebhooksGitHubChannel)
	if err != nil {
		return apperrors.BusUnavailable(err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			notice, err := decodeNotice(msg.Payload)
			if err != nil {
				c.logger.Warn("dropping malformed webhook notice", zap.Error(err))
				continue
			}
			if err := c.Process(ctx, notice.EventID); err != nil {
				c.logger.Error("webhook processing failed",
					zap.String("event_id", notice.EventID),
					zap.Error(err))
			}
		}
	}
}

func decodeNotice(raw []byte) (*events.WebhookNotice, error) {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	notice, err := events.DecodePayload[events.WebhookNotice](env)
	if err != nil {
		return nil, err
	}
	return &notice, nil
}

// ReplayPending re-runs every verified delivery whose side effects never
// committed, in arrival order.
func (c *Consumer) ReplayPending(ctx context.Context) error {
	pending, err := c.repo.ListUnprocessed(ctx, 0)
	if err != nil {
		return err
	}
	for _, e := range pending {
		if err := c.Process(ctx, e.ID); err != nil {
			c.logger.Error("webhook replay item failed",
				zap.String("event_id", e.ID), zap.Error(err))
		}
	}
	return nil
}

// Process applies one delivery's side effects exactly once. The processed
// mark commits only after everything succeeded; failures record the error
// and leave the row for replay.
func (c *Consumer) Process(ctx context.Context, eventID string) error {
	e, err := c.repo.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if e.Processed {
		return nil
	}
	if !e.Verified {
		return nil
	}

	if err := c.handle(ctx, e); err != nil {
		if markErr := c.repo.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
			c.logger.Error("failed to record processing error",
				zap.String("event_id", e.ID), zap.Error(markErr))
		}
		return err
	}
	return c.repo.MarkProcessed(ctx, e.ID, c.now().UnixMilli())
}

func (c *Consumer) handle(ctx context.Context, e *Event) error {
	p, err := parsePayload([]byte(e.Payload))
	if err != nil {
		return fmt.Errorf("unparseable payload for delivery %s: %w", e.DeliveryID, err)
	}

	if e.EventType == "pull_request" {
		if err := c.prLifecycle(ctx, e, p); err != nil {
			return err
		}
	}
	return c.routeAssignments(ctx, e, p)
}

func (c *Consumer) prLifecycle(ctx context.Context, e *Event, p *payload) error {
	pr := p.PullRequest
	if pr == nil {
		return nil
	}

	switch e.Action {
	case "opened", "ready_for_review":
		if c.reviewAgent == "" || !strings.HasPrefix(pr.Head.Ref, taskBranchPrefix) {
			return nil
		}
		line := fmt.Sprintf("Pull request #%d %q is ready for review: %s", pr.Number, pr.Title, pr.HTMLURL)
		return c.wakeAgent(ctx, c.reviewAgent, line, map[string]string{
			"trigger": "pr_review",
			"pr_url":  pr.HTMLURL,
		})

	case "closed":
		if !pr.Merged {
			return nil
		}
		proj, err := c.findProject(ctx, p)
		if err != nil || proj == nil {
			return err
		}
		note := fmt.Sprintf("Closed by merge of PR #%d", pr.Number)
		task, closed, err := c.projects.CloseTaskFromPR(ctx, proj.ID, pr.Number, pr.HTMLURL, pr.Head.Ref, note)
		if err != nil {
			return err
		}
		if closed && task != nil {
			c.projects.RequestWorkspaceRemoval(ctx, task)
		}
	}
	return nil
}

func (c *Consumer) routeAssignments(ctx context.Context, e *Event, p *payload) error {
	proj, err := c.findProject(ctx, p)
	if err != nil || proj == nil {
		return err
	}
	assignments, err := c.projectRepo.ListAssignments(ctx, proj.ID)
	if err != nil {
		return err
	}

	for _, a := range assignments {
		if !c.matches(a, e, p) {
			continue
		}
		if a.AutoRespond {
			line := describeEvent(e, p)
			if err := c.wakeAgent(ctx, a.AgentID, line, map[string]string{
				"trigger":     "github_webhook",
				"delivery_id": e.DeliveryID,
				"event_type":  e.EventType,
			}); err != nil {
				return err
			}
			continue
		}
		title, description := taskContent(e, p)
		if _, err := c.projects.CreateTask(ctx, proj.ID, title, description, a.AgentID, map[string]string{
			project.MetaSource: "github_webhook",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) matches(a *project.AgentAssignment, e *Event, p *payload) bool {
	if a.EventType != e.EventType {
		return false
	}
	if a.Action != "" && a.Action != e.Action {
		return false
	}
	if len(a.FilterLabels) > 0 && !anyOverlap(p.labelNames(), a.FilterLabels) {
		return false
	}
	if len(a.FilterPaths) > 0 && !anyGlobMatch(p.changedPaths(), a.FilterPaths) {
		return false
	}
	return authorAllowed(p.Sender.Login, a.FilterAuthors)
}

// wakeAgent pulses an agent if the guardrails allow, otherwise queues the
// context line so the next wake picks it up.
func (c *Consumer) wakeAgent(ctx context.Context, agentID, line string, metadata map[string]string) error {
	decision, err := c.controller.Wake(ctx, agentID, "")
	if err != nil {
		return err
	}
	if !decision.Allowed {
		c.logger.Info("webhook wake deferred",
			zap.String("agent_id", agentID),
			zap.String("reason", decision.Reason))
		return c.controller.EnqueueWork(ctx, agentID, line)
	}
	values, err := events.Encode(events.PulseTriggered, events.PulseEvent{
		AgentID:  agentID,
		Context:  line,
		Metadata: metadata,
	})
	if err != nil {
		return err
	}
	if _, err := c.bus.Append(ctx, events.GlobalStream, values); err != nil {
		return apperrors.BusUnavailable(err)
	}
	return nil
}

func (c *Consumer) findProject(ctx context.Context, p *payload) (*project.Project, error) {
	for _, url := range []string{p.Repository.HTMLURL, p.Repository.CloneURL, p.Repository.FullName} {
		if url == "" {
			continue
		}
		proj, err := c.projectRepo.GetProjectByRepoURL(ctx, url)
		if err == nil {
			return proj, nil
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, nil
}

func anyOverlap(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func anyGlobMatch(paths, patterns []string) bool {
	for _, p := range paths {
		for _, pattern := range patterns {
			if ok, err := path.Match(pattern, p); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// authorAllowed applies author filters. A `!` prefix excludes; when any
// inclusive pattern is present, the sender must match one of them.
func authorAllowed(sender string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	inclusive := false
	included := false
	for _, pattern := range patterns {
		if strings.HasPrefix(pattern, "!") {
			if ok, err := path.Match(strings.TrimPrefix(pattern, "!"), sender); err == nil && ok {
				return false
			}
			continue
		}
		inclusive = true
		if ok, err := path.Match(pattern, sender); err == nil && ok {
			included = true
		}
	}
	if inclusive {
		return included
	}
	return true
}

func describeEvent(e *Event, p *payload) string {
	switch {
	case p.PullRequest != nil:
		return fmt.Sprintf("GitHub %s %s: PR #%d %q %s",
			e.EventType, e.Action, p.PullRequest.Number, p.PullRequest.Title, p.PullRequest.HTMLURL)
	case p.Issue != nil:
		return fmt.Sprintf("GitHub %s %s: issue #%d %q %s",
			e.EventType, e.Action, p.Issue.Number, p.Issue.Title, p.Issue.HTMLURL)
	}
	return fmt.Sprintf("GitHub %s %s on %s", e.EventType, e.Action, e.Repository)
}

func taskContent(e *Event, p *payload) (title, description string) {
	switch {
	case p.Issue != nil:
		return fmt.Sprintf("Issue #%d: %s", p.Issue.Number, p.Issue.Title),
			fmt.Sprintf("%s\n\n%s", p.Issue.HTMLURL, p.Issue.Body)
	case p.PullRequest != nil:
		return fmt.Sprintf("PR #%d: %s", p.PullRequest.Number, p.PullRequest.Title),
			p.PullRequest.HTMLURL
	}
	return fmt.Sprintf("%s %s on %s", e.EventType, e.Action, e.Repository),
		"Triggered by webhook delivery " + e.DeliveryID
}
