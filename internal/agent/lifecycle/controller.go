// Package lifecycle is the single authority over agent wake decisions, work
// locks, and per-agent state. Multiple triggers (pulse ticks, webhook wakes,
// chat arrivals, swarm dispatch) race to wake the same agent; everything
// funnels through this controller so the guardrail check and its counter
// increments happen as one logical operation.
package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"

	"github.com/djinnbot/djinnbot/internal/agent/registry"
)

// Agent lifecycle states.
const (
	StateIdle     = "idle"
	StateThinking = "thinking"
	StateWorking  = "working"
)

// WorkRef identifies what an agent is currently doing.
type WorkRef struct {
	Step  string `json:"step,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

// State is the per-agent lifecycle record stored on the bus. The controller
// is its single writer; every other component reads.
type State struct {
	State       string   `json:"state"`
	LastActive  int64    `json:"last_active"`
	CurrentWork *WorkRef `json:"current_work,omitempty"`
	LastPulse   int64    `json:"last_pulse,omitempty"`
	NextPulse   int64    `json:"next_pulse,omitempty"`
}

// Controller serializes all lifecycle mutations per agent. The per-agent
// mutex makes the guardrail check plus counter increment atomic within this
// process; cross-process exclusion for work claims goes through the bus's
// atomic lock primitive.
type Controller struct {
	bus      bus.EventBus
	registry *registry.Registry
	logger   *logger.Logger

	mu     sync.Mutex
	agents map[string]*sync.Mutex

	now func() time.Time
}

func NewController(eventBus bus.EventBus, reg *registry.Registry, log *logger.Logger) *Controller {
	return &Controller{
		bus:      eventBus,
		registry: reg,
		logger:   log,
		agents:   make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func (c *Controller) lockAgent(agentID string) func() {
	c.mu.Lock()
	m, ok := c.agents[agentID]
	if !ok {
		m = &sync.Mutex{}
		c.agents[agentID] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// GetState reads an agent's lifecycle state, defaulting to idle for agents
// that have never been observed.
func (c *Controller) GetState(ctx context.Context, agentID string) (*State, error) {
	raw, ok, err := c.bus.Get(ctx, events.AgentStateKey(agentID))
	if err != nil {
		return nil, apperrors.BusUnavailable(err)
	}
	if !ok {
		return &State{State: StateIdle}, nil
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, apperrors.InternalError("corrupt lifecycle state for "+agentID, err)
	}
	return &st, nil
}

func (c *Controller) putState(ctx context.Context, agentID string, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := c.bus.Set(ctx, events.AgentStateKey(agentID), string(raw), 0); err != nil {
		return apperrors.BusUnavailable(err)
	}
	return nil
}

// ApplySessionEvent drives the agent state machine from session events.
// Unknown or non-transition events only refresh last-active.
func (c *Controller) ApplySessionEvent(ctx context.Context, agentID, eventType string, work *WorkRef) error {
	unlock := c.lockAgent(agentID)
	defer unlock()

	st, err := c.GetState(ctx, agentID)
	if err != nil {
		return err
	}

	switch eventType {
	case events.SessionStepStart, events.SessionToolStart:
		if st.State == StateIdle {
			st.State = StateThinking
		}
		if work != nil {
			st.CurrentWork = work
		}
	case events.SessionOutput:
		if st.State == StateThinking {
			st.State = StateWorking
		}
	case events.SessionTurnEnd, events.SessionComplete, events.SessionContainerIdle, events.SessionResponseAborted:
		st.State = StateIdle
		st.CurrentWork = nil
	}
	st.LastActive = c.now().UnixMilli()
	return c.putState(ctx, agentID, st)
}

// QueueDepth reports the length of the agent's pending work list.
func (c *Controller) QueueDepth(ctx context.Context, agentID string) (int64, error) {
	n, err := c.bus.ListLen(ctx, events.AgentQueueKey(agentID))
	if err != nil {
		return 0, apperrors.BusUnavailable(err)
	}
	return n, nil
}

// EnqueueWork appends a work item to the agent's pending queue.
func (c *Controller) EnqueueWork(ctx context.Context, agentID, item string) error {
	if err := c.bus.ListPush(ctx, events.AgentQueueKey(agentID), item); err != nil {
		return apperrors.BusUnavailable(err)
	}
	return nil
}

// DequeueWork pops the oldest pending work item, if any.
func (c *Controller) DequeueWork(ctx context.Context, agentID string) (string, bool, error) {
	item, ok, err := c.bus.ListPop(ctx, events.AgentQueueKey(agentID))
	if err != nil {
		return "", false, apperrors.BusUnavailable(err)
	}
	return item, ok, nil
}

func (c *Controller) agentConfig(agentID string) (*registry.Agent, error) {
	// Thresholds are read from disk on every check so config edits apply
	// without restart.
	return c.registry.Get(agentID)
}

func (c *Controller) today() string {
	return c.now().Format("2006-01-02")
}
