package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"

	"github.com/djinnbot/djinnbot/internal/agent/registry"
)

// pulseCancelGrace is how long a cancelled session gets to wind down before
// its work lock and concurrency slot are forcibly reclaimed.
const pulseCancelGrace = 30 * time.Second

// PulseScheduler periodically offers each pulse-enabled agent a wake. The
// guardrails stay the single authority: the scheduler only proposes, Wake
// decides.
type PulseScheduler struct {
	controller  *Controller
	registry    *registry.Registry
	bus         bus.EventBus
	logger      *logger.Logger
	tick        time.Duration
	cancelGrace time.Duration
}

func NewPulseScheduler(controller *Controller, reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger) *PulseScheduler {
	return &PulseScheduler{
		controller:  controller,
		registry:    reg,
		bus:         eventBus,
		logger:      log,
		tick:        time.Minute,
		cancelGrace: pulseCancelGrace,
	}
}

// Run drives pulse ticks until ctx is cancelled.
func (p *PulseScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick evaluates every configured agent once.
func (p *PulseScheduler) Tick(ctx context.Context) {
	ids, err := p.registry.List()
	if err != nil {
		p.logger.Error("pulse tick failed to list agents", zap.Error(err))
		return
	}
	for _, agentID := range ids {
		p.tickAgent(ctx, agentID)
	}
}

func (p *PulseScheduler) tickAgent(ctx context.Context, agentID string) {
	cfg, err := p.registry.Get(agentID)
	if err != nil {
		p.logger.Warn("pulse tick skipping agent", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if !cfg.Pulse.Enabled {
		return
	}

	st, err := p.controller.GetState(ctx, agentID)
	if err != nil {
		p.logger.Error("pulse tick failed to read state", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	now := p.controller.now()
	if st.NextPulse > 0 && now.UnixMilli() < st.NextPulse {
		return
	}

	decision, err := p.controller.Wake(ctx, agentID, "")
	if err != nil {
		p.logger.Error("pulse wake failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if !decision.Allowed {
		p.logger.Debug("pulse wake rejected",
			zap.String("agent_id", agentID),
			zap.String("reason", decision.Reason))
		return
	}

	// The session occupies a concurrency slot from trigger until it ends
	// (or the deadline below reclaims it).
	sessionID := "sess_" + uuid.NewString()
	if err := p.controller.RegisterPulseSession(ctx, agentID, sessionID); err != nil {
		p.logger.Error("failed to register pulse session", zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	contextLine := fmt.Sprintf("Scheduled pulse for %s: check your inbox, your board, and anything left half-done.", cfg.Name)
	values, err := events.Encode(events.PulseTriggered, events.PulseEvent{
		AgentID: agentID,
		Context: contextLine,
		Metadata: map[string]string{
			"trigger":    "pulse_tick",
			"model":      cfg.Model,
			"session_id": sessionID,
		},
	})
	if err == nil {
		_, err = p.bus.Append(ctx, events.GlobalStream, values)
	}
	if err != nil {
		p.logger.Error("failed to publish pulse", zap.String("agent_id", agentID), zap.Error(err))
		if endErr := p.controller.EndPulseSession(ctx, agentID, sessionID); endErr != nil {
			p.logger.Error("failed to free pulse slot", zap.String("agent_id", agentID), zap.Error(endErr))
		}
		return
	}

	p.armDeadline(agentID, sessionID, time.Duration(cfg.Guardrails.PulseSessionMinutes)*time.Minute)
	if err := p.controller.markPulsed(ctx, agentID, cfg.PulseInterval()); err != nil {
		p.logger.Error("failed to record pulse times", zap.String("agent_id", agentID), zap.Error(err))
	}
	p.logger.Info("pulse triggered",
		zap.String("agent_id", agentID),
		zap.String("session_id", sessionID))
}

// armDeadline schedules enforcement of the session's reserved minutes.
func (p *PulseScheduler) armDeadline(agentID, sessionID string, budget time.Duration) {
	time.AfterFunc(budget, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.enforceDeadline(ctx, agentID, sessionID)
	})
}

// enforceDeadline cancels a pulse session still running past its reserved
// minutes. A session that ended on its own has already left the concurrency
// set and is left alone.
func (p *PulseScheduler) enforceDeadline(ctx context.Context, agentID, sessionID string) {
	active, err := p.bus.SetMembers(ctx, events.PulseSessionsKey(agentID))
	if err != nil {
		p.logger.Error("failed to check pulse session", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	running := false
	for _, id := range active {
		if id == sessionID {
			running = true
			break
		}
	}
	if !running {
		return
	}

	workKey := ""
	if entries, err := p.controller.ListWorkLedger(ctx, agentID); err == nil {
		for _, entry := range entries {
			if entry.Lock.SessionID == sessionID {
				workKey = entry.WorkKey
				break
			}
		}
	}

	p.logger.Warn("pulse session overran its budget",
		zap.String("agent_id", agentID),
		zap.String("session_id", sessionID))
	if err := p.controller.CancelPulseSession(ctx, agentID, sessionID, workKey, p.cancelGrace); err != nil {
		p.logger.Error("failed to cancel pulse session",
			zap.String("agent_id", agentID),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// markPulsed stamps last/next pulse on the agent state.
func (c *Controller) markPulsed(ctx context.Context, agentID string, interval time.Duration) error {
	unlock := c.lockAgent(agentID)
	defer unlock()

	st, err := c.GetState(ctx, agentID)
	if err != nil {
		return err
	}
	now := c.now()
	st.LastPulse = now.UnixMilli()
	st.NextPulse = now.Add(interval).UnixMilli()
	return c.putState(ctx, agentID, st)
}

// CancelPulseSession signals the session's runtime to stop and, after the
// grace period, forcibly releases the work lock and the concurrency slot.
// Used when a pulse session overruns its deadline.
func (c *Controller) CancelPulseSession(ctx context.Context, agentID, sessionID, workKey string, grace time.Duration) error {
	signal, _ := json.Marshal(map[string]string{"action": "cancel", "session_id": sessionID})
	if err := c.bus.Publish(ctx, events.SessionControlChannel(sessionID), signal); err != nil {
		return err
	}
	time.AfterFunc(grace, func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if workKey != "" {
			if err := c.ReleaseWorkLock(cleanupCtx, agentID, workKey); err != nil {
				c.logger.Error("failed to release lock after cancel",
					zap.String("agent_id", agentID),
					zap.String("work_key", workKey),
					zap.Error(err))
			}
		}
		if err := c.EndPulseSession(cleanupCtx, agentID, sessionID); err != nil {
			c.logger.Error("failed to clear pulse slot after cancel",
				zap.String("agent_id", agentID),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	})
	return nil
}
