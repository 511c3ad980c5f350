package lifecycle

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/events"
)

// Wake rejection reasons.
const (
	ReasonCooldown      = "cooldown"
	ReasonDailyCap      = "daily_cap"
	ReasonSessionBudget = "session_budget"
	ReasonPairCap       = "pair_cap"
	ReasonConcurrency   = "concurrency"
)

// counterTTL keeps daily counters around long enough to span any day
// boundary before Redis reaps them.
const counterTTL = 48 * time.Hour

// WakeDecision is the outcome of a guardrail evaluation.
type WakeDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// TryWake evaluates the wake guardrails without consuming budget.
func (c *Controller) TryWake(ctx context.Context, agentID, peerID string) (WakeDecision, error) {
	unlock := c.lockAgent(agentID)
	defer unlock()
	return c.evaluate(ctx, agentID, peerID)
}

// Wake evaluates the guardrails and, when allowed, records the wake in the
// same critical section. Callers that go on to start a session use this
// form; the check and the counter increments are one logical operation.
func (c *Controller) Wake(ctx context.Context, agentID, peerID string) (WakeDecision, error) {
	unlock := c.lockAgent(agentID)
	defer unlock()

	decision, err := c.evaluate(ctx, agentID, peerID)
	if err != nil || !decision.Allowed {
		return decision, err
	}
	if err := c.recordWake(ctx, agentID, peerID); err != nil {
		return WakeDecision{}, err
	}
	return decision, nil
}

// RecordWake consumes wake budget without re-checking; used when the
// decision was made elsewhere in the same tick.
func (c *Controller) RecordWake(ctx context.Context, agentID, peerID string) error {
	unlock := c.lockAgent(agentID)
	defer unlock()
	return c.recordWake(ctx, agentID, peerID)
}

func (c *Controller) evaluate(ctx context.Context, agentID, peerID string) (WakeDecision, error) {
	cfg, err := c.agentConfig(agentID)
	if err != nil {
		return WakeDecision{}, err
	}
	g := cfg.Guardrails
	today := c.today()

	lastWake, err := c.counter(ctx, events.LastWakeKey(agentID))
	if err != nil {
		return WakeDecision{}, err
	}
	if lastWake > 0 {
		cooldownEnd := time.UnixMilli(lastWake).Add(time.Duration(g.CooldownSeconds) * time.Second)
		if c.now().Before(cooldownEnd) {
			return WakeDecision{Reason: ReasonCooldown}, nil
		}
	}

	wakes, err := c.counter(ctx, events.WakesKey(agentID, today))
	if err != nil {
		return WakeDecision{}, err
	}
	if wakes >= int64(g.MaxWakesPerDay) {
		return WakeDecision{Reason: ReasonDailyCap}, nil
	}

	minutes, err := c.counter(ctx, events.SessionMinutesKey(agentID, today))
	if err != nil {
		return WakeDecision{}, err
	}
	if minutes >= int64(g.MaxSessionMinutesPerDay) {
		return WakeDecision{Reason: ReasonSessionBudget}, nil
	}

	if peerID != "" {
		pair, err := c.counter(ctx, events.PairWakesKey(agentID, peerID, today))
		if err != nil {
			return WakeDecision{}, err
		}
		if pair >= int64(g.MaxPairWakesPerDay) {
			return WakeDecision{Reason: ReasonPairCap}, nil
		}
	}

	active, err := c.bus.SetMembers(ctx, events.PulseSessionsKey(agentID))
	if err != nil {
		return WakeDecision{}, apperrors.BusUnavailable(err)
	}
	if len(active) >= g.MaxConcurrentPulses {
		return WakeDecision{Reason: ReasonConcurrency}, nil
	}

	return WakeDecision{Allowed: true}, nil
}

func (c *Controller) recordWake(ctx context.Context, agentID, peerID string) error {
	cfg, err := c.agentConfig(agentID)
	if err != nil {
		return err
	}
	today := c.today()
	now := c.now().UnixMilli()

	if _, err := c.bus.IncrBy(ctx, events.WakesKey(agentID, today), 1, counterTTL); err != nil {
		return apperrors.BusUnavailable(err)
	}
	// Reserve the session's minute budget up front; a wake that exceeds
	// the daily budget must be rejected before the session starts, not
	// after it has run.
	reserve := int64(cfg.Guardrails.PulseSessionMinutes)
	if _, err := c.bus.IncrBy(ctx, events.SessionMinutesKey(agentID, today), reserve, counterTTL); err != nil {
		return apperrors.BusUnavailable(err)
	}
	if peerID != "" {
		if _, err := c.bus.IncrBy(ctx, events.PairWakesKey(agentID, peerID, today), 1, counterTTL); err != nil {
			return apperrors.BusUnavailable(err)
		}
	}
	if err := c.bus.Set(ctx, events.LastWakeKey(agentID), strconv.FormatInt(now, 10), 0); err != nil {
		return apperrors.BusUnavailable(err)
	}

	c.logger.Info("wake recorded",
		zap.String("agent_id", agentID),
		zap.String("peer_id", peerID),
		zap.Int64("reserved_minutes", reserve))
	return nil
}

// RegisterPulseSession tracks a live pulse session for the concurrency cap.
func (c *Controller) RegisterPulseSession(ctx context.Context, agentID, sessionID string) error {
	if err := c.bus.SetAdd(ctx, events.PulseSessionsKey(agentID), sessionID); err != nil {
		return apperrors.BusUnavailable(err)
	}
	return nil
}

// EndPulseSession removes a pulse session from the concurrency set.
func (c *Controller) EndPulseSession(ctx context.Context, agentID, sessionID string) error {
	if err := c.bus.SetRemove(ctx, events.PulseSessionsKey(agentID), sessionID); err != nil {
		return apperrors.BusUnavailable(err)
	}
	return nil
}

func (c *Controller) counter(ctx context.Context, key string) (int64, error) {
	raw, ok, err := c.bus.Get(ctx, key)
	if err != nil {
		return 0, apperrors.BusUnavailable(err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.InternalError("corrupt counter at "+key, err)
	}
	return n, nil
}
