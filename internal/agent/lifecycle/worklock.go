package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/events"
)

// LockInfo is the value stored under a work-lock key.
type LockInfo struct {
	SessionID   string `json:"session_id"`
	Description string `json:"description,omitempty"`
	AcquiredAt  int64  `json:"acquired_at"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

// LockResult reports the outcome of a claim attempt.
type LockResult struct {
	Acquired bool      `json:"acquired"`
	Holder   *LockInfo `json:"holder,omitempty"`
}

// LedgerEntry is one active lock as returned by ListWorkLedger.
type LedgerEntry struct {
	WorkKey string   `json:"work_key"`
	Lock    LockInfo `json:"lock"`
}

// AcquireWorkLock atomically claims (agent, work-key). This is the single
// mechanism preventing two containers of the same agent from claiming the
// same task. A zero ttl uses the agent's configured lock TTL.
func (c *Controller) AcquireWorkLock(ctx context.Context, agentID, workKey, sessionID, description string, ttl time.Duration) (*LockResult, error) {
	if ttl <= 0 {
		cfg, err := c.agentConfig(agentID)
		if err != nil {
			return nil, err
		}
		ttl = time.Duration(cfg.Guardrails.WorkLockTTLSeconds) * time.Second
	}

	info := LockInfo{
		SessionID:   sessionID,
		Description: description,
		AcquiredAt:  c.now().UnixMilli(),
		TTLSeconds:  int(ttl / time.Second),
	}
	value, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	acquired, holderRaw, err := c.bus.AcquireLock(ctx,
		events.WorkLockKey(agentID, workKey),
		events.WorkLedgerKey(agentID),
		workKey, string(value), ttl)
	if err != nil {
		return nil, apperrors.BusUnavailable(err)
	}
	if acquired {
		c.logger.Info("work lock acquired",
			zap.String("agent_id", agentID),
			zap.String("work_key", workKey),
			zap.String("session_id", sessionID))
		return &LockResult{Acquired: true}, nil
	}

	holder := &LockInfo{}
	if err := json.Unmarshal([]byte(holderRaw), holder); err != nil {
		// A holder we cannot parse is still a holder.
		holder = &LockInfo{SessionID: holderRaw}
	}
	return &LockResult{Acquired: false, Holder: holder}, nil
}

// ReleaseWorkLock drops the lock and its ledger entry. Releasing a lock that
// is not held succeeds.
func (c *Controller) ReleaseWorkLock(ctx context.Context, agentID, workKey string) error {
	err := c.bus.ReleaseLock(ctx,
		events.WorkLockKey(agentID, workKey),
		events.WorkLedgerKey(agentID),
		workKey)
	if err != nil {
		return apperrors.BusUnavailable(err)
	}
	return nil
}

// ListWorkLedger enumerates the agent's active locks. Ledger members whose
// lock key has expired are cleaned out as a side effect.
func (c *Controller) ListWorkLedger(ctx context.Context, agentID string) ([]LedgerEntry, error) {
	members, err := c.bus.SetMembers(ctx, events.WorkLedgerKey(agentID))
	if err != nil {
		return nil, apperrors.BusUnavailable(err)
	}

	entries := make([]LedgerEntry, 0, len(members))
	for _, workKey := range members {
		raw, ok, err := c.bus.Get(ctx, events.WorkLockKey(agentID, workKey))
		if err != nil {
			return nil, apperrors.BusUnavailable(err)
		}
		if !ok {
			// Lock expired by TTL; reap the stale ledger entry.
			if err := c.bus.SetRemove(ctx, events.WorkLedgerKey(agentID), workKey); err != nil {
				c.logger.Warn("failed to reap stale ledger entry",
					zap.String("agent_id", agentID),
					zap.String("work_key", workKey),
					zap.Error(err))
			}
			continue
		}
		var info LockInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			info = LockInfo{SessionID: raw}
		}
		entries = append(entries, LedgerEntry{WorkKey: workKey, Lock: info})
	}
	return entries, nil
}
