package session

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
)

const (
	// streamCap bounds the persistent per-session stream; the trim is
	// approximate on Redis so replay keeps at least this much history.
	streamCap = 10_000

	subscriberBuffer  = 256
	heartbeatInterval = 20 * time.Second
)

// Subscriber disconnect reasons.
const (
	DisconnectClientGone   = "client_gone"
	DisconnectSlowConsumer = "slow_consumer"
	DisconnectChannelLost  = "channel_lost"
)

// StateObserver receives every routed session event after it is published.
// The lifecycle controller hangs off this hook so agent state tracks session
// activity without a second bus subscription per session.
type StateObserver func(ctx context.Context, sessionID, eventType string, payload json.RawMessage)

// Router bridges the persistent per-session stream used for replay with the
// live pub/sub channel. Structural events go to both; token-level output and
// thinking frames are live-only.
type Router struct {
	bus    bus.EventBus
	logger *logger.Logger

	heartbeat time.Duration
	observer  StateObserver
}

func NewRouter(eventBus bus.EventBus, log *logger.Logger) *Router {
	return &Router{bus: eventBus, logger: log, heartbeat: heartbeatInterval}
}

// SetStateObserver installs the observer. Must be called before the router
// starts receiving traffic.
func (r *Router) SetStateObserver(obs StateObserver) {
	r.observer = obs
}

// Publish routes one session event. The returned stream id is zero for
// live-only event types.
func (r *Router) Publish(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (bus.StreamID, error) {
	ev := events.SessionEvent{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	var id bus.StreamID
	if events.IsStructural(eventType) {
		values := map[string]string{
			"type": eventType,
			"ts":   strconv.FormatInt(ev.Timestamp.UnixMilli(), 10),
		}
		if len(payload) > 0 {
			values["payload"] = string(payload)
		}
		var err error
		id, err = r.bus.AppendCapped(ctx, events.SessionStream(sessionID), streamCap, values)
		if err != nil {
			return bus.StreamID{}, apperrors.BusUnavailable(err)
		}
		ev.StreamID = id.String()
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return bus.StreamID{}, err
	}
	if err := r.bus.Publish(ctx, events.SessionChannel(sessionID), raw); err != nil {
		return bus.StreamID{}, apperrors.BusUnavailable(err)
	}
	if r.observer != nil && eventType != events.SessionHeartbeat {
		r.observer(ctx, sessionID, eventType, payload)
	}
	return id, nil
}

// Subscriber is one client's view of a session: replayed structural events,
// a connected sentinel, then live frames with periodic heartbeats.
type Subscriber struct {
	ch     chan events.SessionEvent
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
}

// Events yields frames in order. The channel closes when the subscription
// ends; Reason then says why.
func (s *Subscriber) Events() <-chan events.SessionEvent { return s.ch }

func (s *Subscriber) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscriber) setReason(reason string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.setReason(DisconnectClientGone)
	s.cancel()
}

// Subscribe attaches a client at the given cursor. The live channel is joined
// before the replay range is read so no structural event falls in the gap;
// frames the replay already delivered are deduplicated by stream id.
func (r *Router) Subscribe(ctx context.Context, sessionID string, since bus.StreamID) (*Subscriber, error) {
	sctx, cancel := context.WithCancel(ctx)

	live, err := r.bus.Subscribe(sctx, events.SessionChannel(sessionID))
	if err != nil {
		cancel()
		return nil, apperrors.BusUnavailable(err)
	}

	sub := &Subscriber{
		ch:     make(chan events.SessionEvent, subscriberBuffer),
		cancel: cancel,
	}
	go r.run(sctx, sessionID, since, sub, live)
	return sub, nil
}

func (r *Router) run(ctx context.Context, sessionID string, since bus.StreamID, sub *Subscriber, live bus.Subscription) {
	defer func() {
		live.Close()
		close(sub.ch)
	}()

	lastID := since

	// Phase 1: replay the persistent stream past the client's cursor.
	entries, err := r.bus.Range(ctx, events.SessionStream(sessionID), since, 0)
	if err != nil {
		r.logger.Error("session replay failed",
			zap.String("session_id", sessionID), zap.Error(err))
		sub.setReason(DisconnectChannelLost)
		return
	}
	for _, entry := range entries {
		if !sub.deliver(ctx, entryEvent(sessionID, entry)) {
			return
		}
		lastID = entry.ID
	}

	// Phase 2: sentinel, then live frames.
	connected := events.SessionEvent{
		SessionID: sessionID,
		Type:      events.SessionConnected,
		Timestamp: time.Now().UTC(),
	}
	if !sub.deliver(ctx, connected) {
		return
	}

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sub.setReason(DisconnectClientGone)
			return
		case <-ticker.C:
			hb := events.SessionEvent{
				SessionID: sessionID,
				Type:      events.SessionHeartbeat,
				Timestamp: time.Now().UTC(),
			}
			if !sub.offer(hb) {
				return
			}
		case msg, ok := <-live.Channel():
			if !ok {
				sub.setReason(DisconnectChannelLost)
				return
			}
			var ev events.SessionEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				r.logger.Warn("dropping malformed session frame",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			if ev.StreamID != "" {
				id, err := bus.ParseStreamID(ev.StreamID)
				if err == nil {
					if !lastID.Before(id) {
						// Already delivered during replay.
						continue
					}
					lastID = id
				}
			}
			if !sub.offer(ev) {
				return
			}
		}
	}
}

// deliver blocks until the frame is accepted or the subscriber is gone. Used
// during replay, where the client is actively draining.
func (s *Subscriber) deliver(ctx context.Context, ev events.SessionEvent) bool {
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		s.setReason(DisconnectClientGone)
		return false
	}
}

// offer never blocks. A full buffer means the consumer is too slow to keep
// its cursor meaningful; it gets disconnected and must reconnect with the
// last stream id it processed.
func (s *Subscriber) offer(ev events.SessionEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		s.setReason(DisconnectSlowConsumer)
		return false
	}
}

func entryEvent(sessionID string, entry bus.Entry) events.SessionEvent {
	ev := events.SessionEvent{
		SessionID: sessionID,
		StreamID:  entry.ID.String(),
		Type:      entry.Values["type"],
	}
	if raw := entry.Values["payload"]; raw != "" {
		ev.Payload = json.RawMessage(raw)
	}
	if ts, err := strconv.ParseInt(entry.Values["ts"], 10, 64); err == nil {
		ev.Timestamp = time.UnixMilli(ts).UTC()
	}
	return ev
}
