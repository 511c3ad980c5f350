package bus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryBus is an in-process EventBus for tests and single-node development.
// All operations are serialized on one mutex, which makes every compound
// operation trivially atomic.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string]*memStream
	kv      map[string]memValue
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	subs    map[string]map[*memorySubscription]struct{}
	closed  bool
}

type memStream struct {
	entries []Entry
	lastID  StreamID
	waiters []chan struct{}
}

type memValue struct {
	value    string
	expireAt time.Time // zero means no expiry
}

var _ EventBus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams: make(map[string]*memStream),
		kv:      make(map[string]memValue),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		subs:    make(map[string]map[*memorySubscription]struct{}),
	}
}

func (b *MemoryBus) Append(ctx context.Context, stream string, values map[string]string) (StreamID, error) {
	return b.append(stream, 0, values)
}

func (b *MemoryBus) AppendCapped(ctx context.Context, stream string, maxLen int64, values map[string]string) (StreamID, error) {
	return b.append(stream, maxLen, values)
}

func (b *MemoryBus) append(stream string, maxLen int64, values map[string]string) (StreamID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return StreamID{}, fmt.Errorf("bus is closed")
	}

	s := b.streams[stream]
	if s == nil {
		s = &memStream{}
		b.streams[stream] = s
	}

	id := StreamID{Ms: time.Now().UnixMilli()}
	if id.Ms <= s.lastID.Ms {
		id = StreamID{Ms: s.lastID.Ms, Seq: s.lastID.Seq + 1}
	}
	s.lastID = id

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.entries = append(s.entries, Entry{ID: id, Values: copied})

	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = s.entries[int64(len(s.entries))-maxLen:]
	}

	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil

	return id, nil
}

func (b *MemoryBus) Range(ctx context.Context, stream string, after StreamID, count int64) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(stream, after, count), nil
}

func (b *MemoryBus) readLocked(stream string, after StreamID, count int64) []Entry {
	s := b.streams[stream]
	if s == nil {
		return nil
	}
	idx := sort.Search(len(s.entries), func(i int) bool {
		return after.Before(s.entries[i].ID)
	})
	if idx == len(s.entries) {
		return nil
	}
	entries := s.entries[idx:]
	if count > 0 && int64(len(entries)) > count {
		entries = entries[:count]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

func (b *MemoryBus) ReadBlocking(ctx context.Context, stream string, after StreamID, count int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		if entries := b.readLocked(stream, after, count); len(entries) > 0 {
			b.mu.Unlock()
			return entries, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.mu.Unlock()
			return nil, nil
		}

		s := b.streams[stream]
		if s == nil {
			s = &memStream{}
			b.streams[stream] = s
		}
		wake := make(chan struct{})
		s.waiters = append(s.waiters, wake)
		b.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (b *MemoryBus) Last(ctx context.Context, stream string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[stream]
	if s == nil || len(s.entries) == 0 {
		return nil, nil
	}
	entry := s.entries[len(s.entries)-1]
	return &entry, nil
}

func (b *MemoryBus) StreamLen(ctx context.Context, stream string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[stream]
	if s == nil {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (b *MemoryBus) DeleteStream(ctx context.Context, stream string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, stream)
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for sub := range b.subs[channel] {
		// Slow subscribers drop messages instead of blocking publishers,
		// matching broker pub/sub semantics.
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		ch:      make(chan Message, 64),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	ch      chan Message
	once    sync.Once
}

func (s *memorySubscription) Channel() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.channel], s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *MemoryBus) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.getLocked(key)
	return v, ok, nil
}

func (b *MemoryBus) getLocked(key string) (string, bool) {
	v, ok := b.kv[key]
	if !ok {
		return "", false
	}
	if !v.expireAt.IsZero() && time.Now().After(v.expireAt) {
		delete(b.kv, key)
		return "", false
	}
	return v.value, true
}

func (b *MemoryBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(key, value, ttl)
	return nil
}

func (b *MemoryBus) setLocked(key, value string, ttl time.Duration) {
	v := memValue{value: value}
	if ttl > 0 {
		v.expireAt = time.Now().Add(ttl)
	}
	b.kv[key] = v
}

func (b *MemoryBus) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

func (b *MemoryBus) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.getLocked(key)
	if !ok {
		b.setLocked(key, strconv.FormatInt(delta, 10), ttl)
		return delta, nil
	}
	n, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
	}
	n += delta
	// Preserve the existing expiry; only creation sets the TTL.
	existing := b.kv[key]
	existing.value = strconv.FormatInt(n, 10)
	b.kv[key] = existing
	return n, nil
}

func (b *MemoryBus) SetAdd(ctx context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sets[key] == nil {
		b.sets[key] = make(map[string]struct{})
	}
	b.sets[key][member] = struct{}{}
	return nil
}

func (b *MemoryBus) SetRemove(ctx context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sets[key], member)
	return nil
}

func (b *MemoryBus) SetMembers(ctx context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := make([]string, 0, len(b.sets[key]))
	for m := range b.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (b *MemoryBus) ListPush(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[key] = append(b.lists[key], value)
	return nil
}

func (b *MemoryBus) ListPop(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	value := list[0]
	b.lists[key] = list[1:]
	return value, true, nil
}

func (b *MemoryBus) ListLen(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.lists[key])), nil
}

func (b *MemoryBus) AcquireLock(ctx context.Context, lockKey, ledgerKey, member, value string, ttl time.Duration) (bool, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, inLedger := b.sets[ledgerKey][member]; inLedger {
		if holder, alive := b.getLocked(lockKey); alive {
			return false, holder, nil
		}
		// Lock expired but the ledger entry lingered; reclaim it.
		delete(b.sets[ledgerKey], member)
	}

	b.setLocked(lockKey, value, ttl)
	if b.sets[ledgerKey] == nil {
		b.sets[ledgerKey] = make(map[string]struct{})
	}
	b.sets[ledgerKey][member] = struct{}{}
	return true, "", nil
}

func (b *MemoryBus) ReleaseLock(ctx context.Context, lockKey, ledgerKey, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, lockKey)
	delete(b.sets[ledgerKey], member)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
