package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djinnbot/djinnbot/internal/common/logger"
)

// RedisBus implements EventBus on Redis streams, pub/sub, and keyspace.
type RedisBus struct {
	rdb    *redis.Client
	logger *logger.Logger
}

var _ EventBus = (*RedisBus)(nil)

// incrScript adds to a counter and sets the expiry only when the counter is
// created, so a daily counter keeps its original reset time.
var incrScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[2])
if v == tonumber(ARGV[2]) and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// acquireLockScript is the atomic check-and-claim for work locks. KEYS[1] is
// the lock key, KEYS[2] the ledger set. A ledger member whose lock key has
// expired counts as free and is cleaned up in the same call.
var acquireLockScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  local holder = redis.call('GET', KEYS[1])
  if holder then
    return {0, holder}
  end
  redis.call('SREM', KEYS[2], ARGV[1])
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[1])
return {1, ''}
`)

// NewRedisBus connects to Redis at the given URL (redis://host:port/db) and
// verifies the connection before returning.
func NewRedisBus(ctx context.Context, url string, log *logger.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBus{rdb: rdb, logger: log}, nil
}

func (b *RedisBus) Append(ctx context.Context, stream string, values map[string]string) (StreamID, error) {
	return b.xadd(ctx, stream, 0, values)
}

func (b *RedisBus) AppendCapped(ctx context.Context, stream string, maxLen int64, values map[string]string) (StreamID, error) {
	return b.xadd(ctx, stream, maxLen, values)
}

func (b *RedisBus) xadd(ctx context.Context, stream string, maxLen int64, values map[string]string) (StreamID, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: toInterfaceMap(values),
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	raw, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return StreamID{}, fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return ParseStreamID(raw)
}

func (b *RedisBus) Range(ctx context.Context, stream string, after StreamID, count int64) ([]Entry, error) {
	start := "-"
	if !after.IsZero() {
		start = "(" + after.String()
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = b.rdb.XRangeN(ctx, stream, start, "+", count).Result()
	} else {
		msgs, err = b.rdb.XRange(ctx, stream, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to range stream %s: %w", stream, err)
	}
	return toEntries(msgs)
}

func (b *RedisBus) ReadBlocking(ctx context.Context, stream string, after StreamID, count int64, block time.Duration) ([]Entry, error) {
	args := &redis.XReadArgs{
		Streams: []string{stream, after.String()},
		Block:   block,
	}
	if count > 0 {
		args.Count = count
	}
	res, err := b.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block window elapsed with no new entries.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}
	for _, s := range res {
		if s.Stream == stream {
			return toEntries(s.Messages)
		}
	}
	return nil, nil
}

func (b *RedisBus) Last(ctx context.Context, stream string) (*Entry, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s tail: %w", stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	entries, err := toEntries(msgs)
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}

func (b *RedisBus) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream %s length: %w", stream, err)
	}
	return n, nil
}

func (b *RedisBus) DeleteStream(ctx context.Context, stream string) error {
	return b.rdb.Del(ctx, stream).Err()
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be established so callers do not miss
	// messages published immediately after Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, ch: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Channel() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error { return s.ps.Close() }

func (b *RedisBus) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, true, nil
}

func (b *RedisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBus) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

func (b *RedisBus) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := incrScript.Run(ctx, b.rdb, []string{key}, ttl.Milliseconds(), delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return res, nil
}

func (b *RedisBus) SetAdd(ctx context.Context, key, member string) error {
	return b.rdb.SAdd(ctx, key, member).Err()
}

func (b *RedisBus) SetRemove(ctx context.Context, key, member string) error {
	return b.rdb.SRem(ctx, key, member).Err()
}

func (b *RedisBus) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := b.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", key, err)
	}
	return members, nil
}

func (b *RedisBus) ListPush(ctx context.Context, key, value string) error {
	return b.rdb.RPush(ctx, key, value).Err()
}

func (b *RedisBus) ListPop(ctx context.Context, key string) (string, bool, error) {
	val, err := b.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to pop from %s: %w", key, err)
	}
	return val, true, nil
}

func (b *RedisBus) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", key, err)
	}
	return n, nil
}

func (b *RedisBus) AcquireLock(ctx context.Context, lockKey, ledgerKey, member, value string, ttl time.Duration) (bool, string, error) {
	res, err := acquireLockScript.Run(ctx, b.rdb,
		[]string{lockKey, ledgerKey},
		member, value, ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, "", fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, "", fmt.Errorf("unexpected lock script reply for %s: %v", lockKey, res)
	}
	acquired, _ := reply[0].(int64)
	holder, _ := reply[1].(string)
	return acquired == 1, holder, nil
}

func (b *RedisBus) ReleaseLock(ctx context.Context, lockKey, ledgerKey, member string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, lockKey)
	pipe.SRem(ctx, ledgerKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lockKey, err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

func toInterfaceMap(values map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func toEntries(msgs []redis.XMessage) ([]Entry, error) {
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		id, err := ParseStreamID(msg.ID)
		if err != nil {
			return nil, err
		}
		values := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				values[k] = s
			} else {
				values[k] = fmt.Sprint(v)
			}
		}
		entries = append(entries, Entry{ID: id, Values: values})
	}
	return entries, nil
}
