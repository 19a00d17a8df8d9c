package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "salescall:call:"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int

	// TTL is refreshed on every write. Zero keeps calls until deleted.
	TTL time.Duration

	Clock  Clock
	Logger *slog.Logger
}

// RedisStore keeps each call as a metadata hash plus a list of JSON turns,
// so several service instances can share call state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    Clock
	logger *slog.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisStore(client, opts), nil
}

func newRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    opts.TTL,
		now:    opts.Clock,
		logger: opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session.redis")
	return s
}

func metaKey(id string) string  { return keyPrefix + id + ":meta" }
func turnsKey(id string) string { return keyPrefix + id + ":turns" }

// createScript writes a new call only when its metadata key is absent.
// KEYS: meta, turns. ARGV: ttl ms, created_at, phone_number,
// customer_name, last_active, then the encoded turns.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[1], 'created_at', ARGV[2], 'phone_number', ARGV[3], 'customer_name', ARGV[4], 'last_active', ARGV[5])
for i = 6, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
local ttl = tonumber(ARGV[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// appendScript pushes a turn only while the call exists.
// KEYS: meta, turns. ARGV: ttl ms, encoded turn, last_active.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[1], 'last_active', ARGV[3])
local ttl = tonumber(ARGV[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, call Call) error {
	if call.ID == "" {
		return fmt.Errorf("session: call id required")
	}
	args, err := createArgs(call, s.now(), s.ttl)
	if err != nil {
		return err
	}

	created, err := createScript.Run(ctx, s.client, []string{metaKey(call.ID), turnsKey(call.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	if created == 0 {
		return ErrExists
	}
	return nil
}

// createArgs encodes everything Create writes, so nothing reaches Redis
// unless the whole call encodes.
func createArgs(call Call, now time.Time, ttl time.Duration) ([]interface{}, error) {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	args := make([]interface{}, 0, 5+len(call.Turns))
	args = append(args,
		ttl.Milliseconds(),
		call.CreatedAt.Format(time.RFC3339Nano),
		call.PhoneNumber,
		call.CustomerName,
		now.Format(time.RFC3339Nano),
	)
	for _, turn := range call.Turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return nil, fmt.Errorf("encode turn: %w", err)
		}
		args = append(args, string(data))
	}
	return args, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (Call, error) {
	fields, err := s.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return Call{}, fmt.Errorf("get call: %w", err)
	}
	if len(fields) == 0 {
		return Call{}, ErrNotFound
	}
	turns, err := s.Turns(ctx, id)
	if err != nil {
		return Call{}, err
	}

	call := Call{
		ID:           id,
		PhoneNumber:  fields["phone_number"],
		CustomerName: fields["customer_name"],
		Turns:        turns,
	}
	call.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	call.LastActive, _ = time.Parse(time.RFC3339Nano, fields["last_active"])
	return call, nil
}

// Append implements Store. The existence check and the push run as one
// script, so a turn is never stored for a call that was just deleted or
// expired.
func (s *RedisStore) Append(ctx context.Context, id string, turn Turn) error {
	now := s.now()
	if turn.At.IsZero() {
		turn.At = now
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	ok, err := appendScript.Run(ctx, s.client, []string{metaKey(id), turnsKey(id)},
		s.ttl.Milliseconds(), string(data), now.Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// Turns implements Store.
func (s *RedisStore) Turns(ctx context.Context, id string) ([]Turn, error) {
	raw, err := s.client.LRange(ctx, turnsKey(id), 0, -1).Result()
	if err == redis.Nil {
		raw = nil
	} else if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	if len(raw) == 0 {
		exists, err := s.client.Exists(ctx, metaKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("list turns: %w", err)
		}
		if exists == 0 {
			return nil, ErrNotFound
		}
	}

	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			s.logger.Warn("skipping corrupt turn", "call_id", id, "error", err)
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, metaKey(id), turnsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Len implements Store by scanning metadata keys.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+"*:meta", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return count, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
