package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps calls in process memory, bounded by count (least
// recently active calls are evicted first) and by idle TTL.
type MemoryStore struct {
	mu       sync.Mutex
	calls    *lru.Cache[string, *Call]
	ttl      time.Duration
	now      Clock
	onEvict  func(id string)
	deleting bool // guarded by mu
	logger   *slog.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	maxCalls int
	ttl      time.Duration
	clock    Clock
	onEvict  func(id string)
	logger   *slog.Logger
}

// WithMaxCalls bounds the number of live calls.
func WithMaxCalls(n int) MemoryOption {
	return func(c *memoryConfig) { c.maxCalls = n }
}

// WithTTL expires calls idle for longer than ttl. Zero disables expiry.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.ttl = ttl }
}

// WithClock injects the time source.
func WithClock(clock Clock) MemoryOption {
	return func(c *memoryConfig) { c.clock = clock }
}

// WithEvictHook is called with the id of every call removed by the size
// bound or by expiry. It must not call back into the store.
func WithEvictHook(fn func(id string)) MemoryOption {
	return func(c *memoryConfig) { c.onEvict = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(c *memoryConfig) { c.logger = logger }
}

// NewMemoryStore creates a MemoryStore. Defaults: 10000 calls, 30 minute
// idle TTL, wall clock.
func NewMemoryStore(opts ...MemoryOption) (*MemoryStore, error) {
	cfg := memoryConfig{
		maxCalls: 10000,
		ttl:      30 * time.Minute,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &MemoryStore{
		ttl:     cfg.ttl,
		now:     cfg.clock,
		onEvict: cfg.onEvict,
		logger:  cfg.logger.With("component", "session.memory"),
	}
	calls, err := lru.NewWithEvict[string, *Call](cfg.maxCalls, func(id string, _ *Call) {
		if s.deleting {
			return
		}
		s.logger.Info("call evicted", "call_id", id)
		if s.onEvict != nil {
			s.onEvict(id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create call cache: %w", err)
	}
	s.calls = calls
	return s, nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, call Call) error {
	if call.ID == "" {
		return fmt.Errorf("session: call id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.calls.Peek(call.ID); ok && !s.expired(existing) {
		return ErrExists
	}
	now := s.now()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.LastActive = now
	call.Turns = append([]Turn(nil), call.Turns...)
	s.calls.Add(call.ID, &call)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.live(id)
	if err != nil {
		return Call{}, err
	}
	out := *call
	out.Turns = append([]Turn(nil), call.Turns...)
	return out, nil
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.live(id)
	if err != nil {
		return err
	}
	now := s.now()
	if turn.At.IsZero() {
		turn.At = now
	}
	call.Turns = append(call.Turns, turn)
	call.LastActive = now
	s.calls.Get(id) // mark most recently used
	return nil
}

// Turns implements Store.
func (s *MemoryStore) Turns(ctx context.Context, id string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.live(id)
	if err != nil {
		return nil, err
	}
	return append([]Turn(nil), call.Turns...), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls.Peek(id); !ok {
		return ErrNotFound
	}
	// Remove fires the evict callback; explicit deletes are not evictions.
	s.deleting = true
	s.calls.Remove(id)
	s.deleting = false
	return nil
}

// Len implements Store. Expired calls not yet swept are counted.
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	return s.calls.Len(), nil
}

// Sweep removes every expired call and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range s.calls.Keys() {
		if call, ok := s.calls.Peek(id); ok && s.expired(call) {
			s.calls.Remove(id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept expired calls", "removed", removed, "remaining", s.calls.Len())
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.calls.Purge()
	return nil
}

// live returns the call for id, removing it if it has expired.
// Caller holds s.mu.
func (s *MemoryStore) live(id string) (*Call, error) {
	call, ok := s.calls.Peek(id)
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(call) {
		s.calls.Remove(id)
		return nil, ErrNotFound
	}
	return call, nil
}

func (s *MemoryStore) expired(call *Call) bool {
	return s.ttl > 0 && s.now().Sub(call.LastActive) > s.ttl
}

var _ Store = (*MemoryStore)(nil)
