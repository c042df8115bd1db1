package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memLease struct {
	owner   string
	expires time.Time
}

// Memory implements Locker in process memory, for tests and single-node
// local runs.
type Memory struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu   sync.Mutex
	held map[string]memLease
}

var _ Locker = (*Memory)(nil)

// NewMemory returns an in-memory Locker. A nil clock defaults to the real
// one and a non-positive TTL to DefaultTTL.
func NewMemory(clk clockwork.Clock, ttl time.Duration) *Memory {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{clock: clk, ttl: ttl, held: make(map[string]memLease)}
}

func (m *Memory) Acquire(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if cur, ok := m.held[key]; ok && !cur.expires.Before(now) {
		return fmt.Errorf("acquire %q: %w", key, ErrConditionFailed)
	}
	m.held[key] = memLease{owner: owner, expires: now.Add(m.ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[key]
	if !ok || cur.owner != owner {
		return fmt.Errorf("release %q: %w", key, ErrConditionFailed)
	}
	delete(m.held, key)
	return nil
}

func (m *Memory) IsLocked(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[key]
	if !ok {
		return false, nil
	}
	return cur.expires.After(m.clock.Now()), nil
}
