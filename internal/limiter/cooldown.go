package limiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cooldown is a per provider/model breaker. While open, callers should
// skip the provider.
type Cooldown interface {
	IsOpen(ctx context.Context, provider, model string) bool
	Open(ctx context.Context, provider, model string)
	Close(ctx context.Context, provider, model string)
}

type CooldownOptions struct {
	RedisURL    string
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *CooldownOptions) defaults() {
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 30 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
}

// NewCooldown returns a redis backed breaker when RedisURL is set so that
// cooldowns survive restarts, and an in-process one otherwise.
func NewCooldown(opts CooldownOptions) (Cooldown, error) {
	opts.defaults()
	if opts.RedisURL == "" {
		return NewMemoryCooldown(opts), nil
	}
	ro, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(ro)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisCooldown{rdb: c, baseBackoff: opts.BaseBackoff, maxBackoff: opts.MaxBackoff}, nil
}

func key(provider, model string) string {
	return fmt.Sprintf("cb:%s:%s", strings.ToLower(provider), strings.ToLower(model))
}

// backoff doubles per attempt up to max.
func backoff(base, max time.Duration, attempts int64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 20 {
		return max
	}
	d := base * (1 << (attempts - 1))
	if d > max {
		d = max
	}
	return d
}

type RedisCooldown struct {
	rdb         *redis.Client
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func (a *RedisCooldown) IsOpen(ctx context.Context, provider, model string) bool {
	ts, err := a.rdb.Get(ctx, key(provider, model)).Int64()
	if err != nil {
		return false
	}
	return time.Now().Unix() < ts
}

// Open sets or extends the cooldown with exponential backoff per attempt.
func (a *RedisCooldown) Open(ctx context.Context, provider, model string) {
	k := key(provider, model)
	attempts, _ := a.rdb.Incr(ctx, k+":attempts").Result()
	d := backoff(a.baseBackoff, a.maxBackoff, attempts)
	_ = a.rdb.Set(ctx, k, time.Now().Add(d).Unix(), d).Err()
}

func (a *RedisCooldown) Close(ctx context.Context, provider, model string) {
	k := key(provider, model)
	_ = a.rdb.Del(ctx, k, k+":attempts").Err()
}

func (a *RedisCooldown) CloseClient() error { return a.rdb.Close() }

type memoryEntry struct {
	until    time.Time
	attempts int64
}

type MemoryCooldown struct {
	mu          sync.Mutex
	entries     map[string]memoryEntry
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

func NewMemoryCooldown(opts CooldownOptions) *MemoryCooldown {
	opts.defaults()
	return &MemoryCooldown{
		entries:     map[string]memoryEntry{},
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		now:         time.Now,
	}
}

func (m *MemoryCooldown) IsOpen(_ context.Context, provider, model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(provider, model)]
	return ok && m.now().Before(e.until)
}

func (m *MemoryCooldown) Open(_ context.Context, provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(provider, model)
	e := m.entries[k]
	e.attempts++
	e.until = m.now().Add(backoff(m.baseBackoff, m.maxBackoff, e.attempts))
	m.entries[k] = e
}

func (m *MemoryCooldown) Close(_ context.Context, provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(provider, model))
}
