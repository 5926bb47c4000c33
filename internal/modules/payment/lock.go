package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker serialises mutations of one order or payment. Keys are "order:<id>"
// while creating a payment and "payment:<id>" for every later change.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func orderKey(id uuid.UUID) string   { return "order:" + id.String() }
func paymentKey(id uuid.UUID) string { return "payment:" + id.String() }

// ── In-process keyed mutex ────────────────────────────────────────────────────

type memoryLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker returns a Locker for single-instance deployments.
func NewMemoryLocker() Locker {
	return &memoryLocker{slots: map[string]*lockSlot{}}
}

func (l *memoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(key, slot, true) }) }, nil
}

func (l *memoryLocker) release(key string, slot *lockSlot, held bool) {
	if held {
		<-slot.ch
	}
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}

// ── Redis lock ────────────────────────────────────────────────────────────────

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
	log    *zap.Logger
}

// NewRedisLocker returns a Locker shared by every API instance. ttl must exceed
// the longest gateway call made while holding the lock.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) Locker {
	return &redisLocker{client: client, ttl: ttl, retry: 50 * time.Millisecond, prefix: "fixi:lock:", log: log}
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	full := l.prefix + key
	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Released with a fresh context so a cancelled request still frees the key.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			released, err := releaseScript.Run(ctx, l.client, []string{full}, token).Int()
			switch {
			case err != nil:
				l.log.Error("release lock", zap.String("key", key), zap.Error(err))
			case released == 0:
				// The TTL ran out while held; another holder may have overlapped.
				l.log.Warn("lock expired before release", zap.String("key", key), zap.Duration("ttl", l.ttl))
			}
		})
	}, nil
}
