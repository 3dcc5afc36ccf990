package provision

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes allocation and provisioning. Lock blocks until the lock
// is held or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// MutexLocker is an in-process Locker, sufficient for a single provisioner
// instance per host.
type MutexLocker struct {
	sem chan struct{}
}

// NewMutexLocker creates an unlocked MutexLocker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{sem: make(chan struct{}, 1)}
}

// Lock acquires the mutex or gives up when ctx is done.
func (m *MutexLocker) Lock(ctx context.Context) (func(), error) {
	select {
	case m.sem <- struct{}{}:
		return func() { <-m.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire allocation lock: %w", ctx.Err())
	}
}

// releaseScript deletes the lock key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by several provisioner instances that
// manage the same host. The key expires after ttl so a crashed holder
// cannot wedge allocation forever.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	retry  time.Duration
	logger *log.Logger
}

// NewRedisLocker creates a Locker on key. ttl must outlast the slowest
// provisioning sequence.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration, logger *log.Logger) *RedisLocker {
	if logger == nil {
		logger = log.New(os.Stdout, "[lock] ", log.LstdFlags|log.Lmsgprefix)
	}
	if key == "" {
		key = "vncprov:allocation"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, retry: 200 * time.Millisecond, logger: logger}
}

// Lock polls SET NX until it wins or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire redis lock: %w", err)
		}
		if ok {
			return func() { l.release(token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire redis lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		l.logger.Printf("warning: release lock %s: %v", l.key, err)
		return
	}
	if n == 0 {
		l.logger.Printf("warning: lock %s expired before release", l.key)
	}
}
