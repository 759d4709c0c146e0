package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld 锁已过期或被他人持有
var ErrNotHeld = errors.New("lock not held")

// Locker 互斥锁，用于保证同一时刻只有一个实例执行清扫
type Locker interface {
	// TryLock 获取锁，返回释放函数。已被占用时 ok 为 false
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的分布式锁
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker 创建Redis锁
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Close 关闭底层连接
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", fullKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", fullKey, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}
	return release, true, nil
}

// LocalLocker 单实例部署时的进程内锁
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	nowFn func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLocker 创建进程内锁
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), nowFn: time.Now}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.held[key]; !ok || e.token != token {
			return ErrNotHeld
		}
		delete(l.held, key)
		return nil
	}
	return release, true, nil
}
