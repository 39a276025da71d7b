package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ihawking/evmx/pkg/logger"
)

// DefaultLockPrefix 任务锁键前缀
const DefaultLockPrefix = "evmx:job:lock:"

var errLockNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// DistributedLock 基于 Redis SET NX 的任务锁
type DistributedLock struct {
	client      redis.UniversalClient
	key         string
	value       string
	ttl         time.Duration
	useWatchdog bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// TryLock 尝试获取锁, 已被其他实例持有时返回 false
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if ok && l.useWatchdog {
		l.startWatchdog(ctx)
	}
	return ok, nil
}

// Unlock 只释放自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	if l.started {
		close(l.stopCh)
		l.wg.Wait()
		l.started = false
	}

	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// startWatchdog 每 TTL/3 续期一次
func (l *DistributedLock) startWatchdog(ctx context.Context) {
	l.started = true
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				if err := l.renew(ctx); err != nil {
					logger.Warn("failed to renew job lock",
						zap.String("key", l.key),
						zap.Error(err))
				}
			}
		}
	}()
}

func (l *DistributedLock) renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return errLockNotHeld
	}
	return nil
}

// IsHeld 锁是否仍由自己持有
func (l *DistributedLock) IsHeld(ctx context.Context) (bool, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == l.value, nil
}

// LockManager 任务锁管理
type LockManager struct {
	client redis.UniversalClient
	prefix string
}

// NewLockManager 创建锁管理器
func NewLockManager(client redis.UniversalClient, prefix string) *LockManager {
	if prefix == "" {
		prefix = DefaultLockPrefix
	}
	return &LockManager{client: client, prefix: prefix}
}

// NewLock 为任务创建锁, 每把锁持有唯一的值
func (m *LockManager) NewLock(jobName string, ttl time.Duration, useWatchdog bool) *DistributedLock {
	return &DistributedLock{
		client:      m.client,
		key:         m.prefix + jobName,
		value:       uuid.NewString(),
		ttl:         ttl,
		useWatchdog: useWatchdog,
		stopCh:      make(chan struct{}),
	}
}

// IsLocked 任务是否正在某个实例上运行
func (m *LockManager) IsLocked(ctx context.Context, jobName string) (bool, error) {
	n, err := m.client.Exists(ctx, m.prefix+jobName).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ForceUnlock 强制删除任务锁
func (m *LockManager) ForceUnlock(ctx context.Context, jobName string) error {
	return m.client.Del(ctx, m.prefix+jobName).Err()
}
