// Package lease 提供账户租约，串行化 nonce 分配与余额变更
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ihawking/evmx/internal/metrics"
	bizerr "github.com/ihawking/evmx/pkg/errors"
)

// ErrLeaseNotHeld 租约未持有
var ErrLeaseNotHeld = errors.New("lease not held")

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// Leaser 账户租约管理器
type Leaser interface {
	// Acquire 自旋获取租约，超过等待上限返回 LEASE_TIMEOUT
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease 已持有的租约
type Lease interface {
	Release(ctx context.Context) error
}

// Options 租约参数
type Options struct {
	KeyPrefix    string
	TTL          time.Duration
	SpinInterval time.Duration
	WaitTimeout  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.TTL == 0 {
		out.TTL = 10 * time.Second
	}
	if out.SpinInterval == 0 {
		out.SpinInterval = 20 * time.Millisecond
	}
	if out.WaitTimeout == 0 {
		out.WaitTimeout = 10 * time.Second
	}
	return out
}

// WithLease 在租约保护下执行函数
func WithLease(ctx context.Context, l Leaser, key string, fn func(ctx context.Context) error) error {
	held, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		// 可能已过期
		_ = held.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}

// spin 以固定间隔重试 try 直到成功、出错或等待超时
func spin(ctx context.Context, key string, opts Options, try func() (bool, error)) error {
	start := time.Now()
	deadline := start.Add(opts.WaitTimeout)
	for {
		ok, err := try()
		if err != nil {
			metrics.RecordLeaseWait("error", time.Since(start).Seconds())
			return err
		}
		if ok {
			metrics.RecordLeaseWait("acquired", time.Since(start).Seconds())
			return nil
		}
		if time.Now().After(deadline) {
			metrics.RecordLeaseWait("timeout", time.Since(start).Seconds())
			return bizerr.ErrLeaseTimeout.WithDetail("key", key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.SpinInterval):
		}
	}
}

// RedisLeaser 基于 Redis SETNX 的租约
type RedisLeaser struct {
	client redis.UniversalClient
	opts   Options
}

// NewRedisLeaser 创建 Redis 租约管理器
func NewRedisLeaser(client redis.UniversalClient, opts Options) *RedisLeaser {
	return &RedisLeaser{
		client: client,
		opts:   opts.withDefaults(),
	}
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	value  string
}

// Acquire 获取租约
func (l *RedisLeaser) Acquire(ctx context.Context, key string) (Lease, error) {
	held := &redisLease{
		client: l.client,
		key:    l.opts.KeyPrefix + key,
		value:  uuid.New().String(),
	}

	err := spin(ctx, key, l.opts, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, held.key, held.value, l.opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("acquire lease failed: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return held, nil
}

// Release 释放租约，只有持有者才能释放
func (l *redisLease) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("release lease failed: %w", err)
	}
	if result == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

// LocalLeaser 单进程租约
type LocalLeaser struct {
	opts Options

	mu     sync.Mutex
	leases map[string]localEntry
}

type localEntry struct {
	owner     string
	expiresAt time.Time
}

// NewLocalLeaser 创建单进程租约管理器
func NewLocalLeaser(opts Options) *LocalLeaser {
	return &LocalLeaser{
		opts:   opts.withDefaults(),
		leases: make(map[string]localEntry),
	}
}

type localLease struct {
	leaser *LocalLeaser
	key    string
	owner  string
}

// Acquire 获取租约
func (l *LocalLeaser) Acquire(ctx context.Context, key string) (Lease, error) {
	held := &localLease{
		leaser: l,
		key:    l.opts.KeyPrefix + key,
		owner:  uuid.New().String(),
	}

	err := spin(ctx, key, l.opts, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		now := time.Now()
		if cur, ok := l.leases[held.key]; ok && now.Before(cur.expiresAt) {
			return false, nil
		}
		l.leases[held.key] = localEntry{owner: held.owner, expiresAt: now.Add(l.opts.TTL)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return held, nil
}

// Release 释放租约
func (l *localLease) Release(ctx context.Context) error {
	l.leaser.mu.Lock()
	defer l.leaser.mu.Unlock()

	cur, ok := l.leaser.leases[l.key]
	if !ok || cur.owner != l.owner {
		return ErrLeaseNotHeld
	}
	delete(l.leaser.leases, l.key)
	return nil
}
