package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRegistry 基于 Redis 的分布式锁，多个实例共享同一份托管证书时使用。
// 持有期间每隔 ttl/3 续期一次，签发耗时不受 ttl 限制；进程异常退出后锁在 ttl 后自动失效。
type RedisRegistry struct {
	locker  *redislock.Client
	ttl     time.Duration
	refresh time.Duration
	prefix  string
	logger  *zap.Logger
}

const defaultTTL = 30 * time.Minute

// RedisOption 选项
type RedisOption func(*RedisRegistry)

// WithRefreshInterval 续期间隔，默认 ttl/3
func WithRefreshInterval(d time.Duration) RedisOption {
	return func(r *RedisRegistry) { r.refresh = d }
}

// NewRedisRegistry 创建分布式锁
func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration, prefix string, logger *zap.Logger, opts ...RedisOption) *RedisRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	r := &RedisRegistry{
		locker: redislock.New(client),
		ttl:    ttl,
		prefix: prefix,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.refresh <= 0 || r.refresh >= ttl {
		r.refresh = ttl / 3
	}
	return r
}

// TryAcquire 尝试加锁
func (r *RedisRegistry) TryAcquire(ctx context.Context, id string) (Lease, error) {
	return r.obtain(ctx, id, redislock.NoRetry())
}

// Acquire 每秒重试一次，直到 ctx 结束
func (r *RedisRegistry) Acquire(ctx context.Context, id string) (Lease, error) {
	return r.obtain(ctx, id, redislock.LinearBackoff(time.Second))
}

func (r *RedisRegistry) obtain(ctx context.Context, id string, strategy redislock.RetryStrategy) (Lease, error) {
	key := r.prefix + id
	l, err := r.locker.Obtain(ctx, key, r.ttl, &redislock.Options{RetryStrategy: strategy})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrAlreadyInProgress
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("获取锁 %s 失败: %w", key, err)
	}
	r.logger.Debug("已获取锁", zap.String("key", key))

	lease := &redisLease{lock: l, key: key, logger: r.logger, stop: make(chan struct{}), done: make(chan struct{})}
	go lease.keepAlive(r.ttl, r.refresh)
	return lease, nil
}

type redisLease struct {
	lock   *redislock.Lock
	key    string
	logger *zap.Logger

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// keepAlive 定期续期直到 Release；续期失败说明锁已丢失，不再重试
func (l *redisLease) keepAlive(ttl, interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.lock.Refresh(ctx, ttl, nil)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, redislock.ErrNotObtained):
				l.logger.Error("锁已失效，无法续期", zap.String("key", l.key))
				return
			default:
				l.logger.Warn("续期锁失败", zap.String("key", l.key), zap.Error(err))
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		err = l.lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			err = nil
		}
		if err != nil {
			l.logger.Warn("释放锁失败", zap.String("key", l.key), zap.Error(err))
		}
	})
	return err
}
