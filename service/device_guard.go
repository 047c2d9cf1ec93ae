package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aviralgarg05/Image-to-3d/metrics"
	"github.com/aviralgarg05/Image-to-3d/model"
	"github.com/aviralgarg05/Image-to-3d/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lease 跨进程的设备租约
type Lease interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// DeviceGuard 串行化对重建设备的访问：进程内单槽信号量，可选跨进程租约
type DeviceGuard struct {
	semaphore    chan struct{}
	queueTimeout time.Duration
	lease        Lease
	metrics      *metrics.Collector
}

func NewDeviceGuard(queueTimeout time.Duration, lease Lease, m *metrics.Collector) *DeviceGuard {
	return &DeviceGuard{
		semaphore:    make(chan struct{}, 1),
		queueTimeout: queueTimeout,
		lease:        lease,
		metrics:      m,
	}
}

// Do 独占设备执行 fn，排队超时返回资源错误
func (g *DeviceGuard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	waitCtx := ctx
	if g.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.queueTimeout)
		defer cancel()
	}

	start := time.Now()
	select {
	case g.semaphore <- struct{}{}:
		defer func() { <-g.semaphore }()
	case <-waitCtx.Done():
		return model.NewError(model.KindResource, "wait for device",
			fmt.Errorf("reconstruction queue is full, please retry later: %w", waitCtx.Err()))
	}

	if g.lease != nil {
		release, err := g.lease.Acquire(waitCtx)
		if err != nil {
			return model.NewError(model.KindResource, "acquire device lease", err)
		}
		defer release()
	}

	wait := time.Since(start)
	g.metrics.RecordQueueWait(wait)
	if wait > time.Second {
		utils.Named("device_guard").Info("waited for reconstruction device", zap.Duration("wait", wait))
	}

	g.metrics.DeviceAcquired()
	defer g.metrics.DeviceReleased()

	return fn(ctx)
}

// releaseScript 只删除自己持有的租约
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript 只续期自己持有的租约
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease 基于 SET NX PX 的设备租约，多个服务进程共享一块 GPU 时使用
// 持有期间每 ttl/3 续期一次，重建耗时超过 ttl 也不会被其他进程抢占
type RedisLease struct {
	client        *redis.Client
	key           string
	ttl           time.Duration
	pollInterval  time.Duration
	renewInterval time.Duration
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client:        client,
		key:           key,
		ttl:           ttl,
		pollInterval:  200 * time.Millisecond,
		renewInterval: max(ttl/3, time.Millisecond),
	}
}

// Acquire 轮询直到拿到租约或 ctx 结束
func (l *RedisLease) Acquire(ctx context.Context) (func(), error) {
	token := utils.NewID()
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis lease: %w", err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go l.keepAlive(token, stop, done)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done

					// 请求 ctx 可能已取消，释放使用独立 ctx
					rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := releaseScript.Run(rctx, l.client, []string{l.key}, token).Err(); err != nil {
						utils.Named("device_guard").Warn("failed to release device lease",
							zap.String("key", l.key),
							zap.Error(err))
					}
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("device lease %s held by another process: %w", l.key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// keepAlive 定期续期，直到 stop 关闭或租约已不属于自己
func (l *RedisLease) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.renewInterval)
		n, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			utils.Named("device_guard").Warn("failed to renew device lease",
				zap.String("key", l.key),
				zap.Error(err))
		case n == 0:
			utils.Named("device_guard").Error("device lease lost before release", zap.String("key", l.key))
			return
		}
	}
}
