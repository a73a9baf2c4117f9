package redis

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

// LeaseConfig controls the per-order lease.
type LeaseConfig struct {
	// TTL bounds how long a crashed holder blocks the order. It must exceed
	// the slowest orchestration call.
	TTL time.Duration
	// RetryInterval and RetryLimit control how long Lock waits for a held
	// lease before giving up.
	RetryInterval time.Duration
	RetryLimit    int
}

var _ payment.Locker = (*Locker)(nil)

// Locker is a payment.Locker backed by redislock.
type Locker struct {
	client *redislock.Client
	cfg    LeaseConfig
	lg     *zap.Logger
}

// NewLocker creates a Locker using rdb.
func NewLocker(rdb goredis.UniversalClient, cfg LeaseConfig, lg *zap.Logger) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	return &Locker{client: redislock.New(rdb), cfg: cfg, lg: lg}
}

// Lock obtains the lease for key, retrying while it is held elsewhere.
// A lease still held after the retries yields payment.ErrLeaseNotObtained.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, l.cfg.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.cfg.RetryInterval), l.cfg.RetryLimit),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, errors.Wrap(payment.ErrLeaseNotObtained, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "obtain lease")
	}

	return func() {
		// Release even when the request context is already done.
		ctx := context.WithoutCancel(ctx)
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.lg.Warn("Failed to release lease", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
