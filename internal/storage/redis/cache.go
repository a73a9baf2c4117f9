package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

// versionTTL bounds the lifetime of an idle tag version. It is refreshed on
// every write and invalidation and must stay well above any entry TTL.
const versionTTL = 24 * time.Hour

var _ payment.Cache = (*Cache)(nil)

// Cache is a payment.Cache storing values as plain keys, tags as sets of
// keys and tag versions as counters next to the tag.
type Cache struct {
	rdb goredis.UniversalClient
}

// NewCache creates a Cache using rdb.
func NewCache(rdb goredis.UniversalClient) *Cache {
	return &Cache{rdb: rdb}
}

func versionKey(tag string) string {
	return tag + ":version"
}

// Get returns the value of key. A missing key is not an error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get")
	}
	return b, true, nil
}

// Version returns the current version of tag, zero for an unknown tag.
func (c *Cache) Version(ctx context.Context, tag string) (int64, error) {
	return version(ctx, c.rdb, tag)
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func version(ctx context.Context, cmd getter, tag string) (int64, error) {
	v, err := cmd.Get(ctx, versionKey(tag)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "get version")
	}
	return v, nil
}

// Set stores value under key and registers key under tag if tag is still at
// version. The version key is watched, so an Invalidate racing with Set
// aborts the write. The tag set lives as long as its newest key.
func (c *Cache) Set(ctx context.Context, tag, key string, ver int64, value []byte, ttl time.Duration) error {
	vkey := versionKey(tag)
	err := c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := version(ctx, tx, tag)
		if err != nil {
			return err
		}
		if cur != ver {
			return payment.ErrStaleCacheEntry
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, value, ttl)
			pipe.SAdd(ctx, tag, key)
			pipe.Expire(ctx, tag, ttl)
			pipe.Expire(ctx, vkey, versionTTL)
			return nil
		})
		return err
	}, vkey)
	switch {
	case errors.Is(err, goredis.TxFailedErr):
		return payment.ErrStaleCacheEntry
	case errors.Is(err, payment.ErrStaleCacheEntry):
		return err
	case err != nil:
		return errors.Wrap(err, "set")
	}
	return nil
}

// Invalidate advances the tag version, then deletes every key registered
// under tag and the tag itself.
func (c *Cache) Invalidate(ctx context.Context, tag string) error {
	vkey := versionKey(tag)
	if _, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Incr(ctx, vkey)
		pipe.Expire(ctx, vkey, versionTTL)
		return nil
	}); err != nil {
		return errors.Wrap(err, "advance version")
	}

	keys, err := c.rdb.SMembers(ctx, tag).Result()
	if err != nil {
		return errors.Wrap(err, "list tag keys")
	}
	keys = append(keys, tag)
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "delete tag keys")
	}
	return nil
}
