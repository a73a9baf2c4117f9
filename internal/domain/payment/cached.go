package payment

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/kart-payments/internal/domain/order"
)

// ErrStaleCacheEntry is returned by Cache.Set when the tag was invalidated
// after the version the value was loaded at.
var ErrStaleCacheEntry = errors.New("stale cache entry")

// Cache stores encoded open record sets. Every key is registered under a
// tag so that all keys of one order can be dropped at once.
//
// Each tag has a version. Invalidate advances it before dropping keys, and
// Set stores a value only while the tag is still at the version read before
// the value was loaded, returning ErrStaleCacheEntry otherwise.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Version(ctx context.Context, tag string) (int64, error)
	Set(ctx context.Context, tag, key string, version int64, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, tag string) error
}

// CacheKey returns the cache key of an open record read. An empty shipment
// is the whole order.
func CacheKey(orderNumber, shipment string, op Operation) string {
	if shipment == "" {
		shipment = "*"
	}
	return "payments:" + orderNumber + ":" + shipment + ":" + string(op)
}

// CacheTag returns the tag grouping every cache key of an order.
func CacheTag(orderNumber string) string {
	return "payments:" + orderNumber
}

var _ Orchestrator = (*Cached)(nil)

// Cached is an Orchestrator decorator caching OpenAuthorizations and
// OpenCaptures. Mutating calls pass through and drop the order's cache
// entries when they return. Orchestration itself always reads the ledger,
// so cached values only serve callers of the two read methods.
//
// Cache failures are logged and never fail a call.
type Cached struct {
	next  Orchestrator
	cache Cache
	ttl   time.Duration
	lg    *zap.Logger
	group singleflight.Group
}

// NewCached wraps next with cache.
func NewCached(next Orchestrator, cache Cache, ttl time.Duration, lg *zap.Logger) *Cached {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Cached{next: next, cache: cache, ttl: ttl, lg: lg}
}

// Authorize implements Orchestrator.
func (c *Cached) Authorize(ctx context.Context, o *order.Order, forceSinglePayment, forceProcessing bool, params Params) (Status, error) {
	if o == nil {
		return StatusFailed, ErrOrderRequired
	}
	defer c.invalidate(ctx, o.Number)
	return c.next.Authorize(ctx, o, forceSinglePayment, forceProcessing, params)
}

// ShipmentComplete implements Orchestrator.
func (c *Cached) ShipmentComplete(ctx context.Context, o *order.Order, shipment string, forceProcessing bool, params Params) (Status, error) {
	if o == nil {
		return StatusFailed, ErrOrderRequired
	}
	defer c.invalidate(ctx, o.Number)
	return c.next.ShipmentComplete(ctx, o, shipment, forceProcessing, params)
}

// CancelOrder implements Orchestrator.
func (c *Cached) CancelOrder(ctx context.Context, o *order.Order, forceProcessing bool, params Params) (Status, error) {
	if o == nil {
		return StatusFailed, ErrOrderRequired
	}
	defer c.invalidate(ctx, o.Number)
	return c.next.CancelOrder(ctx, o, forceProcessing, params)
}

// RefundNotification implements Orchestrator.
func (c *Cached) RefundNotification(ctx context.Context, o *order.Order, forceProcessing bool, params Params) (Status, error) {
	if o == nil {
		return StatusFailed, ErrOrderRequired
	}
	defer c.invalidate(ctx, o.Number)
	return c.next.RefundNotification(ctx, o, forceProcessing, params)
}

// ReverseAuthorizations implements Orchestrator.
func (c *Cached) ReverseAuthorizations(ctx context.Context, orderNumber string, forceProcessing bool) (Status, error) {
	defer c.invalidate(ctx, orderNumber)
	return c.next.ReverseAuthorizations(ctx, orderNumber, forceProcessing)
}

// OpenAuthorizations implements Orchestrator.
func (c *Cached) OpenAuthorizations(ctx context.Context, orderNumber, shipment string) ([]Record, error) {
	return c.read(ctx, orderNumber, shipment, OpAuth, c.next.OpenAuthorizations)
}

// OpenCaptures implements Orchestrator.
func (c *Cached) OpenCaptures(ctx context.Context, orderNumber, shipment string) ([]Record, error) {
	return c.read(ctx, orderNumber, shipment, OpCapture, c.next.OpenCaptures)
}

type openReader func(ctx context.Context, orderNumber, shipment string) ([]Record, error)

func (c *Cached) read(ctx context.Context, orderNumber, shipment string, op Operation, load openReader) ([]Record, error) {
	key := CacheKey(orderNumber, shipment, op)
	tag := CacheTag(orderNumber)
	lg := c.lg.With(zap.String("key", key))

	b, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		lg.Warn("Cache get failed", zap.Error(err))
	case ok:
		rs, err := DecodeRecords(jx.DecodeBytes(b))
		if err == nil {
			return rs, nil
		}
		lg.Warn("Cache entry corrupted", zap.Error(err))
	}

	// Loads started before a mutation are neither stored nor shared with
	// callers arriving after it.
	version, err := c.cache.Version(ctx, tag)
	store := err == nil
	flight := key + "@" + strconv.FormatInt(version, 10)
	if err != nil {
		lg.Warn("Cache version failed", zap.Error(err))
		flight = key + "@uncached"
	}

	v, err, _ := c.group.Do(flight, func() (any, error) {
		rs, err := load(ctx, orderNumber, shipment)
		if err != nil {
			return nil, err
		}
		if !store {
			return rs, nil
		}

		var e jx.Encoder
		EncodeRecords(&e, rs)
		switch err := c.cache.Set(ctx, tag, key, version, e.Bytes(), c.ttl); {
		case errors.Is(err, ErrStaleCacheEntry):
			lg.Debug("Cache entry outdated by a concurrent mutation, not stored")
		case err != nil:
			lg.Warn("Cache set failed", zap.Error(err))
		}
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]Record)), nil
}

func (c *Cached) invalidate(ctx context.Context, orderNumber string) {
	// The call may have appended records even when it was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := c.cache.Invalidate(ctx, CacheTag(orderNumber)); err != nil {
		c.lg.Warn("Cache invalidation failed",
			zap.String("order", orderNumber),
			zap.Error(err),
		)
	}
}
