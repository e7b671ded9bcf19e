package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Idempotency maps a client supplied key to the order it created.
type Idempotency struct {
	RDB redis.Cmdable
}

// Lookup returns the order id stored for key, if any.
func (i *Idempotency) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := i.RDB.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Remember stores key -> orderID unless the key is already taken. It returns
// the order id that ends up owning the key.
func (i *Idempotency) Remember(ctx context.Context, key, orderID string) (string, error) {
	k := fmt.Sprintf(KeyIdemOrderCreate, key)
	ok, err := i.RDB.SetNX(ctx, k, orderID, TTLIdempotency).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return orderID, nil
	}
	return i.RDB.Get(ctx, k).Result()
}

type CachedStatus struct {
	Status    domain.OrderStatus `json:"status"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// StatusCache keeps the last known status of an order for cheap polling.
type StatusCache struct {
	RDB redis.Cmdable
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	var cs CachedStatus
	b, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cs, false, nil
	}
	if err != nil {
		return cs, false, err
	}
	if err := json.Unmarshal(b, &cs); err != nil {
		return cs, false, err
	}
	return cs, true, nil
}

func (c *StatusCache) Set(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error {
	b, err := json.Marshal(CachedStatus{Status: status, UpdatedAt: updatedAt})
	if err != nil {
		return err
	}
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err()
}

// Dedup records event ids a consumer has already handled.
type Dedup struct {
	RDB redis.Cmdable
}

// Seen reports whether consumer already handled id.
func (d *Dedup) Seen(ctx context.Context, consumer, id string) (bool, error) {
	return Exists(ctx, d.RDB, fmt.Sprintf(KeyDedup, consumer, id))
}

// Mark records id as handled by consumer.
func (d *Dedup) Mark(ctx context.Context, consumer, id string) error {
	return d.RDB.Set(ctx, fmt.Sprintf(KeyDedup, consumer, id), "1", TTLDedup).Err()
}

// unlockScript deletes the lock only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out short-lived exclusive locks.
type Locker struct {
	RDB redis.Cmdable
}

// TryLock takes key for ttl. ok is false when someone else holds it. The
// returned release is a no-op once the lock has expired or been taken over.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error) {
	token := uuid.NewString()
	ok, err = l.RDB.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return unlockScript.Run(ctx, l.RDB, []string{key}, token).Err()
	}, true, nil
}
