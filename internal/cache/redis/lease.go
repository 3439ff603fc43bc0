package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// releaseLua deletes a lease key only if it still holds the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Leases implements domain.LeaseManager with SET NX and a TTL. Engine
// processes sharing a Redis use it so that only one of them uploads a given
// snapshot.
type Leases struct {
	c         *Client
	releaseSc *redis.Script
}

// NewLeases creates a lease manager backed by the given Client.
func NewLeases(c *Client) *Leases {
	return &Leases{c: c, releaseSc: redis.NewScript(releaseLua)}
}

// Acquire takes the lease named key for ttl. The returned release func is safe
// to call more than once. domain.ErrLeaseHeld reports another holder.
func (l *Leases) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := l.c.key("lease", key)

	ok, err := l.c.Underlying().SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lease %s: %w", key, domain.ErrLeaseHeld)
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.releaseSc.Run(ctx, l.c.Underlying(), []string{lk}, token).Err()
	}
	return release, nil
}

// Compile-time interface check.
var _ domain.LeaseManager = (*Leases)(nil)
