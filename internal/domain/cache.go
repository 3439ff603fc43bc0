package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus provides pub/sub between processes sharing one backend.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// LeaseManager grants short exclusive leases across processes.
type LeaseManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
