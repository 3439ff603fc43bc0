package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// connectRetries bounds the attempts made against a backend at startup.
const connectRetries = 5

// connectBackOff is the retry schedule for backend connections.
var connectBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return backoff.WithMaxRetries(b, connectRetries)
}

// connect calls dial until it succeeds, ctx ends or the retries run out.
func connect[T any](ctx context.Context, logger *slog.Logger, backend string, dial func() (T, error)) (T, error) {
	var out T
	op := func() error {
		v, err := dial()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "backend connect failed, retrying",
			slog.String("backend", backend),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(connectBackOff(), ctx), notify)
	return out, err
}
