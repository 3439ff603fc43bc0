package pulse

import (
	"context"
	"time"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// Ticker delivers the current pulse immediately and then every new pulse as
// it begins. Wake-ups are scheduled with UntilNextBoundary and the pulse is
// re-read from the clock on each wake, so timer drift never accumulates. The
// channel is closed when ctx is done.
func Ticker(ctx context.Context, c *Clock) <-chan domain.Pulse {
	out := make(chan domain.Pulse, 1)
	go func() {
		defer close(out)

		last := c.Now()
		select {
		case out <- last:
		case <-ctx.Done():
			return
		}

		timer := time.NewTimer(c.UntilNextBoundary(last))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			p := c.Now()
			if p > last {
				last = p
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
			timer.Reset(c.UntilNextBoundary(last))
		}
	}()
	return out
}
