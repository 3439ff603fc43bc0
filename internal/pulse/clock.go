// Package pulse derives the logical pulse coordinate from wall-clock time or
// an injected source and schedules wake-ups at pulse boundaries.
package pulse

import (
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// Duration is the real-world length of one pulse, (3+√5) seconds.
const Duration = 5_236_067_977 * time.Nanosecond

// Grid constants.
const (
	PulsesPerStep = 11
	StepsPerBeat  = 44
	BeatsPerDay   = 36
	PulsesPerBeat = PulsesPerStep * StepsPerBeat
	PulsesPerDay  = PulsesPerBeat * BeatsPerDay
)

// Boundary delays are clamped to this range.
const (
	MinWait = time.Millisecond
	MaxWait = 60 * time.Second
)

// Genesis is the wall-clock instant of pulse 0.
var Genesis = time.Date(2024, time.May, 10, 6, 45, 41, 888_000_000, time.UTC)

// SourceKind names the source a clock was built on.
type SourceKind string

const (
	SourceInjected SourceKind = "injected"
	SourceAnchor   SourceKind = "anchor"
	SourceEngine   SourceKind = "engine"
	SourceWall     SourceKind = "wall"
)

// Anchor pins a known pulse to a wall-clock instant; later readings bridge
// the elapsed time from there.
type Anchor struct {
	Pulse domain.Pulse
	At    time.Time
}

// TimeSource is an external time engine reporting the current pulse, possibly
// fractional.
type TimeSource interface {
	PulseNow() float64
}

// Options configures a Clock. The first non-empty of PulseFunc, Anchor and
// Source wins; otherwise the clock bridges from Genesis.
type Options struct {
	PulseFunc func() float64
	Anchor    *Anchor
	Source    TimeSource
	// Now reads the wall clock. Defaults to time.Now.
	Now func() time.Time
}

// Clock produces a non-decreasing pulse. It is safe for concurrent use.
type Clock struct {
	mu     sync.Mutex
	kind   SourceKind
	fn     func() float64
	src    TimeSource
	anchor Anchor
	now    func() time.Time
	last   domain.Pulse
}

// New resolves the source once and returns the clock.
func New(opts Options) *Clock {
	c := &Clock{now: opts.Now}
	if c.now == nil {
		c.now = time.Now
	}
	switch {
	case opts.PulseFunc != nil:
		c.kind = SourceInjected
		c.fn = opts.PulseFunc
	case opts.Anchor != nil:
		c.kind = SourceAnchor
		c.anchor = *opts.Anchor
	case opts.Source != nil:
		c.kind = SourceEngine
		c.src = opts.Source
	default:
		c.kind = SourceWall
	}
	return c
}

// Source reports which source the clock reads.
func (c *Clock) Source() SourceKind { return c.kind }

// Now returns the current pulse. It never decreases within the lifetime of the
// clock unless Reanchor is called.
func (c *Clock) Now() domain.Pulse {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.read()
	if p < c.last {
		return c.last
	}
	c.last = p
	return p
}

// Reanchor switches the clock to anchor bridging from a and forgets the
// previous high-water mark.
func (c *Clock) Reanchor(a Anchor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = SourceAnchor
	c.anchor = a
	c.fn = nil
	c.src = nil
	c.last = 0
}

func (c *Clock) read() domain.Pulse {
	switch c.kind {
	case SourceInjected:
		return normalize(safeCall(c.fn))
	case SourceEngine:
		return normalize(safeCall(c.src.PulseNow))
	case SourceAnchor:
		return bridge(c.anchor.Pulse, c.now().Sub(c.anchor.At))
	default:
		return bridge(0, c.now().Sub(Genesis))
	}
}

// safeCall shields the clock from a panicking source.
func safeCall(fn func() float64) (v float64) {
	defer func() {
		if recover() != nil {
			v = math.NaN()
		}
	}()
	return fn()
}

// normalize maps a raw reading to a pulse; anything non-finite, negative or
// beyond the integer range reads as 0.
func normalize(v float64) domain.Pulse {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v >= math.MaxInt64 {
		return 0
	}
	return domain.Pulse(math.Floor(v))
}

func bridge(base domain.Pulse, elapsed time.Duration) domain.Pulse {
	if elapsed <= 0 {
		return base
	}
	return base + domain.Pulse(elapsed/Duration)
}

// BoundaryAt returns the wall-clock instant at which pulse p begins, using the
// clock's anchor when it has one and Genesis otherwise.
func (c *Clock) BoundaryAt(p domain.Pulse) time.Time {
	c.mu.Lock()
	base, at := domain.Pulse(0), Genesis
	if c.kind == SourceAnchor {
		base, at = c.anchor.Pulse, c.anchor.At
	}
	c.mu.Unlock()

	if p <= base {
		return at
	}
	delta := uint64(p - base)
	if delta > uint64(math.MaxInt64/int64(Duration)) {
		return at.Add(time.Duration(math.MaxInt64))
	}
	return at.Add(time.Duration(delta) * Duration)
}

// UntilNextBoundary returns how long to wait before pulse p+1 begins, clamped
// to [MinWait, MaxWait].
func (c *Clock) UntilNextBoundary(p domain.Pulse) time.Duration {
	next := p
	if next < math.MaxUint64 {
		next++
	}
	return clampWait(c.BoundaryAt(next).Sub(c.now()))
}

func clampWait(d time.Duration) time.Duration {
	if d < MinWait {
		return MinWait
	}
	if d > MaxWait {
		return MaxWait
	}
	return d
}

// MomentAt places p on the step/beat grid.
func MomentAt(p domain.Pulse) domain.Moment {
	inDay := uint64(p) % PulsesPerDay
	return domain.Moment{
		Pulse:     p,
		Beat:      uint32(inDay / PulsesPerBeat),
		StepIndex: uint32((inDay % PulsesPerBeat) / PulsesPerStep),
	}
}
