// Package market drives the market lifecycle:
// open → closed → resolving → {resolved, voided, canceled}.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/quote"
)

// Mode selects how markets are decided. The two modes are mutually exclusive
// per deployment.
type Mode string

const (
	// ModeLocal decides deterministically with LocalOutcome.
	ModeLocal Mode = "local"
	// ModeRemote waits in resolving for an oracle decision, fetched each tick
	// or pushed with SubmitResolution.
	ModeRemote Mode = "remote"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeLocal || m == ModeRemote }

// EventKind names a lifecycle event.
type EventKind string

const (
	EventClosed          EventKind = "closed"
	EventResolving       EventKind = "resolving"
	EventResolved        EventKind = "resolved"
	EventVoided          EventKind = "voided"
	EventCanceled        EventKind = "canceled"
	EventTimingMalformed EventKind = "timing_malformed"
	EventFetchFailed     EventKind = "fetch_failed"
)

// Event reports one transition or problem observed by the controller.
type Event struct {
	Kind       EventKind
	MarketID   string
	From       domain.MarketStatus
	To         domain.MarketStatus
	Pulse      domain.Pulse
	Resolution *domain.MarketResolution
	Err        error
}

// Controller owns the market map. It is safe for concurrent use, though the
// engine drives it from a single mutation path.
type Controller struct {
	mu      sync.Mutex
	markets map[string]domain.Market
	mode    Mode
	source  domain.ResolutionSource
	logger  *slog.Logger
	hooks   []func(domain.Market)
}

// NewController creates a Controller. source may be nil in remote mode, in
// which case resolutions arrive only through SubmitResolution.
func NewController(mode Mode, source domain.ResolutionSource, logger *slog.Logger) *Controller {
	if !mode.Valid() {
		mode = ModeLocal
	}
	return &Controller{
		markets: make(map[string]domain.Market),
		mode:    mode,
		source:  source,
		logger:  logger.With(slog.String("component", "market_controller")),
	}
}

// Mode returns the resolution mode.
func (c *Controller) Mode() Mode { return c.mode }

// OnChange registers fn to receive markets after lifecycle or venue changes.
func (c *Controller) OnChange(fn func(domain.Market)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Controller) notify(ms ...domain.Market) {
	c.mu.Lock()
	hooks := append([]func(domain.Market){}, c.hooks...)
	c.mu.Unlock()
	for _, m := range ms {
		for _, h := range hooks {
			h(m.Clone())
		}
	}
}

// Register adds an open market with the given venue.
func (c *Controller) Register(def domain.MarketDef, venue domain.VenueState, at domain.Pulse) (domain.Market, error) {
	def, err := NormalizeDef(def)
	if err != nil {
		return domain.Market{}, err
	}
	if err := quote.ValidateVenue(venue); err != nil {
		return domain.Market{}, fmt.Errorf("market %s: %w", def.ID, err)
	}
	prices, err := quote.VenuePrices(venue)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market %s: %w", def.ID, err)
	}
	m := domain.Market{
		Def: def,
		State: domain.MarketState{
			Status:           domain.MarketOpen,
			Venue:            venue.Clone(),
			Prices:           prices,
			LastUpdatedPulse: domain.MaxPulse(at, def.Timing.CreatedPulse),
		},
	}

	c.mu.Lock()
	if _, ok := c.markets[def.ID]; ok {
		c.mu.Unlock()
		return domain.Market{}, fmt.Errorf("market %s: %w", def.ID, domain.ErrAlreadyExists)
	}
	c.markets[def.ID] = m
	c.mu.Unlock()

	if def.Timing.Malformed() {
		c.logger.Warn("registered market with malformed timing",
			slog.String("market_id", def.ID),
		)
	}
	c.notify(m)
	return m.Clone(), nil
}

// Get returns a copy of a market.
func (c *Controller) Get(id string) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	return m.Clone(), nil
}

// List returns copies of all markets ordered by id.
func (c *Controller) List() []domain.Market {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Def.ID < out[j].Def.ID })
	return out
}

// Tick evaluates every non-terminal market at pulse now. A market is evaluated
// at most once per pulse; a repeated or older pulse is a no-op for it.
// Remote fetches run outside the controller lock, and a failed fetch leaves
// the market resolving for the next tick.
func (c *Controller) Tick(ctx context.Context, now domain.Pulse) []Event {
	var (
		events  []Event
		changed []domain.Market
		fetch   []domain.MarketDef
	)

	c.mu.Lock()
	ids := make([]string, 0, len(c.markets))
	for id := range c.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := c.markets[id]
		if m.State.Status.IsTerminal() {
			continue
		}
		if ev := m.State.EvaluatedPulse; ev != nil && *ev >= now {
			continue
		}
		p := now
		m.State.EvaluatedPulse = &p

		evs, dirty, wantFetch := c.evaluate(&m, now)
		c.markets[id] = m
		events = append(events, evs...)
		if dirty {
			changed = append(changed, m.Clone())
		}
		if wantFetch {
			fetch = append(fetch, m.Def)
		}
	}
	c.mu.Unlock()

	c.notify(changed...)

	for _, def := range fetch {
		res, err := c.source.Fetch(ctx, def, now)
		if err == nil && res.MarketID != def.ID {
			err = fmt.Errorf("oracle answered for market %q: %w", res.MarketID, domain.ErrInvalidInput)
		}
		if err == nil && !res.Outcome.Valid() {
			err = fmt.Errorf("oracle outcome %q: %w", res.Outcome, domain.ErrInvalidInput)
		}
		if err != nil {
			c.logger.WarnContext(ctx, "resolution fetch failed",
				slog.String("market_id", def.ID),
				slog.Uint64("pulse", uint64(now)),
				slog.String("error", err.Error()),
			)
			events = append(events, Event{Kind: EventFetchFailed, MarketID: def.ID, From: domain.MarketResolving, To: domain.MarketResolving, Pulse: now, Err: err})
			continue
		}
		ev, err := c.attach(res, now)
		if err != nil {
			c.logger.WarnContext(ctx, "fetched resolution not applied",
				slog.String("market_id", def.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// evaluate applies the boundary rules to m in place. It reports the events,
// whether a hook-worthy change happened and whether a remote fetch is due.
func (c *Controller) evaluate(m *domain.Market, now domain.Pulse) ([]Event, bool, bool) {
	id := m.Def.ID
	timing := m.Def.Timing
	if timing.Malformed() {
		if m.State.TimingReported {
			return nil, false, false
		}
		m.State.TimingReported = true
		c.logger.Warn("market timing malformed, leaving open",
			slog.String("market_id", id),
			slog.Uint64("created", uint64(timing.CreatedPulse)),
			slog.Uint64("open", uint64(timing.OpenPulse)),
			slog.Uint64("close", uint64(timing.ClosePulse)),
		)
		return []Event{{
			Kind:     EventTimingMalformed,
			MarketID: id,
			From:     m.State.Status,
			To:       m.State.Status,
			Pulse:    now,
			Err:      fmt.Errorf("market %s: %w", id, domain.ErrMalformedTiming),
		}}, true, false
	}

	var events []Event
	dirty := false
	move := func(to domain.MarketStatus, kind EventKind) {
		events = append(events, Event{Kind: kind, MarketID: id, From: m.State.Status, To: to, Pulse: now})
		m.State.Status = to
		m.State.LastUpdatedPulse = domain.MaxPulse(m.State.LastUpdatedPulse, now)
		dirty = true
	}

	if m.State.Status == domain.MarketOpen && now >= timing.ClosePulse {
		move(domain.MarketClosed, EventClosed)
	}

	rp := timing.ResolutionPulse()
	if now < rp {
		return events, dirty, false
	}

	if c.mode == ModeLocal {
		res := LocalResolution(m.Def, rp)
		events = append(events, resolve(m, res, now))
		return events, true, false
	}

	if m.State.Status != domain.MarketResolving {
		move(domain.MarketResolving, EventResolving)
	}
	return events, dirty, c.source != nil
}

// resolve attaches res to m and moves it to its terminal status.
func resolve(m *domain.Market, res domain.MarketResolution, now domain.Pulse) Event {
	to := domain.MarketResolved
	kind := EventResolved
	if res.Outcome == domain.OutcomeVoid {
		to, kind = domain.MarketVoided, EventVoided
	}
	r := res.Clone()
	ev := Event{Kind: kind, MarketID: m.Def.ID, From: m.State.Status, To: to, Pulse: now, Resolution: &r}
	attached := res.Clone()
	m.State.Resolution = &attached
	m.State.Status = to
	m.State.LastUpdatedPulse = domain.MaxPulse(m.State.LastUpdatedPulse, now)
	return ev
}

// attach installs a remote resolution on a non-terminal market.
func (c *Controller) attach(res domain.MarketResolution, now domain.Pulse) (Event, error) {
	c.mu.Lock()
	m, ok := c.markets[res.MarketID]
	if !ok {
		c.mu.Unlock()
		return Event{}, fmt.Errorf("market %s: %w", res.MarketID, domain.ErrNotFound)
	}
	if cur := m.State.Resolution; cur != nil {
		c.mu.Unlock()
		if cur.Key() == res.Key() {
			return Event{}, fmt.Errorf("market %s: %w", res.MarketID, domain.ErrAlreadyApplied)
		}
		return Event{}, fmt.Errorf("market %s: already resolved as %s: %w", res.MarketID, cur.Key(), domain.ErrInvalidInput)
	}
	if m.State.Status.IsTerminal() {
		c.mu.Unlock()
		return Event{}, fmt.Errorf("market %s is %s: %w", res.MarketID, m.State.Status, domain.ErrInvalidInput)
	}
	ev := resolve(&m, res, now)
	c.markets[res.MarketID] = m
	c.mu.Unlock()

	c.notify(m)
	return ev, nil
}

// SubmitResolution applies an externally supplied resolution verbatim. It is
// accepted only in remote mode, only for non-terminal markets, and only once
// the market has reached its resolution pulse. Re-submitting the attached
// resolution returns ErrAlreadyApplied.
func (c *Controller) SubmitResolution(res domain.MarketResolution, now domain.Pulse) (Event, error) {
	if c.mode != ModeRemote {
		return Event{}, fmt.Errorf("market %s: resolutions are decided locally: %w", res.MarketID, domain.ErrInvalidInput)
	}
	if !res.Outcome.Valid() {
		return Event{}, fmt.Errorf("market %s: outcome %q: %w", res.MarketID, res.Outcome, domain.ErrInvalidInput)
	}
	m, err := c.Get(res.MarketID)
	if err != nil {
		return Event{}, err
	}
	if m.Def.Timing.Malformed() {
		return Event{}, fmt.Errorf("market %s: %w", res.MarketID, domain.ErrMalformedTiming)
	}
	if now < m.Def.Timing.ResolutionPulse() && m.State.Resolution == nil {
		return Event{}, fmt.Errorf("market %s: not resolvable before pulse %d: %w", res.MarketID, m.Def.Timing.ResolutionPulse(), domain.ErrInvalidInput)
	}
	return c.attach(res, now)
}

// CancelProvider marks the VOID resolution attached by Cancel.
const CancelProvider = "cancel"

// Cancel moves a non-terminal market to canceled and attaches a VOID
// resolution at now so escrowed positions are refunded.
func (c *Controller) Cancel(id string, now domain.Pulse) (Event, error) {
	c.mu.Lock()
	m, ok := c.markets[id]
	if !ok {
		c.mu.Unlock()
		return Event{}, fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	if m.State.Status.IsTerminal() {
		c.mu.Unlock()
		return Event{}, fmt.Errorf("market %s is %s: %w", id, m.State.Status, domain.ErrInvalidInput)
	}
	res := domain.MarketResolution{MarketID: id, Outcome: domain.OutcomeVoid, ResolvedPulse: now, Oracle: domain.OracleRef{Provider: CancelProvider}}
	ev := Event{Kind: EventCanceled, MarketID: id, From: m.State.Status, To: domain.MarketCanceled, Pulse: now, Resolution: &res}
	attached := res.Clone()
	m.State.Resolution = &attached
	m.State.Status = domain.MarketCanceled
	m.State.LastUpdatedPulse = domain.MaxPulse(m.State.LastUpdatedPulse, now)
	c.markets[id] = m
	c.mu.Unlock()

	c.notify(m)
	return ev, nil
}

// ApplyFill installs the venue state produced by a trade and re-derives
// prices. The market must be open and before its close pulse.
func (c *Controller) ApplyFill(id string, venue domain.VenueState, now domain.Pulse) (domain.Market, error) {
	if err := quote.ValidateVenue(venue); err != nil {
		return domain.Market{}, fmt.Errorf("market %s: %w", id, err)
	}
	prices, err := quote.VenuePrices(venue)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market %s: %w", id, err)
	}

	c.mu.Lock()
	m, ok := c.markets[id]
	if !ok {
		c.mu.Unlock()
		return domain.Market{}, fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	if err := tradable(m, now); err != nil {
		c.mu.Unlock()
		return domain.Market{}, err
	}
	if venue.Kind != m.State.Venue.Kind {
		c.mu.Unlock()
		return domain.Market{}, fmt.Errorf("market %s: venue kind %q != %q: %w", id, venue.Kind, m.State.Venue.Kind, domain.ErrInvalidInput)
	}
	m.State.Venue = venue.Clone()
	m.State.Prices = prices
	m.State.LastUpdatedPulse = domain.MaxPulse(m.State.LastUpdatedPulse, now)
	c.markets[id] = m
	c.mu.Unlock()

	c.notify(m)
	return m.Clone(), nil
}

// Tradable reports whether positions may be placed on market id at now.
func (c *Controller) Tradable(id string, now domain.Pulse) error {
	m, err := c.Get(id)
	if err != nil {
		return err
	}
	return tradable(m, now)
}

func tradable(m domain.Market, now domain.Pulse) error {
	if m.State.Status != domain.MarketOpen || now >= m.Def.Timing.ClosePulse || now < m.Def.Timing.OpenPulse {
		return fmt.Errorf("market %s is %s at pulse %d: %w", m.Def.ID, m.State.Status, now, domain.ErrMarketNotOpen)
	}
	return nil
}

// Reconcile installs m when it is unknown locally or carries a strictly
// higher LastUpdatedPulse. Hooks do not fire.
func (c *Controller) Reconcile(m domain.Market) (bool, error) {
	if err := Validate(m); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.markets[m.Def.ID]; ok && cur.State.LastUpdatedPulse >= m.State.LastUpdatedPulse {
		return false, nil
	}
	c.markets[m.Def.ID] = m.Clone()
	return true, nil
}
