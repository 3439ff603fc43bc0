package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pulsePtr(p domain.Pulse) *domain.Pulse { return &p }

func testDef(id string) domain.MarketDef {
	return domain.MarketDef{
		ID: id,
		Timing: domain.MarketTiming{
			ClosePulse:     100,
			ResolveByPulse: pulsePtr(150),
		},
		Rules: domain.MarketRules{YesCondition: "it rains"},
	}
}

func cpmmVenue() domain.VenueState {
	return domain.VenueState{
		Kind: domain.VenueAMM,
		AMM: &domain.AmmState{
			Curve:        domain.CurveCPMM,
			YesInventory: micro.New(1_000_000),
			NoInventory:  micro.New(1_000_000),
			FeeBps:       100,
		},
	}
}

type fakeSource struct {
	calls int
	fn    func(def domain.MarketDef, at domain.Pulse) (domain.MarketResolution, error)
}

func (f *fakeSource) Fetch(_ context.Context, def domain.MarketDef, at domain.Pulse) (domain.MarketResolution, error) {
	f.calls++
	return f.fn(def, at)
}

func status(t *testing.T, c *Controller, id string) domain.MarketStatus {
	t.Helper()
	m, err := c.Get(id)
	require.NoError(t, err)
	return m.State.Status
}

func TestLocalLifecycle(t *testing.T) {
	c := NewController(ModeLocal, nil, discardLogger())
	m, err := c.Register(testDef("m1"), cpmmVenue(), 0)
	require.NoError(t, err)
	assert.Equal(t, "500000", m.State.Prices.Yes.String())
	assert.Equal(t, domain.RefundStake, m.Def.Rules.VoidPolicy.RefundMode)
	assert.Equal(t, micro.One(), m.Def.Rules.Settlement.RedeemPerShare)

	ctx := context.Background()
	assert.Empty(t, c.Tick(ctx, 99))
	assert.Equal(t, domain.MarketOpen, status(t, c, "m1"))

	evs := c.Tick(ctx, 100)
	require.Len(t, evs, 1)
	assert.Equal(t, EventClosed, evs[0].Kind)
	assert.Equal(t, domain.MarketClosed, status(t, c, "m1"))

	evs = c.Tick(ctx, 150)
	require.Len(t, evs, 1)
	assert.Equal(t, EventResolved, evs[0].Kind)
	require.NotNil(t, evs[0].Resolution)
	assert.Equal(t, domain.Pulse(150), evs[0].Resolution.ResolvedPulse)
	assert.Equal(t, LocalOutcome("m1", 150, "it rains"), evs[0].Resolution.Outcome)
	assert.Equal(t, domain.MarketResolved, status(t, c, "m1"))

	before, _ := c.Get("m1")
	assert.Empty(t, c.Tick(ctx, 151))
	after, _ := c.Get("m1")
	assert.Equal(t, before, after, "terminal market does not change")
}

func TestLocalOutcomeDeterministic(t *testing.T) {
	seen := map[domain.Outcome]bool{}
	for i := 0; i < 64; i++ {
		id := "market-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		first := LocalOutcome(id, 4242, "cond")
		for j := 0; j < 3; j++ {
			assert.Equal(t, first, LocalOutcome(id, 4242, "cond"))
		}
		seen[first] = true
	}
	assert.True(t, seen[domain.OutcomeYes] && seen[domain.OutcomeNo], "both outcomes reachable")
}

func TestResolutionDirectlyFromOpen(t *testing.T) {
	c := NewController(ModeLocal, nil, discardLogger())
	_, err := c.Register(testDef("m1"), cpmmVenue(), 0)
	require.NoError(t, err)

	evs := c.Tick(context.Background(), 400)
	require.Len(t, evs, 2)
	assert.Equal(t, EventClosed, evs[0].Kind)
	assert.Equal(t, EventResolved, evs[1].Kind)
	assert.Equal(t, domain.Pulse(150), evs[1].Resolution.ResolvedPulse, "seed uses the boundary pulse")
}

func TestPulseEvaluatedOnce(t *testing.T) {
	src := &fakeSource{fn: func(domain.MarketDef, domain.Pulse) (domain.MarketResolution, error) {
		return domain.MarketResolution{}, errors.New("oracle down")
	}}
	c := NewController(ModeRemote, src, discardLogger())
	_, err := c.Register(testDef("m1"), cpmmVenue(), 0)
	require.NoError(t, err)

	ctx := context.Background()
	c.Tick(ctx, 150)
	c.Tick(ctx, 150)
	c.Tick(ctx, 149)
	assert.Equal(t, 1, src.calls)
}

func TestRemoteFetchRetriesNextTick(t *testing.T) {
	fail := true
	src := &fakeSource{fn: func(def domain.MarketDef, at domain.Pulse) (domain.MarketResolution, error) {
		if fail {
			return domain.MarketResolution{}, errors.New("timeout")
		}
		return domain.MarketResolution{MarketID: def.ID, Outcome: domain.OutcomeNo, ResolvedPulse: at, Oracle: domain.OracleRef{Provider: "uma"}}, nil
	}}
	c := NewController(ModeRemote, src, discardLogger())
	_, err := c.Register(testDef("m1"), cpmmVenue(), 0)
	require.NoError(t, err)

	ctx := context.Background()
	evs := c.Tick(ctx, 150)
	kinds := []EventKind{}
	for _, e := range evs {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventClosed, EventResolving, EventFetchFailed}, kinds)
	m, _ := c.Get("m1")
	assert.Equal(t, domain.MarketResolving, m.State.Status)
	assert.Nil(t, m.State.Resolution, "no partial resolution after a failed fetch")

	fail = false
	evs = c.Tick(ctx, 151)
	require.Len(t, evs, 1)
	assert.Equal(t, EventResolved, evs[0].Kind)
	m, _ = c.Get("m1")
	assert.Equal(t, domain.OutcomeNo, m.State.Resolution.Outcome)
	assert.Equal(t, domain.Pulse(151), m.State.Resolution.ResolvedPulse)
	assert.Equal(t, "uma", m.State.Resolution.Oracle.Provider)
}

func TestRemoteRejectsForeignAnswer(t *testing.T) {
	src := &fakeSource{fn: func(def domain.MarketDef, at domain.Pulse) (domain.MarketResolution, error) {
		return domain.MarketResolution{MarketID: "other", Outcome: domain.OutcomeYes, ResolvedPulse: at}, nil
	}}
	c := NewController(ModeRemote, src, discardLogger())
	_, err := c.Register(testDef("m1"), cpmmVenue(), 0)
	require.NoError(t, err)

	evs := c.Tick(context.Background(), 160)
	assert.Equal(t, EventFetchFailed, evs[len(evs)-1].Kind)
	assert.Equal(t, domain.MarketResolving, status(t, c, "m1"))
}

func TestSubmitResolution(t *testing.T) {
	c := NewController(ModeRemote, nil, discardLogger())
	_, err := c.Register(testDef("m1"), cpmmVenue(), 0)
	require.NoError(t, err)

	res := domain.MarketResolution{MarketID: "m1", Outcome: domain.OutcomeVoid, ResolvedPulse: 160}
	_, err = c.SubmitResolution(res, 120)
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "too early")

	assert.Len(t, c.Tick(context.Background(), 150), 2)
	assert.Equal(t, domain.MarketResolving, status(t, c, "m1"))

	ev, err := c.SubmitResolution(res, 160)
	require.NoError(t, err)
	assert.Equal(t, EventVoided, ev.Kind)
	assert.Equal(t, domain.MarketVoided, status(t, c, "m1"))

	_, err = c.SubmitResolution(res, 161)
	assert.ErrorIs(t, err, domain.ErrAlreadyApplied)

	res.Outcome = domain.OutcomeYes
	_, err = c.SubmitResolution(res, 161)
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "attached resolution is immutable")

	local := NewController(ModeLocal, nil, discardLogger())
	_, err = local.SubmitResolution(res, 200)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMalformedTimingLeftOpenAndReportedOnce(t *testing.T) {
	var persisted int
	c := NewController(ModeLocal, nil, discardLogger())
	c.OnChange(func(domain.Market) { persisted++ })

	def := testDef("bad")
	def.Timing.CreatedPulse = 200
	def.Timing.OpenPulse = 200
	def.Timing.ClosePulse = 300
	def.Timing.ResolveByPulse = pulsePtr(150)
	_, err := c.Register(def, cpmmVenue(), 200)
	require.NoError(t, err)

	evs := c.Tick(context.Background(), 500)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTimingMalformed, evs[0].Kind)
	assert.ErrorIs(t, evs[0].Err, domain.ErrMalformedTiming)

	assert.Empty(t, c.Tick(context.Background(), 501))
	assert.Empty(t, c.Tick(context.Background(), 10_000))
	assert.Equal(t, domain.MarketOpen, status(t, c, "bad"))
	assert.Equal(t, 2, persisted, "register plus the report flag")
}

func TestCancel(t *testing.T) {
	c := NewController(ModeLocal, nil, discardLogger())
	_, err := c.Register(testDef("m1"), cpmmVenue(), 0)
	require.NoError(t, err)

	ev, err := c.Cancel("m1", 50)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketOpen, ev.From)
	assert.Equal(t, domain.MarketCanceled, status(t, c, "m1"))
	require.NotNil(t, ev.Resolution)
	assert.Equal(t, domain.ResolutionKey{MarketID: "m1", Outcome: domain.OutcomeVoid, ResolvedPulse: 50}, ev.Resolution.Key())
	assert.Equal(t, CancelProvider, ev.Resolution.Oracle.Provider)
	assert.Empty(t, c.Tick(context.Background(), 200))

	_, err = c.Cancel("m1", 51)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = c.Cancel("nope", 51)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterRejects(t *testing.T) {
	c := NewController(ModeLocal, nil, discardLogger())
	_, err := c.Register(testDef("m1"), cpmmVenue(), 0)
	require.NoError(t, err)

	_, err = c.Register(testDef("m1"), cpmmVenue(), 0)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = c.Register(testDef(""), cpmmVenue(), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	bad := cpmmVenue()
	bad.Parimutuel = &domain.ParimutuelState{}
	_, err = c.Register(testDef("m2"), bad, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	def := testDef("m3")
	def.Rules.VoidPolicy.RefundMode = "refund-twice"
	_, err = c.Register(def, cpmmVenue(), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestApplyFillAndTradable(t *testing.T) {
	c := NewController(ModeLocal, nil, discardLogger())
	_, err := c.Register(testDef("m1"), cpmmVenue(), 0)
	require.NoError(t, err)

	v := cpmmVenue()
	v.AMM.YesInventory = micro.New(990_198)
	v.AMM.NoInventory = micro.New(1_009_900)
	m, err := c.ApplyFill("m1", v, 10)
	require.NoError(t, err)
	assert.Equal(t, "504925", m.State.Prices.Yes.String())
	assert.Equal(t, domain.Pulse(10), m.State.LastUpdatedPulse)

	assert.NoError(t, c.Tradable("m1", 99))
	assert.ErrorIs(t, c.Tradable("m1", 100), domain.ErrMarketNotOpen)

	_, err = c.ApplyFill("m1", domain.VenueState{Kind: domain.VenueParimutuel, Parimutuel: &domain.ParimutuelState{}}, 11)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReconcileMarket(t *testing.T) {
	c := NewController(ModeLocal, nil, discardLogger())
	m, err := c.Register(testDef("m1"), cpmmVenue(), 5)
	require.NoError(t, err)

	stale := m.Clone()
	stale.State.Status = domain.MarketClosed
	took, err := c.Reconcile(stale)
	require.NoError(t, err)
	assert.False(t, took)

	newer := m.Clone()
	newer.State.Status = domain.MarketClosed
	newer.State.LastUpdatedPulse = 6
	took, err = c.Reconcile(newer)
	require.NoError(t, err)
	assert.True(t, took)
	assert.Equal(t, domain.MarketClosed, status(t, c, "m1"))

	foreign := testDef("m9")
	took, err = c.Reconcile(domain.Market{Def: foreign, State: domain.MarketState{Status: "exploded", Venue: cpmmVenue()}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.False(t, took)
}
