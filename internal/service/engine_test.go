package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/market"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
	"github.com/alanyoungcy/pulsemarket/internal/persist"
	"github.com/alanyoungcy/pulsemarket/internal/pulse"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pulsePtr(p domain.Pulse) *domain.Pulse { return &p }

type testClock struct{ p atomic.Uint64 }

func (c *testClock) set(p domain.Pulse) { c.p.Store(uint64(p)) }

func (c *testClock) clock() *pulse.Clock {
	return pulse.New(pulse.Options{PulseFunc: func() float64 { return float64(c.p.Load()) }})
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

func (a *memAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Event)
	}
	return out
}

type recNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

type harness struct {
	clock    *testClock
	engine   *Engine
	audit    *memAudit
	notifier *recNotifier
	kv       *persist.MemoryKV
	repo     *persist.Repository
}

func newHarness(t *testing.T, mode market.Mode) *harness {
	t.Helper()
	h := &harness{clock: &testClock{}, audit: &memAudit{}, notifier: &recNotifier{}, kv: persist.NewMemoryKV()}
	h.clock.set(10)
	h.repo = persist.NewRepository(h.kv, persist.Options{Origin: "test", Debounce: time.Hour}, discardLogger())
	ids := 0
	h.engine = NewEngine(Deps{
		Clock:    h.clock.clock(),
		Mode:     mode,
		Repo:     h.repo,
		Audit:    h.audit,
		Notifier: h.notifier,
		NewID: func() string {
			ids++
			return "id-" + strconv.Itoa(ids)
		},
	}, discardLogger())
	return h
}

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
	return domain.VenueState{Kind: domain.VenueAMM, AMM: &domain.AmmState{
		Curve:        domain.CurveCPMM,
		YesInventory: micro.New(1_000_000),
		NoInventory:  micro.New(1_000_000),
		FeeBps:       100,
	}}
}

func (h *harness) setup(t *testing.T, venue domain.VenueState) {
	t.Helper()
	ctx := context.Background()
	_, err := h.engine.CreateVault(ctx, "a", domain.Owner{IdentityKey: "key-a"}, micro.New(1_000_000))
	require.NoError(t, err)
	_, err = h.engine.CreateMarket(ctx, testDef("m1"), venue)
	require.NoError(t, err)
}

func TestPlacePositionAMM(t *testing.T) {
	h := newHarness(t, market.ModeLocal)
	h.setup(t, cpmmVenue())

	r, err := h.engine.PlacePosition(context.Background(), PositionRequest{
		VaultID: "a", MarketID: "m1", Side: domain.SideYes, Amount: micro.New(10_000),
	})
	require.NoError(t, err)

	assert.True(t, r.Quote.Shares.LT(micro.New(10_000)))
	assert.True(t, r.Quote.After.GT(r.Quote.Before), "yes price rises after a yes buy")
	assert.Equal(t, micro.New(990_000), r.Vault.Spendable)
	assert.Equal(t, micro.New(10_000), r.Vault.Locked)

	lock := r.Vault.Locks[0]
	assert.Equal(t, r.LockID, lock.LockID)
	assert.Equal(t, "m1", lock.MarketID)
	assert.Equal(t, r.PositionID, lock.PositionID)
	assert.Equal(t, r.Quote.Shares, lock.Shares)

	m, err := h.engine.Market("m1")
	require.NoError(t, err)
	assert.Equal(t, r.Quote.Prices, m.State.Prices)

	p, err := h.engine.Prophecy(r.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProphecyPending, p.Status)
	assert.Equal(t, micro.New(10_000), p.Stake)
	assert.Contains(t, h.audit.events(), "position_placed")
}

func TestPlacePositionVenues(t *testing.T) {
	t.Run("parimutuel records the net stake", func(t *testing.T) {
		h := newHarness(t, market.ModeLocal)
		h.setup(t, domain.VenueState{Kind: domain.VenueParimutuel, Parimutuel: &domain.ParimutuelState{
			YesPool: micro.New(1_000_000), NoPool: micro.New(1_000_000), FeeBps: 100,
		}})
		r, err := h.engine.PlacePosition(context.Background(), PositionRequest{
			VaultID: "a", MarketID: "m1", Side: domain.SideNo, Amount: micro.New(10_000), MaxSlippageBps: 10_000,
		})
		require.NoError(t, err)
		assert.Equal(t, micro.New(10_000), r.Vault.Locks[0].Amount)
		assert.Equal(t, micro.New(9_900), r.Vault.Locks[0].Shares)
		assert.Equal(t, micro.New(1_009_900), r.Market.State.Venue.Parimutuel.NoPool)
	})

	t.Run("first stake on an empty pool passes the default bound", func(t *testing.T) {
		h := newHarness(t, market.ModeLocal)
		h.setup(t, domain.VenueState{Kind: domain.VenueParimutuel, Parimutuel: &domain.ParimutuelState{FeeBps: 100}})
		r, err := h.engine.PlacePosition(context.Background(), PositionRequest{
			VaultID: "a", MarketID: "m1", Side: domain.SideYes, Amount: micro.New(10_000),
		})
		require.NoError(t, err)
		assert.Equal(t, micro.New(9_900), r.Vault.Locks[0].Shares)
		assert.Equal(t, micro.New(9_900), r.Market.State.Venue.Parimutuel.YesPool)
	})

	t.Run("order book escrows cost plus fee", func(t *testing.T) {
		h := newHarness(t, market.ModeLocal)
		h.setup(t, domain.VenueState{Kind: domain.VenueCLOB, CLOB: &domain.ClobState{
			Yes: domain.BookSide{Asks: []domain.BookLevel{
				{Price: micro.New(400_000), Size: micro.New(10_000)},
				{Price: micro.New(500_000), Size: micro.New(1_000_000)},
			}},
			No: domain.BookSide{Asks: []domain.BookLevel{{Price: micro.New(600_000), Size: micro.New(1_000_000)}}},
		}})
		r, err := h.engine.PlacePosition(context.Background(), PositionRequest{
			VaultID: "a", MarketID: "m1", Side: domain.SideYes, Amount: micro.New(3_000), MaxSlippageBps: 10_000,
		})
		require.NoError(t, err)
		assert.Equal(t, micro.New(7_500), r.Quote.Shares)
		assert.Equal(t, micro.New(3_000), r.Vault.Locks[0].Amount)
		assert.Equal(t, micro.New(2_500), r.Market.State.Venue.CLOB.Yes.Asks[0].Size)
	})
}

func TestPlacePositionSlippageChangesNothing(t *testing.T) {
	h := newHarness(t, market.ModeLocal)
	h.setup(t, cpmmVenue())
	before, err := h.engine.Market("m1")
	require.NoError(t, err)

	_, err = h.engine.PlacePosition(context.Background(), PositionRequest{
		VaultID: "a", MarketID: "m1", Side: domain.SideYes, Amount: micro.New(100_000), MaxSlippageBps: 1,
	})
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	v, err := h.engine.Vault("a")
	require.NoError(t, err)
	assert.Equal(t, micro.New(1_000_000), v.Spendable)
	assert.Empty(t, v.Locks)
	after, err := h.engine.Market("m1")
	require.NoError(t, err)
	assert.Equal(t, before.State.Venue, after.State.Venue)
	assert.Empty(t, h.engine.Prophecies("m1", ""))
}

func TestPlacePositionRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, market.ModeLocal)
	h.setup(t, cpmmVenue())
	req := PositionRequest{VaultID: "a", MarketID: "m1", Side: domain.SideYes, Amount: micro.New(10_000)}

	big := req
	big.Amount = micro.New(2_000_000)
	_, err := h.engine.PlacePosition(ctx, big)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	missing := req
	missing.VaultID = "nobody"
	_, err = h.engine.PlacePosition(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.engine.SetVaultStatus(ctx, "a", domain.VaultFrozen)
	require.NoError(t, err)
	_, err = h.engine.PlacePosition(ctx, req)
	assert.ErrorIs(t, err, domain.ErrFrozen)
	_, err = h.engine.SetVaultStatus(ctx, "a", domain.VaultActive)
	require.NoError(t, err)

	h.clock.set(100)
	_, err = h.engine.PlacePosition(ctx, req)
	assert.ErrorIs(t, err, domain.ErrMarketNotOpen)
}

func TestLocalLifecycleSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, market.ModeLocal)
	h.setup(t, cpmmVenue())
	r, err := h.engine.PlacePosition(ctx, PositionRequest{
		VaultID: "a", MarketID: "m1", Side: domain.SideYes, Amount: micro.New(10_000),
	})
	require.NoError(t, err)

	status := func() domain.MarketStatus {
		m, err := h.engine.Market("m1")
		require.NoError(t, err)
		return m.State.Status
	}

	h.engine.Tick(ctx, 99)
	assert.Equal(t, domain.MarketOpen, status())
	h.engine.Tick(ctx, 100)
	assert.Equal(t, domain.MarketClosed, status())
	h.engine.Tick(ctx, 150)
	assert.Equal(t, domain.MarketResolved, status())
	assert.Empty(t, h.engine.Tick(ctx, 151))

	outcome := market.LocalOutcome("m1", 150, "it rains")
	v, err := h.engine.Vault("a")
	require.NoError(t, err)
	assert.True(t, v.Locked.IsZero())
	p, err := h.engine.Prophecy(r.PositionID)
	require.NoError(t, err)
	if outcome == domain.OutcomeYes {
		assert.Equal(t, domain.LockPaid, v.Locks[0].Status)
		assert.Equal(t, r.Quote.Shares, v.Spendable.SaturatingSub(micro.New(990_000)))
		assert.Equal(t, domain.ProphecyFulfilled, p.Status)
		assert.Equal(t, uint64(1), v.Stats.Wins)
	} else {
		assert.Equal(t, domain.LockBurned, v.Locks[0].Status)
		assert.Equal(t, micro.New(990_000), v.Spendable)
		assert.Equal(t, domain.ProphecyMissed, p.Status)
		assert.Equal(t, uint64(1), v.Stats.Losses)
	}
	assert.Equal(t, []string{EventMarketResolved}, h.notifier.events)
	assert.Contains(t, h.audit.events(), "resolution_applied")
	assert.Len(t, h.engine.State().Applied, 1)
}

func TestCancelRefundsStake(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, market.ModeLocal)
	h.setup(t, cpmmVenue())
	_, err := h.engine.PlacePosition(ctx, PositionRequest{
		VaultID: "a", MarketID: "m1", Side: domain.SideNo, Amount: micro.New(400_000), MaxSlippageBps: 10_000,
	})
	require.NoError(t, err)

	res, err := h.engine.CancelMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Locks)

	v, err := h.engine.Vault("a")
	require.NoError(t, err)
	assert.Equal(t, micro.New(1_000_000), v.Spendable)
	assert.Equal(t, domain.LockRefunded, v.Locks[0].Status)
	assert.Equal(t, domain.ProphecyVoid, h.engine.Prophecies("m1", "a")[0].Status)
	assert.Equal(t, []string{EventMarketCanceled}, h.notifier.events)

	_, err = h.engine.CancelMarket(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRemoteSubmitResolution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, market.ModeRemote)
	h.setup(t, cpmmVenue())
	r, err := h.engine.PlacePosition(ctx, PositionRequest{
		VaultID: "a", MarketID: "m1", Side: domain.SideNo, Amount: micro.New(10_000),
	})
	require.NoError(t, err)

	res := domain.MarketResolution{MarketID: "m1", Outcome: domain.OutcomeNo, ResolvedPulse: 150, Oracle: domain.OracleRef{Provider: "peer"}}
	h.clock.set(120)
	_, err = h.engine.SubmitResolution(ctx, res)
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "too early")

	h.clock.set(150)
	h.engine.Tick(ctx, 150)
	m, err := h.engine.Market("m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketResolving, m.State.Status)

	out, err := h.engine.SubmitResolution(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Locks)
	v, err := h.engine.Vault("a")
	require.NoError(t, err)
	assert.Equal(t, domain.LockPaid, v.Locks[0].Status)
	assert.Equal(t, micro.New(990_000), v.Spendable.SaturatingSub(r.Quote.Shares))

	again, err := h.engine.SubmitResolution(ctx, res)
	require.NoError(t, err)
	assert.Zero(t, again.Updated)

	flipped := res
	flipped.Outcome = domain.OutcomeYes
	_, err = h.engine.SubmitResolution(ctx, flipped)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestHoldAndRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, market.ModeLocal)
	h.setup(t, cpmmVenue())

	v, lockID, err := h.engine.HoldValue(ctx, "a", micro.New(400_000), "withdrawal review")
	require.NoError(t, err)
	assert.Equal(t, micro.New(600_000), v.Spendable)
	assert.Equal(t, micro.New(400_000), v.Locked)

	assert.ErrorIs(t, h.engine.RemoveVault(ctx, "a"), domain.ErrInvalidInput)

	v, err = h.engine.ReleaseLock(ctx, "a", lockID)
	require.NoError(t, err)
	assert.Equal(t, micro.New(1_000_000), v.Spendable)

	r, err := h.engine.PlacePosition(ctx, PositionRequest{VaultID: "a", MarketID: "m1", Side: domain.SideYes, Amount: micro.New(10_000)})
	require.NoError(t, err)
	_, err = h.engine.ReleaseLock(ctx, "a", r.LockID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRemoveVault(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, market.ModeLocal)
	_, err := h.engine.CreateVault(ctx, "a", domain.Owner{IdentityKey: "key-a"}, micro.New(5))
	require.NoError(t, err)
	require.NoError(t, h.engine.SetActiveVault("a"))
	assert.Equal(t, "a", h.engine.ActiveVault())

	require.NoError(t, h.engine.RemoveVault(ctx, "a"))
	assert.Empty(t, h.engine.ActiveVault())
	h.engine.Flush(ctx)
	_, err = h.kv.Get(ctx, h.repo.Key(domain.ChangeVault, "a"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, h.engine.RemoveVault(ctx, "a"), domain.ErrNotFound)
}

func TestLoadRestoresState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, market.ModeLocal)
	h.setup(t, cpmmVenue())
	_, err := h.engine.PlacePosition(ctx, PositionRequest{VaultID: "a", MarketID: "m1", Side: domain.SideYes, Amount: micro.New(10_000)})
	require.NoError(t, err)
	h.engine.Tick(ctx, 150)
	assert.Zero(t, h.engine.Flush(ctx))
	want := h.engine.State()

	repo := persist.NewRepository(h.kv, persist.Options{Origin: "second"}, discardLogger())
	second := NewEngine(Deps{Clock: h.clock.clock(), Repo: repo}, discardLogger())
	require.NoError(t, second.Load(ctx))

	got := second.State()
	assert.Equal(t, want.Vaults, got.Vaults)
	assert.Equal(t, want.Markets, got.Markets)
	assert.Equal(t, want.Prophecies, got.Prophecies)
	assert.Equal(t, want.Applied, got.Applied)

	second.Tick(ctx, 151)
	assert.Equal(t, want.Vaults, second.Vaults(), "loaded resolutions are not settled twice")
}

func TestRunReconcilesAndPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := persist.NewMemoryKV()
	bus := persist.NewMemoryBus()
	ui := persist.NewMemoryBus()
	clk := &testClock{}
	clk.set(10)

	writer := NewEngine(Deps{
		Clock: clk.clock(),
		Repo:  persist.NewRepository(kv, persist.Options{Origin: "writer", Bus: bus}, discardLogger()),
	}, discardLogger())
	reader := NewEngine(Deps{
		Clock:  clk.clock(),
		Repo:   persist.NewRepository(kv, persist.Options{Origin: "reader", Bus: bus}, discardLogger()),
		Events: ui,
	}, discardLogger())

	pulses, err := ui.Subscribe(ctx, ChannelPulse)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx) }()

	select {
	case payload := <-pulses:
		var tick PulseTick
		require.NoError(t, json.Unmarshal(payload, &tick))
		assert.Equal(t, domain.Pulse(10), tick.Pulse)
	case <-time.After(2 * time.Second):
		t.Fatal("no pulse event")
	}

	_, err = writer.CreateVault(context.Background(), "w", domain.Owner{IdentityKey: "key-w"}, micro.New(7))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		writer.Flush(context.Background())
		_, err := reader.Vault("w")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

type countRecorder struct {
	pulses    []domain.Pulse
	events    []string
	positions []domain.VenueKind
	outcomes  []domain.Outcome
	locks     int
}

func (r *countRecorder) Pulse(p domain.Pulse) { r.pulses = append(r.pulses, p) }
func (r *countRecorder) MarketEvent(k string) { r.events = append(r.events, k) }
func (r *countRecorder) PositionPlaced(v domain.VenueKind, _ domain.Side) {
	r.positions = append(r.positions, v)
}
func (r *countRecorder) ResolutionApplied(o domain.Outcome, locks int, _ uint64) {
	r.outcomes = append(r.outcomes, o)
	r.locks += locks
}

func TestRecorderSeesLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, market.ModeLocal)
	rec := &countRecorder{}
	h.engine.recorder = rec
	h.setup(t, cpmmVenue())
	_, err := h.engine.PlacePosition(ctx, PositionRequest{
		VaultID: "a", MarketID: "m1", Side: domain.SideNo, Amount: micro.New(10_000),
	})
	require.NoError(t, err)

	h.engine.Tick(ctx, 100)
	h.engine.Tick(ctx, 150)

	assert.Equal(t, []domain.Pulse{100, 150}, rec.pulses)
	assert.Equal(t, []string{"closed", "resolved"}, rec.events)
	assert.Equal(t, []domain.VenueKind{domain.VenueAMM}, rec.positions)
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, market.LocalOutcome("m1", 150, "it rains"), rec.outcomes[0])
	assert.Equal(t, 1, rec.locks)
}
