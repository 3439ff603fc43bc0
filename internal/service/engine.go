// Package service holds the Engine, the single owner of the vault ledger,
// the market controller, the prediction records and the resolution
// propagator. Every mutation goes through one Engine lock, so operations on
// the same vault or market are totally ordered by invocation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/market"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
	"github.com/alanyoungcy/pulsemarket/internal/oracle"
	"github.com/alanyoungcy/pulsemarket/internal/persist"
	"github.com/alanyoungcy/pulsemarket/internal/prophecy"
	"github.com/alanyoungcy/pulsemarket/internal/pulse"
	"github.com/alanyoungcy/pulsemarket/internal/settlement"
	"github.com/alanyoungcy/pulsemarket/internal/vault"
)

// UI event channels published on the event bus.
const (
	ChannelVaults      = "vaults"
	ChannelMarkets     = "markets"
	ChannelProphecies  = "prophecies"
	ChannelResolutions = "resolutions"
	ChannelPulse       = "pulse"
)

// Notification event types.
const (
	EventMarketResolved  = "market_resolved"
	EventMarketVoided    = "market_voided"
	EventMarketCanceled  = "market_canceled"
	EventTimingMalformed = "timing_malformed"
)

// DefaultMaxSlippageBps bounds price impact when a request names none.
const DefaultMaxSlippageBps = 500

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Recorder receives engine counters. A nil Recorder records nothing.
type Recorder interface {
	Pulse(p domain.Pulse)
	MarketEvent(kind string)
	PositionPlaced(venue domain.VenueKind, side domain.Side)
	ResolutionApplied(outcome domain.Outcome, locks int, dust uint64)
}

type nopRecorder struct{}

func (nopRecorder) Pulse(domain.Pulse) {}
func (nopRecorder) MarketEvent(string) {}
func (nopRecorder) PositionPlaced(domain.VenueKind, domain.Side) {}
func (nopRecorder) ResolutionApplied(domain.Outcome, int, uint64) {}

// Deps are the collaborators of an Engine. Only Clock is required.
type Deps struct {
	Clock  *pulse.Clock
	Mode   market.Mode
	Source domain.ResolutionSource
	// Repo persists state; nil keeps everything in memory.
	Repo     *persist.Repository
	Audit    domain.AuditStore
	Notifier Notifier
	// Events carries UI updates to websocket clients.
	Events         domain.SignalBus
	Recorder       Recorder
	MaxSlippageBps uint32
	NewID          func() string
}

type outMsg struct {
	channel string
	payload []byte
}

// Engine drives the ledger and settlement.
type Engine struct {
	mu sync.Mutex

	clock      *pulse.Clock
	ledger     *vault.Ledger
	markets    *market.Controller
	prophecies *prophecy.Store
	propagator *settlement.Propagator

	repo     *persist.Repository
	audit    domain.AuditStore
	notifier Notifier
	events   domain.SignalBus
	outbox   chan outMsg
	recorder Recorder

	maxSlippageBps uint32
	newID          func() string
	logger         *slog.Logger
}

// NewEngine wires an Engine and registers the persistence and UI hooks.
func NewEngine(d Deps, logger *slog.Logger) *Engine {
	if d.MaxSlippageBps == 0 {
		d.MaxSlippageBps = DefaultMaxSlippageBps
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	ledger := vault.NewLedger()
	controller := market.NewController(d.Mode, d.Source, logger)
	records := prophecy.NewStore()

	e := &Engine{
		clock:          d.Clock,
		ledger:         ledger,
		markets:        controller,
		prophecies:     records,
		propagator:     settlement.New(ledger, controller, records, logger),
		repo:           d.Repo,
		audit:          d.Audit,
		notifier:       d.Notifier,
		events:         d.Events,
		outbox:         make(chan outMsg, 1024),
		recorder:       d.Recorder,
		maxSlippageBps: d.MaxSlippageBps,
		newID:          d.NewID,
		logger:         logger.With(slog.String("component", "engine")),
	}

	ledger.OnChange(func(v domain.Vault) {
		if e.repo != nil {
			e.repo.SaveVault(v)
		}
		e.emit(ChannelVaults, v)
	})
	controller.OnChange(func(m domain.Market) {
		if e.repo != nil {
			e.repo.SaveMarket(m)
		}
		e.emit(ChannelMarkets, m)
	})
	records.OnChange(func(p domain.Prophecy) {
		if e.repo != nil {
			e.repo.SaveProphecy(p)
		}
		e.emit(ChannelProphecies, p)
	})
	e.propagator.OnApplied(func(key string) {
		if e.repo != nil {
			e.repo.SaveApplied(key)
		}
	})
	return e
}

// emit queues a UI event. It never blocks; a full outbox drops the event.
func (e *Engine) emit(channel string, v any) {
	if e.events == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case e.outbox <- outMsg{channel: channel, payload: payload}:
	default:
		e.logger.Debug("ui event dropped", slog.String("channel", channel))
	}
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Load installs persisted state. Undecodable records were already dropped by
// the repository; records that fail validation here are logged and skipped.
func (e *Engine) Load(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	snap, err := e.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("engine: load: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.install(ctx, snap)
	e.logger.InfoContext(ctx, "state loaded",
		slog.Int("vaults", len(snap.Vaults)),
		slog.Int("markets", len(snap.Markets)),
		slog.Int("prophecies", len(snap.Prophecies)),
		slog.Int("applied", len(snap.Applied)),
		slog.Int("skipped", snap.Skipped),
	)
	return nil
}

// install reconciles every record of snap into memory, preferring the side
// with the higher pulse watermark.
func (e *Engine) install(ctx context.Context, snap persist.Snapshot) int {
	taken := 0
	skip := func(kind, id string, err error) {
		e.logger.WarnContext(ctx, "record rejected",
			slog.String("kind", kind),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
	for _, v := range snap.Vaults {
		ok, err := e.ledger.Reconcile(v)
		if err != nil {
			skip("vault", v.ID, err)
		} else if ok {
			taken++
		}
	}
	for _, m := range snap.Markets {
		ok, err := e.markets.Reconcile(m)
		if err != nil {
			skip("market", m.Def.ID, err)
		} else if ok {
			taken++
		}
	}
	for _, p := range snap.Prophecies {
		ok, err := e.prophecies.Reconcile(p)
		if err != nil {
			skip("prophecy", p.ID, err)
		} else if ok {
			taken++
		}
	}
	if len(snap.Applied) > 0 {
		e.propagator.LoadApplied(snap.Applied...)
		taken += len(snap.Applied)
	}
	return taken
}

// Now returns the current pulse.
func (e *Engine) Now() domain.Pulse { return e.clock.Now() }

// Clock returns the engine clock.
func (e *Engine) Clock() *pulse.Clock { return e.clock }

// Mode returns the resolution mode.
func (e *Engine) Mode() market.Mode { return e.markets.Mode() }

// ---------------------------------------------------------------------------
// Vaults
// ---------------------------------------------------------------------------

// CreateVault creates or re-activates a vault for owner.
func (e *Engine) CreateVault(ctx context.Context, id string, owner domain.Owner, initial micro.Amount) (domain.Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.ledger.CreateOrActivate(id, owner, initial, e.Now())
	if err != nil {
		return domain.Vault{}, fmt.Errorf("engine: create vault: %w", err)
	}
	e.auditLog(ctx, "vault_activated", map[string]any{"vault_id": id, "initial": initial.String()})
	return v, nil
}

// MoveValue deposits into or withdraws from a vault.
func (e *Engine) MoveValue(ctx context.Context, id string, kind domain.ValueMove, amount micro.Amount) (domain.Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.ledger.MoveValue(id, kind, amount, e.Now())
	if err != nil {
		return domain.Vault{}, fmt.Errorf("engine: %s: %w", kind, err)
	}
	e.auditLog(ctx, "vault_"+string(kind), map[string]any{"vault_id": id, "amount": amount.String()})
	return v, nil
}

// SetVaultStatus freezes or re-activates a vault.
func (e *Engine) SetVaultStatus(ctx context.Context, id string, status domain.VaultStatus) (domain.Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.ledger.SetStatus(id, status, e.Now())
	if err != nil {
		return domain.Vault{}, fmt.Errorf("engine: set vault status: %w", err)
	}
	e.auditLog(ctx, "vault_status", map[string]any{"vault_id": id, "status": string(status)})
	return v, nil
}

// HoldValue escrows amount under a new lock not tied to any market and
// returns the lock id.
func (e *Engine) HoldValue(ctx context.Context, id string, amount micro.Amount, note string) (domain.Vault, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.Now()
	lockID := e.newID()
	v, err := e.ledger.OpenLock(id, vault.OpenLockRequest{
		LockID:       lockID,
		Amount:       amount,
		Reason:       "hold",
		CreatedAt:    pulse.MomentAt(now),
		UpdatedPulse: now,
		Note:         note,
	})
	if err != nil {
		return domain.Vault{}, "", fmt.Errorf("engine: hold: %w", err)
	}
	return v, lockID, nil
}

// ReleaseLock returns a locked amount to spendable. Locks tied to a market
// are released only by settlement.
func (e *Engine) ReleaseLock(ctx context.Context, id, lockID string) (domain.Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.ledger.Get(id)
	if err != nil {
		return domain.Vault{}, fmt.Errorf("engine: release: %w", err)
	}
	if i := v.FindLock(lockID); i >= 0 && v.Locks[i].MarketID != "" {
		return domain.Vault{}, fmt.Errorf("engine: lock %s backs a position in %s: %w", lockID, v.Locks[i].MarketID, domain.ErrInvalidInput)
	}
	v, err = e.ledger.TransitionLock(id, vault.TransitionRequest{
		LockID:       lockID,
		To:           domain.LockReleased,
		Reason:       "released",
		UpdatedPulse: e.Now(),
	})
	if err != nil {
		return domain.Vault{}, fmt.Errorf("engine: release: %w", err)
	}
	e.auditLog(ctx, "lock_released", map[string]any{"vault_id": id, "lock_id": lockID})
	return v, nil
}

// RemoveVault deletes a vault that holds no escrowed value.
func (e *Engine) RemoveVault(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.ledger.Get(id)
	if err != nil {
		return fmt.Errorf("engine: remove vault: %w", err)
	}
	if !v.Locked.IsZero() {
		return fmt.Errorf("engine: vault %s still has %s locked: %w", id, v.Locked, domain.ErrInvalidInput)
	}
	if err := e.ledger.Remove(id); err != nil {
		return fmt.Errorf("engine: remove vault: %w", err)
	}
	if e.repo != nil {
		e.repo.RemoveVault(id)
	}
	e.auditLog(ctx, "vault_removed", map[string]any{"vault_id": id})
	return nil
}

// Vault returns a vault snapshot.
func (e *Engine) Vault(id string) (domain.Vault, error) { return e.ledger.Get(id) }

// Vaults returns every vault ordered by id.
func (e *Engine) Vaults() []domain.Vault { return e.ledger.List() }

// ActiveVault returns the id of the currently active vault.
func (e *Engine) ActiveVault() string { return e.ledger.Active() }

// SetActiveVault selects the vault used when a request names none.
func (e *Engine) SetActiveVault(id string) error {
	if err := e.ledger.SetActive(id); err != nil {
		return fmt.Errorf("engine: set active vault: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Markets
// ---------------------------------------------------------------------------

// CreateMarket registers a market at the current pulse.
func (e *Engine) CreateMarket(ctx context.Context, def domain.MarketDef, venue domain.VenueState) (domain.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.markets.Register(def, venue, e.Now())
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: create market: %w", err)
	}
	e.auditLog(ctx, "market_created", map[string]any{"market_id": def.ID, "venue": string(venue.Kind)})
	return m, nil
}

// Market returns a market snapshot.
func (e *Engine) Market(id string) (domain.Market, error) { return e.markets.Get(id) }

// Markets returns every market ordered by id.
func (e *Engine) Markets() []domain.Market { return e.markets.List() }

// Prophecies lists prediction records, filtered by market or vault when set.
func (e *Engine) Prophecies(marketID, vaultID string) []domain.Prophecy {
	switch {
	case marketID != "" && vaultID != "":
		var out []domain.Prophecy
		for _, p := range e.prophecies.ListByMarket(marketID) {
			if p.VaultID == vaultID {
				out = append(out, p)
			}
		}
		return out
	case marketID != "":
		return e.prophecies.ListByMarket(marketID)
	case vaultID != "":
		return e.prophecies.ListByVault(vaultID)
	default:
		return e.prophecies.List()
	}
}

// Prophecy returns one prediction record.
func (e *Engine) Prophecy(id string) (domain.Prophecy, error) { return e.prophecies.Get(id) }

// SubmitResolution applies an externally supplied resolution and propagates
// it. Re-submitting the attached resolution is a success with zero effect.
func (e *Engine) SubmitResolution(ctx context.Context, res domain.MarketResolution) (settlement.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, err := e.markets.SubmitResolution(res, e.Now())
	if errors.Is(err, domain.ErrAlreadyApplied) {
		return e.propagate(ctx, res)
	}
	if err != nil {
		return settlement.Result{}, fmt.Errorf("engine: submit resolution: %w", err)
	}
	return e.handle(ctx, ev)
}

// CancelMarket cancels a market and refunds its positions per its void
// policy.
func (e *Engine) CancelMarket(ctx context.Context, id string) (settlement.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, err := e.markets.Cancel(id, e.Now())
	if err != nil {
		return settlement.Result{}, fmt.Errorf("engine: cancel market: %w", err)
	}
	return e.handle(ctx, ev)
}

// ---------------------------------------------------------------------------
// Pulse evaluation and settlement
// ---------------------------------------------------------------------------

// Tick evaluates all markets at now and settles what resolved. Resolutions
// whose propagation failed earlier are retried first.
func (e *Engine) Tick(ctx context.Context, now domain.Pulse) []market.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settleOutstanding(ctx)
	events := e.markets.Tick(ctx, now)
	e.recorder.Pulse(now)
	for _, ev := range events {
		e.recorder.MarketEvent(string(ev.Kind))
		if _, err := e.handle(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "settlement incomplete, will retry",
				slog.String("market_id", ev.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return events
}

// handle records, announces and settles one lifecycle event.
func (e *Engine) handle(ctx context.Context, ev market.Event) (settlement.Result, error) {
	detail := map[string]any{
		"market_id": ev.MarketID,
		"from":      string(ev.From),
		"to":        string(ev.To),
		"pulse":     uint64(ev.Pulse),
	}
	if ev.Err != nil {
		detail["error"] = ev.Err.Error()
	}
	if ev.Resolution != nil {
		detail["outcome"] = string(ev.Resolution.Outcome)
		detail["resolved_pulse"] = uint64(ev.Resolution.ResolvedPulse)
	}
	e.auditLog(ctx, "market_"+string(ev.Kind), detail)

	switch ev.Kind {
	case market.EventResolved:
		e.notify(ctx, EventMarketResolved, "Market resolved",
			fmt.Sprintf("%s resolved %s at pulse %d", ev.MarketID, ev.Resolution.Outcome, ev.Resolution.ResolvedPulse))
	case market.EventVoided:
		e.notify(ctx, EventMarketVoided, "Market voided",
			fmt.Sprintf("%s voided at pulse %d", ev.MarketID, ev.Resolution.ResolvedPulse))
	case market.EventCanceled:
		e.notify(ctx, EventMarketCanceled, "Market canceled",
			fmt.Sprintf("%s canceled at pulse %d", ev.MarketID, ev.Pulse))
	case market.EventTimingMalformed:
		e.notify(ctx, EventTimingMalformed, "Market timing malformed",
			fmt.Sprintf("%s has malformed timing and stays open", ev.MarketID))
	}

	if ev.Resolution == nil {
		return settlement.Result{}, nil
	}
	return e.propagate(ctx, *ev.Resolution)
}

func (e *Engine) notify(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// propagate fans res out to locks and prediction records.
func (e *Engine) propagate(ctx context.Context, res domain.MarketResolution) (settlement.Result, error) {
	result, err := e.propagator.ApplyResolution(ctx, res, oracle.EvidenceHashes(res.Evidence))
	if err != nil {
		return result, fmt.Errorf("engine: propagate %s: %w", res.Key(), err)
	}
	if result.Updated > 0 {
		dust, _ := result.Dust.Uint64()
		e.recorder.ResolutionApplied(res.Outcome, result.Locks, dust)
		e.auditLog(ctx, "resolution_applied", map[string]any{
			"key":        res.Key().String(),
			"locks":      result.Locks,
			"prophecies": result.Prophecies,
			"dust":       result.Dust.String(),
		})
		e.emit(ChannelResolutions, struct {
			Resolution domain.MarketResolution `json:"resolution"`
			Result     settlement.Result       `json:"result"`
		}{res, result})
	}
	return result, nil
}

// settleOutstanding propagates every attached resolution not yet applied.
func (e *Engine) settleOutstanding(ctx context.Context) {
	for _, m := range e.markets.List() {
		r := m.State.Resolution
		if r == nil || e.propagator.IsApplied(r.Key()) {
			continue
		}
		if _, err := e.propagate(ctx, *r); err != nil {
			e.logger.WarnContext(ctx, "settlement retry failed",
				slog.String("market_id", m.Def.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Flush writes pending state now.
func (e *Engine) Flush(ctx context.Context) int {
	if e.repo == nil {
		return 0
	}
	return e.repo.Flush(ctx)
}
