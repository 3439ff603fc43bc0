package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/persist"
	"github.com/alanyoungcy/pulsemarket/internal/pulse"
)

// PulseTick is published on ChannelPulse every pulse.
type PulseTick struct {
	Pulse  domain.Pulse  `json:"pulse"`
	Moment domain.Moment `json:"moment"`
	Events int           `json:"events"`
}

// Run evaluates markets on every pulse, reconciles state written by other
// processes and forwards UI events until ctx is done. Pending writes are
// flushed before it returns.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for p := range pulse.Ticker(gctx, e.clock) {
			events := e.Tick(gctx, p)
			e.emit(ChannelPulse, PulseTick{Pulse: p, Moment: pulse.MomentAt(p), Events: len(events)})
		}
		return nil
	})

	if e.repo != nil {
		changes, err := e.repo.Changes(gctx)
		if err != nil {
			e.logger.WarnContext(ctx, "change notifications unavailable",
				slog.String("error", err.Error()),
			)
		} else {
			g.Go(func() error {
				for ev := range changes {
					e.reconcile(gctx, ev)
				}
				return nil
			})
		}
	}

	if e.events != nil {
		g.Go(func() error {
			e.drain(gctx)
			return nil
		})
	}

	err := g.Wait()

	if e.repo != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if failed := e.repo.Close(closeCtx); failed > 0 {
			e.logger.Warn("pending writes failed on shutdown", slog.Int("failed", failed))
		}
	}
	if err != nil {
		return fmt.Errorf("engine: run: %w", err)
	}
	return nil
}

// reconcile pulls one record announced by another process and installs it
// when it is newer than the local copy.
func (e *Engine) reconcile(ctx context.Context, ev domain.ChangeEvent) {
	snap, err := e.repo.LoadOne(ctx, ev.Kind, ev.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "reconcile load failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.mu.Lock()
	n := e.install(ctx, snap)
	e.mu.Unlock()
	if n > 0 {
		e.logger.DebugContext(ctx, "reconciled",
			slog.String("origin", ev.Origin),
			slog.String("kind", string(ev.Kind)),
			slog.String("id", ev.ID),
		)
	}
}

// Reconcile runs a full pass over persisted state.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	if e.repo == nil {
		return 0, nil
	}
	snap, err := e.repo.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: reconcile: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.install(ctx, snap), nil
}

// drain forwards queued UI events to the event bus.
func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.outbox:
			if err := e.events.Publish(ctx, msg.channel, msg.payload); err != nil {
				e.logger.DebugContext(ctx, "ui event publish failed",
					slog.String("channel", msg.channel),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Snapshot exports every persisted record.
func (e *Engine) Snapshot(ctx context.Context) ([]persist.Entry, error) {
	if e.repo == nil {
		return nil, fmt.Errorf("engine: snapshot: no repository: %w", domain.ErrInvalidInput)
	}
	e.Flush(ctx)
	return e.repo.Entries(ctx)
}

// State is a JSON view of everything the engine holds.
type State struct {
	Pulse       domain.Pulse      `json:"pulse"`
	ActiveVault string            `json:"activeVault,omitempty"`
	Vaults      []domain.Vault    `json:"vaults"`
	Markets     []domain.Market   `json:"markets"`
	Prophecies  []domain.Prophecy `json:"prophecies"`
	Applied     []string          `json:"applied"`
}

// State returns a consistent view of the engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Pulse:       e.Now(),
		ActiveVault: e.ledger.Active(),
		Vaults:      e.ledger.List(),
		Markets:     e.markets.List(),
		Prophecies:  e.prophecies.List(),
		Applied:     e.propagator.Applied(),
	}
}

