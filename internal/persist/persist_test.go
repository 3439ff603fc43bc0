package persist

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var fixedNow = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func sampleVault() domain.Vault {
	return domain.Vault{
		ID:        "v1",
		Owner:     domain.Owner{IdentityKey: "k1", Signature: "sig"},
		Status:    domain.VaultActive,
		Spendable: micro.New(600_000),
		Locked:    micro.New(400_000),
		Locks: []domain.VaultLock{{
			LockID:       "l1",
			Status:       domain.LockLocked,
			Reason:       "position",
			Amount:       micro.New(400_000),
			CreatedAt:    domain.Moment{Pulse: 7, Beat: 0, StepIndex: 0},
			UpdatedPulse: 7,
			MarketID:     "m1",
			Side:         domain.SideYes,
			Shares:       micro.New(390_000),
		}},
		Stats:        domain.VaultStats{Wins: 2, WinStreak: 1, BestWinStreak: 2},
		CreatedPulse: 1,
		UpdatedPulse: 7,
	}
}

func sampleMarket() domain.Market {
	by := domain.Pulse(150)
	return domain.Market{
		Def: domain.MarketDef{
			ID:       "m1",
			Kind:     domain.MarketKindBinary,
			Question: "rain?",
			Timing:   domain.MarketTiming{CreatedPulse: 1, OpenPulse: 1, ClosePulse: 100, ResolveByPulse: &by},
			Rules: domain.MarketRules{
				YesCondition: "it rains",
				Settlement:   domain.SettlementRules{RedeemPerShare: micro.One(), FeeTiming: domain.FeeAtEntry},
				VoidPolicy:   domain.VoidPolicy{RefundMode: domain.RefundStake},
			},
		},
		State: domain.MarketState{
			Status: domain.MarketOpen,
			Venue: domain.VenueState{Kind: domain.VenueAMM, AMM: &domain.AmmState{
				Curve: domain.CurveCPMM, YesInventory: micro.New(1_000_000), NoInventory: micro.New(1_000_000), FeeBps: 100,
			}},
			Prices:           domain.Prices{Yes: micro.New(500_000), No: micro.New(500_000)},
			LastUpdatedPulse: 5,
		},
	}
}

func TestVaultRoundTrip(t *testing.T) {
	raw, err := Encode(sampleVault(), fixedNow())
	require.NoError(t, err)
	assert.Contains(t, raw, `"spendableMicro":"600000"`)
	assert.Contains(t, raw, `"version":1`)

	got, err := DecodeVault(raw)
	require.NoError(t, err)
	assert.Equal(t, sampleVault(), got)
}

func TestMarketRoundTrip(t *testing.T) {
	raw, err := Encode(sampleMarket(), fixedNow())
	require.NoError(t, err)
	got, err := DecodeMarket(raw)
	require.NoError(t, err)
	assert.Equal(t, sampleMarket(), got)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good, err := Encode(sampleVault(), fixedNow())
	require.NoError(t, err)

	cases := map[string]string{
		"not json":        "{",
		"wrong version":   strings.Replace(good, `"version":1`, `"version":2`, 1),
		"unknown field":   strings.Replace(good, `"vaultId"`, `"extra":1,"vaultId"`, 1),
		"numeric amount":  strings.Replace(good, `"spendableMicro":"600000"`, `"spendableMicro":600000`, 1),
		"negative amount": strings.Replace(good, `"spendableMicro":"600000"`, `"spendableMicro":"-1"`, 1),
		"locked mismatch": strings.Replace(good, `"lockedMicro":"400000"`, `"lockedMicro":"1"`, 1),
		"bad lock status": strings.Replace(good, `"status":"locked"`, `"status":"stolen"`, 1),
		"null data":       `{"version":1,"savedAt":0,"data":null}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeVault(raw)
			assert.ErrorIs(t, err, domain.ErrDecodeFailure)
		})
	}

	m, err := Encode(sampleMarket(), fixedNow())
	require.NoError(t, err)
	_, err = DecodeMarket(strings.Replace(m, `"status":"open"`, `"status":"exploded"`, 1))
	assert.ErrorIs(t, err, domain.ErrDecodeFailure)
}

func TestDebouncerCoalesces(t *testing.T) {
	d := NewDebouncer(time.Hour, discardLogger())
	var runs, last atomic.Int64
	for i := 1; i <= 5; i++ {
		n := int64(i)
		d.Schedule("k", func(context.Context) error {
			runs.Add(1)
			last.Store(n)
			return nil
		})
	}
	assert.Equal(t, 1, d.Pending())
	assert.Zero(t, d.Flush(context.Background()))
	assert.Equal(t, int64(1), runs.Load())
	assert.Equal(t, int64(5), last.Load())
	assert.Zero(t, d.Pending())
}

func TestDebouncerFiresOnTimer(t *testing.T) {
	d := NewDebouncer(5*time.Millisecond, discardLogger())
	done := make(chan struct{})
	d.Schedule("k", func(context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced write never ran")
	}
}

func TestDebouncerClosedDropsWrites(t *testing.T) {
	d := NewDebouncer(time.Hour, discardLogger())
	d.Close(context.Background())
	d.Schedule("k", func(context.Context) error { return nil })
	assert.Zero(t, d.Pending())
}

func newRepo(kv domain.KVStore, bus domain.SignalBus, origin string) *Repository {
	return NewRepository(kv, Options{Prefix: "pm", Origin: origin, Debounce: time.Hour, Bus: bus, Now: fixedNow}, discardLogger())
}

func TestRepositorySaveAndLoad(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	repo := newRepo(kv, nil, "a")

	repo.SaveVault(sampleVault())
	repo.SaveMarket(sampleMarket())
	repo.SaveProphecy(domain.Prophecy{ID: "p1", VaultID: "v1", MarketID: "m1", Side: domain.SideYes, Status: domain.ProphecyPending})
	repo.SaveApplied("m0|NO|90")
	assert.Equal(t, 4, repo.Pending())

	_, err := kv.Get(ctx, "pm:vault:v1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "nothing is written before the flush")

	require.Zero(t, repo.Flush(ctx))

	snap, err := newRepo(kv, nil, "b").Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Vaults, 1)
	assert.Equal(t, sampleVault(), snap.Vaults[0])
	require.Len(t, snap.Markets, 1)
	assert.Equal(t, "m1", snap.Markets[0].Def.ID)
	require.Len(t, snap.Prophecies, 1)
	assert.Equal(t, []string{"m0|NO|90"}, snap.Applied)
	assert.Zero(t, snap.Skipped)
}

func TestRepositoryCorruptRecordIsAbsent(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	repo := newRepo(kv, nil, "a")
	repo.SaveVault(sampleVault())
	require.Zero(t, repo.Flush(ctx))
	require.NoError(t, kv.Set(ctx, "pm:vault:v2", `{"version":1,"savedAt":0,"data":{"vaultId":7}}`))

	snap, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Vaults, 1)
	assert.Equal(t, 1, snap.Skipped)
}

func TestRepositoryRemove(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	repo := newRepo(kv, nil, "a")
	repo.SaveVault(sampleVault())
	require.Zero(t, repo.Flush(ctx))
	repo.RemoveVault("v1")
	require.Zero(t, repo.Flush(ctx))

	empty, err := repo.Empty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestRepositoryEntriesRestore(t *testing.T) {
	ctx := context.Background()
	src := newRepo(NewMemoryKV(), nil, "a")
	src.SaveVault(sampleVault())
	src.SaveMarket(sampleMarket())
	require.Zero(t, src.Flush(ctx))

	entries, err := src.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "two records and two indexes")

	dst := newRepo(NewMemoryKV(), nil, "b")
	n, err := dst.Restore(ctx, append(entries, Entry{Key: "other:vault:x", Value: "{}"}))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	snap, err := dst.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Vaults, 1)
	assert.Len(t, snap.Markets, 1)
}

func TestRepositoryChangesSkipOwnOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	kv := NewMemoryKV()
	bus := NewMemoryBus()
	a := newRepo(kv, bus, "a")
	b := newRepo(kv, bus, "b")

	fromA, err := a.Changes(ctx)
	require.NoError(t, err)
	fromB, err := b.Changes(ctx)
	require.NoError(t, err)

	a.SaveVault(sampleVault())
	require.Zero(t, a.Flush(ctx))

	select {
	case ev := <-fromB:
		assert.Equal(t, domain.ChangeEvent{Origin: "a", Kind: domain.ChangeVault, ID: "v1", UpdatedPulse: 7}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event delivered")
	}
	select {
	case ev := <-fromA:
		t.Fatalf("own change delivered: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	one, err := b.LoadOne(ctx, domain.ChangeVault, "v1")
	require.NoError(t, err)
	require.Len(t, one.Vaults, 1)

	_, err = newRepo(kv, nil, "c").Changes(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
