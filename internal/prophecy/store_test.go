package prophecy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

func seed(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	for _, p := range []domain.Prophecy{
		{ID: "p1", VaultID: "v1", MarketID: "m1", Side: domain.SideYes, Stake: micro.New(10), CreatedPulse: 3},
		{ID: "p2", VaultID: "v2", MarketID: "m1", Side: domain.SideNo, Stake: micro.New(20), CreatedPulse: 4},
		{ID: "p3", VaultID: "v1", MarketID: "m2", Side: domain.SideNo, Stake: micro.New(30), CreatedPulse: 5},
	} {
		_, err := s.Add(p)
		require.NoError(t, err)
	}
	return s
}

func TestAddAndList(t *testing.T) {
	s := seed(t)

	p, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProphecyPending, p.Status)
	assert.Equal(t, domain.Pulse(3), p.UpdatedPulse)

	_, err = s.Add(domain.Prophecy{ID: "p1", VaultID: "v", MarketID: "m", Side: domain.SideYes})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	_, err = s.Add(domain.Prophecy{ID: "p9", VaultID: "v", MarketID: "m", Side: "UP"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = s.Get("zz")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Len(t, s.ListByMarket("m1"), 2)
	ids := []string{}
	for _, p := range s.ListByVault("v1") {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p1", "p3"}, ids)
	assert.Len(t, s.List(), 3)
}

func TestApplyResolutionExactlyOnce(t *testing.T) {
	s := seed(t)
	var notified []string
	s.OnChange(func(p domain.Prophecy) { notified = append(notified, p.ID+":"+string(p.Status)) })

	n, err := s.ApplyResolutionToProphecies("m1", domain.OutcomeYes, 150, []string{"0xabc"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"p1:fulfilled", "p2:missed"}, notified)

	p1, _ := s.Get("p1")
	require.NotNil(t, p1.ResolvedPulse)
	assert.Equal(t, domain.Pulse(150), *p1.ResolvedPulse)
	assert.Equal(t, []string{"0xabc"}, p1.EvidenceHashes)

	n, err = s.ApplyResolutionToProphecies("m1", domain.OutcomeVoid, 151, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "records are marked once")
	p2, _ := s.Get("p2")
	assert.Equal(t, domain.ProphecyMissed, p2.Status)

	n, err = s.ApplyResolutionToProphecies("m2", domain.OutcomeVoid, 160, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p3, _ := s.Get("p3")
	assert.Equal(t, domain.ProphecyVoid, p3.Status)

	_, err = s.ApplyResolutionToProphecies("m2", "MAYBE", 1, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReconcileNeverRevivesPending(t *testing.T) {
	s := seed(t)
	_, err := s.ApplyResolutionToProphecies("m1", domain.OutcomeNo, 150, nil)
	require.NoError(t, err)

	remote, _ := s.Get("p1")
	remote.Status = domain.ProphecyPending
	remote.UpdatedPulse = 999
	took, err := s.Reconcile(remote)
	require.NoError(t, err)
	assert.False(t, took)

	fresh := domain.Prophecy{ID: "p7", VaultID: "v3", MarketID: "m3", Side: domain.SideYes, Status: domain.ProphecyPending, UpdatedPulse: 2}
	took, err = s.Reconcile(fresh)
	require.NoError(t, err)
	assert.True(t, took)

	_, err = s.Reconcile(domain.Prophecy{ID: "p8", Status: "weird", Side: domain.SideYes})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
