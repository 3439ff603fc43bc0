package quote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/micro"
)

func amt(v uint64) micro.Amount { return micro.New(v) }

func cpmmParams(yes, no uint64, fee uint32, timing domain.FeeTiming) AmmParams {
	return AmmParams{
		Curve:        domain.CurveCPMM,
		YesInventory: amt(yes),
		NoInventory:  amt(no),
		FeeBps:       fee,
		FeeTiming:    timing,
	}
}

func TestFeeFromBps(t *testing.T) {
	fee, err := FeeFromBps(amt(10_000), 100)
	require.NoError(t, err)
	assert.Equal(t, "100", fee.String())

	fee, err = FeeFromBps(amt(99), 100)
	require.NoError(t, err)
	assert.True(t, fee.IsZero(), "floor division")

	fee, err = FeeFromBps(amt(777), MaxBps)
	require.NoError(t, err)
	assert.True(t, fee.EQ(amt(777)), "fee never exceeds principal")

	_, err = FeeFromBps(amt(1), MaxBps+1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCPMMEntryFeeBuyYes(t *testing.T) {
	p := cpmmParams(1_000_000, 1_000_000, 100, domain.FeeAtEntry)
	before, err := SpotPrices(p)
	require.NoError(t, err)

	q, err := QuoteAmmTrade(p, domain.SideYes, amt(10_000))
	require.NoError(t, err)

	assert.Equal(t, "100", q.Fee.String())
	assert.Equal(t, "9802", q.SharesOut.String())
	assert.True(t, q.SharesOut.LT(amt(10_000)))
	assert.Equal(t, "990198", q.YesInventoryAfter.String())
	assert.Equal(t, "1009900", q.NoInventoryAfter.String())
	assert.True(t, q.PriceAfter.GT(before.Yes), "yes price rises after a yes buy")
	assert.Equal(t, "504925", q.Prices.Yes.String())
	assert.Equal(t, "495074", q.Prices.No.String())
}

func TestCPMMExitFeeStaysInPool(t *testing.T) {
	p := cpmmParams(1_000_000, 1_000_000, 100, domain.FeeAtExit)
	q, err := QuoteAmmTrade(p, domain.SideYes, amt(10_000))
	require.NoError(t, err)

	assert.Equal(t, "99", q.Fee.String())
	assert.Equal(t, "9801", q.SharesOut.String())
	assert.Equal(t, "990199", q.YesInventoryAfter.String())
	assert.Equal(t, "1010000", q.NoInventoryAfter.String())
}

func TestCPMMPreservesInvariant(t *testing.T) {
	sizes := []uint64{1, 7, 999, 10_000, 123_457, 5_000_000}
	for _, fee := range []uint32{0, 30, 100, 2500} {
		for _, timing := range []domain.FeeTiming{domain.FeeAtEntry, domain.FeeAtExit} {
			for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
				p := cpmmParams(3_000_000, 1_250_000, fee, timing)
				k, _ := p.YesInventory.Mul(p.NoInventory)
				for _, size := range sizes {
					q, err := QuoteAmmTrade(p, side, amt(size))
					if err != nil {
						assert.ErrorIs(t, err, domain.ErrInvalidInput)
						continue
					}
					after, err := q.YesInventoryAfter.Mul(q.NoInventoryAfter)
					require.NoError(t, err)
					assert.True(t, after.GTE(k), "fee=%d timing=%s side=%s size=%d", fee, timing, side, size)
				}
			}
		}
	}
}

func TestCPMMBuyNoMirrorsYes(t *testing.T) {
	yes, err := QuoteAmmTrade(cpmmParams(1_000_000, 1_000_000, 0, domain.FeeAtEntry), domain.SideYes, amt(50_000))
	require.NoError(t, err)
	no, err := QuoteAmmTrade(cpmmParams(1_000_000, 1_000_000, 0, domain.FeeAtEntry), domain.SideNo, amt(50_000))
	require.NoError(t, err)

	assert.True(t, yes.SharesOut.EQ(no.SharesOut))
	assert.True(t, yes.Prices.Yes.EQ(no.Prices.No))
}

func TestAmmRejectsOutOfDomain(t *testing.T) {
	cases := map[string]struct {
		p      AmmParams
		side   domain.Side
		amount uint64
	}{
		"zero amount":     {cpmmParams(1_000_000, 1_000_000, 0, domain.FeeAtEntry), domain.SideYes, 0},
		"zero inventory":  {cpmmParams(0, 1_000_000, 0, domain.FeeAtEntry), domain.SideYes, 10},
		"fee over 100%":   {cpmmParams(1_000_000, 1_000_000, 10_001, domain.FeeAtEntry), domain.SideYes, 10},
		"fee eats amount": {cpmmParams(1_000_000, 1_000_000, 10_000, domain.FeeAtEntry), domain.SideYes, 10},
		"bad side":        {cpmmParams(1_000_000, 1_000_000, 0, domain.FeeAtEntry), domain.Side("MAYBE"), 10},
		"bad curve":       {AmmParams{Curve: "quadratic", YesInventory: amt(1), NoInventory: amt(1)}, domain.SideYes, 10},
		"lmsr without b":  {AmmParams{Curve: domain.CurveLMSR}, domain.SideYes, 10},
		"dust trade": {
			cpmmParams(1_000_000, 1, 0, domain.FeeAtEntry), domain.SideNo, 1,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := QuoteAmmTrade(tc.p, tc.side, amt(tc.amount))
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestLMSRBuyFromFlatBook(t *testing.T) {
	b := amt(1_000_000)
	p := AmmParams{Curve: domain.CurveLMSR, FeeBps: 100, FeeTiming: domain.FeeAtEntry, Param: &b}

	before, err := SpotPrices(p)
	require.NoError(t, err)
	assert.Equal(t, "500000", before.Yes.String())

	q, err := QuoteAmmTrade(p, domain.SideYes, amt(10_000))
	require.NoError(t, err)
	assert.Equal(t, "100", q.Fee.String())
	assert.Equal(t, "19702", q.SharesOut.String())
	assert.Equal(t, "19702", q.YesInventoryAfter.String())
	assert.True(t, q.NoInventoryAfter.IsZero())
	assert.Equal(t, "504925", q.PriceAfter.String())
	assert.Equal(t, "495074", q.Prices.No.String())
}

func TestLMSRSharesGrowWithAmount(t *testing.T) {
	b := amt(500_000)
	p := AmmParams{Curve: domain.CurveLMSR, YesInventory: amt(200_000), NoInventory: amt(50_000), Param: &b}
	prev := micro.Zero()
	for _, size := range []uint64{1_000, 10_000, 100_000, 1_000_000} {
		q, err := QuoteAmmTrade(p, domain.SideNo, amt(size))
		require.NoError(t, err)
		assert.True(t, q.SharesOut.GT(prev))
		// each share pays at most one unit, so cost never exceeds shares
		assert.True(t, q.SharesOut.GTE(amt(size)))
		prev = q.SharesOut
	}
}

func TestLMSRRejectsOversizedTrade(t *testing.T) {
	b := amt(10)
	p := AmmParams{Curve: domain.CurveLMSR, Param: &b}
	_, err := QuoteAmmTrade(p, domain.SideYes, amt(1_000_000))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParimutuelStake(t *testing.T) {
	pool := domain.ParimutuelState{YesPool: amt(3_000_000), NoPool: amt(1_000_000), FeeBps: 200}

	q, err := QuoteParimutuelStake(pool, pool.FeeBps, domain.SideYes, amt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, "20000", q.Fee.String())
	assert.Equal(t, "980000", q.NetStake.String())
	// 980000e6 / 3980000
	assert.Equal(t, "246231", q.ShareOfPool.String())
	assert.Equal(t, "3980000", q.PoolAfter.YesPool.String())
	assert.True(t, q.PoolAfter.NoPool.EQ(pool.NoPool))

	num, _ := q.NetStake.Mul(amt(micro.Scale))
	issued, _ := q.ShareOfPool.Mul(q.PoolAfter.YesPool)
	back, _ := issued.Add(q.Remainder)
	assert.True(t, back.EQ(num), "remainder is tracked, not dropped")

	_, err = QuoteParimutuelStake(pool, pool.FeeBps, domain.SideYes, micro.Zero())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = QuoteParimutuelStake(pool, 20_000, domain.SideYes, amt(5))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParimutuelPayoutsNeverOverIssue(t *testing.T) {
	pool := domain.ParimutuelState{YesPool: amt(1_000_003), NoPool: amt(2_333_333)}
	winners := []Stake{
		{ID: "a", Amount: amt(333_334)},
		{ID: "b", Amount: amt(333_334)},
		{ID: "c", Amount: amt(333_335)},
	}
	d, err := ParimutuelPayouts(pool, 150, winners)
	require.NoError(t, err)

	total, _ := pool.YesPool.Add(pool.NoPool)
	feeNet, _ := d.NetPool.Add(d.Fee)
	assert.True(t, feeNet.EQ(total))

	sum := d.Dust
	for _, p := range d.Payouts {
		sum, _ = sum.Add(p)
	}
	assert.True(t, sum.EQ(d.NetPool), "payouts plus dust equal the net pool")
	assert.True(t, d.Payouts["a"].EQ(d.Payouts["b"]))
	assert.True(t, d.Payouts["c"].GTE(d.Payouts["a"]))
}

func TestParimutuelPayoutsWithoutWinners(t *testing.T) {
	pool := domain.ParimutuelState{YesPool: amt(500), NoPool: amt(500)}
	d, err := ParimutuelPayouts(pool, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, d.Payouts)
	assert.Equal(t, "1000", d.Dust.String())
}

func TestOrderBookSweep(t *testing.T) {
	asks := []domain.BookLevel{
		{Price: amt(600_000), Size: amt(1_000_000)},
		{Price: amt(550_000), Size: amt(100_000)},
	}
	q, err := QuoteOrderBook(asks, 0, amt(100_000))
	require.NoError(t, err)

	// 55_000 buys the 550k level entirely, the remaining 45_000 buys 75_000 at 600k
	assert.Equal(t, "175000", q.SharesOut.String())
	assert.Equal(t, "100000", q.Spent.String())
	assert.True(t, q.Unspent.IsZero())
	require.Len(t, q.AsksAfter, 1)
	assert.Equal(t, "925000", q.AsksAfter[0].Size.String())
	assert.Equal(t, "571428", q.AvgPrice.String())
}

func TestOrderBookEmpty(t *testing.T) {
	_, err := QuoteOrderBook(nil, 0, amt(100))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestPayoutForSharesMonotonic(t *testing.T) {
	redeem := amt(1_000_000)
	for _, timing := range []domain.FeeTiming{domain.FeeAtEntry, domain.FeeAtExit} {
		prev := micro.Zero()
		for s := uint64(0); s < 5_000; s += 37 {
			p, err := PayoutForShares(amt(s), redeem, 333, timing)
			require.NoError(t, err)
			assert.True(t, p.GTE(prev), "timing=%s shares=%d", timing, s)
			prev = p
		}
	}

	p, err := PayoutForShares(amt(2_000_000), redeem, 100, domain.FeeAtExit)
	require.NoError(t, err)
	assert.Equal(t, "1980000", p.String())

	p, err = PayoutForShares(amt(2_000_000), redeem, 100, domain.FeeAtEntry)
	require.NoError(t, err)
	assert.Equal(t, "2000000", p.String())
}

func TestCheckSlippage(t *testing.T) {
	assert.NoError(t, CheckSlippage(amt(500_000), amt(505_000), 100), "exact bound accepted")
	assert.NoError(t, CheckSlippage(amt(500_000), amt(495_000), 100))
	assert.ErrorIs(t, CheckSlippage(amt(500_000), amt(505_001), 100), domain.ErrSlippageExceeded)
	assert.ErrorIs(t, CheckSlippage(amt(500_000), amt(494_999), 100), domain.ErrSlippageExceeded)
	assert.ErrorIs(t, CheckSlippage(micro.Zero(), amt(1), 100), domain.ErrInvalidInput)
}
