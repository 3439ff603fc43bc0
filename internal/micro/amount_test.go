package micro

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	a, err := Parse("1000000")
	require.NoError(t, err)
	assert.True(t, a.EQ(One()))

	tooBig := strings.Repeat("9", 78)
	_, err = Parse(tooBig)
	assert.ErrorIs(t, err, ErrOverflow)

	for _, bad := range []string{"", "-1", "+1", "1.5", "1e6", " 1", "0x10", "abc"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrSyntax, "input %q", bad)
	}
}

func TestArithmeticNeverWraps(t *testing.T) {
	_, err := New(1).Sub(New(2))
	assert.ErrorIs(t, err, ErrUnderflow)

	maxU256, err := FromBig(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))
	require.NoError(t, err)
	_, err = maxU256.Add(New(1))
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = maxU256.Mul(New(2))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = FromBig(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrUnderflow)

	assert.True(t, New(3).SaturatingSub(New(5)).IsZero())
}

func TestDivision(t *testing.T) {
	q, r, err := New(10).DivMod(New(3))
	require.NoError(t, err)
	assert.Equal(t, "3", q.String())
	assert.Equal(t, "1", r.String())

	c, err := New(10).CeilDiv(New(3))
	require.NoError(t, err)
	assert.Equal(t, "4", c.String())

	c, err = New(9).CeilDiv(New(3))
	require.NoError(t, err)
	assert.Equal(t, "3", c.String())

	_, err = New(1).Div(Zero())
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestMulDivKeepsRemainder(t *testing.T) {
	q, r, err := MulDiv(New(7), New(5), New(3))
	require.NoError(t, err)
	assert.Equal(t, "11", q.String())
	assert.Equal(t, "2", r.String())

	// intermediate product above 2^256 still divides back down
	big128 := New(1 << 63)
	x, err := big128.Mul(big128)
	require.NoError(t, err)
	x, err = x.Mul(x)
	require.NoError(t, err)
	q, r, err = MulDiv(x, x, x)
	require.NoError(t, err)
	assert.True(t, q.EQ(x))
	assert.True(t, r.IsZero())
}

func TestComparisons(t *testing.T) {
	a, b := New(1), New(2)
	assert.True(t, a.LT(b))
	assert.True(t, a.LTE(a))
	assert.True(t, b.GT(a))
	assert.True(t, b.GTE(b))
	assert.Equal(t, -1, a.Cmp(b))
	assert.True(t, Min(a, b).EQ(a))
	assert.True(t, Max(a, b).EQ(b))

	s, err := Sum(a, b, New(3))
	require.NoError(t, err)
	assert.Equal(t, "6", s.String())
}

func TestJSONUsesDecimalStrings(t *testing.T) {
	type doc struct {
		V Amount `json:"v"`
	}
	raw, err := json.Marshal(doc{V: MustUnits(12)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"12000000"}`, string(raw))

	var back doc
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.V.EQ(MustUnits(12)))

	assert.Error(t, json.Unmarshal([]byte(`{"v":12000000}`), &back))
	assert.Error(t, json.Unmarshal([]byte(`{"v":"-3"}`), &back))
}

func TestUint64(t *testing.T) {
	v, ok := New(42).Uint64()
	assert.True(t, ok)
	assert.Equal(t, uint64(42), v)

	huge, err := New(1 << 63).Mul(New(4))
	require.NoError(t, err)
	_, ok = huge.Uint64()
	assert.False(t, ok)
}
