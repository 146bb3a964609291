package vesting_test

import (
	"math"
	"testing"

	"StakeLedger/internal/vesting"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullyVested(t *testing.T) {
	var s vesting.Schedule = vesting.FullyVested{}
	assert.Zero(t, s.UnvestedAmount(math.MinInt64))
	assert.Zero(t, s.UnvestedAmount(0))
	assert.Zero(t, s.TotalAmount())
}

func TestTranches_UnvestedOverTime(t *testing.T) {
	s, err := vesting.NewTranches([]vesting.Tranche{
		{UnlockAt: 100, Amount: 10},
		{UnlockAt: 200, Amount: 20},
		{UnlockAt: 300, Amount: 30},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(60), s.TotalAmount())
	assert.Equal(t, int64(300), s.EndTime())

	cases := []struct {
		now  int64
		want uint64
	}{
		{0, 60},
		{99, 60},
		{100, 50},
		{250, 30},
		{299, 30},
		{300, 0},
		{math.MaxInt64, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.UnvestedAmount(tc.now), "now=%d", tc.now)
	}
}

func TestTranches_NonIncreasing(t *testing.T) {
	s, err := vesting.NewTranches([]vesting.Tranche{
		{UnlockAt: -50, Amount: 5},
		{UnlockAt: 10, Amount: 7},
		{UnlockAt: 11, Amount: 1},
	})
	require.NoError(t, err)

	prev := s.UnvestedAmount(-100)
	for now := int64(-100); now <= 20; now++ {
		cur := s.UnvestedAmount(now)
		require.LessOrEqual(t, cur, prev, "now=%d", now)
		require.LessOrEqual(t, cur, s.TotalAmount())
		prev = cur
	}
	assert.Zero(t, prev)
}

func TestNewTranches_Validation(t *testing.T) {
	_, err := vesting.NewTranches([]vesting.Tranche{{UnlockAt: 5, Amount: 1}, {UnlockAt: 5, Amount: 1}})
	assert.ErrorIs(t, err, vesting.ErrUnsortedTranches)

	_, err = vesting.NewTranches([]vesting.Tranche{{UnlockAt: 5, Amount: 0}})
	assert.ErrorIs(t, err, vesting.ErrEmptyTranche)

	_, err = vesting.NewTranches([]vesting.Tranche{
		{UnlockAt: 1, Amount: math.MaxUint64},
		{UnlockAt: 2, Amount: 1},
	})
	assert.ErrorIs(t, err, vesting.ErrAmountOverflow)

	empty, err := vesting.NewTranches(nil)
	require.NoError(t, err)
	assert.Zero(t, empty.UnvestedAmount(0))
}

func TestTranches_EntriesIsCopy(t *testing.T) {
	in := []vesting.Tranche{{UnlockAt: 5, Amount: 3}}
	s, err := vesting.NewTranches(in)
	require.NoError(t, err)

	in[0].Amount = 99
	out := s.Entries()
	out[0].Amount = 77
	assert.Equal(t, uint64(3), s.UnvestedAmount(0))
}

func TestEvaluator_ClampsAndEnds(t *testing.T) {
	e := vesting.Evaluator{
		Fn:    func(now int64) uint64 { return uint64(1000 - now) },
		Total: 500,
		End:   1000,
	}
	assert.Equal(t, uint64(500), e.UnvestedAmount(0))
	assert.Equal(t, uint64(100), e.UnvestedAmount(900))
	assert.Zero(t, e.UnvestedAmount(1000))
}

func TestEvaluator_NilFn(t *testing.T) {
	var zero vesting.Evaluator
	assert.NotPanics(t, func() { zero.UnvestedAmount(-1) })
	assert.Zero(t, zero.UnvestedAmount(-1))

	e := vesting.Evaluator{Total: 500, End: 1000}
	assert.Zero(t, e.UnvestedAmount(0))
}

func TestScheduleJSON_RoundTrip(t *testing.T) {
	s, err := vesting.NewTranches([]vesting.Tranche{{UnlockAt: 10, Amount: 4}, {UnlockAt: 20, Amount: 6}})
	require.NoError(t, err)

	data, err := vesting.MarshalSchedule(s)
	require.NoError(t, err)
	back, err := vesting.UnmarshalSchedule(data)
	require.NoError(t, err)
	assert.Equal(t, s, back)

	data, err = vesting.MarshalSchedule(nil)
	require.NoError(t, err)
	back, err = vesting.UnmarshalSchedule(data)
	require.NoError(t, err)
	assert.Equal(t, vesting.FullyVested{}, back)
}

func TestUnmarshalSchedule_Errors(t *testing.T) {
	_, err := vesting.UnmarshalSchedule([]byte(`{"kind":"cliff"}`))
	assert.ErrorIs(t, err, vesting.ErrUnknownSchedule)

	_, err = vesting.UnmarshalSchedule([]byte(`{"kind":"tranches","tranches":[{"unlock_at":2,"amount":1},{"unlock_at":1,"amount":1}]}`))
	assert.ErrorIs(t, err, vesting.ErrUnsortedTranches)

	s, err := vesting.UnmarshalSchedule(nil)
	require.NoError(t, err)
	assert.Equal(t, vesting.FullyVested{}, s)

	_, err = vesting.MarshalSchedule(vesting.Evaluator{})
	assert.ErrorIs(t, err, vesting.ErrUnknownSchedule)
}
