package accounting_test

import (
	"testing"

	"StakeLedger/internal/accounting"
	"StakeLedger/internal/address"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPositions(t *testing.T) {
	l := ledger.NewPositionLedger(address.PublicKey{1})
	l.CreatePosition(100, state.VotingTarget(), 8) // warmup at 8
	l.CreatePosition(200, state.VotingTarget(), 2) // active
	s, _ := l.CreatePosition(300, state.VotingTarget(), 2)
	_, err := l.RequestUnlock(s, 300, 7)
	require.NoError(t, err)

	views := accounting.ClassifyPositions(l, 8, 3)
	require.Len(t, views, 3)

	assert.Equal(t, 0, views[0].Slot)
	assert.Equal(t, state.PositionStateWarmup, views[0].State)
	assert.Equal(t, "Warmup", views[0].StateName)
	assert.Nil(t, views[0].WithdrawableEpoch)

	assert.Equal(t, state.PositionStateActive, views[1].State)

	assert.Equal(t, state.PositionStateCooldown, views[2].State)
	require.NotNil(t, views[2].WithdrawableEpoch)
	assert.Equal(t, uint64(10), *views[2].WithdrawableEpoch)

	assert.Nil(t, accounting.ClassifyPositions(nil, 0, 0))
}

func TestComputeStateTotals(t *testing.T) {
	l := ledger.NewPositionLedger(address.PublicKey{1})
	l.CreatePosition(100, state.VotingTarget(), 8)
	l.CreatePosition(200, state.VotingTarget(), 2)
	s, _ := l.CreatePosition(300, state.VotingTarget(), 2)
	l.RequestUnlock(s, 300, 7)
	w, _ := l.CreatePosition(400, state.VotingTarget(), 1)
	l.RequestUnlock(w, 400, 2)

	totals, err := accounting.ComputeStateTotals(l, 8, 3)
	require.NoError(t, err)
	assert.Equal(t, accounting.StateTotals{Warmup: 100, Active: 200, Cooldown: 300, Withdrawable: 400}, totals)
	assert.Equal(t, uint64(600), totals.Locked())
}

func TestComputeStateTotals_Overflow(t *testing.T) {
	l := ledger.NewPositionLedger(address.PublicKey{1})
	for i := 0; i < 2; i++ {
		l.Positions[i] = state.NewPosition(^uint64(0), state.VotingTarget(), 0)
	}
	_, err := accounting.ComputeStateTotals(l, 5, 1)
	assert.ErrorIs(t, err, accounting.ErrInternalInconsistency)
}
