package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ValidateCustody verifies the occupied slots never claim more than the
// custody account holds.
func ValidateCustody(l *PositionLedger, custody uint64) error {
	sum := new(uint256.Int)
	for _, pos := range l.Positions {
		if pos != nil {
			sum.Add(sum, uint256.NewInt(pos.Amount))
		}
	}

	if sum.Gt(uint256.NewInt(custody)) {
		return fmt.Errorf("%w: positions=%s custody=%d", ErrCustodyExceeded, sum.Dec(), custody)
	}
	return nil
}
