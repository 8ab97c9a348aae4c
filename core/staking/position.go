package staking

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Position tracks a single owner's stake. Positions are never deleted; the
// principal may return to zero.
type Position struct {
	Owner          common.Address
	Principal      *uint256.Int
	RewardDebt     *uint256.Int
	AccruedRewards *uint256.Int
	TotalClaimed   *uint256.Int
	LastTouchedAt  time.Time

	// seq is the ledger commit that produced this value.
	seq uint64
}

func newPosition(owner common.Address) *Position {
	return &Position{
		Owner:          owner,
		Principal:      new(uint256.Int),
		RewardDebt:     new(uint256.Int),
		AccruedRewards: new(uint256.Int),
		TotalClaimed:   new(uint256.Int),
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{
		Owner:          p.Owner,
		Principal:      cloneOrZero(p.Principal),
		RewardDebt:     cloneOrZero(p.RewardDebt),
		AccruedRewards: cloneOrZero(p.AccruedRewards),
		TotalClaimed:   cloneOrZero(p.TotalClaimed),
		LastTouchedAt:  p.LastTouchedAt,
		seq:            p.seq,
	}
}

// View is a read-only summary of a position at a point in time.
type View struct {
	Owner     common.Address
	Principal *uint256.Int
	Earned    *uint256.Int
	Claimed   *uint256.Int
	AsOf      time.Time
}

// Totals summarises the global ledger state.
type Totals struct {
	RatePerSecond        *uint256.Int
	RewardPerTokenStored *uint256.Int
	TotalPrincipal       *uint256.Int
	TotalPaid            *uint256.Int
	LastUpdateTime       time.Time
}
