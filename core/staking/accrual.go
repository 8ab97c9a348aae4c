package staking

import (
	"time"

	"github.com/holiman/uint256"

	stakeerr "notoristake/core/errors"
)

// Scale is the fixed-point unit applied to the reward-per-token accumulator.
const Scale = uint64(1_000_000_000_000_000_000)

var scale = uint256.NewInt(Scale)

// RewardRateConfig is the global accrual state shared by every position.
type RewardRateConfig struct {
	RatePerSecond        *uint256.Int
	RewardPerTokenStored *uint256.Int
	TotalPrincipal       *uint256.Int
	TotalPaid            *uint256.Int
	LastUpdateTime       time.Time
}

// NewRewardRateConfig returns an empty accumulator emitting rate base units per second from start.
func NewRewardRateConfig(rate *uint256.Int, start time.Time) *RewardRateConfig {
	return &RewardRateConfig{
		RatePerSecond:        cloneOrZero(rate),
		RewardPerTokenStored: new(uint256.Int),
		TotalPrincipal:       new(uint256.Int),
		TotalPaid:            new(uint256.Int),
		LastUpdateTime:       start.UTC().Truncate(time.Second),
	}
}

// Clone returns a deep copy of the accumulator.
func (c *RewardRateConfig) Clone() *RewardRateConfig {
	if c == nil {
		return nil
	}
	return &RewardRateConfig{
		RatePerSecond:        cloneOrZero(c.RatePerSecond),
		RewardPerTokenStored: cloneOrZero(c.RewardPerTokenStored),
		TotalPrincipal:       cloneOrZero(c.TotalPrincipal),
		TotalPaid:            cloneOrZero(c.TotalPaid),
		LastUpdateTime:       c.LastUpdateTime,
	}
}

// Checkpoint folds the rewards emitted since LastUpdateTime into RewardPerTokenStored.
// Nothing accrues while TotalPrincipal is zero; that emission is not banked.
func (c *RewardRateConfig) Checkpoint(now time.Time) error {
	next, err := c.rewardPerTokenAt(now)
	if err != nil {
		return err
	}
	c.RewardPerTokenStored = next
	ts := now.UTC().Truncate(time.Second)
	if ts.After(c.LastUpdateTime) {
		c.LastUpdateTime = ts
	}
	return nil
}

// RewardPerToken projects the accumulator to now without mutating it.
func (c *RewardRateConfig) RewardPerToken(now time.Time) (*uint256.Int, error) {
	return c.rewardPerTokenAt(now)
}

func (c *RewardRateConfig) rewardPerTokenAt(now time.Time) (*uint256.Int, error) {
	stored := cloneOrZero(c.RewardPerTokenStored)
	elapsed := now.UTC().Unix() - c.LastUpdateTime.Unix()
	if elapsed <= 0 || c.TotalPrincipal == nil || c.TotalPrincipal.IsZero() || c.RatePerSecond == nil || c.RatePerSecond.IsZero() {
		return stored, nil
	}
	emitted, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(elapsed)), c.RatePerSecond)
	if overflow {
		return nil, stakeerr.ErrOverflow
	}
	increment, overflow := new(uint256.Int).MulDivOverflow(emitted, scale, c.TotalPrincipal)
	if overflow {
		return nil, stakeerr.ErrOverflow
	}
	if _, overflow := stored.AddOverflow(stored, increment); overflow {
		return nil, stakeerr.ErrOverflow
	}
	return stored, nil
}

// earnedAt computes principal * (rewardPerToken - rewardDebt) / Scale + accrued.
func earnedAt(pos *Position, rewardPerToken *uint256.Int) (*uint256.Int, error) {
	accrued := cloneOrZero(pos.AccruedRewards)
	if pos.Principal == nil || pos.Principal.IsZero() {
		return accrued, nil
	}
	debt := cloneOrZero(pos.RewardDebt)
	if rewardPerToken.Lt(debt) {
		// Debt is always taken from an earlier accumulator value.
		return nil, stakeerr.ErrOverflow
	}
	delta := new(uint256.Int).Sub(rewardPerToken, debt)
	pending, overflow := new(uint256.Int).MulDivOverflow(pos.Principal, delta, scale)
	if overflow {
		return nil, stakeerr.ErrOverflow
	}
	if _, overflow := accrued.AddOverflow(accrued, pending); overflow {
		return nil, stakeerr.ErrOverflow
	}
	return accrued, nil
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
