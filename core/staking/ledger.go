package staking

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	stakeerr "notoristake/core/errors"
	"notoristake/observability"
)

// Payer transfers claimed rewards to their owner. It is never invoked for a
// zero amount.
type Payer interface {
	Pay(ctx context.Context, owner common.Address, amount *uint256.Int) error
}

// PayerFunc adapts a function to the Payer interface.
type PayerFunc func(context.Context, common.Address, *uint256.Int) error

// Pay implements Payer.
func (f PayerFunc) Pay(ctx context.Context, owner common.Address, amount *uint256.Int) error {
	return f(ctx, owner, amount)
}

// Config wires a Ledger. RatePerSecond is only used when the store holds no
// prior state.
type Config struct {
	RatePerSecond *uint256.Int
	Admin         common.Address
	Store         Store
	Payer         Payer
	Now           func() time.Time
}

// Ledger implements reward-per-token staking accrual. Every mutation runs
// checkpoint, mutate and commit under a single mutex; reads are served from
// the last committed snapshot.
type Ledger struct {
	admin common.Address
	store Store
	payer Payer
	nowFn func() time.Time

	mu        sync.Mutex
	cfg       *RewardRateConfig
	positions map[common.Address]*Position
	seq       uint64

	published atomic.Pointer[committed]
	views     sync.Map // common.Address -> *Position
}

type committed struct {
	cfg *RewardRateConfig
	seq uint64
}

// NewLedger constructs a ledger, restoring state from cfg.Store when present.
func NewLedger(ctx context.Context, cfg Config) (*Ledger, error) {
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	l := &Ledger{
		admin:     cfg.Admin,
		store:     cfg.Store,
		payer:     cfg.Payer,
		nowFn:     nowFn,
		positions: make(map[common.Address]*Position),
	}
	var (
		state     *RewardRateConfig
		positions []*Position
	)
	if l.store != nil {
		loaded, stored, err := l.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load ledger state: %w", err)
		}
		state, positions = loaded, stored
	}
	if state == nil {
		state = NewRewardRateConfig(cfg.RatePerSecond, nowFn())
	}
	sum := new(uint256.Int)
	for _, pos := range positions {
		if pos == nil {
			continue
		}
		l.positions[pos.Owner] = pos.Clone()
		sum.Add(sum, pos.Principal)
	}
	if !sum.Eq(cloneOrZero(state.TotalPrincipal)) {
		return nil, fmt.Errorf("load ledger state: total principal %s does not match positions %s", cloneOrZero(state.TotalPrincipal).Dec(), sum.Dec())
	}
	l.cfg = state
	for owner, pos := range l.positions {
		l.views.Store(owner, pos.Clone())
	}
	l.published.Store(&committed{cfg: state.Clone()})
	return l, nil
}

// Stake credits amount to owner's principal.
func (l *Ledger) Stake(ctx context.Context, owner common.Address, amount *uint256.Int) (View, error) {
	start := time.Now()
	view, err := l.mutate(ctx, owner, func(cfg *RewardRateConfig, pos *Position) error {
		if amount == nil || amount.IsZero() {
			return stakeerr.ErrZeroAmount
		}
		if _, overflow := pos.Principal.AddOverflow(pos.Principal, amount); overflow {
			return stakeerr.ErrOverflow
		}
		if _, overflow := cfg.TotalPrincipal.AddOverflow(cfg.TotalPrincipal, amount); overflow {
			return stakeerr.ErrOverflow
		}
		return nil
	})
	observability.Ledger().Observe("stake", time.Since(start), err)
	return view, err
}

// Unstake debits amount from owner's principal. The ledger is unchanged when
// amount exceeds the principal.
func (l *Ledger) Unstake(ctx context.Context, owner common.Address, amount *uint256.Int) (View, error) {
	start := time.Now()
	view, err := l.mutate(ctx, owner, func(cfg *RewardRateConfig, pos *Position) error {
		if amount == nil || amount.IsZero() {
			return stakeerr.ErrZeroAmount
		}
		if amount.Gt(pos.Principal) {
			return stakeerr.ErrInsufficientPrincipal
		}
		pos.Principal.Sub(pos.Principal, amount)
		cfg.TotalPrincipal.Sub(cfg.TotalPrincipal, amount)
		return nil
	})
	observability.Ledger().Observe("unstake", time.Since(start), err)
	return view, err
}

// ClaimRewards pays out and resets owner's accrued rewards. It fails with
// ErrNothingToClaim, without invoking the Payer, when nothing has accrued.
//
// The reset is committed before the Payer runs. A failed payout is undone by
// a second commit, so a persistence failure can never lead to paying the same
// rewards twice.
func (l *Ledger) ClaimRewards(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	start := time.Now()
	paid, err := l.claim(ctx, owner)
	observability.Ledger().Observe("claim", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return paid, nil
}

func (l *Ledger) claim(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	if owner == (common.Address{}) {
		return nil, stakeerr.ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var amount *uint256.Int
	if _, err := l.applyLocked(ctx, owner, func(cfg *RewardRateConfig, pos *Position) error {
		if pos.AccruedRewards.IsZero() {
			return stakeerr.ErrNothingToClaim
		}
		amount = pos.AccruedRewards.Clone()
		pos.AccruedRewards = new(uint256.Int)
		pos.TotalClaimed.Add(pos.TotalClaimed, amount)
		cfg.TotalPaid.Add(cfg.TotalPaid, amount)
		return nil
	}); err != nil {
		return nil, err
	}
	if l.payer == nil {
		return amount, nil
	}
	payErr := l.payer.Pay(ctx, owner, amount)
	if payErr == nil {
		return amount, nil
	}
	_, restoreErr := l.applyLocked(context.WithoutCancel(ctx), owner, func(cfg *RewardRateConfig, pos *Position) error {
		pos.AccruedRewards.Add(pos.AccruedRewards, amount)
		pos.TotalClaimed.Sub(pos.TotalClaimed, amount)
		cfg.TotalPaid.Sub(cfg.TotalPaid, amount)
		return nil
	})
	if restoreErr != nil {
		return nil, fmt.Errorf("pay rewards: %w (restoring %s to %s failed: %v)", payErr, amount.Dec(), owner.Hex(), restoreErr)
	}
	return nil, fmt.Errorf("pay rewards: %w", payErr)
}

// SetRewardRate checkpoints at the old rate before the new rate takes effect.
func (l *Ledger) SetRewardRate(ctx context.Context, caller common.Address, rate *uint256.Int) (Totals, error) {
	if caller != l.admin || l.admin == (common.Address{}) {
		return Totals{}, stakeerr.ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.cfg.Clone()
	if err := next.Checkpoint(l.nowFn()); err != nil {
		return Totals{}, err
	}
	next.RatePerSecond = cloneOrZero(rate)
	if err := l.commitLocked(ctx, next, nil); err != nil {
		return Totals{}, err
	}
	observability.Ledger().SetRate(next.RatePerSecond)
	return totalsOf(next), nil
}

// Earned returns owner's claimable rewards as of now, computed from the last
// committed snapshot without taking the write lock.
func (l *Ledger) Earned(owner common.Address) (*uint256.Int, error) {
	view, err := l.Position(owner)
	if err != nil {
		return nil, err
	}
	return view.Earned, nil
}

// Position returns a snapshot view of owner's position.
func (l *Ledger) Position(owner common.Address) (View, error) {
	now := l.nowFn()
	for {
		snap := l.published.Load()
		pos := newPosition(owner)
		if raw, ok := l.views.Load(owner); ok {
			pos = raw.(*Position)
		}
		if pos.seq > snap.seq {
			// A commit stored the position but has not published its config yet.
			runtime.Gosched()
			continue
		}
		rpt, err := snap.cfg.RewardPerToken(now)
		if err != nil {
			return View{}, err
		}
		earned, err := earnedAt(pos, rpt)
		if err != nil {
			return View{}, err
		}
		return View{
			Owner:     owner,
			Principal: cloneOrZero(pos.Principal),
			Earned:    earned,
			Claimed:   cloneOrZero(pos.TotalClaimed),
			AsOf:      now.UTC(),
		}, nil
	}
}

// Totals returns the last committed global state.
func (l *Ledger) Totals() Totals {
	return totalsOf(l.published.Load().cfg)
}

// Positions returns a consistent copy of every position together with the
// global state they were read with.
func (l *Ledger) Positions() ([]*Position, Totals) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Owner.Cmp(out[j].Owner) < 0
	})
	return out, totalsOf(l.cfg)
}

func (l *Ledger) mutate(ctx context.Context, owner common.Address, apply func(cfg *RewardRateConfig, pos *Position) error) (View, error) {
	if owner == (common.Address{}) {
		return View{}, stakeerr.ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked(ctx, owner, apply)
}

// applyLocked checkpoints, applies the mutation to copies of the global state
// and owner's position, and commits them. Nothing changes when apply or the
// commit fails.
func (l *Ledger) applyLocked(ctx context.Context, owner common.Address, apply func(cfg *RewardRateConfig, pos *Position) error) (View, error) {
	now := l.nowFn()
	next := l.cfg.Clone()
	if err := next.Checkpoint(now); err != nil {
		return View{}, err
	}
	pos := newPosition(owner)
	if existing, ok := l.positions[owner]; ok {
		pos = existing.Clone()
	}
	earned, err := earnedAt(pos, next.RewardPerTokenStored)
	if err != nil {
		return View{}, err
	}
	pos.AccruedRewards = earned
	pos.RewardDebt = cloneOrZero(next.RewardPerTokenStored)
	if err := apply(next, pos); err != nil {
		return View{}, err
	}
	pos.LastTouchedAt = now.UTC()
	if err := l.commitLocked(ctx, next, pos); err != nil {
		return View{}, err
	}
	return View{
		Owner:     owner,
		Principal: cloneOrZero(pos.Principal),
		Earned:    cloneOrZero(pos.AccruedRewards),
		Claimed:   cloneOrZero(pos.TotalClaimed),
		AsOf:      now.UTC(),
	}, nil
}

// commitLocked persists and then publishes next and pos. Nothing is published
// when persistence fails.
func (l *Ledger) commitLocked(ctx context.Context, next *RewardRateConfig, pos *Position) error {
	if l.store != nil {
		var touched []*Position
		if pos != nil {
			touched = append(touched, pos)
		}
		if err := l.store.Save(ctx, next, touched...); err != nil {
			return fmt.Errorf("persist ledger state: %w", err)
		}
	}
	l.seq++
	l.cfg = next
	if pos != nil {
		pos.seq = l.seq
		l.positions[pos.Owner] = pos
		l.views.Store(pos.Owner, pos.Clone())
	}
	l.published.Store(&committed{cfg: next.Clone(), seq: l.seq})
	observability.Ledger().SetTotalPrincipal(next.TotalPrincipal)
	return nil
}

func totalsOf(cfg *RewardRateConfig) Totals {
	return Totals{
		RatePerSecond:        cloneOrZero(cfg.RatePerSecond),
		RewardPerTokenStored: cloneOrZero(cfg.RewardPerTokenStored),
		TotalPrincipal:       cloneOrZero(cfg.TotalPrincipal),
		TotalPaid:            cloneOrZero(cfg.TotalPaid),
		LastUpdateTime:       cfg.LastUpdateTime,
	}
}
