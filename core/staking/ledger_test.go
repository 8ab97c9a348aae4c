package staking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	stakeerr "notoristake/core/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct {
	err error
}

func (s failingStore) Load(context.Context) (*RewardRateConfig, []*Position, error) {
	return nil, nil, nil
}

func (s failingStore) Save(context.Context, *RewardRateConfig, ...*Position) error {
	return s.err
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
)

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(Scale))
}

func newTestLedger(t *testing.T, clock *fakeClock, rate *uint256.Int, payer Payer) *Ledger {
	t.Helper()
	ledger, err := NewLedger(context.Background(), Config{
		RatePerSecond: rate,
		Admin:         admin,
		Payer:         payer,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func mustEarned(t *testing.T, ledger *Ledger, owner common.Address) *uint256.Int {
	t.Helper()
	earned, err := ledger.Earned(owner)
	if err != nil {
		t.Fatalf("earned: %v", err)
	}
	return earned
}

func TestLedgerSingleStakerAccruesFullEmission(t *testing.T) {
	clock := newFakeClock()
	ledger := newTestLedger(t, clock, tokens(1), nil)

	if _, err := ledger.Stake(context.Background(), alice, tokens(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.Advance(10 * time.Second)

	if got := mustEarned(t, ledger, alice); !got.Eq(tokens(10)) {
		t.Fatalf("unexpected earned: got %s want %s", got.Dec(), tokens(10).Dec())
	}
}

func TestLedgerSplitsEmissionByShare(t *testing.T) {
	clock := newFakeClock()
	ledger := newTestLedger(t, clock, tokens(1), nil)
	ctx := context.Background()

	if _, err := ledger.Stake(ctx, alice, tokens(100)); err != nil {
		t.Fatalf("stake alice: %v", err)
	}
	clock.Advance(5 * time.Second)
	if _, err := ledger.Stake(ctx, bob, tokens(100)); err != nil {
		t.Fatalf("stake bob: %v", err)
	}
	clock.Advance(5 * time.Second)

	// 7.5R and 2.5R with R = 1 token per second.
	wantAlice := new(uint256.Int).Div(tokens(75), uint256.NewInt(10))
	wantBob := new(uint256.Int).Div(tokens(25), uint256.NewInt(10))
	gotAlice := mustEarned(t, ledger, alice)
	gotBob := mustEarned(t, ledger, bob)
	if !gotAlice.Eq(wantAlice) {
		t.Fatalf("alice earned %s want %s", gotAlice.Dec(), wantAlice.Dec())
	}
	if !gotBob.Eq(wantBob) {
		t.Fatalf("bob earned %s want %s", gotBob.Dec(), wantBob.Dec())
	}
	if sum := new(uint256.Int).Add(gotAlice, gotBob); !sum.Eq(tokens(10)) {
		t.Fatalf("total earned %s want %s", sum.Dec(), tokens(10).Dec())
	}
}

func TestLedgerUnstakeBeyondPrincipalLeavesStateUnchanged(t *testing.T) {
	clock := newFakeClock()
	ledger := newTestLedger(t, clock, tokens(1), nil)
	ctx := context.Background()

	if _, err := ledger.Stake(ctx, alice, tokens(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.Advance(3 * time.Second)
	before := ledger.Totals()

	_, err := ledger.Unstake(ctx, alice, tokens(101))
	if !errors.Is(err, stakeerr.ErrInsufficientPrincipal) {
		t.Fatalf("expected ErrInsufficientPrincipal, got %v", err)
	}
	view, err := ledger.Position(alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !view.Principal.Eq(tokens(100)) {
		t.Fatalf("principal changed: %s", view.Principal.Dec())
	}
	after := ledger.Totals()
	if !after.TotalPrincipal.Eq(before.TotalPrincipal) {
		t.Fatalf("total principal changed: %s -> %s", before.TotalPrincipal.Dec(), after.TotalPrincipal.Dec())
	}
	if !after.LastUpdateTime.Equal(before.LastUpdateTime) {
		t.Fatalf("failed unstake must not checkpoint")
	}
}

func TestLedgerRejectsZeroAmounts(t *testing.T) {
	ledger := newTestLedger(t, newFakeClock(), tokens(1), nil)
	if _, err := ledger.Stake(context.Background(), alice, new(uint256.Int)); !errors.Is(err, stakeerr.ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount for stake, got %v", err)
	}
	if _, err := ledger.Unstake(context.Background(), alice, nil); !errors.Is(err, stakeerr.ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount for unstake, got %v", err)
	}
}

func TestLedgerUnstakeKeepsAccruedRewards(t *testing.T) {
	clock := newFakeClock()
	ledger := newTestLedger(t, clock, tokens(1), nil)
	ctx := context.Background()

	if _, err := ledger.Stake(ctx, alice, tokens(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.Advance(4 * time.Second)
	view, err := ledger.Unstake(ctx, alice, tokens(100))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if !view.Principal.IsZero() {
		t.Fatalf("expected zero principal, got %s", view.Principal.Dec())
	}
	clock.Advance(10 * time.Second)
	if got := mustEarned(t, ledger, alice); !got.Eq(tokens(4)) {
		t.Fatalf("expected rewards to freeze at 4 tokens, got %s", got.Dec())
	}
}

func TestLedgerClaimPaysAndResets(t *testing.T) {
	clock := newFakeClock()
	var paid []*uint256.Int
	payer := PayerFunc(func(_ context.Context, owner common.Address, amount *uint256.Int) error {
		if owner != alice {
			return fmt.Errorf("unexpected owner %s", owner.Hex())
		}
		paid = append(paid, amount.Clone())
		return nil
	})
	ledger := newTestLedger(t, clock, tokens(1), payer)
	ctx := context.Background()

	if _, err := ledger.ClaimRewards(ctx, alice); !errors.Is(err, stakeerr.ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}
	if len(paid) != 0 {
		t.Fatalf("payer must not run for an empty claim")
	}

	if _, err := ledger.Stake(ctx, alice, tokens(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.Advance(10 * time.Second)
	amount, err := ledger.ClaimRewards(ctx, alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !amount.Eq(tokens(10)) {
		t.Fatalf("claimed %s want %s", amount.Dec(), tokens(10).Dec())
	}
	if len(paid) != 1 || !paid[0].Eq(tokens(10)) {
		t.Fatalf("unexpected payouts %v", paid)
	}
	if got := mustEarned(t, ledger, alice); !got.IsZero() {
		t.Fatalf("expected zero earned after claim, got %s", got.Dec())
	}
	if _, err := ledger.ClaimRewards(ctx, alice); !errors.Is(err, stakeerr.ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim on immediate re-claim, got %v", err)
	}
	view, err := ledger.Position(alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !view.Claimed.Eq(tokens(10)) {
		t.Fatalf("unexpected claimed total %s", view.Claimed.Dec())
	}
	if totals := ledger.Totals(); !totals.TotalPaid.Eq(tokens(10)) {
		t.Fatalf("unexpected total paid %s", totals.TotalPaid.Dec())
	}
}

func TestLedgerClaimPayerFailureKeepsRewards(t *testing.T) {
	clock := newFakeClock()
	payer := PayerFunc(func(context.Context, common.Address, *uint256.Int) error {
		return errors.New("transfer rejected")
	})
	ledger := newTestLedger(t, clock, tokens(1), payer)
	ctx := context.Background()

	if _, err := ledger.Stake(ctx, alice, tokens(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := ledger.ClaimRewards(ctx, alice); err == nil {
		t.Fatalf("expected payer failure")
	}
	if got := mustEarned(t, ledger, alice); !got.Eq(tokens(2)) {
		t.Fatalf("rewards lost on failed payout: %s", got.Dec())
	}
}

// claimRejectingStore fails any save that records a claim while armed.
type claimRejectingStore struct {
	mu    sync.Mutex
	armed bool
}

func (s *claimRejectingStore) Load(context.Context) (*RewardRateConfig, []*Position, error) {
	return nil, nil, nil
}

func (s *claimRejectingStore) Save(_ context.Context, _ *RewardRateConfig, positions ...*Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range positions {
		if s.armed && !pos.TotalClaimed.IsZero() {
			return errors.New("write failed")
		}
	}
	return nil
}

func (s *claimRejectingStore) setArmed(v bool) {
	s.mu.Lock()
	s.armed = v
	s.mu.Unlock()
}

func TestLedgerClaimCommitFailureDoesNotPay(t *testing.T) {
	clock := newFakeClock()
	store := &claimRejectingStore{}
	var calls int
	paid := new(uint256.Int)
	ledger, err := NewLedger(context.Background(), Config{
		RatePerSecond: tokens(1),
		Admin:         admin,
		Store:         store,
		Now:           clock.Now,
		Payer: PayerFunc(func(_ context.Context, _ common.Address, amount *uint256.Int) error {
			calls++
			paid.Add(paid, amount)
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ctx := context.Background()

	if _, err := ledger.Stake(ctx, alice, tokens(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.Advance(3 * time.Second)

	store.setArmed(true)
	if _, err := ledger.ClaimRewards(ctx, alice); err == nil {
		t.Fatalf("expected claim commit failure")
	}
	if calls != 0 {
		t.Fatalf("payer invoked %d times for an uncommitted claim", calls)
	}
	if got := mustEarned(t, ledger, alice); !got.Eq(tokens(3)) {
		t.Fatalf("rewards lost on failed commit: %s", got.Dec())
	}

	store.setArmed(false)
	amount, err := ledger.ClaimRewards(ctx, alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !amount.Eq(tokens(3)) || calls != 1 || !paid.Eq(tokens(3)) {
		t.Fatalf("unexpected payout: amount=%s calls=%d paid=%s", amount.Dec(), calls, paid.Dec())
	}
	if totals := ledger.Totals(); !totals.TotalPaid.Eq(tokens(3)) {
		t.Fatalf("unexpected total paid %s", totals.TotalPaid.Dec())
	}
}

func TestLedgerClaimPayerFailureRestoresTotals(t *testing.T) {
	clock := newFakeClock()
	payer := PayerFunc(func(context.Context, common.Address, *uint256.Int) error {
		return errors.New("transfer rejected")
	})
	ledger := newTestLedger(t, clock, tokens(1), payer)
	ctx := context.Background()

	if _, err := ledger.Stake(ctx, alice, tokens(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := ledger.ClaimRewards(ctx, alice); err == nil {
		t.Fatalf("expected payer failure")
	}
	view, err := ledger.Position(alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !view.Claimed.IsZero() {
		t.Fatalf("claimed not restored: %s", view.Claimed.Dec())
	}
	if totals := ledger.Totals(); !totals.TotalPaid.IsZero() {
		t.Fatalf("total paid not restored: %s", totals.TotalPaid.Dec())
	}
}

func TestLedgerSetRewardRateCheckpointsOldRate(t *testing.T) {
	clock := newFakeClock()
	ledger := newTestLedger(t, clock, tokens(1), nil)
	ctx := context.Background()

	if _, err := ledger.Stake(ctx, alice, tokens(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.Advance(10 * time.Second)

	if _, err := ledger.SetRewardRate(ctx, alice, tokens(5)); !errors.Is(err, stakeerr.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	totals, err := ledger.SetRewardRate(ctx, admin, tokens(2))
	if err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if !totals.RatePerSecond.Eq(tokens(2)) {
		t.Fatalf("rate not applied: %s", totals.RatePerSecond.Dec())
	}
	clock.Advance(5 * time.Second)

	// 10s at 1 token/s plus 5s at 2 tokens/s.
	if got := mustEarned(t, ledger, alice); !got.Eq(tokens(20)) {
		t.Fatalf("earned %s want %s", got.Dec(), tokens(20).Dec())
	}
}

func TestLedgerEmissionWithNoStakersIsNotBanked(t *testing.T) {
	clock := newFakeClock()
	ledger := newTestLedger(t, clock, tokens(1), nil)
	clock.Advance(30 * time.Second)
	if _, err := ledger.Stake(context.Background(), alice, tokens(10)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if got := mustEarned(t, ledger, alice); !got.IsZero() {
		t.Fatalf("expected zero earned for idle period, got %s", got.Dec())
	}
}

func TestLedgerOverflowIsReported(t *testing.T) {
	clock := newFakeClock()
	max := new(uint256.Int).SetAllOne()
	ledger := newTestLedger(t, clock, max, nil)
	ctx := context.Background()

	if _, err := ledger.Stake(ctx, alice, uint256.NewInt(1)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := ledger.Earned(alice); !errors.Is(err, stakeerr.ErrOverflow) {
		t.Fatalf("expected ErrOverflow from earned, got %v", err)
	}
	if _, err := ledger.Stake(ctx, bob, uint256.NewInt(1)); !errors.Is(err, stakeerr.ErrOverflow) {
		t.Fatalf("expected ErrOverflow from stake, got %v", err)
	}
}

func TestLedgerPersistFailureDoesNotPublish(t *testing.T) {
	clock := newFakeClock()
	ledger, err := NewLedger(context.Background(), Config{
		RatePerSecond: tokens(1),
		Store:         failingStore{err: errors.New("disk full")},
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if _, err := ledger.Stake(context.Background(), alice, tokens(1)); err == nil {
		t.Fatalf("expected persist error")
	}
	view, err := ledger.Position(alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !view.Principal.IsZero() || !ledger.Totals().TotalPrincipal.IsZero() {
		t.Fatalf("failed commit leaked into snapshot")
	}
}

func TestLedgerRejectsZeroOwner(t *testing.T) {
	ledger := newTestLedger(t, newFakeClock(), tokens(1), nil)
	if _, err := ledger.Stake(context.Background(), common.Address{}, tokens(1)); !errors.Is(err, stakeerr.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLedgerConcurrentStakesConserveTotal(t *testing.T) {
	clock := newFakeClock()
	ledger := newTestLedger(t, clock, tokens(1), nil)
	ctx := context.Background()

	const workers = 16
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		owner := common.BigToAddress(uint256.NewInt(uint64(w + 1)).ToBig())
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := ledger.Stake(ctx, owner, uint256.NewInt(1_000)); err != nil {
					t.Errorf("stake: %v", err)
					return
				}
				clock.Advance(time.Second)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := ledger.Position(owner); err != nil {
					t.Errorf("position: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	positions, totals := ledger.Positions()
	if len(positions) != workers {
		t.Fatalf("expected %d positions, got %d", workers, len(positions))
	}
	sum := new(uint256.Int)
	for _, pos := range positions {
		sum.Add(sum, pos.Principal)
	}
	want := uint256.NewInt(workers * perWorker * 1_000)
	if !sum.Eq(want) || !totals.TotalPrincipal.Eq(want) {
		t.Fatalf("principal mismatch: positions=%s totals=%s want=%s", sum.Dec(), totals.TotalPrincipal.Dec(), want.Dec())
	}
}
