package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"notoristake/core/staking"
	"notoristake/observability"
)

// LocalGateway executes staking calls directly against an in-process ledger.
// Every call is recorded as mined or failed under a fresh transaction id.
type LocalGateway struct {
	ledger *staking.Ledger
	logger *slog.Logger

	mu       sync.RWMutex
	receipts map[TxID]Receipt
}

// NewLocalGateway wraps ledger.
func NewLocalGateway(ledger *staking.Ledger, logger *slog.Logger) *LocalGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalGateway{
		ledger:   ledger,
		logger:   logger,
		receipts: make(map[TxID]Receipt),
	}
}

// Submit implements Gateway. Ledger failures are recorded as a failed receipt
// and also returned so callers can surface the typed error.
func (g *LocalGateway) Submit(ctx context.Context, call Call) (TxID, error) {
	if g == nil || g.ledger == nil {
		return "", ErrNotConfigured
	}
	id := TxID(uuid.NewString())
	receipt := Receipt{
		ID:       id,
		Status:   StatusMined,
		Function: call.Function,
		From:     call.From.Hex(),
	}
	err := g.execute(ctx, call)
	if err != nil {
		receipt.Status = StatusFailed
		receipt.Error = err.Error()
	}
	g.mu.Lock()
	g.receipts[id] = receipt
	g.mu.Unlock()

	g.logger.Info("local transaction executed",
		slog.String("transaction_id", string(id)),
		slog.String("function", call.Function),
		slog.String("from", call.From.Hex()),
		slog.String("status", string(receipt.Status)),
	)
	return id, err
}

func (g *LocalGateway) execute(ctx context.Context, call Call) error {
	switch call.Function {
	case FuncStake:
		if strings.TrimSpace(call.Approval) == "" {
			return ErrApprovalRequired
		}
		_, err := g.ledger.Stake(ctx, call.From, call.Amount)
		return err
	case FuncUnstake:
		_, err := g.ledger.Unstake(ctx, call.From, call.Amount)
		return err
	case FuncClaimRewards:
		_, err := g.ledger.ClaimRewards(ctx, call.From)
		return err
	case FuncSetRewardRate:
		_, err := g.ledger.SetRewardRate(ctx, call.From, call.Amount)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFunction, call.Function)
	}
}

// PollStatus implements StatusSource.
func (g *LocalGateway) PollStatus(_ context.Context, id TxID) (Receipt, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	receipt, ok := g.receipts[id]
	if !ok {
		return Receipt{}, ErrTransactionNotFound
	}
	return receipt, nil
}

// StakedAmount returns owner's principal.
func (g *LocalGateway) StakedAmount(_ context.Context, owner common.Address) (*uint256.Int, error) {
	view, err := g.ledger.Position(owner)
	if err != nil {
		return nil, err
	}
	return view.Principal, nil
}

// RewardsAmount returns owner's claimable rewards.
func (g *LocalGateway) RewardsAmount(_ context.Context, owner common.Address) (*uint256.Int, error) {
	return g.ledger.Earned(owner)
}

// RewardBook is an in-memory reward token balance sheet used as the ledger's
// payer when no chain is attached.
type RewardBook struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
}

// NewRewardBook returns an empty balance sheet.
func NewRewardBook() *RewardBook {
	return &RewardBook{balances: make(map[common.Address]*uint256.Int)}
}

// Pay implements staking.Payer.
func (b *RewardBook) Pay(_ context.Context, owner common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.balances[owner]
	if !ok {
		current = new(uint256.Int)
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return fmt.Errorf("reward balance overflow for %s", owner.Hex())
	}
	b.balances[owner] = next
	observability.Events().RecordPayout("local", amount)
	return nil
}

// Balance returns the rewards paid to owner so far.
func (b *RewardBook) Balance(owner common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if balance, ok := b.balances[owner]; ok {
		return balance.Clone()
	}
	return new(uint256.Int)
}
