// Package chain defines the transaction boundary used by the staking flows and
// its adapters: an in-process ledger gateway, the developer portal status API,
// and an EVM JSON-RPC contract gateway.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrUpstream reports that an oracle or chain endpoint could not be reached
	// within the retry budget.
	ErrUpstream = errors.New("chain: upstream unavailable")
	// ErrNotConfigured reports missing upstream credentials.
	ErrNotConfigured = errors.New("chain: upstream not configured")
	// ErrTransactionNotFound reports an unknown transaction id.
	ErrTransactionNotFound = errors.New("chain: transaction not found")
	// ErrUnsupportedFunction reports a call the gateway cannot execute.
	ErrUnsupportedFunction = errors.New("chain: unsupported function")
	// ErrApprovalRequired reports a stake call without a transfer approval.
	ErrApprovalRequired = errors.New("chain: stake requires an approval payload")
)

// Function names of the staking contract surface.
const (
	FuncStake         = "stake"
	FuncUnstake       = "unstake"
	FuncClaimRewards  = "claimRewards"
	FuncSetRewardRate = "setRewardRate"
)

// Status is the lifecycle state of a submitted transaction.
type Status string

const (
	StatusPending Status = "pending"
	StatusMined   Status = "mined"
	StatusFailed  Status = "failed"
)

// ParseStatus normalises an upstream status string. Unknown values are pending.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusMined:
		return StatusMined
	case StatusFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// TxID identifies a submitted transaction.
type TxID string

// Call is a contract invocation on behalf of From.
type Call struct {
	Function string
	From     common.Address
	Amount   *uint256.Int
	// Approval carries the externally verified transfer or permit for stake.
	Approval string
}

// Receipt is the status of a transaction as reported by the gateway.
type Receipt struct {
	ID        TxID            `json:"transactionId"`
	Status    Status          `json:"status"`
	Reference string          `json:"reference,omitempty"`
	Hash      string          `json:"transactionHash,omitempty"`
	Function  string          `json:"function,omitempty"`
	From      string          `json:"from,omitempty"`
	Error     string          `json:"error,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// StatusSource reports transaction status.
type StatusSource interface {
	PollStatus(ctx context.Context, id TxID) (Receipt, error)
}

// Gateway submits staking calls and reports their status.
type Gateway interface {
	StatusSource
	Submit(ctx context.Context, call Call) (TxID, error)
	StakedAmount(ctx context.Context, owner common.Address) (*uint256.Int, error)
	RewardsAmount(ctx context.Context, owner common.Address) (*uint256.Int, error)
}
