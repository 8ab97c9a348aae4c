package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

// StakingABI is the contract surface the RPC gateway relays to.
const StakingABI = `[
 {"type":"function","name":"stake","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"approvalProof","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"unstake","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"claimRewards","stateMutability":"nonpayable","inputs":[],"outputs":[]},
 {"type":"function","name":"setRewardRate","stateMutability":"nonpayable","inputs":[{"name":"rate","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getStakedAmount","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getRewardsAmount","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"ratePerSecond","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// ErrSignedTxInvalid reports a relayed transaction that does not match the call.
var ErrSignedTxInvalid = errors.New("chain: signed transaction does not match call")

type rpcBackend interface {
	bind.ContractCaller
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// RPCConfig configures an RPCGateway.
type RPCConfig struct {
	URL      string
	Contract common.Address
	ChainID  *big.Int
	Timeout  time.Duration
}

// RPCGateway relays client-signed staking transactions to an EVM node and reads
// status from receipts. It never signs on behalf of callers.
type RPCGateway struct {
	backend  rpcBackend
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	signer   types.Signer
	close    func()
	timeout  time.Duration
}

// DialRPCGateway connects to the node at cfg.URL.
func DialRPCGateway(ctx context.Context, cfg RPCConfig) (*RPCGateway, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrNotConfigured
	}
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %w", ErrUpstream, err)
	}
	chainID := cfg.ChainID
	if chainID == nil || chainID.Sign() == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: chain id: %w", ErrUpstream, err)
		}
	}
	gw, err := newRPCGateway(client, cfg.Contract, chainID)
	if err != nil {
		client.Close()
		return nil, err
	}
	gw.close = client.Close
	gw.timeout = cfg.Timeout
	return gw, nil
}

func newRPCGateway(backend rpcBackend, contract common.Address, chainID *big.Int) (*RPCGateway, error) {
	if contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: staking contract address", ErrNotConfigured)
	}
	parsed, err := abi.JSON(strings.NewReader(StakingABI))
	if err != nil {
		return nil, fmt.Errorf("parse staking abi: %w", err)
	}
	return &RPCGateway{
		backend:  backend,
		address:  contract,
		abi:      parsed,
		contract: bind.NewBoundContract(contract, parsed, backend, nil, nil),
		signer:   types.LatestSignerForChainID(chainID),
	}, nil
}

// Close releases the node connection.
func (g *RPCGateway) Close() {
	if g != nil && g.close != nil {
		g.close()
	}
}

// Submit implements Gateway. call.Approval must hold the hex-encoded signed
// transaction produced by the caller's wallet; it is checked against the call
// before being broadcast.
func (g *RPCGateway) Submit(ctx context.Context, call Call) (TxID, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(call.Approval))
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("%w: approval is not a signed transaction", ErrSignedTxInvalid)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSignedTxInvalid, err)
	}
	if err := g.checkSigned(tx, call); err != nil {
		return "", err
	}
	if _, err := Retry(ctx, "rpc_send", g.timeout, func(ctx context.Context) (struct{}, error) {
		err := g.backend.SendTransaction(ctx, tx)
		if isAlreadyKnown(err) {
			// An earlier attempt reached the node before its deadline.
			return struct{}{}, nil
		}
		return struct{}{}, err
	}); err != nil {
		return "", err
	}
	return TxID(tx.Hash().Hex()), nil
}

// isAlreadyKnown matches the txpool rejection of a transaction it already holds.
func isAlreadyKnown(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already known")
}

func (g *RPCGateway) checkSigned(tx *types.Transaction, call Call) error {
	if tx.To() == nil || *tx.To() != g.address {
		return fmt.Errorf("%w: wrong destination", ErrSignedTxInvalid)
	}
	sender, err := types.Sender(g.signer, tx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignedTxInvalid, err)
	}
	if sender != call.From {
		return fmt.Errorf("%w: signed by %s", ErrSignedTxInvalid, sender.Hex())
	}
	method, ok := g.abi.Methods[call.Function]
	if !ok || method.IsConstant() {
		return fmt.Errorf("%w: %q", ErrUnsupportedFunction, call.Function)
	}
	data := tx.Data()
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		return fmt.Errorf("%w: selector does not match %s", ErrSignedTxInvalid, call.Function)
	}
	if call.Amount == nil || len(method.Inputs) == 0 {
		return nil
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignedTxInvalid, err)
	}
	amount, ok := args[0].(*big.Int)
	if !ok || amount.Cmp(call.Amount.ToBig()) != 0 {
		return fmt.Errorf("%w: amount does not match", ErrSignedTxInvalid)
	}
	return nil
}

// PollStatus implements StatusSource. A transaction without a receipt is pending.
func (g *RPCGateway) PollStatus(ctx context.Context, id TxID) (Receipt, error) {
	if !isHash(string(id)) {
		return Receipt{}, ErrTransactionNotFound
	}
	hash := common.HexToHash(string(id))
	receipt, err := Retry(ctx, "rpc_receipt", g.timeout, func(ctx context.Context) (*types.Receipt, error) {
		return g.backend.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{ID: id, Status: StatusPending, Hash: hash.Hex()}, nil
	}
	if err != nil {
		return Receipt{}, err
	}
	status := StatusFailed
	if receipt.Status == types.ReceiptStatusSuccessful {
		status = StatusMined
	}
	return Receipt{ID: id, Status: status, Hash: hash.Hex()}, nil
}

// StakedAmount implements Gateway.
func (g *RPCGateway) StakedAmount(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	return g.callUint(ctx, "getStakedAmount", owner)
}

// RewardsAmount implements Gateway.
func (g *RPCGateway) RewardsAmount(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	return g.callUint(ctx, "getRewardsAmount", owner)
}

func (g *RPCGateway) callUint(ctx context.Context, method string, args ...interface{}) (*uint256.Int, error) {
	out, err := Retry(ctx, "rpc_call", g.timeout, func(ctx context.Context) ([]interface{}, error) {
		var out []interface{}
		err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("call %s: unexpected result count %d", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("call %s: unexpected result type %T", method, out[0])
	}
	result, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("call %s: result overflows uint256", method)
	}
	return result, nil
}

func isHash(raw string) bool {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(raw) != 2*common.HashLength {
		return false
	}
	_, err := hexutil.Decode("0x" + raw)
	return err == nil
}
