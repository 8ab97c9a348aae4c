// Package identity enforces one successful uniqueness proof per identity and
// action. Proofs are validated by an external oracle; the nullifier ledger is
// local and permanent.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"notoristake/core/chain"
	"notoristake/observability"
)

var (
	ErrProofInvalid     = errors.New("identity: proof invalid")
	ErrNullifierReused  = errors.New("identity: nullifier already used for action")
	ErrAppNotConfigured = errors.New("identity: app id not configured")
)

// Result describes a successful verification.
type Result struct {
	ActionID      string
	NullifierHash string
	VerifiedAt    time.Time
}

// Verifier validates proofs through an oracle and records nullifiers.
type Verifier struct {
	oracle ProofOracle
	store  *Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewVerifier wires the oracle and the nullifier store.
func NewVerifier(oracle ProofOracle, store *Store, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{oracle: oracle, store: store, logger: logger, nowFn: time.Now}
}

// Verify validates proof for (appID, actionID, signal) and consumes its
// nullifier. A non-zero owner is recorded as verified in the same write.
func (v *Verifier) Verify(ctx context.Context, owner common.Address, proof Proof, appID, actionID, signal string) (Result, error) {
	result, err := v.verify(ctx, owner, proof, appID, actionID, signal)
	if err != nil {
		observability.Tokens().RecordRejected("nullifier", rejectionReason(err))
		return Result{}, err
	}
	observability.Tokens().RecordConsumed("nullifier")
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, owner common.Address, proof Proof, appID, actionID, signal string) (Result, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return Result{}, ErrAppNotConfigured
	}
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return Result{}, fmt.Errorf("%w: action required", ErrProofInvalid)
	}
	if strings.TrimSpace(proof.Proof) == "" || strings.TrimSpace(proof.MerkleRoot) == "" || strings.TrimSpace(proof.NullifierHash) == "" {
		return Result{}, fmt.Errorf("%w: proof, merkle_root and nullifier_hash are required", ErrProofInvalid)
	}
	nullifier, err := CanonicalNullifier(proof.NullifierHash)
	if err != nil {
		return Result{}, err
	}
	if err := v.oracle.VerifyProof(ctx, appID, actionID, signal, proof); err != nil {
		var rejection *Rejection
		if errors.As(err, &rejection) {
			return Result{}, fmt.Errorf("%w: %w", ErrProofInvalid, rejection)
		}
		if errors.Is(err, chain.ErrUpstream) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %w", chain.ErrUpstream, err)
	}

	now := v.nowFn().UTC()
	rec := NullifierRecord{
		ActionID:          actionID,
		NullifierHash:     nullifier,
		VerificationLevel: proof.VerificationLevel,
		UsedAt:            now,
	}
	if owner != (common.Address{}) {
		rec.Owner = owner.Hex()
	}
	if err := v.store.Insert(rec); err != nil {
		if errors.Is(err, ErrNullifierReused) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("record nullifier: %w", err)
	}
	v.logger.Info("uniqueness proof accepted",
		slog.String("action", actionID),
		slog.String("owner", rec.Owner),
		slog.String("verification_level", proof.VerificationLevel))
	return Result{ActionID: actionID, NullifierHash: rec.NullifierHash, VerifiedAt: now}, nil
}

// IsVerified reports whether address has completed a verification.
func (v *Verifier) IsVerified(address common.Address) (bool, error) {
	_, ok, err := v.store.VerifiedOwner(address)
	return ok, err
}

// Lookup returns the nullifier record for the pair.
func (v *Verifier) Lookup(actionID, nullifierHash string) (NullifierRecord, error) {
	return v.store.Lookup(strings.TrimSpace(actionID), nullifierHash)
}

// RejectionDetail extracts the oracle's code and detail from err when present.
func RejectionDetail(err error) (code, detail string, ok bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection.Code, rejection.Detail, true
	}
	return "", "", false
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrAppNotConfigured):
		return "app_not_configured"
	case errors.Is(err, ErrNullifierReused):
		return "nullifier_reused"
	case errors.Is(err, ErrProofInvalid):
		return "proof_invalid"
	case errors.Is(err, chain.ErrUpstream):
		return "upstream"
	default:
		return "internal"
	}
}
