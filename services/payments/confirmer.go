// Package payments issues payment references and confirms each exactly once
// against the upstream transaction status.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"notoristake/core/chain"
	"notoristake/observability"
)

var (
	ErrReferenceNotFound     = errors.New("payments: reference not found")
	ErrUnauthorized          = errors.New("payments: reference belongs to another owner")
	ErrAlreadyConsumed       = errors.New("payments: reference already consumed")
	ErrReferenceMismatch     = errors.New("payments: upstream reference mismatch")
	ErrTransactionFailed     = errors.New("payments: transaction failed")
	ErrUpstreamNotConfigured = errors.New("payments: upstream credentials not configured")
	ErrTransactionIDRequired = errors.New("payments: transaction id required")
)

// Status is the lifecycle state of a payment reference.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Reference is the public view of a payment reference.
type Reference struct {
	ID             string     `json:"reference"`
	Owner          string     `json:"owner"`
	Status         Status     `json:"status"`
	TransactionID  string     `json:"transactionId,omitempty"`
	UpstreamStatus string     `json:"upstreamStatus,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ConsumedAt     *time.Time `json:"consumedAt,omitempty"`
}

// Outcome is the result of a confirmation. It is also returned alongside
// ErrReferenceMismatch and ErrTransactionFailed so callers can report the
// upstream status.
type Outcome struct {
	Reference string       `json:"reference"`
	Status    Status       `json:"status"`
	Upstream  chain.Status `json:"upstreamStatus"`
}

type configurable interface {
	Configured() bool
}

// Confirmer owns the payment reference lifecycle.
type Confirmer struct {
	store  *SQLiteStore
	source chain.StatusSource
	logger *slog.Logger
	nowFn  func() time.Time

	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewConfirmer wires the reference store and the upstream status source. A
// nil source or one reporting it is unconfigured makes Confirm fail with
// ErrUpstreamNotConfigured.
func NewConfirmer(store *SQLiteStore, source chain.StatusSource, logger *slog.Logger) *Confirmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Confirmer{
		store:  store,
		source: source,
		logger: logger,
		nowFn:  time.Now,
		locks:  make(map[string]*refLock),
	}
}

// Initiate creates a pending reference bound to owner.
func (c *Confirmer) Initiate(ctx context.Context, owner common.Address) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	rec := ReferenceRecord{
		ID:        id,
		Owner:     owner.Hex(),
		Status:    StatusPending,
		CreatedAt: c.nowFn().UTC(),
	}
	if err := c.store.InsertReference(ctx, rec); err != nil {
		return "", fmt.Errorf("persist reference: %w", err)
	}
	observability.Tokens().RecordIssued("payment_reference")
	return id, nil
}

// Get returns the reference if it belongs to owner.
func (c *Confirmer) Get(ctx context.Context, owner common.Address, referenceID string) (Reference, error) {
	rec, err := c.load(ctx, owner, strings.TrimSpace(referenceID))
	if err != nil {
		return Reference{}, err
	}
	return rec.view(), nil
}

// Confirm consumes referenceID once the upstream transaction reports it.
func (c *Confirmer) Confirm(ctx context.Context, owner common.Address, referenceID, transactionID string) (Outcome, error) {
	out, err := c.confirm(ctx, owner, strings.TrimSpace(referenceID), strings.TrimSpace(transactionID))
	if err != nil {
		observability.Tokens().RecordRejected("payment_reference", rejectionReason(err))
		return out, err
	}
	observability.Tokens().RecordConsumed("payment_reference")
	return out, nil
}

func (c *Confirmer) confirm(ctx context.Context, owner common.Address, referenceID, transactionID string) (Outcome, error) {
	if !c.configured() {
		return Outcome{}, ErrUpstreamNotConfigured
	}
	if transactionID == "" {
		return Outcome{}, ErrTransactionIDRequired
	}
	unlock := c.lock(referenceID)
	defer unlock()

	rec, err := c.load(ctx, owner, referenceID)
	if err != nil {
		return Outcome{}, err
	}
	if rec.Status != StatusPending {
		return Outcome{}, ErrAlreadyConsumed
	}

	receipt, err := c.source.PollStatus(ctx, chain.TxID(transactionID))
	if err != nil {
		if errors.Is(err, chain.ErrNotConfigured) {
			return Outcome{}, ErrUpstreamNotConfigured
		}
		return Outcome{}, err
	}
	if receipt.Reference != rec.ID {
		c.logger.Warn("payment reference mismatch",
			slog.String("reference", rec.ID),
			slog.String("transaction_id", transactionID))
		return Outcome{Reference: rec.ID, Status: StatusPending, Upstream: receipt.Status}, ErrReferenceMismatch
	}

	status := StatusConfirmed
	if receipt.Status == chain.StatusFailed {
		status = StatusFailed
	}
	// The consumption step runs to completion even if the caller goes away.
	marked, err := c.store.MarkTerminal(context.WithoutCancel(ctx), rec.ID, status, transactionID, string(receipt.Status), c.nowFn().UTC())
	if err != nil {
		return Outcome{}, fmt.Errorf("mark reference: %w", err)
	}
	if !marked {
		return Outcome{}, ErrAlreadyConsumed
	}
	c.logger.Info("payment reference consumed",
		slog.String("reference", rec.ID),
		slog.String("status", string(status)),
		slog.String("upstream_status", string(receipt.Status)))
	out := Outcome{Reference: rec.ID, Status: status, Upstream: receipt.Status}
	if status == StatusFailed {
		return out, ErrTransactionFailed
	}
	return out, nil
}

func (c *Confirmer) load(ctx context.Context, owner common.Address, referenceID string) (*ReferenceRecord, error) {
	if referenceID == "" {
		return nil, ErrReferenceNotFound
	}
	rec, err := c.store.GetReference(ctx, referenceID)
	if err != nil {
		return nil, fmt.Errorf("load reference: %w", err)
	}
	if rec == nil {
		return nil, ErrReferenceNotFound
	}
	if !strings.EqualFold(rec.Owner, owner.Hex()) {
		return nil, ErrUnauthorized
	}
	return rec, nil
}

func (c *Confirmer) configured() bool {
	if c.source == nil {
		return false
	}
	if cfg, ok := c.source.(configurable); ok {
		return cfg.Configured()
	}
	return true
}

// lock serialises confirmations of one reference and releases the entry when
// no caller holds it.
func (c *Confirmer) lock(id string) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &refLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}

func (r *ReferenceRecord) view() Reference {
	ref := Reference{
		ID:             r.ID,
		Owner:          r.Owner,
		Status:         r.Status,
		TransactionID:  r.TransactionID.String,
		UpstreamStatus: r.UpstreamStatus.String,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.ConsumedAt.Valid {
		at := r.ConsumedAt.Time.UTC()
		ref.ConsumedAt = &at
	}
	return ref
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrReferenceNotFound):
		return "reference_not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrReferenceMismatch):
		return "reference_mismatch"
	case errors.Is(err, ErrTransactionFailed):
		return "transaction_failed"
	case errors.Is(err, ErrUpstreamNotConfigured):
		return "not_configured"
	case errors.Is(err, chain.ErrUpstream):
		return "upstream"
	default:
		return "invalid"
	}
}
