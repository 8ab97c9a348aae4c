package auth

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"notoristake/observability"
)

const (
	// NonceCookie binds an issued nonce to the browser that requested it.
	NonceCookie = "siwe-nonce"

	nonceBytes               = 16
	maxNonceWindow           = 15 * time.Minute
	defaultNonceWindow       = 5 * time.Minute
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

var (
	ErrNonceMissing      = errors.New("auth: nonce missing")
	ErrNonceNotFound     = errors.New("auth: nonce not found")
	ErrNonceExpired      = errors.New("auth: nonce expired")
	ErrSignatureMismatch = errors.New("auth: signature mismatch")
	ErrAlreadyConsumed   = errors.New("auth: nonce already consumed")
)

// Nonce is a single-use sign-in challenge.
type Nonce struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NonceRecord captures a persisted nonce consumption.
type NonceRecord struct {
	Nonce      string
	Address    string
	ConsumedAt time.Time
}

// NoncePersistence provides durable storage for consumed nonces so a restart
// cannot revive one.
type NoncePersistence interface {
	// MarkConsumed records the consumption and reports whether it already existed.
	MarkConsumed(ctx context.Context, record NonceRecord) (bool, error)
	Consumed(ctx context.Context, nonce string) (bool, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// SignatureVerifier checks that signature over message was produced by address.
type SignatureVerifier interface {
	VerifySignature(message, signature string, address common.Address) error
}

// NonceAuthority issues sign-in nonces and consumes each at most once.
type NonceAuthority struct {
	ttl         time.Duration
	domain      string
	store       *nonceStore
	verifier    SignatureVerifier
	persistence NoncePersistence
	logger      *slog.Logger
	nowFn       func() time.Time

	pruneMu    sync.Mutex
	lastPruned time.Time
}

// NonceOptions configures a NonceAuthority.
type NonceOptions struct {
	// Domain is the host sign-in messages must be addressed to. Empty
	// accepts any domain.
	Domain      string
	TTL         time.Duration
	Capacity    int
	Verifier    SignatureVerifier
	Persistence NoncePersistence
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewNonceAuthority builds an authority with TTL and capacity clamped to safe bounds.
func NewNonceAuthority(opts NonceOptions) *NonceAuthority {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = EIP191Verifier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := newNonceStore(opts.TTL, opts.Capacity)
	return &NonceAuthority{
		ttl:         store.ttl,
		domain:      strings.TrimSpace(opts.Domain),
		store:       store,
		verifier:    verifier,
		persistence: opts.Persistence,
		logger:      logger,
		nowFn:       nowFn,
	}
}

// TTL returns the effective nonce lifetime.
func (a *NonceAuthority) TTL() time.Duration {
	return a.ttl
}

// Issue returns a fresh nonce. Issued nonces are never enumerable.
func (a *NonceAuthority) Issue(ctx context.Context) (Nonce, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	now := a.nowFn().UTC()
	nonce := Nonce{
		Value:     hex.EncodeToString(buf),
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl),
	}
	a.store.Add(nonce, now)
	if err := a.prunePersistent(ctx, now); err != nil {
		a.logger.Warn("prune consumed nonces failed", slog.String("error", err.Error()))
	}
	observability.Tokens().RecordIssued("nonce")
	return nonce, nil
}

// Verify validates a signed sign-in message against the nonce bound to the
// caller and consumes the nonce. The signature is checked before consumption;
// a bad signature leaves the nonce usable until it expires.
func (a *NonceAuthority) Verify(ctx context.Context, bound, message, signature, claimed string) (common.Address, error) {
	addr, err := a.verify(ctx, strings.TrimSpace(bound), message, signature, claimed)
	if err != nil {
		observability.Tokens().RecordRejected("nonce", rejectionReason(err))
		return common.Address{}, err
	}
	observability.Tokens().RecordConsumed("nonce")
	return addr, nil
}

func (a *NonceAuthority) verify(ctx context.Context, bound, message, signature, claimed string) (common.Address, error) {
	if bound == "" {
		return common.Address{}, ErrNonceMissing
	}
	now := a.nowFn().UTC()
	if err := a.checkUsable(ctx, bound, now); err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(strings.TrimSpace(claimed)) {
		return common.Address{}, fmt.Errorf("%w: invalid address", ErrSignatureMismatch)
	}
	address := common.HexToAddress(strings.TrimSpace(claimed))
	msg, err := ParseMessage(message)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}
	if a.domain != "" && !strings.EqualFold(msg.Domain, a.domain) {
		return common.Address{}, fmt.Errorf("%w: message domain %q does not match", ErrSignatureMismatch, msg.Domain)
	}
	if msg.Nonce != bound {
		return common.Address{}, fmt.Errorf("%w: message nonce does not match", ErrSignatureMismatch)
	}
	if msg.Address != address {
		return common.Address{}, fmt.Errorf("%w: message address does not match", ErrSignatureMismatch)
	}
	if err := msg.ValidAt(now); err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}
	if err := a.verifier.VerifySignature(message, signature, address); err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}
	if err := a.store.Consume(bound, now, func() error {
		if a.persistence == nil {
			return nil
		}
		existed, err := a.persistence.MarkConsumed(ctx, NonceRecord{Nonce: bound, Address: address.Hex(), ConsumedAt: now})
		if err != nil {
			return fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			return ErrAlreadyConsumed
		}
		return nil
	}); err != nil {
		return common.Address{}, err
	}
	a.logger.Info("sign-in nonce consumed", slog.String("address", address.Hex()))
	return address, nil
}

// checkUsable fails fast on nonces that can no longer be consumed.
func (a *NonceAuthority) checkUsable(ctx context.Context, value string, now time.Time) error {
	if tracked, err := a.store.State(value, now); tracked {
		return err
	}
	if a.persistence != nil {
		consumed, err := a.persistence.Consumed(ctx, value)
		if err != nil {
			return fmt.Errorf("load nonce: %w", err)
		}
		if consumed {
			return ErrAlreadyConsumed
		}
	}
	return ErrNonceNotFound
}

func (a *NonceAuthority) prunePersistent(ctx context.Context, now time.Time) error {
	if a.persistence == nil {
		return nil
	}
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.ttl)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNonceMissing):
		return "nonce_missing"
	case errors.Is(err, ErrNonceNotFound):
		return "nonce_not_found"
	case errors.Is(err, ErrNonceExpired):
		return "nonce_expired"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	default:
		return "internal"
	}
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	nonce    Nonce
	consumed bool
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if ttl <= 0 {
		ttl = defaultNonceWindow
	}
	if ttl > maxNonceWindow {
		ttl = maxNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Add registers an issued nonce, evicting expired and then oldest entries.
func (n *nonceStore) Add(nonce Nonce, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now)
	if _, exists := n.entries[nonce.Value]; exists {
		return
	}
	for n.order.Len() >= n.capacity {
		n.evictFront()
	}
	n.entries[nonce.Value] = n.order.PushBack(&nonceEntry{nonce: nonce})
}

// State reports whether value is tracked and, if so, why it is not usable.
func (n *nonceStore) State(value string, now time.Time) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	elem, ok := n.entries[value]
	if !ok {
		return false, nil
	}
	return true, entryState(elem.Value.(*nonceEntry), now)
}

// Consume marks value consumed if it is present, unexpired and unused. commit
// runs under the store lock and aborts the consumption when it fails.
func (n *nonceStore) Consume(value string, now time.Time, commit func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	elem, ok := n.entries[value]
	if !ok {
		return ErrNonceNotFound
	}
	entry := elem.Value.(*nonceEntry)
	if err := entryState(entry, now); err != nil {
		return err
	}
	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	entry.consumed = true
	return nil
}

func entryState(entry *nonceEntry, now time.Time) error {
	if entry.consumed {
		return ErrAlreadyConsumed
	}
	if !now.Before(entry.nonce.ExpiresAt) {
		return ErrNonceExpired
	}
	return nil
}

// evictExpired drops entries issued more than one TTL before now. Expired
// entries are kept for one extra TTL so late presenters see ErrNonceExpired.
func (n *nonceStore) evictExpired(now time.Time) {
	cutoff := now.Add(-2 * n.ttl)
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*nonceEntry)
		if !entry.nonce.IssuedAt.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.nonce.Value)
	}
}

func (n *nonceStore) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.nonce.Value)
}
