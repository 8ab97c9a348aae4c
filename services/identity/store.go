package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

var (
	bucketNullifiers = []byte("nullifiers")
	bucketVerified   = []byte("verified")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("identity: record not found")
)

// NullifierRecord is the permanent sybil-resistance entry for one action.
type NullifierRecord struct {
	ActionID          string    `json:"actionId"`
	NullifierHash     string    `json:"nullifierHash"`
	VerificationLevel string    `json:"verificationLevel,omitempty"`
	Owner             string    `json:"owner,omitempty"`
	UsedAt            time.Time `json:"usedAt"`
}

// VerifiedOwner records that an authenticated address completed verification.
type VerifiedOwner struct {
	Address    string    `json:"address"`
	ActionID   string    `json:"actionId"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Store persists nullifier records and verified owners in bbolt.
type Store struct {
	db *bolt.DB
}

// NewStore opens (and migrates) the bbolt-backed store.
func NewStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNullifiers, bucketVerified} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the bbolt handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CanonicalNullifier returns the nullifier as a 0x-prefixed, zero-padded
// 32-byte hex field element, so every spelling of one value maps to one key.
func CanonicalNullifier(raw string) (string, error) {
	digits := strings.TrimSpace(raw)
	if len(digits) >= 2 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		digits = digits[2:]
	}
	if digits == "" {
		return "", fmt.Errorf("%w: nullifier_hash is empty", ErrProofInvalid)
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	n, err := uint256.FromHex("0x" + digits)
	if err != nil {
		return "", fmt.Errorf("%w: nullifier_hash: %v", ErrProofInvalid, err)
	}
	return common.Hash(n.Bytes32()).Hex(), nil
}

// nullifierKey derives the record key from the action and the canonical nullifier.
func nullifierKey(actionID, nullifierHash string) ([]byte, error) {
	canonical, err := CanonicalNullifier(nullifierHash)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(actionID)+1+len(canonical))
	buf = append(buf, actionID...)
	buf = append(buf, 0)
	buf = append(buf, canonical...)
	sum := blake3.Sum256(buf)
	return sum[:], nil
}

// Insert writes rec unless its (action, nullifier) pair already exists, and
// records the owner as verified in the same transaction. The check and the
// write happen inside one bbolt Update, which serialises writers.
func (s *Store) Insert(rec NullifierRecord) error {
	key, err := nullifierKey(rec.ActionID, rec.NullifierHash)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNullifiers)
		if bucket.Get(key) != nil {
			return ErrNullifierReused
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, payload); err != nil {
			return err
		}
		if rec.Owner == "" {
			return nil
		}
		owner, err := json.Marshal(VerifiedOwner{Address: rec.Owner, ActionID: rec.ActionID, VerifiedAt: rec.UsedAt})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVerified).Put([]byte(strings.ToLower(rec.Owner)), owner)
	})
}

// Lookup returns the stored record for the pair.
func (s *Store) Lookup(actionID, nullifierHash string) (NullifierRecord, error) {
	var rec NullifierRecord
	key, err := nullifierKey(actionID, nullifierHash)
	if err != nil {
		return NullifierRecord{}, err
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNullifiers).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return NullifierRecord{}, err
	}
	return rec, nil
}

// VerifiedOwner returns the verification record for address.
func (s *Store) VerifiedOwner(address common.Address) (VerifiedOwner, bool, error) {
	var rec VerifiedOwner
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVerified).Get([]byte(strings.ToLower(address.Hex())))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return VerifiedOwner{}, false, fmt.Errorf("load verified owner: %w", err)
	}
	return rec, found, nil
}
