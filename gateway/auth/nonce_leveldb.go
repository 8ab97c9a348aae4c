package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix    = "nonce:"
	consumedKeyPrefix = "consumed:"
)

// LevelDBNoncePersistence provides a LevelDB-backed NoncePersistence implementation.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at the provided path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// MarkConsumed records a consumed nonce if it has not been recorded previously.
// Callers serialise calls for the same nonce.
func (p *LevelDBNoncePersistence) MarkConsumed(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("leveldb persistence not configured")
	}
	nonce := strings.TrimSpace(record.Nonce)
	if nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	consumed := record.ConsumedAt.UTC()
	if consumed.IsZero() {
		consumed = time.Now().UTC()
	}
	nonceKey := []byte(nonceKeyPrefix + nonce)
	ok, err := p.db.Has(nonceKey, nil)
	if err != nil {
		return false, fmt.Errorf("load nonce: %w", err)
	}
	if ok {
		return true, nil
	}

	batch := new(leveldb.Batch)
	nanos := consumed.UnixNano()
	batch.Put(nonceKey, encodeRecord(nanos, record.Address))
	batch.Put([]byte(consumedKey(nanos, nonce)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// Consumed reports whether nonce has a persisted consumption record.
func (p *LevelDBNoncePersistence) Consumed(ctx context.Context, nonce string) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("leveldb persistence not configured")
	}
	return p.db.Has([]byte(nonceKeyPrefix+strings.TrimSpace(nonce)), nil)
}

// Lookup returns the persisted record for nonce.
func (p *LevelDBNoncePersistence) Lookup(ctx context.Context, nonce string) (NonceRecord, error) {
	if p == nil || p.db == nil {
		return NonceRecord{}, fmt.Errorf("leveldb persistence not configured")
	}
	raw, err := p.db.Get([]byte(nonceKeyPrefix+strings.TrimSpace(nonce)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return NonceRecord{}, ErrNonceNotFound
	}
	if err != nil {
		return NonceRecord{}, fmt.Errorf("load nonce: %w", err)
	}
	nanos, address := decodeRecord(raw)
	return NonceRecord{Nonce: nonce, Address: address, ConsumedAt: time.Unix(0, nanos).UTC()}, nil
}

// PruneNonces deletes records consumed before the provided cutoff time.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(consumedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(consumedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		nonce, _, ok := parseConsumedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + nonce))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate consumed nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func consumedKey(nanos int64, nonce string) string {
	return fmt.Sprintf("%s%020d:%s", consumedKeyPrefix, nanos, nonce)
}

func parseConsumedKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeRecord(nanos int64, address string) []byte {
	buf := make([]byte, 8, 8+len(address))
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return append(buf, address...)
}

func decodeRecord(raw []byte) (int64, string) {
	if len(raw) < 8 {
		return 0, ""
	}
	return int64(binary.BigEndian.Uint64(raw[:8])), string(raw[8:])
}
