package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore persists payment references.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and creates the schema. It uses the
// same pure-Go driver as the ledger's gorm store, so both can live in one binary.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY between pooled conns.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payment_references (
            id TEXT PRIMARY KEY,
            owner TEXT NOT NULL,
            status TEXT NOT NULL,
            transaction_id TEXT,
            upstream_status TEXT,
            created_at TIMESTAMP NOT NULL,
            consumed_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS payment_references_owner ON payment_references(owner);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ReferenceRecord is the stored form of a payment reference.
type ReferenceRecord struct {
	ID             string
	Owner          string
	Status         Status
	TransactionID  sql.NullString
	UpstreamStatus sql.NullString
	CreatedAt      time.Time
	ConsumedAt     sql.NullTime
}

func (s *SQLiteStore) InsertReference(ctx context.Context, rec ReferenceRecord) error {
	const stmt = `INSERT INTO payment_references(id, owner, status, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, rec.ID, rec.Owner, string(rec.Status), rec.CreatedAt)
	return err
}

func (s *SQLiteStore) GetReference(ctx context.Context, id string) (*ReferenceRecord, error) {
	const query = `SELECT id, owner, status, transaction_id, upstream_status, created_at, consumed_at FROM payment_references WHERE id = ?`
	var rec ReferenceRecord
	var status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Owner, &status, &rec.TransactionID, &rec.UpstreamStatus, &rec.CreatedAt, &rec.ConsumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return &rec, nil
}

// MarkTerminal moves a pending reference to status. It reports false when the
// row was no longer pending, which makes the update a compare-and-swap across
// processes sharing the database.
func (s *SQLiteStore) MarkTerminal(ctx context.Context, id string, status Status, transactionID, upstreamStatus string, at time.Time) (bool, error) {
	const stmt = `UPDATE payment_references SET status = ?, transaction_id = ?, upstream_status = ?, consumed_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), transactionID, upstreamStatus, at, id, string(StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
