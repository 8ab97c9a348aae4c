package staking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists the ledger after every committed mutation.
type Store interface {
	// Load returns the persisted state, or a nil config when nothing has been saved.
	Load(ctx context.Context) (*RewardRateConfig, []*Position, error)
	// Save atomically writes the global state and the touched positions.
	Save(ctx context.Context, cfg *RewardRateConfig, positions ...*Position) error
}

const ledgerStateID = 1

// LedgerState is the singleton row holding the global accumulator.
type LedgerState struct {
	ID                   uint   `gorm:"primaryKey"`
	RatePerSecond        string `gorm:"size:80;not null"`
	RewardPerTokenStored string `gorm:"size:80;not null"`
	TotalPrincipal       string `gorm:"size:80;not null"`
	TotalPaid            string `gorm:"size:80;not null"`
	LastUpdateUnix       int64  `gorm:"not null"`
	UpdatedAt            time.Time
}

// StakePosition is the persisted form of a Position.
type StakePosition struct {
	Owner          string `gorm:"primaryKey;size:42"`
	Principal      string `gorm:"size:80;not null"`
	RewardDebt     string `gorm:"size:80;not null"`
	AccruedRewards string `gorm:"size:80;not null"`
	TotalClaimed   string `gorm:"size:80;not null"`
	LastTouchedAt  time.Time
	UpdatedAt      time.Time
}

// GormStore implements Store on top of gorm.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore opens a postgres or sqlite database and migrates the ledger tables.
func OpenGormStore(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an existing gorm handle.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("gorm handle required")
	}
	if err := db.AutoMigrate(&LedgerState{}, &StakePosition{}); err != nil {
		return nil, fmt.Errorf("migrate ledger tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load implements Store.
func (s *GormStore) Load(ctx context.Context) (*RewardRateConfig, []*Position, error) {
	var state LedgerState
	err := s.db.WithContext(ctx).First(&state, ledgerStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	cfg := &RewardRateConfig{LastUpdateTime: time.Unix(state.LastUpdateUnix, 0).UTC()}
	for _, field := range []struct {
		dst **uint256.Int
		raw string
	}{
		{&cfg.RatePerSecond, state.RatePerSecond},
		{&cfg.RewardPerTokenStored, state.RewardPerTokenStored},
		{&cfg.TotalPrincipal, state.TotalPrincipal},
		{&cfg.TotalPaid, state.TotalPaid},
	} {
		value, err := uint256.FromDecimal(field.raw)
		if err != nil {
			return nil, nil, fmt.Errorf("decode ledger state: %w", err)
		}
		*field.dst = value
	}

	var rows []StakePosition
	if err := s.db.WithContext(ctx).Order("owner").Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	positions := make([]*Position, 0, len(rows))
	for _, row := range rows {
		pos, err := row.decode()
		if err != nil {
			return nil, nil, err
		}
		positions = append(positions, pos)
	}
	return cfg, positions, nil
}

// Save implements Store.
func (s *GormStore) Save(ctx context.Context, cfg *RewardRateConfig, positions ...*Position) error {
	if cfg == nil {
		return errors.New("ledger state required")
	}
	state := LedgerState{
		ID:                   ledgerStateID,
		RatePerSecond:        cloneOrZero(cfg.RatePerSecond).Dec(),
		RewardPerTokenStored: cloneOrZero(cfg.RewardPerTokenStored).Dec(),
		TotalPrincipal:       cloneOrZero(cfg.TotalPrincipal).Dec(),
		TotalPaid:            cloneOrZero(cfg.TotalPaid).Dec(),
		LastUpdateUnix:       cfg.LastUpdateTime.Unix(),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&state).Error; err != nil {
			return err
		}
		for _, pos := range positions {
			if pos == nil {
				continue
			}
			row := encodePosition(pos)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func encodePosition(pos *Position) StakePosition {
	return StakePosition{
		Owner:          pos.Owner.Hex(),
		Principal:      cloneOrZero(pos.Principal).Dec(),
		RewardDebt:     cloneOrZero(pos.RewardDebt).Dec(),
		AccruedRewards: cloneOrZero(pos.AccruedRewards).Dec(),
		TotalClaimed:   cloneOrZero(pos.TotalClaimed).Dec(),
		LastTouchedAt:  pos.LastTouchedAt.UTC(),
	}
}

func (row StakePosition) decode() (*Position, error) {
	if !common.IsHexAddress(row.Owner) {
		return nil, fmt.Errorf("decode position: invalid owner %q", row.Owner)
	}
	pos := newPosition(common.HexToAddress(row.Owner))
	pos.LastTouchedAt = row.LastTouchedAt.UTC()
	for _, field := range []struct {
		dst **uint256.Int
		raw string
	}{
		{&pos.Principal, row.Principal},
		{&pos.RewardDebt, row.RewardDebt},
		{&pos.AccruedRewards, row.AccruedRewards},
		{&pos.TotalClaimed, row.TotalClaimed},
	} {
		value, err := uint256.FromDecimal(field.raw)
		if err != nil {
			return nil, fmt.Errorf("decode position %s: %w", row.Owner, err)
		}
		*field.dst = value
	}
	return pos, nil
}
