// Package ledger keeps an audit trail of every write request the bridge
// handled, keyed by the bridge-assigned request ID. The id a client sent is
// kept alongside in ClientID and is not unique.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Status is the lifecycle state of a recorded write.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusReverted  Status = "REVERTED"
	StatusFailed    Status = "FAILED"
	// StatusPending marks writes whose on-chain outcome is not yet known.
	StatusPending Status = "PENDING"
	StatusDropped Status = "DROPPED"
)

const defaultRecentLimit = 50

// ErrNotFound is returned when no entry matches.
var ErrNotFound = errors.New("ledger: entry not found")

// Entry is one write request and its outcome.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID string    `gorm:"size:64;uniqueIndex" json:"requestId"`
	ClientID  string    `gorm:"size:64;index" json:"clientId,omitempty"`
	Session   string    `gorm:"size:64;index" json:"session,omitempty"`
	Op        string    `gorm:"size:32;index" json:"op"`
	Target    string    `gorm:"size:42" json:"target,omitempty"`
	Amount    string    `gorm:"size:80" json:"amount,omitempty"`
	TxHash    string    `gorm:"size:66;index" json:"txHash,omitempty"`
	Nonce     *uint64   `json:"nonce,omitempty"`
	Status    Status    `gorm:"size:16;index" json:"status"`
	ErrorKind string    `gorm:"size:16" json:"errorKind,omitempty"`
	Outcome   string    `gorm:"size:16" json:"outcome,omitempty"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	Block     uint64    `gorm:"column:block_number" json:"block,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists entries through gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn. postgres:// and postgresql:// URLs use the Postgres
// driver; anything else is treated as a SQLite path or URI.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("ledger: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("ledger: database required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record inserts entry, or overwrites the outcome fields of the entry with
// the same request ID.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.RequestID) == "" {
		return errors.New("ledger: request id required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "request_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tx_hash", "nonce", "status", "error_kind", "outcome", "detail", "block_number", "updated_at",
		}),
	}).Create(&entry).Error
}

// UpdateStatus settles the entry holding txHash once its fate is known.
func (s *Store) UpdateStatus(ctx context.Context, txHash string, status Status, block uint64) error {
	res := s.db.WithContext(ctx).Model(&Entry{}).
		Where("tx_hash = ?", txHash).
		Updates(map[string]interface{}{
			"status":       status,
			"block_number": block,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the entry recorded for requestID.
func (s *Store) Get(ctx context.Context, requestID string) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// Recent lists the newest entries first. A non-positive limit selects the
// default page size.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	var entries []Entry
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}
