// Package store is the authoritative off-chain record store. Every mutation is
// either idempotent or guarded by an expected-prior-state precondition.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agrisubsidy/services/subsidyd/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrPreconditionFailed is returned when a guarded update finds the record
	// has moved away from the expected prior state.
	ErrPreconditionFailed = errors.New("store: precondition failed")
	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("store: invalid status transition")
	// ErrDuplicate is returned when a create collides with a different record.
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrMissingLinkage is returned when a claim lacks its on-chain identifiers.
	ErrMissingLinkage = errors.New("store: claim missing on-chain linkage")
)

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	LogLevel     logger.LogLevel
}

// Open connects to postgres for postgres:// URLs and to SQLite otherwise, then
// migrates the schema. Plain filesystem paths become WAL-mode SQLite files.
func Open(url string, opts Options) (*gorm.DB, error) {
	dsn := strings.TrimSpace(url)
	if dsn == "" {
		return nil, errors.New("store: database url required")
	}
	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "file:"):
		dialector = sqlite.Open(dsn)
	default:
		abs, err := filepath.Abs(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: resolve sqlite path: %w", err)
		}
		dialector = sqlite.Open(fmt.Sprintf("file:%s?%s", abs, sqlitePragmas))
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: pool: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// Store wraps the gorm handle with the record store operations.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps db.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) appendAudit(tx *gorm.DB, entity string, id uuid.UUID, actorID, action, details string) error {
	event := models.AuditEvent{
		ID:        uuid.New(),
		Entity:    entity,
		EntityID:  id,
		ActorID:   actorID,
		Action:    action,
		Details:   details,
		CreatedAt: s.now(),
	}
	return tx.Create(&event).Error
}

// AuditTrail returns the audit events of an entity, oldest first.
func (s *Store) AuditTrail(ctx context.Context, entityID uuid.UUID) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Order("created_at asc").Find(&events).Error
	return events, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func isCheckViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "check constraint")
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
