// Package eventlog archives engine events in a SQL database so that they can
// be queried after the fact.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"vaultlend/core/events"
)

const maxQueryLimit = 500

// Record is one archived event.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Height     uint64    `gorm:"index"`
	Type       string    `gorm:"index;size:96"`
	Market     string    `gorm:"index;size:32"`
	Account    string    `gorm:"index;size:96"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	Type    string
	Market  string
	Account string
	// FromHeight excludes records below this height when non-zero.
	FromHeight uint64
	Limit      int
}

// Store persists events through gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured driver and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("eventlog: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("eventlog: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append stores evt at height. Events without an attribute rendering are
// stored with their type only.
func (s *Store) Append(ctx context.Context, height uint64, evt events.Event) error {
	rec := Record{
		ID:        uuid.New(),
		Height:    height,
		Type:      evt.EventType(),
		CreatedAt: s.now().UTC(),
	}
	var attrs map[string]string
	rec.Market, rec.Account, attrs = describe(evt)
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	rec.Attributes = string(encoded)
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Query returns matching records, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	q := s.db.WithContext(ctx).Model(&Record{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Market != "" {
		q = q.Where("market = ?", f.Market)
	}
	if f.Account != "" {
		q = q.Where("account = ?", f.Account)
	}
	if f.FromHeight > 0 {
		q = q.Where("height >= ?", f.FromHeight)
	}
	var out []Record
	if err := q.Order("height desc").Order("created_at desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Emitter adapts the store to events.Emitter. height reports the block the
// event belongs to. Write failures are logged and never reach the engine.
func (s *Store) Emitter(height func() uint64, log *slog.Logger) events.Emitter {
	if log == nil {
		log = slog.Default()
	}
	return events.EmitterFunc(func(evt events.Event) {
		if err := s.Append(context.Background(), height(), evt); err != nil {
			log.Error("archive event", slog.String("type", evt.EventType()), slog.Any("error", err))
		}
	})
}

// describe extracts the indexed market and account columns and the attribute
// map of evt.
func describe(evt events.Event) (market, account string, attrs map[string]string) {
	attrs = map[string]string{}
	if typed, ok := evt.(events.Typed); ok {
		if rendered := typed.Event(); rendered != nil && rendered.Attributes != nil {
			attrs = rendered.Attributes
		}
	}
	return attrs["market"], firstNonEmpty(attrs["account"], attrs["borrower"], attrs["beneficiary"]), attrs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
