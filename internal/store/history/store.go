// Package history persists completed orders and closed trades to SQLite
// for post-hoc analysis. The daemon's hot path never reads from here;
// crash recovery uses the state snapshot, not this store.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tiller/internal/orders"
)

// Store wraps the SQLite-backed history database.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the database at path and migrates the
// schema.
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history store: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history store: create dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("history store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&OrderRecord{}, &TradeRecord{}); err != nil {
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little read parallelism for the admin API while
	// keeping write lock contention low.
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// RecordOrder upserts the order's current state, keyed by client id.
// Called on every terminal transition, so re-running is harmless.
func (s *Store) RecordOrder(ctx context.Context, o *orders.Order) error {
	raw, err := json.Marshal(o.Request)
	if err != nil {
		return fmt.Errorf("history store: marshal request: %w", err)
	}
	rec := OrderRecord{
		ClientID:      o.Request.ClientID,
		BrokerOrderID: o.BrokerOrderID,
		SignalID:      o.Request.SignalID,
		Ticker:        o.Request.Ticker,
		Direction:     string(o.Request.Direction),
		Kind:          string(o.Request.Kind),
		Broker:        o.Request.Broker,
		Quantity:      o.Request.Quantity.String(),
		Filled:        o.FilledQuantity.String(),
		AvgPrice:      o.AvgFillPrice.String(),
		Status:        string(o.Status),
		RiskFlagged:   o.RiskFlagged,
		Request:       datatypes.JSON(raw),
		SubmittedAt:   o.SubmittedAt,
		UpdatedAtUnix: o.UpdatedAt.Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
}

// RecordTrade appends one closed-trade row.
func (s *Store) RecordTrade(ctx context.Context, t *TradeRecord) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// RecentOrders returns the newest n order rows.
func (s *Store) RecentOrders(ctx context.Context, n int) ([]OrderRecord, error) {
	if n <= 0 {
		n = 50
	}
	var out []OrderRecord
	err := s.db.WithContext(ctx).
		Order("updated_at_unix DESC").
		Limit(n).
		Find(&out).Error
	return out, err
}

// RecentTrades returns the newest n closed trades.
func (s *Store) RecentTrades(ctx context.Context, n int) ([]TradeRecord, error) {
	if n <= 0 {
		n = 50
	}
	var out []TradeRecord
	err := s.db.WithContext(ctx).
		Order("closed_at DESC").
		Limit(n).
		Find(&out).Error
	return out, err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OrderRecord is one order's final (or latest) state.
type OrderRecord struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	ClientID      string         `gorm:"column:client_id;uniqueIndex"`
	BrokerOrderID string         `gorm:"column:broker_order_id;index"`
	SignalID      string         `gorm:"column:signal_id;index"`
	Ticker        string         `gorm:"column:ticker;index"`
	Direction     string         `gorm:"column:direction"`
	Kind          string         `gorm:"column:kind"`
	Broker        string         `gorm:"column:broker"`
	Quantity      string         `gorm:"column:quantity"`
	Filled        string         `gorm:"column:filled"`
	AvgPrice      string         `gorm:"column:avg_price"`
	Status        string         `gorm:"column:status;index"`
	RiskFlagged   bool           `gorm:"column:risk_flagged"`
	Request       datatypes.JSON `gorm:"column:request"`
	SubmittedAt   time.Time      `gorm:"column:submitted_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at_unix"`
}

func (OrderRecord) TableName() string { return "order_history" }

// TradeRecord is one closed position round trip.
type TradeRecord struct {
	ID          int64     `gorm:"column:id;primaryKey"`
	Ticker      string    `gorm:"column:ticker;index"`
	Direction   string    `gorm:"column:direction"`
	Broker      string    `gorm:"column:broker"`
	Quantity    string    `gorm:"column:quantity"`
	EntryPrice  string    `gorm:"column:entry_price"`
	ExitPrice   string    `gorm:"column:exit_price"`
	RealizedPnL string    `gorm:"column:realized_pnl"`
	OpenedAt    time.Time `gorm:"column:opened_at"`
	ClosedAt    time.Time `gorm:"column:closed_at;index"`
}

func (TradeRecord) TableName() string { return "trade_history" }
