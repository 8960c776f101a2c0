// Package state persists a crash-recovery snapshot of the daemon's
// runtime state. Writes go to a temp file first and are renamed into
// place so a crash mid-write never corrupts the last good snapshot.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/broker"
	"tiller/internal/logger"
	"tiller/internal/orders"
	"tiller/internal/safety"
)

const snapshotFile = "state.json"

// Snapshot is the full persisted runtime state.
type Snapshot struct {
	SavedAt     time.Time                  `json:"saved_at"`
	TradingDay  string                     `json:"trading_day"` // UTC, YYYY-MM-DD
	Orders      []*orders.Order            `json:"orders"`
	Positions   map[string]*broker.Position `json:"positions"`
	Switches    []safety.TripRecord        `json:"kill_switches"`
	TradesToday int                        `json:"trades_today"`
	RealizedPnL decimal.Decimal            `json:"realized_pnl"`
}

// Manager saves and loads snapshots under a data directory.
type Manager struct {
	dir string
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) path() string { return filepath.Join(m.dir, snapshotFile) }

// Save writes the snapshot atomically: temp file, fsync, rename.
func (m *Manager) Save(s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, snapshotFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, m.path()); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	logger.Debugf("snapshot saved: %d orders, %d positions", len(s.Orders), len(s.Positions))
	return nil
}

// Load reads the last snapshot. ok is false when none exists yet; a
// corrupt snapshot is an error so the operator decides, rather than the
// daemon silently starting from scratch.
func (m *Manager) Load() (*Snapshot, bool, error) {
	data, err := os.ReadFile(m.path())
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("snapshot %s is corrupt: %w", m.path(), err)
	}
	if s.Positions == nil {
		s.Positions = make(map[string]*broker.Position)
	}
	return &s, true, nil
}
