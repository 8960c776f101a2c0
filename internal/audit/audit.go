// Package audit provides the append-only, timestamped record of every
// state-changing action. One NDJSON partition per UTC day; partitions
// are never mutated, only deleted wholesale by retention cleanup. The
// log is also the source of truth for daily counters after a restart.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tiller/internal/logger"
)

// Entry kinds. Each names a state transition or safety action.
const (
	KindOrderSubmitted   = "order_submitted"
	KindOrderAcked       = "order_acked"
	KindOrderFilled      = "order_filled"
	KindOrderPartialFill = "order_partial_fill"
	KindOrderCancelled   = "order_cancelled"
	KindOrderRejected    = "order_rejected"
	KindOrderExpired     = "order_expired"
	KindOrderTimeout     = "order_timeout"
	KindPositionOpened   = "position_opened"
	KindPositionClosed   = "position_closed"
	KindKillSwitch       = "kill_switch"
	KindKillSwitchClear  = "kill_switch_clear"
	KindReconciliation   = "reconciliation"
	KindDailyReset       = "daily_reset"
	KindSignalAccepted   = "signal_accepted"
	KindSignalRejected   = "signal_rejected"
	KindDaemonStart      = "daemon_start"
	KindDaemonStop       = "daemon_stop"
	KindExecutionError   = "execution_error"
	KindQueueBacklog     = "queue_backlog"
)

// Entry is one audit record. Appended synchronously with the state
// transition it describes.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Mode      string         `json:"mode,omitempty"` // paper | live
	Broker    string         `json:"broker,omitempty"`
	Ticker    string         `json:"ticker,omitempty"`
	Direction string         `json:"direction,omitempty"`
	OrderID   string         `json:"order_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Log appends entries to one file per UTC calendar day.
type Log struct {
	dir           string
	mode          string
	retentionDays int

	mu   sync.Mutex
	file *os.File
	day  string

	nowFn func() time.Time
}

func NewLog(dir, mode string, retentionDays int) (*Log, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("audit: directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &Log{
		dir:           dir,
		mode:          mode,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (l *Log) partitionPath(day string) string {
	return filepath.Join(l.dir, "audit-"+day+".ndjson")
}

// Append durably writes one entry. The caller's transition is not
// complete until Append returns nil.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFn().UTC()
	}
	if e.Mode == "" {
		e.Mode = l.mode
	}

	day := dayKey(e.Timestamp)
	if err := l.ensureFileLocked(day); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return l.file.Sync()
}

func (l *Log) ensureFileLocked(day string) error {
	if l.file != nil && l.day == day {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	f, err := os.OpenFile(l.partitionPath(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open partition %s: %w", day, err)
	}
	l.file = f
	l.day = day
	return nil
}

// ReadDay loads all entries for one UTC day. Missing partitions read as
// empty.
func (l *Log) ReadDay(t time.Time) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.partitionPath(dayKey(t)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open partition: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("audit: bad entry at line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan partition: %w", err)
	}
	return entries, nil
}

// Cleanup deletes whole partitions older than the retention window.
func (l *Log) Cleanup() error {
	if l.retentionDays <= 0 {
		return nil
	}
	cutoff := dayKey(l.nowFn().AddDate(0, 0, -l.retentionDays))

	names, err := filepath.Glob(filepath.Join(l.dir, "audit-*.ndjson"))
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		base := filepath.Base(name)
		day := strings.TrimSuffix(strings.TrimPrefix(base, "audit-"), ".ndjson")
		if day < cutoff {
			if err := os.Remove(name); err != nil {
				logger.Warnf("audit: failed to remove old partition %s: %v", base, err)
				continue
			}
			logger.Infof("audit: removed expired partition %s", base)
		}
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
