// Package safety is the single choke point every trading action passes
// through: named kill switches plus per-day trade and loss limits.
package safety

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/logger"
)

// Switch names one independently-triggerable kill switch.
type Switch string

const (
	SwitchDailyLoss      Switch = "daily_loss"
	SwitchEquityFloor    Switch = "equity_floor"
	SwitchConnectionLost Switch = "connection_lost"
	SwitchErrorRate      Switch = "error_rate"
	SwitchManual         Switch = "manual"
)

// Limits are the configured daily trading caps.
type Limits struct {
	MaxDailyLoss    decimal.Decimal // realized loss cap per day, positive number
	MaxTradesPerDay int
	MaxLossPerTrade decimal.Decimal // per-trade realized loss cap, positive number
	MinEquity       decimal.Decimal // equity floor; zero disables
}

// TripRecord captures when and why a switch went active.
type TripRecord struct {
	Switch Switch    `json:"switch"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Manager owns the kill-switch set and the daily counters. Trading is
// permitted iff the set is empty and the daily limits are unviolated.
type Manager struct {
	mu     sync.Mutex
	limits Limits

	active      map[Switch]TripRecord
	tradesToday int
	realizedPnL decimal.Decimal

	errWindow *errorWindow

	// onChange is invoked (outside the lock) whenever a switch trips or
	// clears, so the daemon can audit and alert.
	onChange func(rec TripRecord, tripped bool)

	nowFn func() time.Time
}

func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:      limits,
		active:      make(map[Switch]TripRecord),
		realizedPnL: decimal.Zero,
		errWindow:   newErrorWindow(defaultErrorThreshold, defaultErrorWindow),
		nowFn:       time.Now,
	}
}

// SetChangeHandler registers the trip/clear callback.
func (m *Manager) SetChangeHandler(fn func(rec TripRecord, tripped bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// CanTrade reports whether a new entry order may be submitted. Exit and
// protective orders never consult this gate.
func (m *Manager) CanTrade() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) > 0 {
		names := make([]string, 0, len(m.active))
		for sw := range m.active {
			names = append(names, string(sw))
		}
		sort.Strings(names)
		rec := m.active[Switch(names[0])]
		return false, fmt.Sprintf("kill switch %s active: %s", names[0], rec.Reason)
	}
	if m.limits.MaxTradesPerDay > 0 && m.tradesToday >= m.limits.MaxTradesPerDay {
		return false, fmt.Sprintf("daily trade limit reached (%d)", m.limits.MaxTradesPerDay)
	}
	if m.limits.MaxDailyLoss.IsPositive() && m.realizedPnL.LessThanOrEqual(m.limits.MaxDailyLoss.Neg()) {
		return false, fmt.Sprintf("daily loss limit reached (%s)", m.realizedPnL.StringFixed(2))
	}
	return true, ""
}

// Trip activates a switch. Re-tripping an active switch refreshes its
// reason but fires no callback.
func (m *Manager) Trip(sw Switch, reason string) {
	m.mu.Lock()
	_, already := m.active[sw]
	rec := TripRecord{Switch: sw, Reason: reason, At: m.nowFn()}
	m.active[sw] = rec
	fn := m.onChange
	m.mu.Unlock()

	if already {
		return
	}
	logger.Warnf("safety: kill switch %s tripped: %s", sw, reason)
	if fn != nil {
		fn(rec, true)
	}
}

// Clear deactivates a switch. The manual switch only clears through
// this explicit call, never through the daily reset.
func (m *Manager) Clear(sw Switch) {
	m.mu.Lock()
	rec, ok := m.active[sw]
	if ok {
		delete(m.active, sw)
	}
	fn := m.onChange
	m.mu.Unlock()

	if !ok {
		return
	}
	logger.Infof("safety: kill switch %s cleared", sw)
	if fn != nil {
		fn(rec, false)
	}
}

// Active reports whether a specific switch is tripped.
func (m *Manager) Active(sw Switch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sw]
	return ok
}

// ActiveSwitches returns a snapshot of the tripped set.
func (m *Manager) ActiveSwitches() []TripRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TripRecord, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Switch < out[j].Switch })
	return out
}

// RecordTrade bumps the daily trade counter after an accepted entry.
func (m *Manager) RecordTrade() {
	m.mu.Lock()
	m.tradesToday++
	m.mu.Unlock()
}

// RecordRealizedPnL folds one closed trade's realized P&L into the
// daily total and trips the daily-loss switch when the cap is breached.
func (m *Manager) RecordRealizedPnL(pnl decimal.Decimal) {
	m.mu.Lock()
	m.realizedPnL = m.realizedPnL.Add(pnl)
	total := m.realizedPnL
	m.mu.Unlock()

	if m.limits.MaxDailyLoss.IsPositive() && total.LessThanOrEqual(m.limits.MaxDailyLoss.Neg()) {
		m.Trip(SwitchDailyLoss, fmt.Sprintf("daily realized PnL %s breaches max loss %s",
			total.StringFixed(2), m.limits.MaxDailyLoss.StringFixed(2)))
	}
	if m.limits.MaxLossPerTrade.IsPositive() && pnl.LessThanOrEqual(m.limits.MaxLossPerTrade.Neg()) {
		logger.Warnf("safety: single trade loss %s exceeds per-trade cap %s",
			pnl.StringFixed(2), m.limits.MaxLossPerTrade.StringFixed(2))
	}
}

// RecordEquity checks broker-reported equity against the floor.
func (m *Manager) RecordEquity(equity decimal.Decimal) {
	if m.limits.MinEquity.IsPositive() && equity.LessThan(m.limits.MinEquity) {
		m.Trip(SwitchEquityFloor, fmt.Sprintf("equity %s below floor %s",
			equity.StringFixed(2), m.limits.MinEquity.StringFixed(2)))
	}
}

// RecordExecutionError feeds the rolling error window and trips the
// error-rate switch when the threshold is crossed.
func (m *Manager) RecordExecutionError() {
	if m.errWindow.record(m.nowFn()) {
		m.Trip(SwitchErrorRate, fmt.Sprintf("%d execution errors within %s",
			m.errWindow.threshold, m.errWindow.window))
	}
}

// ResetDaily clears the counters and every switch except manual.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	m.tradesToday = 0
	m.realizedPnL = decimal.Zero
	cleared := make([]TripRecord, 0, len(m.active))
	for sw, rec := range m.active {
		if sw == SwitchManual {
			continue
		}
		cleared = append(cleared, rec)
		delete(m.active, sw)
	}
	fn := m.onChange
	m.mu.Unlock()

	m.errWindow.reset()
	logger.Infof("safety: daily reset (cleared %d switches)", len(cleared))
	if fn != nil {
		for _, rec := range cleared {
			fn(rec, false)
		}
	}
}

// Counters returns the daily trade count and realized P&L.
func (m *Manager) Counters() (trades int, realized decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradesToday, m.realizedPnL
}

// Hydrate restores counters and switches from a crash-recovery snapshot.
func (m *Manager) Hydrate(trades int, realized decimal.Decimal, switches []TripRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesToday = trades
	m.realizedPnL = realized
	for _, rec := range switches {
		m.active[rec.Switch] = rec
	}
}
