package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiller/internal/broker"
	"tiller/internal/broker/sim"
	"tiller/internal/guard"
	"tiller/internal/heartbeat"
	"tiller/internal/orders"
	"tiller/internal/pricestream"
	"tiller/internal/safety"
	"tiller/internal/state"
)

func newTestDaemon(t *testing.T, b *sim.Broker, stateDir string) *Daemon {
	t.Helper()
	var stateMgr *state.Manager
	if stateDir != "" {
		var err error
		stateMgr, err = state.NewManager(stateDir)
		require.NoError(t, err)
	}
	return New(Options{
		Mode:          ModePaper,
		DefaultBroker: "sim",
		Brokers:       map[string]broker.Broker{"sim": b},
		Safety:        safety.NewManager(safety.Limits{}),
		State:         stateMgr,
		Dup:           guard.NewDuplicateGuard(time.Minute),
		Rate:          guard.NewRateLimiter(100, 100, time.Second),
		OrderConfig:   orders.Config{RetryBackoff: 5 * time.Millisecond},
	})
}

func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		d.Stop(context.Background())
		cancel()
	})
}

func sendSignal(t *testing.T, d *Daemon, sig TradeSignal) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtSignalEntry, SignalEntryPayload{Signal: sig})))
}

func marketSignal(id, ticker string, qty int64) TradeSignal {
	return TradeSignal{
		ID:        id,
		Ticker:    ticker,
		Direction: broker.DirectionLong,
		Quantity:  decimal.NewFromInt(qty),
		Kind:      broker.OrderMarket,
	}
}

func TestSignalToFilledPosition(t *testing.T) {
	b := sim.New("sim")
	b.SetQuote("AAPL", 179.9, 180.1)
	d := newTestDaemon(t, b, t.TempDir())
	startDaemon(t, d)

	sendSignal(t, d, marketSignal("sig-1", "AAPL", 100))

	require.Eventually(t, func() bool {
		return len(d.Positions()) == 1
	}, 3*time.Second, 10*time.Millisecond, "fill should open a position")

	pos := d.Positions()[0]
	assert.Equal(t, "AAPL", pos.Ticker)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromFloat(180.1)), "long fills at the ask")

	o, ok := d.Orders().Get("sig-1")
	require.True(t, ok)
	assert.Equal(t, broker.StatusFilled, o.Status)

	trades, _ := d.Safety().Counters()
	assert.Equal(t, 1, trades)
}

func TestEquityFloorTripsViaReconcile(t *testing.T) {
	b := sim.New("sim")
	b.SetEquity(decimal.NewFromInt(100))
	d := New(Options{
		Mode:          ModePaper,
		DefaultBroker: "sim",
		Brokers:       map[string]broker.Broker{"sim": b},
		Safety:        safety.NewManager(safety.Limits{MinEquity: decimal.NewFromInt(50000)}),
		Dup:           guard.NewDuplicateGuard(time.Minute),
		Rate:          guard.NewRateLimiter(100, 100, time.Second),
		OrderConfig:   orders.Config{RetryBackoff: 5 * time.Millisecond},
	})
	startDaemon(t, d)

	require.Eventually(t, func() bool {
		return d.Safety().Active(safety.SwitchEquityFloor)
	}, 3*time.Second, 10*time.Millisecond, "the reconciliation pass carries the account equity")

	ok, _ := d.Safety().CanTrade()
	assert.False(t, ok)
}

func TestReconcileClosesOrphanedInternalPosition(t *testing.T) {
	b := sim.New("sim")
	b.SetQuote("AAPL", 179.9, 180.1)
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	sendSignal(t, d, marketSignal("sig-1", "AAPL", 100))
	require.Eventually(t, func() bool {
		return len(d.Positions()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	tick := pricestream.Tick{
		Ticker: "AAPL",
		Quote: broker.Quote{
			Ticker:     "AAPL",
			Bid:        decimal.NewFromFloat(199.9),
			Ask:        decimal.NewFromFloat(200.1),
			ObservedAt: time.Now(),
		},
		At: time.Now(),
	}
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtPriceTick, PriceTickPayload{Tick: tick})))

	// The broker no longer holds the position.
	b.SetPosition(broker.Position{Ticker: "AAPL", Quantity: decimal.Zero})
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtReconcileRequest, ReconcileRequestPayload{Reason: "drift"})))

	require.Eventually(t, func() bool {
		return len(d.Positions()) == 0
	}, 3*time.Second, 10*time.Millisecond, "the orphaned internal position is dropped from the book")

	_, realized := d.Safety().Counters()
	assert.True(t, realized.Equal(decimal.NewFromInt(1990)),
		"orphan close realizes against the last quote mid, got %s", realized)
}

func TestOppositeEntryNetsPosition(t *testing.T) {
	b := sim.New("sim")
	b.SetQuote("AAPL", 179.9, 180.1)
	b.SetQuote("TSLA", 249.9, 250.1)
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	sendSignal(t, d, marketSignal("sig-1", "AAPL", 100))
	require.Eventually(t, func() bool {
		return len(d.Positions()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	short := marketSignal("sig-2", "AAPL", 50)
	short.Direction = broker.DirectionShort
	sendSignal(t, d, short)

	require.Eventually(t, func() bool {
		for _, p := range d.Positions() {
			if p.Ticker == "AAPL" && p.Quantity.Equal(decimal.NewFromInt(50)) {
				return p.Direction == broker.DirectionLong
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "a short entry against a long nets, never blends")

	// Netting realizes PnL on the matched size: 50 * (179.9 - 180.1).
	_, realized := d.Safety().Counters()
	assert.True(t, realized.Equal(decimal.NewFromInt(-10)), "got %s", realized)

	// A fill past the held size flips the remainder to the other side.
	long := marketSignal("sig-3", "TSLA", 50)
	sendSignal(t, d, long)
	require.Eventually(t, func() bool {
		for _, p := range d.Positions() {
			if p.Ticker == "TSLA" && p.Direction == broker.DirectionLong {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	flip := marketSignal("sig-4", "TSLA", 120)
	flip.Direction = broker.DirectionShort
	sendSignal(t, d, flip)
	require.Eventually(t, func() bool {
		for _, p := range d.Positions() {
			if p.Ticker == "TSLA" {
				return p.Direction == broker.DirectionShort && p.Quantity.Equal(decimal.NewFromInt(70))
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "the excess of a flip opens the opposite side")
}

func TestKillSwitchBlocksEntries(t *testing.T) {
	b := sim.New("sim")
	b.SetQuote("AAPL", 179.9, 180.1)
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	ctx := context.Background()
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtKillSwitch, KillSwitchPayload{
		Switch: safety.SwitchManual,
		Reason: "operator halt",
	})))

	sendSignal(t, d, marketSignal("sig-1", "AAPL", 100))

	_, ok := d.Orders().Get("sig-1")
	assert.False(t, ok, "a tripped switch must stop the signal before the order manager")
	assert.Empty(t, d.Positions())

	// Clearing re-opens the gate.
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtKillSwitch, KillSwitchPayload{
		Switch: safety.SwitchManual,
		Clear:  true,
	})))
	sendSignal(t, d, marketSignal("sig-2", "AAPL", 100))
	_, ok = d.Orders().Get("sig-2")
	assert.True(t, ok)
}

func TestExitSignalFlattensPosition(t *testing.T) {
	b := sim.New("sim")
	b.SetQuote("AAPL", 179.9, 180.1)
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	sendSignal(t, d, marketSignal("sig-1", "AAPL", 100))
	require.Eventually(t, func() bool { return len(d.Positions()) == 1 },
		3*time.Second, 10*time.Millisecond)

	// Exit at a higher price banks a profit.
	b.SetQuote("AAPL", 185.0, 185.2)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtSignalExit, SignalExitPayload{
		Ticker: "AAPL",
		Reason: "manual_close",
	})))

	require.Eventually(t, func() bool { return len(d.Positions()) == 0 },
		3*time.Second, 10*time.Millisecond, "exit fill should flatten the position")

	_, realized := d.Safety().Counters()
	// Entered at 180.1 (ask), exited at 185.0 (bid), 100 shares.
	assert.True(t, realized.Equal(decimal.NewFromInt(490)), "realized pnl was %s", realized)
}

func TestExitWithoutPositionIsIgnored(t *testing.T) {
	b := sim.New("sim")
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	ctx := context.Background()
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtSignalExit, SignalExitPayload{Ticker: "AAPL"})))
	assert.Empty(t, d.Orders().All())
}

func TestReconcileAdoptsBrokerPositions(t *testing.T) {
	b := sim.New("sim")
	b.SetPosition(broker.Position{
		Ticker:    "TSLA",
		Direction: broker.DirectionLong,
		Quantity:  decimal.NewFromInt(10),
		AvgCost:   decimal.NewFromInt(250),
	})
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	// The startup reconciliation adopts whatever the broker holds.
	require.Eventually(t, func() bool {
		return len(d.Positions()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "TSLA", d.Positions()[0].Ticker)
}

func TestConnectionLostClearsOnlyAfterCleanReconcile(t *testing.T) {
	b := sim.New("sim")
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	ctx := context.Background()
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtHeartbeat, HeartbeatPayload{Event: heartbeat.Event{
		Broker:   "sim",
		Kind:     heartbeat.ReconnectExhausted,
		Downtime: 5 * time.Minute,
	}})))
	require.True(t, d.Safety().Active(safety.SwitchConnectionLost))

	// Reconnect requests a reconciliation; sim's book is empty and so is
	// ours, so the pass is clean and the switch clears.
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtHeartbeat, HeartbeatPayload{Event: heartbeat.Event{
		Broker: "sim",
		Kind:   heartbeat.BrokerReconnected,
	}})))

	require.Eventually(t, func() bool {
		return !d.Safety().Active(safety.SwitchConnectionLost)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConnectionLostStaysWhenReconcileFindsDrift(t *testing.T) {
	b := sim.New("sim")
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	ctx := context.Background()
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtHeartbeat, HeartbeatPayload{Event: heartbeat.Event{
		Broker: "sim",
		Kind:   heartbeat.ReconnectExhausted,
	}})))

	// Broker gained a position while we were down: drift, no clear.
	b.SetPosition(broker.Position{
		Ticker:    "TSLA",
		Direction: broker.DirectionLong,
		Quantity:  decimal.NewFromInt(10),
		AvgCost:   decimal.NewFromInt(250),
	})
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtHeartbeat, HeartbeatPayload{Event: heartbeat.Event{
		Broker: "sim",
		Kind:   heartbeat.BrokerReconnected,
	}})))

	require.Eventually(t, func() bool { return len(d.Positions()) == 1 },
		3*time.Second, 10*time.Millisecond, "drifted position is adopted")
	assert.True(t, d.Safety().Active(safety.SwitchConnectionLost),
		"the switch must stay tripped until a clean pass")
}

func TestSnapshotRestartRecovery(t *testing.T) {
	stateDir := t.TempDir()
	b := sim.New("sim")
	b.SetQuote("AAPL", 179.9, 180.1)

	d1 := newTestDaemon(t, b, stateDir)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d1.Start(ctx))

	sendSignal(t, d1, marketSignal("sig-1", "AAPL", 100))
	require.Eventually(t, func() bool { return len(d1.Positions()) == 1 },
		3*time.Second, 10*time.Millisecond)
	d1.Safety().Trip(safety.SwitchManual, "operator halt")

	d1.Stop(context.Background()) // flushes the final snapshot
	cancel()

	d2 := newTestDaemon(t, b, stateDir)
	startDaemon(t, d2)

	require.Eventually(t, func() bool { return len(d2.Positions()) == 1 },
		3*time.Second, 10*time.Millisecond, "positions survive a restart")
	assert.Equal(t, "AAPL", d2.Positions()[0].Ticker)
	assert.True(t, d2.Safety().Active(safety.SwitchManual), "manual switch survives restarts")

	o, ok := d2.Orders().Get("sig-1")
	require.True(t, ok, "orders are restored from the snapshot")
	assert.Equal(t, broker.StatusFilled, o.Status)
}

func TestDailyResetRollsTradingDay(t *testing.T) {
	b := sim.New("sim")
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	d.Safety().Trip(safety.SwitchDailyLoss, "loss cap")
	d.Safety().Trip(safety.SwitchManual, "operator halt")

	ctx := context.Background()
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtDailyReset, struct{}{})))

	assert.False(t, d.Safety().Active(safety.SwitchDailyLoss))
	assert.True(t, d.Safety().Active(safety.SwitchManual))
}

func TestPartialFillResidualCloseEndToEnd(t *testing.T) {
	b := sim.New("sim")
	b.SetQuote("AAPL", 179.9, 180.1)
	// 20% filled: below the acceptance band, the residual gets closed.
	b.PartialFillRatio(decimal.NewFromFloat(0.2))
	d := newTestDaemon(t, b, "")
	startDaemon(t, d)

	sendSignal(t, d, marketSignal("sig-1", "AAPL", 100))
	require.Eventually(t, func() bool {
		o, ok := d.Orders().Get("sig-1")
		return ok && o.Status == broker.StatusPartialFill
	}, 3*time.Second, 10*time.Millisecond)

	// Force the timeout path now rather than waiting 30s.
	o, _ := d.Orders().Get("sig-1")
	o.SubmittedAt = time.Now().Add(-time.Minute)
	b.PartialFillRatio(decimal.Zero) // the residual close fills fully

	ctx := context.Background()
	require.NoError(t, d.SendSync(ctx, NewEvent(EvtSchedulerTick, struct{}{})))

	require.Eventually(t, func() bool {
		return len(d.Positions()) == 0
	}, 3*time.Second, 10*time.Millisecond, "the 20 filled shares open then immediately close")

	o, _ = d.Orders().Get("sig-1")
	assert.Equal(t, broker.StatusCancelled, o.Status)
}
