package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiller/internal/broker"
	"tiller/internal/orders"
	"tiller/internal/safety"
)

func TestLoadWithoutSnapshot(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	snap, ok, err := m.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, snap)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	in := &Snapshot{
		SavedAt:    now,
		TradingDay: "2026-03-10",
		Orders: []*orders.Order{{
			Request: broker.OrderRequest{
				ClientID:  "ord-1",
				Ticker:    "AAPL",
				Direction: broker.DirectionLong,
				Quantity:  decimal.NewFromInt(100),
				Kind:      broker.OrderMarket,
				Broker:    "sim",
			},
			BrokerOrderID:  "sim-abc",
			Status:         broker.StatusPartialFill,
			FilledQuantity: decimal.NewFromInt(40),
			AvgFillPrice:   decimal.NewFromFloat(180.25),
			SubmittedAt:    now,
		}},
		Positions: map[string]*broker.Position{
			"MSFT": {
				Ticker:    "MSFT",
				Direction: broker.DirectionLong,
				Quantity:  decimal.NewFromInt(50),
				AvgCost:   decimal.NewFromInt(400),
				Broker:    "sim",
			},
		},
		Switches:    []safety.TripRecord{{Switch: safety.SwitchManual, Reason: "operator halt", At: now}},
		TradesToday: 3,
		RealizedPnL: decimal.NewFromFloat(-12.5),
	}
	require.NoError(t, m.Save(in))

	out, ok, err := m.Load()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "2026-03-10", out.TradingDay)
	assert.Equal(t, 3, out.TradesToday)
	assert.True(t, out.RealizedPnL.Equal(decimal.NewFromFloat(-12.5)))

	require.Len(t, out.Orders, 1)
	o := out.Orders[0]
	assert.Equal(t, "ord-1", o.Request.ClientID)
	assert.Equal(t, broker.StatusPartialFill, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(40)))

	require.Contains(t, out.Positions, "MSFT")
	assert.True(t, out.Positions["MSFT"].Quantity.Equal(decimal.NewFromInt(50)))

	require.Len(t, out.Switches, 1)
	assert.Equal(t, safety.SwitchManual, out.Switches[0].Switch)
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	require.NoError(t, m.Save(&Snapshot{TradingDay: "2026-03-10"}))
	require.NoError(t, m.Save(&Snapshot{TradingDay: "2026-03-11"}))

	out, ok, err := m.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-03-11", out.TradingDay)

	// Temp files from the atomic write never linger.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadCorruptSnapshotIsAnError(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644))

	_, ok, err := m.Load()
	assert.Error(t, err, "a corrupt snapshot must surface, not silently reset")
	assert.False(t, ok)
}
