package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiller/internal/broker"
	"tiller/internal/orders"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(clientID string, status broker.Status) *orders.Order {
	return &orders.Order{
		Request: broker.OrderRequest{
			ClientID:  clientID,
			SignalID:  clientID,
			Ticker:    "AAPL",
			Direction: broker.DirectionLong,
			Quantity:  decimal.NewFromInt(100),
			Kind:      broker.OrderMarket,
			Broker:    "sim",
		},
		BrokerOrderID:  "sim-" + clientID,
		Status:         status,
		FilledQuantity: decimal.NewFromInt(100),
		AvgFillPrice:   decimal.NewFromFloat(180.1),
		SubmittedAt:    time.Now().Add(-time.Minute),
		UpdatedAt:      time.Now(),
	}
}

func TestRecordOrderUpsertsByClientID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord-1", broker.StatusCancelled)
	require.NoError(t, s.RecordOrder(ctx, o))

	// Re-recording the same order replaces the row instead of duplicating.
	o.Status = broker.StatusFilled
	require.NoError(t, s.RecordOrder(ctx, o))

	rows, err := s.RecentOrders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ord-1", rows[0].ClientID)
	assert.Equal(t, string(broker.StatusFilled), rows[0].Status)
	assert.Equal(t, "100", rows[0].Filled)
	assert.Contains(t, string(rows[0].Request), `"ticker":"AAPL"`)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := testOrder("ord-1", broker.StatusFilled)
	older.UpdatedAt = time.Now().Add(-time.Hour)
	newer := testOrder("ord-2", broker.StatusFilled)

	require.NoError(t, s.RecordOrder(ctx, older))
	require.NoError(t, s.RecordOrder(ctx, newer))

	rows, err := s.RecentOrders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ord-2", rows[0].ClientID)

	limited, err := s.RecentOrders(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordAndListTrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTrade(ctx, &TradeRecord{
		Ticker:      "AAPL",
		Direction:   "long",
		Broker:      "sim",
		Quantity:    "100",
		EntryPrice:  "180.1",
		ExitPrice:   "185",
		RealizedPnL: "490",
		OpenedAt:    time.Now().Add(-time.Hour),
		ClosedAt:    time.Now(),
	}))

	rows, err := s.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "490", rows[0].RealizedPnL)
	assert.Equal(t, "AAPL", rows[0].Ticker)
}
