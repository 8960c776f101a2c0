package safety

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDailyLossBoundary(t *testing.T) {
	m := NewManager(Limits{MaxDailyLoss: dec("25")})

	m.RecordRealizedPnL(dec("-25.00"))
	ok, _ := m.CanTrade()
	assert.False(t, ok, "a loss equal to the cap counts as breached")
	assert.True(t, m.Active(SwitchDailyLoss))
}

func TestDailyLossJustUnderCap(t *testing.T) {
	m := NewManager(Limits{MaxDailyLoss: dec("25")})

	m.RecordRealizedPnL(dec("-24.99"))
	ok, _ := m.CanTrade()
	assert.True(t, ok)
	assert.False(t, m.Active(SwitchDailyLoss))
}

func TestDailyLossAccumulates(t *testing.T) {
	m := NewManager(Limits{MaxDailyLoss: dec("25")})

	m.RecordRealizedPnL(dec("-10"))
	m.RecordRealizedPnL(dec("30")) // a win buys back headroom
	m.RecordRealizedPnL(dec("-40"))
	assert.False(t, m.Active(SwitchDailyLoss), "net is -20, under the cap")

	m.RecordRealizedPnL(dec("-5.01"))
	assert.True(t, m.Active(SwitchDailyLoss))
}

func TestTradeCountLimit(t *testing.T) {
	m := NewManager(Limits{MaxTradesPerDay: 2})

	m.RecordTrade()
	ok, _ := m.CanTrade()
	require.True(t, ok)

	m.RecordTrade()
	ok, reason := m.CanTrade()
	assert.False(t, ok)
	assert.Contains(t, reason, "trade limit")
}

func TestEquityFloor(t *testing.T) {
	m := NewManager(Limits{MinEquity: dec("10000")})

	m.RecordEquity(dec("10000"))
	assert.False(t, m.Active(SwitchEquityFloor), "at the floor is still allowed")

	m.RecordEquity(dec("9999.99"))
	assert.True(t, m.Active(SwitchEquityFloor))
}

func TestErrorRateWindow(t *testing.T) {
	m := NewManager(Limits{})
	base := time.Now()
	m.nowFn = func() time.Time { return base }

	for i := 0; i < 4; i++ {
		m.RecordExecutionError()
	}
	assert.False(t, m.Active(SwitchErrorRate), "four errors stay under the threshold")

	m.RecordExecutionError()
	assert.True(t, m.Active(SwitchErrorRate), "fifth error within the window trips")
}

func TestErrorRateSlidingWindowExpiry(t *testing.T) {
	m := NewManager(Limits{})
	base := time.Now()
	m.nowFn = func() time.Time { return base }

	for i := 0; i < 4; i++ {
		m.RecordExecutionError()
	}

	// The old errors fall out of the window before the fifth arrives.
	m.nowFn = func() time.Time { return base.Add(6 * time.Minute) }
	m.RecordExecutionError()
	assert.False(t, m.Active(SwitchErrorRate))
}

func TestTripAndClearCallbacks(t *testing.T) {
	m := NewManager(Limits{})
	var events []string
	m.SetChangeHandler(func(rec TripRecord, tripped bool) {
		if tripped {
			events = append(events, "trip:"+string(rec.Switch))
		} else {
			events = append(events, "clear:"+string(rec.Switch))
		}
	})

	m.Trip(SwitchManual, "operator halt")
	m.Trip(SwitchManual, "again") // re-trip fires no callback
	m.Clear(SwitchManual)
	m.Clear(SwitchManual) // clearing an inactive switch is a no-op

	assert.Equal(t, []string{"trip:manual", "clear:manual"}, events)
}

func TestResetDailyKeepsManualSwitch(t *testing.T) {
	m := NewManager(Limits{MaxDailyLoss: dec("25"), MaxTradesPerDay: 3})

	m.RecordTrade()
	m.RecordRealizedPnL(dec("-30"))
	m.Trip(SwitchConnectionLost, "feed down")
	m.Trip(SwitchManual, "operator halt")
	require.True(t, m.Active(SwitchDailyLoss))

	m.ResetDaily()

	assert.False(t, m.Active(SwitchDailyLoss))
	assert.False(t, m.Active(SwitchConnectionLost))
	assert.True(t, m.Active(SwitchManual), "manual only clears explicitly")

	trades, realized := m.Counters()
	assert.Zero(t, trades)
	assert.True(t, realized.IsZero())

	ok, reason := m.CanTrade()
	assert.False(t, ok)
	assert.Contains(t, reason, "manual")
}

func TestAnyActiveSwitchBlocksTrading(t *testing.T) {
	m := NewManager(Limits{})
	ok, _ := m.CanTrade()
	require.True(t, ok)

	m.Trip(SwitchErrorRate, "5 errors in 5m")
	ok, reason := m.CanTrade()
	assert.False(t, ok)
	assert.Contains(t, reason, "error_rate")

	m.Clear(SwitchErrorRate)
	ok, _ = m.CanTrade()
	assert.True(t, ok)
}

func TestHydrateRestoresState(t *testing.T) {
	m := NewManager(Limits{MaxTradesPerDay: 5})
	m.Hydrate(3, dec("-12.50"), []TripRecord{
		{Switch: SwitchManual, Reason: "operator halt", At: time.Now()},
	})

	trades, realized := m.Counters()
	assert.Equal(t, 3, trades)
	assert.True(t, realized.Equal(dec("-12.50")))
	assert.True(t, m.Active(SwitchManual))
}
