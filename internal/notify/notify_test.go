package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiller/internal/reconcile"
	"tiller/internal/safety"
)

// capture records every sent message for assertions.
type capture struct {
	mu   sync.Mutex
	msgs []string
}

func (c *capture) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	return nil
}

func (c *capture) wait(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.msgs) >= n
	}, 2*time.Second, 5*time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestNilNotifierFallsBackToNop(t *testing.T) {
	a := NewAlerter(nil)
	assert.NotPanics(t, func() {
		a.Fill("AAPL", "long", "100", "180.10")
	})
}

func TestFillMessage(t *testing.T) {
	c := &capture{}
	a := NewAlerter(c)

	a.Fill("AAPL", "long", "100", "180.10")
	msgs := c.wait(t, 1)
	assert.Contains(t, msgs[0], "FILL LONG AAPL")
	assert.Contains(t, msgs[0], "qty=100")
}

func TestKillSwitchMessages(t *testing.T) {
	c := &capture{}
	a := NewAlerter(c)

	rec := safety.TripRecord{Switch: safety.SwitchDailyLoss, Reason: "loss cap", At: time.Now()}
	a.KillSwitch(rec, false)
	a.KillSwitch(rec, true)

	msgs := c.wait(t, 2)
	joined := msgs[0] + msgs[1]
	assert.Contains(t, joined, "KILL SWITCH daily_loss")
	assert.Contains(t, joined, "cleared: daily_loss")
}

func TestReconcileDriftMessage(t *testing.T) {
	c := &capture{}
	a := NewAlerter(c)

	a.ReconcileDrift(&reconcile.Report{
		Broker:           "binance",
		OrphanedInternal: []string{"AAPL"},
		OrphanedBroker:   []string{"TSLA"},
		SizeMismatches: []reconcile.Mismatch{{
			Ticker:           "MSFT",
			InternalQuantity: decimal.NewFromInt(100),
			BrokerQuantity:   decimal.NewFromInt(60),
		}},
	})

	msgs := c.wait(t, 1)
	assert.Contains(t, msgs[0], "binance")
	assert.Contains(t, msgs[0], "AAPL")
	assert.Contains(t, msgs[0], "TSLA")
	assert.Contains(t, msgs[0], "MSFT size 100 -> 60")
}
