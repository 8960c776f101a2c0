package daemon

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/heartbeat"
	"tiller/internal/orders"
	"tiller/internal/pricestream"
	"tiller/internal/reconcile"
	"tiller/internal/safety"
)

// EventType labels events flowing through the loop.
type EventType string

const (
	// EvtSignalEntry is an inbound trade signal requesting an order.
	EvtSignalEntry EventType = "SIGNAL_ENTRY"
	// EvtSignalExit requests closing an open position.
	EvtSignalExit EventType = "SIGNAL_EXIT"
	// EvtOrderResult reports an async order worker result.
	EvtOrderResult EventType = "ORDER_RESULT"
	// EvtPriceTick is one quote from the price stream.
	EvtPriceTick EventType = "PRICE_TICK"
	// EvtFeedDisconnect reports a lost push quote subscription.
	EvtFeedDisconnect EventType = "FEED_DISCONNECT"
	// EvtHeartbeat reports a broker connectivity transition.
	EvtHeartbeat EventType = "HEARTBEAT"
	// EvtReconcileRequest asks for a position reconciliation pass.
	EvtReconcileRequest EventType = "RECONCILE_REQUEST"
	// EvtReconcileResult carries the broker position listing back in.
	EvtReconcileResult EventType = "RECONCILE_RESULT"
	// EvtSchedulerTick drives order timeout and poll checks.
	EvtSchedulerTick EventType = "SCHEDULER_TICK"
	// EvtSnapshot persists the runtime state snapshot.
	EvtSnapshot EventType = "SNAPSHOT"
	// EvtDailyReset resets daily counters at UTC midnight.
	EvtDailyReset EventType = "DAILY_RESET"
	// EvtKillSwitch manually trips or clears a kill switch.
	EvtKillSwitch EventType = "KILL_SWITCH"
)

// EventEnvelope wraps every event delivered to the loop. ReplyCh, when
// set, receives the handler's error so callers can block on completion.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ReplyCh   chan error      `json:"-"`
}

// SignalEntryPayload is a validated trade signal ready for gating.
type SignalEntryPayload struct {
	Signal TradeSignal `json:"signal"`
}

// SignalExitPayload requests flattening one position.
type SignalExitPayload struct {
	Ticker string `json:"ticker"`
	Reason string `json:"reason"`
}

// OrderResultPayload wraps an order worker update.
type OrderResultPayload struct {
	Update orders.Update `json:"update"`
}

// PriceTickPayload wraps one price stream tick.
type PriceTickPayload struct {
	Tick pricestream.Tick `json:"tick"`
}

// FeedDisconnectPayload wraps a per-instrument feed loss.
type FeedDisconnectPayload struct {
	Disconnect pricestream.Disconnect `json:"disconnect"`
}

// HeartbeatPayload wraps a broker connectivity transition.
type HeartbeatPayload struct {
	Event heartbeat.Event `json:"event"`
}

// ReconcileRequestPayload asks for a reconciliation pass against one
// broker, or all brokers when Broker is empty.
type ReconcileRequestPayload struct {
	Broker string `json:"broker"`
	Reason string `json:"reason"`
}

// ReconcileResultPayload carries the diff produced by the reconcile
// worker together with the corrected book.
type ReconcileResultPayload struct {
	Report    reconcile.Report `json:"report"`
	Corrected json.RawMessage  `json:"corrected"`
	Equity    *decimal.Decimal `json:"equity,omitempty"`
	Err       string           `json:"error,omitempty"`
}

// KillSwitchPayload trips or clears a switch by operator request.
type KillSwitchPayload struct {
	Switch safety.Switch `json:"switch"`
	Reason string        `json:"reason"`
	Clear  bool          `json:"clear"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
