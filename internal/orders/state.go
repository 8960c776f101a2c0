// Package orders owns the order state machine: submission, fill
// tracking, timeout handling, partial-fill resolution and cancellation.
package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/broker"
)

// statusRank orders the lifecycle so transitions can only move forward.
// All terminal states share the top rank; once there, nothing moves.
var statusRank = map[broker.Status]int{
	broker.StatusPending:     0,
	broker.StatusSubmitted:   1,
	broker.StatusPartialFill: 2,
	broker.StatusFilled:      3,
	broker.StatusCancelled:   3,
	broker.StatusRejected:    3,
	broker.StatusExpired:     3,
}

// Order is the internal view of one order from submission to terminal
// state. Identity is the client id until the broker acks, then the
// broker order id.
type Order struct {
	Request       broker.OrderRequest
	BrokerOrderID string
	Status        broker.Status

	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal

	SubmittedAt time.Time // when the submit worker was dispatched
	AckedAt     time.Time // broker acknowledgement
	UpdatedAt   time.Time

	// AssumedSubmitted marks an ambiguous submission: the request may
	// have reached the broker, so the order is held as submitted and
	// resolved by reconciliation instead of retry.
	AssumedSubmitted bool

	// RiskFlagged marks a fill whose realized risk:reward fell below
	// the configured minimum. Informational; never auto-closed.
	RiskFlagged bool

	pollInFlight bool
}

// ID returns the order's current identity.
func (o *Order) ID() string {
	if o.BrokerOrderID != "" {
		return o.BrokerOrderID
	}
	return o.Request.ClientID
}

// Terminal reports whether the order reached a final status.
func (o *Order) Terminal() bool { return o.Status.Terminal() }

// FillRatio is filled/requested; zero for a zero-quantity request.
func (o *Order) FillRatio() decimal.Decimal {
	if !o.Request.Quantity.IsPositive() {
		return decimal.Zero
	}
	return o.FilledQuantity.Div(o.Request.Quantity)
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Request.Quantity.Sub(o.FilledQuantity)
}

// transition moves the order to a new status, enforcing the forward-only
// invariant. Terminal states are idempotently absorbing: a repeated or
// backwards transition is rejected, never applied.
func (o *Order) transition(to broker.Status, at time.Time) error {
	if o.Status == to {
		return nil
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s: illegal transition %s -> %s (terminal)", o.ID(), o.Status, to)
	}
	fromRank, ok := statusRank[o.Status]
	if !ok {
		return fmt.Errorf("order %s: unknown status %q", o.ID(), o.Status)
	}
	toRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("order %s: unknown target status %q", o.ID(), to)
	}
	if toRank < fromRank {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.ID(), o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// applyFill updates the fill counters, enforcing monotonic growth and
// the requested-quantity ceiling.
func (o *Order) applyFill(filled, avgPrice decimal.Decimal, at time.Time) error {
	if filled.LessThan(o.FilledQuantity) {
		return fmt.Errorf("order %s: filled quantity regressed %s -> %s",
			o.ID(), o.FilledQuantity, filled)
	}
	if filled.GreaterThan(o.Request.Quantity) {
		return fmt.Errorf("order %s: filled quantity %s exceeds requested %s",
			o.ID(), filled, o.Request.Quantity)
	}
	o.FilledQuantity = filled
	if avgPrice.IsPositive() {
		o.AvgFillPrice = avgPrice
	}
	o.UpdatedAt = at
	return nil
}

// validateRequest rejects malformed requests before anything is routed.
func validateRequest(req broker.OrderRequest) error {
	if req.Ticker == "" {
		return fmt.Errorf("order request missing ticker")
	}
	if req.Direction != broker.DirectionLong && req.Direction != broker.DirectionShort {
		return fmt.Errorf("order request for %s: invalid direction %q", req.Ticker, req.Direction)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("order request for %s: quantity must be positive", req.Ticker)
	}
	if req.Kind.RequiresLimitPrice() && !req.LimitPrice.IsPositive() {
		return fmt.Errorf("order request for %s: %s order requires a limit price", req.Ticker, req.Kind)
	}
	if req.Kind.RequiresStopPrice() && !req.StopPrice.IsPositive() {
		return fmt.Errorf("order request for %s: %s order requires a stop price", req.Ticker, req.Kind)
	}
	if req.Broker == "" {
		return fmt.Errorf("order request for %s: missing target broker", req.Ticker)
	}
	return nil
}
