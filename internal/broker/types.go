// Package broker defines a common abstraction for order-executing brokers.
// The daemon works against this capability set only, never against a
// specific broker's wire protocol.
package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the closing direction for a held position.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// OrderKind is the broker-side order type.
type OrderKind string

const (
	OrderMarket    OrderKind = "market"
	OrderLimit     OrderKind = "limit"
	OrderStop      OrderKind = "stop"
	OrderStopLimit OrderKind = "stop_limit"
)

// RequiresLimitPrice reports whether the kind needs a limit price.
func (k OrderKind) RequiresLimitPrice() bool {
	return k == OrderLimit || k == OrderStopLimit
}

// RequiresStopPrice reports whether the kind needs a stop trigger price.
func (k OrderKind) RequiresStopPrice() bool {
	return k == OrderStop || k == OrderStopLimit
}

// TimeInForce is the order validity policy.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// OrderRequest describes one order to be routed to a broker.
// Immutable once submitted.
type OrderRequest struct {
	ClientID   string          `json:"client_id"` // provisional identity until broker ack
	Ticker     string          `json:"ticker"`
	Direction  Direction       `json:"direction"`
	Quantity   decimal.Decimal `json:"quantity"`
	Kind       OrderKind       `json:"kind"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"`
	TIF        TimeInForce     `json:"tif"`
	Broker     string          `json:"broker"`
	SignalID   string          `json:"signal_id"` // correlation back to the originating signal

	// Protective levels carried from the signal; broker-managed bracket
	// legs when the broker supports them.
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`

	// SignalPrice is the entry price the signal was generated at, used
	// for pre-submission slippage checks.
	SignalPrice decimal.Decimal `json:"signal_price,omitempty"`

	// ReduceOnly marks exit/protective orders that bypass the entry gate.
	ReduceOnly bool `json:"reduce_only,omitempty"`
}

// SubmitResult is the broker's acknowledgement of a submission.
type SubmitResult struct {
	BrokerOrderID string
	// Status as reported at submit time; brokers that fill market orders
	// synchronously may already report a fill here.
	Status         Status
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// Status of an order in its lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSubmitted   Status = "submitted"
	StatusPartialFill Status = "partial_fill"
	StatusFilled      Status = "filled"
	StatusCancelled   Status = "cancelled"
	StatusRejected    Status = "rejected"
	StatusExpired     Status = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderReport is a broker's view of one order, returned by status polls.
type OrderReport struct {
	BrokerOrderID  string
	Status         Status
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	UpdatedAt      time.Time
}

// Position is a broker-reported (or internally tracked) open position.
// The broker's view is authoritative on any conflict.
type Position struct {
	Ticker      string          `json:"ticker"`
	Direction   Direction       `json:"direction"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	Broker      string          `json:"broker"`
	OrderIDs    []string        `json:"order_ids,omitempty"`    // linked broker order ids
	StopOrderID string          `json:"stop_order_id,omitempty"`
	TakeOrderID string          `json:"take_order_id,omitempty"`
	OpenedAt    time.Time       `json:"opened_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Account is a broker account snapshot.
type Account struct {
	Broker    string
	Equity    decimal.Decimal
	Cash      decimal.Decimal
	Currency  string
	UpdatedAt time.Time
}

// Quote is one normalized price observation.
type Quote struct {
	Ticker     string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
	Volume     decimal.Decimal
	ObservedAt time.Time
}

// Mid returns the bid/ask midpoint, falling back to last when one side
// is missing.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}
