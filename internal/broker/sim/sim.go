// Package sim implements an in-memory broker for paper trading and
// tests. Fills are deterministic: market orders fill at the quoted
// price, limit orders rest until the quote crosses them.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tiller/internal/broker"
)

type workingOrder struct {
	req    broker.OrderRequest
	report broker.OrderReport
}

// Broker is the simulated backend. All knobs are safe for concurrent use.
type Broker struct {
	name string

	mu        sync.Mutex
	quotes    map[string]broker.Quote
	orders    map[string]*workingOrder
	positions map[string]*broker.Position
	equity    decimal.Decimal
	subs      map[string]func(broker.Quote)

	// Failure injection.
	submitErr  error
	statusErr  error
	pingErr    error
	fillRatio  decimal.Decimal // portion of quantity filled on market orders; 1 when zero
	holdFills  bool            // keep market orders in submitted state until FillWorking
}

func New(name string) *Broker {
	if name == "" {
		name = "sim"
	}
	return &Broker{
		name:      name,
		quotes:    make(map[string]broker.Quote),
		orders:    make(map[string]*workingOrder),
		positions: make(map[string]*broker.Position),
		equity:    decimal.NewFromInt(100000),
		subs:      make(map[string]func(broker.Quote)),
	}
}

func (b *Broker) Name() string { return b.name }

// SetQuote installs a quote and pushes it to any subscriber.
func (b *Broker) SetQuote(ticker string, bid, ask float64) {
	q := broker.Quote{
		Ticker:     ticker,
		Bid:        decimal.NewFromFloat(bid),
		Ask:        decimal.NewFromFloat(ask),
		ObservedAt: time.Now(),
	}
	b.mu.Lock()
	b.quotes[ticker] = q
	cb := b.subs[ticker]
	b.mu.Unlock()
	if cb != nil {
		cb(q)
	}
}

// SetEquity adjusts the simulated account equity.
func (b *Broker) SetEquity(equity decimal.Decimal) {
	b.mu.Lock()
	b.equity = equity
	b.mu.Unlock()
}

// FailSubmits makes SubmitOrder return err until reset with nil.
func (b *Broker) FailSubmits(err error) {
	b.mu.Lock()
	b.submitErr = err
	b.mu.Unlock()
}

// FailStatus makes OrderStatus return err until reset with nil.
func (b *Broker) FailStatus(err error) {
	b.mu.Lock()
	b.statusErr = err
	b.mu.Unlock()
}

// FailPings makes Ping return err until reset with nil.
func (b *Broker) FailPings(err error) {
	b.mu.Lock()
	b.pingErr = err
	b.mu.Unlock()
}

// PartialFillRatio makes market orders fill only the given portion.
func (b *Broker) PartialFillRatio(r decimal.Decimal) {
	b.mu.Lock()
	b.fillRatio = r
	b.mu.Unlock()
}

// HoldFills keeps market orders resting so tests can drive timeouts.
func (b *Broker) HoldFills(hold bool) {
	b.mu.Lock()
	b.holdFills = hold
	b.mu.Unlock()
}

func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return nil, b.submitErr
	}

	id := "sim-" + uuid.NewString()[:8]
	wo := &workingOrder{
		req: req,
		report: broker.OrderReport{
			BrokerOrderID: id,
			Status:        broker.StatusSubmitted,
			UpdatedAt:     time.Now(),
		},
	}
	b.orders[id] = wo

	if req.Kind == broker.OrderMarket && !b.holdFills {
		b.fillLocked(wo)
	}
	res := &broker.SubmitResult{
		BrokerOrderID:  id,
		Status:         wo.report.Status,
		FilledQuantity: wo.report.FilledQuantity,
		AvgFillPrice:   wo.report.AvgFillPrice,
	}
	return res, nil
}

// fillLocked executes one order at the current quote. Caller holds b.mu.
func (b *Broker) fillLocked(wo *workingOrder) {
	q, ok := b.quotes[wo.req.Ticker]
	price := wo.req.LimitPrice
	if ok {
		if wo.req.Direction == broker.DirectionLong {
			price = q.Ask
		} else {
			price = q.Bid
		}
	}
	if !price.IsPositive() {
		price = wo.req.SignalPrice
	}

	filled := wo.req.Quantity
	status := broker.StatusFilled
	if b.fillRatio.IsPositive() && b.fillRatio.LessThan(decimal.NewFromInt(1)) {
		filled = wo.req.Quantity.Mul(b.fillRatio)
		status = broker.StatusPartialFill
	}
	wo.report.Status = status
	wo.report.FilledQuantity = filled
	wo.report.AvgFillPrice = price
	wo.report.UpdatedAt = time.Now()

	b.applyFillLocked(wo.req, filled, price)
}

// applyFillLocked moves the simulated position book.
func (b *Broker) applyFillLocked(req broker.OrderRequest, qty, price decimal.Decimal) {
	pos, ok := b.positions[req.Ticker]
	if !ok {
		if req.ReduceOnly {
			return
		}
		b.positions[req.Ticker] = &broker.Position{
			Ticker:    req.Ticker,
			Direction: req.Direction,
			Quantity:  qty,
			AvgCost:   price,
			Broker:    b.name,
			OpenedAt:  time.Now(),
			UpdatedAt: time.Now(),
		}
		return
	}
	if req.Direction == pos.Direction {
		total := pos.Quantity.Add(qty)
		pos.AvgCost = pos.AvgCost.Mul(pos.Quantity).Add(price.Mul(qty)).Div(total)
		pos.Quantity = total
	} else {
		pos.Quantity = pos.Quantity.Sub(qty)
		if !pos.Quantity.IsPositive() {
			delete(b.positions, req.Ticker)
		}
	}
}

// FillWorking force-fills a resting order, optionally partially.
func (b *Broker) FillWorking(brokerOrderID string, qty, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wo, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("sim: unknown order %s", brokerOrderID)
	}
	if wo.report.Status.Terminal() {
		return fmt.Errorf("sim: order %s already %s", brokerOrderID, wo.report.Status)
	}
	wo.report.FilledQuantity = wo.report.FilledQuantity.Add(qty)
	wo.report.AvgFillPrice = price
	if wo.report.FilledQuantity.GreaterThanOrEqual(wo.req.Quantity) {
		wo.report.FilledQuantity = wo.req.Quantity
		wo.report.Status = broker.StatusFilled
	} else {
		wo.report.Status = broker.StatusPartialFill
	}
	wo.report.UpdatedAt = time.Now()
	b.applyFillLocked(wo.req, qty, price)
	return nil
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wo, ok := b.orders[brokerOrderID]
	if !ok {
		return broker.Rejected("sim.cancel", fmt.Errorf("unknown order %s", brokerOrderID))
	}
	if wo.report.Status.Terminal() {
		return broker.Rejected("sim.cancel", fmt.Errorf("order %s is %s", brokerOrderID, wo.report.Status))
	}
	wo.report.Status = broker.StatusCancelled
	wo.report.UpdatedAt = time.Now()
	return nil
}

func (b *Broker) OrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return nil, b.statusErr
	}
	wo, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, broker.Rejected("sim.status", fmt.Errorf("unknown order %s", brokerOrderID))
	}
	rep := wo.report
	return &rep, nil
}

func (b *Broker) ListPositions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

// SetPosition installs a broker-side position directly, for
// reconciliation scenarios.
func (b *Broker) SetPosition(p broker.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p.Broker = b.name
	if p.Quantity.IsZero() {
		delete(b.positions, p.Ticker)
		return
	}
	cp := p
	b.positions[p.Ticker] = &cp
}

func (b *Broker) Account(ctx context.Context) (broker.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return broker.Account{
		Broker:    b.name,
		Equity:    b.equity,
		Cash:      b.equity,
		Currency:  "USD",
		UpdatedAt: time.Now(),
	}, nil
}

func (b *Broker) GetQuote(ctx context.Context, ticker string) (broker.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[ticker]
	if !ok {
		return broker.Quote{}, broker.Transient("sim.quote", fmt.Errorf("no quote for %s", ticker))
	}
	return q, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}

func (b *Broker) SubscribeQuotes(ctx context.Context, ticker string, callback func(broker.Quote)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ticker] = callback
	return nil
}

func (b *Broker) UnsubscribeQuotes(ctx context.Context, ticker string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, ticker)
	return nil
}
