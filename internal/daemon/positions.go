package daemon

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tiller/internal/audit"
	"tiller/internal/broker"
	"tiller/internal/logger"
	"tiller/internal/orders"
	"tiller/internal/store/history"
)

// applyEffects carries out order-transition side effects on the
// position book. Loop-only.
func (d *Daemon) applyEffects(effects []orders.Effect) {
	for _, eff := range effects {
		switch eff.Kind {
		case orders.EffectOpenPosition:
			if eff.Order.Request.ReduceOnly {
				d.reducePosition(eff.Order, eff.Quantity, eff.Price)
			} else {
				d.openPosition(eff.Order, eff.Quantity, eff.Price)
			}
		case orders.EffectCloseResidual:
			pos, ok := d.positions[eff.Order.Request.Ticker]
			if !ok {
				logger.Warnf("residual close for %s skipped: no position", eff.Order.Request.Ticker)
				continue
			}
			if err := d.submitClose(pos, eff.Quantity, "partial_fill_residual"); err != nil {
				logger.Errorf("residual close for %s failed: %v", eff.Order.Request.Ticker, err)
			}
		case orders.EffectRiskFlag:
			// Already audited by the manager; informational only.
		}
	}
}

// openPosition creates or extends the position for a filled entry.
func (d *Daemon) openPosition(o *orders.Order, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	req := o.Request
	now := d.nowFn()

	pos, ok := d.positions[req.Ticker]
	if ok && !pos.Quantity.IsZero() && pos.Direction != req.Direction {
		// An opposite-direction entry nets against the existing position
		// rather than blending into it. Any excess flips into a fresh
		// position on the other side.
		matched := decimal.Min(qty, pos.Quantity)
		d.reducePosition(o, matched, price)
		if rest := qty.Sub(matched); rest.IsPositive() {
			d.openPosition(o, rest, price)
		}
		return
	}
	if !ok || pos.Quantity.IsZero() {
		pos = &broker.Position{
			Ticker:    req.Ticker,
			Direction: req.Direction,
			Quantity:  qty,
			AvgCost:   price,
			Broker:    req.Broker,
			OpenedAt:  now,
			UpdatedAt: now,
		}
		d.positions[req.Ticker] = pos
	} else {
		// Same-direction add: blend the average cost.
		total := pos.Quantity.Add(qty)
		if price.IsPositive() {
			pos.AvgCost = pos.AvgCost.Mul(pos.Quantity).Add(price.Mul(qty)).Div(total)
		}
		pos.Quantity = total
		pos.UpdatedAt = now
	}
	if o.BrokerOrderID != "" {
		pos.OrderIDs = append(pos.OrderIDs, o.BrokerOrderID)
	}
	d.refreshBook()

	d.safety.RecordTrade()
	d.auditPosition(audit.KindPositionOpened, pos, map[string]any{
		"fill_quantity": qty.String(),
		"fill_price":    price.String(),
		"order_id":      o.ID(),
	})
	d.alerter.Fill(req.Ticker, string(req.Direction), qty.String(), price.String())
	logger.Infof("position %s %s now %s @ avg %s", pos.Direction, pos.Ticker, pos.Quantity, pos.AvgCost)
}

// reducePosition shrinks (or closes) the position for a filled exit and
// realizes the PnL against the daily loss limit.
func (d *Daemon) reducePosition(o *orders.Order, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	ticker := o.Request.Ticker
	pos, ok := d.positions[ticker]
	if !ok {
		logger.Warnf("exit fill for %s with no tracked position", ticker)
		return
	}
	if qty.GreaterThan(pos.Quantity) {
		qty = pos.Quantity
	}

	pnl := realizedPnL(pos.Direction, pos.AvgCost, price, qty)
	d.safety.RecordRealizedPnL(pnl)

	now := d.nowFn()
	pos.Quantity = pos.Quantity.Sub(qty)
	pos.UpdatedAt = now
	closed := pos.Quantity.IsZero()
	if closed {
		delete(d.positions, ticker)
	}
	d.refreshBook()

	d.auditPosition(audit.KindPositionClosed, pos, map[string]any{
		"exit_quantity": qty.String(),
		"exit_price":    price.String(),
		"realized_pnl":  pnl.String(),
		"fully_closed":  closed,
	})
	d.recordTrade(pos, qty, price, pnl, now)
	logger.Infof("position %s reduced by %s @ %s, realized pnl %s", ticker, qty, price, pnl)
}

// submitClose routes a reduce-only market order against a position.
func (d *Daemon) submitClose(pos *broker.Position, qty decimal.Decimal, reason string) error {
	req := broker.OrderRequest{
		ClientID:   uuid.NewString(),
		Ticker:     pos.Ticker,
		Direction:  pos.Direction.Opposite(),
		Quantity:   qty,
		Kind:       broker.OrderMarket,
		TIF:        broker.TIFDay,
		Broker:     pos.Broker,
		SignalID:   reason,
		ReduceOnly: true,
	}
	_, err := d.orders.Submit(req)
	if err == nil {
		logger.Infof("closing %s of %s %s (%s)", qty, pos.Direction, pos.Ticker, reason)
	}
	return err
}

// realizedPnL is (exit-entry)*qty for longs and (entry-exit)*qty for shorts.
func realizedPnL(dir broker.Direction, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if dir == broker.DirectionShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

func (d *Daemon) recordTrade(pos *broker.Position, qty, exit, pnl decimal.Decimal, closedAt time.Time) {
	if d.history == nil {
		return
	}
	rec := &history.TradeRecord{
		Ticker:      pos.Ticker,
		Direction:   string(pos.Direction),
		Broker:      pos.Broker,
		Quantity:    qty.String(),
		EntryPrice:  pos.AvgCost.String(),
		ExitPrice:   exit.String(),
		RealizedPnL: pnl.String(),
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    closedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.history.RecordTrade(ctx, rec); err != nil {
		logger.Warnf("history store: record trade %s: %v", pos.Ticker, err)
	}
}

// refreshBook publishes a read-only copy of the position book for
// off-loop readers. Loop-only.
func (d *Daemon) refreshBook() {
	out := make([]broker.Position, 0, len(d.positions))
	for _, p := range d.positions {
		out = append(out, *p)
	}
	d.bookSnapshot.Store(out)
}

// Positions returns the latest published copy of the book. Safe from
// any goroutine.
func (d *Daemon) Positions() []broker.Position {
	val := d.bookSnapshot.Load()
	if val == nil {
		return nil
	}
	return val.([]broker.Position)
}

func (d *Daemon) auditPosition(kind string, pos *broker.Position, details map[string]any) {
	if d.audit == nil {
		return
	}
	e := audit.Entry{
		Kind:      kind,
		Mode:      string(d.mode),
		Broker:    pos.Broker,
		Ticker:    pos.Ticker,
		Direction: string(pos.Direction),
		Details:   details,
	}
	if err := d.audit.Append(e); err != nil {
		logger.Errorf("audit append failed: %v", err)
	}
}
