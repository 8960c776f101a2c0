package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/audit"
	"tiller/internal/broker"
	"tiller/internal/heartbeat"
	"tiller/internal/logger"
	"tiller/internal/reconcile"
	"tiller/internal/safety"
	"tiller/internal/state"
)

// SignalEntryHandler gates an inbound signal and routes the order:
// safety first, then duplicate/rate guards inside the order manager.
type SignalEntryHandler struct{}

func (h *SignalEntryHandler) Type() EventType { return EvtSignalEntry }

func (h *SignalEntryHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p SignalEntryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode signal entry: %w", err)
	}
	d := ctx.Daemon()
	sig := p.Signal

	if ok, reason := d.safety.CanTrade(); !ok {
		d.auditSignal(audit.KindSignalRejected, sig, map[string]any{"reason": reason})
		d.alerter.Rejection(sig.Ticker, string(sig.Direction), reason)
		logger.Warnf("signal %s rejected: %s", sig.ID, reason)
		return nil
	}

	req := sig.request(d.defaultBroker)
	o, err := d.orders.Submit(req)
	if err != nil {
		// Duplicate and validation rejections are normal flow, already
		// audited by the manager.
		logger.Warnf("signal %s not submitted: %v", sig.ID, err)
		return nil
	}
	d.auditSignal(audit.KindSignalAccepted, sig, map[string]any{"client_id": o.Request.ClientID})
	logger.Infof("signal %s accepted: %s %s qty=%s [%s]", sig.ID, sig.Direction, sig.Ticker, sig.Quantity, traceID)
	return nil
}

// SignalExitHandler flattens one open position with a reduce-only
// market order. Exits are permitted even under an active kill switch.
type SignalExitHandler struct{}

func (h *SignalExitHandler) Type() EventType { return EvtSignalExit }

func (h *SignalExitHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p SignalExitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode signal exit: %w", err)
	}
	d := ctx.Daemon()
	pos, ok := d.positions[p.Ticker]
	if !ok || !pos.Quantity.IsPositive() {
		logger.Warnf("exit signal for %s ignored: no open position", p.Ticker)
		return nil
	}
	return d.submitClose(pos, pos.Quantity, p.Reason)
}

// OrderResultHandler applies async worker results to the order state
// machine and carries out the resulting position effects.
type OrderResultHandler struct{}

func (h *OrderResultHandler) Type() EventType { return EvtOrderResult }

func (h *OrderResultHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p OrderResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode order result: %w", err)
	}
	d := ctx.Daemon()

	if p.Update.Err != "" && p.Update.ErrKind != broker.KindRejected {
		d.safety.RecordExecutionError()
	}

	effects, err := d.orders.HandleUpdate(p.Update)
	if err != nil {
		d.safety.RecordExecutionError()
		return err
	}
	d.applyEffects(effects)
	d.persistOrder(p.Update.ClientID)
	return nil
}

// PriceTickHandler caches the latest quote per instrument.
type PriceTickHandler struct{}

func (h *PriceTickHandler) Type() EventType { return EvtPriceTick }

func (h *PriceTickHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p PriceTickPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode price tick: %w", err)
	}
	d := ctx.Daemon()
	if p.Tick.Stale {
		logger.Debugf("quote for %s is stale", p.Tick.Ticker)
		return nil
	}
	d.lastQuotes[p.Tick.Ticker] = p.Tick.Quote
	return nil
}

// FeedDisconnectHandler logs per-instrument feed losses. Broker-level
// outages are the heartbeat's job.
type FeedDisconnectHandler struct{}

func (h *FeedDisconnectHandler) Type() EventType { return EvtFeedDisconnect }

func (h *FeedDisconnectHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p FeedDisconnectPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode feed disconnect: %w", err)
	}
	logger.Warnf("price feed lost for %s: %s", p.Disconnect.Ticker, p.Disconnect.Reason)
	return nil
}

// HeartbeatHandler reacts to broker connectivity transitions. An
// exhausted reconnect window trips the connection-lost switch; a
// reconnect requests reconciliation, and the switch clears only after
// that reconciliation comes back clean.
type HeartbeatHandler struct{}

func (h *HeartbeatHandler) Type() EventType { return EvtHeartbeat }

func (h *HeartbeatHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p HeartbeatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	d := ctx.Daemon()
	evt := p.Event

	switch evt.Kind {
	case heartbeat.BrokerDisconnected:
		d.alerter.Downtime(evt.Broker, "connection down: "+evt.Reason)
	case heartbeat.ReconnectExhausted:
		d.safety.Trip(safety.SwitchConnectionLost,
			fmt.Sprintf("%s unreachable for %s", evt.Broker, evt.Downtime.Round(time.Second)))
		d.pendingClear[evt.Broker] = true
	case heartbeat.BrokerReconnected:
		d.alerter.Downtime(evt.Broker, fmt.Sprintf("reconnected after %s", evt.Downtime.Round(time.Second)))
		return d.Send(NewEvent(EvtReconcileRequest, ReconcileRequestPayload{
			Broker: evt.Broker,
			Reason: "reconnect",
		}))
	case heartbeat.QueueBacklog:
		// Observability only, never trips a switch.
		logger.Warnf("event queue backlog at %d", evt.Depth)
		d.auditSystem(audit.KindQueueBacklog, map[string]any{"depth": evt.Depth})
	}
	return nil
}

// ReconcileRequestHandler dispatches reconcile workers. The listing
// happens off the loop; the diff is applied when the result comes back.
type ReconcileRequestHandler struct{}

func (h *ReconcileRequestHandler) Type() EventType { return EvtReconcileRequest }

func (h *ReconcileRequestHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p ReconcileRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode reconcile request: %w", err)
	}
	d := ctx.Daemon()

	internal := d.positionsForBrokerLocked()
	for name, b := range d.brokers {
		if p.Broker != "" && p.Broker != name {
			continue
		}
		book := internal[name]
		go d.reconcileWorker(b, name, book, p.Reason)
	}
	return nil
}

// ReconcileResultHandler applies the corrected book. The broker's view
// wins every divergence.
type ReconcileResultHandler struct{}

func (h *ReconcileResultHandler) Type() EventType { return EvtReconcileResult }

func (h *ReconcileResultHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p ReconcileResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode reconcile result: %w", err)
	}
	d := ctx.Daemon()
	rep := p.Report

	if p.Err != "" {
		logger.Warnf("reconciliation against %s failed: %s", rep.Broker, p.Err)
		d.safety.RecordExecutionError()
		return nil
	}

	var corrected map[string]*broker.Position
	if err := json.Unmarshal(p.Corrected, &corrected); err != nil {
		return fmt.Errorf("decode corrected book: %w", err)
	}

	if p.Equity != nil {
		d.safety.RecordEquity(*p.Equity)
	}

	// Internal-only positions were closed out from under us. Mark them
	// closed using the best price available before the broker view
	// replaces the book.
	for _, ticker := range rep.OrphanedInternal {
		pos, ok := d.positions[ticker]
		if !ok || pos.Broker != rep.Broker {
			continue
		}
		exit := pos.AvgCost
		if q, ok := d.lastQuotes[ticker]; ok && q.Mid().IsPositive() {
			exit = q.Mid()
		}
		pnl := realizedPnL(pos.Direction, pos.AvgCost, exit, pos.Quantity)
		d.safety.RecordRealizedPnL(pnl)
		d.auditPosition(audit.KindPositionClosed, pos, map[string]any{
			"exit_quantity": pos.Quantity.String(),
			"exit_price":    exit.String(),
			"realized_pnl":  pnl.String(),
			"fully_closed":  true,
			"reason":        "reconcile_orphan",
		})
		d.recordTrade(pos, pos.Quantity, exit, pnl, d.nowFn())
	}

	// Replace this broker's slice of the book with the corrected view.
	for t, pos := range d.positions {
		if pos.Broker == rep.Broker {
			delete(d.positions, t)
		}
	}
	for t, pos := range corrected {
		d.positions[t] = pos
	}
	d.refreshBook()

	details := map[string]any{
		"clean":             rep.IsClean(),
		"orphaned_internal": rep.OrphanedInternal,
		"orphaned_broker":   rep.OrphanedBroker,
		"size_mismatches":   len(rep.SizeMismatches),
	}
	d.auditBroker(audit.KindReconciliation, rep.Broker, details)

	if rep.IsClean() {
		logger.Infof("reconciliation against %s clean", rep.Broker)
		if d.pendingClear[rep.Broker] {
			delete(d.pendingClear, rep.Broker)
			d.safety.Clear(safety.SwitchConnectionLost)
		}
	} else {
		logger.Warnf("reconciliation against %s found drift: %d internal-only, %d broker-only, %d size mismatches",
			rep.Broker, len(rep.OrphanedInternal), len(rep.OrphanedBroker), len(rep.SizeMismatches))
		d.alerter.ReconcileDrift(&rep)
	}
	return nil
}

// SchedulerTickHandler drives order timeout resolution and status polls.
type SchedulerTickHandler struct{}

func (h *SchedulerTickHandler) Type() EventType { return EvtSchedulerTick }

func (h *SchedulerTickHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	d := ctx.Daemon()
	effects := d.orders.Tick(context.Background())
	d.applyEffects(effects)
	return nil
}

// SnapshotHandler persists the crash-recovery snapshot.
type SnapshotHandler struct{}

func (h *SnapshotHandler) Type() EventType { return EvtSnapshot }

func (h *SnapshotHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	d := ctx.Daemon()
	if d.stateMgr == nil {
		return nil
	}
	trades, realized := d.safety.Counters()
	snap := &state.Snapshot{
		SavedAt:     d.nowFn(),
		TradingDay:  d.tradingDay,
		Orders:      d.orders.All(),
		Positions:   d.positions,
		Switches:    d.safety.ActiveSwitches(),
		TradesToday: trades,
		RealizedPnL: realized,
	}
	return d.stateMgr.Save(snap)
}

// DailyResetHandler rolls the trading day at UTC midnight: counters
// reset and all switches except manual clear.
type DailyResetHandler struct{}

func (h *DailyResetHandler) Type() EventType { return EvtDailyReset }

func (h *DailyResetHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	d := ctx.Daemon()
	d.tradingDay = d.nowFn().UTC().Format("2006-01-02")
	d.safety.ResetDaily()
	d.auditSystem(audit.KindDailyReset, map[string]any{"trading_day": d.tradingDay})
	if d.audit != nil {
		if err := d.audit.Cleanup(); err != nil {
			logger.Warnf("audit retention cleanup: %v", err)
		}
	}
	logger.Infof("daily reset complete, trading day %s", d.tradingDay)
	return nil
}

// KillSwitchHandler trips or clears a switch on operator request.
type KillSwitchHandler struct{}

func (h *KillSwitchHandler) Type() EventType { return EvtKillSwitch }

func (h *KillSwitchHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var p KillSwitchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode kill switch: %w", err)
	}
	d := ctx.Daemon()
	if p.Clear {
		d.safety.Clear(p.Switch)
		return nil
	}
	d.safety.Trip(p.Switch, p.Reason)
	// A trip halts entries immediately; open orders are pulled too.
	n := d.orders.CancelOpen(context.Background())
	if n > 0 {
		logger.Warnf("kill switch %s: cancelling %d open orders", p.Switch, n)
	}
	return nil
}

// reconcileWorker lists broker positions off the loop and reports the
// diff back as an event.
func (d *Daemon) reconcileWorker(b broker.Broker, name string, internal map[string]*broker.Position, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	remote, err := b.ListPositions(ctx)
	if err != nil {
		_ = d.Send(NewEvent(EvtReconcileResult, ReconcileResultPayload{
			Report: reconcile.Report{Broker: name, At: d.nowFn()},
			Err:    err.Error(),
		}))
		return
	}
	rep, corrected := reconcile.Compare(name, internal, remote, d.nowFn())
	raw, _ := json.Marshal(corrected)

	// The account query rides along so the equity floor gets checked on
	// every pass. A failed query skips the check rather than reporting
	// zero equity.
	var equity *decimal.Decimal
	if acct, err := b.Account(ctx); err != nil {
		logger.Warnf("account query on %s failed: %v", name, err)
	} else {
		equity = &acct.Equity
	}

	logger.Infof("reconciliation against %s (%s): %d remote positions", name, reason, len(remote))
	_ = d.Send(NewEvent(EvtReconcileResult, ReconcileResultPayload{Report: *rep, Corrected: raw, Equity: equity}))
}

// positionsForBrokerLocked splits the book by broker. Loop-only.
func (d *Daemon) positionsForBrokerLocked() map[string]map[string]*broker.Position {
	out := make(map[string]map[string]*broker.Position)
	for t, pos := range d.positions {
		m := out[pos.Broker]
		if m == nil {
			m = make(map[string]*broker.Position)
			out[pos.Broker] = m
		}
		m[t] = pos
	}
	return out
}

// persistOrder mirrors the order's latest state into the history store
// once it goes terminal.
func (d *Daemon) persistOrder(clientID string) {
	if d.history == nil {
		return
	}
	o, ok := d.orders.Get(clientID)
	if !ok || !o.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.history.RecordOrder(ctx, o); err != nil {
		logger.Warnf("history store: record order %s: %v", clientID, err)
	}
}

func (d *Daemon) auditSignal(kind string, sig TradeSignal, details map[string]any) {
	if d.audit == nil {
		return
	}
	if sig.Strategy != "" {
		if details == nil {
			details = map[string]any{}
		}
		details["strategy"] = sig.Strategy
	}
	e := audit.Entry{
		Kind:      kind,
		Mode:      string(d.mode),
		Ticker:    sig.Ticker,
		Direction: string(sig.Direction),
		OrderID:   sig.ID,
		Details:   details,
	}
	if err := d.audit.Append(e); err != nil {
		logger.Errorf("audit append failed: %v", err)
	}
}

func (d *Daemon) auditBroker(kind, brokerName string, details map[string]any) {
	if d.audit == nil {
		return
	}
	e := audit.Entry{Kind: kind, Mode: string(d.mode), Broker: brokerName, Details: details}
	if err := d.audit.Append(e); err != nil {
		logger.Errorf("audit append failed: %v", err)
	}
}
