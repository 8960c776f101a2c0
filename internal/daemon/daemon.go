// Package daemon hosts the trading daemon's event loop. Every piece of
// shared state (orders, positions, counters) is mutated only on the
// loop goroutine; workers and background monitors communicate with it
// exclusively by enqueueing events.
package daemon

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tiller/internal/audit"
	"tiller/internal/broker"
	"tiller/internal/guard"
	"tiller/internal/heartbeat"
	"tiller/internal/logger"
	"tiller/internal/notify"
	"tiller/internal/orders"
	"tiller/internal/pricestream"
	"tiller/internal/safety"
	"tiller/internal/state"
	"tiller/internal/store/history"
)

const (
	queueSize       = 256
	slowHandlerWarn = 100 * time.Millisecond
)

// Mode selects live or paper execution.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Options wires the daemon's collaborators.
type Options struct {
	Mode          Mode
	DefaultBroker string
	Brokers       map[string]broker.Broker
	Safety        *safety.Manager
	Audit         *audit.Log
	State         *state.Manager
	History       *history.Store
	Alerter       *notify.Alerter
	Dup           *guard.DuplicateGuard
	Rate          *guard.RateLimiter
	OrderConfig   orders.Config
	Watchlist     []string
}

// Daemon is the event-driven core. One loop goroutine owns all state.
type Daemon struct {
	mode          Mode
	defaultBroker string
	brokers       map[string]broker.Broker

	orders   *orders.Manager
	safety   *safety.Manager
	audit    *audit.Log
	stateMgr *state.Manager
	history  *history.Store
	alerter  *notify.Alerter

	streams  map[string]*pricestream.Stream
	monitors map[string]*heartbeat.Monitor

	registry *HandlerRegistry

	// Loop-owned state. Never touched off the loop goroutine.
	positions  map[string]*broker.Position
	lastQuotes map[string]broker.Quote
	tradingDay string
	// pendingClear marks brokers whose connection_lost switch is
	// awaiting a clean reconciliation before it clears.
	pendingClear map[string]bool

	watchlist []string

	// bookSnapshot holds a published copy of the position book so the
	// admin API can read without touching loop-owned state.
	bookSnapshot atomic.Value

	msgCh  chan EventEnvelope
	stopCh chan struct{}
	wg     sync.WaitGroup
	nowFn  func() time.Time
}

// New builds the daemon and its order manager.
func New(opts Options) *Daemon {
	d := &Daemon{
		mode:          opts.Mode,
		defaultBroker: opts.DefaultBroker,
		brokers:       opts.Brokers,
		safety:        opts.Safety,
		audit:         opts.Audit,
		stateMgr:      opts.State,
		history:       opts.History,
		alerter:       opts.Alerter,
		streams:       make(map[string]*pricestream.Stream),
		monitors:      make(map[string]*heartbeat.Monitor),
		positions:     make(map[string]*broker.Position),
		lastQuotes:    make(map[string]broker.Quote),
		pendingClear:  make(map[string]bool),
		watchlist:     opts.Watchlist,
		msgCh:         make(chan EventEnvelope, queueSize),
		stopCh:        make(chan struct{}),
		nowFn:         time.Now,
	}
	if d.alerter == nil {
		d.alerter = notify.NewAlerter(nil)
	}

	d.orders = orders.NewManager(opts.Brokers, opts.Dup, opts.Rate, opts.Audit, opts.OrderConfig, func(u orders.Update) {
		if err := d.Send(NewEvent(EvtOrderResult, OrderResultPayload{Update: u})); err != nil {
			logger.Errorf("daemon: dropping order result for %s: %v", u.ClientID, err)
		}
	})

	d.registry = NewHandlerRegistry()
	d.registry.RegisterDefaultHandlers()

	for name, b := range opts.Brokers {
		name := name
		d.streams[name] = pricestream.New(b,
			func(t pricestream.Tick) {
				_ = d.Send(NewEvent(EvtPriceTick, PriceTickPayload{Tick: t}))
			},
			func(dc pricestream.Disconnect) {
				_ = d.Send(NewEvent(EvtFeedDisconnect, FeedDisconnectPayload{Disconnect: dc}))
			})
		d.monitors[name] = heartbeat.New(b,
			func(e heartbeat.Event) {
				_ = d.Send(NewEvent(EvtHeartbeat, HeartbeatPayload{Event: e}))
			},
			d.QueueDepth)
	}
	return d
}

// NewEvent builds an envelope with a fresh id.
func NewEvent(t EventType, payload any) EventEnvelope {
	return EventEnvelope{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   mustMarshal(payload),
		CreatedAt: time.Now(),
	}
}

// Send enqueues an event. Fails once the daemon is stopping.
func (d *Daemon) Send(evt EventEnvelope) error {
	select {
	case d.msgCh <- evt:
		return nil
	case <-d.stopCh:
		return fmt.Errorf("daemon is stopped")
	}
}

// SendSync enqueues an event and blocks until its handler finishes.
func (d *Daemon) SendSync(ctx context.Context, evt EventEnvelope) error {
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan error, 1)
	}
	if err := d.Send(evt); err != nil {
		return err
	}
	select {
	case err := <-evt.ReplyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopCh:
		return fmt.Errorf("daemon stopped during sync call")
	}
}

// QueueDepth reports the loop's current backlog.
func (d *Daemon) QueueDepth() int { return len(d.msgCh) }

// Orders exposes the order manager for read-only admin access.
func (d *Daemon) Orders() *orders.Manager { return d.orders }

// Safety exposes the safety manager.
func (d *Daemon) Safety() *safety.Manager { return d.safety }

// Mode reports the execution mode.
func (d *Daemon) Mode() Mode { return d.mode }

// Start recovers state, runs the startup reconciliation, then starts
// the loop and the background monitors.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.recover(); err != nil {
		return fmt.Errorf("daemon start: %w", err)
	}

	d.wg.Add(1)
	go d.runLoop()

	d.auditSystem(audit.KindDaemonStart, map[string]any{"mode": string(d.mode)})
	logger.Infof("daemon started in %s mode, %d brokers, %d instruments watched",
		d.mode, len(d.brokers), len(d.watchlist))

	for name, s := range d.streams {
		s.Run(ctx)
		for _, ticker := range d.watchlist {
			if err := s.Subscribe(ctx, ticker); err != nil {
				logger.Warnf("daemon: subscribe %s on %s: %v", ticker, name, err)
			}
		}
	}
	for _, m := range d.monitors {
		m.Run(ctx)
	}

	// Broker state may have moved while we were down.
	_ = d.Send(NewEvent(EvtReconcileRequest, ReconcileRequestPayload{Reason: "startup"}))
	return nil
}

// Stop drains in an orderly sequence: stop intake of new signals, cancel
// open orders, flush a final snapshot, then tear the loop down.
func (d *Daemon) Stop(ctx context.Context) {
	logger.Infof("daemon stopping")

	cancelled := d.orders.CancelOpen(ctx)
	if cancelled > 0 {
		logger.Infof("daemon: cancelling %d open orders before shutdown", cancelled)
		// Give cancel results a moment to land on the loop.
		deadline := time.NewTimer(5 * time.Second)
		tick := time.NewTicker(100 * time.Millisecond)
	drain:
		for {
			select {
			case <-deadline.C:
				break drain
			case <-tick.C:
				if len(d.orders.Open()) == 0 {
					break drain
				}
			}
		}
		deadline.Stop()
		tick.Stop()
	}

	if err := d.SendSync(ctx, NewEvent(EvtSnapshot, struct{}{})); err != nil {
		logger.Warnf("daemon: final snapshot failed: %v", err)
	}
	d.auditSystem(audit.KindDaemonStop, nil)

	close(d.stopCh)
	d.wg.Wait()

	for _, s := range d.streams {
		s.Close()
	}
	for _, m := range d.monitors {
		m.Close()
	}
	logger.Infof("daemon stopped")
}

func (d *Daemon) runLoop() {
	defer d.wg.Done()
	logger.Infof("daemon event loop started")
	for {
		select {
		case evt := <-d.msgCh:
			d.handleEvent(evt)
		case <-d.stopCh:
			logger.Infof("daemon event loop stopping")
			return
		}
	}
}

// handleEvent dispatches one event. A panicking handler must not take
// the loop down, and synchronous callers always get their reply.
func (d *Daemon) handleEvent(evt EventEnvelope) {
	var err error
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("daemon panic handling event %s: %v", evt.Type, r)
			debug.PrintStack()
			err = fmt.Errorf("panic: %v", r)
			d.safety.RecordExecutionError()
		}
		if evt.ReplyCh != nil {
			evt.ReplyCh <- err
			close(evt.ReplyCh)
		}
		if dur := time.Since(start); dur > slowHandlerWarn {
			logger.Warnf("slow event %s took %v", evt.Type, dur)
		}
	}()

	handler, ok := d.registry.Get(evt.Type)
	if !ok {
		logger.Warnf("no handler registered for event type: %s", evt.Type)
		return
	}

	ctx := NewHandlerContext(d)
	err = handler.Handle(ctx, evt.Payload, evt.ID)
	if err != nil {
		logger.Errorf("daemon failed to handle %s: %v", evt.Type, err)
	}
}

// recover hydrates loop state from the last snapshot.
func (d *Daemon) recover() error {
	d.tradingDay = d.nowFn().UTC().Format("2006-01-02")
	if d.stateMgr == nil {
		return nil
	}
	snap, ok, err := d.stateMgr.Load()
	if err != nil {
		return err
	}
	if !ok {
		logger.Infof("daemon: no snapshot found, starting fresh")
		return nil
	}

	d.orders.Restore(snap.Orders)
	for t, p := range snap.Positions {
		d.positions[t] = p
	}
	d.refreshBook()
	sameDay := snap.TradingDay == d.tradingDay
	if sameDay {
		d.safety.Hydrate(snap.TradesToday, snap.RealizedPnL, snap.Switches)
	} else {
		// Stale snapshot from a previous trading day: counters reset,
		// but a manual switch survives restarts unconditionally.
		for _, rec := range snap.Switches {
			if rec.Switch == safety.SwitchManual {
				d.safety.Hydrate(0, decimal.Zero, []safety.TripRecord{rec})
			}
		}
	}
	open := 0
	for _, o := range snap.Orders {
		if !o.Terminal() {
			open++
		}
	}
	logger.Infof("daemon: recovered snapshot from %s: %d orders (%d open), %d positions, %d switches",
		snap.SavedAt.Format(time.RFC3339), len(snap.Orders), open, len(snap.Positions), len(snap.Switches))
	return nil
}

func (d *Daemon) auditSystem(kind string, details map[string]any) {
	if d.audit == nil {
		return
	}
	entry := audit.Entry{Kind: kind, Mode: string(d.mode), Details: details}
	if err := d.audit.Append(entry); err != nil {
		logger.Errorf("audit append failed: %v", err)
	}
}
