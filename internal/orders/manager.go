package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/audit"
	"tiller/internal/broker"
	"tiller/internal/guard"
	"tiller/internal/logger"
)

// Partial-fill resolution thresholds. Applied when a working order hits
// its fill timeout with a partial quantity.
var (
	treatAsFullRatio   = decimal.NewFromFloat(0.8)
	acceptPartialRatio = decimal.NewFromFloat(0.3)
)

// Config tunes the manager. Zero fields fall back to defaults.
type Config struct {
	FillTimeout    time.Duration   // working order with no terminal report is resolved after this
	SubmitRetries  int             // extra attempts for transient submit errors
	RetryBackoff   time.Duration   // base backoff between submit attempts
	MaxSlippagePct decimal.Decimal // reject when |mid-signal|/signal exceeds this, 0 disables
	MinRiskReward  decimal.Decimal // flag fills below this risk:reward, 0 disables
}

func (c *Config) withDefaults() {
	if c.FillTimeout <= 0 {
		c.FillTimeout = 30 * time.Second
	}
	if c.SubmitRetries <= 0 {
		c.SubmitRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// UpdateKind labels asynchronous worker results.
type UpdateKind string

const (
	UpdateSubmit UpdateKind = "submit_result"
	UpdatePoll   UpdateKind = "poll_result"
	UpdateCancel UpdateKind = "cancel_result"
)

// Update is the result an order worker reports back to the event loop.
// Workers never touch order state; they only emit updates.
type Update struct {
	ClientID  string              `json:"client_id"`
	Kind      UpdateKind          `json:"kind"`
	Result    *broker.SubmitResult `json:"result,omitempty"`
	Report    *broker.OrderReport `json:"report,omitempty"`
	Ambiguous bool                `json:"ambiguous,omitempty"`
	Err       string              `json:"error,omitempty"`
	ErrKind   broker.ErrKind      `json:"error_kind,omitempty"`
	At        time.Time           `json:"at"`
}

// EffectKind classifies side effects the caller must carry out after an
// order transition. The manager never mutates positions itself.
type EffectKind string

const (
	EffectOpenPosition  EffectKind = "open_position"
	EffectCloseResidual EffectKind = "close_residual"
	EffectRiskFlag      EffectKind = "risk_flag"
)

// Effect describes one follow-up action for the caller.
type Effect struct {
	Kind     EffectKind
	Order    *Order
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Manager tracks every in-flight order. All state-mutating methods must
// be called from the event loop; network I/O runs in workers that report
// back through the emit callback.
type Manager struct {
	mu       sync.Mutex
	orders   map[string]*Order // client id -> order
	byBroker map[string]string // broker order id -> client id

	brokers map[string]broker.Broker
	dup     *guard.DuplicateGuard
	rate    *guard.RateLimiter
	audit   *audit.Log
	cfg     Config
	emit    func(Update)
	nowFn   func() time.Time

	breakerMu sync.Mutex
	breakers  map[string]*guard.Breaker
}

// NewManager wires the manager. emit enqueues worker results back onto
// the event loop; it must be safe to call from any goroutine.
func NewManager(brokers map[string]broker.Broker, dup *guard.DuplicateGuard, rate *guard.RateLimiter, auditLog *audit.Log, cfg Config, emit func(Update)) *Manager {
	cfg.withDefaults()
	return &Manager{
		orders:   make(map[string]*Order),
		byBroker: make(map[string]string),
		brokers:  brokers,
		dup:      dup,
		rate:     rate,
		audit:    auditLog,
		cfg:      cfg,
		emit:     emit,
		nowFn:    time.Now,
		breakers: make(map[string]*guard.Breaker),
	}
}

// breakerFor returns the submit circuit breaker for one broker.
func (m *Manager) breakerFor(name string) *guard.Breaker {
	m.breakerMu.Lock()
	defer m.breakerMu.Unlock()
	cb, ok := m.breakers[name]
	if !ok {
		cb = guard.NewBreaker(name, 4, 30*time.Second)
		m.breakers[name] = cb
	}
	return cb
}

// Get returns the order for a client id.
func (m *Manager) Get(clientID string) (*Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientID]
	return o, ok
}

// Open returns all non-terminal orders sorted by submission time.
func (m *Manager) Open() []*Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		if !o.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// All returns every tracked order, terminal included.
func (m *Manager) All() []*Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Restore re-registers orders loaded from a snapshot. Non-terminal
// orders resume timeout tracking and polling on the next tick.
func (m *Manager) Restore(orders []*Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		o.pollInFlight = false
		m.orders[o.Request.ClientID] = o
		if o.BrokerOrderID != "" {
			m.byBroker[o.BrokerOrderID] = o.Request.ClientID
		}
	}
}

// Submit registers a new order and dispatches the submit worker. The
// duplicate guard is consulted first; a rejected request never reaches
// the broker.
func (m *Manager) Submit(req broker.OrderRequest) (*Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	b, ok := m.brokers[req.Broker]
	if !ok {
		return nil, fmt.Errorf("order request for %s: unknown broker %q", req.Ticker, req.Broker)
	}
	// Exit orders reduce risk; only entries go through the duplicate guard.
	if !req.ReduceOnly {
		if err := m.dup.Check(req.Ticker, req.Direction); err != nil {
			m.auditEntry(audit.KindSignalRejected, &req, "", map[string]any{"reason": "duplicate"}, err)
			return nil, err
		}
	}

	now := m.nowFn()
	o := &Order{
		Request:     req,
		Status:      broker.StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	if _, exists := m.orders[req.ClientID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("order %s: client id already tracked", req.ClientID)
	}
	m.orders[req.ClientID] = o
	m.mu.Unlock()

	m.auditEntry(audit.KindOrderSubmitted, &req, "", map[string]any{
		"quantity": req.Quantity.String(),
		"kind":     string(req.Kind),
	}, nil)

	go m.submitWorker(b, req)
	return o, nil
}

// Tick drives timeout resolution and status polling. Called from the
// event loop on every scheduler tick.
func (m *Manager) Tick(ctx context.Context) []Effect {
	now := m.nowFn()
	var effects []Effect

	m.mu.Lock()
	var polls []*Order
	for _, o := range m.orders {
		if o.Terminal() {
			continue
		}
		// An assumed-submitted order has an unknown broker-side outcome
		// and no broker id to cancel against. Locally cancelling it would
		// reopen the duplicate window while the first attempt may still
		// be live, so it holds until a reconciliation pass or an operator
		// settles it.
		if o.AssumedSubmitted {
			continue
		}
		age := now.Sub(o.SubmittedAt)
		if age >= m.cfg.FillTimeout {
			effects = append(effects, m.resolveTimeoutLocked(o, now)...)
			continue
		}
		if o.Status != broker.StatusPending && o.BrokerOrderID != "" && !o.pollInFlight {
			o.pollInFlight = true
			polls = append(polls, o)
		}
	}
	m.mu.Unlock()

	for _, o := range polls {
		b := m.brokers[o.Request.Broker]
		go m.pollWorker(ctx, b, o.Request.Broker, o.BrokerOrderID, o.Request.ClientID)
	}
	return effects
}

// resolveTimeoutLocked handles an order that exceeded the fill timeout.
// No fills: cancel outright. Partial fills: apply the resolution policy.
// Caller holds m.mu.
func (m *Manager) resolveTimeoutLocked(o *Order, now time.Time) []Effect {
	if o.FilledQuantity.IsZero() {
		logger.Warnf("order %s (%s %s) timed out with no fills, cancelling", o.ID(), o.Request.Ticker, o.Request.Direction)
		m.cancelRemote(o)
		if err := o.transition(broker.StatusCancelled, now); err != nil {
			logger.Errorf("timeout cancel: %v", err)
			return nil
		}
		m.auditEntry(audit.KindOrderTimeout, &o.Request, o.BrokerOrderID, map[string]any{
			"filled": "0", "age": now.Sub(o.SubmittedAt).String(),
		}, nil)
		return nil
	}
	return m.resolvePartialLocked(o, now)
}

// resolvePartialLocked applies the partial-fill policy:
//
//	ratio >= 0.8  treat as full at the filled size
//	0.3 <= r < .8 accept at the filled size, cancel the remainder
//	ratio <  0.3  accept, cancel the remainder, close the residual
//
// Caller holds m.mu.
func (m *Manager) resolvePartialLocked(o *Order, now time.Time) []Effect {
	ratio := o.FillRatio()
	remaining := o.Remaining()
	m.cancelRemote(o)

	target := broker.StatusCancelled
	if ratio.GreaterThanOrEqual(treatAsFullRatio) {
		target = broker.StatusFilled
	}
	if err := o.transition(target, now); err != nil {
		logger.Errorf("partial resolution: %v", err)
		return nil
	}

	details := map[string]any{
		"filled":    o.FilledQuantity.String(),
		"requested": o.Request.Quantity.String(),
		"ratio":     ratio.StringFixed(4),
		"remaining": remaining.String(),
	}
	effects := []Effect{{
		Kind:     EffectOpenPosition,
		Order:    o,
		Quantity: o.FilledQuantity,
		Price:    o.AvgFillPrice,
	}}
	effects = append(effects, m.fillQualityLocked(o)...)

	switch {
	case ratio.GreaterThanOrEqual(treatAsFullRatio):
		details["resolution"] = "treated_as_full"
	case ratio.GreaterThanOrEqual(acceptPartialRatio):
		details["resolution"] = "accepted_partial"
	default:
		details["resolution"] = "closed_residual"
		effects = append(effects, Effect{
			Kind:     EffectCloseResidual,
			Order:    o,
			Quantity: o.FilledQuantity,
			Price:    o.AvgFillPrice,
		})
	}
	m.auditEntry(audit.KindOrderPartialFill, &o.Request, o.BrokerOrderID, details, nil)
	logger.Infof("order %s resolved partial fill %s/%s (%s)",
		o.ID(), o.FilledQuantity, o.Request.Quantity, details["resolution"])
	return effects
}

// HandleUpdate applies a worker result to the state machine and returns
// the side effects the caller must carry out. Called from the event loop.
func (m *Manager) HandleUpdate(u Update) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[u.ClientID]
	if !ok {
		return nil, fmt.Errorf("order update for unknown client id %s", u.ClientID)
	}

	switch u.Kind {
	case UpdateSubmit:
		return m.applySubmitLocked(o, u)
	case UpdatePoll:
		o.pollInFlight = false
		if u.Report == nil {
			if u.Err != "" {
				logger.Warnf("order %s status poll failed: %s", o.ID(), u.Err)
			}
			return nil, nil
		}
		return m.applyReportLocked(o, u.Report, u.At)
	case UpdateCancel:
		if u.Err != "" {
			logger.Warnf("order %s cancel failed: %s", o.ID(), u.Err)
			return nil, nil
		}
		if o.Terminal() {
			return nil, nil
		}
		if err := o.transition(broker.StatusCancelled, u.At); err != nil {
			return nil, err
		}
		m.auditEntry(audit.KindOrderCancelled, &o.Request, o.BrokerOrderID, nil, nil)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown order update kind %q", u.Kind)
	}
}

// applySubmitLocked resolves the submit worker result.
func (m *Manager) applySubmitLocked(o *Order, u Update) ([]Effect, error) {
	now := u.At
	if u.Ambiguous {
		// The submission may have reached the broker. Hold the order as
		// submitted with no broker id; reconciliation is authoritative.
		o.AssumedSubmitted = true
		if err := o.transition(broker.StatusSubmitted, now); err != nil {
			return nil, err
		}
		m.auditEntry(audit.KindOrderAcked, &o.Request, "", map[string]any{
			"ambiguous": true, "error": u.Err,
		}, nil)
		logger.Warnf("order %s submission ambiguous, assuming submitted: %s", o.Request.ClientID, u.Err)
		return nil, nil
	}
	if u.Err != "" {
		if err := o.transition(broker.StatusRejected, now); err != nil {
			return nil, err
		}
		m.auditEntry(audit.KindOrderRejected, &o.Request, "", map[string]any{
			"error_kind": u.ErrKind.String(),
		}, fmt.Errorf("%s", u.Err))
		return nil, nil
	}

	res := u.Result
	o.BrokerOrderID = res.BrokerOrderID
	o.AckedAt = now
	m.byBroker[res.BrokerOrderID] = o.Request.ClientID
	if err := o.transition(broker.StatusSubmitted, now); err != nil {
		return nil, err
	}
	m.auditEntry(audit.KindOrderAcked, &o.Request, res.BrokerOrderID, nil, nil)

	// Some brokers fill market orders inside the submit call.
	if res.Status != "" && res.Status != broker.StatusSubmitted {
		return m.applyReportLocked(o, &broker.OrderReport{
			BrokerOrderID:  res.BrokerOrderID,
			Status:         res.Status,
			FilledQuantity: res.FilledQuantity,
			AvgFillPrice:   res.AvgFillPrice,
			UpdatedAt:      now,
		}, now)
	}
	return nil, nil
}

// applyReportLocked applies a broker status report to the order.
func (m *Manager) applyReportLocked(o *Order, rep *broker.OrderReport, at time.Time) ([]Effect, error) {
	if o.Terminal() {
		return nil, nil
	}
	prevFilled := o.FilledQuantity
	if err := o.applyFill(rep.FilledQuantity, rep.AvgFillPrice, at); err != nil {
		return nil, err
	}
	if err := o.transition(rep.Status, at); err != nil {
		return nil, err
	}

	var effects []Effect
	switch rep.Status {
	case broker.StatusFilled:
		m.auditEntry(audit.KindOrderFilled, &o.Request, o.BrokerOrderID, map[string]any{
			"filled": o.FilledQuantity.String(),
			"price":  o.AvgFillPrice.String(),
		}, nil)
		effects = append(effects, Effect{
			Kind:     EffectOpenPosition,
			Order:    o,
			Quantity: o.FilledQuantity,
			Price:    o.AvgFillPrice,
		})
		effects = append(effects, m.fillQualityLocked(o)...)
	case broker.StatusPartialFill:
		if o.FilledQuantity.GreaterThan(prevFilled) {
			m.auditEntry(audit.KindOrderPartialFill, &o.Request, o.BrokerOrderID, map[string]any{
				"filled":    o.FilledQuantity.String(),
				"requested": o.Request.Quantity.String(),
			}, nil)
		}
	case broker.StatusCancelled, broker.StatusExpired:
		kind := audit.KindOrderCancelled
		if rep.Status == broker.StatusExpired {
			kind = audit.KindOrderExpired
		}
		m.auditEntry(kind, &o.Request, o.BrokerOrderID, map[string]any{
			"filled": o.FilledQuantity.String(),
		}, nil)
		if o.FilledQuantity.IsPositive() {
			effects = append(effects, Effect{
				Kind:     EffectOpenPosition,
				Order:    o,
				Quantity: o.FilledQuantity,
				Price:    o.AvgFillPrice,
			})
		}
	case broker.StatusRejected:
		m.auditEntry(audit.KindOrderRejected, &o.Request, o.BrokerOrderID, nil, nil)
	}
	return effects, nil
}

// fillQualityLocked checks the realized risk:reward of a fill against
// the configured minimum and flags orders that fall below it.
func (m *Manager) fillQualityLocked(o *Order) []Effect {
	if !m.cfg.MinRiskReward.IsPositive() {
		return nil
	}
	req := o.Request
	if !req.StopLoss.IsPositive() || !req.TakeProfit.IsPositive() || !o.AvgFillPrice.IsPositive() {
		return nil
	}
	risk := o.AvgFillPrice.Sub(req.StopLoss).Abs()
	if risk.IsZero() {
		return nil
	}
	reward := req.TakeProfit.Sub(o.AvgFillPrice).Abs()
	rr := reward.Div(risk)
	if rr.GreaterThanOrEqual(m.cfg.MinRiskReward) {
		return nil
	}
	o.RiskFlagged = true
	m.auditEntry(audit.KindExecutionError, &req, o.BrokerOrderID, map[string]any{
		"reason":      "risk_reward_below_minimum",
		"risk_reward": rr.StringFixed(4),
		"minimum":     m.cfg.MinRiskReward.String(),
	}, nil)
	logger.Warnf("order %s filled at %s with risk:reward %s below minimum %s",
		o.ID(), o.AvgFillPrice, rr.StringFixed(2), m.cfg.MinRiskReward)
	return []Effect{{Kind: EffectRiskFlag, Order: o}}
}

// CancelOpen dispatches cancel workers for every non-terminal order.
// Used when a kill switch trips and during shutdown.
func (m *Manager) CancelOpen(ctx context.Context) int {
	open := m.Open()
	for _, o := range open {
		b := m.brokers[o.Request.Broker]
		go m.cancelWorker(ctx, b, o)
	}
	return len(open)
}

// cancelRemote fires a best-effort remote cancel without waiting for a
// result event. Used on the timeout path where the local transition is
// already decided.
func (m *Manager) cancelRemote(o *Order) {
	if o.BrokerOrderID == "" {
		return
	}
	b := m.brokers[o.Request.Broker]
	id := o.BrokerOrderID
	name := o.Request.Broker
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.rate.Acquire(ctx, name); err == nil {
			if err := b.CancelOrder(ctx, id); err != nil {
				logger.Warnf("remote cancel of %s failed: %v", id, err)
			}
		}
	}()
}

func (m *Manager) auditEntry(kind string, req *broker.OrderRequest, brokerID string, details map[string]any, err error) {
	if m.audit == nil {
		return
	}
	e := audit.Entry{
		Kind:      kind,
		Broker:    req.Broker,
		Ticker:    req.Ticker,
		Direction: string(req.Direction),
		OrderID:   brokerID,
		Details:   details,
	}
	if e.OrderID == "" {
		e.OrderID = req.ClientID
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := m.audit.Append(e); aerr != nil {
		logger.Errorf("audit append failed: %v", aerr)
	}
}
