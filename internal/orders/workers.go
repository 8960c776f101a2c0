package orders

import (
	"context"
	"time"

	"tiller/internal/broker"
	"tiller/internal/logger"
)

const workerTimeout = 20 * time.Second

// submitWorker runs the pre-submission slippage guard and the rate-limited
// submit call with the retry policy, then reports back to the loop.
func (m *Manager) submitWorker(b broker.Broker, req broker.OrderRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), workerTimeout)
	defer cancel()

	cb := m.breakerFor(req.Broker)
	if !cb.Allow() {
		m.emit(Update{
			ClientID: req.ClientID, Kind: UpdateSubmit,
			Err: "circuit open for " + req.Broker, ErrKind: broker.KindTransient, At: m.nowFn(),
		})
		return
	}

	if err := m.rate.Acquire(ctx, req.Broker); err != nil {
		m.emit(Update{
			ClientID: req.ClientID, Kind: UpdateSubmit,
			Err: err.Error(), ErrKind: broker.KindTransient, At: m.nowFn(),
		})
		return
	}

	if reason := m.slippageGuard(ctx, b, req); reason != "" {
		m.emit(Update{
			ClientID: req.ClientID, Kind: UpdateSubmit,
			Err: reason, ErrKind: broker.KindRejected, At: m.nowFn(),
		})
		return
	}

	res, ambiguous, err := m.submitWithRetry(ctx, b, req)
	// Rejections mean the broker answered; only connectivity-shaped
	// failures count against the circuit.
	if err != nil && broker.Classify(err) != broker.KindRejected {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	u := Update{ClientID: req.ClientID, Kind: UpdateSubmit, At: m.nowFn()}
	switch {
	case ambiguous:
		u.Ambiguous = true
		u.Err = err.Error()
		u.ErrKind = broker.KindAmbiguous
	case err != nil:
		u.Err = err.Error()
		u.ErrKind = broker.Classify(err)
	default:
		u.Result = res
	}
	m.emit(u)
}

// slippageGuard rejects orders whose market has moved too far from the
// signal price. Quote failures do not block submission.
func (m *Manager) slippageGuard(ctx context.Context, b broker.Broker, req broker.OrderRequest) string {
	if !m.cfg.MaxSlippagePct.IsPositive() || !req.SignalPrice.IsPositive() {
		return ""
	}
	q, err := b.GetQuote(ctx, req.Ticker)
	if err != nil {
		logger.Warnf("slippage check for %s skipped, quote failed: %v", req.Ticker, err)
		return ""
	}
	mid := q.Mid()
	if !mid.IsPositive() {
		return ""
	}
	drift := mid.Sub(req.SignalPrice).Abs().Div(req.SignalPrice)
	if drift.GreaterThan(m.cfg.MaxSlippagePct) {
		return "slippage " + drift.StringFixed(4) + " exceeds limit " + m.cfg.MaxSlippagePct.String()
	}
	return ""
}

// submitWithRetry applies the error taxonomy: transient errors retry
// with backoff, rejected and fatal errors return immediately, and an
// ambiguous delivery error is NEVER retried because the first attempt
// may have gone through. Retrying it could double the position.
func (m *Manager) submitWithRetry(ctx context.Context, b broker.Broker, req broker.OrderRequest) (*broker.SubmitResult, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.RetryBackoff * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return nil, true, ctx.Err()
			case <-time.After(backoff):
			}
			logger.Infof("retrying order %s for %s (attempt %d)", req.ClientID, req.Ticker, attempt+1)
		}
		res, err := b.SubmitOrder(ctx, req)
		if err == nil {
			return res, false, nil
		}
		lastErr = err
		switch broker.Classify(err) {
		case broker.KindTransient:
			continue
		case broker.KindAmbiguous:
			return nil, true, err
		default:
			return nil, false, err
		}
	}
	return nil, false, lastErr
}

// pollWorker fetches the order status and reports it back to the loop.
func (m *Manager) pollWorker(ctx context.Context, b broker.Broker, brokerName, brokerOrderID, clientID string) {
	ctx, cancel := context.WithTimeout(ctx, workerTimeout)
	defer cancel()

	u := Update{ClientID: clientID, Kind: UpdatePoll, At: m.nowFn()}
	if err := m.rate.Acquire(ctx, brokerName); err != nil {
		u.Err = err.Error()
		m.emit(u)
		return
	}
	rep, err := b.OrderStatus(ctx, brokerOrderID)
	if err != nil {
		u.Err = err.Error()
		u.ErrKind = broker.Classify(err)
		m.emit(u)
		return
	}
	u.Report = rep
	m.emit(u)
}

// cancelWorker cancels one order at the broker and reports the result.
// Orders that never got a broker id have nothing to cancel remotely.
func (m *Manager) cancelWorker(ctx context.Context, b broker.Broker, o *Order) {
	ctx, cancel := context.WithTimeout(ctx, workerTimeout)
	defer cancel()

	u := Update{ClientID: o.Request.ClientID, Kind: UpdateCancel, At: m.nowFn()}
	if o.BrokerOrderID == "" {
		m.emit(u)
		return
	}
	if err := m.rate.Acquire(ctx, o.Request.Broker); err != nil {
		u.Err = err.Error()
		m.emit(u)
		return
	}
	if err := b.CancelOrder(ctx, o.BrokerOrderID); err != nil && broker.Classify(err) != broker.KindRejected {
		// A "rejected" cancel usually means the order already reached a
		// terminal state at the broker; the next poll settles it.
		u.Err = err.Error()
		u.ErrKind = broker.Classify(err)
	}
	m.emit(u)
}
