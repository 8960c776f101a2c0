// Package heartbeat watches broker connectivity. A failed health check
// starts a reconnect window; recovery requests a reconciliation, and a
// window that runs out escalates so the safety layer can halt trading.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"tiller/internal/broker"
	"tiller/internal/logger"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultReconnectWindow = 5 * time.Minute
	pingTimeout            = 10 * time.Second
	backlogWarnThreshold   = 64
)

// EventKind labels connectivity transitions delivered to the loop.
type EventKind string

const (
	BrokerDisconnected EventKind = "broker_disconnected"
	BrokerReconnected  EventKind = "broker_reconnected"
	ReconnectExhausted EventKind = "reconnect_exhausted"
	QueueBacklog       EventKind = "queue_backlog"
)

// Event is one connectivity transition for a broker.
type Event struct {
	Broker   string        `json:"broker"`
	Kind     EventKind     `json:"kind"`
	Reason   string        `json:"reason,omitempty"`
	Downtime time.Duration `json:"downtime,omitempty"`
	Depth    int           `json:"depth,omitempty"`
	At       time.Time     `json:"at"`
}

// Monitor pings one broker on a fixed interval and tracks connectivity.
type Monitor struct {
	b        broker.Broker
	interval time.Duration
	window   time.Duration
	emit     func(Event)
	backlog  func() int // event queue depth, logged with each check
	nowFn    func() time.Time

	mu        sync.Mutex
	connected bool
	downSince time.Time
	escalated bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a monitor. emit enqueues connectivity events onto the event
// loop; backlog reports the loop's queue depth for the health log line.
func New(b broker.Broker, emit func(Event), backlog func() int) *Monitor {
	return &Monitor{
		b:         b,
		interval:  DefaultInterval,
		window:    DefaultReconnectWindow,
		emit:      emit,
		backlog:   backlog,
		nowFn:     time.Now,
		connected: true,
	}
}

// Run drives the check loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()
}

// Close stops the check loop.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Connected reports the current view of broker connectivity.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Monitor) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := m.b.Ping(pctx)
	cancel()
	now := m.nowFn()

	if depth := m.backlog(); depth >= backlogWarnThreshold {
		logger.Warnf("heartbeat %s: queue backlog %d", m.b.Name(), depth)
		m.emit(Event{Broker: m.b.Name(), Kind: QueueBacklog, Depth: depth, At: now})
	} else if depth > 0 {
		logger.Debugf("heartbeat %s: queue backlog %d", m.b.Name(), depth)
	}

	m.mu.Lock()
	wasConnected := m.connected
	if err == nil {
		m.connected = true
		downSince := m.downSince
		escalated := m.escalated
		m.downSince = time.Time{}
		m.escalated = false
		m.mu.Unlock()

		if !wasConnected {
			downtime := now.Sub(downSince)
			logger.Infof("heartbeat %s: reconnected after %s", m.b.Name(), downtime.Round(time.Second))
			m.emit(Event{
				Broker:   m.b.Name(),
				Kind:     BrokerReconnected,
				Downtime: downtime,
				At:       now,
			})
			_ = escalated // the reconnected event triggers reconciliation either way
		}
		return
	}

	m.connected = false
	if wasConnected {
		m.downSince = now
		m.mu.Unlock()
		logger.Warnf("heartbeat %s: health check failed: %v", m.b.Name(), err)
		m.emit(Event{Broker: m.b.Name(), Kind: BrokerDisconnected, Reason: err.Error(), At: now})
		return
	}

	down := now.Sub(m.downSince)
	escalate := down >= m.window && !m.escalated
	if escalate {
		m.escalated = true
	}
	m.mu.Unlock()

	if escalate {
		logger.Errorf("heartbeat %s: unreachable for %s, escalating", m.b.Name(), down.Round(time.Second))
		m.emit(Event{
			Broker:   m.b.Name(),
			Kind:     ReconnectExhausted,
			Reason:   err.Error(),
			Downtime: down,
			At:       now,
		})
	} else {
		logger.Warnf("heartbeat %s: still down (%s): %v", m.b.Name(), down.Round(time.Second), err)
	}
}
