// Package notify pushes operator alerts for events that need human
// attention: fills, rejections, kill switches, reconciliation drift.
package notify

import (
	"fmt"
	"strings"
	"time"

	"tiller/internal/logger"
	"tiller/internal/reconcile"
	"tiller/internal/safety"
)

// TextNotifier is the minimal push interface. Kept small so callers
// never import a concrete transport.
type TextNotifier interface {
	SendText(text string) error
}

// Nop discards every notification. Used when no channel is configured.
type Nop struct{}

func (Nop) SendText(string) error { return nil }

// Alerter formats daemon events into operator messages and sends them
// in the background. Notification failures are logged, never fatal.
type Alerter struct {
	n TextNotifier
}

func NewAlerter(n TextNotifier) *Alerter {
	if n == nil {
		n = Nop{}
	}
	return &Alerter{n: n}
}

func (a *Alerter) send(text string) {
	go func() {
		if err := a.n.SendText(text); err != nil {
			logger.Warnf("notify: send failed: %v", err)
		}
	}()
}

// Fill announces a completed order.
func (a *Alerter) Fill(ticker, direction, quantity, price string) {
	a.send(fmt.Sprintf("✅ FILL %s %s qty=%s px=%s", strings.ToUpper(direction), ticker, quantity, price))
}

// Rejection announces a rejected order.
func (a *Alerter) Rejection(ticker, direction, reason string) {
	a.send(fmt.Sprintf("⛔ REJECTED %s %s: %s", strings.ToUpper(direction), ticker, reason))
}

// KillSwitch announces a tripped or cleared switch.
func (a *Alerter) KillSwitch(rec safety.TripRecord, cleared bool) {
	if cleared {
		a.send(fmt.Sprintf("🟢 kill switch cleared: %s", rec.Switch))
		return
	}
	a.send(fmt.Sprintf("🛑 KILL SWITCH %s: %s (at %s)", rec.Switch, rec.Reason, rec.At.Format(time.RFC3339)))
}

// ReconcileDrift announces a reconciliation pass that found divergence.
func (a *Alerter) ReconcileDrift(rep *reconcile.Report) {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ reconciliation drift on %s:\n", rep.Broker)
	if len(rep.OrphanedInternal) > 0 {
		fmt.Fprintf(&b, "  dropped internal-only: %s\n", strings.Join(rep.OrphanedInternal, ", "))
	}
	if len(rep.OrphanedBroker) > 0 {
		fmt.Fprintf(&b, "  adopted broker-only: %s\n", strings.Join(rep.OrphanedBroker, ", "))
	}
	for _, mm := range rep.SizeMismatches {
		fmt.Fprintf(&b, "  %s size %s -> %s\n", mm.Ticker, mm.InternalQuantity, mm.BrokerQuantity)
	}
	a.send(b.String())
}

// Downtime announces a broker outage state change.
func (a *Alerter) Downtime(brokerName, detail string) {
	a.send(fmt.Sprintf("📡 %s: %s", brokerName, detail))
}
