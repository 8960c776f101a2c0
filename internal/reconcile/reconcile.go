// Package reconcile compares the daemon's internal position book
// against the broker's. The broker is authoritative: every divergence
// is reported and the corrected book mirrors the broker side.
package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"tiller/internal/broker"
)

// Mismatch is one ticker held on both sides with different sizes.
type Mismatch struct {
	Ticker           string          `json:"ticker"`
	InternalQuantity decimal.Decimal `json:"internal_quantity"`
	BrokerQuantity   decimal.Decimal `json:"broker_quantity"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Broker           string     `json:"broker"`
	At               time.Time  `json:"at"`
	OrphanedInternal []string   `json:"orphaned_internal,omitempty"` // held internally, unknown to the broker
	OrphanedBroker   []string   `json:"orphaned_broker,omitempty"`   // held at the broker, unknown internally
	SizeMismatches   []Mismatch `json:"size_mismatches,omitempty"`
}

// IsClean reports whether both books agree.
func (r *Report) IsClean() bool {
	return len(r.OrphanedInternal) == 0 && len(r.OrphanedBroker) == 0 && len(r.SizeMismatches) == 0
}

// Compare diffs the internal book against the broker's holdings and
// returns the report plus the corrected book keyed by ticker. Orphaned
// broker positions are adopted; orphaned internal ones are dropped;
// size mismatches take the broker quantity.
func Compare(brokerName string, internal map[string]*broker.Position, remote []broker.Position, now time.Time) (*Report, map[string]*broker.Position) {
	rep := &Report{Broker: brokerName, At: now}
	corrected := make(map[string]*broker.Position, len(remote))

	seen := make(map[string]bool, len(remote))
	for i := range remote {
		rp := remote[i]
		if rp.Quantity.IsZero() {
			continue
		}
		seen[rp.Ticker] = true
		ip, held := internal[rp.Ticker]
		if !held {
			rep.OrphanedBroker = append(rep.OrphanedBroker, rp.Ticker)
			adopted := rp
			adopted.Broker = brokerName
			adopted.UpdatedAt = now
			corrected[rp.Ticker] = &adopted
			continue
		}
		if !ip.Quantity.Equal(rp.Quantity) {
			rep.SizeMismatches = append(rep.SizeMismatches, Mismatch{
				Ticker:           rp.Ticker,
				InternalQuantity: ip.Quantity,
				BrokerQuantity:   rp.Quantity,
			})
		}
		kept := *ip
		kept.Quantity = rp.Quantity
		if rp.AvgCost.IsPositive() {
			kept.AvgCost = rp.AvgCost
		}
		kept.UpdatedAt = now
		corrected[rp.Ticker] = &kept
	}

	for ticker := range internal {
		if !seen[ticker] {
			rep.OrphanedInternal = append(rep.OrphanedInternal, ticker)
		}
	}
	return rep, corrected
}
