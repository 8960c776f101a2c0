// Package pricestream keeps one fresh quote per subscribed instrument.
// Push feeds are preferred when the broker offers one; a polling loop
// covers everything else. Quotes older than the staleness threshold are
// tagged stale so downstream checks can refuse to act on them.
package pricestream

import (
	"context"
	"sync"
	"time"

	"tiller/internal/broker"
	"tiller/internal/logger"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultStaleAfter   = 60 * time.Second
)

// Tick is one price update delivered to the event loop.
type Tick struct {
	Ticker string       `json:"ticker"`
	Quote  broker.Quote `json:"quote"`
	Stale  bool         `json:"stale"`
	At     time.Time    `json:"at"`
}

// Disconnect reports a lost push subscription for one instrument.
type Disconnect struct {
	Ticker string    `json:"ticker"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type subscription struct {
	ticker     string
	push       bool
	lastUpdate time.Time
	lastQuote  broker.Quote
	staleSent  bool
}

// Stream manages per-instrument quote flow for a single broker.
type Stream struct {
	b       broker.Broker
	streamer broker.QuoteStreamer // nil when the broker has no push feed

	pollInterval time.Duration
	staleAfter   time.Duration

	mu   sync.Mutex
	subs map[string]*subscription

	emitTick       func(Tick)
	emitDisconnect func(Disconnect)
	nowFn          func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a stream. emitTick and emitDisconnect enqueue events onto
// the event loop and must be safe to call from any goroutine.
func New(b broker.Broker, emitTick func(Tick), emitDisconnect func(Disconnect)) *Stream {
	streamer, _ := b.(broker.QuoteStreamer)
	return &Stream{
		b:              b,
		streamer:       streamer,
		pollInterval:   DefaultPollInterval,
		staleAfter:     DefaultStaleAfter,
		subs:           make(map[string]*subscription),
		emitTick:       emitTick,
		emitDisconnect: emitDisconnect,
		nowFn:          time.Now,
	}
}

// Subscribe starts price flow for a ticker. Idempotent.
func (s *Stream) Subscribe(ctx context.Context, ticker string) error {
	s.mu.Lock()
	if _, ok := s.subs[ticker]; ok {
		s.mu.Unlock()
		return nil
	}
	sub := &subscription{ticker: ticker, lastUpdate: s.nowFn()}
	s.subs[ticker] = sub
	s.mu.Unlock()

	if s.streamer == nil {
		logger.Infof("price stream: polling %s every %s", ticker, s.pollInterval)
		return nil
	}
	if err := s.streamer.SubscribeQuotes(ctx, ticker, s.pushCallback(ticker)); err != nil {
		logger.Warnf("price stream: push subscribe for %s failed, falling back to polling: %v", ticker, err)
		return nil
	}
	s.mu.Lock()
	sub.push = true
	s.mu.Unlock()
	logger.Infof("price stream: push feed active for %s", ticker)
	return nil
}

// Unsubscribe stops price flow for a ticker.
func (s *Stream) Unsubscribe(ctx context.Context, ticker string) {
	s.mu.Lock()
	sub, ok := s.subs[ticker]
	if ok {
		delete(s.subs, ticker)
	}
	s.mu.Unlock()
	if ok && sub.push && s.streamer != nil {
		if err := s.streamer.UnsubscribeQuotes(ctx, ticker); err != nil {
			logger.Warnf("price stream: unsubscribe %s: %v", ticker, err)
		}
	}
}

func (s *Stream) pushCallback(ticker string) func(broker.Quote) {
	return func(q broker.Quote) {
		now := s.nowFn()
		s.mu.Lock()
		sub, ok := s.subs[ticker]
		if ok {
			sub.lastUpdate = now
			sub.lastQuote = q
			sub.staleSent = false
		}
		s.mu.Unlock()
		if ok {
			s.emitTick(Tick{Ticker: ticker, Quote: q, At: now})
		}
	}
}

// Run drives polling and staleness checks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.pollInterval)
		stale := time.NewTicker(s.staleAfter / 2)
		defer ticker.Stop()
		defer stale.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollOnce(ctx)
			case <-stale.C:
				s.checkStaleness(ctx)
			}
		}
	}()
}

// Close stops the background loop.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// pollOnce fetches a fresh quote for every polled instrument. Push
// instruments are skipped unless their feed has gone quiet.
func (s *Stream) pollOnce(ctx context.Context) {
	now := s.nowFn()
	s.mu.Lock()
	var due []string
	for t, sub := range s.subs {
		if !sub.push || now.Sub(sub.lastUpdate) >= s.pollInterval {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		q, err := s.b.GetQuote(ctx, t)
		if err != nil {
			logger.Warnf("price stream: poll %s: %v", t, err)
			continue
		}
		now := s.nowFn()
		s.mu.Lock()
		if sub, ok := s.subs[t]; ok {
			sub.lastUpdate = now
			sub.lastQuote = q
			sub.staleSent = false
		}
		s.mu.Unlock()
		s.emitTick(Tick{Ticker: t, Quote: q, At: now})
	}
}

// checkStaleness tags instruments whose last update is too old and
// kicks a push resubscribe for dead feeds.
func (s *Stream) checkStaleness(ctx context.Context) {
	now := s.nowFn()
	s.mu.Lock()
	var gone []*subscription
	for _, sub := range s.subs {
		if now.Sub(sub.lastUpdate) >= s.staleAfter && !sub.staleSent {
			sub.staleSent = true
			gone = append(gone, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range gone {
		logger.Warnf("price stream: %s stale, last update %s ago", sub.ticker, now.Sub(sub.lastUpdate).Round(time.Second))
		s.emitTick(Tick{Ticker: sub.ticker, Quote: sub.lastQuote, Stale: true, At: now})
		if sub.push && s.streamer != nil {
			s.emitDisconnect(Disconnect{Ticker: sub.ticker, Reason: "push feed quiet", At: now})
			if err := s.streamer.SubscribeQuotes(ctx, sub.ticker, s.pushCallback(sub.ticker)); err != nil {
				logger.Warnf("price stream: resubscribe %s failed: %v", sub.ticker, err)
			}
		}
	}
}

// LastQuote returns the latest quote and whether it is currently fresh.
func (s *Stream) LastQuote(ticker string) (broker.Quote, bool) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[ticker]
	if !ok || sub.lastQuote.Ticker == "" {
		return broker.Quote{}, false
	}
	return sub.lastQuote, now.Sub(sub.lastUpdate) < s.staleAfter
}
