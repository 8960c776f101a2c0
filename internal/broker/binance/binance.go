// Package binance adapts the Binance spot API to the broker interface.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"tiller/internal/broker"
	"tiller/internal/logger"
)

// Config carries adapter settings.
type Config struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	return c
}

// Broker implements the broker interface over the Binance spot client.
type Broker struct {
	name   string
	client *gobinance.Client

	mu    sync.Mutex
	stops map[string]chan struct{} // ticker -> ws stop channel
}

func New(name string, cfg Config) *Broker {
	cfg = cfg.withDefaults()
	client := gobinance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.RESTBaseURL != "" {
		client.BaseURL = strings.TrimSpace(cfg.RESTBaseURL)
	}
	client.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	if name == "" {
		name = "binance"
	}
	return &Broker{
		name:   name,
		client: client,
		stops:  make(map[string]chan struct{}),
	}
}

func (b *Broker) Name() string { return b.name }

// Binance order ids are per-symbol, so the opaque broker order id is
// "SYMBOL:ID".
func encodeOrderID(symbol string, id int64) string {
	return fmt.Sprintf("%s:%d", symbol, id)
}

func decodeOrderID(s string) (symbol string, id int64, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed order id %q", s)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil {
		return "", 0, fmt.Errorf("malformed order id %q: %w", s, err)
	}
	return parts[0], id, nil
}

// cleanSymbol strips separators: "BTC/USDT" -> "BTCUSDT".
func cleanSymbol(t string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", " ", "").Replace(t))
}

func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.SubmitResult, error) {
	symbol := cleanSymbol(req.Ticker)
	side := gobinance.SideTypeBuy
	if req.Direction == broker.DirectionShort {
		side = gobinance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientID)

	switch req.Kind {
	case broker.OrderMarket:
		svc = svc.Type(gobinance.OrderTypeMarket)
	case broker.OrderLimit:
		svc = svc.Type(gobinance.OrderTypeLimit).
			Price(req.LimitPrice.String()).
			TimeInForce(timeInForce(req.TIF))
	case broker.OrderStop:
		svc = svc.Type(gobinance.OrderTypeStopLossLimit).
			StopPrice(req.StopPrice.String()).
			Price(req.StopPrice.String()).
			TimeInForce(timeInForce(req.TIF))
	case broker.OrderStopLimit:
		svc = svc.Type(gobinance.OrderTypeStopLossLimit).
			StopPrice(req.StopPrice.String()).
			Price(req.LimitPrice.String()).
			TimeInForce(timeInForce(req.TIF))
	default:
		return nil, broker.Rejected("binance.submit", fmt.Errorf("unsupported order kind %q", req.Kind))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("binance.submit", err)
	}

	filled, _ := decimal.NewFromString(res.ExecutedQuantity)
	avg := decimal.Zero
	if filled.IsPositive() {
		quote, qerr := decimal.NewFromString(res.CummulativeQuoteQuantity)
		if qerr == nil && quote.IsPositive() {
			avg = quote.Div(filled)
		}
	}
	return &broker.SubmitResult{
		BrokerOrderID:  encodeOrderID(symbol, res.OrderID),
		Status:         mapStatus(res.Status),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}, nil
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	symbol, id, err := decodeOrderID(brokerOrderID)
	if err != nil {
		return broker.Rejected("binance.cancel", err)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return classify("binance.cancel", err)
	}
	return nil
}

func (b *Broker) OrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderReport, error) {
	symbol, id, err := decodeOrderID(brokerOrderID)
	if err != nil {
		return nil, broker.Rejected("binance.status", err)
	}
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, classify("binance.status", err)
	}
	filled, _ := decimal.NewFromString(o.ExecutedQuantity)
	avg := decimal.Zero
	if filled.IsPositive() {
		quote, qerr := decimal.NewFromString(o.CummulativeQuoteQuantity)
		if qerr == nil && quote.IsPositive() {
			avg = quote.Div(filled)
		}
	}
	return &broker.OrderReport{
		BrokerOrderID:  brokerOrderID,
		Status:         mapStatus(o.Status),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
		UpdatedAt:      time.UnixMilli(o.UpdateTime),
	}, nil
}

// ListPositions reports spot balances as long positions. Quote
// currencies and dust are skipped.
func (b *Broker) ListPositions(ctx context.Context) ([]broker.Position, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify("binance.positions", err)
	}
	now := time.Now()
	var out []broker.Position
	for _, bal := range acct.Balances {
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		total := free.Add(locked)
		if !total.IsPositive() || isQuoteAsset(bal.Asset) {
			continue
		}
		out = append(out, broker.Position{
			Ticker:    bal.Asset,
			Direction: broker.DirectionLong,
			Quantity:  total,
			Broker:    b.name,
			UpdatedAt: now,
		})
	}
	return out, nil
}

func isQuoteAsset(asset string) bool {
	switch strings.ToUpper(asset) {
	case "USDT", "USDC", "BUSD", "FDUSD":
		return true
	}
	return false
}

func (b *Broker) Account(ctx context.Context) (broker.Account, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return broker.Account{}, classify("binance.account", err)
	}
	cash := decimal.Zero
	for _, bal := range acct.Balances {
		if !isQuoteAsset(bal.Asset) {
			continue
		}
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		cash = cash.Add(free).Add(locked)
	}
	return broker.Account{
		Broker:    b.name,
		Equity:    cash,
		Cash:      cash,
		Currency:  "USDT",
		UpdatedAt: time.Now(),
	}, nil
}

func (b *Broker) GetQuote(ctx context.Context, ticker string) (broker.Quote, error) {
	symbol := cleanSymbol(ticker)
	books, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return broker.Quote{}, classify("binance.quote", err)
	}
	if len(books) == 0 {
		return broker.Quote{}, broker.Rejected("binance.quote", fmt.Errorf("no book ticker for %s", symbol))
	}
	bid, _ := decimal.NewFromString(books[0].BidPrice)
	ask, _ := decimal.NewFromString(books[0].AskPrice)
	return broker.Quote{
		Ticker:     ticker,
		Bid:        bid,
		Ask:        ask,
		ObservedAt: time.Now(),
	}, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.NewPingService().Do(ctx); err != nil {
		return classify("binance.ping", err)
	}
	return nil
}

// SubscribeQuotes attaches a best bid/offer websocket stream.
func (b *Broker) SubscribeQuotes(ctx context.Context, ticker string, callback func(broker.Quote)) error {
	symbol := cleanSymbol(ticker)
	handler := func(ev *gobinance.WsBookTickerEvent) {
		bid, _ := decimal.NewFromString(ev.BestBidPrice)
		ask, _ := decimal.NewFromString(ev.BestAskPrice)
		callback(broker.Quote{
			Ticker:     ticker,
			Bid:        bid,
			Ask:        ask,
			ObservedAt: time.Now(),
		})
	}
	errHandler := func(err error) {
		logger.Warnf("binance ws %s: %v", symbol, err)
	}
	_, stopC, err := gobinance.WsBookTickerServe(symbol, handler, errHandler)
	if err != nil {
		return broker.Transient("binance.subscribe", err)
	}
	b.mu.Lock()
	if old, ok := b.stops[ticker]; ok {
		close(old)
	}
	b.stops[ticker] = stopC
	b.mu.Unlock()
	return nil
}

func (b *Broker) UnsubscribeQuotes(ctx context.Context, ticker string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stopC, ok := b.stops[ticker]; ok {
		close(stopC)
		delete(b.stops, ticker)
	}
	return nil
}

func timeInForce(tif broker.TimeInForce) gobinance.TimeInForceType {
	switch tif {
	case broker.TIFIOC:
		return gobinance.TimeInForceTypeIOC
	case broker.TIFGTC, broker.TIFDay:
		return gobinance.TimeInForceTypeGTC
	default:
		return gobinance.TimeInForceTypeGTC
	}
}

func mapStatus(s gobinance.OrderStatusType) broker.Status {
	switch s {
	case gobinance.OrderStatusTypeNew:
		return broker.StatusSubmitted
	case gobinance.OrderStatusTypePartiallyFilled:
		return broker.StatusPartialFill
	case gobinance.OrderStatusTypeFilled:
		return broker.StatusFilled
	case gobinance.OrderStatusTypeCanceled, gobinance.OrderStatusTypePendingCancel:
		return broker.StatusCancelled
	case gobinance.OrderStatusTypeRejected:
		return broker.StatusRejected
	case gobinance.OrderStatusTypeExpired:
		return broker.StatusExpired
	default:
		return broker.StatusSubmitted
	}
}

// classify maps Binance API failures onto the retry taxonomy. Explicit
// API rejections are terminal; rate limits and server hiccups retry;
// anything that could have mutated state falls back on the ambiguous
// reading in broker.Classify.
func classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // rate limited
			return broker.Transient(op, err)
		case -1000, -1001, -1016: // internal error / disconnected
			return broker.Transient(op, err)
		case -1007: // timeout waiting for backend: outcome unknown
			return broker.Ambiguous(op, err)
		default:
			return broker.Rejected(op, err)
		}
	}
	if kind := broker.Classify(err); kind == broker.KindAmbiguous {
		return broker.Ambiguous(op, err)
	}
	return broker.Transient(op, err)
}
