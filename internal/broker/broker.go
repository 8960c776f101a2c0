package broker

import "context"

// Broker is the capability set the daemon requires from any broker
// backend. One adapter per broker; adapters live in subpackages.
type Broker interface {
	Name() string

	SubmitOrder(ctx context.Context, req OrderRequest) (*SubmitResult, error)

	CancelOrder(ctx context.Context, brokerOrderID string) error

	OrderStatus(ctx context.Context, brokerOrderID string) (*OrderReport, error)

	ListPositions(ctx context.Context) ([]Position, error)

	Account(ctx context.Context) (Account, error)

	GetQuote(ctx context.Context, ticker string) (Quote, error)

	Ping(ctx context.Context) error
}

// QuoteStreamer is an optional capability: brokers with a push feed
// implement it; the price stream falls back to polling otherwise.
type QuoteStreamer interface {
	SubscribeQuotes(ctx context.Context, ticker string, callback func(Quote)) error

	UnsubscribeQuotes(ctx context.Context, ticker string) error
}
