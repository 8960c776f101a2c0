package daemon

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"tiller/internal/broker"
)

// TradeSignal is the external input format. Every field the schema
// marks required must survive validation before the signal is gated.
type TradeSignal struct {
	ID         string          `json:"id"`
	Ticker     string          `json:"ticker"`
	Direction  broker.Direction `json:"direction"`
	Quantity   decimal.Decimal `json:"quantity"`
	Kind       broker.OrderKind `json:"kind"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"`
	Price      decimal.Decimal `json:"price,omitempty"` // price at signal generation
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`
	Strategy   string          `json:"strategy,omitempty"`
	Broker     string          `json:"broker,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
}

const signalSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "ticker", "direction", "quantity", "kind"],
  "properties": {
    "id":          {"type": "string", "minLength": 1},
    "ticker":      {"type": "string", "minLength": 1},
    "direction":   {"type": "string", "enum": ["long", "short"]},
    "quantity":    {"type": ["number", "string"]},
    "kind":        {"type": "string", "enum": ["market", "limit", "stop", "stop_limit"]},
    "limit_price": {"type": ["number", "string"]},
    "stop_price":  {"type": ["number", "string"]},
    "price":       {"type": ["number", "string"]},
    "stop_loss":   {"type": ["number", "string"]},
    "take_profit": {"type": ["number", "string"]},
    "strategy":    {"type": "string"},
    "broker":      {"type": "string"},
    "created_at":  {"type": "string"}
  },
  "additionalProperties": false
}`

var signalSchema = mustCompileSignalSchema()

func mustCompileSignalSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("signal.json", strings.NewReader(signalSchemaJSON)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("signal.json")
}

// ParseSignal validates raw signal JSON against the schema and decodes
// it. Schema failures are returned verbatim so the rejection audit entry
// names the offending field.
func ParseSignal(raw []byte) (TradeSignal, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return TradeSignal{}, fmt.Errorf("signal is not valid JSON: %w", err)
	}
	if err := signalSchema.Validate(generic); err != nil {
		return TradeSignal{}, fmt.Errorf("signal schema validation: %w", err)
	}
	var sig TradeSignal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return TradeSignal{}, fmt.Errorf("decode signal: %w", err)
	}
	if !sig.Quantity.IsPositive() {
		return TradeSignal{}, fmt.Errorf("signal %s: quantity must be positive", sig.ID)
	}
	return sig, nil
}

// request converts a validated signal into an order request routed to
// the given default broker when the signal names none.
func (s TradeSignal) request(defaultBroker string) broker.OrderRequest {
	target := s.Broker
	if target == "" {
		target = defaultBroker
	}
	return broker.OrderRequest{
		ClientID:    s.ID,
		Ticker:      s.Ticker,
		Direction:   s.Direction,
		Quantity:    s.Quantity,
		Kind:        s.Kind,
		LimitPrice:  s.LimitPrice,
		StopPrice:   s.StopPrice,
		TIF:         broker.TIFDay,
		Broker:      target,
		SignalID:    s.ID,
		SignalPrice: s.Price,
		StopLoss:    s.StopLoss,
		TakeProfit:  s.TakeProfit,
	}
}
