package binance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiller/internal/broker"
)

func TestOrderIDRoundTrip(t *testing.T) {
	id := encodeOrderID("BTCUSDT", 123456789)
	assert.Equal(t, "BTCUSDT:123456789", id)

	symbol, n, err := decodeOrderID(id)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", symbol)
	assert.Equal(t, int64(123456789), n)

	_, _, err = decodeOrderID("missing-separator")
	assert.Error(t, err)
}

func TestCleanSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", cleanSymbol("BTC/USDT"))
	assert.Equal(t, "BTCUSDT", cleanSymbol("btc-usdt"))
	assert.Equal(t, "ETHUSDT", cleanSymbol("ETHUSDT"))
}

func TestClassifyAPIErrorCodes(t *testing.T) {
	cases := []struct {
		code int64
		want broker.ErrKind
	}{
		{-1003, broker.KindTransient}, // rate limited
		{-1015, broker.KindTransient},
		{-1000, broker.KindTransient}, // internal error
		{-1007, broker.KindAmbiguous}, // backend timeout: outcome unknown
		{-2010, broker.KindRejected},  // new order rejected
		{-1121, broker.KindRejected},  // invalid symbol
	}
	for _, tc := range cases {
		err := classify("binance.submit", &common.APIError{Code: tc.code, Message: "x"})
		assert.Equal(t, tc.want, broker.Classify(err), "code %d", tc.code)
	}
}

func TestClassifyWrappedAPIError(t *testing.T) {
	inner := fmt.Errorf("request: %w", &common.APIError{Code: -2010, Message: "insufficient balance"})
	err := classify("binance.submit", inner)
	assert.Equal(t, broker.KindRejected, broker.Classify(err))
}

func TestClassifyNetworkErrors(t *testing.T) {
	err := classify("binance.submit", context.DeadlineExceeded)
	assert.Equal(t, broker.KindAmbiguous, broker.Classify(err),
		"a timed-out mutating call may have reached the exchange")

	err = classify("binance.submit", errors.New("connection refused"))
	assert.Equal(t, broker.KindTransient, broker.Classify(err))
}
