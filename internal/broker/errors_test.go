package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestClassifyKindedErrors(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(Transient("op", errors.New("x"))))
	assert.Equal(t, KindRejected, Classify(Rejected("op", errors.New("x"))))
	assert.Equal(t, KindAmbiguous, Classify(Ambiguous("op", errors.New("x"))))
	assert.Equal(t, KindFatal, Classify(Fatal("op", errors.New("x"))))
}

func TestClassifyWrappedKindSurvives(t *testing.T) {
	err := fmt.Errorf("submit AAPL: %w", Rejected("op", errors.New("insufficient funds")))
	assert.Equal(t, KindRejected, Classify(err))
}

func TestClassifyTimeoutsAreAmbiguous(t *testing.T) {
	assert.Equal(t, KindAmbiguous, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindAmbiguous, Classify(context.Canceled))
	assert.Equal(t, KindAmbiguous, Classify(fmt.Errorf("call: %w", context.DeadlineExceeded)))
}

func TestClassifyUnknownErrorsAreTransient(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(errors.New("connection reset")))
}

func TestDirectionOpposite(t *testing.T) {
	assert.Equal(t, DirectionShort, DirectionLong.Opposite())
	assert.Equal(t, DirectionLong, DirectionShort.Opposite())
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusFilled, StatusCancelled, StatusRejected, StatusExpired} {
		assert.True(t, s.Terminal(), "%s is terminal", s)
	}
	for _, s := range []Status{StatusPending, StatusSubmitted, StatusPartialFill} {
		assert.False(t, s.Terminal(), "%s is not terminal", s)
	}
}

func TestQuoteMid(t *testing.T) {
	q := Quote{Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(101)}
	assert.True(t, q.Mid().Equal(decimal.NewFromInt(100)))

	onlyLast := Quote{Last: decimal.NewFromInt(42)}
	assert.True(t, onlyLast.Mid().Equal(decimal.NewFromInt(42)), "one-sided quotes fall back to last")
}
