package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrder_Remaining(t *testing.T) {
	o := Order{Quantity: 10, Filled: 4}
	assert.Equal(t, uint64(6), o.Remaining())
}

func TestOrder_RemainingNeverNegative(t *testing.T) {
	o := Order{Quantity: 5, Filled: 5}
	assert.Equal(t, uint64(0), o.Remaining())
}

func TestOrderStatus_Terminal(t *testing.T) {
	assert.False(t, New.Terminal())
	assert.False(t, PartiallyExecuted.Terminal())
	assert.True(t, Executed.Terminal())
	assert.True(t, Cancelled.Terminal())
}

func TestSide_String(t *testing.T) {
	assert.Equal(t, "BUY", Buy.String())
	assert.Equal(t, "SELL", Sell.String())
}

func TestOrderType_String(t *testing.T) {
	assert.Equal(t, "LIMIT", Limit.String())
	assert.Equal(t, "MARKET", Market.String())
}
