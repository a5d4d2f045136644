package domain

import (
	"fmt"
	"time"
)

// Trade is an immutable record of one matched fill between a maker and
// a taker order. A single incoming order can produce many trades.
type Trade struct {
	ID          string
	BuyOrderID  string
	SellOrderID string
	Instrument  string
	Price       uint64
	Quantity    uint64
	Timestamp   time.Time
}

func (t Trade) String() string {
	return fmt.Sprintf(
		"Trade[ID: %s, Buy: %s, Sell: %s, Instrument: %s, Price: %d, Qty: %d, At: %s]",
		t.ID, t.BuyOrderID, t.SellOrderID, t.Instrument, t.Price, t.Quantity, t.Timestamp.Format(time.RFC3339Nano),
	)
}
