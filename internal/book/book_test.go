package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func entry(id string, price, qty uint64, at time.Time) Entry {
	return Entry{OrderID: id, Price: price, Remaining: qty, CreatedAt: at}
}

// --- Tests ------------------------------------------------------------------

func TestHalfBook_InsertOrdersByPriceThenArrival(t *testing.T) {
	asks := newHalfBook(true)
	t0 := time.Now()

	require.NoError(t, asks.Insert(entry("a1", 101, 5, t0)))
	require.NoError(t, asks.Insert(entry("a2", 100, 3, t0.Add(time.Millisecond))))
	require.NoError(t, asks.Insert(entry("a3", 100, 7, t0.Add(2*time.Millisecond))))

	got := asks.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "a2", got[0].OrderID) // best price (100), earliest at that price
	assert.Equal(t, "a3", got[1].OrderID)
	assert.Equal(t, "a1", got[2].OrderID) // worse price (101) last
}

func TestHalfBook_Bids_BestIsHighestPrice(t *testing.T) {
	bids := newHalfBook(false)
	t0 := time.Now()
	require.NoError(t, bids.Insert(entry("b1", 99, 1, t0)))
	require.NoError(t, bids.Insert(entry("b2", 101, 1, t0)))
	require.NoError(t, bids.Insert(entry("b3", 100, 1, t0)))

	price, ok := bids.BestPrice()
	require.True(t, ok)
	assert.Equal(t, uint64(101), price)
}

func TestHalfBook_InsertDuplicateOrderID(t *testing.T) {
	asks := newHalfBook(true)
	require.NoError(t, asks.Insert(entry("dup", 10, 1, time.Now())))
	err := asks.Insert(entry("dup", 20, 1, time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestHalfBook_RemoveAbsentIsNoop(t *testing.T) {
	asks := newHalfBook(true)
	assert.NotPanics(t, func() { asks.Remove("ghost") })
}

func TestHalfBook_FillRemovesZeroQtyEntry(t *testing.T) {
	asks := newHalfBook(true)
	require.NoError(t, asks.Insert(entry("a1", 10, 5, time.Now())))

	remaining, ok := asks.Fill("a1", 5)
	require.True(t, ok)
	assert.Equal(t, uint64(0), remaining)
	assert.Equal(t, 0, asks.Len())

	_, found := asks.BestPrice()
	assert.False(t, found)
}

func TestHalfBook_PartialFillKeepsEntryInPlace(t *testing.T) {
	asks := newHalfBook(true)
	require.NoError(t, asks.Insert(entry("a1", 10, 5, time.Now())))

	remaining, ok := asks.Fill("a1", 2)
	require.True(t, ok)
	assert.Equal(t, uint64(3), remaining)
	assert.Equal(t, 1, asks.Len())
}

func TestHalfBook_SnapshotLevelsAggregatesByPrice(t *testing.T) {
	bids := newHalfBook(false)
	t0 := time.Now()
	require.NoError(t, bids.Insert(entry("b1", 100, 4, t0)))
	require.NoError(t, bids.Insert(entry("b2", 100, 6, t0.Add(time.Millisecond))))
	require.NoError(t, bids.Insert(entry("b3", 99, 2, t0)))

	levels := bids.SnapshotLevels(10)
	require.Len(t, levels, 2)
	assert.Equal(t, Level{Price: 100, Quantity: 10}, levels[0])
	assert.Equal(t, Level{Price: 99, Quantity: 2}, levels[1])
}

func TestHalfBook_SnapshotLevelsRespectsDepth(t *testing.T) {
	asks := newHalfBook(true)
	t0 := time.Now()
	for i, p := range []uint64{10, 11, 12, 13} {
		require.NoError(t, asks.Insert(entry(string(rune('a'+i)), p, 1, t0)))
	}
	levels := asks.SnapshotLevels(2)
	assert.Len(t, levels, 2)
	assert.Equal(t, uint64(10), levels[0].Price)
	assert.Equal(t, uint64(11), levels[1].Price)
}

func TestBook_NewIsEmpty(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.Bids.Len())
	assert.Equal(t, 0, b.Asks.Len())
}
