// Package book implements the per-instrument order book: two
// half-books (bids, asks) kept in price-time priority. An OrderBook is
// not safe for concurrent use by design — spec §5 requires the whole
// submission, not an individual book mutation, to be the unit of
// serialization, so callers (internal/actor) own a single-writer
// guarantee and the book itself stays lock-free, mirroring the
// teacher's "only accessed by a single matching thread" order books.
package book

import (
	"errors"
	"time"

	"github.com/emirpasic/gods/v2/maps/hashmap"
	"github.com/tidwall/btree"
)

// ErrDuplicateOrder is returned by Insert when an entry with the same
// order ID is already resting in the half-book. Spec §4.1 calls this a
// programmer error — it should never happen for a correctly
// ID-generated order.
var ErrDuplicateOrder = errors.New("book: duplicate order id")

// Entry is a resting limit order: (price, remaining quantity, order
// id, creation timestamp).
type Entry struct {
	OrderID   string
	Price     uint64
	Remaining uint64
	CreatedAt time.Time
}

// level holds every entry resting at one price, in arrival order —
// the single-writer invariant means append-order is creation-time
// order, so no per-entry timestamp comparison is needed once an entry
// is in the slice.
type level struct {
	price   uint64
	entries []*Entry
}

// HalfBook is one side (bids or asks) of an instrument's order book.
type HalfBook struct {
	ascending bool // true for asks (lowest price first), false for bids
	levels    *btree.BTreeG[*level]
	index     *hashmap.Map[string, uint64] // order id -> price, for O(1) existence + location
}

func newHalfBook(ascending bool) *HalfBook {
	less := func(a, b *level) bool { return a.price < b.price }
	if !ascending {
		less = func(a, b *level) bool { return a.price > b.price }
	}
	return &HalfBook{
		ascending: ascending,
		levels:    btree.NewBTreeG(less),
		index:     hashmap.New[string, uint64](),
	}
}

// Insert adds a resting entry. Fails only if the order id already
// rests somewhere in this half-book.
func (h *HalfBook) Insert(e Entry) error {
	if _, found := h.index.Get(e.OrderID); found {
		return ErrDuplicateOrder
	}
	probe := &level{price: e.Price}
	lvl, found := h.levels.Get(probe)
	if !found {
		lvl = &level{price: e.Price}
		h.levels.Set(lvl)
	}
	cp := e
	lvl.entries = append(lvl.entries, &cp)
	h.index.Put(e.OrderID, e.Price)
	return nil
}

// Remove deletes the entry for orderID. No-op if absent — cancellation
// of an already-filled order races against matching (spec §4.1).
func (h *HalfBook) Remove(orderID string) {
	price, found := h.index.Get(orderID)
	if !found {
		return
	}
	h.removeAt(orderID, price)
}

func (h *HalfBook) removeAt(orderID string, price uint64) {
	probe := &level{price: price}
	lvl, found := h.levels.Get(probe)
	if !found {
		h.index.Remove(orderID)
		return
	}
	for i, e := range lvl.entries {
		if e.OrderID == orderID {
			lvl.entries = append(lvl.entries[:i], lvl.entries[i+1:]...)
			break
		}
	}
	if len(lvl.entries) == 0 {
		h.levels.Delete(lvl)
	}
	h.index.Remove(orderID)
}

// Fill reduces the resting entry's remaining quantity by traded units,
// removing the entry (and its level, if now empty) once remaining
// reaches zero — the "no zero-qty tombstone" edge policy of spec §4.1.
// Returns the entry's remaining quantity after the fill, and whether
// the entry was found at all.
func (h *HalfBook) Fill(orderID string, traded uint64) (remaining uint64, ok bool) {
	price, found := h.index.Get(orderID)
	if !found {
		return 0, false
	}
	probe := &level{price: price}
	lvl, found := h.levels.Get(probe)
	if !found {
		return 0, false
	}
	for _, e := range lvl.entries {
		if e.OrderID == orderID {
			if traded >= e.Remaining {
				e.Remaining = 0
			} else {
				e.Remaining -= traded
			}
			remaining = e.Remaining
			ok = true
			break
		}
	}
	if !ok {
		return 0, false
	}
	if remaining == 0 {
		h.removeAt(orderID, price)
	}
	return remaining, true
}

// BestPrice peeks at the best-side price without consuming anything.
func (h *HalfBook) BestPrice() (price uint64, ok bool) {
	lvl, found := h.levels.Min()
	if !found {
		return 0, false
	}
	return lvl.price, true
}

// Snapshot returns every resting entry in price-time priority order,
// starting from the best price; the caller decides where its walk
// stops. It does not mutate the book; internal/matching consumes
// it as a pure read and internal/book.Fill / Remove commit the result.
func (h *HalfBook) Snapshot() []Entry {
	var out []Entry
	h.levels.Scan(func(lvl *level) bool {
		for _, e := range lvl.entries {
			out = append(out, *e)
		}
		return true
	})
	return out
}

// Level is an aggregated price level for the public order-book view.
type Level struct {
	Price    uint64
	Quantity uint64
}

// SnapshotLevels returns the top depth price levels, aggregated.
func (h *HalfBook) SnapshotLevels(depth int) []Level {
	var out []Level
	h.levels.Scan(func(lvl *level) bool {
		if len(out) >= depth {
			return false
		}
		var qty uint64
		for _, e := range lvl.entries {
			qty += e.Remaining
		}
		out = append(out, Level{Price: lvl.price, Quantity: qty})
		return true
	})
	return out
}

// Len reports how many resting orders are in this half-book.
func (h *HalfBook) Len() int {
	return h.index.Size()
}

// Book is the per-instrument pair of half-books.
type Book struct {
	Bids *HalfBook // buy side, highest price first
	Asks *HalfBook // sell side, lowest price first
}

// New creates an empty order book for one instrument.
func New() *Book {
	return &Book{
		Bids: newHalfBook(false),
		Asks: newHalfBook(true),
	}
}
