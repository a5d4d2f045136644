// Package matching implements the price-time-priority matching
// algorithm of spec §4.2 as a pure function over a snapshot of the
// opposite-side half-book. It does not mutate the book itself —
// internal/coordinator applies each returned fill to the book
// (internal/book.Fill) as it settles that fill, which keeps the
// matching walk itself side-effect-free and trivially reusable for the
// market-order dry-run pre-check of spec §4.2/§4.5.
package matching

import (
	"tochka/internal/book"
	"tochka/internal/domain"
)

// Fill is one emitted trade: the maker order id, the price it executed
// at (always the maker's resting price), and the matched quantity.
type Fill struct {
	MakerOrderID string
	Price        uint64
	Quantity     uint64
}

// Result is the outcome of a match walk.
type Result struct {
	Fills     []Fill
	Residual  uint64 // unfilled quantity; 0 for a fully-filled market order
	TotalCost uint64 // sum(price * quantity) across all fills, for market-order admission checks
}

// Run walks makers (already in price-time priority, best first) against
// an incoming taker order, per spec §4.2's algorithm. It is pure: makers
// is read-only and a fresh Result is returned. limitPrice is ignored for
// market takers.
func Run(takerSide domain.Side, takerType domain.OrderType, takerQty uint64, limitPrice uint64, makers []book.Entry) Result {
	remaining := takerQty
	var res Result

	for _, m := range makers {
		if remaining == 0 {
			break
		}
		if takerType == domain.Limit {
			if takerSide == domain.Buy && m.Price > limitPrice {
				break
			}
			if takerSide == domain.Sell && m.Price < limitPrice {
				break
			}
		}

		traded := remaining
		if m.Remaining < traded {
			traded = m.Remaining
		}
		if traded == 0 {
			continue
		}

		res.Fills = append(res.Fills, Fill{
			MakerOrderID: m.OrderID,
			Price:        m.Price,
			Quantity:     traded,
		})
		res.TotalCost += m.Price * traded
		remaining -= traded
	}

	res.Residual = remaining
	return res
}
