// Package coordinator implements the admission & reservation flow of
// spec §4.5: resolve instrument, compute and pre-reserve the required
// balance, invoke internal/matching against the live internal/book,
// apply ledger transfers per emitted trade, insert any limit residual,
// and persist the orders, trades and balances it touched through
// internal/store. Each of those writes is its own store transaction: a
// submission is not committed as one unit of work, and a store error
// partway through leaves the writes made before it in place. It also
// implements cancellation and the deactivation cascades of §4.6.
//
// Every mutating operation for one instrument is submitted through
// internal/actor so the whole submission — not an individual book
// mutation — is the unit of serialization, per spec §5.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"tochka/internal/actor"
	"tochka/internal/book"
	"tochka/internal/domain"
	"tochka/internal/ledger"
	"tochka/internal/matching"
	"tochka/internal/metrics"
	"tochka/internal/store"
)

func instKey(ticker string) string { return "inst:" + ticker }

// rejectReason maps a Submit failure to a low-cardinality metric
// label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	default:
		return "internal"
	}
}

// Coordinator is the single entry point the API layer calls into. It
// owns one internal/book per active instrument and the shared ledger.
type Coordinator struct {
	db     store.Store
	book   *ledger.Ledger
	pool   *actor.Pool
	t      *tomb.Tomb
	newID  func() string

	booksMu sync.Mutex
	books   map[string]*book.Book
}

// New creates a Coordinator. t supervises both the actor pool's per-
// instrument goroutines and any deactivation cascades started with
// DeactivateInstrument/DeactivateUser.
func New(t *tomb.Tomb, ctx context.Context, db store.Store, lg *ledger.Ledger) *Coordinator {
	return &Coordinator{
		db:    db,
		book:  lg,
		pool:  actor.NewPool(t, ctx, 256),
		t:     t,
		newID: uuid.NewString,
		books: make(map[string]*book.Book),
	}
}

func (c *Coordinator) bookFor(ticker string) *book.Book {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	b, ok := c.books[ticker]
	if !ok {
		b = book.New()
		c.books[ticker] = b
	}
	return b
}

// Recover rebuilds every instrument's in-memory book from the open
// orders persisted in the store, per spec §5 ("on startup, the book is
// rebuilt by scanning open orders from the store"). It does not touch
// the ledger; the caller loads persisted balances into it separately.
func (c *Coordinator) Recover(ctx context.Context) error {
	instruments, err := c.db.ListActiveInstruments(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: recover: list instruments: %w", err)
	}
	for _, inst := range instruments {
		orders, err := c.db.ListOpenOrdersByInstrument(ctx, inst.Ticker)
		if err != nil {
			return fmt.Errorf("coordinator: recover: list open orders for %s: %w", inst.Ticker, err)
		}
		b := c.bookFor(inst.Ticker)
		for _, o := range orders {
			e := book.Entry{OrderID: o.ID, Price: o.Price, Remaining: o.Remaining(), CreatedAt: o.CreatedAt}
			half := b.Bids
			if o.Side == domain.Sell {
				half = b.Asks
			}
			if err := half.Insert(e); err != nil {
				log.Warn().Err(err).Str("order", o.ID).Msg("coordinator: recover: duplicate order in book, skipping")
			}
		}
		log.Info().Str("ticker", inst.Ticker).Int("open_orders", len(orders)).Msg("recovered order book")
	}
	return nil
}

// SubmitOrderRequest is the input to Submit.
type SubmitOrderRequest struct {
	OwnerID    string
	Instrument string
	Side       domain.Side
	Type       domain.OrderType
	Quantity   uint64
	Price      uint64 // limit price; unused (0) for market orders, which Type selects
}

// submitOutcome carries the result of a synchronous actor job back to
// the calling goroutine.
type submitOutcome struct {
	order  domain.Order
	trades []domain.Trade
	err    error
}

// Submit runs the full admission & reservation sequence of spec §4.5
// for req, serialized on req.Instrument.
func (c *Coordinator) Submit(ctx context.Context, req SubmitOrderRequest) (domain.Order, []domain.Trade, error) {
	if req.Quantity == 0 {
		return domain.Order{}, nil, domain.ErrInvalidState
	}

	inst, err := c.db.GetInstrument(ctx, req.Instrument)
	if err != nil {
		return domain.Order{}, nil, domain.ErrNotFound
	}
	if !inst.IsActive {
		return domain.Order{}, nil, domain.ErrNotFound
	}

	var out submitOutcome
	c.pool.SubmitSync(instKey(req.Instrument), func(ctx context.Context) {
		out.order, out.trades, out.err = c.submitLocked(ctx, req)
	})
	return out.order, out.trades, out.err
}

// submitLocked runs only on req.Instrument's actor lane.
func (c *Coordinator) submitLocked(ctx context.Context, req SubmitOrderRequest) (order domain.Order, trades []domain.Trade, err error) {
	stop := prometheus.NewTimer(metrics.MatchLatency.WithLabelValues(req.Instrument))
	defer stop.ObserveDuration()
	defer func() {
		if err != nil {
			metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
			return
		}
		metrics.OrdersAdmitted.WithLabelValues(req.Instrument, req.Side.String()).Inc()
		metrics.TradesExecuted.WithLabelValues(req.Instrument).Add(float64(len(trades)))
		metrics.OpenOrders.WithLabelValues(req.Instrument).Set(float64(c.bookFor(req.Instrument).Bids.Len() + c.bookFor(req.Instrument).Asks.Len()))
	}()

	b := c.bookFor(req.Instrument)

	order = domain.Order{
		ID:         c.newID(),
		Owner:      req.OwnerID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Status:     domain.New,
		CreatedAt:  time.Now(),
	}

	ownHalf, oppHalf := b.Bids, b.Asks
	if req.Side == domain.Sell {
		ownHalf, oppHalf = b.Asks, b.Bids
	}

	reject := func() (domain.Order, []domain.Trade, error) {
		order.Status = domain.Cancelled
		if err := c.persistOrder(ctx, order); err != nil {
			return domain.Order{}, nil, err
		}
		return order, nil, domain.ErrInsufficientLiquidity
	}

	var reservedRUB uint64
	switch {
	case req.Side == domain.Sell && req.Type == domain.Market:
		dry := matching.Run(domain.Sell, domain.Market, req.Quantity, 0, oppHalf.Snapshot())
		if dry.Residual > 0 {
			return reject()
		}
		if err := c.book.Reserve(req.OwnerID, req.Instrument, req.Quantity); err != nil {
			return domain.Order{}, nil, err
		}
	case req.Side == domain.Sell:
		if err := c.book.Reserve(req.OwnerID, req.Instrument, req.Quantity); err != nil {
			return domain.Order{}, nil, err
		}
	case req.Side == domain.Buy && req.Type == domain.Limit:
		reservedRUB = req.Quantity * req.Price
		if err := c.book.Reserve(req.OwnerID, domain.RUBTicker, reservedRUB); err != nil {
			return domain.Order{}, nil, err
		}
	case req.Side == domain.Buy && req.Type == domain.Market:
		dry := matching.Run(domain.Buy, domain.Market, req.Quantity, 0, oppHalf.Snapshot())
		if dry.Residual > 0 {
			return reject()
		}
		reservedRUB = dry.TotalCost
		if err := c.book.Reserve(req.OwnerID, domain.RUBTicker, reservedRUB); err != nil {
			return domain.Order{}, nil, err
		}
	}

	result := matching.Run(req.Side, req.Type, req.Quantity, req.Price, oppHalf.Snapshot())

	var spentRUB uint64
	for _, fill := range result.Fills {
		maker, err := c.db.GetOrder(ctx, fill.MakerOrderID)
		if err != nil {
			return domain.Order{}, nil, fmt.Errorf("coordinator: load maker %s: %w", fill.MakerOrderID, err)
		}
		remaining, ok := oppHalf.Fill(fill.MakerOrderID, fill.Quantity)
		if !ok {
			return domain.Order{}, nil, fmt.Errorf("coordinator: maker %s missing from book", fill.MakerOrderID)
		}
		maker.Filled += fill.Quantity
		if remaining == 0 {
			maker.Status = domain.Executed
		} else {
			maker.Status = domain.PartiallyExecuted
		}
		if err := c.persistOrder(ctx, maker); err != nil {
			return domain.Order{}, nil, err
		}

		buyOrderID, sellOrderID := order.ID, maker.ID
		buyer, seller := req.OwnerID, maker.Owner
		if req.Side == domain.Sell {
			buyOrderID, sellOrderID = maker.ID, order.ID
			buyer, seller = maker.Owner, req.OwnerID
		}
		cost := fill.Price * fill.Quantity
		c.book.SettleTransfer(buyer, seller, domain.RUBTicker, cost)
		c.book.SettleTransfer(seller, buyer, req.Instrument, fill.Quantity)
		spentRUB += cost

		trade := domain.Trade{
			ID:          c.newID(),
			BuyOrderID:  buyOrderID,
			SellOrderID: sellOrderID,
			Instrument:  req.Instrument,
			Price:       fill.Price,
			Quantity:    fill.Quantity,
			Timestamp:   time.Now(),
		}
		if err := c.db.AppendTrade(ctx, trade); err != nil {
			return domain.Order{}, nil, fmt.Errorf("coordinator: append trade: %w", err)
		}
		trades = append(trades, trade)

		if err := c.persistBalancePair(ctx, buyer, seller, req.Instrument); err != nil {
			return domain.Order{}, nil, err
		}
	}

	order.Filled = req.Quantity - result.Residual
	switch {
	case result.Residual == 0:
		order.Status = domain.Executed
	case order.Filled > 0:
		order.Status = domain.PartiallyExecuted
	default:
		order.Status = domain.New
	}

	if req.Type == domain.Limit && result.Residual > 0 {
		if err := ownHalf.Insert(book.Entry{
			OrderID:   order.ID,
			Price:     req.Price,
			Remaining: result.Residual,
			CreatedAt: order.CreatedAt,
		}); err != nil {
			return domain.Order{}, nil, fmt.Errorf("coordinator: insert residual: %w", err)
		}
	}

	if req.Side == domain.Buy {
		frozenResidual := result.Residual * req.Price // 0 for market (residual forced to 0)
		reserved := reservedRUB
		kept := spentRUB + frozenResidual
		if reserved > kept {
			overage := reserved - kept
			c.book.Release(req.OwnerID, domain.RUBTicker, overage)
		}
	}

	if err := c.persistOrder(ctx, order); err != nil {
		return domain.Order{}, nil, err
	}
	if err := c.persistBalance(ctx, req.OwnerID, domain.RUBTicker); err != nil {
		return domain.Order{}, nil, err
	}
	if err := c.persistBalance(ctx, req.OwnerID, req.Instrument); err != nil {
		return domain.Order{}, nil, err
	}

	return order, trades, nil
}

func (c *Coordinator) persistOrder(ctx context.Context, o domain.Order) error {
	return c.db.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetOrder(ctx, o.ID); err != nil {
			return tx.CreateOrder(ctx, o)
		}
		return tx.UpdateOrder(ctx, o)
	})
}

func (c *Coordinator) persistBalance(ctx context.Context, userID, instrument string) error {
	bal := c.book.Balance(userID, instrument)
	return c.db.PutBalance(ctx, bal)
}

// PersistBalance writes the ledger's current view of (userID,
// instrument) through to the store. Exported for the admin
// deposit/withdraw endpoints, which mutate the ledger directly since
// they bypass the matching/reservation flow entirely.
func (c *Coordinator) PersistBalance(ctx context.Context, userID, instrument string) error {
	return c.persistBalance(ctx, userID, instrument)
}

// Deposit credits available funds outside the matching flow (spec
// §4.3's admin-only path). No reservation or instrument actor lane is
// involved; the ledger row's own mutex is the only guard needed.
func (c *Coordinator) Deposit(userID, instrument string, amount uint64) {
	c.book.Deposit(userID, instrument, amount)
}

// Withdraw debits available funds outside the matching flow.
func (c *Coordinator) Withdraw(userID, instrument string, amount uint64) error {
	return c.book.Withdraw(userID, instrument, amount)
}

// SnapshotLevels returns the top depth aggregated price levels for
// ticker's order book, for the public level-2 view (spec §6). The read
// runs on ticker's actor lane so it never overlaps a submission; a
// ticker with no book yet yields empty levels.
func (c *Coordinator) SnapshotLevels(ticker string, depth int) (asks, bids []book.Level) {
	c.booksMu.Lock()
	_, ok := c.books[ticker]
	c.booksMu.Unlock()
	if !ok {
		return nil, nil
	}
	c.pool.SubmitSync(instKey(ticker), func(ctx context.Context) {
		b := c.bookFor(ticker)
		asks, bids = b.Asks.SnapshotLevels(depth), b.Bids.SnapshotLevels(depth)
	})
	return asks, bids
}

func (c *Coordinator) persistBalancePair(ctx context.Context, a, b, instrument string) error {
	if err := c.persistBalance(ctx, a, domain.RUBTicker); err != nil {
		return err
	}
	if err := c.persistBalance(ctx, b, domain.RUBTicker); err != nil {
		return err
	}
	if err := c.persistBalance(ctx, a, instrument); err != nil {
		return err
	}
	return c.persistBalance(ctx, b, instrument)
}

// Cancel removes a resting order from its book and releases its
// residual reservation, per spec §4.5. Only the owner or an admin may
// cancel.
func (c *Coordinator) Cancel(ctx context.Context, orderID, callerID string, isAdmin bool) error {
	o, err := c.db.GetOrder(ctx, orderID)
	if err != nil {
		return domain.ErrNotFound
	}
	if o.Owner != callerID && !isAdmin {
		return domain.ErrForbidden
	}

	var outErr error
	c.pool.SubmitSync(instKey(o.Instrument), func(ctx context.Context) {
		outErr = c.cancelLocked(ctx, orderID)
	})
	return outErr
}

func (c *Coordinator) cancelLocked(ctx context.Context, orderID string) error {
	o, err := c.db.GetOrder(ctx, orderID)
	if err != nil {
		return domain.ErrNotFound
	}
	if o.Status.Terminal() {
		return domain.ErrInvalidState
	}

	b := c.bookFor(o.Instrument)
	half := b.Bids
	if o.Side == domain.Sell {
		half = b.Asks
	}
	half.Remove(o.ID)

	remaining := o.Remaining()
	if o.Side == domain.Sell {
		c.book.Release(o.Owner, o.Instrument, remaining)
	} else {
		c.book.Release(o.Owner, domain.RUBTicker, remaining*o.Price)
	}

	o.Status = domain.Cancelled
	if err := c.persistOrder(ctx, o); err != nil {
		return err
	}
	if o.Side == domain.Sell {
		return c.persistBalance(ctx, o.Owner, o.Instrument)
	}
	return c.persistBalance(ctx, o.Owner, domain.RUBTicker)
}

// DeactivateInstrument marks ticker inactive and asynchronously cancels
// every resting order against it, per spec §4.6.
func (c *Coordinator) DeactivateInstrument(ctx context.Context, ticker string) error {
	inst, err := c.db.GetInstrument(ctx, ticker)
	if err != nil {
		return domain.ErrNotFound
	}
	inst.IsActive = false
	if err := c.db.UpdateInstrument(ctx, inst); err != nil {
		return err
	}

	c.t.Go(func() error {
		c.cascade(context.Background(), "instrument:"+ticker, func() ([]domain.Order, error) {
			return c.db.ListOpenOrdersByInstrument(context.Background(), ticker)
		})
		return nil
	})
	return nil
}

// DeactivateUser marks a user inactive and asynchronously cancels
// every one of their resting orders. Admins cannot be deactivated this
// way.
func (c *Coordinator) DeactivateUser(ctx context.Context, userID string) error {
	u, err := c.db.GetUser(ctx, userID)
	if err != nil {
		return domain.ErrNotFound
	}
	if u.Role == domain.RoleAdmin {
		return domain.ErrForbidden
	}
	u.IsActive = false
	if err := c.db.UpdateUser(ctx, u); err != nil {
		return err
	}

	c.t.Go(func() error {
		c.cascade(context.Background(), "user:"+userID, func() ([]domain.Order, error) {
			return c.db.ListOpenOrdersByUser(context.Background(), userID)
		})
		return nil
	})
	return nil
}

// cascade cancels every order list() returns, retrying each
// cancellation with bounded exponential backoff on transient failure.
// It is idempotent: an order already terminal by the time it is
// processed (e.g. the user cancelled it themselves, or a previous
// cascade run already got to it) is treated as done, not retried.
func (c *Coordinator) cascade(ctx context.Context, scope string, list func() ([]domain.Order, error)) {
	orders, err := list()
	if err != nil {
		log.Error().Err(err).Str("scope", scope).Msg("deactivation cascade: failed to enumerate open orders")
		return
	}
	for _, o := range orders {
		o := o
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
		op := func() error {
			err := c.Cancel(ctx, o.ID, o.Owner, true)
			if err == nil || errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := backoff.Retry(op, bo); err != nil {
			log.Error().Err(err).Str("scope", scope).Str("order", o.ID).Msg("deactivation cascade: giving up on order after retries")
		}
	}
	log.Info().Str("scope", scope).Int("count", len(orders)).Msg("deactivation cascade complete")
}
