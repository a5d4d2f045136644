// Package bbolt is the default Store backend: a single embedded
// go.etcd.io/bbolt file, one bucket per entity, one bbolt transaction
// per unit of work. Open-order lookups by user or instrument are
// served from two in-memory github.com/google/btree indices rebuilt
// from the orders bucket at startup, since bbolt's flat key/value
// model has no native secondary-index support.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	bolt "go.etcd.io/bbolt"

	"tochka/internal/domain"
	"tochka/internal/store"
)

var (
	bucketUsers        = []byte("users")
	bucketUsersByKey   = []byte("users_by_apikey")
	bucketInstruments  = []byte("instruments")
	bucketOrders       = []byte("orders")
	bucketBalances     = []byte("balances")
	bucketTradeSeq     = []byte("trade_seq") // nested: one sub-bucket per instrument ticker
)

func balanceKey(userID, instrument string) []byte {
	return []byte(userID + "\x00" + instrument)
}

// openOrderKey orders entries by (scope, createdAt, orderID) so a
// google/btree range scan yields orders in submission order.
type openOrderKey struct {
	scope     string
	createdAt int64
	orderID   string
}

func (k openOrderKey) Less(other btree.Item) bool {
	o := other.(openOrderKey)
	if k.scope != o.scope {
		return k.scope < o.scope
	}
	if k.createdAt != o.createdAt {
		return k.createdAt < o.createdAt
	}
	return k.orderID < o.orderID
}

// Store is the bbolt-backed implementation of store.Store.
type Store struct {
	db *bolt.DB

	idxMu       sync.RWMutex
	byUser      *btree.BTree // openOrderKey{scope: "user:"+owner} -> orderID string (stored via itemOrderID)
	byInstrument *btree.BTree
}

type itemOrderID struct {
	openOrderKey
	orderID string
}

func (i itemOrderID) Less(other btree.Item) bool { return i.openOrderKey.Less(other) }

// Open creates or opens the bbolt file at path and rebuilds the
// in-memory secondary indices from its current contents.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt: open %s: %w", path, err)
	}
	s := &Store{
		db:           db,
		byUser:       btree.New(32),
		byInstrument: btree.New(32),
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketUsersByKey, bucketInstruments, bucketOrders, bucketBalances, bucketTradeSeq} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.rebuildIndices(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndices() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrders)
		return b.ForEach(func(_, v []byte) error {
			var o domain.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if !o.Status.Terminal() {
				s.indexOpenOrder(o)
			}
			return nil
		})
	})
}

func (s *Store) indexOpenOrder(o domain.Order) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.byUser.ReplaceOrInsert(itemOrderID{openOrderKey{"user:" + o.Owner, o.CreatedAt.UnixNano(), o.ID}, o.ID})
	s.byInstrument.ReplaceOrInsert(itemOrderID{openOrderKey{"inst:" + o.Instrument, o.CreatedAt.UnixNano(), o.ID}, o.ID})
}

func (s *Store) unindexOpenOrder(o domain.Order) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.byUser.Delete(itemOrderID{openOrderKey{"user:" + o.Owner, o.CreatedAt.UnixNano(), o.ID}, o.ID})
	s.byInstrument.Delete(itemOrderID{openOrderKey{"inst:" + o.Instrument, o.CreatedAt.UnixNano(), o.ID}, o.ID})
}

// Close releases the underlying file.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a single bbolt read-write transaction: every
// Writer call fn makes either all land or none do (spec §4.4).
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&tx{s: s, btx: btx})
	})
}

// The top-level Store methods each run their own single-operation
// transaction, delegating to the same code a WithTx closure would use.

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		u, err = (&tx{s: s, btx: btx}).GetUser(ctx, id)
		return err
	})
	return u, err
}

func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (domain.User, error) {
	var u domain.User
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		u, err = (&tx{s: s, btx: btx}).GetUserByAPIKey(ctx, apiKey)
		return err
	})
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	var out []domain.User
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		out, err = (&tx{s: s, btx: btx}).ListUsers(ctx)
		return err
	})
	return out, err
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	return s.db.Update(func(btx *bolt.Tx) error { return (&tx{s: s, btx: btx}).CreateUser(ctx, u) })
}

func (s *Store) UpdateUser(ctx context.Context, u domain.User) error {
	return s.db.Update(func(btx *bolt.Tx) error { return (&tx{s: s, btx: btx}).UpdateUser(ctx, u) })
}

func (s *Store) GetInstrument(ctx context.Context, ticker string) (domain.Instrument, error) {
	var i domain.Instrument
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		i, err = (&tx{s: s, btx: btx}).GetInstrument(ctx, ticker)
		return err
	})
	return i, err
}

func (s *Store) ListActiveInstruments(ctx context.Context) ([]domain.Instrument, error) {
	var out []domain.Instrument
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		out, err = (&tx{s: s, btx: btx}).ListActiveInstruments(ctx)
		return err
	})
	return out, err
}

func (s *Store) CreateInstrument(ctx context.Context, i domain.Instrument) error {
	return s.db.Update(func(btx *bolt.Tx) error { return (&tx{s: s, btx: btx}).CreateInstrument(ctx, i) })
}

func (s *Store) UpdateInstrument(ctx context.Context, i domain.Instrument) error {
	return s.db.Update(func(btx *bolt.Tx) error { return (&tx{s: s, btx: btx}).UpdateInstrument(ctx, i) })
}

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	var o domain.Order
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		o, err = (&tx{s: s, btx: btx}).GetOrder(ctx, id)
		return err
	})
	return o, err
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	var out []domain.Order
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		out, err = (&tx{s: s, btx: btx}).ListOrdersByUser(ctx, userID)
		return err
	})
	return out, err
}

func (s *Store) ListOpenOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.listOpenOrders(ctx, s.byUser, "user:"+userID)
}

func (s *Store) ListOpenOrdersByInstrument(ctx context.Context, ticker string) ([]domain.Order, error) {
	return s.listOpenOrders(ctx, s.byInstrument, "inst:"+ticker)
}

func (s *Store) listOpenOrders(ctx context.Context, idx *btree.BTree, scope string) ([]domain.Order, error) {
	var ids []string
	s.idxMu.RLock()
	idx.AscendRange(
		itemOrderID{openOrderKey{scope, 0, ""}, ""},
		itemOrderID{openOrderKey{scope, 1<<63 - 1, ""}, ""},
		func(it btree.Item) bool {
			ids = append(ids, it.(itemOrderID).orderID)
			return true
		},
	)
	s.idxMu.RUnlock()

	out := make([]domain.Order, 0, len(ids))
	err := s.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketOrders)
		for _, id := range ids {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			var o domain.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

func (s *Store) CreateOrder(ctx context.Context, o domain.Order) error {
	return s.db.Update(func(btx *bolt.Tx) error { return (&tx{s: s, btx: btx}).CreateOrder(ctx, o) })
}

func (s *Store) UpdateOrder(ctx context.Context, o domain.Order) error {
	return s.db.Update(func(btx *bolt.Tx) error { return (&tx{s: s, btx: btx}).UpdateOrder(ctx, o) })
}

func (s *Store) AppendTrade(ctx context.Context, t domain.Trade) error {
	return s.db.Update(func(btx *bolt.Tx) error { return (&tx{s: s, btx: btx}).AppendTrade(ctx, t) })
}

func (s *Store) RecentTrades(ctx context.Context, ticker string, limit int) ([]domain.Trade, error) {
	var out []domain.Trade
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		out, err = (&tx{s: s, btx: btx}).RecentTrades(ctx, ticker, limit)
		return err
	})
	return out, err
}

func (s *Store) GetBalance(ctx context.Context, userID, instrument string) (domain.Balance, error) {
	var b domain.Balance
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		b, err = (&tx{s: s, btx: btx}).GetBalance(ctx, userID, instrument)
		return err
	})
	return b, err
}

func (s *Store) ListBalances(ctx context.Context, userID string) ([]domain.Balance, error) {
	var out []domain.Balance
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		out, err = (&tx{s: s, btx: btx}).ListBalances(ctx, userID)
		return err
	})
	return out, err
}

func (s *Store) PutBalance(ctx context.Context, b domain.Balance) error {
	return s.db.Update(func(btx *bolt.Tx) error { return (&tx{s: s, btx: btx}).PutBalance(ctx, b) })
}

// tx is the store.Tx handed to a WithTx closure; it wraps one live
// *bolt.Tx and reuses the parent Store's index maintenance helpers.
type tx struct {
	s   *Store
	btx *bolt.Tx
}

func (t *tx) GetUser(ctx context.Context, id string) (domain.User, error) {
	v := t.btx.Bucket(bucketUsers).Get([]byte(id))
	if v == nil {
		return domain.User{}, &store.NotFoundError{Entity: "user", Key: id}
	}
	var u domain.User
	return u, json.Unmarshal(v, &u)
}

func (t *tx) GetUserByAPIKey(ctx context.Context, apiKey string) (domain.User, error) {
	id := t.btx.Bucket(bucketUsersByKey).Get([]byte(apiKey))
	if id == nil {
		return domain.User{}, &store.NotFoundError{Entity: "user", Key: "apikey:" + apiKey}
	}
	return t.GetUser(ctx, string(id))
}

func (t *tx) ListUsers(ctx context.Context) ([]domain.User, error) {
	var out []domain.User
	err := t.btx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
		var u domain.User
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

func (t *tx) CreateUser(ctx context.Context, u domain.User) error {
	b := t.btx.Bucket(bucketUsers)
	if existing := b.Get([]byte(u.ID)); existing != nil {
		return domain.ErrConflict
	}
	return t.putUser(u)
}

func (t *tx) UpdateUser(ctx context.Context, u domain.User) error {
	if t.btx.Bucket(bucketUsers).Get([]byte(u.ID)) == nil {
		return &store.NotFoundError{Entity: "user", Key: u.ID}
	}
	return t.putUser(u)
}

func (t *tx) putUser(u domain.User) error {
	v, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := t.btx.Bucket(bucketUsers).Put([]byte(u.ID), v); err != nil {
		return err
	}
	if u.APIKey != "" {
		return t.btx.Bucket(bucketUsersByKey).Put([]byte(u.APIKey), []byte(u.ID))
	}
	return nil
}

func (t *tx) GetInstrument(ctx context.Context, ticker string) (domain.Instrument, error) {
	v := t.btx.Bucket(bucketInstruments).Get([]byte(ticker))
	if v == nil {
		return domain.Instrument{}, &store.NotFoundError{Entity: "instrument", Key: ticker}
	}
	var i domain.Instrument
	return i, json.Unmarshal(v, &i)
}

func (t *tx) ListActiveInstruments(ctx context.Context) ([]domain.Instrument, error) {
	var out []domain.Instrument
	err := t.btx.Bucket(bucketInstruments).ForEach(func(_, v []byte) error {
		var i domain.Instrument
		if err := json.Unmarshal(v, &i); err != nil {
			return err
		}
		if i.IsActive {
			out = append(out, i)
		}
		return nil
	})
	return out, err
}

func (t *tx) CreateInstrument(ctx context.Context, i domain.Instrument) error {
	b := t.btx.Bucket(bucketInstruments)
	if existing := b.Get([]byte(i.Ticker)); existing != nil {
		return domain.ErrConflict
	}
	return t.putInstrument(i)
}

func (t *tx) UpdateInstrument(ctx context.Context, i domain.Instrument) error {
	if t.btx.Bucket(bucketInstruments).Get([]byte(i.Ticker)) == nil {
		return &store.NotFoundError{Entity: "instrument", Key: i.Ticker}
	}
	return t.putInstrument(i)
}

func (t *tx) putInstrument(i domain.Instrument) error {
	v, err := json.Marshal(i)
	if err != nil {
		return err
	}
	return t.btx.Bucket(bucketInstruments).Put([]byte(i.Ticker), v)
}

func (t *tx) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	v := t.btx.Bucket(bucketOrders).Get([]byte(id))
	if v == nil {
		return domain.Order{}, &store.NotFoundError{Entity: "order", Key: id}
	}
	var o domain.Order
	return o, json.Unmarshal(v, &o)
}

func (t *tx) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	var out []domain.Order
	err := t.btx.Bucket(bucketOrders).ForEach(func(_, v []byte) error {
		var o domain.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}
		if o.Owner == userID {
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

func (t *tx) ListOpenOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return t.s.ListOpenOrdersByUser(ctx, userID)
}

func (t *tx) ListOpenOrdersByInstrument(ctx context.Context, ticker string) ([]domain.Order, error) {
	return t.s.ListOpenOrdersByInstrument(ctx, ticker)
}

// CreateOrder and UpdateOrder defer their secondary-index maintenance
// to t.btx.OnCommit: a WithTx unit of work spanning several writes
// rolls back in bbolt atomically, but the in-memory google/btree open-
// orders index lives outside that transaction, so indexing eagerly
// (before the enclosing bbolt.Tx is known to commit) would leave the
// index pointing at an order a rolled-back write never actually
// persisted.

func (t *tx) CreateOrder(ctx context.Context, o domain.Order) error {
	b := t.btx.Bucket(bucketOrders)
	if existing := b.Get([]byte(o.ID)); existing != nil {
		return domain.ErrConflict
	}
	v, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(o.ID), v); err != nil {
		return err
	}
	if !o.Status.Terminal() {
		t.btx.OnCommit(func() { t.s.indexOpenOrder(o) })
	}
	return nil
}

func (t *tx) UpdateOrder(ctx context.Context, o domain.Order) error {
	b := t.btx.Bucket(bucketOrders)
	if b.Get([]byte(o.ID)) == nil {
		return &store.NotFoundError{Entity: "order", Key: o.ID}
	}
	v, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(o.ID), v); err != nil {
		return err
	}
	if o.Status.Terminal() {
		t.btx.OnCommit(func() { t.s.unindexOpenOrder(o) })
	} else {
		t.btx.OnCommit(func() { t.s.indexOpenOrder(o) })
	}
	return nil
}

func (t *tx) AppendTrade(ctx context.Context, tr domain.Trade) error {
	root := t.btx.Bucket(bucketTradeSeq)
	sub, err := root.CreateBucketIfNotExists([]byte(tr.Instrument))
	if err != nil {
		return err
	}
	seq, err := sub.NextSequence()
	if err != nil {
		return err
	}
	v, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return sub.Put(key, v)
}

// RecentTrades returns the last limit trades for ticker, most recent
// first, by walking the per-ticker sequence bucket backwards from its
// cursor end.
func (t *tx) RecentTrades(ctx context.Context, ticker string, limit int) ([]domain.Trade, error) {
	root := t.btx.Bucket(bucketTradeSeq)
	sub := root.Bucket([]byte(ticker))
	if sub == nil {
		return nil, nil
	}
	var out []domain.Trade
	c := sub.Cursor()
	for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
		var tr domain.Trade
		if err := json.Unmarshal(v, &tr); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func (t *tx) GetBalance(ctx context.Context, userID, instrument string) (domain.Balance, error) {
	v := t.btx.Bucket(bucketBalances).Get(balanceKey(userID, instrument))
	if v == nil {
		return domain.Balance{UserID: userID, Instrument: instrument}, nil
	}
	var b domain.Balance
	return b, json.Unmarshal(v, &b)
}

func (t *tx) ListBalances(ctx context.Context, userID string) ([]domain.Balance, error) {
	prefix := []byte(userID + "\x00")
	var out []domain.Balance
	c := t.btx.Bucket(bucketBalances).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var b domain.Balance
		if err := json.Unmarshal(v, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (t *tx) PutBalance(ctx context.Context, b domain.Balance) error {
	v, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return t.btx.Bucket(bucketBalances).Put(balanceKey(b.UserID, b.Instrument), v)
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

var _ store.Store = (*Store)(nil)
