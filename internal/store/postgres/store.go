// Package postgres is the alternate Store backend for deployments that
// run the matching core against a separate database host instead of
// the embedded internal/store/bbolt file. It uses database/sql with
// github.com/lib/pq and runs every unit of work inside a
// SERIALIZABLE transaction, mirroring original_source's SQLAlchemy
// session-per-request pattern one level stricter — Postgres, not the
// application, detects the write-write conflicts spec §4.4 requires.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"tochka/internal/domain"
	"tochka/internal/store"
)

// Schema mirrors original_source/src/models/*.py: users, instruments,
// orders, trades, balances. Run once at startup; Open does not manage
// migrations beyond this bootstrap DDL, same as original_source's
// Base.metadata.create_all.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	api_key TEXT NOT NULL UNIQUE,
	role SMALLINT NOT NULL,
	is_active BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS instruments (
	ticker TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	is_active BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL REFERENCES users(id),
	instrument TEXT NOT NULL,
	side SMALLINT NOT NULL,
	type SMALLINT NOT NULL,
	quantity BIGINT NOT NULL,
	price BIGINT NOT NULL,
	filled BIGINT NOT NULL,
	status SMALLINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_open_by_owner ON orders (owner, created_at) WHERE status IN (0, 1);
CREATE INDEX IF NOT EXISTS orders_open_by_instrument ON orders (instrument, created_at) WHERE status IN (0, 1);
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	buy_order_id TEXT NOT NULL,
	sell_order_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	price BIGINT NOT NULL,
	quantity BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_by_instrument_ts ON trades (instrument, ts DESC);
CREATE TABLE IF NOT EXISTS balances (
	user_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	available BIGINT NOT NULL,
	frozen BIGINT NOT NULL,
	PRIMARY KEY (user_id, instrument)
);
`

// Store is the Postgres-backed store.Store implementation.
type Store struct {
	db *sql.DB
}

// Open connects using dsn (a lib/pq connection string) and applies the
// bootstrap schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// WithTx opens a SERIALIZABLE transaction and commits it only if fn
// returns nil; a SQLSTATE 40001 serialization failure surfaces to the
// caller as an error wrapping domain.ErrConflict.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	t := &tx{sqlTx: sqlTx}
	if err := fn(t); err != nil {
		sqlTx.Rollback()
		return translateErr(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translateErr(err)
	}
	return nil
}

// translateErr maps a Postgres serialization-failure SQLSTATE to
// domain.ErrConflict; every other error passes through unchanged.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var msg string
	if e, ok := err.(interface{ Error() string }); ok {
		msg = e.Error()
	}
	if len(msg) > 0 && (contains(msg, "40001") || contains(msg, "could not serialize access")) {
		return errors.Join(domain.ErrConflict, err)
	}
	return err
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// The top-level Store methods run a dedicated single-statement
// transaction each, same convention as internal/store/bbolt.

func (s *Store) withAutoTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.WithTx(ctx, fn)
}

func (s *Store) GetUser(ctx context.Context, id string) (u domain.User, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { u, err = t.GetUser(ctx, id); return err })
	return
}
func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (u domain.User, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { u, err = t.GetUserByAPIKey(ctx, apiKey); return err })
	return
}
func (s *Store) ListUsers(ctx context.Context) (out []domain.User, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { out, err = t.ListUsers(ctx); return err })
	return
}
func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	return s.withAutoTx(ctx, func(t store.Tx) error { return t.CreateUser(ctx, u) })
}
func (s *Store) UpdateUser(ctx context.Context, u domain.User) error {
	return s.withAutoTx(ctx, func(t store.Tx) error { return t.UpdateUser(ctx, u) })
}
func (s *Store) GetInstrument(ctx context.Context, ticker string) (i domain.Instrument, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { i, err = t.GetInstrument(ctx, ticker); return err })
	return
}
func (s *Store) ListActiveInstruments(ctx context.Context) (out []domain.Instrument, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { out, err = t.ListActiveInstruments(ctx); return err })
	return
}
func (s *Store) CreateInstrument(ctx context.Context, i domain.Instrument) error {
	return s.withAutoTx(ctx, func(t store.Tx) error { return t.CreateInstrument(ctx, i) })
}
func (s *Store) UpdateInstrument(ctx context.Context, i domain.Instrument) error {
	return s.withAutoTx(ctx, func(t store.Tx) error { return t.UpdateInstrument(ctx, i) })
}
func (s *Store) GetOrder(ctx context.Context, id string) (o domain.Order, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { o, err = t.GetOrder(ctx, id); return err })
	return
}
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) (out []domain.Order, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { out, err = t.ListOrdersByUser(ctx, userID); return err })
	return
}
func (s *Store) ListOpenOrdersByUser(ctx context.Context, userID string) (out []domain.Order, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { out, err = t.ListOpenOrdersByUser(ctx, userID); return err })
	return
}
func (s *Store) ListOpenOrdersByInstrument(ctx context.Context, ticker string) (out []domain.Order, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { out, err = t.ListOpenOrdersByInstrument(ctx, ticker); return err })
	return
}
func (s *Store) CreateOrder(ctx context.Context, o domain.Order) error {
	return s.withAutoTx(ctx, func(t store.Tx) error { return t.CreateOrder(ctx, o) })
}
func (s *Store) UpdateOrder(ctx context.Context, o domain.Order) error {
	return s.withAutoTx(ctx, func(t store.Tx) error { return t.UpdateOrder(ctx, o) })
}
func (s *Store) AppendTrade(ctx context.Context, tr domain.Trade) error {
	return s.withAutoTx(ctx, func(t store.Tx) error { return t.AppendTrade(ctx, tr) })
}
func (s *Store) RecentTrades(ctx context.Context, ticker string, limit int) (out []domain.Trade, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { out, err = t.RecentTrades(ctx, ticker, limit); return err })
	return
}
func (s *Store) GetBalance(ctx context.Context, userID, instrument string) (b domain.Balance, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { b, err = t.GetBalance(ctx, userID, instrument); return err })
	return
}
func (s *Store) ListBalances(ctx context.Context, userID string) (out []domain.Balance, err error) {
	err = s.withAutoTx(ctx, func(t store.Tx) error { out, err = t.ListBalances(ctx, userID); return err })
	return
}
func (s *Store) PutBalance(ctx context.Context, b domain.Balance) error {
	return s.withAutoTx(ctx, func(t store.Tx) error { return t.PutBalance(ctx, b) })
}

// tx is the store.Tx handed to a WithTx closure, backed by one live
// *sql.Tx.
type tx struct {
	sqlTx *sql.Tx
}

func (t *tx) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var role int
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT id, name, api_key, role, is_active FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.APIKey, &role, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, &store.NotFoundError{Entity: "user", Key: id}
	}
	u.Role = domain.Role(role)
	return u, err
}

func (t *tx) GetUserByAPIKey(ctx context.Context, apiKey string) (domain.User, error) {
	var u domain.User
	var role int
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT id, name, api_key, role, is_active FROM users WHERE api_key = $1`, apiKey,
	).Scan(&u.ID, &u.Name, &u.APIKey, &role, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, &store.NotFoundError{Entity: "user", Key: "apikey:" + apiKey}
	}
	u.Role = domain.Role(role)
	return u, err
}

func (t *tx) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT id, name, api_key, role, is_active FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		var u domain.User
		var role int
		if err := rows.Scan(&u.ID, &u.Name, &u.APIKey, &role, &u.IsActive); err != nil {
			return nil, err
		}
		u.Role = domain.Role(role)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *tx) CreateUser(ctx context.Context, u domain.User) error {
	_, err := t.sqlTx.ExecContext(ctx,
		`INSERT INTO users (id, name, api_key, role, is_active) VALUES ($1,$2,$3,$4,$5)`,
		u.ID, u.Name, u.APIKey, int(u.Role), u.IsActive)
	return err
}

func (t *tx) UpdateUser(ctx context.Context, u domain.User) error {
	res, err := t.sqlTx.ExecContext(ctx,
		`UPDATE users SET name=$2, api_key=$3, role=$4, is_active=$5 WHERE id=$1`,
		u.ID, u.Name, u.APIKey, int(u.Role), u.IsActive)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "user", u.ID)
}

func (t *tx) GetInstrument(ctx context.Context, ticker string) (domain.Instrument, error) {
	var i domain.Instrument
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT ticker, name, is_active FROM instruments WHERE ticker = $1`, ticker,
	).Scan(&i.Ticker, &i.Name, &i.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instrument{}, &store.NotFoundError{Entity: "instrument", Key: ticker}
	}
	return i, err
}

func (t *tx) ListActiveInstruments(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT ticker, name, is_active FROM instruments WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Instrument
	for rows.Next() {
		var i domain.Instrument
		if err := rows.Scan(&i.Ticker, &i.Name, &i.IsActive); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (t *tx) CreateInstrument(ctx context.Context, i domain.Instrument) error {
	_, err := t.sqlTx.ExecContext(ctx,
		`INSERT INTO instruments (ticker, name, is_active) VALUES ($1,$2,$3)`,
		i.Ticker, i.Name, i.IsActive)
	return err
}

func (t *tx) UpdateInstrument(ctx context.Context, i domain.Instrument) error {
	res, err := t.sqlTx.ExecContext(ctx,
		`UPDATE instruments SET name=$2, is_active=$3 WHERE ticker=$1`, i.Ticker, i.Name, i.IsActive)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "instrument", i.Ticker)
}

func (t *tx) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	var o domain.Order
	var side, typ, status int
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT id, owner, instrument, side, type, quantity, price, filled, status, created_at
		 FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.Owner, &o.Instrument, &side, &typ, &o.Quantity, &o.Price, &o.Filled, &status, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, &store.NotFoundError{Entity: "order", Key: id}
	}
	o.Side, o.Type, o.Status = domain.Side(side), domain.OrderType(typ), domain.OrderStatus(status)
	return o, err
}

func (t *tx) scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var side, typ, status int
		if err := rows.Scan(&o.ID, &o.Owner, &o.Instrument, &side, &typ, &o.Quantity, &o.Price, &o.Filled, &status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Side, o.Type, o.Status = domain.Side(side), domain.OrderType(typ), domain.OrderStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *tx) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := t.sqlTx.QueryContext(ctx,
		`SELECT id, owner, instrument, side, type, quantity, price, filled, status, created_at
		 FROM orders WHERE owner = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	return t.scanOrders(rows)
}

func (t *tx) ListOpenOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := t.sqlTx.QueryContext(ctx,
		`SELECT id, owner, instrument, side, type, quantity, price, filled, status, created_at
		 FROM orders WHERE owner = $1 AND status IN (0,1) ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	return t.scanOrders(rows)
}

func (t *tx) ListOpenOrdersByInstrument(ctx context.Context, ticker string) ([]domain.Order, error) {
	rows, err := t.sqlTx.QueryContext(ctx,
		`SELECT id, owner, instrument, side, type, quantity, price, filled, status, created_at
		 FROM orders WHERE instrument = $1 AND status IN (0,1) ORDER BY created_at`, ticker)
	if err != nil {
		return nil, err
	}
	return t.scanOrders(rows)
}

func (t *tx) CreateOrder(ctx context.Context, o domain.Order) error {
	_, err := t.sqlTx.ExecContext(ctx,
		`INSERT INTO orders (id, owner, instrument, side, type, quantity, price, filled, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, o.Owner, o.Instrument, int(o.Side), int(o.Type), o.Quantity, o.Price, o.Filled, int(o.Status), o.CreatedAt)
	return err
}

func (t *tx) UpdateOrder(ctx context.Context, o domain.Order) error {
	res, err := t.sqlTx.ExecContext(ctx,
		`UPDATE orders SET filled=$2, status=$3 WHERE id=$1`, o.ID, o.Filled, int(o.Status))
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "order", o.ID)
}

func (t *tx) AppendTrade(ctx context.Context, tr domain.Trade) error {
	_, err := t.sqlTx.ExecContext(ctx,
		`INSERT INTO trades (id, buy_order_id, sell_order_id, instrument, price, quantity, ts)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		tr.ID, tr.BuyOrderID, tr.SellOrderID, tr.Instrument, tr.Price, tr.Quantity, tr.Timestamp)
	return err
}

func (t *tx) RecentTrades(ctx context.Context, ticker string, limit int) ([]domain.Trade, error) {
	rows, err := t.sqlTx.QueryContext(ctx,
		`SELECT id, buy_order_id, sell_order_id, instrument, price, quantity, ts
		 FROM trades WHERE instrument = $1 ORDER BY ts DESC LIMIT $2`, ticker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		var tr domain.Trade
		if err := rows.Scan(&tr.ID, &tr.BuyOrderID, &tr.SellOrderID, &tr.Instrument, &tr.Price, &tr.Quantity, &tr.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *tx) GetBalance(ctx context.Context, userID, instrument string) (domain.Balance, error) {
	b := domain.Balance{UserID: userID, Instrument: instrument}
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT available, frozen FROM balances WHERE user_id = $1 AND instrument = $2`, userID, instrument,
	).Scan(&b.Available, &b.Frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	return b, err
}

func (t *tx) ListBalances(ctx context.Context, userID string) ([]domain.Balance, error) {
	rows, err := t.sqlTx.QueryContext(ctx,
		`SELECT instrument, available, frozen FROM balances WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Balance
	for rows.Next() {
		b := domain.Balance{UserID: userID}
		if err := rows.Scan(&b.Instrument, &b.Available, &b.Frozen); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *tx) PutBalance(ctx context.Context, b domain.Balance) error {
	_, err := t.sqlTx.ExecContext(ctx,
		`INSERT INTO balances (user_id, instrument, available, frozen) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (user_id, instrument) DO UPDATE SET available = $3, frozen = $4`,
		b.UserID, b.Instrument, b.Available, b.Frozen)
	return err
}

func requireRowsAffected(res sql.Result, entity, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &store.NotFoundError{Entity: entity, Key: key}
	}
	return nil
}

var _ store.Store = (*Store)(nil)
