package bbolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tochka/internal/domain"
	"tochka/internal/store"
)

// --- Setup & Helpers --------------------------------------------------------

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// --- Tests ------------------------------------------------------------------

func TestStore_CreateAndGetUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := domain.User{ID: "u1", Name: "alice", APIKey: "key1", Role: domain.RoleUser, IsActive: true}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, u, got)

	byKey, err := s.GetUserByAPIKey(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, u, byKey)
}

func TestStore_CreateUserDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := domain.User{ID: "u1", APIKey: "k1"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.ErrorIs(t, s.CreateUser(ctx, u), domain.ErrConflict)
}

func TestStore_GetUserNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_InstrumentLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inst := domain.Instrument{Ticker: "TICK", Name: "Tick Co", IsActive: true}
	require.NoError(t, s.CreateInstrument(ctx, inst))

	active, err := s.ListActiveInstruments(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	inst.IsActive = false
	require.NoError(t, s.UpdateInstrument(ctx, inst))
	active, err = s.ListActiveInstruments(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStore_OpenOrdersIndexByUserAndInstrument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o1 := domain.Order{ID: "o1", Owner: "alice", Instrument: "TICK", Status: domain.New, CreatedAt: time.Now()}
	o2 := domain.Order{ID: "o2", Owner: "alice", Instrument: "TICK", Status: domain.New, CreatedAt: time.Now().Add(time.Millisecond)}
	o3 := domain.Order{ID: "o3", Owner: "bob", Instrument: "OTHER", Status: domain.Executed, CreatedAt: time.Now()}

	require.NoError(t, s.CreateOrder(ctx, o1))
	require.NoError(t, s.CreateOrder(ctx, o2))
	require.NoError(t, s.CreateOrder(ctx, o3))

	byUser, err := s.ListOpenOrdersByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byInst, err := s.ListOpenOrdersByInstrument(ctx, "TICK")
	require.NoError(t, err)
	assert.Len(t, byInst, 2)

	byInstOther, err := s.ListOpenOrdersByInstrument(ctx, "OTHER")
	require.NoError(t, err)
	assert.Empty(t, byInstOther) // o3 is terminal, never indexed
}

func TestStore_UpdateOrderToTerminalRemovesFromOpenIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o := domain.Order{ID: "o1", Owner: "alice", Instrument: "TICK", Status: domain.New, CreatedAt: time.Now()}
	require.NoError(t, s.CreateOrder(ctx, o))

	o.Status = domain.Cancelled
	require.NoError(t, s.UpdateOrder(ctx, o))

	open, err := s.ListOpenOrdersByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStore_RecentTradesMostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		tr := domain.Trade{ID: string(rune('a' + i)), Instrument: "TICK", Price: uint64(10 + i), Quantity: 1, Timestamp: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.AppendTrade(ctx, tr))
	}

	recent, err := s.RecentTrades(ctx, "TICK", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)
}

func TestStore_BalanceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := domain.Balance{UserID: "alice", Instrument: "RUB", Available: 100, Frozen: 40}
	require.NoError(t, s.PutBalance(ctx, b))

	got, err := s.GetBalance(ctx, "alice", "RUB")
	require.NoError(t, err)
	assert.Equal(t, b, got)

	all, err := s.ListBalances(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, domain.User{ID: "u1", APIKey: "k1"}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.Error(t, err)

	_, getErr := s.GetUser(ctx, "u1")
	assert.ErrorIs(t, getErr, domain.ErrNotFound)
}
