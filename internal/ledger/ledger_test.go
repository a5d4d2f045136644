package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tochka/internal/domain"
)

// --- Tests ------------------------------------------------------------------

func TestLedger_ReserveMovesAvailableToFrozen(t *testing.T) {
	lg := New()
	lg.Deposit("alice", "RUB", 100)

	require.NoError(t, lg.Reserve("alice", "RUB", 40))
	bal := lg.Balance("alice", "RUB")
	assert.Equal(t, uint64(60), bal.Available)
	assert.Equal(t, uint64(40), bal.Frozen)
}

func TestLedger_ReserveInsufficientFunds(t *testing.T) {
	lg := New()
	lg.Deposit("alice", "RUB", 10)
	err := lg.Reserve("alice", "RUB", 11)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestLedger_ReleaseReturnsFrozenToAvailable(t *testing.T) {
	lg := New()
	lg.Deposit("alice", "RUB", 100)
	require.NoError(t, lg.Reserve("alice", "RUB", 100))

	lg.Release("alice", "RUB", 100)
	bal := lg.Balance("alice", "RUB")
	assert.Equal(t, uint64(100), bal.Available)
	assert.Equal(t, uint64(0), bal.Frozen)
}

func TestLedger_ReleaseMoreThanFrozenPanics(t *testing.T) {
	lg := New()
	assert.Panics(t, func() { lg.Release("alice", "RUB", 1) })
}

func TestLedger_SettleTransferMovesFrozenToCounterpartyAvailable(t *testing.T) {
	lg := New()
	lg.Deposit("bob", "TICK", 2)
	require.NoError(t, lg.Reserve("bob", "TICK", 2))

	lg.SettleTransfer("bob", "alice", "TICK", 2)

	assert.Equal(t, uint64(0), lg.Balance("bob", "TICK").Frozen)
	assert.Equal(t, uint64(2), lg.Balance("alice", "TICK").Available)
}

func TestLedger_SettleTransferExceedingFrozenPanics(t *testing.T) {
	lg := New()
	assert.Panics(t, func() { lg.SettleTransfer("bob", "alice", "TICK", 1) })
}

func TestLedger_WithdrawInsufficientFunds(t *testing.T) {
	lg := New()
	lg.Deposit("alice", "RUB", 5)
	err := lg.Withdraw("alice", "RUB", 6)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(5), lg.Balance("alice", "RUB").Available)
}

func TestLedger_WithdrawCannotTouchFrozen(t *testing.T) {
	lg := New()
	lg.Deposit("alice", "RUB", 10)
	require.NoError(t, lg.Reserve("alice", "RUB", 10))
	err := lg.Withdraw("alice", "RUB", 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestLedger_ConcurrentReservationsStayConsistent(t *testing.T) {
	lg := New()
	lg.Deposit("alice", "RUB", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lg.Reserve("alice", "RUB", 10)
		}()
	}
	wg.Wait()

	bal := lg.Balance("alice", "RUB")
	assert.Equal(t, uint64(1000), bal.Available+bal.Frozen)
}
