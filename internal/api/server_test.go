package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"

	"tochka/internal/coordinator"
	"tochka/internal/domain"
	"tochka/internal/ledger"
	"tochka/internal/store/bbolt"
)

// --- Setup & Helpers --------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *bbolt.Store) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tb, tctx := tomb.WithContext(ctx)
	t.Cleanup(func() { tb.Kill(nil) })

	require.NoError(t, db.CreateInstrument(context.Background(), domain.Instrument{Ticker: "RUB", IsActive: true}))
	require.NoError(t, db.CreateInstrument(context.Background(), domain.Instrument{Ticker: "TICK", IsActive: true}))

	coord := coordinator.New(tb, tctx, db, ledger.New())
	return New(coord, db), db
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "TOKEN "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- Tests ------------------------------------------------------------------

func TestServer_RegisterIssuesAPIKey(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/public/register", "", registerRequest{Name: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.APIKey, 64)
}

func TestServer_UnauthenticatedOrderSubmitRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/order", "", submitOrderRequest{Direction: "BUY", Ticker: "TICK", Qty: 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_SubmitAndCancelOrder(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	reg := doJSON(t, h, http.MethodPost, "/public/register", "", registerRequest{Name: "alice"})
	require.Equal(t, http.StatusCreated, reg.Code)
	var regResp registerResponse
	require.NoError(t, json.Unmarshal(reg.Body.Bytes(), &regResp))

	s.coord.Deposit(regResp.ID, "RUB", 1000)
	require.NoError(t, s.coord.PersistBalance(context.Background(), regResp.ID, "RUB"))

	price := uint64(50)
	submit := doJSON(t, h, http.MethodPost, "/order", regResp.APIKey, submitOrderRequest{
		Direction: "BUY", Ticker: "TICK", Qty: 2, Price: &price,
	})
	require.Equal(t, http.StatusCreated, submit.Code)
	var submitResp submitOrderResponse
	require.NoError(t, json.Unmarshal(submit.Body.Bytes(), &submitResp))
	assert.Equal(t, "NEW", submitResp.Status)

	bal := doJSON(t, h, http.MethodGet, "/balance", regResp.APIKey, nil)
	require.Equal(t, http.StatusOK, bal.Code)
	var balances []balanceResponse
	require.NoError(t, json.Unmarshal(bal.Body.Bytes(), &balances))
	var rub balanceResponse
	for _, b := range balances {
		if b.Ticker == "RUB" {
			rub = b
		}
	}
	assert.Equal(t, uint64(900), rub.Available)
	assert.Equal(t, uint64(100), rub.Frozen)

	cancel := doJSON(t, h, http.MethodDelete, "/order/"+submitResp.OrderID, regResp.APIKey, nil)
	assert.Equal(t, http.StatusOK, cancel.Code)
}

func TestServer_OrderBookSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	rec := doJSON(t, h, http.MethodGet, "/public/orderbook/TICK", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp orderBookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.AskLevels)
	assert.Empty(t, resp.BidLevels)
}
