// Package api implements the HTTP surface of spec §6 on top of the
// standard library's Go 1.22+ method-pattern ServeMux, following
// TanishqAgarwal-OrderMatchingEngine's internal/api/server.go routing
// style. Order submission, cancellation, deactivation and balance
// adjustments go through internal/coordinator; registration,
// instrument creation and the read-only listings use store.Store
// directly. Typed internal/domain errors are mapped onto HTTP status
// codes with errors.Is.
package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"tochka/internal/coordinator"
	"tochka/internal/domain"
	"tochka/internal/store"
)

var tickerPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

func newID() string { return uuid.NewString() }

// Server is the HTTP front end. It holds no matching or ledger logic of
// its own — handlers are thin translations into Coordinator or
// store.Store calls.
type Server struct {
	coord    *coordinator.Coordinator
	db       store.Store
	upgrader websocket.Upgrader
}

// New creates a Server bound to coord and db.
func New(coord *coordinator.Coordinator, db store.Store) *Server {
	return &Server{
		coord: coord,
		db:    db,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the routed mux. Every route outside /public/ and
// /metrics requires a bearer token; /admin/ routes additionally require
// role ADMIN,
// mirroring original_source's AuthMiddleware path-prefix rules.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /public/register", s.handleRegister)
	mux.HandleFunc("GET /public/instrument", s.handleListInstruments)
	mux.HandleFunc("GET /public/orderbook/{ticker}", s.handleOrderBook)
	mux.HandleFunc("GET /public/transactions/{ticker}", s.handleTransactions)
	mux.HandleFunc("GET /public/stream/{ticker}", s.handleStream)
	mux.HandleFunc("GET /metrics", promhttp.Handler().ServeHTTP)

	mux.Handle("POST /order", s.authenticated(s.handleSubmitOrder))
	mux.Handle("GET /order", s.authenticated(s.handleListOrders))
	mux.Handle("GET /order/{id}", s.authenticated(s.handleGetOrder))
	mux.Handle("DELETE /order/{id}", s.authenticated(s.handleCancelOrder))
	mux.Handle("GET /balance", s.authenticated(s.handleBalance))

	mux.Handle("POST /admin/instrument", s.admin(s.handleCreateInstrument))
	mux.Handle("DELETE /admin/instrument/{ticker}", s.admin(s.handleDeactivateInstrument))
	mux.Handle("DELETE /admin/user/{id}", s.admin(s.handleDeactivateUser))
	mux.Handle("POST /admin/balance/deposit", s.admin(s.handleDeposit))
	mux.Handle("POST /admin/balance/withdraw", s.admin(s.handleWithdraw))

	return logRequests(mux)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

type ctxKey int

const userCtxKey ctxKey = 0

func userFromContext(ctx context.Context) domain.User {
	u, _ := ctx.Value(userCtxKey).(domain.User)
	return u
}

// authenticated resolves the bearer token into a domain.User and
// rejects the request with 401 if absent, malformed, or unknown.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userCtxKey, u)))
	})
}

// admin is authenticated plus a role check.
func (s *Server) admin(next http.HandlerFunc) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		if userFromContext(r.Context()).Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (domain.User, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "TOKEN "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return domain.User{}, false
	}
	token := h[len(prefix):]
	if len(token) != 64 {
		return domain.User{}, false
	}
	u, err := s.db.GetUserByAPIKey(r.Context(), token)
	if err != nil || !u.IsActive {
		return domain.User{}, false
	}
	return u, true
}

// --- public endpoints ---

type registerRequest struct {
	Name string `json:"name"`
}

type registerResponse struct {
	ID     string `json:"id"`
	APIKey string `json:"api_key"`
}

// newAPIKey mints a 64-hex-character opaque key, the same
// crypto/rand + sha256 scheme original_source's api_key.py uses
// (secrets.token_hex(32) hashed): 32 random bytes are hashed with
// sha256 and the 32-byte digest is hex-encoded to 64 characters.
func newAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := newAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	u := domain.User{ID: newID(), Name: req.Name, APIKey: key, Role: domain.RoleUser, IsActive: true}
	if err := s.db.CreateUser(r.Context(), u); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{ID: u.ID, APIKey: u.APIKey})
}

type instrumentResponse struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	insts, err := s.db.ListActiveInstruments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]instrumentResponse, 0, len(insts))
	for _, i := range insts {
		out = append(out, instrumentResponse{Ticker: i.Ticker, Name: i.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

type levelResponse struct {
	Price uint64 `json:"price"`
	Qty   uint64 `json:"qty"`
}

type orderBookResponse struct {
	AskLevels []levelResponse `json:"ask_levels"`
	BidLevels []levelResponse `json:"bid_levels"`
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")
	depth := parseLimit(r, 10)
	asks, bids := s.coord.SnapshotLevels(ticker, depth)
	resp := orderBookResponse{}
	for _, l := range asks {
		resp.AskLevels = append(resp.AskLevels, levelResponse{Price: l.Price, Qty: l.Quantity})
	}
	for _, l := range bids {
		resp.BidLevels = append(resp.BidLevels, levelResponse{Price: l.Price, Qty: l.Quantity})
	}
	writeJSON(w, http.StatusOK, resp)
}

type tradeResponse struct {
	ID       string `json:"id"`
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"`
	Ts       int64  `json:"ts"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")
	limit := parseLimit(r, 50)
	trades, err := s.db.RecentTrades(r.Context(), ticker, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeResponse{ID: t.ID, Price: t.Price, Quantity: t.Quantity, Ts: t.Timestamp.Unix()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStream upgrades to a websocket and pushes a fresh order-book
// snapshot to the client every second — a supplemented real-time view
// of /public/orderbook/{ticker} the REST endpoint alone can't provide.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker2 := time.NewTicker(time.Second)
	defer ticker2.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker2.C:
			asks, bids := s.coord.SnapshotLevels(ticker, 10)
			resp := orderBookResponse{}
			for _, l := range asks {
				resp.AskLevels = append(resp.AskLevels, levelResponse{Price: l.Price, Qty: l.Quantity})
			}
			for _, l := range bids {
				resp.BidLevels = append(resp.BidLevels, levelResponse{Price: l.Price, Qty: l.Quantity})
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

// --- authenticated order/balance endpoints ---

type submitOrderRequest struct {
	Direction string `json:"direction"`
	Ticker    string `json:"ticker"`
	Qty       uint64 `json:"qty"`
	Price     *uint64 `json:"price,omitempty"`
}

type submitOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Trades  int    `json:"trades"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !tickerPattern.MatchString(req.Ticker) || req.Qty < 1 {
		writeError(w, http.StatusBadRequest, "invalid order")
		return
	}
	var side domain.Side
	switch req.Direction {
	case "BUY":
		side = domain.Buy
	case "SELL":
		side = domain.Sell
	default:
		writeError(w, http.StatusBadRequest, "invalid direction")
		return
	}

	cmd := coordinator.SubmitOrderRequest{
		OwnerID:    userFromContext(r.Context()).ID,
		Instrument: req.Ticker,
		Side:       side,
		Quantity:   req.Qty,
	}
	if req.Price != nil && *req.Price > 0 {
		cmd.Type = domain.Limit
		cmd.Price = *req.Price
	} else {
		cmd.Type = domain.Market
	}

	order, trades, err := s.coord.Submit(r.Context(), cmd)
	if err != nil && order.ID == "" {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitOrderResponse{OrderID: order.ID, Status: order.Status.String(), Trades: len(trades)})
}

type orderResponse struct {
	ID         string `json:"id"`
	Instrument string `json:"ticker"`
	Side       string `json:"direction"`
	Type       string `json:"type"`
	Qty        uint64 `json:"qty"`
	Price      uint64 `json:"price,omitempty"`
	Filled     uint64 `json:"filled"`
	Status     string `json:"status"`
}

func toOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		ID: o.ID, Instrument: o.Instrument, Side: o.Side.String(), Type: o.Type.String(),
		Qty: o.Quantity, Price: o.Price, Filled: o.Filled, Status: o.Status.String(),
	}
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.db.ListOrdersByUser(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.db.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	u := userFromContext(r.Context())
	if o.Owner != u.ID && u.Role != domain.RoleAdmin {
		writeDomainError(w, domain.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	if err := s.coord.Cancel(r.Context(), r.PathValue("id"), u.ID, u.Role == domain.RoleAdmin); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type balanceResponse struct {
	Ticker    string `json:"ticker"`
	Available uint64 `json:"available"`
	Frozen    uint64 `json:"frozen"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	bals, err := s.db.ListBalances(r.Context(), u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]balanceResponse, 0, len(bals))
	for _, b := range bals {
		out = append(out, balanceResponse{Ticker: b.Instrument, Available: b.Available, Frozen: b.Frozen})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- admin endpoints ---

type createInstrumentRequest struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

func (s *Server) handleCreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req createInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !tickerPattern.MatchString(req.Ticker) {
		writeError(w, http.StatusBadRequest, "invalid instrument")
		return
	}
	inst := domain.Instrument{Ticker: req.Ticker, Name: req.Name, IsActive: true}
	if err := s.db.CreateInstrument(r.Context(), inst); err != nil {
		writeDomainError(w, domain.ErrConflict)
		return
	}
	writeJSON(w, http.StatusCreated, instrumentResponse{Ticker: inst.Ticker, Name: inst.Name})
}

func (s *Server) handleDeactivateInstrument(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeactivateInstrument(r.Context(), r.PathValue("ticker")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeactivateUser(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type adjustBalanceRequest struct {
	UserID string `json:"user_id"`
	Ticker string `json:"ticker"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req adjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if _, err := s.db.GetUser(r.Context(), req.UserID); err != nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	s.coord.Deposit(req.UserID, req.Ticker, req.Amount)
	if err := s.coord.PersistBalance(r.Context(), req.UserID, req.Ticker); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	log.Info().Str("admin", userFromContext(r.Context()).ID).Str("user", req.UserID).
		Str("ticker", req.Ticker).Uint64("amount", req.Amount).Msg("admin deposit")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req adjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if _, err := s.db.GetUser(r.Context(), req.UserID); err != nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	if err := s.coord.Withdraw(req.UserID, req.Ticker, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.coord.PersistBalance(r.Context(), req.UserID, req.Ticker); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	log.Info().Str("admin", userFromContext(r.Context()).ID).Str("user", req.UserID).
		Str("ticker", req.Ticker).Uint64("amount", req.Amount).Msg("admin withdraw")
	w.WriteHeader(http.StatusOK)
}

// --- helpers ---

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
