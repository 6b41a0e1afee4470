package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/auth"
	"github.com/Ishan3450/complete-stock-exchange/internal/db"
	"github.com/Ishan3450/complete-stock-exchange/internal/models"
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultTradesLimit  = 50
	defaultTickerWindow = 24 * time.Hour
)

// TradeStore serves trade history. *db.DB satisfies it.
type TradeStore interface {
	GetTrades(ctx context.Context, market string, limit int) ([]models.Trade, error)
	GetTicker(ctx context.Context, market string, since time.Time) (models.Ticker, error)
}

// Handler turns HTTP requests into engine commands
type Handler struct {
	Gateway *Gateway
	Trades  TradeStore        // optional
	Users   *auth.AuthService // optional; enables signup, signin and /me
	log     *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(gw *Gateway, trades TradeStore, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Gateway: gw, Trades: trades, log: log.Named("http")}
}

// statusFor maps engine error codes to HTTP statuses
func statusFor(code string) int {
	switch code {
	case protocol.CodeInvalidOrderParameters, protocol.CodeInsufficientFunds, protocol.CodeInsufficientHoldings:
		return http.StatusBadRequest
	case protocol.CodeInvalidMarket, protocol.CodeInvalidUser, protocol.CodeOrderNotFound:
		return http.StatusNotFound
	case protocol.CodeUserExists, protocol.CodeMarketExists, protocol.CodeMarketNotEmpty:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var engineErr protocol.Error
	switch {
	case errors.As(err, &engineErr):
		writeJSON(w, statusFor(engineErr.Code), map[string]string{"error": engineErr.Message, "code": engineErr.Code})
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		h.log.Warn("engine_timeout", zap.Error(err))
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "Engine did not respond in time"})
	default:
		h.log.Error("engine_request_failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Engine unavailable"})
	}
}

// do runs cmd through the gateway and writes the reply with status
func (h *Handler) do(w http.ResponseWriter, r *http.Request, status int, cmd protocol.Command) {
	ev, err := h.Gateway.Request(r.Context(), cmd)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, ev)
}

// decode reads a JSON body into v. On failure it writes the same error shape
// the engine uses for bad parameters.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request body: " + err.Error(),
			"code":  protocol.CodeInvalidOrderParameters,
		})
		return false
	}
	return true
}

// userID prefers the account of a signed-in caller over the one in the request
func userID(r *http.Request, fallback string) string {
	if id, ok := auth.UserID(r.Context()); ok {
		return id
	}
	return fallback
}

// PlaceOrder submits a limit order
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateOrder
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r, req.UserID)
	h.do(w, r, http.StatusCreated, req)
}

// CancelOrder cancels a resting order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req protocol.CancelOrder
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r, req.UserID)
	h.do(w, r, http.StatusOK, req)
}

// GetDepth returns the aggregated book of one market
func (h *Handler) GetDepth(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, http.StatusOK, protocol.GetDepth{Market: chi.URLParam(r, "market")})
}

// CreateUser opens an empty account
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateUser
	if !decode(w, r, &req) {
		return
	}
	h.do(w, r, http.StatusCreated, req)
}

// GetPortfolio returns a user's balances and holdings
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, http.StatusOK, protocol.GetUserPortfolio{UserID: userID(r, chi.URLParam(r, "id"))})
}

// GetOpenOrders lists a user's resting orders, optionally for ?market=
func (h *Handler) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, http.StatusOK, protocol.GetOpenOrders{
		UserID: userID(r, chi.URLParam(r, "id")),
		Market: r.URL.Query().Get("market"),
	})
}

// GetMarkets lists market names
func (h *Handler) GetMarkets(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, http.StatusOK, protocol.GetMarketsList{})
}

// GetMarketStats returns open order counts per market
func (h *Handler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, http.StatusOK, protocol.MarketStats{})
}

// GetTrades returns recent trades of a market from the persistence store
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	if h.Trades == nil {
		http.Error(w, `{"error": "Trade history not configured"}`, http.StatusNotFound)
		return
	}
	limit := defaultTradesLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, `{"error": "Invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := h.Trades.GetTrades(r.Context(), chi.URLParam(r, "market"), limit)
	if err != nil {
		h.log.Error("get_trades_failed", zap.Error(err))
		http.Error(w, `{"error": "Failed to retrieve trades"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetTicker returns open, high, low, close and volume over ?window= (default 24h)
func (h *Handler) GetTicker(w http.ResponseWriter, r *http.Request) {
	if h.Trades == nil {
		http.Error(w, `{"error": "Trade history not configured"}`, http.StatusNotFound)
		return
	}
	window := defaultTickerWindow
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			http.Error(w, `{"error": "Invalid window"}`, http.StatusBadRequest)
			return
		}
		window = d
	}

	ticker, err := h.Trades.GetTicker(r.Context(), chi.URLParam(r, "market"), time.Now().Add(-window))
	if err != nil {
		h.log.Error("get_ticker_failed", zap.Error(err))
		http.Error(w, `{"error": "Failed to retrieve ticker"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ticker)
}

// AddMarket opens a new market
func (h *Handler) AddMarket(w http.ResponseWriter, r *http.Request) {
	var req protocol.AddMarket
	if !decode(w, r, &req) {
		return
	}
	h.do(w, r, http.StatusCreated, req)
}

// RemoveMarket deletes a market; ?force=true cancels its resting orders first
func (h *Handler) RemoveMarket(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	h.do(w, r, http.StatusOK, protocol.RemoveMarket{Market: chi.URLParam(r, "market"), Force: force})
}

// AddBalance credits quote funds to a user
func (h *Handler) AddBalance(w http.ResponseWriter, r *http.Request) {
	var req protocol.AddBalance
	if !decode(w, r, &req) {
		return
	}
	h.do(w, r, http.StatusOK, req)
}

// AddHoldings credits base inventory to a user
func (h *Handler) AddHoldings(w http.ResponseWriter, r *http.Request) {
	var req protocol.AddHoldings
	if !decode(w, r, &req) {
		return
	}
	h.do(w, r, http.StatusOK, req)
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signinRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Signup registers a login and opens its trading account
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := h.Users.Register(r.Context(), req.Username, req.Email, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, user)
	case errors.Is(err, auth.ErrInvalidSignup):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, db.ErrDuplicateUser):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Username or email already registered"})
	default:
		h.writeError(w, err)
	}
}

// Signin exchanges credentials for a user token
func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if !decode(w, r, &req) {
		return
	}

	token, err := h.Users.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid username or password"})
		return
	}
	if err != nil {
		h.log.Error("signin_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to sign in"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "userId": req.Username})
}
