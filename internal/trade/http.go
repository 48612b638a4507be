package trade

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/risk"
	"github.com/atmx/trading-engine/internal/store"
	"github.com/atmx/trading-engine/internal/wallet"
)

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	OwnerID        string          `json:"owner_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// OrderRequest is the JSON body for POST /accounts/{ownerID}/orders.
//
// Derivatives may be given either field by field or as a contract code
// (BTCUSDT-20261231, BTCUSDT-20261231-65000-C), which sets the symbol,
// class, expiry, strike and option type.
type OrderRequest struct {
	Contract     string                `json:"contract,omitempty"`
	AssetSymbol  string                `json:"asset_symbol"`
	Class        model.InstrumentClass `json:"instrument_class"`
	Direction    model.Direction       `json:"direction"`
	Quantity     decimal.Decimal       `json:"quantity"`
	Price        decimal.Decimal       `json:"price"`
	ExpiryDate   string                `json:"expiry_date,omitempty"` // YYYYMMDD or YYYY-MM-DD
	Leverage     decimal.Decimal       `json:"leverage"`
	ContractSize decimal.Decimal       `json:"contract_size"`
	StrikePrice  decimal.Decimal       `json:"strike_price"`
	OptionType   model.OptionType      `json:"option_type,omitempty"`
	Premium      decimal.Decimal       `json:"premium"`
}

// Intent converts the request to an order intent.
func (req OrderRequest) Intent() (model.OrderIntent, error) {
	intent := model.OrderIntent{
		AssetSymbol:  req.AssetSymbol,
		Class:        req.Class,
		Direction:    req.Direction,
		Quantity:     req.Quantity,
		Price:        req.Price,
		Leverage:     req.Leverage,
		ContractSize: req.ContractSize,
		StrikePrice:  req.StrikePrice,
		OptionType:   req.OptionType,
		Premium:      req.Premium,
	}
	if req.ExpiryDate != "" {
		expiry, err := instrument.ParseExpiry(req.ExpiryDate)
		if err != nil {
			return intent, errors.Join(instrument.ErrInvalidIntent, err)
		}
		intent.ExpiryDate = expiry
	}
	if req.Contract != "" {
		c, err := instrument.ParseContract(req.Contract)
		if err != nil {
			return intent, errors.Join(instrument.ErrInvalidIntent, err)
		}
		c.Apply(&intent)
	}
	return intent, nil
}

// ClosePositionRequest is the JSON body for a manual close. Both fields are
// optional: without a price the latest mark is used.
type ClosePositionRequest struct {
	Price   decimal.Decimal `json:"price"`
	Premium decimal.Decimal `json:"premium"`
}

// Routes mounts the account and order endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Route("/accounts/{ownerID}", func(r chi.Router) {
		r.Get("/wallet", s.GetWallet)
		r.Get("/transactions", s.GetWalletTransactions)
		r.Get("/positions", s.ListPositions)
		r.Get("/counters", s.GetTradeCounters)
		r.Post("/orders", s.PlaceOrderHandler)
		r.Post("/positions/{positionID}/close", s.ClosePositionHandler)
	})
	r.Get("/positions/{positionID}/history", s.GetPositionHistory)
	r.Get("/marks/{symbol}", s.GetMark)
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := s.OpenAccount(r.Context(), req.OwnerID, req.InitialBalance)
	if err != nil {
		writeError(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// PlaceOrderHandler handles POST /api/v1/accounts/{ownerID}/orders
func (s *Service) PlaceOrderHandler(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "ownerID")

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	intent, err := req.Intent()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.PlaceOrder(r.Context(), owner, intent)
	if err != nil {
		writeError(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClosePositionHandler handles POST /api/v1/accounts/{ownerID}/positions/{positionID}/close
func (s *Service) ClosePositionHandler(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "ownerID")
	positionID := chi.URLParam(r, "positionID")

	var req ClosePositionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	res, err := s.ClosePosition(r.Context(), owner, positionID, req.Price, req.Premium)
	if err != nil {
		writeError(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetWallet handles GET /api/v1/accounts/{ownerID}/wallet
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Wallet(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetWalletTransactions handles GET /api/v1/accounts/{ownerID}/transactions
func (s *Service) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.WalletTransactions(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.WalletTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// ListPositions handles GET /api/v1/accounts/{ownerID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.Positions(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetTradeCounters handles GET /api/v1/accounts/{ownerID}/counters
func (s *Service) GetTradeCounters(w http.ResponseWriter, r *http.Request) {
	c, err := s.TradeCounters(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetPositionHistory handles GET /api/v1/positions/{positionID}/history
func (s *Service) GetPositionHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.PositionHistory(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeError(w, "failed to load position history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.PositionHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetMark handles GET /api/v1/marks/{symbol}
func (s *Service) GetMark(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	m, ok := s.Mark(symbol)
	if !ok {
		writeError(w, "no mark for symbol: "+symbol, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, instrument.ErrInvalidIntent),
		errors.Is(err, instrument.ErrInvalidContract),
		errors.Is(err, wallet.ErrNegativeAmount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPositionClosed),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, wallet.ErrInactive):
		return http.StatusConflict
	case errors.Is(err, ErrNoPrice), risk.IsRiskError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
