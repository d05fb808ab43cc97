package trade

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/atmx/orderbook-engine/internal/model"
)

// Routes registers the API under r, which is expected to be mounted at
// /api/v1. Order and /users/me routes require the user header.
func (s *Service) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Post("/orders", s.HandlePlaceOrder)
		r.Get("/orders/{orderID}", s.HandleGetOrder)
		r.Delete("/orders/{orderID}", s.HandleCancelOrder)

		r.Get("/users/me/orders", s.HandleListMyOrders)
		r.Get("/users/me/positions", s.HandleMyPositions)
	})

	// Market administration and profile funding are operator routes; the
	// gateway must not expose them to end users.
	r.Get("/markets", s.HandleListMarkets)
	r.Post("/markets", s.HandleCreateMarket)
	r.Get("/markets/{marketID}", s.HandleGetMarket)
	r.Get("/markets/{marketID}/book", s.HandleBook)
	r.Get("/markets/{marketID}/history", s.HandleHistory)
	r.Post("/markets/{marketID}/close", s.HandleCloseMarket)
	r.Post("/markets/{marketID}/resolve", s.HandleResolveMarket)
	r.Post("/markets/{marketID}/settle", s.HandleSettleMarket)

	r.Post("/profiles", s.HandleCreateProfile)
	r.Get("/profiles/{userID}", s.HandleGetProfile)
	r.Post("/profiles/{userID}/deposit", s.HandleDeposit)
}

// --- Orders ---

// HandlePlaceOrder handles POST /api/v1/orders
func (s *Service) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.PlaceOrder(r.Context(), UserFromContext(r.Context()), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleGetOrder handles GET /api/v1/orders/{orderID}
// Only the owner can see an order.
func (s *Service) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if o.UserID != UserFromContext(r.Context()) {
		s.fail(w, model.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// HandleCancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.CancelOrder(r.Context(), UserFromContext(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// HandleListMyOrders handles GET /api/v1/users/me/orders
// Optional filters: ?market_id=<id>&status=<status>.
func (s *Service) HandleListMyOrders(w http.ResponseWriter, r *http.Request) {
	filter := model.OrderFilter{
		UserID:   UserFromContext(r.Context()),
		MarketID: r.URL.Query().Get("market_id"),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := model.OrderStatus(st)
		switch status {
		case model.OrderStatusOpen, model.OrderStatusPartial, model.OrderStatusFilled, model.OrderStatusCancelled:
		default:
			s.fail(w, model.Invalid("status", "unknown order status"))
			return
		}
		filter.Statuses = []model.OrderStatus{status}
	}

	orders, err := s.store.ListOrders(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleMyPositions handles GET /api/v1/users/me/positions
func (s *Service) HandleMyPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.UserPositions(r.Context(), UserFromContext(r.Context()), r.URL.Query().Get("market_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Markets ---

// HandleListMarkets handles GET /api/v1/markets
// Optional filter: ?status=<status>.
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context(), model.MarketStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// HandleCreateMarket handles POST /api/v1/markets
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := s.CreateMarket(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// HandleGetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleBook handles GET /api/v1/markets/{marketID}/book
func (s *Service) HandleBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.Book(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// HandleHistory handles GET /api/v1/markets/{marketID}/history
// Returns the fill history, oldest first.
func (s *Service) HandleHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		s.fail(w, err)
		return
	}
	fills, err := s.store.ListFills(r.Context(), marketID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// HandleCloseMarket handles POST /api/v1/markets/{marketID}/close
func (s *Service) HandleCloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.CloseMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) HandleResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Outcome == nil {
		s.fail(w, model.Invalid("outcome", "is required"))
		return
	}
	m, err := s.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), *req.Outcome)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleSettleMarket handles POST /api/v1/markets/{marketID}/settle
// Failures carry the settlement result shape: {success:false, error}.
func (s *Service) HandleSettleMarket(w http.ResponseWriter, r *http.Request) {
	res := s.SettleMarket(r.Context(), chi.URLParam(r, "marketID"))
	if !res.Success {
		status := statusFor(res.Err)
		if status == http.StatusInternalServerError {
			s.logger.Error("settlement error", "market_id", res.MarketID, "err", res.Err)
			res.Error = "internal error"
		}
		writeJSON(w, status, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Profiles ---

// HandleCreateProfile handles POST /api/v1/profiles
func (s *Service) HandleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req CreateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.CreateProfile(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// HandleGetProfile handles GET /api/v1/profiles/{userID}
func (s *Service) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	view, err := s.Profile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleDeposit handles POST /api/v1/profiles/{userID}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	entry, err := s.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- Responses ---

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrMarketNotFound),
		errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrMarketNotOpen),
		errors.Is(err, model.ErrMarketNotResolved),
		errors.Is(err, model.ErrOutcomeNotSet),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrOrderNotCancellable),
		errors.Is(err, model.ErrProfileExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// their details withheld from the client.
func (s *Service) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
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
