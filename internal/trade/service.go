// Package trade provides the HTTP handlers and business logic for placing
// and cancelling orders, managing the market lifecycle, and querying the
// book, positions and balances.
//
// All monetary values use shopspring/decimal.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/matching"
	"github.com/atmx/orderbook-engine/internal/metrics"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/pricing"
	"github.com/atmx/orderbook-engine/internal/settlement"
	"github.com/atmx/orderbook-engine/internal/store"
	"github.com/atmx/orderbook-engine/internal/stream"
)

// Deps are the collaborators of a Service. Throttle, Publisher and Logger
// are optional.
type Deps struct {
	Store     store.Store
	Matcher   *matching.Engine
	Settler   *settlement.Engine
	Throttle  *Throttle
	Publisher stream.Publisher
	Logger    *slog.Logger
}

// Service handles order entry and market operations. It holds no state of
// its own: every mutation runs in a store transaction that locks the
// affected market.
type Service struct {
	store     store.Store
	matcher   *matching.Engine
	settler   *settlement.Engine
	throttle  *Throttle
	publisher stream.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new trade service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     d.Store,
		matcher:   d.Matcher,
		settler:   d.Settler,
		throttle:  d.Throttle,
		publisher: d.Publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrderResult is the persisted order plus its match outcome.
type PlaceOrderResult struct {
	Order *model.Order     `json:"order"`
	Match *matching.Result `json:"match"`
}

// PlaceOrder validates and persists an order, debiting buy-side escrow, then
// matches it against the book. Nothing is persisted if validation, the
// market check or the funds check fails.
func (s *Service) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if userID == "" {
		return nil, model.ErrUnauthorized
	}
	in, err := req.validate()
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, err
	}
	if !s.throttle.Allow(userID) {
		metrics.OrdersRejected.WithLabelValues("rate_limited").Inc()
		return nil, model.ErrRateLimited
	}

	var (
		order  *model.Order
		market *model.Market
	)
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, in.marketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketStatusOpen {
			return fmt.Errorf("%w: market %s is %s", model.ErrMarketNotOpen, m.ID, m.Status)
		}

		now := s.now()
		escrow := pricing.QuotedPrice(m, in.position)
		if in.price != nil {
			escrow = *in.price
		}
		o := &model.Order{
			ID:              uuid.New().String(),
			MarketID:        m.ID,
			UserID:          userID,
			OrderType:       in.orderType,
			Side:            in.side,
			Position:        in.position,
			Price:           in.price,
			EscrowPrice:     escrow,
			Amount:          in.amount,
			FilledAmount:    decimal.Zero,
			RemainingAmount: in.amount,
			Status:          model.OrderStatusOpen,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if o.Side == model.SideBuy {
			cost := o.Amount.Mul(escrow)
			if err := tx.AdjustBalance(ctx, &model.Transaction{
				UserID:   userID,
				MarketID: m.ID,
				OrderID:  o.ID,
				Kind:     model.TxOrderDebit,
				Amount:   cost.Neg(),
			}); err != nil {
				return err
			}
			m.TotalVolume = m.TotalVolume.Add(cost)
			m.UpdatedAt = now
			if err := tx.UpdateMarket(ctx, m); err != nil {
				return err
			}
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		order, market = o, m
		return nil
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(order.Side), string(order.OrderType)).Inc()
	s.logger.Info("order placed",
		"order_id", order.ID,
		"market_id", order.MarketID,
		"user", userID,
		"type", order.OrderType,
		"side", order.Side,
		"position", order.Position,
		"amount", order.Amount.String(),
		"escrow_price", order.EscrowPrice.String(),
	)
	s.publish(ctx, stream.OrderMessage(stream.TypeOrderPlaced, market, order))

	// A failed match step is reported in the result; the order itself stands.
	res, _ := s.matcher.Match(ctx, order.ID)
	if res.Order != nil {
		order = res.Order
	}
	if len(res.Fills) > 0 {
		if m, err := s.store.GetMarket(ctx, order.MarketID); err == nil {
			for i := range res.Fills {
				s.publish(ctx, stream.FillMessage(m, &res.Fills[i]))
			}
		}
	}

	return &PlaceOrderResult{Order: order, Match: res}, nil
}

// CancelOrder cancels the unfilled remainder of an open or partial order.
// A buy's unfilled escrow is refunded and removed from the market volume.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	if userID == "" {
		return nil, model.ErrUnauthorized
	}

	existing, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}

	var (
		order  *model.Order
		market *model.Market
		refund decimal.Decimal
	)
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, existing.MarketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketStatusOpen && m.Status != model.MarketStatusClosed {
			return fmt.Errorf("%w: market %s is %s", model.ErrOrderNotCancellable, m.ID, m.Status)
		}

		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.Status.Resting() {
			return fmt.Errorf("%w: order %s is %s", model.ErrOrderNotCancellable, o.ID, o.Status)
		}

		now := s.now()
		o.Status = model.OrderStatusCancelled
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		refund = decimal.Zero
		if o.Side == model.SideBuy {
			refund = o.RemainingAmount.Mul(o.EscrowPrice)
		}
		if refund.IsPositive() {
			if err := tx.AdjustBalance(ctx, &model.Transaction{
				UserID:   o.UserID,
				MarketID: m.ID,
				OrderID:  o.ID,
				Kind:     model.TxOrderRefund,
				Amount:   refund,
			}); err != nil {
				return err
			}
			m.TotalVolume = m.TotalVolume.Sub(refund)
			m.UpdatedAt = now
			if err := tx.UpdateMarket(ctx, m); err != nil {
				return err
			}
		}
		order, market = o, m
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.Inc()
	s.logger.Info("order cancelled",
		"order_id", order.ID,
		"market_id", order.MarketID,
		"user", userID,
		"refund", refund.String(),
	)
	s.publish(ctx, stream.OrderMessage(stream.TypeOrderCancelled, market, order))
	return order, nil
}

// CreateMarket opens a new market at even odds.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	now := s.now()
	if err := req.validate(now); err != nil {
		return nil, err
	}

	initial := pricing.InitialPrices()
	market := &model.Market{
		ID:             uuid.New().String(),
		Title:          req.Title,
		Description:    req.Description,
		Category:       req.Category,
		Status:         model.MarketStatusOpen,
		TotalYesAmount: decimal.Zero,
		TotalNoAmount:  decimal.Zero,
		ProbabilityYes: initial.Probability,
		ProbabilityNo:  decimal.NewFromInt(1).Sub(initial.Probability),
		TotalVolume:    decimal.Zero,
		ClosingDate:    req.ClosingDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateMarket(ctx, market); err != nil {
		return nil, err
	}

	s.logger.Info("market created", "id", market.ID, "title", market.Title, "category", market.Category)
	return market, nil
}

// CloseMarket stops trading on an open market.
func (s *Service) CloseMarket(ctx context.Context, marketID string) (*model.Market, error) {
	market, err := s.transition(ctx, marketID, func(m *model.Market) error {
		if m.Status != model.MarketStatusOpen {
			return fmt.Errorf("%w: market %s is %s", model.ErrMarketNotOpen, m.ID, m.Status)
		}
		m.Status = model.MarketStatusClosed
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("market closed", "id", market.ID)
	s.publish(ctx, stream.MarketMessage(stream.TypeMarketClosed, market))
	return market, nil
}

// ResolveMarket records the outcome of an open or closed market. The
// outcome is set exactly once.
func (s *Service) ResolveMarket(ctx context.Context, marketID string, outcome bool) (*model.Market, error) {
	market, err := s.transition(ctx, marketID, func(m *model.Market) error {
		if m.ResolvedValue != nil || m.Status == model.MarketStatusResolved || m.Status == model.MarketStatusSettled {
			return fmt.Errorf("%w: market %s", model.ErrAlreadyResolved, m.ID)
		}
		m.Status = model.MarketStatusResolved
		m.ResolvedValue = &outcome
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("market resolved", "id", market.ID, "outcome", outcome)
	s.publish(ctx, stream.MarketMessage(stream.TypeMarketResolved, market))
	return market, nil
}

// SettleMarket runs settlement for a resolved market.
func (s *Service) SettleMarket(ctx context.Context, marketID string) settlement.Result {
	res := s.settler.Settle(ctx, marketID)
	if res.Success {
		s.PublishSettled(ctx, res)
	}
	return res
}

// PublishSettled announces a settled market to stream subscribers.
func (s *Service) PublishSettled(ctx context.Context, res settlement.Result) {
	if s.publisher == nil {
		return
	}
	m, err := s.store.GetMarket(ctx, res.MarketID)
	if err != nil {
		s.logger.Warn("load settled market", "market_id", res.MarketID, "err", err)
		return
	}
	s.publish(ctx, stream.MarketMessage(stream.TypeMarketSettled, m))
}

// transition applies fn to a locked market and persists the result.
func (s *Service) transition(ctx context.Context, marketID string, fn func(m *model.Market) error) (*model.Market, error) {
	var market *model.Market
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		m.UpdatedAt = s.now()
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		market = m
		return nil
	})
	return market, err
}

// CreateProfile creates a profile, crediting an opening balance as a deposit.
func (s *Service) CreateProfile(ctx context.Context, req CreateProfileRequest) (*model.Profile, error) {
	if req.UserID == "" {
		return nil, model.Invalid("user_id", "is required")
	}
	if req.Balance.IsNegative() {
		return nil, model.Invalid("balance", "must not be negative")
	}

	now := s.now()
	if err := s.store.CreateProfile(ctx, &model.Profile{
		ID:        req.UserID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	if req.Balance.IsPositive() {
		if _, err := s.Deposit(ctx, req.UserID, req.Balance); err != nil {
			return nil, err
		}
	}

	s.logger.Info("profile created", "user", req.UserID, "balance", req.Balance.String())
	return s.store.GetProfile(ctx, req.UserID)
}

// Deposit credits amount to a user's balance.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Transaction, error) {
	if !amount.IsPositive() {
		return nil, model.Invalid("amount", "must be positive")
	}
	entry := &model.Transaction{
		UserID: userID,
		Kind:   model.TxDeposit,
		Amount: amount,
	}
	if err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.AdjustBalance(ctx, entry)
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// --- Read models ---

// Level aggregates resting quantity at one price.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

// Ladder is one position's side of the book: bids best (highest) first,
// asks best (lowest) first.
type Ladder struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// BookSnapshot is the resting limit book of a market.
type BookSnapshot struct {
	MarketID string `json:"market_id"`
	Yes      Ladder `json:"yes"`
	No       Ladder `json:"no"`
}

// Book aggregates a market's resting limit orders into price levels.
func (s *Service) Book(ctx context.Context, marketID string) (*BookSnapshot, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	orders, err := s.store.ListOrders(ctx, model.OrderFilter{
		MarketID: marketID,
		Statuses: []model.OrderStatus{model.OrderStatusOpen, model.OrderStatusPartial},
	})
	if err != nil {
		return nil, err
	}

	snap := &BookSnapshot{MarketID: marketID}
	snap.Yes = buildLadder(orders, model.PositionYes)
	snap.No = buildLadder(orders, model.PositionNo)
	return snap, nil
}

// UserPositions returns a user's net holdings derived from traded shares.
func (s *Service) UserPositions(ctx context.Context, userID, marketID string) ([]model.UserPosition, error) {
	if userID == "" {
		return nil, model.ErrUnauthorized
	}
	orders, err := s.store.ListOrders(ctx, model.OrderFilter{
		UserID:   userID,
		MarketID: marketID,
		Statuses: settlement.TradedStatuses,
	})
	if err != nil {
		return nil, err
	}
	return settlement.FoldPositions(orders), nil
}

// ProfileView is a profile with its balance history.
type ProfileView struct {
	*model.Profile
	Transactions []model.Transaction `json:"transactions"`
}

// Profile returns a profile and its transactions.
func (s *Service) Profile(ctx context.Context, userID string) (*ProfileView, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	return &ProfileView{Profile: p, Transactions: txs}, nil
}

func (s *Service) publish(ctx context.Context, msg stream.Message) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, msg)
	}
}

func rejectReason(err error) string {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrMarketNotFound):
		return "market_not_found"
	case errors.Is(err, model.ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, model.ErrProfileNotFound):
		return "profile_not_found"
	}
	return "internal"
}
