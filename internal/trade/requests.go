package trade

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/pricing"
)

const (
	// amountScale is the finest share quantity an order may carry.
	amountScale int32 = 8
	maxTitleLen       = 200
)

// PlaceOrderRequest is the JSON body for POST /api/v1/orders.
type PlaceOrderRequest struct {
	MarketID  string           `json:"market_id"`
	Side      string           `json:"side"`     // "buy" or "sell"
	Position  string           `json:"position"` // "yes" or "no"
	Price     *decimal.Decimal `json:"price,omitempty"`
	Amount    decimal.Decimal  `json:"amount"`
	OrderType string           `json:"order_type"` // "limit" or "market"
}

// orderIntent is a validated PlaceOrderRequest.
type orderIntent struct {
	marketID  string
	orderType model.OrderType
	side      model.Side
	position  model.Position
	price     *decimal.Decimal // nil for market orders
	amount    decimal.Decimal
}

func (r PlaceOrderRequest) validate() (orderIntent, error) {
	var in orderIntent

	if r.MarketID == "" {
		return in, model.Invalid("market_id", "is required")
	}
	if _, err := uuid.Parse(r.MarketID); err != nil {
		return in, model.Invalid("market_id", "must be a UUID")
	}
	in.marketID = r.MarketID

	switch model.OrderType(strings.ToLower(r.OrderType)) {
	case model.OrderTypeLimit:
		in.orderType = model.OrderTypeLimit
	case model.OrderTypeMarket:
		in.orderType = model.OrderTypeMarket
	default:
		return in, model.Invalid("order_type", "must be limit or market")
	}

	switch model.Side(strings.ToLower(r.Side)) {
	case model.SideBuy:
		in.side = model.SideBuy
	case model.SideSell:
		in.side = model.SideSell
	default:
		return in, model.Invalid("side", "must be buy or sell")
	}

	switch model.Position(strings.ToLower(r.Position)) {
	case model.PositionYes:
		in.position = model.PositionYes
	case model.PositionNo:
		in.position = model.PositionNo
	default:
		return in, model.Invalid("position", "must be yes or no")
	}

	if !r.Amount.IsPositive() {
		return in, model.Invalid("amount", "must be positive")
	}
	if !r.Amount.Equal(r.Amount.Round(amountScale)) {
		return in, model.Invalid("amount", "must have at most 8 decimal places")
	}
	in.amount = r.Amount

	// Market orders trade at any price; a supplied price is ignored.
	if in.orderType == model.OrderTypeLimit {
		if r.Price == nil {
			return in, model.Invalid("price", "is required for limit orders")
		}
		p := *r.Price
		if p.LessThan(pricing.MinPrice) || p.GreaterThan(pricing.MaxPrice) {
			return in, model.Invalid("price", "must be between 1 and 99")
		}
		if !p.Equal(p.Round(pricing.PriceScale)) {
			return in, model.Invalid("price", "must have at most 2 decimal places")
		}
		in.price = &p
	}

	return in, nil
}

// CreateMarketRequest is the JSON body for POST /api/v1/markets.
type CreateMarketRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	ClosingDate *time.Time `json:"closing_date,omitempty"`
}

func (r CreateMarketRequest) validate(now time.Time) error {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return model.Invalid("title", "is required")
	}
	if len(title) > maxTitleLen {
		return model.Invalid("title", "must be at most 200 characters")
	}
	if r.ClosingDate != nil && !r.ClosingDate.After(now) {
		return model.Invalid("closing_date", "must be in the future")
	}
	return nil
}

// ResolveMarketRequest is the JSON body for POST /api/v1/markets/{marketID}/resolve.
type ResolveMarketRequest struct {
	Outcome *bool `json:"outcome"`
}

// CreateProfileRequest is the JSON body for POST /api/v1/profiles.
type CreateProfileRequest struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// DepositRequest is the JSON body for POST /api/v1/profiles/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}
