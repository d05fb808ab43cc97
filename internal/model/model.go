// Package model defines the core domain types shared across the order book engine.
// All monetary values and share quantities use shopspring/decimal.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes limit orders from market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order of s trades against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position is the binary outcome a share pays out on.
type Position string

const (
	PositionYes Position = "yes"
	PositionNo  Position = "no"
)

// PositionFor maps a resolution outcome to the winning position.
func PositionFor(outcome bool) Position {
	if outcome {
		return PositionYes
	}
	return PositionNo
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Resting reports whether an order in this status can still be matched.
func (s OrderStatus) Resting() bool {
	return s == OrderStatusOpen || s == OrderStatusPartial
}

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "open"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusResolved MarketStatus = "resolved"
	MarketStatusSettled  MarketStatus = "settled"
)

// Order is a buy or sell instruction for shares of one position in one market.
// Invariant: FilledAmount + RemainingAmount == Amount.
type Order struct {
	ID              string           `json:"id"`
	MarketID        string           `json:"market_id"`
	UserID          string           `json:"user_id"`
	OrderType       OrderType        `json:"order_type"`
	Side            Side             `json:"side"`
	Position        Position         `json:"position"`
	Price           *decimal.Decimal `json:"price"`        // nil for market orders
	EscrowPrice     decimal.Decimal  `json:"escrow_price"` // per-share price debited at placement
	Amount          decimal.Decimal  `json:"amount"`
	FilledAmount    decimal.Decimal  `json:"filled_amount"`
	RemainingAmount decimal.Decimal  `json:"remaining_amount"`
	Status          OrderStatus      `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ApplyFill moves qty from remaining to filled and recomputes the status.
// The caller guarantees 0 < qty <= RemainingAmount.
func (o *Order) ApplyFill(qty decimal.Decimal, at time.Time) {
	o.FilledAmount = o.FilledAmount.Add(qty)
	o.RemainingAmount = o.RemainingAmount.Sub(qty)
	if o.RemainingAmount.IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartial
	}
	o.UpdatedAt = at
}

// CostBasisPrice is the per-share price the order is carried at in settlement:
// the limit price, or the escrow price for market orders.
func (o *Order) CostBasisPrice() decimal.Decimal {
	if o.Price != nil {
		return *o.Price
	}
	return o.EscrowPrice
}

// Market is a binary prediction market with pooled yes/no totals.
// Invariant: ProbabilityYes + ProbabilityNo == 1.
type Market struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Category       string          `json:"category"`
	Status         MarketStatus    `json:"status"`
	TotalYesAmount decimal.Decimal `json:"total_yes_amount"`
	TotalNoAmount  decimal.Decimal `json:"total_no_amount"`
	ProbabilityYes decimal.Decimal `json:"probability_yes"`
	ProbabilityNo  decimal.Decimal `json:"probability_no"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	ResolvedValue  *bool           `json:"resolved_value"`
	ClosingDate    *time.Time      `json:"closing_date,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Probability returns the market-implied probability of a position.
func (m *Market) Probability(p Position) decimal.Decimal {
	if p == PositionYes {
		return m.ProbabilityYes
	}
	return m.ProbabilityNo
}

// Profile carries a user's spendable balance.
type Profile struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TransactionKind classifies a balance mutation.
type TransactionKind string

const (
	TxDeposit     TransactionKind = "deposit"
	TxOrderDebit  TransactionKind = "order_debit"
	TxOrderRefund TransactionKind = "order_refund"
	TxPayout      TransactionKind = "payout"
)

// Transaction is an immutable record of one balance mutation.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	MarketID     string          `json:"market_id,omitempty"`
	OrderID      string          `json:"order_id,omitempty"`
	Kind         TransactionKind `json:"kind"`
	Amount       decimal.Decimal `json:"amount"` // signed: +credit, -debit
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Fill is an immutable record of one match step between a taker and a maker.
type Fill struct {
	ID           string          `json:"id"`
	MarketID     string          `json:"market_id"`
	Position     Position        `json:"position"`
	TakerOrderID string          `json:"taker_order_id"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerUserID  string          `json:"taker_user_id"`
	MakerUserID  string          `json:"maker_user_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"` // resting order's price
	CreatedAt    time.Time       `json:"created_at"`
}

// UserPosition is a trader's net holding on one side of a market, derived
// from filled order history. Not persisted.
type UserPosition struct {
	UserID       string          `json:"user_id"`
	MarketID     string          `json:"market_id,omitempty"`
	Position     Position        `json:"position,omitempty"`
	NetAmount    decimal.Decimal `json:"net_amount"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// Stake is the position's cost basis: NetAmount × AveragePrice.
func (p UserPosition) Stake() decimal.Decimal {
	return p.NetAmount.Mul(p.AveragePrice)
}

// OrderFilter selects orders from the book. Zero-valued fields do not filter.
type OrderFilter struct {
	MarketID      string
	UserID        string
	ExcludeUserID string
	Position      Position
	Side          Side
	Statuses      []OrderStatus
}

// Matches reports whether o satisfies every set criterion of f.
func (f OrderFilter) Matches(o *Order) bool {
	if f.MarketID != "" && o.MarketID != f.MarketID {
		return false
	}
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.ExcludeUserID != "" && o.UserID == f.ExcludeUserID {
		return false
	}
	if f.Position != "" && o.Position != f.Position {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if o.Status == s {
				return true
			}
		}
		return false
	}
	return true
}
