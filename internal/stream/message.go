// Package stream fans market updates out to WebSocket clients, optionally
// across replicas through a Redis pub/sub channel.
package stream

import (
	"context"
	"strconv"

	"github.com/atmx/orderbook-engine/internal/model"
)

// Message types.
const (
	TypeOrderPlaced    = "order_placed"
	TypeOrderCancelled = "order_cancelled"
	TypeFill           = "fill"
	TypeMarketClosed   = "market_closed"
	TypeMarketResolved = "market_resolved"
	TypeMarketSettled  = "market_settled"
)

// Message is a JSON message sent to WebSocket clients. Decimal values are
// carried as strings.
type Message struct {
	Type           string `json:"type"`
	MarketID       string `json:"market_id"`
	Status         string `json:"status,omitempty"`
	ProbabilityYes string `json:"probability_yes,omitempty"`
	ProbabilityNo  string `json:"probability_no,omitempty"`
	TotalYesAmount string `json:"total_yes_amount,omitempty"`
	TotalNoAmount  string `json:"total_no_amount,omitempty"`
	TotalVolume    string `json:"total_volume,omitempty"`
	ResolvedValue  string `json:"resolved_value,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	Side           string `json:"side,omitempty"`
	Position       string `json:"position,omitempty"`
	Quantity       string `json:"quantity,omitempty"`
	Price          string `json:"price,omitempty"`
}

// Publisher delivers messages to subscribers. Publish never blocks on slow
// clients.
type Publisher interface {
	Publish(ctx context.Context, msg Message)
}

// MarketMessage snapshots a market's pool state.
func MarketMessage(typ string, m *model.Market) Message {
	msg := Message{
		Type:           typ,
		MarketID:       m.ID,
		Status:         string(m.Status),
		ProbabilityYes: m.ProbabilityYes.String(),
		ProbabilityNo:  m.ProbabilityNo.String(),
		TotalYesAmount: m.TotalYesAmount.String(),
		TotalNoAmount:  m.TotalNoAmount.String(),
		TotalVolume:    m.TotalVolume.String(),
	}
	if m.ResolvedValue != nil {
		msg.ResolvedValue = strconv.FormatBool(*m.ResolvedValue)
	}
	return msg
}

// OrderMessage describes an order event against the market's state.
func OrderMessage(typ string, m *model.Market, o *model.Order) Message {
	msg := MarketMessage(typ, m)
	msg.OrderID = o.ID
	msg.Side = string(o.Side)
	msg.Position = string(o.Position)
	msg.Quantity = o.Amount.String()
	if o.Price != nil {
		msg.Price = o.Price.String()
	}
	return msg
}

// FillMessage describes one match step against the market's state.
func FillMessage(m *model.Market, f *model.Fill) Message {
	msg := MarketMessage(TypeFill, m)
	msg.OrderID = f.TakerOrderID
	msg.Position = string(f.Position)
	msg.Quantity = f.Quantity.String()
	msg.Price = f.Price.String()
	return msg
}
