package settlement

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

type positionKey struct {
	user     string
	market   string
	position model.Position
}

// FoldPositions derives net holdings from the filled quantity of orders,
// which must be in created_at order. A cancelled or still resting order
// contributes the shares it traded before it stopped. Buys add shares and
// re-weight the average price; sells remove shares at the existing average.
// A holding that drops to zero or below is discarded, so a later buy starts
// from a fresh average.
//
// The result is sorted by user, market, then position.
func FoldPositions(orders []model.Order) []model.UserPosition {
	held := make(map[positionKey]*model.UserPosition)

	for i := range orders {
		o := &orders[i]
		qty := o.FilledAmount
		if !qty.IsPositive() {
			continue
		}
		key := positionKey{user: o.UserID, market: o.MarketID, position: o.Position}
		price := o.CostBasisPrice()

		pos, ok := held[key]
		if o.Side == model.SideBuy {
			if !ok {
				pos = &model.UserPosition{
					UserID:       o.UserID,
					MarketID:     o.MarketID,
					Position:     o.Position,
					NetAmount:    decimal.Zero,
					AveragePrice: decimal.Zero,
				}
				held[key] = pos
			}
			net := pos.NetAmount.Add(qty)
			cost := pos.NetAmount.Mul(pos.AveragePrice).Add(qty.Mul(price))
			pos.NetAmount = net
			pos.AveragePrice = cost.Div(net)
			continue
		}

		if !ok {
			continue
		}
		pos.NetAmount = pos.NetAmount.Sub(qty)
		if !pos.NetAmount.IsPositive() {
			delete(held, key)
		}
	}

	result := make([]model.UserPosition, 0, len(held))
	for _, p := range held {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Position < b.Position
	})
	return result
}

// Payout is one winner's share of the redistributed pool.
type Payout struct {
	UserID string          `json:"user_id"`
	Stake  decimal.Decimal `json:"stake"`
	Amount decimal.Decimal `json:"amount"`
}

// Allocate splits pool across winners in proportion to their stakes
// (net × average price). Each amount is truncated to PayoutScale places
// and the last winner receives the remainder, so the amounts sum to pool
// exactly. Winners must be sorted by user id; the result follows that order.
func Allocate(pool decimal.Decimal, winners []model.UserPosition) []Payout {
	total := decimal.Zero
	for _, w := range winners {
		total = total.Add(w.Stake())
	}
	if !total.IsPositive() {
		return nil
	}

	payouts := make([]Payout, len(winners))
	allocated := decimal.Zero
	for i, w := range winners {
		stake := w.Stake()
		amount, _ := pool.Mul(stake).QuoRem(total, PayoutScale)
		if i == len(winners)-1 {
			amount = pool.Sub(allocated)
		}
		allocated = allocated.Add(amount)
		payouts[i] = Payout{UserID: w.UserID, Stake: stake, Amount: amount}
	}
	return payouts
}
