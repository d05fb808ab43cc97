package trade

import (
	"sort"

	"github.com/atmx/orderbook-engine/internal/model"
)

// buildLadder groups resting limit orders of one position by side and price.
// Resting market orders have no price and are left out.
func buildLadder(orders []model.Order, position model.Position) Ladder {
	bids := make(map[string]*Level)
	asks := make(map[string]*Level)

	for i := range orders {
		o := &orders[i]
		if o.Position != position || o.Price == nil || !o.RemainingAmount.IsPositive() {
			continue
		}
		levels := bids
		if o.Side == model.SideSell {
			levels = asks
		}
		key := o.Price.StringFixed(2)
		lvl, ok := levels[key]
		if !ok {
			lvl = &Level{Price: *o.Price}
			levels[key] = lvl
		}
		lvl.Amount = lvl.Amount.Add(o.RemainingAmount)
		lvl.Orders++
	}

	ladder := Ladder{Bids: flatten(bids), Asks: flatten(asks)}
	sort.Slice(ladder.Bids, func(i, j int) bool { return ladder.Bids[i].Price.GreaterThan(ladder.Bids[j].Price) })
	sort.Slice(ladder.Asks, func(i, j int) bool { return ladder.Asks[i].Price.LessThan(ladder.Asks[j].Price) })
	return ladder
}

func flatten(levels map[string]*Level) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, *l)
	}
	return out
}
