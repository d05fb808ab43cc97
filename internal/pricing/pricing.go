// Package pricing maps between market-implied probabilities and share prices
// for binary prediction markets.
//
// Prices are denominated on a 0–100 scale: a share paying out 100 currency
// units on the winning outcome is worth 100 × p when the market believes that
// outcome has probability p. The mapping is linear in both directions, so
//
//	ProbabilityFromPrice(PriceFromProbability(p)) == p   for p in [0.01, 0.99]
//
// up to the 2-decimal rounding of the price.
//
// All functions are pure. Inputs outside their domain are clamped, never
// rejected.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

var (
	// MinProbability is the lowest probability a quoted price reflects.
	MinProbability = decimal.NewFromFloat(0.01)

	// MaxProbability is the highest probability a quoted price reflects.
	MaxProbability = decimal.NewFromFloat(0.99)

	// MinPrice and MaxPrice bound quoted share prices. A limit order priced
	// outside [MinPrice, MaxPrice] could never be reached by a quote.
	MinPrice = decimal.NewFromInt(1)
	MaxPrice = decimal.NewFromInt(99)

	// Scale is the face value of a share: the payout of a winning share.
	Scale = decimal.NewFromInt(100)

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 2

	// ProbabilityScale is the number of decimal places probabilities
	// derived from prices are rounded to.
	ProbabilityScale int32 = 4

	// PoolScale is the number of decimal places pool-derived probabilities
	// are rounded to.
	PoolScale int32 = 8

	half = decimal.NewFromFloat(0.5)
	one  = decimal.NewFromInt(1)
)

// Prices is the quoted state of a market.
type Prices struct {
	YesPrice    decimal.Decimal `json:"yes_price"`
	NoPrice     decimal.Decimal `json:"no_price"`
	Probability decimal.Decimal `json:"probability"`
}

// PriceFromProbability clamps p to [MinProbability, MaxProbability] and
// returns 100 × p rounded to PriceScale places.
func PriceFromProbability(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinProbability) {
		p = MinProbability
	}
	if p.GreaterThan(MaxProbability) {
		p = MaxProbability
	}
	return p.Mul(Scale).Round(PriceScale)
}

// ProbabilityFromPrice clamps price to [0, 100] and returns price / 100
// rounded to ProbabilityScale places.
func ProbabilityFromPrice(price decimal.Decimal) decimal.Decimal {
	if price.IsNegative() {
		price = decimal.Zero
	}
	if price.GreaterThan(Scale) {
		price = Scale
	}
	return price.Div(Scale).Round(ProbabilityScale)
}

// InitialPrices seeds a new market at even odds.
func InitialPrices() Prices {
	p := PriceFromProbability(half)
	return Prices{
		YesPrice:    p,
		NoPrice:     p,
		Probability: half,
	}
}

// PoolProbabilities derives the yes/no probabilities from pooled totals:
//
//	pYes = totalYes / (totalYes + totalNo),   pNo = 1 - pYes
//
// An empty pool is at even odds.
func PoolProbabilities(totalYes, totalNo decimal.Decimal) (yes, no decimal.Decimal) {
	pool := totalYes.Add(totalNo)
	if !pool.IsPositive() {
		return half, half
	}
	yes = totalYes.DivRound(pool, PoolScale)
	return yes, one.Sub(yes)
}

// QuotedPrice is the current price of a position implied by the market's
// probabilities.
func QuotedPrice(m *model.Market, p model.Position) decimal.Decimal {
	return PriceFromProbability(m.Probability(p))
}

// ApplyPool adds qty to the position's pool total and recomputes the
// market's probabilities.
func ApplyPool(m *model.Market, p model.Position, qty decimal.Decimal) {
	if p == model.PositionYes {
		m.TotalYesAmount = m.TotalYesAmount.Add(qty)
	} else {
		m.TotalNoAmount = m.TotalNoAmount.Add(qty)
	}
	m.ProbabilityYes, m.ProbabilityNo = PoolProbabilities(m.TotalYesAmount, m.TotalNoAmount)
}
