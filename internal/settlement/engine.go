// Package settlement redistributes a resolved market's pooled volume to the
// holders of the winning position and marks the market settled.
//
// A run executes in one transaction holding the market's write lock, so the
// resolved→settled transition happens at most once per market. Each winner
// is credited inside its own savepoint; a failed credit is logged and
// skipped without undoing the others.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/metrics"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

// PayoutScale is the number of decimal places winnings are rounded to.
const PayoutScale int32 = 8

// TradedStatuses are the order states that can carry fills.
var TradedStatuses = []model.OrderStatus{
	model.OrderStatusFilled,
	model.OrderStatusPartial,
	model.OrderStatusCancelled,
}

// Result is the outcome of a settlement run.
type Result struct {
	MarketID            string          `json:"market_id"`
	Success             bool            `json:"success"`
	RedistributedAmount decimal.Decimal `json:"redistributed_amount"`
	DistributedAmount   decimal.Decimal `json:"distributed_amount"`
	WinningPosition     model.Position  `json:"winning_position,omitempty"`
	WinnersCount        int             `json:"winners_count"`
	FailedCount         int             `json:"failed_count"`
	Payouts             []Payout        `json:"payouts,omitempty"`
	Error               string          `json:"error,omitempty"`
	Err                 error           `json:"-"`
}

// Engine settles resolved markets.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Settle distributes the market's total volume to winners and transitions
// it to settled. Preconditions (market exists, is resolved, has an outcome)
// fail without touching any balance.
func (e *Engine) Settle(ctx context.Context, marketID string) Result {
	var res Result
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		res = Result{
			MarketID:            marketID,
			RedistributedAmount: decimal.Zero,
			DistributedAmount:   decimal.Zero,
		}
		return e.settle(ctx, tx, marketID, &res)
	})
	if err != nil {
		metrics.Settlements.WithLabelValues("failed").Inc()
		e.logger.Warn("settlement failed", "market_id", marketID, "err", err)
		return Result{
			MarketID:            marketID,
			RedistributedAmount: decimal.Zero,
			DistributedAmount:   decimal.Zero,
			Error:               err.Error(),
			Err:                 err,
		}
	}

	res.Success = true
	metrics.Settlements.WithLabelValues("settled").Inc()
	e.logger.Info("market settled",
		"market_id", marketID,
		"winning_position", res.WinningPosition,
		"redistributed", res.RedistributedAmount.String(),
		"distributed", res.DistributedAmount.String(),
		"winners", res.WinnersCount,
		"failed", res.FailedCount,
	)
	return res
}

func (e *Engine) settle(ctx context.Context, tx store.Tx, marketID string, res *Result) error {
	market, err := tx.LockMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if market.Status != model.MarketStatusResolved {
		return fmt.Errorf("%w: market %s is %s", model.ErrMarketNotResolved, marketID, market.Status)
	}
	if market.ResolvedValue == nil {
		return fmt.Errorf("%w: market %s", model.ErrOutcomeNotSet, marketID)
	}

	winning := model.PositionFor(*market.ResolvedValue)
	res.WinningPosition = winning
	res.RedistributedAmount = market.TotalVolume

	orders, err := tx.ListOrders(ctx, model.OrderFilter{
		MarketID: marketID,
		Statuses: TradedStatuses,
	})
	if err != nil {
		return fmt.Errorf("list traded orders: %w", err)
	}

	var winners []model.UserPosition
	for _, p := range FoldPositions(orders) {
		if p.Position == winning {
			winners = append(winners, p)
		}
	}
	res.WinnersCount = len(winners)
	if len(winners) == 0 && market.TotalVolume.IsPositive() {
		e.logger.Warn("no holders of the winning position, pool is not distributed",
			"market_id", marketID,
			"winning_position", winning,
			"undistributed", market.TotalVolume.String(),
		)
	}

	payouts := Allocate(market.TotalVolume, winners)
	for _, p := range payouts {
		if !p.Amount.IsPositive() {
			continue
		}
		entry := &model.Transaction{
			UserID:   p.UserID,
			MarketID: marketID,
			Kind:     model.TxPayout,
			Amount:   p.Amount,
		}
		err := tx.Savepoint(ctx, func(sp store.Tx) error {
			return sp.AdjustBalance(ctx, entry)
		})
		if err != nil {
			res.FailedCount++
			metrics.PayoutFailures.Inc()
			e.logger.Error("payout failed",
				"market_id", marketID,
				"user_id", p.UserID,
				"amount", p.Amount.String(),
				"err", err,
			)
			continue
		}
		res.DistributedAmount = res.DistributedAmount.Add(p.Amount)
		res.Payouts = append(res.Payouts, p)
	}

	market.Status = model.MarketStatusSettled
	market.UpdatedAt = e.now()
	return tx.UpdateMarket(ctx, market)
}
