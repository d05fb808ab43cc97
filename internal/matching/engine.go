// Package matching matches an incoming order against the resting book of
// its market and position.
//
// Every match step is one store transaction that holds the market's write
// lock: the incoming order is reloaded, the best crossing candidate is
// chosen, both orders are filled by min(remaining) and the market pool and
// probabilities are recomputed. A failed step rolls back as a unit and
// stops matching; steps committed before it stand.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/metrics"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/pricing"
	"github.com/atmx/orderbook-engine/internal/store"
)

// Priority selects the order in which crossing candidates are visited.
type Priority string

const (
	// PriorityTime visits candidates oldest first regardless of price.
	PriorityTime Priority = "time"

	// PriorityPriceTime visits the best-priced candidate first (lowest ask
	// for a buy, highest bid for a sell), then oldest first.
	PriorityPriceTime Priority = "price_time"
)

// ParsePriority validates a priority name. An empty name is PriorityTime.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "", PriorityTime:
		return PriorityTime, nil
	case PriorityPriceTime:
		return PriorityPriceTime, nil
	}
	return "", fmt.Errorf("unknown match priority %q", s)
}

// Result is the outcome of one matching run.
type Result struct {
	Order         *model.Order    `json:"order"`
	Fills         []model.Fill    `json:"fills"`
	MatchedAmount decimal.Decimal `json:"matched_amount"`
	Aborted       bool            `json:"aborted"`
	Error         string          `json:"error,omitempty"`
	Err           error           `json:"-"`
}

// Engine runs matching against a store.
type Engine struct {
	store    store.Store
	logger   *slog.Logger
	priority Priority
	now      func() time.Time
}

// NewEngine creates a matching engine. Pass nil for logger to use the default.
func NewEngine(st store.Store, logger *slog.Logger, priority Priority) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if priority == "" {
		priority = PriorityTime
	}
	return &Engine{
		store:    st,
		logger:   logger,
		priority: priority,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// errExhausted ends the loop once no crossing candidate remains or the
// incoming order can no longer trade.
var errExhausted = errors.New("nothing to match")

// Match fills orderID against the book until it is exhausted or nothing
// crosses. The returned error is the one that aborted the run, if any; the
// Result is always non-nil and carries the fills committed before it.
func (e *Engine) Match(ctx context.Context, orderID string) (*Result, error) {
	start := time.Now()
	defer func() { metrics.MatchLatency.Observe(time.Since(start).Seconds()) }()

	res := &Result{Fills: []model.Fill{}, MatchedAmount: decimal.Zero}

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return e.abort(res, orderID, fmt.Errorf("load order: %w", err))
	}
	res.Order = order

	for {
		var fill *model.Fill
		err := e.store.InTx(ctx, func(tx store.Tx) error {
			var stepErr error
			fill, stepErr = e.step(ctx, tx, res, order.MarketID, orderID)
			return stepErr
		})
		if errors.Is(err, errExhausted) {
			return res, nil
		}
		if err != nil {
			return e.abort(res, orderID, err)
		}

		res.Fills = append(res.Fills, *fill)
		res.MatchedAmount = res.MatchedAmount.Add(fill.Quantity)
		metrics.Fills.WithLabelValues(string(fill.Position)).Inc()
		metrics.FilledShares.WithLabelValues(string(fill.Position)).Add(fill.Quantity.InexactFloat64())

		e.logger.Debug("order matched",
			"taker", fill.TakerOrderID,
			"maker", fill.MakerOrderID,
			"qty", fill.Quantity.String(),
			"price", fill.Price.String(),
		)
	}
}

// step executes one match step inside tx. It returns errExhausted when the
// order has nothing left to match; res.Order always reflects the order as
// last read or written in this step.
func (e *Engine) step(ctx context.Context, tx store.Tx, res *Result, marketID, orderID string) (*model.Fill, error) {
	market, err := tx.LockMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("lock market: %w", err)
	}

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("reload order: %w", err)
	}
	res.Order = order

	if !order.RemainingAmount.IsPositive() || !order.Status.Resting() {
		return nil, errExhausted
	}
	if market.Status != model.MarketStatusOpen {
		return nil, errExhausted
	}

	candidates, err := tx.ListOrders(ctx, model.OrderFilter{
		MarketID:      marketID,
		Position:      order.Position,
		Side:          order.Side.Opposite(),
		ExcludeUserID: order.UserID,
		Statuses:      []model.OrderStatus{model.OrderStatusOpen, model.OrderStatusPartial},
	})
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	maker := e.pick(order, candidates)
	if maker == nil {
		return nil, errExhausted
	}

	now := e.now()
	qty := decimal.Min(order.RemainingAmount, maker.RemainingAmount)
	taker := *order
	taker.ApplyFill(qty, now)
	maker.ApplyFill(qty, now)

	pricing.ApplyPool(market, order.Position, qty)
	market.UpdatedAt = now

	fill := &model.Fill{
		ID:           uuid.New().String(),
		MarketID:     marketID,
		Position:     order.Position,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerUserID:  taker.UserID,
		MakerUserID:  maker.UserID,
		Quantity:     qty,
		Price:        *maker.Price,
		CreatedAt:    now,
	}

	if err := tx.UpdateOrder(ctx, &taker); err != nil {
		return nil, fmt.Errorf("update taker: %w", err)
	}
	if err := tx.UpdateOrder(ctx, maker); err != nil {
		return nil, fmt.Errorf("update maker: %w", err)
	}
	if err := tx.UpdateMarket(ctx, market); err != nil {
		return nil, fmt.Errorf("update market: %w", err)
	}
	if err := tx.InsertFill(ctx, fill); err != nil {
		return nil, fmt.Errorf("insert fill: %w", err)
	}

	res.Order = &taker
	return fill, nil
}

// pick returns the first candidate that crosses order under the engine's
// priority, or nil. Candidates arrive oldest first.
func (e *Engine) pick(order *model.Order, candidates []model.Order) *model.Order {
	eligible := make([]model.Order, 0, len(candidates))
	for _, c := range candidates {
		if !c.RemainingAmount.IsPositive() || c.Price == nil {
			continue
		}
		eligible = append(eligible, c)
	}

	if e.priority == PriorityPriceTime {
		sort.SliceStable(eligible, func(i, j int) bool {
			if order.Side == model.SideBuy {
				return eligible[i].Price.LessThan(*eligible[j].Price)
			}
			return eligible[i].Price.GreaterThan(*eligible[j].Price)
		})
	}

	for i := range eligible {
		if Crosses(order, &eligible[i]) {
			return &eligible[i]
		}
	}
	return nil
}

// Crosses reports whether the incoming order can trade against a resting
// candidate. Market orders cross unconditionally.
func Crosses(incoming, resting *model.Order) bool {
	if incoming.OrderType == model.OrderTypeMarket {
		return true
	}
	if incoming.Price == nil || resting.Price == nil {
		return false
	}
	if incoming.Side == model.SideBuy {
		return incoming.Price.GreaterThanOrEqual(*resting.Price)
	}
	return incoming.Price.LessThanOrEqual(*resting.Price)
}

func (e *Engine) abort(res *Result, orderID string, err error) (*Result, error) {
	metrics.MatchAborts.Inc()
	e.logger.Error("matching aborted",
		"order_id", orderID,
		"fills", len(res.Fills),
		"err", err,
	)
	res.Aborted = true
	res.Err = err
	res.Error = err.Error()
	return res, err
}
