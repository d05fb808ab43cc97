package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	m := &model.Market{
		ID:             "m1",
		Title:          "Will it snow?",
		Status:         model.MarketStatusOpen,
		ProbabilityYes: d(0.5),
		ProbabilityNo:  d(0.5),
		CreatedAt:      base,
		UpdatedAt:      base,
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return ms
}

type bookOrder struct {
	id       string
	user     string
	typ      model.OrderType
	side     model.Side
	position model.Position
	price    float64
	amount   float64
	at       time.Duration
}

func seedOrder(t *testing.T, ms *store.MemoryStore, s bookOrder) {
	t.Helper()
	if s.typ == "" {
		s.typ = model.OrderTypeLimit
	}
	if s.position == "" {
		s.position = model.PositionYes
	}
	o := &model.Order{
		ID:              s.id,
		MarketID:        "m1",
		UserID:          s.user,
		OrderType:       s.typ,
		Side:            s.side,
		Position:        s.position,
		EscrowPrice:     d(s.price),
		Amount:          d(s.amount),
		RemainingAmount: d(s.amount),
		Status:          model.OrderStatusOpen,
		CreatedAt:       base.Add(s.at),
		UpdatedAt:       base.Add(s.at),
	}
	if s.typ == model.OrderTypeLimit {
		p := d(s.price)
		o.Price = &p
	}
	err := ms.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertOrder(context.Background(), o)
	})
	if err != nil {
		t.Fatalf("failed to seed order %s: %v", s.id, err)
	}
}

func getOrder(t *testing.T, ms *store.MemoryStore, id string) *model.Order {
	t.Helper()
	o, err := ms.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return o
}

func assertOrder(t *testing.T, o *model.Order, filled, remaining float64, status model.OrderStatus) {
	t.Helper()
	if !o.FilledAmount.Equal(d(filled)) || !o.RemainingAmount.Equal(d(remaining)) || o.Status != status {
		t.Errorf("order %s: got filled=%s remaining=%s status=%s, want %v/%v/%s",
			o.ID, o.FilledAmount, o.RemainingAmount, o.Status, filled, remaining, status)
	}
}

// --- Scenarios ---

func TestMatch_MarketBuyPartiallyFillsAgainstSmallerSell(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "sell", user: "maker", side: model.SideSell, price: 50, amount: 3})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", typ: model.OrderTypeMarket, side: model.SideBuy, price: 50, amount: 5, at: time.Second})

	res, err := NewEngine(ms, nil, PriorityTime).Match(context.Background(), "buy")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	assertOrder(t, getOrder(t, ms, "buy"), 3, 2, model.OrderStatusPartial)
	assertOrder(t, getOrder(t, ms, "sell"), 3, 0, model.OrderStatusFilled)
	assertOrder(t, res.Order, 3, 2, model.OrderStatusPartial)

	if len(res.Fills) != 1 || !res.MatchedAmount.Equal(d(3)) {
		t.Fatalf("expected one fill of 3, got %d fills matched=%s", len(res.Fills), res.MatchedAmount)
	}
	if !res.Fills[0].Price.Equal(d(50)) {
		t.Errorf("fill should execute at resting price 50, got %s", res.Fills[0].Price)
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.TotalYesAmount.Equal(d(3)) {
		t.Errorf("expected total_yes_amount=3, got %s", m.TotalYesAmount)
	}
	if !m.ProbabilityYes.Equal(d(1)) || !m.ProbabilityNo.IsZero() {
		t.Errorf("expected pool probabilities 1/0, got %s/%s", m.ProbabilityYes, m.ProbabilityNo)
	}
}

func TestMatch_LimitBuyBelowAskDoesNotCross(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "sell", user: "maker", side: model.SideSell, price: 40, amount: 10})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", side: model.SideBuy, price: 30, amount: 10, at: time.Second})

	res, err := NewEngine(ms, nil, PriorityTime).Match(context.Background(), "buy")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if len(res.Fills) != 0 {
		t.Errorf("expected no fills, got %d", len(res.Fills))
	}
	assertOrder(t, getOrder(t, ms, "buy"), 0, 10, model.OrderStatusOpen)
	assertOrder(t, getOrder(t, ms, "sell"), 0, 10, model.OrderStatusOpen)

	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.TotalYesAmount.IsZero() || !m.ProbabilityYes.Equal(d(0.5)) {
		t.Errorf("market should be untouched, got total_yes=%s p_yes=%s", m.TotalYesAmount, m.ProbabilityYes)
	}
}

func TestMatch_LimitSellCrossesHigherBid(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "bid", user: "maker", side: model.SideBuy, position: model.PositionNo, price: 60, amount: 4})
	seedOrder(t, ms, bookOrder{id: "ask", user: "taker", side: model.SideSell, position: model.PositionNo, price: 55, amount: 4, at: time.Second})

	res, err := NewEngine(ms, nil, PriorityTime).Match(context.Background(), "ask")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	assertOrder(t, res.Order, 4, 0, model.OrderStatusFilled)
	assertOrder(t, getOrder(t, ms, "bid"), 4, 0, model.OrderStatusFilled)

	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.TotalNoAmount.Equal(d(4)) || !m.TotalYesAmount.IsZero() {
		t.Errorf("expected total_no=4 total_yes=0, got %s/%s", m.TotalNoAmount, m.TotalYesAmount)
	}
}

func TestMatch_WalksBookOldestFirstAcrossMakers(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "s1", user: "a", side: model.SideSell, price: 45, amount: 2})
	seedOrder(t, ms, bookOrder{id: "s2", user: "b", side: model.SideSell, price: 40, amount: 2, at: time.Second})
	seedOrder(t, ms, bookOrder{id: "s3", user: "c", side: model.SideSell, price: 42, amount: 5, at: 2 * time.Second})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", side: model.SideBuy, price: 50, amount: 6, at: 3 * time.Second})

	res, err := NewEngine(ms, nil, PriorityTime).Match(context.Background(), "buy")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	want := []string{"s1", "s2", "s3"}
	if len(res.Fills) != len(want) {
		t.Fatalf("expected %d fills, got %d", len(want), len(res.Fills))
	}
	for i, id := range want {
		if res.Fills[i].MakerOrderID != id {
			t.Errorf("fill %d: expected maker %s, got %s", i, id, res.Fills[i].MakerOrderID)
		}
	}
	assertOrder(t, getOrder(t, ms, "s3"), 2, 3, model.OrderStatusPartial)
	assertOrder(t, res.Order, 6, 0, model.OrderStatusFilled)
}

func TestMatch_PriceTimeVisitsBestAskFirst(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "s1", user: "a", side: model.SideSell, price: 45, amount: 2})
	seedOrder(t, ms, bookOrder{id: "s2", user: "b", side: model.SideSell, price: 40, amount: 2, at: time.Second})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", side: model.SideBuy, price: 50, amount: 2, at: 2 * time.Second})

	res, err := NewEngine(ms, nil, PriorityPriceTime).Match(context.Background(), "buy")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if len(res.Fills) != 1 || res.Fills[0].MakerOrderID != "s2" {
		t.Fatalf("expected single fill against s2, got %+v", res.Fills)
	}
	assertOrder(t, getOrder(t, ms, "s1"), 0, 2, model.OrderStatusOpen)
}

func TestMatch_SkipsNonCrossingAndFindsLaterCandidate(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "expensive", user: "a", side: model.SideSell, price: 70, amount: 2})
	seedOrder(t, ms, bookOrder{id: "cheap", user: "b", side: model.SideSell, price: 35, amount: 2, at: time.Second})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", side: model.SideBuy, price: 40, amount: 2, at: 2 * time.Second})

	res, err := NewEngine(ms, nil, PriorityTime).Match(context.Background(), "buy")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if len(res.Fills) != 1 || res.Fills[0].MakerOrderID != "cheap" {
		t.Fatalf("expected fill against cheap, got %+v", res.Fills)
	}
}

func TestMatch_ExcludesSelfTradeSameSideAndOtherPosition(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "own", user: "taker", side: model.SideSell, price: 40, amount: 5})
	seedOrder(t, ms, bookOrder{id: "sameside", user: "a", side: model.SideBuy, price: 40, amount: 5})
	seedOrder(t, ms, bookOrder{id: "nopos", user: "b", side: model.SideSell, position: model.PositionNo, price: 40, amount: 5})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", side: model.SideBuy, price: 50, amount: 5, at: time.Second})

	res, err := NewEngine(ms, nil, PriorityTime).Match(context.Background(), "buy")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if len(res.Fills) != 0 {
		t.Errorf("expected no fills, got %+v", res.Fills)
	}
}

func TestMatch_SkipsRestingMarketOrders(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "mkt", user: "a", typ: model.OrderTypeMarket, side: model.SideSell, price: 50, amount: 5})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", typ: model.OrderTypeMarket, side: model.SideBuy, price: 50, amount: 5, at: time.Second})

	res, err := NewEngine(ms, nil, PriorityTime).Match(context.Background(), "buy")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if len(res.Fills) != 0 {
		t.Errorf("resting order without price must not be matched, got %d fills", len(res.Fills))
	}
}

func TestMatch_FilledOrderIsNoop(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "sell", user: "maker", side: model.SideSell, price: 40, amount: 5})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", side: model.SideBuy, price: 50, amount: 5, at: time.Second})

	eng := NewEngine(ms, nil, PriorityTime)
	if _, err := eng.Match(context.Background(), "buy"); err != nil {
		t.Fatal(err)
	}
	seedOrder(t, ms, bookOrder{id: "sell2", user: "maker", side: model.SideSell, price: 40, amount: 5, at: 2 * time.Second})

	res, err := eng.Match(context.Background(), "buy")
	if err != nil {
		t.Fatalf("second match failed: %v", err)
	}
	if len(res.Fills) != 0 {
		t.Errorf("filled order must not match again, got %d fills", len(res.Fills))
	}
	assertOrder(t, getOrder(t, ms, "sell2"), 0, 5, model.OrderStatusOpen)
}

func TestMatch_ClosedMarketIsNoop(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "sell", user: "maker", side: model.SideSell, price: 40, amount: 5})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", side: model.SideBuy, price: 50, amount: 5, at: time.Second})
	_ = ms.InTx(context.Background(), func(tx store.Tx) error {
		m, _ := tx.LockMarket(context.Background(), "m1")
		m.Status = model.MarketStatusClosed
		return tx.UpdateMarket(context.Background(), m)
	})

	res, err := NewEngine(ms, nil, PriorityTime).Match(context.Background(), "buy")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fills) != 0 {
		t.Errorf("expected no fills in a closed market, got %d", len(res.Fills))
	}
}

func TestMatch_UnknownOrderAborts(t *testing.T) {
	ms := newTestStore(t)
	res, err := NewEngine(ms, nil, PriorityTime).Match(context.Background(), "missing")
	if !errors.Is(err, model.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if !res.Aborted || res.Error == "" {
		t.Errorf("expected aborted result with error, got %+v", res)
	}
}

// --- Failure semantics ---

// faultyStore fails the Nth UpdateMarket call across all transactions.
type faultyStore struct {
	store.Store
	failOn int
	calls  int
}

type faultyTx struct {
	store.Tx
	s *faultyStore
}

var errInjected = errors.New("injected store failure")

func (f *faultyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, s: f})
	})
}

func (t *faultyTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.s.calls++
	if t.s.calls == t.s.failOn {
		return errInjected
	}
	return t.Tx.UpdateMarket(ctx, m)
}

func TestMatch_FailedStepRollsBackAndAborts(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "s1", user: "a", side: model.SideSell, price: 40, amount: 2})
	seedOrder(t, ms, bookOrder{id: "s2", user: "b", side: model.SideSell, price: 40, amount: 2, at: time.Second})
	seedOrder(t, ms, bookOrder{id: "buy", user: "taker", side: model.SideBuy, price: 50, amount: 4, at: 2 * time.Second})

	fs := &faultyStore{Store: ms, failOn: 2}
	res, err := NewEngine(fs, nil, PriorityTime).Match(context.Background(), "buy")
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if !res.Aborted || len(res.Fills) != 1 {
		t.Fatalf("expected aborted run with 1 committed fill, got aborted=%v fills=%d", res.Aborted, len(res.Fills))
	}

	// First step stands, second step left nothing behind.
	assertOrder(t, getOrder(t, ms, "buy"), 2, 2, model.OrderStatusPartial)
	assertOrder(t, getOrder(t, ms, "s1"), 2, 0, model.OrderStatusFilled)
	assertOrder(t, getOrder(t, ms, "s2"), 0, 2, model.OrderStatusOpen)

	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.TotalYesAmount.Equal(d(2)) {
		t.Errorf("expected total_yes=2 from the committed step only, got %s", m.TotalYesAmount)
	}
	fills, _ := ms.ListFills(context.Background(), "m1")
	if len(fills) != 1 {
		t.Errorf("expected 1 persisted fill, got %d", len(fills))
	}
}

func TestMatch_ConcurrentTakersNeverOverfillMaker(t *testing.T) {
	ms := newTestStore(t)
	seedOrder(t, ms, bookOrder{id: "ask", user: "maker", side: model.SideSell, price: 50, amount: 5})

	const takers = 8
	for i := range takers {
		seedOrder(t, ms, bookOrder{
			id: fmt.Sprintf("bid-%d", i), user: fmt.Sprintf("taker-%d", i),
			side: model.SideBuy, price: 50, amount: 2, at: time.Duration(i+1) * time.Second,
		})
	}

	engine := NewEngine(ms, nil, PriorityTime)
	var wg sync.WaitGroup
	errs := make([]error, takers)
	for i := range takers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Match(context.Background(), fmt.Sprintf("bid-%d", i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("taker %d: %v", i, err)
		}
	}

	assertOrder(t, getOrder(t, ms, "ask"), 5, 0, model.OrderStatusFilled)

	total := decimal.Zero
	for i := range takers {
		o := getOrder(t, ms, fmt.Sprintf("bid-%d", i))
		if o.FilledAmount.GreaterThan(d(2)) || !o.FilledAmount.Add(o.RemainingAmount).Equal(d(2)) {
			t.Errorf("taker %d: inconsistent fill %s/%s", i, o.FilledAmount, o.RemainingAmount)
		}
		total = total.Add(o.FilledAmount)
	}
	if !total.Equal(d(5)) {
		t.Errorf("takers filled %s in total, maker filled 5", total)
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.TotalYesAmount.Equal(d(5)) {
		t.Errorf("expected total_yes_amount 5, got %s", m.TotalYesAmount)
	}
	fills, _ := ms.ListFills(context.Background(), "m1")
	if len(fills) < 3 {
		t.Errorf("expected at least 3 fills for 5 shares in lots of 2, got %d", len(fills))
	}
}

func TestParsePriority(t *testing.T) {
	for _, tt := range []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"", PriorityTime, false},
		{"time", PriorityTime, false},
		{"price_time", PriorityPriceTime, false},
		{"fifo", "", true},
	} {
		got, err := ParsePriority(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePriority(%q) = %q, %v", tt.in, got, err)
		}
	}
}

// --- Properties ---

// Matching conserves quantity: every fill moves the same amount on both
// sides, fill+remaining stays equal to amount, and the pool grows by the
// total matched quantity.
func TestMatch_ConservesQuantity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ms := store.NewMemoryStore()
		ctx := context.Background()
		_ = ms.CreateMarket(ctx, &model.Market{
			ID: "m1", Status: model.MarketStatusOpen,
			ProbabilityYes: d(0.5), ProbabilityNo: d(0.5),
		})

		n := rapid.IntRange(0, 8).Draw(rt, "makers")
		var makerIDs []string
		err := ms.InTx(ctx, func(tx store.Tx) error {
			for i := 0; i < n; i++ {
				price := decimal.NewFromInt(int64(rapid.IntRange(1, 99).Draw(rt, "price")))
				amt := decimal.NewFromInt(int64(rapid.IntRange(1, 20).Draw(rt, "amount")))
				id := fmt.Sprintf("s%d", i)
				makerIDs = append(makerIDs, id)
				if err := tx.InsertOrder(ctx, &model.Order{
					ID: id, MarketID: "m1", UserID: fmt.Sprintf("u%d", i),
					OrderType: model.OrderTypeLimit, Side: model.SideSell, Position: model.PositionYes,
					Price: &price, EscrowPrice: price, Amount: amt, RemainingAmount: amt,
					Status: model.OrderStatusOpen, CreatedAt: base.Add(time.Duration(i) * time.Second),
				}); err != nil {
					return err
				}
			}
			price := decimal.NewFromInt(int64(rapid.IntRange(1, 99).Draw(rt, "takerPrice")))
			amt := decimal.NewFromInt(int64(rapid.IntRange(1, 60).Draw(rt, "takerAmount")))
			return tx.InsertOrder(ctx, &model.Order{
				ID: "taker", MarketID: "m1", UserID: "taker",
				OrderType: model.OrderTypeLimit, Side: model.SideBuy, Position: model.PositionYes,
				Price: &price, EscrowPrice: price, Amount: amt, RemainingAmount: amt,
				Status: model.OrderStatusOpen, CreatedAt: base.Add(time.Hour),
			})
		})
		if err != nil {
			rt.Fatalf("seed: %v", err)
		}

		res, err := NewEngine(ms, nil, PriorityTime).Match(ctx, "taker")
		if err != nil {
			rt.Fatalf("match: %v", err)
		}

		makerFilled := decimal.Zero
		for _, id := range append(makerIDs, "taker") {
			o, _ := ms.GetOrder(ctx, id)
			if !o.FilledAmount.Add(o.RemainingAmount).Equal(o.Amount) || o.RemainingAmount.IsNegative() {
				rt.Fatalf("order %s violates filled+remaining=amount: %+v", id, o)
			}
			if id != "taker" {
				makerFilled = makerFilled.Add(o.FilledAmount)
				if o.FilledAmount.IsPositive() && o.Price.GreaterThan(*res.Order.Price) {
					rt.Fatalf("maker %s at %s matched a bid of %s", id, o.Price, res.Order.Price)
				}
			}
		}

		if !makerFilled.Equal(res.MatchedAmount) || !res.Order.FilledAmount.Equal(res.MatchedAmount) {
			rt.Fatalf("taker filled %s, makers filled %s, matched %s",
				res.Order.FilledAmount, makerFilled, res.MatchedAmount)
		}
		m, _ := ms.GetMarket(ctx, "m1")
		if !m.TotalYesAmount.Equal(res.MatchedAmount) {
			rt.Fatalf("pool total %s != matched %s", m.TotalYesAmount, res.MatchedAmount)
		}
		if !m.ProbabilityYes.Add(m.ProbabilityNo).Equal(decimal.NewFromInt(1)) {
			rt.Fatalf("probabilities do not sum to 1: %s + %s", m.ProbabilityYes, m.ProbabilityNo)
		}
	})
}
