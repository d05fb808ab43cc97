//go:build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/orderbook-engine/internal/matching"
	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/settlement"
	"github.com/atmx/orderbook-engine/internal/store"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "orderbook"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	exitCode := 0
	if err := initialiseDatabase(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres integration setup failed: %v\n", err)
		exitCode = 1
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/orderbook?sslmode=disable", host, port.Port())

	if err := store.Migrate(ctx, dsn, nil); err != nil {
		return err
	}
	// Second run must be a no-op.
	if err := store.Migrate(ctx, dsn, nil); err != nil {
		return fmt.Errorf("re-run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func createMarket(t *testing.T, s store.Store) *model.Market {
	t.Helper()
	now := time.Now().UTC()
	m := &model.Market{
		ID:             uuid.New().String(),
		Title:          "Will it rain?",
		Status:         model.MarketStatusOpen,
		TotalYesAmount: decimal.Zero,
		TotalNoAmount:  decimal.Zero,
		ProbabilityYes: d("0.5"),
		ProbabilityNo:  d("0.5"),
		TotalVolume:    decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m
}

func createProfile(t *testing.T, s store.Store, balance string) string {
	t.Helper()
	id := "user-" + uuid.New().String()
	now := time.Now().UTC()
	if err := s.CreateProfile(context.Background(), &model.Profile{ID: id, Balance: d(balance), CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	return id
}

func limitOrder(marketID, userID string, side model.Side, price, amount string, escrow bool) *model.Order {
	p := d(price)
	now := time.Now().UTC()
	o := &model.Order{
		ID:              uuid.New().String(),
		MarketID:        marketID,
		UserID:          userID,
		OrderType:       model.OrderTypeLimit,
		Side:            side,
		Position:        model.PositionYes,
		Price:           &p,
		Amount:          d(amount),
		FilledAmount:    decimal.Zero,
		RemainingAmount: d(amount),
		Status:          model.OrderStatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if escrow {
		o.EscrowPrice = p
	}
	return o
}

func TestPostgres_MarketRoundTrip(t *testing.T) {
	s := store.NewPostgresStore(testPool)
	m := createMarket(t, s)

	got, err := s.GetMarket(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if got.Title != m.Title || got.Status != model.MarketStatusOpen || !got.ProbabilityYes.Equal(d("0.5")) {
		t.Errorf("unexpected market %+v", got)
	}
	if got.ResolvedValue != nil {
		t.Error("new market must be unresolved")
	}

	if _, err := s.GetMarket(context.Background(), uuid.New().String()); !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestPostgres_ProfileDuplicate(t *testing.T) {
	s := store.NewPostgresStore(testPool)
	id := createProfile(t, s, "10")
	err := s.CreateProfile(context.Background(), &model.Profile{ID: id, CreatedAt: time.Now(), UpdatedAt: time.Now()})
	if !errors.Is(err, model.ErrProfileExists) {
		t.Errorf("expected ErrProfileExists, got %v", err)
	}
}

func TestPostgres_AdjustBalanceGuard(t *testing.T) {
	ctx := context.Background()
	s := store.NewPostgresStore(testPool)
	user := createProfile(t, s, "100")

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.AdjustBalance(ctx, &model.Transaction{UserID: user, Kind: model.TxOrderDebit, Amount: d("-100.01")})
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		return tx.AdjustBalance(ctx, &model.Transaction{UserID: "nobody", Kind: model.TxDeposit, Amount: d("1")})
	})
	if !errors.Is(err, model.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}

	entry := &model.Transaction{UserID: user, Kind: model.TxOrderDebit, Amount: d("-40")}
	if err := s.InTx(ctx, func(tx store.Tx) error { return tx.AdjustBalance(ctx, entry) }); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !entry.BalanceAfter.Equal(d("60")) || entry.ID == "" {
		t.Errorf("expected balance_after 60 with id, got %+v", entry)
	}

	p, _ := s.GetProfile(ctx, user)
	if !p.Balance.Equal(d("60")) {
		t.Errorf("expected balance 60, got %s", p.Balance)
	}
	txs, _ := s.ListTransactions(ctx, user)
	if len(txs) != 1 || txs[0].Kind != model.TxOrderDebit {
		t.Errorf("expected one debit, got %+v", txs)
	}
}

func TestPostgres_RollbackAndSavepoint(t *testing.T) {
	ctx := context.Background()
	s := store.NewPostgresStore(testPool)
	m := createMarket(t, s)
	user := createProfile(t, s, "0")

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		locked.TotalVolume = d("999")
		if err := tx.UpdateMarket(ctx, locked); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got, _ := s.GetMarket(ctx, m.ID); !got.TotalVolume.IsZero() {
		t.Errorf("rolled back write is visible: %s", got.TotalVolume)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.AdjustBalance(ctx, &model.Transaction{UserID: user, Kind: model.TxDeposit, Amount: d("5")}); err != nil {
			return err
		}
		spErr := tx.Savepoint(ctx, func(tx store.Tx) error {
			if err := tx.AdjustBalance(ctx, &model.Transaction{UserID: user, Kind: model.TxPayout, Amount: d("50")}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(spErr, boom) {
			return fmt.Errorf("savepoint returned %v", spErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer transaction: %v", err)
	}

	p, _ := s.GetProfile(ctx, user)
	if !p.Balance.Equal(d("5")) {
		t.Errorf("expected only the outer deposit to commit, got %s", p.Balance)
	}
}

func TestPostgres_LockMarketSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := store.NewPostgresStore(testPool)
	m := createMarket(t, s)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.InTx(ctx, func(tx store.Tx) error {
				locked, err := tx.LockMarket(ctx, m.ID)
				if err != nil {
					return err
				}
				time.Sleep(10 * time.Millisecond)
				locked.TotalVolume = locked.TotalVolume.Add(d("1"))
				return tx.UpdateMarket(ctx, locked)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("writer: %v", err)
		}
	}

	got, _ := s.GetMarket(ctx, m.ID)
	if !got.TotalVolume.Equal(d(fmt.Sprint(writers))) {
		t.Errorf("lost update: expected %d, got %s", writers, got.TotalVolume)
	}
}

func TestPostgres_ListOrdersOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := store.NewPostgresStore(testPool)
	m := createMarket(t, s)

	var ids []string
	err := s.InTx(ctx, func(tx store.Tx) error {
		for i := range 3 {
			o := limitOrder(m.ID, fmt.Sprintf("seller-%d", i), model.SideSell, "50", "1", false)
			o.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
			ids = append(ids, o.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert orders: %v", err)
	}

	orders, err := s.ListOrders(ctx, model.OrderFilter{MarketID: m.ID, Side: model.SideSell})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}
	for i := range ids {
		if orders[i].ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], orders[i].ID)
		}
	}
}

func TestPostgres_MatchAndSettle(t *testing.T) {
	ctx := context.Background()
	s := store.NewPostgresStore(testPool)
	m := createMarket(t, s)
	buyer := createProfile(t, s, "1000")

	sell := limitOrder(m.ID, "seller", model.SideSell, "40", "10", false)
	buy := limitOrder(m.ID, buyer, model.SideBuy, "40", "10", true)
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertOrder(ctx, sell); err != nil {
			return err
		}
		if err := tx.AdjustBalance(ctx, &model.Transaction{UserID: buyer, MarketID: m.ID, OrderID: buy.ID, Kind: model.TxOrderDebit, Amount: d("-400")}); err != nil {
			return err
		}
		locked, err := tx.LockMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		locked.TotalVolume = d("400")
		if err := tx.UpdateMarket(ctx, locked); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, buy)
	})
	if err != nil {
		t.Fatalf("seed book: %v", err)
	}

	res, err := matching.NewEngine(s, nil, matching.PriorityTime).Match(ctx, buy.ID)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(res.Fills) != 1 || res.Order.Status != model.OrderStatusFilled {
		t.Fatalf("expected one fill filling the buy, got %+v", res)
	}

	fills, _ := s.ListFills(ctx, m.ID)
	if len(fills) != 1 || !fills[0].Quantity.Equal(d("10")) {
		t.Errorf("unexpected fills %+v", fills)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		yes := true
		locked.Status = model.MarketStatusResolved
		locked.ResolvedValue = &yes
		return tx.UpdateMarket(ctx, locked)
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	engine := settlement.NewEngine(s, nil)
	out := engine.Settle(ctx, m.ID)
	if !out.Success || out.WinnersCount != 1 || !out.DistributedAmount.Equal(d("400")) {
		t.Fatalf("unexpected settlement %+v", out)
	}
	if again := engine.Settle(ctx, m.ID); again.Success {
		t.Error("second settlement must fail")
	}

	p, _ := s.GetProfile(ctx, buyer)
	if !p.Balance.Equal(d("1000")) {
		t.Errorf("expected balance 1000 after payout, got %s", p.Balance)
	}
	if got, _ := s.GetMarket(ctx, m.ID); got.Status != model.MarketStatusSettled {
		t.Errorf("expected settled, got %s", got.Status)
	}
}
