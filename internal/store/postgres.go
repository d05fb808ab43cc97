package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/orderbook-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Market write locks are row locks (SELECT ... FOR UPDATE) on the markets
// table. Balances are mutated with a guarded UPDATE so concurrent credits and
// debits across markets never lose updates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is the subset of pgxpool.Pool and pgx.Tx used by the shared queries.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const marketColumns = `id, title, description, category, status,
	total_yes_amount::TEXT, total_no_amount::TEXT,
	probability_yes::TEXT, probability_no::TEXT, total_volume::TEXT,
	resolved_value, closing_date, created_at, updated_at`

const orderColumns = `id, market_id, user_id, order_type, side, position,
	price::TEXT, escrow_price::TEXT, amount::TEXT, filled_amount::TEXT, remaining_amount::TEXT,
	status, created_at, updated_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, description, category, status,
		                      total_yes_amount, total_no_amount, probability_yes, probability_no, total_volume,
		                      resolved_value, closing_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14)`,
		m.ID, m.Title, m.Description, m.Category, string(m.Status),
		m.TotalYesAmount.String(), m.TotalNoAmount.String(),
		m.ProbabilityYes.String(), m.ProbabilityNo.String(), m.TotalVolume.String(),
		m.ResolvedValue, m.ClosingDate, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+`
		 FROM markets WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC, id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id)
}

func (s *PostgresStore) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	return listOrders(ctx, s.pool, f)
}

func (s *PostgresStore) ListFills(ctx context.Context, marketID string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, position, taker_order_id, maker_order_id, taker_user_id, maker_user_id,
		        quantity::TEXT, price::TEXT, created_at
		 FROM fills WHERE market_id = $1 ORDER BY created_at, seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var qtyS, priceS string
		var pos string
		if err := rows.Scan(&f.ID, &f.MarketID, &pos, &f.TakerOrderID, &f.MakerOrderID,
			&f.TakerUserID, &f.MakerUserID, &qtyS, &priceS, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Position = model.Position(pos)
		f.Quantity, _ = decimal.NewFromString(qtyS)
		f.Price, _ = decimal.NewFromString(priceS)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) CreateProfile(ctx context.Context, p *model.Profile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		p.ID, p.Balance.String(), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", model.ErrProfileExists, p.ID)
		}
		return fmt.Errorf("create profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	var balanceS string
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, created_at, updated_at FROM profiles WHERE id = $1`, userID).
		Scan(&p.ID, &balanceS, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrProfileNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	p.Balance, _ = decimal.NewFromString(balanceS)
	return &p, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, order_id, kind, amount::TEXT, balance_after::TEXT, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at, seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.Transaction
	for rows.Next() {
		var e model.Transaction
		var kind, amountS, afterS string
		if err := rows.Scan(&e.ID, &e.UserID, &e.MarketID, &e.OrderID, &kind,
			&amountS, &afterS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.TransactionKind(kind)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.BalanceAfter, _ = decimal.NewFromString(afterS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InTx begins a transaction, runs fn and commits. Any error from fn, or a
// cancelled context, rolls the whole transaction back.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// --- Tx ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets
		 SET status = $2,
		     total_yes_amount = $3::NUMERIC, total_no_amount = $4::NUMERIC,
		     probability_yes = $5::NUMERIC, probability_no = $6::NUMERIC,
		     total_volume = $7::NUMERIC, resolved_value = $8, updated_at = $9
		 WHERE id = $1`,
		m.ID, string(m.Status),
		m.TotalYesAmount.String(), m.TotalNoAmount.String(),
		m.ProbabilityYes.String(), m.ProbabilityNo.String(),
		m.TotalVolume.String(), m.ResolvedValue, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, m.ID)
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.tx, id)
}

func (t *pgTx) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	return listOrders(ctx, t.tx, f)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	var price *string
	if o.Price != nil {
		s := o.Price.String()
		price = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, market_id, user_id, order_type, side, position,
		                     price, escrow_price, amount, filled_amount, remaining_amount,
		                     status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12, $13, $14)`,
		o.ID, o.MarketID, o.UserID, string(o.OrderType), string(o.Side), string(o.Position),
		price, o.EscrowPrice.String(), o.Amount.String(), o.FilledAmount.String(), o.RemainingAmount.String(),
		string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET filled_amount = $2::NUMERIC, remaining_amount = $3::NUMERIC, status = $4, updated_at = $5
		 WHERE id = $1`,
		o.ID, o.FilledAmount.String(), o.RemainingAmount.String(), string(o.Status), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrOrderNotFound, o.ID)
	}
	return nil
}

func (t *pgTx) InsertFill(ctx context.Context, f *model.Fill) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO fills (id, market_id, position, taker_order_id, maker_order_id,
		                    taker_user_id, maker_user_id, quantity, price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10)`,
		f.ID, f.MarketID, string(f.Position), f.TakerOrderID, f.MakerOrderID,
		f.TakerUserID, f.MakerUserID, f.Quantity.String(), f.Price.String(), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fill %s: %w", f.ID, err)
	}
	return nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, e *model.Transaction) error {
	now := time.Now().UTC()
	var afterS string
	err := t.tx.QueryRow(ctx,
		`UPDATE profiles
		 SET balance = balance + $2::NUMERIC, updated_at = $3
		 WHERE id = $1 AND balance + $2::NUMERIC >= 0
		 RETURNING balance::TEXT`,
		e.UserID, e.Amount.String(), now).Scan(&afterS)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := t.tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`, e.UserID).Scan(&exists); err != nil {
			return fmt.Errorf("adjust balance %s: %w", e.UserID, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", model.ErrProfileNotFound, e.UserID)
		}
		return model.ErrInsufficientFunds
	}
	if err != nil {
		return fmt.Errorf("adjust balance %s: %w", e.UserID, err)
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.BalanceAfter, _ = decimal.NewFromString(afterS)
	e.CreatedAt = now

	_, err = t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, market_id, order_id, kind, amount, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		e.ID, e.UserID, e.MarketID, e.OrderID, string(e.Kind),
		e.Amount.String(), e.BalanceAfter.String(), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record transaction %s: %w", e.ID, err)
	}
	return nil
}

// Savepoint uses a pgx nested transaction, which pgx implements as a
// SAVEPOINT inside the enclosing transaction.
func (t *pgTx) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(&pgTx{tx: sp}); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// --- Shared queries ---

func getMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	sql := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func getOrder(ctx context.Context, q querier, id string) (*model.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func listOrders(ctx context.Context, q querier, f model.OrderFilter) ([]model.Order, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	rows, err := q.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE ($1 = '' OR market_id = $1)
		   AND ($2 = '' OR user_id = $2)
		   AND ($3 = '' OR user_id <> $3)
		   AND ($4 = '' OR position = $4)
		   AND ($5 = '' OR side = $5)
		   AND (cardinality($6::TEXT[]) = 0 OR status = ANY($6::TEXT[]))
		 ORDER BY created_at, seq`,
		f.MarketID, f.UserID, f.ExcludeUserID, string(f.Position), string(f.Side), statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var status, totalYes, totalNo, pYes, pNo, volume string

	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Category, &status,
		&totalYes, &totalNo, &pYes, &pNo, &volume,
		&m.ResolvedValue, &m.ClosingDate, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}

	m.Status = model.MarketStatus(status)
	m.TotalYesAmount, _ = decimal.NewFromString(totalYes)
	m.TotalNoAmount, _ = decimal.NewFromString(totalNo)
	m.ProbabilityYes, _ = decimal.NewFromString(pYes)
	m.ProbabilityNo, _ = decimal.NewFromString(pNo)
	m.TotalVolume, _ = decimal.NewFromString(volume)
	return &m, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var orderType, side, position, status string
	var price *string
	var escrow, amount, filled, remaining string

	if err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &orderType, &side, &position,
		&price, &escrow, &amount, &filled, &remaining,
		&status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}

	o.OrderType = model.OrderType(orderType)
	o.Side = model.Side(side)
	o.Position = model.Position(position)
	o.Status = model.OrderStatus(status)
	if price != nil {
		p, _ := decimal.NewFromString(*price)
		o.Price = &p
	}
	o.EscrowPrice, _ = decimal.NewFromString(escrow)
	o.Amount, _ = decimal.NewFromString(amount)
	o.FilledAmount, _ = decimal.NewFromString(filled)
	o.RemainingAmount, _ = decimal.NewFromString(remaining)
	return &o, nil
}
