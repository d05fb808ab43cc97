package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/orderbook-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialised store-wide and run against a private copy of
// the state that replaces the committed state on success.
type MemoryStore struct {
	txMu  sync.Mutex   // serialises writers
	mu    sync.RWMutex // guards state
	state *memState
}

type memState struct {
	markets  map[string]model.Market
	orders   map[string]model.Order
	orderSeq map[string]int64
	profiles map[string]model.Profile
	fills    []model.Fill
	ledger   []model.Transaction
	seq      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			markets:  make(map[string]model.Market),
			orders:   make(map[string]model.Order),
			orderSeq: make(map[string]int64),
			profiles: make(map[string]model.Profile),
		},
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		markets:  make(map[string]model.Market, len(st.markets)),
		orders:   make(map[string]model.Order, len(st.orders)),
		orderSeq: make(map[string]int64, len(st.orderSeq)),
		profiles: make(map[string]model.Profile, len(st.profiles)),
		fills:    append([]model.Fill(nil), st.fills...),
		ledger:   append([]model.Transaction(nil), st.ledger...),
		seq:      st.seq,
	}
	for k, v := range st.markets {
		c.markets[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.orderSeq {
		c.orderSeq[k] = v
	}
	for k, v := range st.profiles {
		c.profiles[k] = v
	}
	return c
}

// --- Store ---

func (s *MemoryStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.InTx(ctx, func(tx Tx) error {
		st := tx.(*memTx).state
		if _, ok := st.markets[m.ID]; ok {
			return fmt.Errorf("market %s already exists", m.ID)
		}
		st.markets[m.ID] = *m
		return nil
	})
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.market(id)
}

func (s *MemoryStore) ListMarkets(_ context.Context, status model.MarketStatus) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.state.markets))
	for _, m := range s.state.markets {
		if status != "" && m.Status != status {
			continue
		}
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.order(id)
}

func (s *MemoryStore) ListOrders(_ context.Context, f model.OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listOrders(f), nil
}

func (s *MemoryStore) ListFills(_ context.Context, marketID string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for _, f := range s.state.fills {
		if f.MarketID == marketID {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateProfile(ctx context.Context, p *model.Profile) error {
	return s.InTx(ctx, func(tx Tx) error {
		st := tx.(*memTx).state
		if _, ok := st.profiles[p.ID]; ok {
			return fmt.Errorf("%w: %s", model.ErrProfileExists, p.ID)
		}
		st.profiles[p.ID] = *p
		return nil
	})
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrProfileNotFound, userID)
	}
	return &p, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, e := range s.state.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{state: working}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

// --- Tx ---

type memTx struct {
	state *memState
}

func (t *memTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.state.market(id)
}

func (t *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.state.markets[m.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, m.ID)
	}
	t.state.markets[m.ID] = *m
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	return t.state.order(id)
}

func (t *memTx) ListOrders(_ context.Context, f model.OrderFilter) ([]model.Order, error) {
	return t.state.listOrders(f), nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.state.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	t.state.seq++
	t.state.orders[o.ID] = *o
	t.state.orderSeq[o.ID] = t.state.seq
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.state.orders[o.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrOrderNotFound, o.ID)
	}
	t.state.orders[o.ID] = *o
	return nil
}

func (t *memTx) InsertFill(_ context.Context, f *model.Fill) error {
	t.state.fills = append(t.state.fills, *f)
	return nil
}

func (t *memTx) AdjustBalance(_ context.Context, e *model.Transaction) error {
	p, ok := t.state.profiles[e.UserID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrProfileNotFound, e.UserID)
	}
	balance := p.Balance.Add(e.Amount)
	if balance.IsNegative() {
		return model.ErrInsufficientFunds
	}

	now := time.Now().UTC()
	p.Balance = balance
	p.UpdatedAt = now
	t.state.profiles[e.UserID] = p

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.BalanceAfter = balance
	e.CreatedAt = now
	t.state.ledger = append(t.state.ledger, *e)
	return nil
}

func (t *memTx) Savepoint(_ context.Context, fn func(tx Tx) error) error {
	child := &memTx{state: t.state.clone()}
	if err := fn(child); err != nil {
		return err
	}
	*t.state = *child.state
	return nil
}

// --- State helpers ---

func (st *memState) market(id string) (*model.Market, error) {
	m, ok := st.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return &m, nil
}

func (st *memState) order(id string) (*model.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	return &o, nil
}

// listOrders filters and sorts by created_at, then insertion sequence.
func (st *memState) listOrders(f model.OrderFilter) []model.Order {
	var result []model.Order
	for _, o := range st.orders {
		if f.Matches(&o) {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return st.orderSeq[result[i].ID] < st.orderSeq[result[j].ID]
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}
