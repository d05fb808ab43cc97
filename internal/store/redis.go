package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/orderbook-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and profiles. Writes go to the primary store; keys of
// every market and profile a committed transaction touched are invalidated
// after the commit, so the next read re-populates them.
//
// Each cached key has a generation counter bumped on invalidation. A cache
// miss records the generation before reading the primary and only stores
// its value if the generation is unchanged, so a read that raced a commit
// never writes a stale copy back.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger,
	}
}

// --- Write-through ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cache(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) CreateProfile(ctx context.Context, p *model.Profile) error {
	if err := s.primary.CreateProfile(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, profileKey(p.ID), p)
	return nil
}

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := &touchSet{markets: map[string]struct{}{}, users: map[string]struct{}{}}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		return fn(&trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(touched.markets)+len(touched.users))
	for id := range touched.markets {
		keys = append(keys, marketKey(id))
	}
	for id := range touched.users {
		keys = append(keys, profileKey(id))
	}
	if len(keys) > 0 {
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			for _, k := range keys {
				pipe.Incr(ctx, genKey(k))
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("cache invalidation failed", "keys", len(keys), "err", err)
		}
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.lookup(ctx, marketKey(id), &m) {
		return &m, nil
	}

	gen := s.generation(ctx, marketKey(id))
	fresh, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheIfCurrent(ctx, marketKey(id), gen, fresh)
	return fresh, nil
}

func (s *CachedStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	if s.lookup(ctx, profileKey(userID), &p) {
		return &p, nil
	}

	gen := s.generation(ctx, profileKey(userID))
	fresh, err := s.primary.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheIfCurrent(ctx, profileKey(userID), gen, fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, status)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, f)
}

func (s *CachedStore) ListFills(ctx context.Context, marketID string) ([]model.Fill, error) {
	return s.primary.ListFills(ctx, marketID)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

// --- Invalidation tracking ---

type touchSet struct {
	markets map[string]struct{}
	users   map[string]struct{}
}

// trackingTx records which markets and profiles a transaction wrote.
type trackingTx struct {
	Tx
	touched *touchSet
}

func (t *trackingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.touched.markets[m.ID] = struct{}{}
	return t.Tx.UpdateMarket(ctx, m)
}

func (t *trackingTx) AdjustBalance(ctx context.Context, e *model.Transaction) error {
	t.touched.users[e.UserID] = struct{}{}
	return t.Tx.AdjustBalance(ctx, e)
}

func (t *trackingTx) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	return t.Tx.Savepoint(ctx, func(inner Tx) error {
		return fn(&trackingTx{Tx: inner, touched: t.touched})
	})
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

var errStaleRead = errors.New("cache generation moved")

// generation returns key's invalidation counter, or -1 if it cannot be read.
func (s *CachedStore) generation(ctx context.Context, key string) int64 {
	gen, err := s.rdb.Get(ctx, genKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		return -1
	}
	return gen
}

// cacheIfCurrent stores v under key only while key's generation still
// equals gen.
func (s *CachedStore) cacheIfCurrent(ctx context.Context, key string, gen int64, v any) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	g := genKey(key)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, g).Int64()
		if errors.Is(err, redis.Nil) {
			cur = 0
		} else if err != nil {
			return err
		}
		if cur != gen {
			return errStaleRead
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, g)
	if err != nil {
		s.logger.Debug("cache fill skipped", "key", key, "err", err)
	}
}

func genKey(key string) string { return "gen:" + key }

func marketKey(id string) string   { return fmt.Sprintf("market:%s", id) }
func profileKey(uid string) string { return fmt.Sprintf("profile:%s", uid) }
