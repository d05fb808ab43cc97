// Package store defines the persistence interface for the order book engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over another Store), and in-memory (for testing and development).
//
// Every mutation of orders, markets or balances happens inside InTx. A
// transaction that locks a market holds that market's write lock until it
// commits or rolls back, so match steps, cancellations, resolution and
// settlement of one market never interleave.
package store

import (
	"context"

	"github.com/atmx/orderbook-engine/internal/model"
)

// Store is the persistence interface. Reads outside a transaction see
// committed state only.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets, newest first. An empty status lists all.
	ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error)

	// --- Order book ---

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns orders matching the filter, oldest first.
	ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error)

	// ListFills returns the fill history of a market, oldest first.
	ListFills(ctx context.Context, marketID string) ([]model.Fill, error)

	// --- Profiles ---

	// CreateProfile persists a new profile.
	CreateProfile(ctx context.Context, profile *model.Profile) error

	// GetProfile retrieves a profile by user ID.
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)

	// ListTransactions returns a user's balance history, oldest first.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)

	// --- Transactions ---

	// InTx runs fn in a transaction. If fn returns an error every write made
	// through tx is discarded; otherwise all of them commit atomically.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of the store, valid only inside InTx.
type Tx interface {
	// LockMarket loads a market and holds its write lock for the rest of
	// the transaction.
	LockMarket(ctx context.Context, id string) (*model.Market, error)

	// UpdateMarket writes the market's mutable fields: pool totals,
	// probabilities, volume, status and resolved value.
	UpdateMarket(ctx context.Context, market *model.Market) error

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error)
	InsertOrder(ctx context.Context, order *model.Order) error

	// UpdateOrder writes the fill bookkeeping and status of an order.
	UpdateOrder(ctx context.Context, order *model.Order) error

	// InsertFill appends an immutable fill record.
	InsertFill(ctx context.Context, fill *model.Fill) error

	// AdjustBalance applies entry.Amount to the user's balance and appends
	// entry to the transaction log, filling in ID, BalanceAfter and
	// CreatedAt. Fails with model.ErrInsufficientFunds, without effect, when
	// the balance would go negative.
	AdjustBalance(ctx context.Context, entry *model.Transaction) error

	// Savepoint runs fn in a nested transaction: an error from fn discards
	// only fn's writes and is returned to the caller, leaving the enclosing
	// transaction usable.
	Savepoint(ctx context.Context, fn func(tx Tx) error) error
}
