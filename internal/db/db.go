package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/models"
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUnsupportedEvent = errors.New("event is not a persistence record")
	ErrDuplicateUser    = errors.New("username or email already registered")
	ErrUserNotFound     = errors.New("user not found")
)

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// OrderRecord is an order row with its lifecycle status
type OrderRecord struct {
	models.Order
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs a schema script. Statements must be idempotent.
func (db *DB) Migrate(ctx context.Context, script string) error {
	if _, err := db.Pool.Exec(ctx, script); err != nil {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}

// CreateUser inserts a new login
func (db *DB) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3) RETURNING id, username, email, password_hash, created_at",
		username, email, passwordHash).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, email, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// DeleteUser removes a login, used to undo a signup the engine refused
func (db *DB) DeleteUser(ctx context.Context, id int64) error {
	if _, err := db.Pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete user %d: %w", id, err)
	}
	return nil
}

// Apply stores one record emitted on the persistence channel
func (db *DB) Apply(ctx context.Context, ev protocol.Event) error {
	switch e := ev.(type) {
	case protocol.OrderUpdate:
		return db.UpsertOrder(ctx, e.Order, e.Status)
	case protocol.OrderUpdateFill:
		return db.ApplyFills(ctx, e.Fills)
	case protocol.AddTrades:
		return db.InsertTrades(ctx, e.Market, e.Trades)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.EventType())
	}
}

// UpsertOrder inserts an order or refreshes its fill and status
func (db *DB) UpsertOrder(ctx context.Context, o models.Order, status string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO orders (id, market, user_id, side, price, quantity, filled, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET filled = EXCLUDED.filled, status = EXCLUDED.status, updated_at = NOW()`,
		o.OrderID, o.Market, o.UserID, string(o.Side), o.Price, o.Quantity, o.Filled, status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert order %d: %w", o.OrderID, err)
	}
	return nil
}

// ApplyFills adds each fill to its resting order. A fill already applied
// (same trade and order) is ignored, so redelivery is safe.
func (db *DB) ApplyFills(ctx context.Context, fills []models.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, f := range fills {
		batch.Queue(`
			WITH applied AS (
				INSERT INTO applied_fills (trade_id, order_id, quantity)
				VALUES ($1, $2, $3::numeric)
				ON CONFLICT DO NOTHING
				RETURNING order_id
			)
			UPDATE orders
			SET filled = orders.filled + $3,
			    status = CASE WHEN orders.filled + $3 >= orders.quantity THEN 'filled' ELSE orders.status END,
			    updated_at = NOW()
			FROM applied
			WHERE orders.id = applied.order_id`,
			f.TradeID, f.RestingOrderID, f.Quantity)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to apply fills: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InsertTrades records executed trades. Known trade IDs are skipped.
func (db *DB) InsertTrades(ctx context.Context, market string, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO trades (trade_id, market, price, quantity, side, fill_owner_id, market_order_id, matched_order_id, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (trade_id) DO NOTHING`,
			t.TradeID, market, t.Price, t.Quantity, string(t.Side), t.FillOwnerID, t.MarketOrderID, t.MatchedOrderID, t.Timestamp)
	}
	if err := db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert trades: %w", err)
	}
	return nil
}

// GetTicker aggregates the trades of a market executed at or after since
func (db *DB) GetTicker(ctx context.Context, market string, since time.Time) (models.Ticker, error) {
	t := models.Ticker{Market: market, Since: since}
	err := db.Pool.QueryRow(ctx, `
		SELECT
			(array_agg(price ORDER BY trade_id ASC))[1],
			MAX(price),
			MIN(price),
			(array_agg(price ORDER BY trade_id DESC))[1],
			COALESCE(SUM(quantity), 0),
			COUNT(*)
		FROM trades
		WHERE market = $1 AND executed_at >= $2`,
		market, since).Scan(&t.Open, &t.High, &t.Low, &t.Close, &t.Volume, &t.Trades)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("failed to get ticker for %s: %w", market, err)
	}
	return t, nil
}

// GetTrades returns the latest trades of a market, newest first
func (db *DB) GetTrades(ctx context.Context, market string, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT trade_id, price, quantity, side, fill_owner_id, market_order_id, matched_order_id, executed_at
		FROM trades
		WHERE market = $1
		ORDER BY trade_id DESC
		LIMIT $2`,
		market, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		var (
			t    models.Trade
			side string
		)
		if err := rows.Scan(&t.TradeID, &t.Price, &t.Quantity, &side, &t.FillOwnerID, &t.MarketOrderID, &t.MatchedOrderID, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = models.Side(side)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	return trades, nil
}

// GetUserOrders retrieves a user's orders, oldest first. An empty status
// returns every status.
func (db *DB) GetUserOrders(ctx context.Context, userID, status string) ([]OrderRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, market, user_id, side, price, quantity, filled, status, created_at, updated_at
		FROM orders
		WHERE user_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at ASC, id ASC`,
		userID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	orders := []OrderRecord{}
	for rows.Next() {
		var (
			o    OrderRecord
			side string
		)
		err := rows.Scan(
			&o.OrderID,
			&o.Market,
			&o.UserID,
			&side,
			&o.Price,
			&o.Quantity,
			&o.Filled,
			&o.Status,
			&o.CreatedAt,
			&o.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = models.Side(side)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}
