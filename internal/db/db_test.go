package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/models"
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *DB

func TestMain(m *testing.M) {
	url := os.Getenv("EXCHANGE_TEST_DATABASE_URL")
	if url == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	testDB, err = NewDB(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	migration, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read migration: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.Migrate(ctx, string(migration)); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	os.Exit(code)
}

func requireDB(t *testing.T) *DB {
	t.Helper()
	if testDB == nil {
		t.Skip("EXCHANGE_TEST_DATABASE_URL not set")
	}
	_, err := testDB.Pool.Exec(context.Background(), "TRUNCATE TABLE users, orders, trades, applied_fills")
	require.NoError(t, err)
	return testDB
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var created = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func order(id uint64, user string, side models.Side, price, qty string) models.Order {
	return models.Order{
		OrderID:   id,
		Market:    "TATA_INR",
		Price:     d(price),
		Quantity:  d(qty),
		Side:      side,
		UserID:    user,
		CreatedAt: created.Add(time.Duration(id) * time.Second),
	}
}

func TestDB_UpsertOrder(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	o := order(1, "alice", models.Buy, "100", "2")
	require.NoError(t, db.UpsertOrder(ctx, o, protocol.StatusOpen))

	o.Filled = d("2")
	require.NoError(t, db.UpsertOrder(ctx, o, protocol.StatusFilled))

	orders, err := db.GetUserOrders(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, protocol.StatusFilled, orders[0].Status)
	assert.True(t, d("2").Equal(orders[0].Filled))
	assert.Equal(t, models.Buy, orders[0].Side)
	assert.True(t, d("100").Equal(orders[0].Price))
}

func TestDB_ApplyFillsIsIdempotent(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertOrder(ctx, order(1, "maker", models.Sell, "100", "3"), protocol.StatusOpen))
	fills := []models.Fill{
		{Price: d("100"), Quantity: d("1"), CounterpartyID: "maker", TradeID: 1, RestingOrderID: 1},
		{Price: d("100"), Quantity: d("2"), CounterpartyID: "maker", TradeID: 2, RestingOrderID: 1},
	}

	require.NoError(t, db.ApplyFills(ctx, fills[:1]))
	require.NoError(t, db.ApplyFills(ctx, fills[:1]), "redelivery")

	orders, err := db.GetUserOrders(ctx, "maker", protocol.StatusOpen)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, d("1").Equal(orders[0].Filled), "applied once, got %s", orders[0].Filled)

	require.NoError(t, db.ApplyFills(ctx, fills[1:]))
	orders, err = db.GetUserOrders(ctx, "maker", protocol.StatusFilled)
	require.NoError(t, err)
	require.Len(t, orders, 1, "fully filled order flips status")
}

func TestDB_Trades(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	trades := []models.Trade{
		{TradeID: 1, Price: d("100"), Quantity: d("1"), Side: models.Buy, FillOwnerID: "m1", MarketOrderID: 1, MatchedOrderID: 3, Timestamp: created},
		{TradeID: 2, Price: d("103"), Quantity: d("2"), Side: models.Buy, FillOwnerID: "m2", MarketOrderID: 2, MatchedOrderID: 3, Timestamp: created},
	}
	require.NoError(t, db.InsertTrades(ctx, "TATA_INR", trades))
	require.NoError(t, db.InsertTrades(ctx, "TATA_INR", trades), "duplicates are skipped")

	got, err := db.GetTrades(ctx, "TATA_INR", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].TradeID, "newest first")
	assert.Equal(t, "m2", got[0].FillOwnerID)
	assert.True(t, d("103").Equal(got[0].Price))
	assert.True(t, created.Equal(got[1].Timestamp))

	got, err = db.GetTrades(ctx, "OTHER_X", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDB_ApplyDispatch(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	maker := order(1, "maker", models.Sell, "50", "1")
	taker := order(2, "taker", models.Buy, "50", "1")
	taker.Filled = d("1")
	fill := models.Fill{Price: d("50"), Quantity: d("1"), CounterpartyID: "maker", TradeID: 9, RestingOrderID: 1}

	for _, ev := range []protocol.Event{
		protocol.OrderUpdate{Order: maker, Status: protocol.StatusOpen},
		protocol.OrderUpdate{Order: taker, Status: protocol.StatusFilled},
		protocol.OrderUpdateFill{Market: "TATA_INR", Fills: []models.Fill{fill}},
		protocol.AddTrades{Market: "TATA_INR", Trades: []models.Trade{{
			TradeID: 9, Price: d("50"), Quantity: d("1"), Side: models.Buy,
			FillOwnerID: "maker", MarketOrderID: 1, MatchedOrderID: 2, Timestamp: created,
		}}},
	} {
		require.NoError(t, db.Apply(ctx, ev), ev.EventType())
	}

	orders, err := db.GetUserOrders(ctx, "maker", protocol.StatusFilled)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	trades, err := db.GetTrades(ctx, "TATA_INR", 1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestDB_ApplyRejectsOtherEvents(t *testing.T) {
	err := (&DB{}).Apply(context.Background(), protocol.MarketsList{})
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestDB_Users(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	u, err := db.CreateUser(ctx, "alice", "alice@example.com", "hash")
	require.NoError(t, err)
	assert.NotZero(t, u.ID)
	assert.Equal(t, "alice", u.Username)

	_, err = db.CreateUser(ctx, "alice", "other@example.com", "hash")
	assert.ErrorIs(t, err, ErrDuplicateUser)
	_, err = db.CreateUser(ctx, "alice2", "alice@example.com", "hash")
	assert.ErrorIs(t, err, ErrDuplicateUser)

	got, err := db.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "hash", got.PasswordHash)
	assert.Equal(t, "alice@example.com", got.Email)

	require.NoError(t, db.DeleteUser(ctx, u.ID))
	_, err = db.GetUserByUsername(ctx, "alice")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestDB_Ticker(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	trades := []models.Trade{
		{TradeID: 1, Price: d("100"), Quantity: d("1"), Side: models.Buy, FillOwnerID: "m", MarketOrderID: 1, MatchedOrderID: 9, Timestamp: created.Add(-2 * time.Hour)},
		{TradeID: 2, Price: d("104"), Quantity: d("2"), Side: models.Buy, FillOwnerID: "m", MarketOrderID: 1, MatchedOrderID: 9, Timestamp: created},
		{TradeID: 3, Price: d("98"), Quantity: d("1"), Side: models.Sell, FillOwnerID: "m", MarketOrderID: 2, MatchedOrderID: 10, Timestamp: created},
		{TradeID: 4, Price: d("101"), Quantity: d("3"), Side: models.Buy, FillOwnerID: "m", MarketOrderID: 2, MatchedOrderID: 11, Timestamp: created},
	}
	require.NoError(t, db.InsertTrades(ctx, "TATA_INR", trades))

	tk, err := db.GetTicker(ctx, "TATA_INR", created.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), tk.Trades, "trade before the window is excluded")
	assert.True(t, d("104").Equal(tk.Open.Decimal))
	assert.True(t, d("104").Equal(tk.High.Decimal))
	assert.True(t, d("98").Equal(tk.Low.Decimal))
	assert.True(t, d("101").Equal(tk.Close.Decimal))
	assert.True(t, d("6").Equal(tk.Volume))

	tk, err = db.GetTicker(ctx, "OTHER_X", created.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, tk.Trades)
	assert.False(t, tk.Open.Valid)
	assert.True(t, tk.Volume.IsZero())
}
