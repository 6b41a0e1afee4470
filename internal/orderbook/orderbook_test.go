package orderbook

import (
	"errors"
	"testing"

	"github.com/Ishan3450/complete-stock-exchange/internal/models"
	"github.com/Ishan3450/complete-stock-exchange/internal/sequence"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newOrder(id uint64, user string, side models.Side, price, qty string) *models.Order {
	return &models.Order{
		OrderID:  id,
		Market:   "TATA_INR",
		Price:    d(price),
		Quantity: d(qty),
		Side:     side,
		UserID:   user,
	}
}

func mustAdd(t *testing.T, b *OrderBook, o *models.Order) Result {
	t.Helper()
	res, err := b.AddOrder(o)
	if err != nil {
		t.Fatalf("AddOrder(%d): %v", o.OrderID, err)
	}
	return res
}

func TestOrderBook_AddOrderValidation(t *testing.T) {
	tests := []struct {
		name  string
		order *models.Order
	}{
		{"zero price", newOrder(1, "u", models.Buy, "0", "1")},
		{"negative quantity", newOrder(1, "u", models.Sell, "10", "-1")},
		{"bad side", newOrder(1, "u", models.Side("hold"), "10", "1")},
		{"prefilled", &models.Order{OrderID: 1, Price: d("1"), Quantity: d("2"), Filled: d("1"), Side: models.Buy}},
		{"nil", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("TATA", "INR")
			_, err := b.AddOrder(tt.order)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
			if bids, asks := b.OpenOrdersCount(); bids+asks != 0 {
				t.Errorf("invalid order must not rest, got %d bids %d asks", bids, asks)
			}
		})
	}
}

func TestOrderBook_PriceTimePriority(t *testing.T) {
	b := New("TATA", "INR")
	mustAdd(t, b, newOrder(1, "maker1", models.Sell, "100", "1"))
	mustAdd(t, b, newOrder(2, "maker2", models.Sell, "103", "2"))

	taker := newOrder(3, "taker", models.Buy, "103", "4")
	res := mustAdd(t, b, taker)

	if len(res.Fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(res.Fills))
	}
	if !res.Fills[0].Price.Equal(d("100")) || !res.Fills[0].Quantity.Equal(d("1")) || res.Fills[0].RestingOrderID != 1 {
		t.Errorf("unexpected first fill %+v", res.Fills[0])
	}
	if !res.Fills[1].Price.Equal(d("103")) || !res.Fills[1].Quantity.Equal(d("2")) || res.Fills[1].RestingOrderID != 2 {
		t.Errorf("unexpected second fill %+v", res.Fills[1])
	}
	if !res.ExecutedQuantity.Equal(d("3")) {
		t.Errorf("expected executed 3, got %s", res.ExecutedQuantity)
	}
	if res.Fills[0].TradeID >= res.Fills[1].TradeID {
		t.Errorf("trade ids must increase: %d then %d", res.Fills[0].TradeID, res.Fills[1].TradeID)
	}

	// Remainder rests as a bid.
	rested, ok := b.Order(3, models.Buy)
	if !ok {
		t.Fatal("expected remainder to rest on the bid side")
	}
	if !rested.Remaining().Equal(d("1")) {
		t.Errorf("expected 1 remaining, got %s", rested.Remaining())
	}
	if bids, asks := b.OpenOrdersCount(); bids != 1 || asks != 0 {
		t.Errorf("expected 1 bid 0 asks, got %d/%d", bids, asks)
	}
}

func TestOrderBook_TimePriorityWithinLevel(t *testing.T) {
	b := New("TATA", "INR")
	mustAdd(t, b, newOrder(1, "early", models.Buy, "50", "1"))
	mustAdd(t, b, newOrder(2, "late", models.Buy, "50", "1"))
	mustAdd(t, b, newOrder(3, "best", models.Buy, "51", "1"))

	res := mustAdd(t, b, newOrder(4, "seller", models.Sell, "50", "2"))

	if len(res.Fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(res.Fills))
	}
	if res.Fills[0].CounterpartyID != "best" || res.Fills[1].CounterpartyID != "early" {
		t.Errorf("expected best then early, got %s then %s", res.Fills[0].CounterpartyID, res.Fills[1].CounterpartyID)
	}
	if _, ok := b.Order(2, models.Buy); !ok {
		t.Error("later order at the same price should still rest")
	}
}

func TestOrderBook_SelfTradePrevention(t *testing.T) {
	b := New("TATA", "INR")
	mustAdd(t, b, newOrder(1, "userX", models.Sell, "100", "5"))

	res := mustAdd(t, b, newOrder(2, "userX", models.Buy, "100", "5"))
	if len(res.Fills) != 0 {
		t.Fatalf("expected no fills against own order, got %d", len(res.Fills))
	}
	if !res.ExecutedQuantity.IsZero() {
		t.Errorf("expected zero executed, got %s", res.ExecutedQuantity)
	}

	// Another user's order behind the own order still matches.
	mustAdd(t, b, newOrder(3, "userY", models.Sell, "100", "1"))
	res = mustAdd(t, b, newOrder(4, "userX", models.Buy, "100", "1"))
	if len(res.Fills) != 1 || res.Fills[0].CounterpartyID != "userY" {
		t.Fatalf("expected one fill against userY, got %+v", res.Fills)
	}
	if o, ok := b.Order(1, models.Sell); !ok || !o.Filled.IsZero() {
		t.Error("own resting order must be untouched")
	}
}

func TestOrderBook_NoCrossing(t *testing.T) {
	tests := []struct {
		name    string
		resting *models.Order
		in      *models.Order
	}{
		{"buy below ask", newOrder(1, "a", models.Sell, "110", "1"), newOrder(2, "b", models.Buy, "105", "1")},
		{"sell above bid", newOrder(1, "a", models.Buy, "105", "1"), newOrder(2, "b", models.Sell, "110", "1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("TATA", "INR")
			mustAdd(t, b, tt.resting)
			res := mustAdd(t, b, tt.in)
			if len(res.Fills) != 0 {
				t.Errorf("expected no fills, got %d", len(res.Fills))
			}
			if bids, asks := b.OpenOrdersCount(); bids != 1 || asks != 1 {
				t.Errorf("expected both orders resting, got %d/%d", bids, asks)
			}
		})
	}
}

func TestOrderBook_FullFillRemovesMaker(t *testing.T) {
	b := New("TATA", "INR")
	mustAdd(t, b, newOrder(1, "maker", models.Buy, "10", "2"))
	res := mustAdd(t, b, newOrder(2, "taker", models.Sell, "9", "2"))

	if !res.ExecutedQuantity.Equal(d("2")) {
		t.Fatalf("expected executed 2, got %s", res.ExecutedQuantity)
	}
	if res.Fills[0].Price.String() != "10" {
		t.Errorf("expected fill at maker price 10, got %s", res.Fills[0].Price)
	}
	if bids, asks := b.OpenOrdersCount(); bids != 0 || asks != 0 {
		t.Errorf("expected empty book, got %d/%d", bids, asks)
	}
	depth := b.Depth()
	if len(depth.Bids) != 0 || len(depth.Asks) != 0 {
		t.Errorf("expected empty depth, got %+v", depth)
	}
}

func TestOrderBook_CancelOrder(t *testing.T) {
	b := New("TATA", "INR")
	mustAdd(t, b, newOrder(1, "maker", models.Buy, "100", "5"))
	mustAdd(t, b, newOrder(2, "taker", models.Sell, "100", "2"))

	o, ok := b.CancelOrder(1, models.Buy)
	if !ok {
		t.Fatal("expected cancel to find order 1")
	}
	if !o.Filled.Equal(d("2")) {
		t.Errorf("expected filled 2 on the cancelled order, got %s", o.Filled)
	}
	if len(b.Depth().Bids) != 0 {
		t.Error("cancelled order still visible in depth")
	}

	if _, ok := b.CancelOrder(1, models.Buy); ok {
		t.Error("second cancel must report not found")
	}
	if _, ok := b.CancelOrder(42, models.Sell); ok {
		t.Error("unknown order must report not found")
	}
	if _, ok := b.CancelOrder(1, models.Side("bogus")); ok {
		t.Error("bogus side must report not found")
	}
}

func TestOrderBook_CancelWrongSide(t *testing.T) {
	b := New("TATA", "INR")
	mustAdd(t, b, newOrder(7, "u", models.Sell, "100", "1"))
	if _, ok := b.CancelOrder(7, models.Buy); ok {
		t.Fatal("order 7 is an ask, cancel on bids must miss")
	}
	if _, ok := b.Order(7, models.Sell); !ok {
		t.Error("order 7 must still rest")
	}
}

func TestOrderBook_Depth(t *testing.T) {
	b := New("TATA", "INR")
	id := uint64(0)
	add := func(user string, side models.Side, price, qty string) {
		id++
		mustAdd(t, b, newOrder(id, user, side, price, qty))
	}
	add("b1", models.Buy, "105", "2")
	add("b2", models.Buy, "105", "5")
	add("b3", models.Buy, "103", "1")
	add("s1", models.Sell, "110", "1")
	add("s2", models.Sell, "112", "4")
	add("s3", models.Sell, "110", "4")

	depth := b.Depth()
	wantBids := []models.PriceLevel{
		{Price: d("105"), Quantity: d("7"), Total: d("7")},
		{Price: d("103"), Quantity: d("1"), Total: d("8")},
	}
	wantAsks := []models.PriceLevel{
		{Price: d("110"), Quantity: d("5"), Total: d("5")},
		{Price: d("112"), Quantity: d("4"), Total: d("9")},
	}
	assertLevels(t, "bids", depth.Bids, wantBids)
	assertLevels(t, "asks", depth.Asks, wantAsks)

	// Partially filled orders contribute only their unfilled quantity.
	add("s4", models.Sell, "105", "3")
	depth = b.Depth()
	assertLevels(t, "bids after fill", depth.Bids, []models.PriceLevel{
		{Price: d("105"), Quantity: d("4"), Total: d("4")},
		{Price: d("103"), Quantity: d("1"), Total: d("5")},
	})
}

func assertLevels(t *testing.T, name string, got, want []models.PriceLevel) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: expected %d levels, got %d (%+v)", name, len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Price.Equal(want[i].Price) || !got[i].Quantity.Equal(want[i].Quantity) || !got[i].Total.Equal(want[i].Total) {
			t.Errorf("%s[%d]: expected %v/%v/%v, got %v/%v/%v", name, i,
				want[i].Price, want[i].Quantity, want[i].Total, got[i].Price, got[i].Quantity, got[i].Total)
		}
	}
}

func TestOrderBook_DepthIsReadOnly(t *testing.T) {
	b := New("TATA", "INR")
	mustAdd(t, b, newOrder(1, "a", models.Buy, "99", "3"))
	mustAdd(t, b, newOrder(2, "b", models.Sell, "101", "2"))

	first := b.Depth()
	second := b.Depth()
	assertLevels(t, "bids", second.Bids, first.Bids)
	assertLevels(t, "asks", second.Asks, first.Asks)
}

func TestOrderBook_UserOpenOrders(t *testing.T) {
	b := New("TATA", "INR")
	mustAdd(t, b, newOrder(1, "alice", models.Buy, "90", "1"))
	mustAdd(t, b, newOrder(2, "bob", models.Buy, "95", "1"))
	mustAdd(t, b, newOrder(3, "alice", models.Sell, "120", "2"))
	mustAdd(t, b, newOrder(4, "alice", models.Buy, "91", "1"))

	orders := b.UserOpenOrders("alice")
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders for alice, got %d", len(orders))
	}
	if orders[0].OrderID != 4 || orders[1].OrderID != 1 || orders[2].OrderID != 3 {
		t.Errorf("unexpected order: %d %d %d", orders[0].OrderID, orders[1].OrderID, orders[2].OrderID)
	}

	// Returned orders are copies.
	orders[0].Filled = d("1")
	if o, _ := b.Order(4, models.Buy); !o.Filled.IsZero() {
		t.Error("UserOpenOrders must not expose book internals")
	}
	if len(b.UserOpenOrders("nobody")) != 0 {
		t.Error("expected no orders for unknown user")
	}
}

func TestOrderBook_SharedTradeIDs(t *testing.T) {
	seq := sequence.New(0)
	b1 := New("TATA", "INR", WithTradeIDs(seq))
	b2 := New("BTC", "USD", WithTradeIDs(seq))

	mustAdd(t, b1, newOrder(1, "a", models.Sell, "1", "1"))
	mustAdd(t, b2, newOrder(2, "a", models.Sell, "1", "1"))
	r1 := mustAdd(t, b1, newOrder(3, "b", models.Buy, "1", "1"))
	r2 := mustAdd(t, b2, newOrder(4, "b", models.Buy, "1", "1"))

	if r1.Fills[0].TradeID != 1 || r2.Fills[0].TradeID != 2 {
		t.Errorf("expected trade ids 1 and 2, got %d and %d", r1.Fills[0].TradeID, r2.Fills[0].TradeID)
	}
}

func TestOrderBook_Drain(t *testing.T) {
	b := New("TATA", "INR")
	mustAdd(t, b, newOrder(1, "a", models.Buy, "90", "1"))
	mustAdd(t, b, newOrder(2, "b", models.Sell, "120", "2"))

	drained := b.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained orders, got %d", len(drained))
	}
	if bids, asks := b.OpenOrdersCount(); bids != 0 || asks != 0 {
		t.Errorf("expected empty book after drain, got %d/%d", bids, asks)
	}
	// The book stays usable.
	mustAdd(t, b, newOrder(3, "c", models.Buy, "100", "1"))
	if len(b.Depth().Bids) != 1 {
		t.Error("expected book to accept orders after drain")
	}
}
