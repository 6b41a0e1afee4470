package engine

import (
	"testing"

	"github.com/Ishan3450/complete-stock-exchange/internal/models"
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// TestEngine_ConservesAssets drives random order flow and checks after every
// command that nothing is minted or lost and that every lock is backed by a
// resting order.
func TestEngine_ConservesAssets(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := New(nil)
		e.Process(protocol.Request{Command: protocol.AddMarket{BaseAsset: "TATA", QuoteAsset: "INR"}})

		users := []string{"u0", "u1", "u2"}
		for _, u := range users {
			e.Process(protocol.Request{Command: protocol.CreateUser{UserID: u}})
			e.Process(protocol.Request{Command: protocol.AddBalance{UserID: u, Currency: "INR", Amount: decimal.NewFromInt(5000)}})
			e.Process(protocol.Request{Command: protocol.AddHoldings{UserID: u, BaseAsset: "TATA", Quantity: decimal.NewFromInt(50)}})
		}
		wantINR := e.ledger.BalanceTotal("INR")
		wantTATA := e.ledger.HoldingsTotal("TATA")

		var placed []uint64
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.SampledFrom(users).Draw(t, "user")
			if len(placed) > 0 && rapid.IntRange(0, 4).Draw(t, "cancel") == 0 {
				id := rapid.SampledFrom(placed).Draw(t, "order")
				side := rapid.SampledFrom([]models.Side{models.Buy, models.Sell}).Draw(t, "cancel_side")
				e.Process(protocol.Request{Command: protocol.CancelOrder{OrderID: id, Market: "TATA_INR", UserID: user, Side: side}})
			} else {
				before := e.orderIDs.Current()
				e.Process(protocol.Request{Command: protocol.CreateOrder{
					Market:   "TATA_INR",
					Price:    decimal.NewFromInt(int64(rapid.IntRange(90, 110).Draw(t, "price"))),
					Quantity: decimal.NewFromInt(int64(rapid.IntRange(1, 8).Draw(t, "qty"))),
					Side:     rapid.SampledFrom([]models.Side{models.Buy, models.Sell}).Draw(t, "side"),
					UserID:   user,
				}})
				if id := e.orderIDs.Current(); id != before {
					placed = append(placed, id)
				}
			}

			if got := e.ledger.BalanceTotal("INR"); !got.Equal(wantINR) {
				t.Fatalf("INR total drifted: want %s, got %s", wantINR, got)
			}
			if got := e.ledger.HoldingsTotal("TATA"); !got.Equal(wantTATA) {
				t.Fatalf("TATA total drifted: want %s, got %s", wantTATA, got)
			}
			checkLocks(t, e, users)
		}
	})
}

// checkLocks asserts locked buckets equal what the user's resting orders need
func checkLocks(t *rapid.T, e *Engine, users []string) {
	book := e.markets["TATA_INR"]
	for _, u := range users {
		wantQuote, wantBase := decimal.Zero, decimal.Zero
		for _, o := range book.UserOpenOrders(u) {
			if o.Side == models.Buy {
				wantQuote = wantQuote.Add(o.Price.Mul(o.Remaining()))
			} else {
				wantBase = wantBase.Add(o.Remaining())
			}
		}
		p, err := e.ledger.Portfolio(u)
		if err != nil {
			t.Fatalf("portfolio %s: %v", u, err)
		}
		for name, bucket := range map[string]map[string]decimal.Decimal{
			"balance": p.Balance, "locked_balance": p.LockedBalance,
			"holdings": p.Holdings, "locked_holding": p.LockedHolding,
		} {
			for asset, v := range bucket {
				if v.IsNegative() {
					t.Fatalf("%s %s %s is negative: %s", u, name, asset, v)
				}
			}
		}
		if got := p.LockedBalance["INR"]; !got.Equal(wantQuote) {
			t.Fatalf("%s locked INR %s, resting buys need %s", u, got, wantQuote)
		}
		if got := p.LockedHolding["TATA"]; !got.Equal(wantBase) {
			t.Fatalf("%s locked TATA %s, resting sells need %s", u, got, wantBase)
		}
	}
}
