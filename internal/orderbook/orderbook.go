package orderbook

import (
	"errors"
	"fmt"

	"github.com/Ishan3450/complete-stock-exchange/internal/models"
	"github.com/Ishan3450/complete-stock-exchange/internal/sequence"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// ErrInvalidOrder is returned when an order fails AddOrder preconditions
var ErrInvalidOrder = errors.New("invalid order")

// level is a FIFO queue of resting orders at one price
type level struct {
	price  decimal.Decimal
	orders []*models.Order
}

// Result is the outcome of matching one incoming order
type Result struct {
	ExecutedQuantity decimal.Decimal
	Fills            []models.Fill
}

// OrderBook holds the resting orders of one market
type OrderBook struct {
	BaseAsset  string
	QuoteAsset string

	// Both trees iterate best price first.
	bids *btree.BTreeG[*level]
	asks *btree.BTreeG[*level]

	index    map[models.Side]map[uint64]*models.Order
	tradeIDs *sequence.Sequencer
}

// Option configures an OrderBook
type Option func(*OrderBook)

// WithTradeIDs makes the book draw trade IDs from a shared sequencer
func WithTradeIDs(seq *sequence.Sequencer) Option {
	return func(b *OrderBook) {
		b.tradeIDs = seq
	}
}

// New creates an empty order book for BASE_QUOTE
func New(base, quote string, opts ...Option) *OrderBook {
	b := &OrderBook{
		BaseAsset:  base,
		QuoteAsset: quote,
		bids: btree.NewBTreeGOptions(func(a, b *level) bool {
			return a.price.GreaterThan(b.price)
		}, btree.Options{NoLocks: true}),
		asks: btree.NewBTreeGOptions(func(a, b *level) bool {
			return a.price.LessThan(b.price)
		}, btree.Options{NoLocks: true}),
		index: map[models.Side]map[uint64]*models.Order{
			models.Buy:  {},
			models.Sell: {},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tradeIDs == nil {
		b.tradeIDs = sequence.New(0)
	}
	return b
}

// Market returns the BASE_QUOTE name of the book
func (b *OrderBook) Market() string {
	return models.MarketName(b.BaseAsset, b.QuoteAsset)
}

func (b *OrderBook) side(s models.Side) *btree.BTreeG[*level] {
	if s == models.Buy {
		return b.bids
	}
	return b.asks
}

// crosses reports whether an incoming order may trade at a resting price
func crosses(incoming *models.Order, price decimal.Decimal) bool {
	if incoming.Side == models.Buy {
		return price.LessThanOrEqual(incoming.Price)
	}
	return price.GreaterThanOrEqual(incoming.Price)
}

// AddOrder matches an incoming order against the opposite side and rests any remainder.
// The order is mutated in place: Filled reflects what was matched.
func (b *OrderBook) AddOrder(o *models.Order) (Result, error) {
	if err := validate(o); err != nil {
		return Result{}, err
	}

	res := Result{ExecutedQuantity: decimal.Zero}
	opposite := b.side(o.Side.Opposite())
	restingIndex := b.index[o.Side.Opposite()]

	var emptied []*level
	opposite.Scan(func(lv *level) bool {
		if !crosses(o, lv.price) {
			return false
		}
		kept := lv.orders[:0]
		for _, resting := range lv.orders {
			remaining := o.Remaining()
			// Self-trade prevention: own orders are skipped, not cancelled.
			if !remaining.IsPositive() || resting.UserID == o.UserID {
				kept = append(kept, resting)
				continue
			}

			qty := decimal.Min(remaining, resting.Remaining())
			o.Filled = o.Filled.Add(qty)
			resting.Filled = resting.Filled.Add(qty)
			res.ExecutedQuantity = res.ExecutedQuantity.Add(qty)
			res.Fills = append(res.Fills, models.Fill{
				Price:          resting.Price,
				Quantity:       qty,
				CounterpartyID: resting.UserID,
				TradeID:        b.tradeIDs.Next(),
				RestingOrderID: resting.OrderID,
			})

			if resting.IsFilled() {
				delete(restingIndex, resting.OrderID)
				continue
			}
			kept = append(kept, resting)
		}
		clear(lv.orders[len(kept):])
		lv.orders = kept
		if len(kept) == 0 {
			emptied = append(emptied, lv)
		}
		return o.Remaining().IsPositive()
	})
	for _, lv := range emptied {
		opposite.Delete(lv)
	}

	if o.Remaining().IsPositive() {
		b.rest(o)
	}
	return res, nil
}

func validate(o *models.Order) error {
	switch {
	case o == nil:
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	case !o.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case !o.Filled.IsZero():
		return fmt.Errorf("%w: new order already filled", ErrInvalidOrder)
	}
	return nil
}

// rest appends the order to the back of its price level
func (b *OrderBook) rest(o *models.Order) {
	tree := b.side(o.Side)
	lv, ok := tree.Get(&level{price: o.Price})
	if !ok {
		lv = &level{price: o.Price}
		tree.Set(lv)
	}
	lv.orders = append(lv.orders, o)
	b.index[o.Side][o.OrderID] = o
}

// CancelOrder removes and returns a resting order. ok is false if the order is not on that side.
func (b *OrderBook) CancelOrder(orderID uint64, side models.Side) (*models.Order, bool) {
	idx, valid := b.index[side]
	if !valid {
		return nil, false
	}
	o, ok := idx[orderID]
	if !ok {
		return nil, false
	}

	tree := b.side(side)
	if lv, found := tree.Get(&level{price: o.Price}); found {
		for i, resting := range lv.orders {
			if resting.OrderID == orderID {
				lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
				break
			}
		}
		if len(lv.orders) == 0 {
			tree.Delete(lv)
		}
	}
	delete(idx, orderID)
	return o, true
}

// Order looks up a resting order without removing it
func (b *OrderBook) Order(orderID uint64, side models.Side) (*models.Order, bool) {
	o, ok := b.index[side][orderID]
	return o, ok
}

// Depth aggregates unfilled quantity per price level, best price first
func (b *OrderBook) Depth() models.Depth {
	return models.Depth{
		Market: b.Market(),
		Bids:   aggregate(b.bids),
		Asks:   aggregate(b.asks),
	}
}

func aggregate(tree *btree.BTreeG[*level]) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, tree.Len())
	total := decimal.Zero
	tree.Scan(func(lv *level) bool {
		qty := decimal.Zero
		for _, o := range lv.orders {
			qty = qty.Add(o.Remaining())
		}
		if !qty.IsPositive() {
			return true
		}
		total = total.Add(qty)
		levels = append(levels, models.PriceLevel{Price: lv.price, Quantity: qty, Total: total})
		return true
	})
	return levels
}

// UserOpenOrders returns copies of a user's resting orders, bids first, each side in priority order
func (b *OrderBook) UserOpenOrders(userID string) []models.Order {
	var out []models.Order
	for _, tree := range []*btree.BTreeG[*level]{b.bids, b.asks} {
		tree.Scan(func(lv *level) bool {
			for _, o := range lv.orders {
				if o.UserID == userID {
					out = append(out, *o)
				}
			}
			return true
		})
	}
	return out
}

// OpenOrdersCount returns the number of resting bids and asks
func (b *OrderBook) OpenOrdersCount() (bids, asks int) {
	return len(b.index[models.Buy]), len(b.index[models.Sell])
}

// Drain removes every resting order and returns them
func (b *OrderBook) Drain() []*models.Order {
	var out []*models.Order
	for _, s := range []models.Side{models.Buy, models.Sell} {
		b.side(s).Scan(func(lv *level) bool {
			out = append(out, lv.orders...)
			return true
		})
		b.index[s] = map[uint64]*models.Order{}
	}
	fresh := New(b.BaseAsset, b.QuoteAsset)
	b.bids, b.asks = fresh.bids, fresh.asks
	return out
}
