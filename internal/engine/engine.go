// Package engine is the single writer of exchange state. It owns every order
// book and the ledger, and applies one command at a time: validate, reserve,
// match, settle, then notify.
package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/ledger"
	"github.com/Ishan3450/complete-stock-exchange/internal/metrics"
	"github.com/Ishan3450/complete-stock-exchange/internal/models"
	"github.com/Ishan3450/complete-stock-exchange/internal/orderbook"
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"
	"github.com/Ishan3450/complete-stock-exchange/internal/sequence"

	"go.uber.org/zap"
)

// Publisher receives everything the engine emits. Publish must not block.
type Publisher interface {
	Publish(channel string, ev protocol.Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(channel string, ev protocol.Event)

func (f PublisherFunc) Publish(channel string, ev protocol.Event) { f(channel, ev) }

// Engine owns markets, accounts and ID counters
type Engine struct {
	markets  map[string]*orderbook.OrderBook
	ledger   *ledger.Ledger
	orderIDs *sequence.Sequencer
	tradeIDs *sequence.Sequencer

	pub     Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	inbox   chan protocol.Request
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the collectors the engine reports to
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithInboxSize sets the capacity of the Submit queue
func WithInboxSize(n int) Option {
	return func(e *Engine) { e.inbox = make(chan protocol.Request, n) }
}

// WithClock overrides time.Now for order and trade timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine with no markets and no users
func New(pub Publisher, opts ...Option) *Engine {
	e := &Engine{
		markets:  map[string]*orderbook.OrderBook{},
		orderIDs: sequence.New(0),
		tradeIDs: sequence.New(0),
		pub:      pub,
		log:      zap.NewNop(),
		now:      time.Now,
		inbox:    make(chan protocol.Request, 1024),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pub == nil {
		e.pub = PublisherFunc(func(string, protocol.Event) {})
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	e.log = e.log.Named("engine")
	e.ledger = ledger.New(e.log)
	return e
}

// Submit queues a request for Run. It blocks only while the inbox is full.
func (e *Engine) Submit(ctx context.Context, req protocol.Request) error {
	select {
	case e.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued requests one at a time until ctx is done.
// It must be the only goroutine calling Process.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("engine_started", zap.Int("inbox_capacity", cap(e.inbox)))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine_stopped", zap.Int("pending", len(e.inbox)))
			return
		case req := <-e.inbox:
			e.Process(req)
		}
	}
}

// Process applies one command and publishes its reply and side events.
// A panic is recovered and answered with an InternalError so the loop survives.
func (e *Engine) Process(req protocol.Request) {
	if req.Command == nil {
		e.reply(req.ClientID, protocol.Error{Code: protocol.CodeInvalidOrderParameters, Message: "empty command"})
		return
	}
	cmdType := req.Command.CommandType()
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = protocol.CodeInternalError
			e.log.Error("command_panic", zap.String("type", cmdType), zap.Any("panic", r), zap.Stack("stack"))
			e.reply(req.ClientID, protocol.Error{Code: protocol.CodeInternalError, Message: fmt.Sprintf("%s failed", cmdType)})
		}
		e.metrics.ObserveCommand(cmdType, result, time.Since(start))
	}()

	ev, err := e.dispatch(req.Command)
	if err != nil {
		result = codeFor(err)
		if result == protocol.CodeInternalError {
			e.log.Error("command_failed", zap.String("type", cmdType), zap.Error(err))
		} else {
			e.log.Debug("command_rejected", zap.String("type", cmdType), zap.String("code", result), zap.Error(err))
		}
		e.reply(req.ClientID, protocol.Error{Code: result, Message: err.Error()})
		return
	}
	e.reply(req.ClientID, ev)
}

func (e *Engine) dispatch(cmd protocol.Command) (protocol.Event, error) {
	switch c := cmd.(type) {
	case protocol.CreateOrder:
		return e.createOrder(c)
	case protocol.CancelOrder:
		return e.cancelOrder(c)
	case protocol.GetDepth:
		return e.depth(c.Market), nil
	case protocol.CreateUser:
		if err := e.ledger.CreateUser(c.UserID); err != nil {
			return nil, err
		}
		e.log.Info("user_created", zap.String("user", c.UserID))
		return protocol.UserCreated{UserID: c.UserID}, nil
	case protocol.GetUserPortfolio:
		return e.portfolio(c.UserID)
	case protocol.AddBalance:
		if err := e.ledger.AddBalance(c.UserID, c.Currency, c.Amount); err != nil {
			return nil, err
		}
		return e.portfolio(c.UserID)
	case protocol.AddHoldings:
		if err := e.ledger.AddHoldings(c.UserID, c.BaseAsset, c.Quantity); err != nil {
			return nil, err
		}
		return e.portfolio(c.UserID)
	case protocol.GetMarketsList:
		return protocol.MarketsList{Markets: e.marketNames()}, nil
	case protocol.MarketStats:
		stats := protocol.MarketStatsData{Markets: e.marketStats()}
		e.pub.Publish(protocol.MarketStatsChannel, stats)
		return stats, nil
	case protocol.AddMarket:
		return e.addMarket(c.BaseAsset, c.QuoteAsset)
	case protocol.RemoveMarket:
		return e.removeMarket(c)
	case protocol.GetOpenOrders:
		return e.openOrders(c)
	default:
		return nil, fmt.Errorf("%w: unhandled command %T", ErrInternal, cmd)
	}
}

func (e *Engine) reply(clientID string, ev protocol.Event) {
	if clientID == "" || clientID == protocol.NoReply {
		return
	}
	e.pub.Publish(clientID, ev)
}

func (e *Engine) book(market string) (*orderbook.OrderBook, error) {
	b, ok := e.markets[market]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMarket, market)
	}
	return b, nil
}

func (e *Engine) createOrder(c protocol.CreateOrder) (protocol.Event, error) {
	book, err := e.book(c.Market)
	if err != nil {
		return nil, err
	}
	if !e.ledger.Exists(c.UserID) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUserNotFound, c.UserID)
	}
	if !c.Side.Valid() || !c.Price.IsPositive() || !c.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: side=%q price=%s quantity=%s", ErrInvalidOrderParameters, c.Side, c.Price, c.Quantity)
	}
	base, quote := book.BaseAsset, book.QuoteAsset

	if err := e.ledger.Reserve(c.UserID, c.Side, base, quote, c.Price, c.Quantity); err != nil {
		return nil, err
	}

	order := &models.Order{
		OrderID:   e.orderIDs.Next(),
		Market:    c.Market,
		Price:     c.Price,
		Quantity:  c.Quantity,
		Side:      c.Side,
		UserID:    c.UserID,
		CreatedAt: e.now(),
	}
	res, err := book.AddOrder(order)
	if err != nil {
		// Validated above, so this is a bug. Undo the reservation before reporting it.
		if _, relErr := e.ledger.Release(c.UserID, order, base, quote); relErr != nil {
			e.log.Error("reservation_rollback_failed", zap.Uint64("order_id", order.OrderID), zap.Error(relErr))
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	settlement := e.ledger.Settle(order.UserID, order.Side, order.Price, res.Fills, base, quote)
	if len(settlement.Skipped) > 0 {
		e.log.Warn("fills_skipped_in_settlement",
			zap.Uint64("order_id", order.OrderID),
			zap.Int("skipped", len(settlement.Skipped)))
	}
	e.metrics.AddFills(len(res.Fills))

	e.persistMatch(order, res.Fills)
	e.publishDepth(book)

	e.log.Debug("order_placed",
		zap.String("market", c.Market),
		zap.Uint64("order_id", order.OrderID),
		zap.String("side", string(order.Side)),
		zap.String("executed", res.ExecutedQuantity.String()),
		zap.Int("fills", len(res.Fills)))

	fills := res.Fills
	if fills == nil {
		fills = []models.Fill{}
	}
	return protocol.OrderPlaced{
		OrderID:          order.OrderID,
		ExecutedQuantity: res.ExecutedQuantity,
		Fills:            fills,
	}, nil
}

func (e *Engine) cancelOrder(c protocol.CancelOrder) (protocol.Event, error) {
	book, err := e.book(c.Market)
	if err != nil {
		return nil, err
	}
	// Orders owned by someone else are reported exactly like missing ones.
	o, ok := book.Order(c.OrderID, c.Side)
	if !ok || o.UserID != c.UserID {
		return nil, fmt.Errorf("%w: %d on %s side of %s", ErrOrderNotFound, c.OrderID, c.Side, c.Market)
	}
	book.CancelOrder(c.OrderID, c.Side)

	released, err := e.ledger.Release(o.UserID, o, book.BaseAsset, book.QuoteAsset)
	if err != nil {
		e.log.Error("cancel_release_failed", zap.Uint64("order_id", o.OrderID), zap.Error(err))
	}

	e.pub.Publish(protocol.PersistenceChannel, protocol.OrderUpdate{Order: *o, Status: protocol.StatusCancelled})
	e.publishDepth(book)
	return protocol.OrderCancelled{Order: *o, Released: released}, nil
}

// persistMatch emits the persistence records for one accepted order
func (e *Engine) persistMatch(order *models.Order, fills []models.Fill) {
	status := protocol.StatusOpen
	if order.IsFilled() {
		status = protocol.StatusFilled
	}
	e.pub.Publish(protocol.PersistenceChannel, protocol.OrderUpdate{Order: *order, Status: status})
	if len(fills) == 0 {
		return
	}

	e.pub.Publish(protocol.PersistenceChannel, protocol.OrderUpdateFill{Market: order.Market, Fills: fills})

	ts := e.now()
	trades := make([]models.Trade, 0, len(fills))
	for _, f := range fills {
		trades = append(trades, models.Trade{
			TradeID:        f.TradeID,
			Price:          f.Price,
			Quantity:       f.Quantity,
			Side:           order.Side,
			FillOwnerID:    f.CounterpartyID,
			MarketOrderID:  f.RestingOrderID,
			MatchedOrderID: order.OrderID,
			Timestamp:      ts,
		})
	}
	e.pub.Publish(protocol.PersistenceChannel, protocol.AddTrades{Market: order.Market, Trades: trades})
}

func (e *Engine) publishDepth(book *orderbook.OrderBook) {
	depth := protocol.Depth{Depth: book.Depth()}
	e.pub.Publish(protocol.DepthChannel(book.Market()), depth)
	bids, asks := book.OpenOrdersCount()
	e.metrics.SetOpenOrders(book.Market(), bids, asks)
}

// depth never fails: unknown markets read as empty
func (e *Engine) depth(market string) protocol.Depth {
	book, ok := e.markets[market]
	if !ok {
		return protocol.Depth{Depth: models.Depth{Market: market, Bids: []models.PriceLevel{}, Asks: []models.PriceLevel{}}}
	}
	return protocol.Depth{Depth: book.Depth()}
}

func (e *Engine) portfolio(userID string) (protocol.Event, error) {
	p, err := e.ledger.Portfolio(userID)
	if err != nil {
		return nil, err
	}
	return protocol.UserPortfolio{User: p}, nil
}

func (e *Engine) marketNames() []string {
	return slices.Sorted(maps.Keys(e.markets))
}

func (e *Engine) marketStats() []models.MarketStat {
	names := e.marketNames()
	stats := make([]models.MarketStat, 0, len(names))
	for _, name := range names {
		bids, asks := e.markets[name].OpenOrdersCount()
		stats = append(stats, models.MarketStat{Market: name, TotalBids: bids, TotalAsks: asks})
	}
	return stats
}

func (e *Engine) addMarket(base, quote string) (protocol.Event, error) {
	if base == "" || quote == "" || strings.Contains(base, "_") || strings.Contains(quote, "_") {
		return nil, fmt.Errorf("%w: base %q quote %q", ErrInvalidMarket, base, quote)
	}
	name := models.MarketName(base, quote)
	if _, ok := e.markets[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, name)
	}
	e.markets[name] = orderbook.New(base, quote, orderbook.WithTradeIDs(e.tradeIDs))
	e.metrics.SetOpenOrders(name, 0, 0)
	e.log.Info("market_added", zap.String("market", name))
	return protocol.MarketAdded{Market: name}, nil
}

func (e *Engine) removeMarket(c protocol.RemoveMarket) (protocol.Event, error) {
	book, err := e.book(c.Market)
	if err != nil {
		return nil, err
	}
	bids, asks := book.OpenOrdersCount()
	if bids+asks > 0 && !c.Force {
		return nil, fmt.Errorf("%w: %s has %d bids and %d asks", ErrMarketNotEmpty, c.Market, bids, asks)
	}

	cancelled := []models.Order{}
	for _, o := range book.Drain() {
		if _, err := e.ledger.Release(o.UserID, o, book.BaseAsset, book.QuoteAsset); err != nil {
			e.log.Error("force_cancel_release_failed", zap.Uint64("order_id", o.OrderID), zap.Error(err))
		}
		e.pub.Publish(protocol.PersistenceChannel, protocol.OrderUpdate{Order: *o, Status: protocol.StatusCancelled})
		cancelled = append(cancelled, *o)
	}

	delete(e.markets, c.Market)
	e.metrics.DropMarket(c.Market)
	e.pub.Publish(protocol.DepthChannel(c.Market), e.depth(c.Market))
	e.log.Info("market_removed", zap.String("market", c.Market), zap.Int("cancelled", len(cancelled)))
	return protocol.MarketRemoved{Market: c.Market, Cancelled: cancelled}, nil
}

func (e *Engine) openOrders(c protocol.GetOpenOrders) (protocol.Event, error) {
	if !e.ledger.Exists(c.UserID) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUserNotFound, c.UserID)
	}
	names := e.marketNames()
	if c.Market != "" {
		if _, err := e.book(c.Market); err != nil {
			return nil, err
		}
		names = []string{c.Market}
	}

	orders := []models.Order{}
	for _, name := range names {
		orders = append(orders, e.markets[name].UserOpenOrders(c.UserID)...)
	}
	return protocol.OpenOrders{UserID: c.UserID, Orders: orders}, nil
}
