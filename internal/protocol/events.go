package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Ishan3450/complete-stock-exchange/internal/models"

	"github.com/shopspring/decimal"
)

// Event type tags
const (
	TypeOrderPlaced    = "ORDER_PLACED"
	TypeOrderCancelled = "ORDER_CANCELLED"
	TypeError          = "ERROR"
	TypeDepth          = "DEPTH"
	TypeUserCreated    = "USER_CREATED"
	TypeUserPortfolio  = "USER_PORTFOLIO"
	TypeMarketsList    = "MARKETS_LIST"
	TypeMarketStatsOut = "MARKET_STATS_DATA"
	TypeMarketAdded    = "MARKET_ADDED"
	TypeMarketRemoved  = "MARKET_REMOVED"
	TypeOpenOrders     = "OPEN_ORDERS"

	// persistence records
	TypeOrderUpdate     = "ORDER_UPDATE"
	TypeOrderUpdateFill = "ORDER_UPDATE_FILL"
	TypeAddTrades       = "ADD_TRADES"
)

// Error codes carried by Error events
const (
	CodeInvalidMarket          = "InvalidMarket"
	CodeInvalidUser            = "InvalidUser"
	CodeInsufficientFunds      = "InsufficientFunds"
	CodeInsufficientHoldings   = "InsufficientHoldings"
	CodeInvalidOrderParameters = "InvalidOrderParameters"
	CodeOrderNotFound          = "OrderNotFound"
	CodeUserExists             = "UserExists"
	CodeMarketExists           = "MarketExists"
	CodeMarketNotEmpty         = "MarketNotEmpty"
	CodeInternalError          = "InternalError"
)

// Order statuses carried by OrderUpdate
const (
	StatusOpen      = "open"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
)

// Channels the engine publishes on besides per-client reply channels
const (
	// NoReply as a ClientID suppresses the reply
	NoReply            = "_"
	PersistenceChannel = "db_processor"
	MarketStatsChannel = "market_stats"
	depthPrefix        = "depth@"
)

// DepthChannel is the subscription channel carrying depth updates of one market
func DepthChannel(market string) string {
	return depthPrefix + market
}

// DepthMarket extracts the market from a depth channel name
func DepthMarket(channel string) (string, bool) {
	return strings.CutPrefix(channel, depthPrefix)
}

// IsReplyChannel reports whether a channel is a client reply channel
func IsReplyChannel(channel string) bool {
	if channel == PersistenceChannel || channel == MarketStatsChannel {
		return false
	}
	_, depth := DepthMarket(channel)
	return !depth
}

// Event is one outbound message. The set of implementations is closed.
type Event interface {
	EventType() string
	event()
}

type OrderPlaced struct {
	OrderID          uint64          `json:"orderId"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	Fills            []models.Fill   `json:"fills"`
}

type OrderCancelled struct {
	Order    models.Order    `json:"order"`
	Released decimal.Decimal `json:"released"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Depth struct {
	models.Depth
}

type UserCreated struct {
	UserID string `json:"userId"`
}

type UserPortfolio struct {
	User models.Portfolio `json:"user"`
}

type MarketsList struct {
	Markets []string `json:"markets"`
}

type MarketStatsData struct {
	Markets []models.MarketStat `json:"markets"`
}

type MarketAdded struct {
	Market string `json:"market"`
}

type MarketRemoved struct {
	Market    string         `json:"market"`
	Cancelled []models.Order `json:"cancelled"`
}

type OpenOrders struct {
	UserID string         `json:"userId"`
	Orders []models.Order `json:"orders"`
}

// OrderUpdate upserts one order in persistence
type OrderUpdate struct {
	Order  models.Order `json:"order"`
	Status string       `json:"status"`
}

// OrderUpdateFill advances the filled quantity of resting orders touched by fills
type OrderUpdateFill struct {
	Market string        `json:"market"`
	Fills  []models.Fill `json:"fills"`
}

// AddTrades appends the trades of one match to a market's trade history
type AddTrades struct {
	Market string         `json:"market"`
	Trades []models.Trade `json:"trades"`
}

func (OrderPlaced) EventType() string     { return TypeOrderPlaced }
func (OrderCancelled) EventType() string  { return TypeOrderCancelled }
func (Error) EventType() string           { return TypeError }
func (Depth) EventType() string           { return TypeDepth }
func (UserCreated) EventType() string     { return TypeUserCreated }
func (UserPortfolio) EventType() string   { return TypeUserPortfolio }
func (MarketsList) EventType() string     { return TypeMarketsList }
func (MarketStatsData) EventType() string { return TypeMarketStatsOut }
func (MarketAdded) EventType() string     { return TypeMarketAdded }
func (MarketRemoved) EventType() string   { return TypeMarketRemoved }
func (OpenOrders) EventType() string      { return TypeOpenOrders }
func (OrderUpdate) EventType() string     { return TypeOrderUpdate }
func (OrderUpdateFill) EventType() string { return TypeOrderUpdateFill }
func (AddTrades) EventType() string       { return TypeAddTrades }

func (OrderPlaced) event()     {}
func (OrderCancelled) event()  {}
func (Error) event()           {}
func (Depth) event()           {}
func (UserCreated) event()     {}
func (UserPortfolio) event()   {}
func (MarketsList) event()     {}
func (MarketStatsData) event() {}
func (MarketAdded) event()     {}
func (MarketRemoved) event()   {}
func (OpenOrders) event()      {}
func (OrderUpdate) event()     {}
func (OrderUpdateFill) event() {}
func (AddTrades) event()       {}

// Error satisfies the error interface so callers can return engine errors directly
func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// EncodeEvent writes {"type":..., "data":...}
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ev.EventType(), err)
	}
	return json.Marshal(envelope{Type: ev.EventType(), Data: data})
}

// DecodeEvent parses one event envelope
func DecodeEvent(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}
	switch env.Type {
	case TypeOrderPlaced:
		return decodeEvent[OrderPlaced](env)
	case TypeOrderCancelled:
		return decodeEvent[OrderCancelled](env)
	case TypeError:
		return decodeEvent[Error](env)
	case TypeDepth:
		return decodeEvent[Depth](env)
	case TypeUserCreated:
		return decodeEvent[UserCreated](env)
	case TypeUserPortfolio:
		return decodeEvent[UserPortfolio](env)
	case TypeMarketsList:
		return decodeEvent[MarketsList](env)
	case TypeMarketStatsOut:
		return decodeEvent[MarketStatsData](env)
	case TypeMarketAdded:
		return decodeEvent[MarketAdded](env)
	case TypeMarketRemoved:
		return decodeEvent[MarketRemoved](env)
	case TypeOpenOrders:
		return decodeEvent[OpenOrders](env)
	case TypeOrderUpdate:
		return decodeEvent[OrderUpdate](env)
	case TypeOrderUpdateFill:
		return decodeEvent[OrderUpdateFill](env)
	case TypeAddTrades:
		return decodeEvent[AddTrades](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeEvent[T Event](env envelope) (Event, error) {
	v, err := decodeAs[T](env)
	if err != nil {
		return nil, err
	}
	return v, nil
}
