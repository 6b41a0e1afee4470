// Package protocol defines the messages the engine consumes and produces.
// Both directions are closed sets: the JSON "type" tag selects exactly one
// Go struct, and unknown tags are rejected at decode time.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Ishan3450/complete-stock-exchange/internal/models"

	"github.com/shopspring/decimal"
)

// ErrUnknownType is returned for envelopes whose type tag is not part of the protocol
var ErrUnknownType = errors.New("unknown message type")

// Command type tags
const (
	TypeCreateOrder      = "CREATE_ORDER"
	TypeCancelOrder      = "CANCEL_ORDER"
	TypeGetDepth         = "GET_DEPTH"
	TypeCreateUser       = "CREATE_USER"
	TypeGetUserPortfolio = "GET_USER_PORTFOLIO"
	TypeAddBalance       = "ADD_BALANCE"
	TypeAddHoldings      = "ADD_HOLDINGS"
	TypeGetMarketsList   = "GET_MARKETS_LIST"
	TypeMarketStats      = "MARKET_STATS"
	TypeAddMarket        = "ADD_MARKET"
	TypeRemoveMarket     = "REMOVE_MARKET"
	TypeGetOpenOrders    = "GET_OPEN_ORDERS"
)

// Command is one inbound request. The set of implementations is closed.
type Command interface {
	CommandType() string
	command()
}

type CreateOrder struct {
	Market   string          `json:"market"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     models.Side     `json:"side"`
	UserID   string          `json:"userId"`
}

type CancelOrder struct {
	OrderID uint64      `json:"orderId"`
	Market  string      `json:"market"`
	UserID  string      `json:"userId"`
	Side    models.Side `json:"side"`
}

type GetDepth struct {
	Market string `json:"market"`
}

type CreateUser struct {
	UserID string `json:"userId"`
}

type GetUserPortfolio struct {
	UserID string `json:"userId"`
}

type AddBalance struct {
	UserID   string          `json:"userId"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

type AddHoldings struct {
	UserID    string          `json:"userId"`
	BaseAsset string          `json:"baseAsset"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type GetMarketsList struct{}

type MarketStats struct{}

type AddMarket struct {
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

// RemoveMarket deletes a market. With Force unset it is refused while orders rest.
type RemoveMarket struct {
	Market string `json:"market"`
	Force  bool   `json:"force"`
}

// GetOpenOrders lists a user's resting orders, in one market or all of them when Market is empty
type GetOpenOrders struct {
	UserID string `json:"userId"`
	Market string `json:"market,omitempty"`
}

func (CreateOrder) CommandType() string      { return TypeCreateOrder }
func (CancelOrder) CommandType() string      { return TypeCancelOrder }
func (GetDepth) CommandType() string         { return TypeGetDepth }
func (CreateUser) CommandType() string       { return TypeCreateUser }
func (GetUserPortfolio) CommandType() string { return TypeGetUserPortfolio }
func (AddBalance) CommandType() string       { return TypeAddBalance }
func (AddHoldings) CommandType() string      { return TypeAddHoldings }
func (GetMarketsList) CommandType() string   { return TypeGetMarketsList }
func (MarketStats) CommandType() string      { return TypeMarketStats }
func (AddMarket) CommandType() string        { return TypeAddMarket }
func (RemoveMarket) CommandType() string     { return TypeRemoveMarket }
func (GetOpenOrders) CommandType() string    { return TypeGetOpenOrders }

func (CreateOrder) command()      {}
func (CancelOrder) command()      {}
func (GetDepth) command()         {}
func (CreateUser) command()       {}
func (GetUserPortfolio) command() {}
func (AddBalance) command()       {}
func (AddHoldings) command()      {}
func (GetMarketsList) command()   {}
func (MarketStats) command()      {}
func (AddMarket) command()        {}
func (RemoveMarket) command()     {}
func (GetOpenOrders) command()    {}

// Request pairs a command with the channel its reply goes to
type Request struct {
	ClientID string
	Command  Command
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type requestEnvelope struct {
	ClientID string   `json:"clientId"`
	Message  envelope `json:"message"`
}

// MarshalJSON writes {"clientId":..., "message":{"type":..., "data":...}}
func (r Request) MarshalJSON() ([]byte, error) {
	if r.Command == nil {
		return nil, errors.New("request has no command")
	}
	data, err := json.Marshal(r.Command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(requestEnvelope{
		ClientID: r.ClientID,
		Message:  envelope{Type: r.Command.CommandType(), Data: data},
	})
}

// UnmarshalJSON is the inverse of MarshalJSON
func (r *Request) UnmarshalJSON(b []byte) error {
	var env requestEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("failed to decode request envelope: %w", err)
	}
	cmd, err := decodeCommand(env.Message)
	if err != nil {
		return err
	}
	r.ClientID = env.ClientID
	r.Command = cmd
	return nil
}

// DecodeRequest parses one request envelope
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	err := json.Unmarshal(b, &r)
	return r, err
}

// PeekClientID returns the reply channel of a request whose command may not
// decode. It returns "" when even the envelope is unreadable.
func PeekClientID(b []byte) string {
	var env struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return ""
	}
	return env.ClientID
}

func decodeCommand(env envelope) (Command, error) {
	switch env.Type {
	case TypeCreateOrder:
		return decodeCommandAs[CreateOrder](env)
	case TypeCancelOrder:
		return decodeCommandAs[CancelOrder](env)
	case TypeGetDepth:
		return decodeCommandAs[GetDepth](env)
	case TypeCreateUser:
		return decodeCommandAs[CreateUser](env)
	case TypeGetUserPortfolio:
		return decodeCommandAs[GetUserPortfolio](env)
	case TypeAddBalance:
		return decodeCommandAs[AddBalance](env)
	case TypeAddHoldings:
		return decodeCommandAs[AddHoldings](env)
	case TypeGetMarketsList:
		return decodeCommandAs[GetMarketsList](env)
	case TypeMarketStats:
		return decodeCommandAs[MarketStats](env)
	case TypeAddMarket:
		return decodeCommandAs[AddMarket](env)
	case TypeRemoveMarket:
		return decodeCommandAs[RemoveMarket](env)
	case TypeGetOpenOrders:
		return decodeCommandAs[GetOpenOrders](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeCommandAs[T Command](env envelope) (Command, error) {
	v, err := decodeAs[T](env)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// decodeAs unmarshals an envelope payload into T. An absent payload leaves T zero.
func decodeAs[T any](env envelope) (T, error) {
	var v T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return v, nil
}
