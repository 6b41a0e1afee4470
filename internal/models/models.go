package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the side an order of this side matches against
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// UnmarshalText normalizes case only. Unknown sides decode as-is and are
// rejected by the engine, so the requester still gets an error reply.
func (s *Side) UnmarshalText(b []byte) error {
	*s = Side(strings.ToLower(string(b)))
	return nil
}

// User is a registered login. Username doubles as the engine account id.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Order represents a buy or sell limit order
type Order struct {
	OrderID   uint64          `json:"orderId"`
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Side      Side            `json:"side"`
	UserID    string          `json:"userId"`
	CreatedAt time.Time       `json:"createdAt"` // arrival time, informational only
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// IsFilled reports whether the order has been fully matched
func (o *Order) IsFilled() bool {
	return o.Filled.GreaterThanOrEqual(o.Quantity)
}

// Fill is one match between an incoming order and one resting order
type Fill struct {
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	CounterpartyID string          `json:"counterpartyId"`
	TradeID        uint64          `json:"tradeId"`
	RestingOrderID uint64          `json:"restingOrderId"`
}

// Trade is the flat record handed to persistence for every fill
type Trade struct {
	TradeID        uint64          `json:"tradeId"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Side           Side            `json:"side"`           // taker side
	FillOwnerID    string          `json:"fillOwnerId"`    // maker
	MarketOrderID  uint64          `json:"marketOrderId"`  // resting order
	MatchedOrderID uint64          `json:"matchedOrderId"` // incoming order
	Timestamp      time.Time       `json:"timestamp"`
}

// PriceLevel is one aggregated row of a depth snapshot
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Total    decimal.Decimal `json:"total"` // cumulative quantity at this price or better
}

// Depth is the aggregated book for one market
type Depth struct {
	Market string       `json:"market"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// Portfolio is a copy of one account's buckets
type Portfolio struct {
	UserID        string                     `json:"userId"`
	Balance       map[string]decimal.Decimal `json:"balance"`
	LockedBalance map[string]decimal.Decimal `json:"lockedBalance"`
	Holdings      map[string]decimal.Decimal `json:"holdings"`
	LockedHolding map[string]decimal.Decimal `json:"lockedHolding"`
}

// Ticker summarizes a market's trades since a point in time. Prices are null
// when nothing traded in the window.
type Ticker struct {
	Market string              `json:"market"`
	Open   decimal.NullDecimal `json:"open"`
	High   decimal.NullDecimal `json:"high"`
	Low    decimal.NullDecimal `json:"low"`
	Close  decimal.NullDecimal `json:"close"`
	Volume decimal.Decimal     `json:"volume"`
	Trades int64               `json:"trades"`
	Since  time.Time           `json:"since"`
}

// MarketStat counts resting orders per side of one market
type MarketStat struct {
	Market    string `json:"market"`
	TotalBids int    `json:"totalBids"`
	TotalAsks int    `json:"totalAsks"`
}

// MarketName joins a base and quote asset into BASE_QUOTE
func MarketName(base, quote string) string {
	return base + "_" + quote
}

// ParseMarket splits BASE_QUOTE into its assets
func ParseMarket(name string) (base, quote string, err error) {
	base, quote, ok := strings.Cut(name, "_")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "_") {
		return "", "", fmt.Errorf("malformed market name %q", name)
	}
	return base, quote, nil
}
