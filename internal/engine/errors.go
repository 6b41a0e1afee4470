package engine

import (
	"errors"

	"github.com/Ishan3450/complete-stock-exchange/internal/ledger"
	"github.com/Ishan3450/complete-stock-exchange/internal/orderbook"
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"
)

var (
	ErrInvalidMarket          = errors.New("invalid market")
	ErrMarketExists           = errors.New("market already exists")
	ErrMarketNotEmpty         = errors.New("market has open orders")
	ErrInvalidOrderParameters = errors.New("invalid order parameters")
	ErrOrderNotFound          = errors.New("order not found")
	ErrInternal               = errors.New("internal error")
)

// codeFor maps an error from any core package to its wire code
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMarket):
		return protocol.CodeInvalidMarket
	case errors.Is(err, ledger.ErrUserNotFound), errors.Is(err, ledger.ErrInvalidUserID):
		return protocol.CodeInvalidUser
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return protocol.CodeInsufficientFunds
	case errors.Is(err, ledger.ErrInsufficientHoldings):
		return protocol.CodeInsufficientHoldings
	case errors.Is(err, ErrInvalidOrderParameters),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, orderbook.ErrInvalidOrder):
		return protocol.CodeInvalidOrderParameters
	case errors.Is(err, ErrOrderNotFound):
		return protocol.CodeOrderNotFound
	case errors.Is(err, ledger.ErrUserExists):
		return protocol.CodeUserExists
	case errors.Is(err, ErrMarketExists):
		return protocol.CodeMarketExists
	case errors.Is(err, ErrMarketNotEmpty):
		return protocol.CodeMarketNotEmpty
	default:
		return protocol.CodeInternalError
	}
}
