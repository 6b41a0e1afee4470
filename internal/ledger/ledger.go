package ledger

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/Ishan3450/complete-stock-exchange/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidAmount        = errors.New("amount must be positive")
)

// Account holds one user's four asset buckets
type Account struct {
	UserID        string
	Balance       map[string]decimal.Decimal // quote funds free to spend
	LockedBalance map[string]decimal.Decimal // quote funds escrowed by open buys
	Holdings      map[string]decimal.Decimal // base inventory free to sell
	LockedHolding map[string]decimal.Decimal // base inventory escrowed by open sells
}

func newAccount(userID string) *Account {
	return &Account{
		UserID:        userID,
		Balance:       map[string]decimal.Decimal{},
		LockedBalance: map[string]decimal.Decimal{},
		Holdings:      map[string]decimal.Decimal{},
		LockedHolding: map[string]decimal.Decimal{},
	}
}

// Settlement reports which fills were applied to both parties
type Settlement struct {
	Settled []models.Fill
	Skipped []models.Fill
}

// Ledger owns every account. It is not safe for concurrent use; the engine
// loop is its only writer.
type Ledger struct {
	accounts map[string]*Account
	log      *zap.Logger
}

// New creates an empty ledger
func New(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		accounts: map[string]*Account{},
		log:      log.Named("ledger"),
	}
}

// CreateUser opens a zero-balance account
func (l *Ledger) CreateUser(userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if _, ok := l.accounts[userID]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, userID)
	}
	l.accounts[userID] = newAccount(userID)
	return nil
}

// Exists reports whether an account is open for userID
func (l *Ledger) Exists(userID string) bool {
	_, ok := l.accounts[userID]
	return ok
}

func (l *Ledger) account(userID string) (*Account, error) {
	acc, ok := l.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return acc, nil
}

// Reserve moves the funds an order needs from free to locked.
// A buy locks price*quantity of quote, a sell locks quantity of base.
func (l *Ledger) Reserve(userID string, side models.Side, base, quote string, price, quantity decimal.Decimal) error {
	acc, err := l.account(userID)
	if err != nil {
		return err
	}

	switch side {
	case models.Buy:
		amount := price.Mul(quantity)
		if acc.Balance[quote].LessThan(amount) {
			return fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientFunds, amount, quote, acc.Balance[quote])
		}
		acc.Balance[quote] = acc.Balance[quote].Sub(amount)
		credit(acc.LockedBalance, quote, amount)
	case models.Sell:
		if acc.Holdings[base].LessThan(quantity) {
			return fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientHoldings, quantity, base, acc.Holdings[base])
		}
		acc.Holdings[base] = acc.Holdings[base].Sub(quantity)
		credit(acc.LockedHolding, base, quantity)
	default:
		return fmt.Errorf("reserve: invalid side %q", side)
	}
	return nil
}

// Settle applies the fills of one incoming order to the taker and every maker.
//
// The taker's lock is drawn down at its own limit price, which is what Reserve
// locked. When a buy fills below its limit the difference goes back to the
// taker's free balance. A fill whose maker has no account is logged and
// skipped; the taker gets back what it had reserved for that fill, since the
// book already counts the quantity as filled and no cancel can release it.
func (l *Ledger) Settle(takerID string, side models.Side, limit decimal.Decimal, fills []models.Fill, base, quote string) Settlement {
	var out Settlement
	taker, err := l.account(takerID)
	if err != nil {
		l.log.Error("settle_taker_missing", zap.String("user", takerID), zap.Int("fills", len(fills)))
		out.Skipped = fills
		return out
	}

	lockDraw := decimal.Zero // taker locked bucket decrease
	freeGain := decimal.Zero // taker free bucket increase in the asset received
	refund := decimal.Zero   // buy only: limit minus fill price, back to balance
	unlock := decimal.Zero   // reservation of skipped fills, back to the free bucket

	for _, f := range fills {
		maker, ok := l.accounts[f.CounterpartyID]
		if !ok {
			l.log.Error("settle_counterparty_missing",
				zap.String("maker", f.CounterpartyID),
				zap.Uint64("trade_id", f.TradeID),
				zap.Uint64("resting_order_id", f.RestingOrderID))
			out.Skipped = append(out.Skipped, f)
			if side == models.Buy {
				unlock = unlock.Add(limit.Mul(f.Quantity))
			} else {
				unlock = unlock.Add(f.Quantity)
			}
			continue
		}

		notional := f.Price.Mul(f.Quantity)
		if side == models.Buy {
			debitLocked(l.log, maker.LockedHolding, base, f.Quantity)
			credit(maker.Balance, quote, notional)

			reserved := limit.Mul(f.Quantity)
			lockDraw = lockDraw.Add(reserved)
			refund = refund.Add(reserved.Sub(notional))
			freeGain = freeGain.Add(f.Quantity)
		} else {
			debitLocked(l.log, maker.LockedBalance, quote, notional)
			credit(maker.Holdings, base, f.Quantity)

			lockDraw = lockDraw.Add(f.Quantity)
			freeGain = freeGain.Add(notional)
		}
		out.Settled = append(out.Settled, f)
	}

	if side == models.Buy {
		debitLocked(l.log, taker.LockedBalance, quote, lockDraw.Add(unlock))
		credit(taker.Holdings, base, freeGain)
		if back := refund.Add(unlock); back.IsPositive() {
			credit(taker.Balance, quote, back)
		}
	} else {
		debitLocked(l.log, taker.LockedHolding, base, lockDraw.Add(unlock))
		credit(taker.Balance, quote, freeGain)
		if unlock.IsPositive() {
			credit(taker.Holdings, base, unlock)
		}
	}
	return out
}

// Release returns the unconsumed part of a cancelled order's reservation and reports the amount
func (l *Ledger) Release(userID string, o *models.Order, base, quote string) (decimal.Decimal, error) {
	acc, err := l.account(userID)
	if err != nil {
		return decimal.Zero, err
	}

	remaining := o.Remaining()
	if !remaining.IsPositive() {
		return decimal.Zero, nil
	}
	if o.Side == models.Buy {
		amount := o.Price.Mul(remaining)
		debitLocked(l.log, acc.LockedBalance, quote, amount)
		credit(acc.Balance, quote, amount)
		return amount, nil
	}
	debitLocked(l.log, acc.LockedHolding, base, remaining)
	credit(acc.Holdings, base, remaining)
	return remaining, nil
}

// AddBalance credits free quote funds
func (l *Ledger) AddBalance(userID, asset string, amount decimal.Decimal) error {
	return l.deposit(userID, asset, amount, func(a *Account) map[string]decimal.Decimal { return a.Balance })
}

// AddHoldings credits free base inventory
func (l *Ledger) AddHoldings(userID, asset string, quantity decimal.Decimal) error {
	return l.deposit(userID, asset, quantity, func(a *Account) map[string]decimal.Decimal { return a.Holdings })
}

func (l *Ledger) deposit(userID, asset string, amount decimal.Decimal, bucket func(*Account) map[string]decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if asset == "" {
		return fmt.Errorf("%w: empty asset", ErrInvalidAmount)
	}
	acc, err := l.account(userID)
	if err != nil {
		return err
	}
	credit(bucket(acc), asset, amount)
	return nil
}

// Portfolio returns a copy of a user's buckets
func (l *Ledger) Portfolio(userID string) (models.Portfolio, error) {
	acc, err := l.account(userID)
	if err != nil {
		return models.Portfolio{}, err
	}
	return models.Portfolio{
		UserID:        acc.UserID,
		Balance:       maps.Clone(acc.Balance),
		LockedBalance: maps.Clone(acc.LockedBalance),
		Holdings:      maps.Clone(acc.Holdings),
		LockedHolding: maps.Clone(acc.LockedHolding),
	}, nil
}

// Users returns every account id in sorted order
func (l *Ledger) Users() []string {
	return slices.Sorted(maps.Keys(l.accounts))
}

// Count returns the number of accounts
func (l *Ledger) Count() int {
	return len(l.accounts)
}

// BalanceTotal sums free and locked funds of asset across all accounts
func (l *Ledger) BalanceTotal(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, acc := range l.accounts {
		total = total.Add(acc.Balance[asset]).Add(acc.LockedBalance[asset])
	}
	return total
}

// HoldingsTotal sums free and locked inventory of asset across all accounts
func (l *Ledger) HoldingsTotal(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, acc := range l.accounts {
		total = total.Add(acc.Holdings[asset]).Add(acc.LockedHolding[asset])
	}
	return total
}

func credit(bucket map[string]decimal.Decimal, asset string, amount decimal.Decimal) {
	bucket[asset] = bucket[asset].Add(amount)
}

// debitLocked subtracts from a locked bucket and prunes entries that reach zero
func debitLocked(log *zap.Logger, bucket map[string]decimal.Decimal, asset string, amount decimal.Decimal) {
	left := bucket[asset].Sub(amount)
	if left.IsNegative() {
		log.Error("locked_bucket_underflow", zap.String("asset", asset), zap.String("left", left.String()))
	}
	if !left.IsPositive() {
		delete(bucket, asset)
		return
	}
	bucket[asset] = left
}
