// Package assets is the in-process asset registry and balance book. The
// clearing house moves collateral through it and never touches balances
// directly.
package assets

import (
	"errors"
	"fmt"
	"sort"

	"github.com/atmx/perp-engine/internal/fixed"
)

var (
	ErrUnknownAsset        = errors.New("assets: unknown asset")
	ErrInsufficientBalance = errors.New("assets: insufficient balance")
)

// Asset names a registered asset, e.g. "USDC".
type Asset string

// Account names a balance holder.
type Account string

// Holding is one non-zero balance.
type Holding struct {
	Account Account
	Asset   Asset
	Amount  fixed.Balance
}

// Ledger holds per-(account, asset) balances. Not safe for concurrent use.
type Ledger struct {
	balances map[Asset]map[Account]fixed.Balance
}

// NewLedger returns a ledger with the given assets registered.
func NewLedger(registered ...Asset) *Ledger {
	l := &Ledger{balances: make(map[Asset]map[Account]fixed.Balance)}
	for _, a := range registered {
		l.Register(a)
	}
	return l
}

// Register adds an asset. Registering twice is a no-op.
func (l *Ledger) Register(asset Asset) {
	if _, ok := l.balances[asset]; !ok {
		l.balances[asset] = make(map[Account]fixed.Balance)
	}
}

// IsRegistered reports whether asset is known.
func (l *Ledger) IsRegistered(asset Asset) bool {
	_, ok := l.balances[asset]
	return ok
}

// BalanceOf returns the account balance, zero for unknown accounts or assets.
func (l *Ledger) BalanceOf(account Account, asset Asset) fixed.Balance {
	return l.balances[asset][account]
}

// Mint credits amount to account out of thin air.
func (l *Ledger) Mint(account Account, asset Asset, amount fixed.Balance) error {
	book, ok := l.balances[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	next, err := fixed.CheckedAdd(book[account], amount)
	if err != nil {
		return fmt.Errorf("mint %s to %s: %w", asset, account, err)
	}
	book[account] = next
	return nil
}

// Transfer moves amount of asset from one account to another. Either both
// balances change or neither does.
func (l *Ledger) Transfer(from, to Account, asset Asset, amount fixed.Balance) error {
	book, ok := l.balances[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	src, err := fixed.CheckedSub(book[from], amount)
	if err != nil {
		return fmt.Errorf("%w: %s holds %s %s, needs %s",
			ErrInsufficientBalance, from, book[from], asset, amount)
	}
	if from == to {
		return nil
	}
	dst, err := fixed.CheckedAdd(book[to], amount)
	if err != nil {
		return fmt.Errorf("transfer %s to %s: %w", asset, to, err)
	}
	book[from] = src
	book[to] = dst
	return nil
}

// Holdings returns every non-zero balance ordered by asset then account.
func (l *Ledger) Holdings() []Holding {
	var out []Holding
	for asset, book := range l.balances {
		for account, amount := range book {
			if amount.IsZero() {
				continue
			}
			out = append(out, Holding{Account: account, Asset: asset, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Account < out[j].Account
	})
	return out
}
