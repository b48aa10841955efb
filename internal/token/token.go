// Package token is the collateral token collaborator: plain balances with a
// transfer primitive, kept in journaled state so vault calls stay atomic.
package token

import (
	"math/big"

	"creditvault/internal/errs"
	"creditvault/internal/policy"
	"creditvault/internal/state"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errs.New(errs.KindCapacity, "token: insufficient balance")
	ErrInvalidAmount       = errs.New(errs.KindInput, "token: invalid amount")
)

// Token is what vaults need from a collateral token.
type Token interface {
	Symbol() string
	BalanceOf(addr common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
}

type Book struct {
	symbol   string
	roles    policy.Checker
	balances *state.Table[common.Address, *big.Int]
	supply   *state.Cell[*big.Int]
}

func NewBook(j *state.Journal, symbol string, roles policy.Checker) *Book {
	return &Book{
		symbol:   symbol,
		roles:    roles,
		balances: state.NewTable(j, func(common.Address) *big.Int { return new(big.Int) }),
		supply:   state.NewCell(j, new(big.Int)),
	}
}

func (b *Book) Symbol() string { return b.symbol }

func (b *Book) BalanceOf(addr common.Address) *big.Int {
	return wad.Clone(b.balances.Get(addr))
}

func (b *Book) TotalSupply() *big.Int {
	return wad.Clone(b.supply.Get())
}

func (b *Book) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	balance := b.balances.Get(from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	b.balances.Set(from, wad.Sub(balance, amount))
	b.balances.Set(to, wad.Add(b.balances.Get(to), amount))
	return nil
}

// Mint credits new tokens to an account. It stands in for bridging real
// collateral into the system.
func (b *Book) Mint(caller, to common.Address, amount *big.Int) error {
	if err := policy.Require(b.roles, caller, policy.ActionMintCollateral); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b.balances.Set(to, wad.Add(b.balances.Get(to), amount))
	b.supply.Set(wad.Add(b.supply.Get(), amount))
	return nil
}

func (b *Book) Burn(from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance := b.balances.Get(from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	b.balances.Set(from, wad.Sub(balance, amount))
	b.supply.Set(wad.Sub(b.supply.Get(), amount))
	return nil
}
