// Package oracle provides spot prices to the vaults. Reads go through Read,
// which turns any oracle failure into an invalid price instead of an abort.
package oracle

import (
	"fmt"
	"math/big"
	"time"

	"creditvault/internal/errs"
	"creditvault/internal/policy"
	"creditvault/internal/state"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoPrice      = errs.New(errs.KindLiveness, "oracle: no price")
	ErrStalePrice   = errs.New(errs.KindLiveness, "oracle: stale price")
	ErrInvalidPrice = errs.New(errs.KindInput, "oracle: invalid price")
)

// Oracle is the price collaborator. Spot may fail or report stale data.
type Oracle interface {
	Spot(asset string) (*big.Int, error)
	Status(asset string) bool
}

// Read returns the spot price and whether it is usable. Errors and panics in
// the oracle are reported as an invalid price.
func Read(o Oracle, asset string) (price *big.Int, valid bool) {
	if o == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			price, valid = nil, false
		}
	}()
	p, err := o.Spot(asset)
	if err != nil || p == nil || p.Sign() <= 0 {
		return nil, false
	}
	return wad.Clone(p), true
}

// Require is Read for call sites where a valid price is mandatory.
func Require(o Oracle, asset string) (*big.Int, error) {
	price, ok := Read(o, asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	return price, nil
}

type quote struct {
	price     *big.Int
	updatedAt time.Time
}

// Book holds pushed prices in journaled state. A price older than maxAge is
// reported as stale.
type Book struct {
	roles  policy.Checker
	clock  func() time.Time
	maxAge time.Duration
	quotes *state.Table[string, quote]
}

func NewBook(j *state.Journal, roles policy.Checker, clock func() time.Time, maxAge time.Duration) *Book {
	if clock == nil {
		clock = time.Now
	}
	return &Book{roles: roles, clock: clock, maxAge: maxAge, quotes: state.NewTable[string, quote](j, nil)}
}

func (b *Book) Set(caller common.Address, asset string, price *big.Int) error {
	if err := policy.Require(b.roles, caller, policy.ActionSetPrice); err != nil {
		return err
	}
	if asset == "" || price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	b.quotes.Set(asset, quote{price: wad.Clone(price), updatedAt: b.clock()})
	return nil
}

func (b *Book) Spot(asset string) (*big.Int, error) {
	q, ok := b.quotes.Lookup(asset)
	if !ok {
		return nil, ErrNoPrice
	}
	if b.maxAge > 0 && b.clock().Sub(q.updatedAt) > b.maxAge {
		return nil, ErrStalePrice
	}
	return wad.Clone(q.price), nil
}

func (b *Book) Status(asset string) bool {
	_, err := b.Spot(asset)
	return err == nil
}

// UpdatedAt reports when asset was last priced.
func (b *Book) UpdatedAt(asset string) (time.Time, bool) {
	q, ok := b.quotes.Lookup(asset)
	return q.updatedAt, ok
}

// Static is a fixed price table for tests and tooling. A non-nil Err makes
// every read fail.
type Static struct {
	Prices map[string]*big.Int
	Err    error
}

func (s *Static) Spot(asset string) (*big.Int, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	p, ok := s.Prices[asset]
	if !ok {
		return nil, ErrNoPrice
	}
	return wad.Clone(p), nil
}

func (s *Static) Status(asset string) bool {
	_, err := s.Spot(asset)
	return err == nil
}
