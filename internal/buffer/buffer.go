// Package buffer is the backstop reserve. It holds a ledger account whose
// credit line covers bad debt reported by vaults.
package buffer

import (
	"math/big"

	"creditvault/internal/events"
	"creditvault/internal/ledger"
	"creditvault/internal/policy"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type Buffer struct {
	address common.Address
	ledger  *ledger.Ledger
	roles   policy.Checker
	bus     *events.Bus
	log     *zap.Logger
}

func New(address common.Address, l *ledger.Ledger, roles policy.Checker, bus *events.Bus, log *zap.Logger) *Buffer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Buffer{address: address, ledger: l, roles: roles, bus: bus, log: log}
}

func (b *Buffer) Address() common.Address { return b.address }

// CreditLine is the most the buffer can still pay out.
func (b *Buffer) CreditLine() *big.Int {
	return b.ledger.CreditLine(b.address)
}

// BailOut pays up to amount to caller and returns what was actually paid,
// bounded by the buffer's credit line and by the ledger's global debt
// ceiling. A short payment is not an error.
func (b *Buffer) BailOut(caller common.Address, amount *big.Int) (*big.Int, error) {
	if err := policy.Require(b.roles, caller, policy.ActionBailOut); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int), nil
	}
	paid := wad.Min(amount, b.ledger.MaxMove(b.address, caller))
	if paid.Cmp(amount) < 0 {
		b.log.Warn("buffer bail out short",
			zap.String("caller", caller.Hex()),
			zap.Stringer("requested", amount),
			zap.Stringer("available", paid),
			zap.Stringer("credit_line", b.CreditLine()),
		)
	}
	if paid.Sign() == 0 {
		return paid, nil
	}
	if err := b.ledger.Move(b.address, caller, paid); err != nil {
		return nil, err
	}
	b.log.Info("buffer bail out",
		zap.String("caller", caller.Hex()),
		zap.Stringer("requested", amount),
		zap.Stringer("paid", paid),
	)
	b.bus.Emit(events.KindBailOut, "buffer",
		"caller", caller.Hex(), "requested", wad.Format(amount), "paid", wad.Format(paid))
	return paid, nil
}

// Withdraw moves accumulated buffer credit to an operator-chosen account.
func (b *Buffer) Withdraw(caller, to common.Address, amount *big.Int) error {
	if err := policy.Require(b.roles, caller, policy.ActionAdmin); err != nil {
		return err
	}
	return b.ledger.Move(b.address, to, amount)
}
