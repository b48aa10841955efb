// Package ledger is the central book of signed credit balances. A positive
// balance is credit held, a negative balance is debt owed to the ledger.
package ledger

import (
	"fmt"
	"math/big"
	"time"

	"creditvault/internal/errs"
	"creditvault/internal/events"
	"creditvault/internal/permit"
	"creditvault/internal/policy"
	"creditvault/internal/state"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrNoPermission              = errs.New(errs.KindAuthorization, "ledger: no permission")
	ErrDebtCeilingExceeded       = errs.New(errs.KindCapacity, "ledger: debt ceiling exceeded")
	ErrGlobalDebtCeilingExceeded = errs.New(errs.KindCapacity, "ledger: global debt ceiling exceeded")
	ErrInvalidAmount             = errs.New(errs.KindInput, "ledger: invalid amount")
	ErrPermitExpired             = errs.New(errs.KindTiming, "ledger: permit expired")
	ErrInvalidNonce              = errs.New(errs.KindInput, "ledger: invalid permit nonce")
	ErrInvalidPermit             = errs.New(errs.KindAuthorization, "ledger: invalid permit signature")
)

type Account struct {
	Balance     *big.Int
	DebtCeiling *big.Int
}

type permissionKey struct {
	grantor common.Address
	grantee common.Address
}

type Ledger struct {
	roles  policy.Checker
	bus    *events.Bus
	log    *zap.Logger
	clock  func() time.Time
	domain permit.Domain

	balances          *state.Table[common.Address, *big.Int]
	ceilings          *state.Table[common.Address, *big.Int]
	permissions       *state.Table[permissionKey, bool]
	nonces            *state.Table[common.Address, uint64]
	globalDebt        *state.Cell[*big.Int]
	globalDebtCeiling *state.Cell[*big.Int]
}

type Options struct {
	Roles  policy.Checker
	Bus    *events.Bus
	Log    *zap.Logger
	Clock  func() time.Time
	Domain permit.Domain
}

func New(j *state.Journal, opts Options) *Ledger {
	zero := func(common.Address) *big.Int { return new(big.Int) }
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		roles:             opts.Roles,
		bus:               opts.Bus,
		log:               log,
		clock:             clock,
		domain:            opts.Domain,
		balances:          state.NewTable(j, zero),
		ceilings:          state.NewTable(j, zero),
		permissions:       state.NewTable[permissionKey, bool](j, nil),
		nonces:            state.NewTable[common.Address, uint64](j, nil),
		globalDebt:        state.NewCell(j, new(big.Int)),
		globalDebtCeiling: state.NewCell(j, new(big.Int)),
	}
}

func (l *Ledger) Account(addr common.Address) Account {
	return Account{Balance: wad.Clone(l.balances.Get(addr)), DebtCeiling: wad.Clone(l.ceilings.Get(addr))}
}

func (l *Ledger) Balance(addr common.Address) *big.Int {
	return wad.Clone(l.balances.Get(addr))
}

func (l *Ledger) DebtCeiling(addr common.Address) *big.Int {
	return wad.Clone(l.ceilings.Get(addr))
}

// CreditLine is how much addr can still send: max(0, balance + debtCeiling).
func (l *Ledger) CreditLine(addr common.Address) *big.Int {
	return wad.PositivePart(wad.Add(l.balances.Get(addr), l.ceilings.Get(addr)))
}

// MaxMove is the largest amount Move can carry from one account to another
// without breaching from's debt ceiling or the global debt ceiling. Paying
// down to's debt offsets new debt taken on by from.
func (l *Ledger) MaxMove(from, to common.Address) *big.Int {
	line := l.CreditLine(from)
	if from == to {
		return line
	}
	headroom := wad.PositivePart(wad.Sub(l.globalDebtCeiling.Get(), l.globalDebt.Get()))
	offset := wad.Add(wad.PositivePart(l.balances.Get(from)), wad.NegativePart(l.balances.Get(to)))
	return wad.Min(line, wad.Add(offset, headroom))
}

func (l *Ledger) GlobalDebt() *big.Int {
	return wad.Clone(l.globalDebt.Get())
}

func (l *Ledger) GlobalDebtCeiling() *big.Int {
	return wad.Clone(l.globalDebtCeiling.Get())
}

// Accounts returns every account that has ever been written.
func (l *Ledger) Accounts() []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, table := range []*state.Table[common.Address, *big.Int]{l.balances, l.ceilings} {
		table.Range(func(addr common.Address, _ *big.Int) bool {
			if _, ok := seen[addr]; !ok {
				seen[addr] = struct{}{}
				out = append(out, addr)
			}
			return true
		})
	}
	return out
}

// HasPermission reports whether caller may act for owner.
func (l *Ledger) HasPermission(owner, caller common.Address) bool {
	return owner == caller || l.permissions.Get(permissionKey{grantor: owner, grantee: caller})
}

func (l *Ledger) ModifyPermission(caller, grantee common.Address, allowed bool) {
	l.setPermission(caller, grantee, allowed)
}

func (l *Ledger) setPermission(grantor, grantee common.Address, allowed bool) {
	key := permissionKey{grantor: grantor, grantee: grantee}
	if allowed {
		l.permissions.Set(key, true)
	} else {
		l.permissions.Delete(key)
	}
	l.bus.Emit(events.KindPermission, "ledger",
		"grantor", grantor.Hex(), "grantee", grantee.Hex(), "allowed", fmt.Sprint(allowed))
}

func (l *Ledger) Nonce(addr common.Address) uint64 {
	return l.nonces.Get(addr)
}

// ModifyPermissionWithSig applies a grant signed by its grantor and consumes
// the grantor's nonce.
func (l *Ledger) ModifyPermissionWithSig(grant permit.Grant, sig []byte) error {
	if uint64(l.clock().Unix()) > grant.Deadline {
		return ErrPermitExpired
	}
	if grant.Nonce != l.nonces.Get(grant.Grantor) {
		return ErrInvalidNonce
	}
	if err := permit.Verify(l.domain, grant, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPermit, err)
	}
	l.nonces.Set(grant.Grantor, grant.Nonce+1)
	l.setPermission(grant.Grantor, grant.Grantee, grant.Allowed)
	return nil
}

func (l *Ledger) SetDebtCeiling(caller, account common.Address, ceiling *big.Int) error {
	if err := policy.Require(l.roles, caller, policy.ActionSetDebtCeiling); err != nil {
		return err
	}
	if ceiling == nil || ceiling.Sign() < 0 {
		return ErrInvalidAmount
	}
	if wad.Add(l.balances.Get(account), ceiling).Sign() < 0 {
		return ErrDebtCeilingExceeded
	}
	l.ceilings.Set(account, wad.Clone(ceiling))
	l.bus.Emit(events.KindDebtCeiling, "ledger", "account", account.Hex(), "ceiling", wad.Format(ceiling))
	return nil
}

func (l *Ledger) SetGlobalDebtCeiling(caller common.Address, ceiling *big.Int) error {
	if err := policy.Require(l.roles, caller, policy.ActionSetGlobalDebtCeiling); err != nil {
		return err
	}
	if ceiling == nil || ceiling.Sign() < 0 {
		return ErrInvalidAmount
	}
	if ceiling.Cmp(l.globalDebt.Get()) < 0 {
		return ErrGlobalDebtCeilingExceeded
	}
	l.globalDebtCeiling.Set(wad.Clone(ceiling))
	l.bus.Emit(events.KindDebtCeiling, "ledger", "account", "global", "ceiling", wad.Format(ceiling))
	return nil
}

// Transfer moves amount from one account to another on behalf of caller,
// who must be from or hold its permission.
func (l *Ledger) Transfer(caller, from, to common.Address, amount *big.Int) error {
	if !l.HasPermission(from, caller) {
		return ErrNoPermission
	}
	return l.Move(from, to, amount)
}

// Move is Transfer without the permission check. Engines call it after
// authorizing the movement themselves.
func (l *Ledger) Move(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromBefore := l.balances.Get(from)
	toBefore := l.balances.Get(to)
	fromAfter := wad.Sub(fromBefore, amount)
	toAfter := wad.Add(toBefore, amount)

	if wad.Add(fromAfter, l.ceilings.Get(from)).Sign() < 0 {
		return ErrDebtCeilingExceeded
	}

	debtBefore := wad.Add(wad.NegativePart(fromBefore), wad.NegativePart(toBefore))
	debtAfter := wad.Add(wad.NegativePart(fromAfter), wad.NegativePart(toAfter))
	globalBefore := l.globalDebt.Get()
	globalAfter := wad.Add(globalBefore, wad.Sub(debtAfter, debtBefore))
	if globalAfter.Cmp(l.globalDebtCeiling.Get()) > 0 && globalAfter.Cmp(globalBefore) >= 0 {
		return ErrGlobalDebtCeilingExceeded
	}

	l.balances.Set(from, fromAfter)
	l.balances.Set(to, toAfter)
	l.globalDebt.Set(globalAfter)
	l.log.Debug("ledger transfer",
		zap.String("from", from.Hex()),
		zap.String("to", to.Hex()),
		zap.Stringer("amount", amount),
		zap.Stringer("global_debt", globalAfter),
	)
	l.bus.Emit(events.KindTransfer, "ledger",
		"from", from.Hex(), "to", to.Hex(), "amount", wad.Format(amount))
	return nil
}
