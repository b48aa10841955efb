// Package unwind winds down a vault removed from service. Borrowers first
// buy back their collateral at the fixed debt, the rest is sold in a
// descending price auction, and delegators finally redeem their shares
// against everything collected.
package unwind

import (
	"math/big"
	"time"

	"creditvault/internal/errs"
	"creditvault/internal/events"
	"creditvault/internal/ledger"
	"creditvault/internal/oracle"
	"creditvault/internal/state"
	"creditvault/internal/token"
	"creditvault/internal/vault"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrNotWithinPeriod    = errs.New(errs.KindTiming, "unwind: not within period")
	ErrAlreadyStarted     = errs.New(errs.KindTiming, "unwind: auction already started")
	ErrNotStarted         = errs.New(errs.KindTiming, "unwind: auction not started")
	ErrNeedsReset         = errs.New(errs.KindTiming, "unwind: auction needs reset")
	ErrAuctionRunning     = errs.New(errs.KindTiming, "unwind: auction still running")
	ErrTooExpensive       = errs.New(errs.KindMatching, "unwind: price above limit")
	ErrNoPartialPurchase  = errs.New(errs.KindMatching, "unwind: partial purchase leaves dust")
	ErrNothingToSell      = errs.New(errs.KindCapacity, "unwind: no collateral left")
	ErrInsufficientShares = errs.New(errs.KindCapacity, "unwind: insufficient shares")
	ErrNoPermission       = errs.New(errs.KindAuthorization, "unwind: no permission")
	ErrInvalidAmount      = errs.New(errs.KindInput, "unwind: invalid amount")
)

type Phase string

const (
	PhaseBorrower  Phase = "borrower"
	PhaseAuction   Phase = "auction"
	PhaseDelegator Phase = "delegator"
)

// ShareSource reports delegator shares frozen in the unwound vault.
type ShareSource interface {
	Shares(owner common.Address) *big.Int
}

type Deps struct {
	Ledger *ledger.Ledger
	Token  token.Token
	Oracle oracle.Oracle
	Shares ShareSource
	Bus    *events.Bus
	Log    *zap.Logger
	Clock  func() time.Time
}

// Auction is the state of the collateral sale. StartsAt is zero until the
// first start.
type Auction struct {
	Debt       *big.Int
	Cash       *big.Int
	StartsAt   int64
	StartPrice *big.Int
}

func (a Auction) Clone() Auction {
	return Auction{Debt: wad.Clone(a.Debt), Cash: wad.Clone(a.Cash), StartsAt: a.StartsAt, StartPrice: wad.Clone(a.StartPrice)}
}

func (a Auction) Started() bool { return a.StartsAt != 0 }

type Unwinder struct {
	address common.Address
	cfg     Config
	fixed   vault.Handover

	ledger *ledger.Ledger
	token  token.Token
	oracle oracle.Oracle
	shares ShareSource
	bus    *events.Bus
	log    *zap.Logger
	clock  func() time.Time
	j      *state.Journal

	positions     *state.Table[common.Address, vault.SettledPosition]
	repaid        *state.Table[common.Address, *big.Int]
	redeemed      *state.Table[common.Address, *big.Int]
	totalDebt     *state.Cell[*big.Int]
	collateral    *state.Cell[*big.Int]
	credit        *state.Cell[*big.Int]
	totalRedeemed *state.Cell[*big.Int]
	vaultSettled  *state.Cell[bool]
	auction       *state.Cell[Auction]
}

// Create hands v over to a new unwinder at address. The vault must have
// been frozen for at least cfg.Grace.
func Create(j *state.Journal, v *vault.Vault, caller, address common.Address, cfg Config, deps Deps) (*Unwinder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h, err := v.HandOver(caller, address, cfg.Grace)
	if err != nil {
		return nil, err
	}
	if deps.Token == nil {
		deps.Token = v.Token()
	}
	if deps.Shares == nil {
		deps.Shares = v
	}
	return New(j, address, cfg, h, deps)
}

// New builds an unwinder from a completed handover.
func New(j *state.Journal, address common.Address, cfg Config, h vault.Handover, deps Deps) (*Unwinder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil || deps.Token == nil || deps.Shares == nil {
		return nil, ErrInvalidConfig
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	zero := func(common.Address) *big.Int { return new(big.Int) }
	u := &Unwinder{
		address:       address,
		cfg:           cfg,
		fixed:         h,
		ledger:        deps.Ledger,
		token:         deps.Token,
		oracle:        deps.Oracle,
		shares:        deps.Shares,
		bus:           deps.Bus,
		log:           log.With(zap.String("unwinder", h.Vault)),
		clock:         clock,
		j:             j,
		positions:     state.NewTable[common.Address, vault.SettledPosition](j, nil),
		repaid:        state.NewTable(j, zero),
		redeemed:      state.NewTable(j, zero),
		totalDebt:     state.NewCell(j, wad.Clone(h.FixedTotalDebt)),
		collateral:    state.NewCell(j, wad.Clone(h.FixedCollateral)),
		credit:        state.NewCell(j, wad.Clone(h.FixedCredit)),
		totalRedeemed: state.NewCell(j, new(big.Int)),
		vaultSettled:  state.NewCell(j, false),
		auction:       state.NewCell(j, Auction{Debt: new(big.Int), Cash: new(big.Int), StartPrice: new(big.Int)}),
	}
	for _, p := range h.Positions {
		u.positions.Set(p.Owner, p)
	}
	return u, nil
}

func (u *Unwinder) Address() common.Address { return u.address }
func (u *Unwinder) Vault() string { return u.fixed.Vault }
func (u *Unwinder) Handover() vault.Handover { return u.fixed }

func (u *Unwinder) now() int64 { return u.clock().Unix() }

// PhaseAt reports the phase in force at ts.
func (u *Unwinder) PhaseAt(ts int64) Phase {
	switch elapsed := ts - u.fixed.At; {
	case elapsed < u.cfg.AuctionStart:
		return PhaseBorrower
	case elapsed < u.cfg.AuctionEnd:
		return PhaseAuction
	default:
		return PhaseDelegator
	}
}

func (u *Unwinder) Phase() Phase { return u.PhaseAt(u.now()) }

func (u *Unwinder) require(phase Phase) error {
	if u.Phase() != phase {
		return ErrNotWithinPeriod
	}
	return nil
}

func (u *Unwinder) Position(owner common.Address) (vault.SettledPosition, bool) {
	return u.positions.Lookup(owner)
}

func (u *Unwinder) RepaidNormalDebt(owner common.Address) *big.Int {
	return wad.Clone(u.repaid.Get(owner))
}

// RepayDebt lets a borrower settle normalDebt of its fixed debt and take
// back the proportional share of collateral to recipient.
func (u *Unwinder) RepayDebt(caller, owner, creditor, recipient common.Address, normalDebt *big.Int) (*big.Int, error) {
	if normalDebt == nil || normalDebt.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if err := u.require(PhaseBorrower); err != nil {
		return nil, err
	}
	if !u.ledger.HasPermission(owner, caller) || !u.ledger.HasPermission(creditor, caller) {
		return nil, ErrNoPermission
	}
	var released *big.Int
	err := u.j.Atomic(func() error {
		pos, ok := u.positions.Lookup(owner)
		if !ok || (pos.Collateral.Sign() == 0 && pos.NormalDebt.Sign() == 0) {
			return ErrInvalidAmount
		}
		if normalDebt.Cmp(pos.NormalDebt) > 0 || (normalDebt.Sign() == 0 && pos.NormalDebt.Sign() > 0) {
			return ErrInvalidAmount
		}
		debt, release := wad.Clone(pos.Debt), wad.Clone(pos.Collateral)
		if normalDebt.Cmp(pos.NormalDebt) < 0 {
			debt = wad.MulDivUp(pos.Debt, normalDebt, pos.NormalDebt)
			release = wad.MulDiv(pos.Collateral, normalDebt, pos.NormalDebt)
		}
		if err := u.ledger.Move(creditor, u.address, debt); err != nil {
			return err
		}
		u.positions.Set(owner, vault.SettledPosition{
			Owner:      owner,
			Collateral: wad.Sub(pos.Collateral, release),
			NormalDebt: wad.Sub(pos.NormalDebt, normalDebt),
			Debt:       wad.PositivePart(wad.Sub(pos.Debt, debt)),
		})
		u.repaid.Set(owner, wad.Add(u.repaid.Get(owner), normalDebt))
		u.totalDebt.Set(wad.PositivePart(wad.Sub(u.totalDebt.Get(), debt)))
		u.collateral.Set(wad.Sub(u.collateral.Get(), release))
		u.credit.Set(wad.Add(u.credit.Get(), debt))
		released = release
		if err := u.token.Transfer(u.address, recipient, release); err != nil {
			return err
		}

		u.bus.Emit(events.KindUnwindRepay, u.fixed.Vault,
			"owner", owner.Hex(),
			"normal_debt", wad.Format(normalDebt),
			"debt", wad.Format(debt),
			"collateral", wad.Format(release),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// RedeemShares pays owner's pro-rata part of the collected credit and any
// unsold collateral to recipient.
func (u *Unwinder) RedeemShares(caller, owner, recipient common.Address, shares *big.Int) (*big.Int, *big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if err := u.require(PhaseDelegator); err != nil {
		return nil, nil, err
	}
	if !u.ledger.HasPermission(owner, caller) {
		return nil, nil, ErrNoPermission
	}
	var credit, collateral *big.Int
	err := u.j.Atomic(func() error {
		if err := u.settleVault(); err != nil {
			return err
		}
		available := wad.Sub(u.shares.Shares(owner), u.redeemed.Get(owner))
		if available.Cmp(shares) < 0 {
			return ErrInsufficientShares
		}
		outstanding := wad.Sub(u.fixed.FixedTotalShares, u.totalRedeemed.Get())
		if outstanding.Cmp(shares) < 0 {
			return ErrInsufficientShares
		}
		credit = wad.MulDiv(u.credit.Get(), shares, outstanding)
		collateral = wad.MulDiv(u.collateral.Get(), shares, outstanding)
		if err := u.ledger.Move(u.address, recipient, credit); err != nil {
			return err
		}
		u.credit.Set(wad.Sub(u.credit.Get(), credit))
		u.collateral.Set(wad.Sub(u.collateral.Get(), collateral))
		u.redeemed.Set(owner, wad.Add(u.redeemed.Get(owner), shares))
		u.totalRedeemed.Set(wad.Add(u.totalRedeemed.Get(), shares))
		if err := u.token.Transfer(u.address, recipient, collateral); err != nil {
			return err
		}

		u.bus.Emit(events.KindUnwindRedeem, u.fixed.Vault,
			"owner", owner.Hex(),
			"shares", wad.Format(shares),
			"credit", wad.Format(credit),
			"collateral", wad.Format(collateral),
		)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return credit, collateral, nil
}

// SettleVault repays the vault's own ledger debt from collected credit. It
// runs at most once, and before the first redemption at the latest.
func (u *Unwinder) SettleVault() error {
	if err := u.require(PhaseDelegator); err != nil {
		return err
	}
	return u.j.Atomic(u.settleVault)
}

func (u *Unwinder) settleVault() error {
	if u.vaultSettled.Get() {
		return nil
	}
	owed := wad.NegativePart(u.ledger.Balance(u.fixed.Address))
	pay := wad.Min(owed, u.credit.Get())
	if err := u.ledger.Move(u.address, u.fixed.Address, pay); err != nil {
		return err
	}
	u.credit.Set(wad.Sub(u.credit.Get(), pay))
	u.vaultSettled.Set(true)
	if pay.Sign() > 0 {
		u.log.Info("vault ledger debt settled", zap.Stringer("paid", pay), zap.Stringer("owed", owed))
	}
	return nil
}

func (u *Unwinder) RedeemedShares(owner common.Address) *big.Int {
	return wad.Clone(u.redeemed.Get(owner))
}

// Status is a read-only projection of the unwinder.
type Status struct {
	Address          common.Address
	Vault            string
	CreatedAt        int64
	Phase            Phase
	FixedTotalDebt   *big.Int
	FixedTotalShares *big.Int
	TotalDebt        *big.Int
	Collateral       *big.Int
	Credit           *big.Int
	TotalRedeemed    *big.Int
	Auction          Auction
	AuctionPrice     *big.Int
}

func (u *Unwinder) Status() Status {
	now := u.now()
	a := u.auction.Get().Clone()
	return Status{
		Address:          u.address,
		Vault:            u.fixed.Vault,
		CreatedAt:        u.fixed.At,
		Phase:            u.PhaseAt(now),
		FixedTotalDebt:   wad.Clone(u.fixed.FixedTotalDebt),
		FixedTotalShares: wad.Clone(u.fixed.FixedTotalShares),
		TotalDebt:        wad.Clone(u.totalDebt.Get()),
		Collateral:       wad.Clone(u.collateral.Get()),
		Credit:           wad.Clone(u.credit.Get()),
		TotalRedeemed:    wad.Clone(u.totalRedeemed.Get()),
		Auction:          a,
		AuctionPrice:     PriceAt(a, u.cfg.AuctionDuration, now),
	}
}
