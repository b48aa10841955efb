// Package vault manages collateralized credit positions for one collateral
// asset: position lifecycle, the redemption order book, liquidations,
// credit delegation and emergency mode.
//
// Every state-changing method is one all-or-nothing unit on the shared
// journal. Methods must be called outside an enclosing unit so that entering
// emergency mode survives the failure of the call that detected it.
package vault

import (
	"bytes"
	"math/big"
	"sort"
	"time"

	"creditvault/internal/errs"
	"creditvault/internal/events"
	"creditvault/internal/ledger"
	"creditvault/internal/oracle"
	"creditvault/internal/orderbook"
	"creditvault/internal/policy"
	"creditvault/internal/rates"
	"creditvault/internal/state"
	"creditvault/internal/token"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrNoPermission        = errs.New(errs.KindAuthorization, "vault: no permission")
	ErrDebtFloor           = errs.New(errs.KindCapacity, "vault: debt below floor")
	ErrMaxUtilization      = errs.New(errs.KindCapacity, "vault: max utilization exceeded")
	ErrInsufficientCash    = errs.New(errs.KindCapacity, "vault: insufficient cash balance")
	ErrLimitOrderFloor     = errs.New(errs.KindCapacity, "vault: debt below limit order floor")
	ErrNotSafe             = errs.New(errs.KindSafety, "vault: position not safe")
	ErrNotUnsafe           = errs.New(errs.KindSafety, "vault: position not unsafe")
	ErrEmergencyMode       = errs.New(errs.KindLiveness, "vault: emergency mode")
	ErrPaused              = errs.New(errs.KindLiveness, "vault: paused")
	ErrUnwound             = errs.New(errs.KindLiveness, "vault: unwound")
	ErrNotEnoughExchanged  = errs.New(errs.KindMatching, "vault: not enough exchanged")
	ErrArgLengthMismatch   = errs.New(errs.KindInput, "vault: argument length mismatch")
	ErrInvalidAmount       = errs.New(errs.KindInput, "vault: invalid amount")
	ErrUnknownParameter    = errs.New(errs.KindInput, "vault: unknown parameter")
	ErrNotFrozenLongEnough = errs.New(errs.KindTiming, "vault: not frozen long enough")
	ErrLiquidationNoOffer  = errs.New(errs.KindMatching, "vault: liquidation repay amount too small")
)

// Backstop is the buffer collaborator.
type Backstop interface {
	Address() common.Address
	BailOut(caller common.Address, amount *big.Int) (*big.Int, error)
}

type Position struct {
	Collateral *big.Int
	NormalDebt *big.Int
}

func (p Position) Clone() Position {
	return Position{Collateral: wad.Clone(p.Collateral), NormalDebt: wad.Clone(p.NormalDebt)}
}

type Deps struct {
	Ledger *ledger.Ledger
	Token  token.Token
	Oracle oracle.Oracle
	Buffer Backstop
	Roles  policy.Checker
	Bus    *events.Bus
	Log    *zap.Logger
	Clock  func() time.Time
}

type Vault struct {
	cfg Config
	j   *state.Journal

	ledger *ledger.Ledger
	token  token.Token
	oracle oracle.Oracle
	buffer Backstop
	roles  policy.Checker
	bus    *events.Bus
	log    *zap.Logger
	clock  func() time.Time

	rates *rates.Engine
	book  *orderbook.Book

	params          *state.Cell[Params]
	positions       *state.Table[common.Address, Position]
	cash            *state.Table[common.Address, *big.Int]
	totalNormalDebt *state.Cell[*big.Int]
	totalCollateral *state.Cell[*big.Int]
	badDebt         *state.Cell[*big.Int]
	frozen          *state.Cell[bool]
	frozenSince     *state.Cell[int64]
	paused          *state.Cell[bool]
	unwound         *state.Cell[bool]

	shares          *state.Table[common.Address, *big.Int]
	totalShares     *state.Cell[*big.Int]
	epochs          *state.Table[uint64, Epoch]
	queued          *state.Table[queueKey, *big.Int]
	openEpochs      *state.Table[uint64, bool]
	pendingWithheld *state.Cell[*big.Int]
}

func New(j *state.Journal, cfg Config, deps Deps) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil || deps.Token == nil {
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
	engine, err := rates.NewEngine(j, cfg.Rates, cfg.BaseRate, clock().Unix())
	if err != nil {
		return nil, err
	}
	zero := func(common.Address) *big.Int { return new(big.Int) }
	return &Vault{
		cfg:             cfg,
		j:               j,
		ledger:          deps.Ledger,
		token:           deps.Token,
		oracle:          deps.Oracle,
		buffer:          deps.Buffer,
		roles:           deps.Roles,
		bus:             deps.Bus,
		log:             log.With(zap.String("vault", cfg.Name)),
		clock:           clock,
		rates:           engine,
		book:            orderbook.New(j),
		params:          state.NewCell(j, cfg.Params.Clone()),
		positions:       state.NewTable(j, func(common.Address) Position { return Position{Collateral: new(big.Int), NormalDebt: new(big.Int)} }),
		cash:            state.NewTable(j, zero),
		totalNormalDebt: state.NewCell(j, new(big.Int)),
		totalCollateral: state.NewCell(j, new(big.Int)),
		badDebt:         state.NewCell(j, new(big.Int)),
		frozen:          state.NewCell(j, false),
		frozenSince:     state.NewCell[int64](j, 0),
		paused:          state.NewCell(j, false),
		unwound:         state.NewCell(j, false),
		shares:          state.NewTable(j, zero),
		totalShares:     state.NewCell(j, new(big.Int)),
		epochs:          state.NewTable(j, func(uint64) Epoch { return newEpoch() }),
		queued:          state.NewTable(j, func(queueKey) *big.Int { return new(big.Int) }),
		openEpochs:      state.NewTable[uint64, bool](j, nil),
		pendingWithheld: state.NewCell(j, new(big.Int)),
	}, nil
}

func (v *Vault) Name() string { return v.cfg.Name }
func (v *Vault) Asset() string { return v.cfg.Asset }
func (v *Vault) Address() common.Address { return v.cfg.Address }
func (v *Vault) Config() Config { return v.cfg }
func (v *Vault) Params() Params { return v.params.Get().Clone() }
func (v *Vault) Rates() *rates.Engine { return v.rates }
func (v *Vault) Book() *orderbook.Book { return v.book }
func (v *Vault) Token() token.Token { return v.token }

func (v *Vault) now() int64 { return v.clock().Unix() }

type call struct {
	now   int64
	price *big.Int
}

func (v *Vault) live() error {
	switch {
	case v.unwound.Get():
		return ErrUnwound
	case v.paused.Get():
		return ErrPaused
	case v.frozen.Get():
		return ErrEmergencyMode
	}
	return nil
}

// execute runs fn as one unit after the liveness checks. When a price is
// needed it must be valid, and a vault found below its global liquidation
// ratio enters emergency mode before the call fails.
func (v *Vault) execute(needPrice bool, fn func(c call) error) error {
	c := call{now: v.now()}
	if err := v.live(); err != nil {
		return err
	}
	if needPrice {
		price, err := oracle.Require(v.oracle, v.cfg.Asset)
		if err != nil {
			return err
		}
		c.price = price
		if v.belowGlobalRatio(v.projectedTotalDebt(c.now), price) {
			v.enterEmergency(c.now)
			return ErrEmergencyMode
		}
	}
	return v.j.Atomic(func() error { return fn(c) })
}

func (v *Vault) creditLine() *big.Int {
	return v.ledger.CreditLine(v.cfg.Address)
}

func (v *Vault) refresh(now int64) rates.Global {
	return v.rates.Refresh(now, v.totalNormalDebt.Get(), v.creditLine())
}

func (v *Vault) projectedTotalDebt(now int64) *big.Int {
	g := v.rates.Project(now, v.totalNormalDebt.Get(), v.creditLine())
	return rates.TotalDebt(g, v.totalNormalDebt.Get())
}

func (v *Vault) belowGlobalRatio(totalDebt, price *big.Int) bool {
	if totalDebt.Sign() <= 0 {
		return false
	}
	value := wad.Mul(v.totalCollateral.Get(), price)
	return wad.Div(value, totalDebt).Cmp(v.params.Get().GlobalLiquidationRatio) < 0
}

func (v *Vault) enterEmergency(now int64) {
	if v.frozen.Get() {
		return
	}
	v.frozen.Set(true)
	v.frozenSince.Set(now)
	v.log.Warn("vault entered emergency mode", zap.Int64("frozen_since", now))
	v.bus.Emit(events.KindEmergency, v.cfg.Name, "frozen_since", formatInt(now))
}

// checkAfter is the emergency check run at the end of a successful call.
func (v *Vault) checkAfter(c call) {
	if c.price == nil {
		return
	}
	g := v.rates.Global()
	if v.belowGlobalRatio(rates.TotalDebt(g, v.totalNormalDebt.Get()), c.price) {
		v.enterEmergency(c.now)
	}
}

// CheckEmergency is a permissionless trigger: it freezes the vault when the
// global collateral ratio is below the threshold and reports the frozen flag.
func (v *Vault) CheckEmergency() (bool, error) {
	if v.frozen.Get() || v.unwound.Get() {
		return v.frozen.Get(), nil
	}
	price, ok := oracle.Read(v.oracle, v.cfg.Asset)
	if !ok {
		return false, nil
	}
	now := v.now()
	if v.belowGlobalRatio(v.projectedTotalDebt(now), price) {
		err := v.j.Atomic(func() error {
			v.refresh(now)
			v.enterEmergency(now)
			return nil
		})
		return err == nil, err
	}
	return false, nil
}

func (v *Vault) Frozen() (bool, int64) {
	return v.frozen.Get(), v.frozenSince.Get()
}

func (v *Vault) Paused() bool { return v.paused.Get() }
func (v *Vault) Unwound() bool { return v.unwound.Get() }

func (v *Vault) SetPaused(caller common.Address, paused bool) error {
	if err := policy.Require(v.roles, caller, policy.ActionPause); err != nil {
		return err
	}
	return v.j.Atomic(func() error {
		v.paused.Set(paused)
		v.bus.Emit(events.KindPauseChanged, v.cfg.Name, "paused", formatBool(paused))
		return nil
	})
}

// Deposit pulls collateral tokens from caller into to's cash balance.
func (v *Vault) Deposit(caller, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return v.execute(false, func(call) error {
		v.cash.Set(to, wad.Add(v.cash.Get(to), amount))
		if err := v.token.Transfer(caller, v.cfg.Address, amount); err != nil {
			return err
		}
		v.bus.Emit(events.KindCollateralDeposit, v.cfg.Name, "to", to.Hex(), "amount", wad.Format(amount))
		return nil
	})
}

// Withdraw sends collateral tokens out of from's cash balance. It works in
// every vault state so owners can always recover unlocked collateral.
func (v *Vault) Withdraw(caller, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !v.ledger.HasPermission(from, caller) {
		return ErrNoPermission
	}
	return v.j.Atomic(func() error {
		balance := v.cash.Get(from)
		if balance.Cmp(amount) < 0 {
			return ErrInsufficientCash
		}
		v.cash.Set(from, wad.Sub(balance, amount))
		if err := v.token.Transfer(v.cfg.Address, to, amount); err != nil {
			return err
		}
		v.bus.Emit(events.KindCollateralWithdraw, v.cfg.Name, "from", from.Hex(), "to", to.Hex(), "amount", wad.Format(amount))
		return nil
	})
}

func (v *Vault) Cash(owner common.Address) *big.Int {
	return wad.Clone(v.cash.Get(owner))
}

func (v *Vault) Position(owner common.Address) Position {
	return v.positions.Get(owner).Clone()
}

// Owners lists every position owner in address order.
func (v *Vault) Owners() []common.Address {
	owners := v.positions.Keys()
	sortAddresses(owners)
	return owners
}

func (v *Vault) TotalCollateral() *big.Int { return wad.Clone(v.totalCollateral.Get()) }
func (v *Vault) TotalNormalDebt() *big.Int { return wad.Clone(v.totalNormalDebt.Get()) }
func (v *Vault) BadDebt() *big.Int { return wad.Clone(v.badDebt.Get()) }

// ClaimFees pays accrued protocol fees to the fee recipient.
func (v *Vault) ClaimFees(caller common.Address) (*big.Int, error) {
	if err := policy.Require(v.roles, caller, policy.ActionSetParameter); err != nil {
		return nil, err
	}
	var fees *big.Int
	err := v.execute(false, func(c call) error {
		v.refresh(c.now)
		fees = v.rates.TakeFees()
		if fees.Sign() == 0 {
			return nil
		}
		if err := v.ledger.Move(v.cfg.Address, v.cfg.FeeRecipient, fees); err != nil {
			return err
		}
		v.bus.Emit(events.KindFeesClaimed, v.cfg.Name, "to", v.cfg.FeeRecipient.Hex(), "amount", wad.Format(fees))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fees, nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
}
