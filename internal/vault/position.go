package vault

import (
	"math/big"

	"creditvault/internal/events"
	"creditvault/internal/oracle"
	"creditvault/internal/orderbook"
	"creditvault/internal/rates"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ModifyCollateralAndDebt changes owner's position by deltaCollateral and
// deltaNormalDebt. Collateral moves between the position and
// collateralizer's cash balance; borrowed credit goes to creditor and
// repayments are taken from creditor.
func (v *Vault) ModifyCollateralAndDebt(caller, owner, collateralizer, creditor common.Address, deltaCollateral, deltaNormalDebt *big.Int) error {
	if deltaCollateral == nil || deltaNormalDebt == nil {
		return ErrInvalidAmount
	}
	riskIncrease := deltaNormalDebt.Sign() > 0 || deltaCollateral.Sign() < 0
	if riskIncrease && !v.ledger.HasPermission(owner, caller) {
		return ErrNoPermission
	}
	if deltaCollateral.Sign() > 0 && !v.ledger.HasPermission(collateralizer, caller) {
		return ErrNoPermission
	}
	if deltaNormalDebt.Sign() < 0 && !v.ledger.HasPermission(creditor, caller) {
		return ErrNoPermission
	}
	return v.execute(true, func(c call) error {
		return v.modify(c, owner, collateralizer, creditor, deltaCollateral, deltaNormalDebt, riskIncrease)
	})
}

func (v *Vault) modify(c call, owner, collateralizer, creditor common.Address, deltaCollateral, deltaNormalDebt *big.Int, riskIncrease bool) error {
	params := v.params.Get()
	g := v.refresh(c.now)
	pos := v.positions.Get(owner)
	rp := v.rates.RefreshPosition(owner, pos.NormalDebt)
	debtBefore := rates.Debt(pos.NormalDebt, g.RateAccumulator, rp.AccruedRebate)

	next := Position{
		Collateral: wad.Add(pos.Collateral, deltaCollateral),
		NormalDebt: wad.Add(pos.NormalDebt, deltaNormalDebt),
	}
	if next.Collateral.Sign() < 0 || next.NormalDebt.Sign() < 0 {
		return ErrInvalidAmount
	}

	switch deltaCollateral.Sign() {
	case 1:
		balance := v.cash.Get(collateralizer)
		if balance.Cmp(deltaCollateral) < 0 {
			return ErrInsufficientCash
		}
		v.cash.Set(collateralizer, wad.Sub(balance, deltaCollateral))
	case -1:
		v.cash.Set(collateralizer, wad.Sub(v.cash.Get(collateralizer), deltaCollateral))
	}

	v.rates.ChangeNormalDebt(owner, pos.NormalDebt, next.NormalDebt)
	rpAfter := v.rates.Position(owner)
	debtAfter := rates.Debt(next.NormalDebt, g.RateAccumulator, rpAfter.AccruedRebate)

	if next.NormalDebt.Sign() != 0 && debtAfter.Cmp(params.DebtFloor) < 0 {
		return ErrDebtFloor
	}
	if riskIncrease && !isSafe(next.Collateral, debtAfter, c.price, params.LiquidationRatio) {
		return ErrNotSafe
	}

	v.positions.Set(owner, next)
	v.totalCollateral.Set(wad.Add(v.totalCollateral.Get(), deltaCollateral))
	v.totalNormalDebt.Set(wad.Add(v.totalNormalDebt.Get(), deltaNormalDebt))

	switch debtAfter.Cmp(debtBefore) {
	case 1:
		if err := v.ledger.Move(v.cfg.Address, creditor, wad.Sub(debtAfter, debtBefore)); err != nil {
			return err
		}
	case -1:
		if err := v.ledger.Move(creditor, v.cfg.Address, wad.Sub(debtBefore, debtAfter)); err != nil {
			return err
		}
	}

	if deltaNormalDebt.Sign() > 0 {
		g = v.rates.Global()
		totalDebt := rates.TotalDebt(g, v.totalNormalDebt.Get())
		u := rates.RawUtilization(totalDebt, v.creditLine(), g.AccruedFees)
		if u.Cmp(v.rates.Params().MaxUtilization) > 0 {
			return ErrMaxUtilization
		}
	}

	v.dropOrderBelowFloor(owner, next.NormalDebt, debtAfter)
	v.checkAfter(c)

	v.log.Debug("position modified",
		zap.String("owner", owner.Hex()),
		zap.Stringer("collateral", next.Collateral),
		zap.Stringer("normal_debt", next.NormalDebt),
		zap.Stringer("debt", debtAfter),
	)
	v.bus.Emit(events.KindModifyPosition, v.cfg.Name,
		"owner", owner.Hex(),
		"delta_collateral", wad.Format(deltaCollateral),
		"delta_normal_debt", wad.Format(deltaNormalDebt),
		"debt", wad.Format(debtAfter),
	)
	return nil
}

// isSafe reports collateral*price/liquidationRatio >= debt.
func isSafe(collateral, debt, price, liquidationRatio *big.Int) bool {
	if debt.Sign() == 0 {
		return true
	}
	return wad.Div(wad.Mul(collateral, price), liquidationRatio).Cmp(debt) >= 0
}

// dropOrderBelowFloor removes owner's resting order once its debt no longer
// meets the limit order floor.
func (v *Vault) dropOrderBelowFloor(owner common.Address, normalDebt, debt *big.Int) {
	if _, ok := v.book.Order(owner); !ok {
		return
	}
	if normalDebt.Sign() > 0 && debt.Cmp(v.params.Get().LimitOrderFloor) >= 0 {
		return
	}
	v.removeOrder(owner, normalDebt)
}

func (v *Vault) removeOrder(owner common.Address, normalDebt *big.Int) {
	tick, err := v.book.Remove(owner)
	if err != nil {
		return
	}
	v.rates.SetRebateFactor(owner, normalDebt, wad.Zero())
	v.bus.Emit(events.KindLimitOrder, v.cfg.Name, "owner", owner.Hex(), "tick", formatUint(tick), "action", "removed")
}

// CreateLimitOrder rests owner's position as a redemption order at tick,
// a multiplier on spot in units of 1e-4.
func (v *Vault) CreateLimitOrder(caller, owner common.Address, tick uint64) error {
	if !v.ledger.HasPermission(owner, caller) {
		return ErrNoPermission
	}
	if !orderbook.ValidTick(tick) {
		return orderbook.ErrInvalidTick
	}
	return v.execute(false, func(c call) error {
		g := v.refresh(c.now)
		pos := v.positions.Get(owner)
		rp := v.rates.RefreshPosition(owner, pos.NormalDebt)
		debt := rates.Debt(pos.NormalDebt, g.RateAccumulator, rp.AccruedRebate)
		if pos.NormalDebt.Sign() == 0 || debt.Cmp(v.params.Get().LimitOrderFloor) < 0 {
			return ErrLimitOrderFloor
		}
		if err := v.book.Add(owner, tick); err != nil {
			return err
		}
		factor := rates.RebateFactor(v.rates.Params().MaxRebate, tick)
		v.rates.SetRebateFactor(owner, pos.NormalDebt, factor)
		v.bus.Emit(events.KindLimitOrder, v.cfg.Name,
			"owner", owner.Hex(), "tick", formatUint(tick), "action", "created", "rebate_factor", wad.Format(factor))
		return nil
	})
}

func (v *Vault) CancelLimitOrder(caller, owner common.Address) error {
	if !v.ledger.HasPermission(owner, caller) {
		return ErrNoPermission
	}
	if v.paused.Get() || v.unwound.Get() {
		return v.live()
	}
	return v.j.Atomic(func() error {
		if _, ok := v.book.Order(owner); !ok {
			return orderbook.ErrNoOrder
		}
		v.refresh(v.now())
		pos := v.positions.Get(owner)
		v.rates.RefreshPosition(owner, pos.NormalDebt)
		v.removeOrder(owner, pos.NormalDebt)
		return nil
	})
}

// PositionView is a read-only projection of a position at the current time.
type PositionView struct {
	Owner         common.Address
	Collateral    *big.Int
	NormalDebt    *big.Int
	Debt          *big.Int
	AccruedRebate *big.Int
	RebateFactor  *big.Int
	Cash          *big.Int
	// HealthFactor is collateral value / liquidation ratio / debt; nil
	// without debt or a valid price.
	HealthFactor *big.Int
	Safe         bool
	PriceValid   bool
	OrderTick    uint64
}

func (v *Vault) ViewPosition(owner common.Address) PositionView {
	now := v.now()
	pos := v.positions.Get(owner)
	g := v.rates.Project(now, v.totalNormalDebt.Get(), v.creditLine())
	rp := v.rates.ProjectPosition(owner, g, pos.NormalDebt)
	debt := rates.Debt(pos.NormalDebt, g.RateAccumulator, rp.AccruedRebate)
	view := PositionView{
		Owner:         owner,
		Collateral:    wad.Clone(pos.Collateral),
		NormalDebt:    wad.Clone(pos.NormalDebt),
		Debt:          debt,
		AccruedRebate: rp.AccruedRebate,
		RebateFactor:  rp.RebateFactor,
		Cash:          v.Cash(owner),
		Safe:          debt.Sign() == 0,
	}
	view.OrderTick, _ = v.book.Order(owner)
	price, ok := oracle.Read(v.oracle, v.cfg.Asset)
	if !ok {
		return view
	}
	view.PriceValid = true
	lr := v.params.Get().LiquidationRatio
	view.Safe = isSafe(pos.Collateral, debt, price, lr)
	if debt.Sign() > 0 {
		view.HealthFactor = wad.Div(wad.Div(wad.Mul(pos.Collateral, price), lr), debt)
	}
	return view
}

// UnsafeOwners lists positions that can be liquidated at the current price.
func (v *Vault) UnsafeOwners() []common.Address {
	price, ok := oracle.Read(v.oracle, v.cfg.Asset)
	if !ok {
		return nil
	}
	now := v.now()
	g := v.rates.Project(now, v.totalNormalDebt.Get(), v.creditLine())
	lr := v.params.Get().LiquidationRatio
	var out []common.Address
	for _, owner := range v.Owners() {
		pos := v.positions.Get(owner)
		if pos.NormalDebt.Sign() == 0 {
			continue
		}
		rp := v.rates.ProjectPosition(owner, g, pos.NormalDebt)
		if !isSafe(pos.Collateral, rates.Debt(pos.NormalDebt, g.RateAccumulator, rp.AccruedRebate), price, lr) {
			out = append(out, owner)
		}
	}
	return out
}
