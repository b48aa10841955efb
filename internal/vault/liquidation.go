package vault

import (
	"math/big"

	"creditvault/internal/events"
	"creditvault/internal/rates"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Liquidation reports what happened to one position.
type Liquidation struct {
	Owner          common.Address
	Repaid         *big.Int
	DebtReduced    *big.Int
	Penalty        *big.Int
	CollateralSold *big.Int
	BadDebt        *big.Int
	BailedOut      *big.Int
}

// liquidationDenominator is T*penalty - 1/(discount*LR).
func liquidationDenominator(p Params) *big.Int {
	l := p.Liquidation
	return wad.Sub(wad.Mul(l.TargetHealthFactor, l.Penalty), wad.Div(wad.One(), wad.Mul(l.Discount, p.LiquidationRatio)))
}

// MaxDebtToRecover is the repayment that brings a position back to the
// target health factor:
//
//	(T*debt - collateral*spot/LR) / (T*penalty - 1/(discount*LR))
func MaxDebtToRecover(p Params, collateral, debt, spot *big.Int) *big.Int {
	numerator := wad.Sub(wad.Mul(p.Liquidation.TargetHealthFactor, debt), wad.Div(wad.Mul(collateral, spot), p.LiquidationRatio))
	if numerator.Sign() <= 0 {
		return wad.Zero()
	}
	return wad.Div(numerator, liquidationDenominator(p))
}

// LiquidatePositions liquidates each owner's unsafe position with the
// matching repay offer from the caller. Seized collateral is credited to the
// caller's cash balance. The batch is atomic.
func (v *Vault) LiquidatePositions(caller common.Address, owners []common.Address, repayAmounts []*big.Int) ([]Liquidation, error) {
	if len(owners) != len(repayAmounts) {
		return nil, ErrArgLengthMismatch
	}
	for _, amount := range repayAmounts {
		if amount == nil || amount.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
	}
	var results []Liquidation
	err := v.execute(true, func(c call) error {
		g := v.refresh(c.now)
		for i, owner := range owners {
			res, err := v.liquidate(c, g, caller, owner, repayAmounts[i])
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		v.checkAfter(c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (v *Vault) liquidate(c call, g rates.Global, liquidator, owner common.Address, offered *big.Int) (Liquidation, error) {
	params := v.params.Get()
	disc := params.Liquidation.Discount
	pen := params.Liquidation.Penalty

	pos := v.positions.Get(owner)
	rp := v.rates.RefreshPosition(owner, pos.NormalDebt)
	debt := rates.Debt(pos.NormalDebt, g.RateAccumulator, rp.AccruedRebate)
	if debt.Sign() == 0 || isSafe(pos.Collateral, debt, c.price, params.LiquidationRatio) {
		return Liquidation{}, ErrNotUnsafe
	}

	discounted := wad.Mul(c.price, disc)
	res := Liquidation{Owner: owner, BadDebt: wad.Zero(), BailedOut: wad.Zero()}
	fullRepay := wad.DivUp(debt, pen)
	repay := wad.Min(offered, MaxDebtToRecover(params, pos.Collateral, debt, c.price))
	recovered := wad.Mul(repay, pen)
	if recovered.Cmp(debt) >= 0 {
		repay, recovered = wad.Min(repay, fullRepay), wad.Clone(debt)
	} else if residual := wad.Sub(debt, recovered); residual.Cmp(params.DebtFloor) < 0 {
		// never leave dust: clear fully when the offer allows, otherwise
		// leave exactly the floor
		if offered.Cmp(fullRepay) >= 0 {
			repay, recovered = fullRepay, wad.Clone(debt)
		} else {
			recovered = wad.Sub(debt, params.DebtFloor)
			repay = wad.DivUp(recovered, pen)
		}
	}
	if repay.Sign() <= 0 || repay.Cmp(offered) > 0 {
		return Liquidation{}, ErrLiquidationNoOffer
	}
	taken := wad.Div(repay, discounted)
	reduced := recovered

	if taken.Cmp(pos.Collateral) >= 0 {
		// collateral exhausted: sell all of it and write off the rest
		taken = wad.Clone(pos.Collateral)
		repay = wad.Min(wad.Mul(taken, discounted), offered)
		recovered = wad.Min(wad.Mul(repay, pen), debt)
		res.BadDebt = wad.Sub(debt, recovered)
		reduced = wad.Clone(debt)
	}

	next := v.reduceDebt(owner, pos, debt, reduced)
	next.Collateral = wad.Sub(pos.Collateral, taken)
	v.positions.Set(owner, next)
	v.totalCollateral.Set(wad.Sub(v.totalCollateral.Get(), taken))
	v.cash.Set(liquidator, wad.Add(v.cash.Get(liquidator), taken))

	penalty := wad.Sub(repay, recovered)
	if err := v.ledger.Move(liquidator, v.cfg.Address, recovered); err != nil {
		return Liquidation{}, err
	}
	if penalty.Sign() > 0 {
		to := v.cfg.Address
		if v.buffer != nil {
			to = v.buffer.Address()
		}
		if err := v.ledger.Move(liquidator, to, penalty); err != nil {
			return Liquidation{}, err
		}
	}

	newDebt := rates.Debt(next.NormalDebt, g.RateAccumulator, v.rates.Position(owner).AccruedRebate)
	v.dropOrderBelowFloor(owner, next.NormalDebt, newDebt)

	res.Repaid = repay
	res.DebtReduced = recovered
	res.Penalty = penalty
	res.CollateralSold = taken

	if res.BadDebt.Sign() > 0 {
		v.badDebt.Set(wad.Add(v.badDebt.Get(), res.BadDebt))
		v.log.Warn("liquidation left bad debt",
			zap.String("owner", owner.Hex()),
			zap.Stringer("bad_debt", res.BadDebt),
		)
		v.bus.Emit(events.KindBadDebt, v.cfg.Name, "owner", owner.Hex(), "amount", wad.Format(res.BadDebt))
		if v.buffer != nil {
			paid, err := v.buffer.BailOut(v.cfg.Address, res.BadDebt)
			if err != nil {
				return Liquidation{}, err
			}
			res.BailedOut = paid
		}
	}

	v.log.Info("position liquidated",
		zap.String("owner", owner.Hex()),
		zap.String("liquidator", liquidator.Hex()),
		zap.Stringer("repaid", repay),
		zap.Stringer("collateral", taken),
	)
	v.bus.Emit(events.KindLiquidation, v.cfg.Name,
		"owner", owner.Hex(),
		"liquidator", liquidator.Hex(),
		"repaid", wad.Format(repay),
		"collateral", wad.Format(taken),
		"penalty", wad.Format(penalty),
	)
	return res, nil
}
