package vault

import (
	"math/big"

	"creditvault/internal/events"
	"creditvault/internal/orderbook"
	"creditvault/internal/rates"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Fill is one maker settled by an exchange.
type Fill struct {
	Maker      common.Address
	Tick       uint64
	Credit     *big.Int
	Collateral *big.Int
}

// tickPrice is spot * tick / TickScale.
func tickPrice(spot *big.Int, tick uint64) *big.Int {
	return wad.MulDiv(spot, new(big.Int).SetUint64(tick), big.NewInt(rates.TickScale))
}

// Exchange redeems credit for collateral against resting orders up to
// upperTick. The taker (caller) pays exactly credit and receives the
// collateral into its cash balance. Either all of credit is matched or the
// call fails with ErrNotEnoughExchanged.
func (v *Vault) Exchange(caller common.Address, upperTick uint64, credit *big.Int) ([]Fill, error) {
	if credit == nil || credit.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !orderbook.ValidTick(upperTick) {
		return nil, orderbook.ErrInvalidTick
	}
	var fills []Fill
	err := v.execute(true, func(c call) error {
		var err error
		fills, err = v.exchange(c, caller, upperTick, credit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fills, nil
}

func (v *Vault) exchange(c call, taker common.Address, upperTick uint64, credit *big.Int) ([]Fill, error) {
	params := v.params.Get()
	g := v.refresh(c.now)
	remaining := wad.Clone(credit)
	received := wad.Zero()
	var fills []Fill

	for _, entry := range v.book.Orders(upperTick) {
		if remaining.Sign() == 0 {
			break
		}
		maker := entry.Owner
		pos := v.positions.Get(maker)
		rp := v.rates.RefreshPosition(maker, pos.NormalDebt)
		debt := rates.Debt(pos.NormalDebt, g.RateAccumulator, rp.AccruedRebate)
		if pos.NormalDebt.Sign() == 0 || debt.Sign() == 0 {
			v.removeOrder(maker, pos.NormalDebt)
			continue
		}
		if !isSafe(pos.Collateral, debt, c.price, params.LiquidationRatio) {
			continue
		}
		rate := tickPrice(c.price, entry.Tick)
		settle := wad.Min(wad.Min(debt, wad.Mul(pos.Collateral, rate)), remaining)
		if residual := wad.Sub(debt, settle); residual.Sign() > 0 && residual.Cmp(params.DebtFloor) < 0 {
			settle = wad.Sub(debt, params.DebtFloor)
		}
		if settle.Sign() <= 0 {
			continue
		}
		collateralOut := wad.Min(wad.Div(settle, rate), pos.Collateral)

		next := v.reduceDebt(maker, pos, debt, settle)
		next.Collateral = wad.Sub(next.Collateral, collateralOut)
		v.positions.Set(maker, next)
		v.totalCollateral.Set(wad.Sub(v.totalCollateral.Get(), collateralOut))
		v.cash.Set(taker, wad.Add(v.cash.Get(taker), collateralOut))

		newDebt := rates.Debt(next.NormalDebt, g.RateAccumulator, v.rates.Position(maker).AccruedRebate)
		v.dropOrderBelowFloor(maker, next.NormalDebt, newDebt)

		remaining = wad.Sub(remaining, settle)
		received = wad.Add(received, settle)
		fills = append(fills, Fill{Maker: maker, Tick: entry.Tick, Credit: settle, Collateral: collateralOut})
	}

	if remaining.Sign() > 0 {
		return nil, ErrNotEnoughExchanged
	}
	if err := v.ledger.Move(taker, v.cfg.Address, received); err != nil {
		return nil, err
	}
	v.checkAfter(c)

	for _, f := range fills {
		v.bus.Emit(events.KindExchange, v.cfg.Name,
			"taker", taker.Hex(),
			"maker", f.Maker.Hex(),
			"tick", formatUint(f.Tick),
			"credit", wad.Format(f.Credit),
			"collateral", wad.Format(f.Collateral),
		)
	}
	v.log.Debug("exchange filled",
		zap.String("taker", taker.Hex()),
		zap.Int("makers", len(fills)),
		zap.Stringer("credit", credit),
	)
	return fills, nil
}

// reduceDebt removes settle of debt from a refreshed position, taking the
// proportional share of normal debt (rounded down, so residual rounding
// stays with the position) and releasing the matching share of rebate.
func (v *Vault) reduceDebt(owner common.Address, pos Position, debt, settle *big.Int) Position {
	deltaNormal := wad.Clone(pos.NormalDebt)
	if settle.Cmp(debt) < 0 {
		deltaNormal = wad.MulDiv(pos.NormalDebt, settle, debt)
	}
	next := Position{
		Collateral: wad.Clone(pos.Collateral),
		NormalDebt: wad.Sub(pos.NormalDebt, deltaNormal),
	}
	v.rates.ChangeNormalDebt(owner, pos.NormalDebt, next.NormalDebt)
	v.totalNormalDebt.Set(wad.Sub(v.totalNormalDebt.Get(), deltaNormal))
	return next
}
