package rates

import (
	"math/big"

	"creditvault/internal/state"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

// Engine keeps one vault's accrual state in journaled storage.
type Engine struct {
	params    *state.Cell[Params]
	global    *state.Cell[Global]
	positions *state.Table[common.Address, Position]
}

func NewEngine(j *state.Journal, params Params, baseRate *big.Int, now int64) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if !ValidBaseRate(baseRate) {
		return nil, ErrInvalidParams
	}
	return &Engine{
		params:    state.NewCell(j, params),
		global:    state.NewCell(j, NewGlobal(baseRate, now)),
		positions: state.NewTable(j, func(common.Address) Position { return NewPosition() }),
	}, nil
}

func (e *Engine) Params() Params { return e.params.Get() }

func (e *Engine) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.params.Set(p)
	return nil
}

func (e *Engine) Global() Global { return e.global.Get().Clone() }

func (e *Engine) Position(owner common.Address) Position {
	return e.positions.Get(owner).Clone()
}

// Project returns the global state as it would be at now without storing it.
func (e *Engine) Project(now int64, totalNormalDebt, creditLine *big.Int) Global {
	g := e.global.Get()
	p := e.params.Get()
	return Accrue(g, e.rate(g, p, totalNormalDebt, creditLine), p.ProtocolFee, totalNormalDebt, now)
}

// CurrentRate is the per-second factor that applies to the next accrual.
func (e *Engine) CurrentRate(totalNormalDebt, creditLine *big.Int) *big.Int {
	return e.rate(e.global.Get(), e.params.Get(), totalNormalDebt, creditLine)
}

func (e *Engine) rate(g Global, p Params, totalNormalDebt, creditLine *big.Int) *big.Int {
	u := Utilization(TotalDebt(g, totalNormalDebt), creditLine, g.AccruedFees, p.MaxUtilization)
	return Rate(p, g.BaseRate, u)
}

// Refresh accrues the global state up to now and stores it.
func (e *Engine) Refresh(now int64, totalNormalDebt, creditLine *big.Int) Global {
	next := e.Project(now, totalNormalDebt, creditLine)
	e.global.Set(next)
	return next.Clone()
}

// ProjectPosition returns owner's accrual state against g without storing it.
func (e *Engine) ProjectPosition(owner common.Address, g Global, normalDebt *big.Int) Position {
	return AccruePosition(e.positions.Get(owner), g, normalDebt)
}

// RefreshPosition accrues owner's rebate against the stored global state.
func (e *Engine) RefreshPosition(owner common.Address, normalDebt *big.Int) Position {
	next := AccruePosition(e.positions.Get(owner), e.global.Get(), normalDebt)
	e.positions.Set(owner, next)
	return next.Clone()
}

// SetBaseRate replaces the base rate. Callers refresh first so elapsed time
// accrues at the old rate.
func (e *Engine) SetBaseRate(rate *big.Int) error {
	if !ValidBaseRate(rate) {
		return ErrInvalidParams
	}
	g := e.global.Get().Clone()
	g.BaseRate = wad.Clone(rate)
	e.global.Set(g)
	return nil
}

// ChangeNormalDebt records a position's normal debt moving from before to
// after. On a reduction the proportional share of the accrued rebate is
// released and returned. The position must be refreshed first.
func (e *Engine) ChangeNormalDebt(owner common.Address, before, after *big.Int) *big.Int {
	p := e.positions.Get(owner).Clone()
	g := e.global.Get().Clone()
	claimed := wad.Zero()
	if after.Cmp(before) < 0 {
		claimed = ClaimedRebate(p.AccruedRebate, wad.Sub(before, after), before)
		p.AccruedRebate = wad.Sub(p.AccruedRebate, claimed)
		g.GlobalAccruedRebate = wad.PositivePart(wad.Sub(g.GlobalAccruedRebate, claimed))
	}
	g.AverageRebate = wad.PositivePart(wad.Add(g.AverageRebate,
		wad.Sub(wad.Mul(after, p.RebateFactor), wad.Mul(before, p.RebateFactor))))
	e.positions.Set(owner, p)
	e.global.Set(g)
	return claimed
}

// SetRebateFactor changes the factor applied to owner's future accrual.
func (e *Engine) SetRebateFactor(owner common.Address, normalDebt, factor *big.Int) {
	p := e.positions.Get(owner).Clone()
	g := e.global.Get().Clone()
	g.AverageRebate = wad.PositivePart(wad.Add(g.AverageRebate,
		wad.Sub(wad.Mul(normalDebt, factor), wad.Mul(normalDebt, p.RebateFactor))))
	p.RebateFactor = wad.Clone(factor)
	e.positions.Set(owner, p)
	e.global.Set(g)
}

// TakeFees zeroes the accrued protocol fees and returns them.
func (e *Engine) TakeFees() *big.Int {
	g := e.global.Get().Clone()
	fees := g.AccruedFees
	g.AccruedFees = wad.Zero()
	e.global.Set(g)
	return fees
}

// FixAccumulator snapshots the accumulator at now for a vault leaving service.
func (e *Engine) FixAccumulator(now int64, totalNormalDebt, creditLine *big.Int) *big.Int {
	return e.Refresh(now, totalNormalDebt, creditLine).RateAccumulator
}
