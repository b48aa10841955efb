// Package rates implements per-vault interest accrual: a compounding rate
// accumulator, rebates for positions resting redemption orders, and a
// utilization-derived rate curve.
//
// The functions on Global and Position are pure; Engine stores their results
// in journaled state.
package rates

import (
	"math/big"

	"creditvault/internal/errs"
	"creditvault/internal/wad"
)

// TickScale is the fixed-point scale of price ticks: 10_000 is 1.0x spot.
const TickScale = 10_000

var ErrInvalidParams = errs.New(errs.KindInput, "rates: invalid parameters")

// Params shape the rate curve. Rates are per-second growth factors in WAD,
// so 1e18 means no interest. Utilizations and fractions are WAD in [0, 1].
type Params struct {
	// MinRate applies at zero utilization.
	MinRate *big.Int
	// TargetRate applies at TargetUtilization.
	TargetRate *big.Int
	// MaxRate applies at and above MaxUtilization.
	MaxRate           *big.Int
	TargetUtilization *big.Int
	MaxUtilization    *big.Int
	// MaxRebate is the rebate factor granted at a 1.0x tick.
	MaxRebate *big.Int
	// ProtocolFee is the share of net interest kept as protocol fees.
	ProtocolFee *big.Int
}

func (p Params) Validate() error {
	one := wad.One()
	for _, v := range []*big.Int{p.MinRate, p.TargetRate, p.MaxRate, p.TargetUtilization, p.MaxUtilization, p.MaxRebate, p.ProtocolFee} {
		if v == nil || v.Sign() < 0 {
			return ErrInvalidParams
		}
	}
	if p.MinRate.Cmp(one) < 0 || p.TargetRate.Cmp(p.MinRate) < 0 || p.MaxRate.Cmp(p.TargetRate) < 0 {
		return ErrInvalidParams
	}
	if p.TargetUtilization.Sign() == 0 || p.TargetUtilization.Cmp(p.MaxUtilization) >= 0 || p.MaxUtilization.Cmp(one) > 0 {
		return ErrInvalidParams
	}
	if p.MaxRebate.Cmp(one) > 0 || p.ProtocolFee.Cmp(one) > 0 {
		return ErrInvalidParams
	}
	return nil
}

// ValidBaseRate accepts the dynamic sentinel (any negative value) or a
// non-decreasing per-second factor.
func ValidBaseRate(rate *big.Int) bool {
	return rate != nil && (rate.Sign() < 0 || rate.Cmp(wad.One()) >= 0)
}

// Global is the vault-wide accrual state.
type Global struct {
	BaseRate        *big.Int
	LastUpdated     int64
	RateAccumulator *big.Int
	// AverageRebate is sum(normalDebt_i * rebateFactor_i) over positions.
	AverageRebate       *big.Int
	GlobalAccruedRebate *big.Int
	AccruedFees         *big.Int
}

func NewGlobal(baseRate *big.Int, now int64) Global {
	return Global{
		BaseRate:            wad.Clone(baseRate),
		LastUpdated:         now,
		RateAccumulator:     wad.One(),
		AverageRebate:       wad.Zero(),
		GlobalAccruedRebate: wad.Zero(),
		AccruedFees:         wad.Zero(),
	}
}

func (g Global) Clone() Global {
	return Global{
		BaseRate:            wad.Clone(g.BaseRate),
		LastUpdated:         g.LastUpdated,
		RateAccumulator:     wad.Clone(g.RateAccumulator),
		AverageRebate:       wad.Clone(g.AverageRebate),
		GlobalAccruedRebate: wad.Clone(g.GlobalAccruedRebate),
		AccruedFees:         wad.Clone(g.AccruedFees),
	}
}

// Position is the per-position accrual state.
type Position struct {
	SnapshotRateAccumulator *big.Int
	RebateFactor            *big.Int
	AccruedRebate           *big.Int
}

func NewPosition() Position {
	return Position{SnapshotRateAccumulator: wad.One(), RebateFactor: wad.Zero(), AccruedRebate: wad.Zero()}
}

func (p Position) Clone() Position {
	return Position{
		SnapshotRateAccumulator: wad.Clone(p.SnapshotRateAccumulator),
		RebateFactor:            wad.Clone(p.RebateFactor),
		AccruedRebate:           wad.Clone(p.AccruedRebate),
	}
}

// Utilization is debt / (debt + creditLine - accruedFees), clamped to
// maxUtilization. An exhausted denominator counts as fully utilized.
func Utilization(debt, creditLine, accruedFees, maxUtilization *big.Int) *big.Int {
	return wad.Min(RawUtilization(debt, creditLine, accruedFees), maxUtilization)
}

// RawUtilization is Utilization without the clamp.
func RawUtilization(debt, creditLine, accruedFees *big.Int) *big.Int {
	if debt == nil || debt.Sign() <= 0 {
		return wad.Zero()
	}
	denominator := wad.Sub(wad.Add(debt, creditLine), accruedFees)
	if denominator.Sign() <= 0 {
		return wad.One()
	}
	return wad.Div(debt, denominator)
}

// Rate returns the per-second factor in force. A non-negative base rate is
// used as is; a negative one selects the utilization curve.
func Rate(p Params, baseRate, utilization *big.Int) *big.Int {
	if baseRate != nil && baseRate.Sign() >= 0 {
		return wad.Clone(baseRate)
	}
	u := wad.Min(utilization, p.MaxUtilization)
	if u.Cmp(p.TargetUtilization) <= 0 {
		span := wad.Sub(p.TargetRate, p.MinRate)
		return wad.Add(p.MinRate, wad.MulDiv(span, u, p.TargetUtilization))
	}
	span := wad.Sub(p.MaxRate, p.TargetRate)
	over := wad.Sub(u, p.TargetUtilization)
	width := wad.Sub(p.MaxUtilization, p.TargetUtilization)
	return wad.Add(p.TargetRate, wad.MulDiv(span, over, width))
}

// Accrue advances g to now at the given per-second rate. totalNormalDebt is
// used to book the protocol fee share of the interest earned.
func Accrue(g Global, rate *big.Int, protocolFee *big.Int, totalNormalDebt *big.Int, now int64) Global {
	next := g.Clone()
	if now <= g.LastUpdated {
		return next
	}
	elapsed := uint64(now - g.LastUpdated)
	next.RateAccumulator = wad.Mul(g.RateAccumulator, wad.Pow(rate, elapsed))
	growth := wad.Sub(next.RateAccumulator, g.RateAccumulator)
	rebate := wad.Mul(g.AverageRebate, growth)
	next.GlobalAccruedRebate = wad.Add(g.GlobalAccruedRebate, rebate)
	interest := wad.PositivePart(wad.Sub(wad.Mul(totalNormalDebt, growth), rebate))
	next.AccruedFees = wad.Add(g.AccruedFees, wad.Mul(interest, protocolFee))
	next.LastUpdated = now
	return next
}

// AccruePosition brings a position's rebate up to the global accumulator.
func AccruePosition(p Position, g Global, normalDebt *big.Int) Position {
	next := p.Clone()
	growth := wad.Sub(g.RateAccumulator, p.SnapshotRateAccumulator)
	if growth.Sign() > 0 && normalDebt.Sign() > 0 && p.RebateFactor.Sign() > 0 {
		next.AccruedRebate = wad.Add(p.AccruedRebate, wad.Mul(wad.Mul(normalDebt, growth), p.RebateFactor))
	}
	next.SnapshotRateAccumulator = wad.Clone(g.RateAccumulator)
	return next
}

// Debt converts normal debt to debt: normalDebt*accumulator - rebate.
func Debt(normalDebt, rateAccumulator, accruedRebate *big.Int) *big.Int {
	return wad.PositivePart(wad.Sub(wad.Mul(normalDebt, rateAccumulator), accruedRebate))
}

// NormalDebt inverts Debt, rounding up so truncation never under-collects.
func NormalDebt(debt, rateAccumulator, accruedRebate *big.Int) *big.Int {
	return wad.DivUp(wad.Add(debt, accruedRebate), rateAccumulator)
}

// TotalDebt is the vault-wide debt implied by the global state.
func TotalDebt(g Global, totalNormalDebt *big.Int) *big.Int {
	return Debt(totalNormalDebt, g.RateAccumulator, g.GlobalAccruedRebate)
}

// RebateFactor is the factor granted for resting an order at tick. Deeper
// discounts (lower ticks) earn more: maxRebate * TickScale / tick.
func RebateFactor(maxRebate *big.Int, tick uint64) *big.Int {
	if tick == 0 {
		return wad.Zero()
	}
	return wad.MulDiv(maxRebate, big.NewInt(TickScale), new(big.Int).SetUint64(tick))
}

// ClaimedRebate is the share of accruedRebate released when repaid of
// normalDebt is paid back.
func ClaimedRebate(accruedRebate, repaid, normalDebt *big.Int) *big.Int {
	if normalDebt.Sign() <= 0 || repaid.Sign() <= 0 {
		return wad.Zero()
	}
	if repaid.Cmp(normalDebt) >= 0 {
		return wad.Clone(accruedRebate)
	}
	return wad.MulDiv(accruedRebate, repaid, normalDebt)
}
