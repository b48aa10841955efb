package vault

import (
	"math/big"

	"creditvault/internal/oracle"
	"creditvault/internal/orderbook"
	"creditvault/internal/rates"
	"creditvault/internal/wad"
)

// Summary is a read-only projection of vault-wide state at the current time.
type Summary struct {
	Name            string
	Asset           string
	TotalCollateral *big.Int
	TotalNormalDebt *big.Int
	TotalDebt       *big.Int
	RateAccumulator *big.Int
	CurrentRate     *big.Int
	Utilization     *big.Int
	CreditLine      *big.Int
	AccruedFees     *big.Int
	BadDebt         *big.Int
	TotalShares     *big.Int
	NetAssetValue   *big.Int
	PendingWithheld *big.Int
	CurrentEpoch    uint64
	OpenEpochs      int
	Price           *big.Int
	PriceValid      bool
	Frozen          bool
	FrozenSince     int64
	Paused          bool
	Unwound         bool
	Orders          int
}

func (v *Vault) Summary() Summary {
	now := v.now()
	normal := v.totalNormalDebt.Get()
	creditLine := v.creditLine()
	g := v.rates.Project(now, normal, creditLine)
	totalDebt := rates.TotalDebt(g, normal)
	s := Summary{
		Name:            v.cfg.Name,
		Asset:           v.cfg.Asset,
		TotalCollateral: v.TotalCollateral(),
		TotalNormalDebt: wad.Clone(normal),
		TotalDebt:       totalDebt,
		RateAccumulator: g.RateAccumulator,
		CurrentRate:     v.rates.CurrentRate(normal, creditLine),
		Utilization:     rates.RawUtilization(totalDebt, creditLine, g.AccruedFees),
		CreditLine:      creditLine,
		AccruedFees:     g.AccruedFees,
		BadDebt:         v.BadDebt(),
		TotalShares:     v.TotalShares(),
		NetAssetValue:   v.nav(g),
		PendingWithheld: wad.Clone(v.pendingWithheld.Get()),
		CurrentEpoch:    v.EpochAt(now),
		OpenEpochs:      v.openEpochs.Len(),
		Frozen:          v.frozen.Get(),
		FrozenSince:     v.frozenSince.Get(),
		Paused:          v.paused.Get(),
		Unwound:         v.unwound.Get(),
		Orders:          v.book.Len(),
	}
	s.Price, s.PriceValid = oracle.Read(v.oracle, v.cfg.Asset)
	return s
}

// Depth lists resting orders by tick.
func (v *Vault) Depth() []orderbook.Level { return v.book.Depth() }
