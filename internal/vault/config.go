package vault

import (
	"math/big"

	"creditvault/internal/errs"
	"creditvault/internal/rates"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidConfig = errs.New(errs.KindInput, "vault: invalid configuration")

// Params are the risk parameters of a vault. Ratios are WAD.
type Params struct {
	DebtFloor              *big.Int
	LiquidationRatio       *big.Int
	GlobalLiquidationRatio *big.Int
	LimitOrderFloor        *big.Int
	Liquidation            LiquidationParams
}

type LiquidationParams struct {
	// Penalty is the share of a liquidator's repayment that reduces debt;
	// the rest goes to the buffer.
	Penalty *big.Int
	// Discount is applied to spot when pricing seized collateral.
	Discount           *big.Int
	TargetHealthFactor *big.Int
}

// DelegationParams partition time into epochs counted from Genesis.
type DelegationParams struct {
	Genesis       int64
	EpochDuration int64
	FixDelay      uint64
	FixTimeout    uint64
	MinDelegation *big.Int
}

type Config struct {
	Name    string
	Asset   string
	Address common.Address
	// Escrow holds credit withheld for undelegation claims.
	Escrow       common.Address
	FeeRecipient common.Address
	Params       Params
	Rates        rates.Params
	BaseRate     *big.Int
	Delegation   DelegationParams
}

func (p Params) Clone() Params {
	return Params{
		DebtFloor:              wad.Clone(p.DebtFloor),
		LiquidationRatio:       wad.Clone(p.LiquidationRatio),
		GlobalLiquidationRatio: wad.Clone(p.GlobalLiquidationRatio),
		LimitOrderFloor:        wad.Clone(p.LimitOrderFloor),
		Liquidation: LiquidationParams{
			Penalty:            wad.Clone(p.Liquidation.Penalty),
			Discount:           wad.Clone(p.Liquidation.Discount),
			TargetHealthFactor: wad.Clone(p.Liquidation.TargetHealthFactor),
		},
	}
}

func (p Params) Validate() error {
	one := wad.One()
	if p.DebtFloor == nil || p.DebtFloor.Sign() < 0 || p.LimitOrderFloor == nil || p.LimitOrderFloor.Sign() < 0 {
		return ErrInvalidConfig
	}
	if p.LiquidationRatio == nil || p.LiquidationRatio.Cmp(one) < 0 {
		return ErrInvalidConfig
	}
	if p.GlobalLiquidationRatio == nil || p.GlobalLiquidationRatio.Sign() <= 0 {
		return ErrInvalidConfig
	}
	l := p.Liquidation
	if l.Penalty == nil || l.Penalty.Sign() <= 0 || l.Penalty.Cmp(one) > 0 {
		return ErrInvalidConfig
	}
	if l.Discount == nil || l.Discount.Sign() <= 0 || l.Discount.Cmp(one) > 0 {
		return ErrInvalidConfig
	}
	if l.TargetHealthFactor == nil || l.TargetHealthFactor.Cmp(one) < 0 {
		return ErrInvalidConfig
	}
	// the liquidation equation needs a positive denominator
	if liquidationDenominator(p).Sign() <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

func (d DelegationParams) Validate() error {
	if d.EpochDuration <= 0 || d.FixDelay == 0 || d.FixTimeout < d.FixDelay {
		return ErrInvalidConfig
	}
	if d.MinDelegation == nil || d.MinDelegation.Sign() < 0 {
		return ErrInvalidConfig
	}
	return nil
}

func (c Config) Validate() error {
	var zero common.Address
	if c.Name == "" || c.Asset == "" || c.Address == zero || c.Escrow == zero || c.Address == c.Escrow {
		return ErrInvalidConfig
	}
	if err := c.Params.Validate(); err != nil {
		return err
	}
	if err := c.Rates.Validate(); err != nil {
		return err
	}
	if !rates.ValidBaseRate(c.BaseRate) {
		return ErrInvalidConfig
	}
	return c.Delegation.Validate()
}

// DefaultDelegation uses three day epochs, claims fixable after one epoch
// and expiring after four.
func DefaultDelegation(genesis int64) DelegationParams {
	return DelegationParams{
		Genesis:       genesis,
		EpochDuration: 3 * 24 * 60 * 60,
		FixDelay:      1,
		FixTimeout:    4,
		MinDelegation: wad.FromInt(1),
	}
}
