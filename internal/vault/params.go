package vault

import (
	"math/big"

	"creditvault/internal/events"
	"creditvault/internal/policy"
	"creditvault/internal/rates"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Parameter names accepted by SetParameter.
const (
	ParamDebtFloor              = "debt_floor"
	ParamLiquidationRatio       = "liquidation_ratio"
	ParamGlobalLiquidationRatio = "global_liquidation_ratio"
	ParamLimitOrderFloor        = "limit_order_floor"
	ParamLiquidationPenalty     = "liquidation_penalty"
	ParamLiquidationDiscount    = "liquidation_discount"
	ParamTargetHealthFactor     = "target_health_factor"
	ParamBaseRate               = "base_rate"
	ParamMinRate                = "min_rate"
	ParamTargetRate             = "target_rate"
	ParamMaxRate                = "max_rate"
	ParamTargetUtilization      = "target_utilization"
	ParamMaxUtilization         = "max_utilization"
	ParamMaxRebate              = "max_rebate"
	ParamProtocolFee            = "protocol_fee"
)

// SetParameter changes one risk or rate parameter. Interest accrues up to
// now under the old value before the change applies.
func (v *Vault) SetParameter(caller common.Address, name string, value *big.Int) error {
	if err := policy.Require(v.roles, caller, policy.ActionSetParameter); err != nil {
		return err
	}
	if value == nil {
		return ErrInvalidAmount
	}
	if v.unwound.Get() {
		return ErrUnwound
	}
	return v.j.Atomic(func() error {
		v.refresh(v.now())
		if err := v.applyParameter(name, wad.Clone(value)); err != nil {
			return err
		}
		v.log.Info("parameter changed", zap.String("name", name), zap.Stringer("value", value))
		v.bus.Emit(events.KindParameterChanged, v.cfg.Name, "name", name, "value", wad.Format(value))
		return nil
	})
}

func (v *Vault) applyParameter(name string, value *big.Int) error {
	if name == ParamBaseRate {
		return v.rates.SetBaseRate(value)
	}
	if rp, ok := rateParameter(v.rates.Params(), name, value); ok {
		return v.rates.SetParams(rp)
	}
	p := v.params.Get().Clone()
	switch name {
	case ParamDebtFloor:
		p.DebtFloor = value
	case ParamLiquidationRatio:
		p.LiquidationRatio = value
	case ParamGlobalLiquidationRatio:
		p.GlobalLiquidationRatio = value
	case ParamLimitOrderFloor:
		p.LimitOrderFloor = value
	case ParamLiquidationPenalty:
		p.Liquidation.Penalty = value
	case ParamLiquidationDiscount:
		p.Liquidation.Discount = value
	case ParamTargetHealthFactor:
		p.Liquidation.TargetHealthFactor = value
	default:
		return ErrUnknownParameter
	}
	if err := p.Validate(); err != nil {
		return err
	}
	v.params.Set(p)
	return nil
}

func rateParameter(p rates.Params, name string, value *big.Int) (rates.Params, bool) {
	switch name {
	case ParamMinRate:
		p.MinRate = value
	case ParamTargetRate:
		p.TargetRate = value
	case ParamMaxRate:
		p.MaxRate = value
	case ParamTargetUtilization:
		p.TargetUtilization = value
	case ParamMaxUtilization:
		p.MaxUtilization = value
	case ParamMaxRebate:
		p.MaxRebate = value
	case ParamProtocolFee:
		p.ProtocolFee = value
	default:
		return p, false
	}
	return p, true
}
