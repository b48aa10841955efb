package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"creditvault/internal/rates"
	"creditvault/internal/unwind"
	"creditvault/internal/vault"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

// VaultConfig describes one collateral vault. Fixed-point values are decimal
// strings; rates are per-second growth factors ("1.000000001547125957").
type VaultConfig struct {
	Name         string `yaml:"name"`
	Asset        string `yaml:"asset"`
	Address      string `yaml:"address"`
	Escrow       string `yaml:"escrow"`
	FeeRecipient string `yaml:"fee_recipient"`
	// DebtCeiling is the vault's own borrowing limit on the ledger.
	DebtCeiling string `yaml:"debt_ceiling"`

	DebtFloor              string `yaml:"debt_floor"`
	LiquidationRatio       string `yaml:"liquidation_ratio"`
	GlobalLiquidationRatio string `yaml:"global_liquidation_ratio"`
	LimitOrderFloor        string `yaml:"limit_order_floor"`

	Liquidation LiquidationConfig `yaml:"liquidation"`
	Rates       RatesConfig       `yaml:"rates"`
	Delegation  DelegationConfig  `yaml:"delegation"`
	Unwind      UnwindConfig      `yaml:"unwind"`
}

type LiquidationConfig struct {
	Penalty            string `yaml:"penalty"`
	Discount           string `yaml:"discount"`
	TargetHealthFactor string `yaml:"target_health_factor"`
}

type RatesConfig struct {
	// BaseRate below zero selects the utilization curve.
	BaseRate          string `yaml:"base_rate"`
	MinRate           string `yaml:"min_rate"`
	TargetRate        string `yaml:"target_rate"`
	MaxRate           string `yaml:"max_rate"`
	TargetUtilization string `yaml:"target_utilization"`
	MaxUtilization    string `yaml:"max_utilization"`
	MaxRebate         string `yaml:"max_rebate"`
	ProtocolFee       string `yaml:"protocol_fee"`
}

type DelegationConfig struct {
	Genesis       int64         `yaml:"genesis"`
	EpochDuration time.Duration `yaml:"epoch_duration"`
	FixDelay      uint64        `yaml:"fix_delay"`
	FixTimeout    uint64        `yaml:"fix_timeout"`
	MinDelegation string        `yaml:"min_delegation"`
}

type UnwindConfig struct {
	Grace             time.Duration `yaml:"grace"`
	AuctionStart      time.Duration `yaml:"auction_start"`
	AuctionEnd        time.Duration `yaml:"auction_end"`
	AuctionDuration   time.Duration `yaml:"auction_duration"`
	AuctionDebtFloor  string        `yaml:"auction_debt_floor"`
	AuctionMultiplier string        `yaml:"auction_multiplier"`
}

func (v *VaultConfig) applyDefaults() {
	if v.DebtCeiling == "" {
		v.DebtCeiling = "0"
	}
	if v.LimitOrderFloor == "" {
		v.LimitOrderFloor = v.DebtFloor
	}
	if v.Rates.BaseRate == "" {
		v.Rates.BaseRate = "-1"
	}
	if v.Rates.MinRate == "" {
		v.Rates.MinRate = "1"
	}
	if v.Rates.TargetRate == "" {
		v.Rates.TargetRate = v.Rates.MinRate
	}
	if v.Rates.MaxRate == "" {
		v.Rates.MaxRate = v.Rates.TargetRate
	}
	if v.Rates.TargetUtilization == "" {
		v.Rates.TargetUtilization = "0.8"
	}
	if v.Rates.MaxUtilization == "" {
		v.Rates.MaxUtilization = "0.95"
	}
	if v.Rates.MaxRebate == "" {
		v.Rates.MaxRebate = "0"
	}
	if v.Rates.ProtocolFee == "" {
		v.Rates.ProtocolFee = "0"
	}
	d := vault.DefaultDelegation(v.Delegation.Genesis)
	if v.Delegation.EpochDuration == 0 {
		v.Delegation.EpochDuration = time.Duration(d.EpochDuration) * time.Second
	}
	if v.Delegation.FixDelay == 0 {
		v.Delegation.FixDelay = d.FixDelay
	}
	if v.Delegation.FixTimeout == 0 {
		v.Delegation.FixTimeout = d.FixTimeout
	}
	if v.Delegation.MinDelegation == "" {
		v.Delegation.MinDelegation = wad.Format(d.MinDelegation)
	}
	u := unwind.DefaultConfig()
	if v.Unwind.Grace == 0 {
		v.Unwind.Grace = time.Duration(u.Grace) * time.Second
	}
	if v.Unwind.AuctionStart == 0 {
		v.Unwind.AuctionStart = time.Duration(u.AuctionStart) * time.Second
	}
	if v.Unwind.AuctionEnd == 0 {
		v.Unwind.AuctionEnd = time.Duration(u.AuctionEnd) * time.Second
	}
	if v.Unwind.AuctionDuration == 0 {
		v.Unwind.AuctionDuration = time.Duration(u.AuctionDuration) * time.Second
	}
	if v.Unwind.AuctionDebtFloor == "" {
		v.Unwind.AuctionDebtFloor = wad.Format(u.AuctionDebtFloor)
	}
	if v.Unwind.AuctionMultiplier == "" {
		v.Unwind.AuctionMultiplier = wad.Format(u.AuctionMultiplier)
	}
}

// Build converts the file representation into engine configuration.
func (v VaultConfig) Build() (vault.Config, unwind.Config, error) {
	p := &parser{}
	cfg := vault.Config{
		Name:         strings.TrimSpace(v.Name),
		Asset:        strings.TrimSpace(v.Asset),
		Address:      p.address("address", v.Address),
		Escrow:       p.address("escrow", v.Escrow),
		FeeRecipient: p.address("fee_recipient", v.FeeRecipient),
		Params: vault.Params{
			DebtFloor:              p.amount("debt_floor", v.DebtFloor),
			LiquidationRatio:       p.amount("liquidation_ratio", v.LiquidationRatio),
			GlobalLiquidationRatio: p.amount("global_liquidation_ratio", v.GlobalLiquidationRatio),
			LimitOrderFloor:        p.amount("limit_order_floor", v.LimitOrderFloor),
			Liquidation: vault.LiquidationParams{
				Penalty:            p.amount("liquidation.penalty", v.Liquidation.Penalty),
				Discount:           p.amount("liquidation.discount", v.Liquidation.Discount),
				TargetHealthFactor: p.amount("liquidation.target_health_factor", v.Liquidation.TargetHealthFactor),
			},
		},
		Rates: rates.Params{
			MinRate:           p.amount("rates.min_rate", v.Rates.MinRate),
			TargetRate:        p.amount("rates.target_rate", v.Rates.TargetRate),
			MaxRate:           p.amount("rates.max_rate", v.Rates.MaxRate),
			TargetUtilization: p.amount("rates.target_utilization", v.Rates.TargetUtilization),
			MaxUtilization:    p.amount("rates.max_utilization", v.Rates.MaxUtilization),
			MaxRebate:         p.amount("rates.max_rebate", v.Rates.MaxRebate),
			ProtocolFee:       p.amount("rates.protocol_fee", v.Rates.ProtocolFee),
		},
		BaseRate: p.amount("rates.base_rate", v.Rates.BaseRate),
		Delegation: vault.DelegationParams{
			Genesis:       v.Delegation.Genesis,
			EpochDuration: int64(v.Delegation.EpochDuration / time.Second),
			FixDelay:      v.Delegation.FixDelay,
			FixTimeout:    v.Delegation.FixTimeout,
			MinDelegation: p.amount("delegation.min_delegation", v.Delegation.MinDelegation),
		},
	}
	u := unwind.Config{
		Grace:             int64(v.Unwind.Grace / time.Second),
		AuctionStart:      int64(v.Unwind.AuctionStart / time.Second),
		AuctionEnd:        int64(v.Unwind.AuctionEnd / time.Second),
		AuctionDuration:   int64(v.Unwind.AuctionDuration / time.Second),
		AuctionDebtFloor:  p.amount("unwind.auction_debt_floor", v.Unwind.AuctionDebtFloor),
		AuctionMultiplier: p.amount("unwind.auction_multiplier", v.Unwind.AuctionMultiplier),
	}
	p.amount("debt_ceiling", v.DebtCeiling)
	if p.err != nil {
		return vault.Config{}, unwind.Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return vault.Config{}, unwind.Config{}, err
	}
	if err := u.Validate(); err != nil {
		return vault.Config{}, unwind.Config{}, err
	}
	return cfg, u, nil
}

// Ceiling is the parsed vault debt ceiling.
func (v VaultConfig) Ceiling() (*big.Int, error) { return ParseAmount(v.DebtCeiling) }

// parser keeps the first conversion error so Build reads top to bottom.
type parser struct {
	err error
}

func (p *parser) address(field, s string) common.Address {
	addr, err := ParseAddress(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
	return addr
}

func (p *parser) amount(field, s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
	return v
}

// ParseAddress accepts a 0x-prefixed hex address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseAmount reads a decimal string into 1e18 fixed point.
func ParseAmount(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("value is required")
	}
	return wad.Parse(s)
}
