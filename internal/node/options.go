package node

import (
	"fmt"

	"creditvault/internal/config"
	"creditvault/internal/metrics"
	"creditvault/internal/permit"
	"creditvault/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ProtocolOptions turns a validated config into the options of a System.
func ProtocolOptions(cfg *config.Config, m *metrics.Metrics, log *zap.Logger) (protocol.Options, error) {
	admins := make([]common.Address, 0, len(cfg.Ledger.Admins))
	for _, raw := range cfg.Ledger.Admins {
		addr, err := config.ParseAddress(raw)
		if err != nil {
			return protocol.Options{}, fmt.Errorf("ledger.admins: %w", err)
		}
		admins = append(admins, addr)
	}
	global, err := config.ParseAmount(cfg.Ledger.GlobalDebtCeiling)
	if err != nil {
		return protocol.Options{}, fmt.Errorf("ledger.global_debt_ceiling: %w", err)
	}
	bufferAddr, err := config.ParseAddress(cfg.Buffer.Address)
	if err != nil {
		return protocol.Options{}, fmt.Errorf("buffer.address: %w", err)
	}
	bufferCeiling, err := config.ParseAmount(cfg.Buffer.DebtCeiling)
	if err != nil {
		return protocol.Options{}, fmt.Errorf("buffer.debt_ceiling: %w", err)
	}
	domain := permit.DefaultDomain()
	domain.ChainID = cfg.Ledger.ChainID

	specs := make([]protocol.VaultSpec, 0, len(cfg.Vaults))
	for i := range cfg.Vaults {
		vc := &cfg.Vaults[i]
		vcfg, ucfg, err := vc.Build()
		if err != nil {
			return protocol.Options{}, fmt.Errorf("vault %s: %w", vc.Name, err)
		}
		ceiling, err := vc.Ceiling()
		if err != nil {
			return protocol.Options{}, fmt.Errorf("vault %s: %w", vc.Name, err)
		}
		specs = append(specs, protocol.VaultSpec{Config: vcfg, Unwind: ucfg, DebtCeiling: ceiling})
	}
	return protocol.Options{
		Admins:            admins,
		GlobalDebtCeiling: global,
		BufferAddress:     bufferAddr,
		BufferCeiling:     bufferCeiling,
		Vaults:            specs,
		Domain:            domain,
		OracleMaxAge:      cfg.Oracle.MaxAge,
		Genesis:           cfg.Ledger.Genesis,
		Metrics:           m,
		Log:               log,
	}, nil
}

// assets lists each collateral asset once, in config order.
func assets(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range cfg.Vaults {
		if !seen[v.Asset] {
			seen[v.Asset] = true
			out = append(out, v.Asset)
		}
	}
	return out
}
