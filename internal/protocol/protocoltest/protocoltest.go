// Package protocoltest builds small protocol systems for tests of the
// layers above it.
package protocoltest

import (
	"context"
	"testing"
	"time"

	"creditvault/internal/protocol"
	"creditvault/internal/rates"
	"creditvault/internal/unwind"
	"creditvault/internal/vault"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

const (
	Genesis = 1_700_000_000
	Vault   = "eth-a"
	Asset   = "ETH"
)

var (
	Admin    = common.HexToAddress("0xAD")
	VaultAt  = common.HexToAddress("0x5A")
	Escrow   = common.HexToAddress("0xE5")
	FeeTo    = common.HexToAddress("0xFE")
	BufferAt = common.HexToAddress("0xBF")
)

// Options describes one zero-interest ETH vault with a 10k debt ceiling.
func Options() protocol.Options {
	return protocol.Options{
		Admins:            []common.Address{Admin},
		GlobalDebtCeiling: wad.FromInt(1_000_000),
		BufferAddress:     BufferAt,
		BufferCeiling:     wad.FromInt(1_000),
		Genesis:           Genesis,
		Wall:              func() time.Time { return time.Unix(Genesis, 0) },
		Vaults: []protocol.VaultSpec{{
			Config: vault.Config{
				Name:         Vault,
				Asset:        Asset,
				Address:      VaultAt,
				Escrow:       Escrow,
				FeeRecipient: FeeTo,
				Params: vault.Params{
					DebtFloor:              wad.FromInt(10),
					LiquidationRatio:       wad.MustParse("1.25"),
					GlobalLiquidationRatio: wad.MustParse("1.01"),
					LimitOrderFloor:        wad.FromInt(20),
					Liquidation: vault.LiquidationParams{
						Penalty:            wad.MustParse("0.99"),
						Discount:           wad.MustParse("0.98"),
						TargetHealthFactor: wad.MustParse("1.05"),
					},
				},
				Rates: rates.Params{
					MinRate:           wad.One(),
					TargetRate:        wad.One(),
					MaxRate:           wad.One(),
					TargetUtilization: wad.MustParse("0.5"),
					MaxUtilization:    wad.MustParse("0.95"),
					MaxRebate:         wad.Zero(),
					ProtocolFee:       wad.Zero(),
				},
				BaseRate:   wad.One(),
				Delegation: vault.DefaultDelegation(Genesis),
			},
			Unwind:      unwind.DefaultConfig(),
			DebtCeiling: wad.FromInt(10_000),
		}},
	}
}

func New(t testing.TB) *protocol.System {
	t.Helper()
	s, err := protocol.New(Options())
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	return s
}

// Borrow prices ETH at 2 and opens a position for owner: mint, deposit,
// lock and draw debt.
func Borrow(t testing.TB, s *protocol.System, owner common.Address, collateral, debt string) {
	t.Helper()
	cmds := []protocol.Command{
		{Op: protocol.OpSetPrice, Caller: Admin, Asset: Asset, Amount: "2"},
		{Op: protocol.OpMintCollateral, Caller: Admin, Asset: Asset, To: owner, Amount: collateral},
		{Op: protocol.OpDeposit, Caller: owner, Vault: Vault, To: owner, Amount: collateral},
		{
			Op: protocol.OpModifyPosition, Caller: owner, Vault: Vault,
			Owner: owner, Collateralizer: owner, Creditor: owner,
			DeltaCollateral: collateral, DeltaNormalDebt: debt,
		},
	}
	for _, cmd := range cmds {
		if _, err := s.Apply(context.Background(), cmd); err != nil {
			t.Fatalf("%s: %v", cmd.Op, err)
		}
	}
}
