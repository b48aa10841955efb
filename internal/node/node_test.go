package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"creditvault/internal/client"
	"creditvault/internal/config"
	"creditvault/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
)

const nodeYAML = `
log:
  level: error
metrics:
  enabled: false
api:
  addr: "127.0.0.1:0"
ledger:
  admins: ["0x00000000000000000000000000000000000000a1"]
  global_debt_ceiling: "1000000"
  genesis: 1700000000
buffer:
  address: "0x00000000000000000000000000000000000000b1"
  debt_ceiling: "1000"
vaults:
  - name: eth-a
    asset: ETH
    address: "0x00000000000000000000000000000000000000c1"
    escrow: "0x00000000000000000000000000000000000000c2"
    fee_recipient: "0x00000000000000000000000000000000000000c3"
    debt_ceiling: "10000"
    debt_floor: "10"
    liquidation_ratio: "1.25"
    global_liquidation_ratio: "1.01"
    liquidation:
      penalty: "0.99"
      discount: "0.98"
      target_health_factor: "1.05"
    rates:
      base_rate: "1"
`

var (
	nodeAdmin = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	borrower  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(nodeYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.State.SQLitePath = filepath.Join(dir, "state", "node.db")
	return cfg
}

type running struct {
	node   *Node
	client *client.Client
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		node:   n,
		client: client.New("http://"+n.APIAddr(), 5*time.Second, nil),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { r.done <- n.Run(ctx) }()
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("node did not stop")
	}
}

func TestNodeServesAndReplays(t *testing.T) {
	cfg := loadConfig(t)
	ctx := context.Background()

	first := start(t, cfg)
	cmds := []protocol.Command{
		{Op: protocol.OpSetPrice, Caller: nodeAdmin, Asset: "ETH", Amount: "2"},
		{Op: protocol.OpMintCollateral, Caller: nodeAdmin, Asset: "ETH", To: borrower, Amount: "100"},
		{Op: protocol.OpDeposit, Caller: borrower, Vault: "eth-a", To: borrower, Amount: "100"},
		{Op: protocol.OpModifyPosition, Caller: borrower, Vault: "eth-a", Owner: borrower, Collateralizer: borrower, Creditor: borrower, DeltaCollateral: "100", DeltaNormalDebt: "40"},
	}
	for _, cmd := range cmds {
		if _, err := first.client.Submit(ctx, cmd); err != nil {
			t.Fatalf("%s: %v", cmd.Op, err)
		}
	}
	// Rejected commands are logged too and must replay harmlessly.
	if _, err := first.client.Submit(ctx, protocol.Command{Op: protocol.OpSetPrice, Caller: borrower, Asset: "ETH", Amount: "9"}); err == nil {
		t.Fatalf("expected unauthorized price update to fail")
	}
	first.stop(t)

	second := start(t, cfg)
	defer second.stop(t)
	pos, err := second.client.Position(ctx, "eth-a", borrower)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Debt != "40" || pos.Collateral != "100" {
		t.Fatalf("state not rebuilt: %+v", pos)
	}
	ledger, err := second.client.Ledger(ctx)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if ledger.LastSeq != 5 || ledger.GlobalDebt != "40" {
		t.Fatalf("unexpected ledger %+v", ledger)
	}
}

func TestNodeRefusesChangedGenesis(t *testing.T) {
	cfg := loadConfig(t)
	first := start(t, cfg)
	first.stop(t)

	cfg.Ledger.ChainID = 5
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Run(context.Background()); !errors.Is(err, ErrMetaMismatch) {
		t.Fatalf("expected meta mismatch, got %v", err)
	}
}
