package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"creditvault/internal/buffer"
	"creditvault/internal/ledger"
	"creditvault/internal/oracle"
	"creditvault/internal/policy"
	"creditvault/internal/rates"
	"creditvault/internal/state"
	"creditvault/internal/token"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

const genesis = 1_700_000_000

var (
	admin    = common.HexToAddress("0xAD")
	vaultAt  = common.HexToAddress("0x5A")
	escrow   = common.HexToAddress("0xE5")
	feeTo    = common.HexToAddress("0xFE")
	bufferAt = common.HexToAddress("0xBF")
	treasury = common.HexToAddress("0x77")
	alice    = common.HexToAddress("0xA1")
	bob      = common.HexToAddress("0xB1")
	carol    = common.HexToAddress("0xC1")
	dave     = common.HexToAddress("0xD1")
)

type fixture struct {
	t      *testing.T
	j      *state.Journal
	now    int64
	roles  *policy.RoleBook
	ledger *ledger.Ledger
	token  *token.Book
	oracle *oracle.Static
	buffer *buffer.Buffer
	vault  *Vault
}

func testParams() Params {
	return Params{
		DebtFloor:              wad.FromInt(10),
		LiquidationRatio:       wad.MustParse("1.25"),
		GlobalLiquidationRatio: wad.MustParse("1.01"),
		LimitOrderFloor:        wad.FromInt(20),
		Liquidation: LiquidationParams{
			Penalty:            wad.MustParse("0.99"),
			Discount:           wad.MustParse("0.98"),
			TargetHealthFactor: wad.MustParse("1.05"),
		},
	}
}

func testRates() rates.Params {
	return rates.Params{
		MinRate:           wad.One(),
		TargetRate:        wad.One(),
		MaxRate:           wad.One(),
		TargetUtilization: wad.MustParse("0.5"),
		MaxUtilization:    wad.MustParse("0.95"),
		MaxRebate:         wad.Zero(),
		ProtocolFee:       wad.Zero(),
	}
}

// newFixture builds a vault with zero interest whose credit line is the
// given debt ceiling plus whatever is delegated.
func newFixture(t *testing.T, vaultCeiling int64, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{t: t, j: state.NewJournal(), now: genesis}
	clock := func() time.Time { return time.Unix(f.now, 0) }
	f.roles = policy.NewRoleBook(f.j, admin)
	f.ledger = ledger.New(f.j, ledger.Options{Roles: f.roles, Clock: clock})
	f.token = token.NewBook(f.j, "ETH", f.roles)
	f.oracle = &oracle.Static{Prices: map[string]*big.Int{"ETH": wad.One()}}
	f.buffer = buffer.New(bufferAt, f.ledger, f.roles, nil, nil)

	must(t, f.ledger.SetGlobalDebtCeiling(admin, wad.FromInt(1_000_000)))
	must(t, f.ledger.SetDebtCeiling(admin, vaultAt, wad.FromInt(vaultCeiling)))
	must(t, f.ledger.SetDebtCeiling(admin, treasury, wad.FromInt(100_000)))
	must(t, f.ledger.SetDebtCeiling(admin, bufferAt, wad.FromInt(1_000)))
	must(t, f.roles.Grant(admin, vaultAt, policy.ActionBailOut))

	cfg := Config{
		Name:         "eth-a",
		Asset:        "ETH",
		Address:      vaultAt,
		Escrow:       escrow,
		FeeRecipient: feeTo,
		Params:       testParams(),
		Rates:        testRates(),
		BaseRate:     wad.One(),
		Delegation:   DefaultDelegation(genesis),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := New(f.j, cfg, Deps{
		Ledger: f.ledger,
		Token:  f.token,
		Oracle: f.oracle,
		Buffer: f.buffer,
		Roles:  f.roles,
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	f.vault = v
	return f
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (f *fixture) setPrice(p string) { f.oracle.Prices["ETH"] = wad.MustParse(p) }

func (f *fixture) fund(to common.Address, amount int64) {
	f.t.Helper()
	must(f.t, f.ledger.Move(treasury, to, wad.FromInt(amount)))
}

// open deposits collateral for owner and borrows debt to owner.
func (f *fixture) open(owner common.Address, collateral, debt string) {
	f.t.Helper()
	c := wad.MustParse(collateral)
	must(f.t, f.token.Mint(admin, owner, c))
	must(f.t, f.vault.Deposit(owner, owner, c))
	must(f.t, f.vault.ModifyCollateralAndDebt(owner, owner, owner, owner, c, wad.MustParse(debt)))
}

func (f *fixture) debt(owner common.Address) *big.Int {
	return f.vault.ViewPosition(owner).Debt
}

func (f *fixture) advance(d time.Duration) { f.now += int64(d / time.Second) }

func TestNewRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t, 0, nil)
	cfg := f.vault.Config()
	cfg.Escrow = cfg.Address
	if _, err := New(f.j, cfg, Deps{Ledger: f.ledger, Token: f.token}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg = f.vault.Config()
	cfg.Params.Liquidation.TargetHealthFactor = wad.One()
	cfg.Params.Liquidation.Penalty = wad.MustParse("0.5")
	if _, err := New(f.j, cfg, Deps{Ledger: f.ledger, Token: f.token}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for non-positive liquidation denominator, got %v", err)
	}
}

// observedToken calls seen before each transfer reaches the token book.
type observedToken struct {
	token.Token
	seen func()
}

func (o *observedToken) Transfer(from, to common.Address, amount *big.Int) error {
	o.seen()
	return o.Token.Transfer(from, to, amount)
}

func TestCollateralMovesAfterVaultState(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	calls := 0
	var check func()
	f.vault.token = &observedToken{Token: f.token, seen: func() { calls++; check() }}

	must(t, f.token.Mint(admin, alice, wad.FromInt(110)))
	check = func() {
		if got := f.vault.Cash(alice); got.Cmp(wad.FromInt(110)) != 0 {
			t.Fatalf("deposit: cash %s when tokens moved", wad.Format(got))
		}
	}
	must(t, f.vault.Deposit(alice, alice, wad.FromInt(110)))
	check = func() {
		if got := f.vault.Cash(alice); got.Cmp(wad.FromInt(100)) != 0 {
			t.Fatalf("withdraw: cash %s when tokens moved", wad.Format(got))
		}
	}
	must(t, f.vault.Withdraw(alice, alice, alice, wad.FromInt(10)))

	must(t, f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(100), wad.FromInt(50)))
	f.setPrice("0.5")
	frozen, err := f.vault.CheckEmergency()
	must(t, err)
	if !frozen {
		t.Fatalf("expected vault frozen")
	}
	f.advance(time.Hour)
	check = func() {
		if !f.vault.Unwound() {
			t.Fatalf("handover: tokens moved before the vault left service")
		}
	}
	_, err = f.vault.HandOver(admin, common.HexToAddress("0x0FF"), 3600)
	must(t, err)
	if calls != 3 {
		t.Fatalf("expected 3 token transfers, got %d", calls)
	}
}

func TestDepositWithdrawCash(t *testing.T) {
	f := newFixture(t, 0, nil)
	must(t, f.token.Mint(admin, alice, wad.FromInt(5)))
	must(t, f.vault.Deposit(alice, alice, wad.FromInt(5)))
	if got := f.vault.Cash(alice); got.Cmp(wad.FromInt(5)) != 0 {
		t.Fatalf("cash %s", wad.Format(got))
	}
	if err := f.vault.Withdraw(bob, alice, bob, wad.One()); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission, got %v", err)
	}
	if err := f.vault.Withdraw(alice, alice, alice, wad.FromInt(6)); !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("expected ErrInsufficientCash, got %v", err)
	}
	must(t, f.vault.Withdraw(alice, alice, bob, wad.FromInt(2)))
	if got := f.token.BalanceOf(bob); got.Cmp(wad.FromInt(2)) != 0 {
		t.Fatalf("bob tokens %s", wad.Format(got))
	}
}

func TestPauseBlocksStateChanges(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	if err := f.vault.SetPaused(alice, true); !errors.Is(err, policy.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	must(t, f.vault.SetPaused(admin, true))
	must(t, f.token.Mint(admin, alice, wad.One()))
	if err := f.vault.Deposit(alice, alice, wad.One()); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	must(t, f.vault.SetPaused(admin, false))
	must(t, f.vault.Deposit(alice, alice, wad.One()))
}

func TestSetParameter(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	if err := f.vault.SetParameter(alice, ParamDebtFloor, wad.One()); !errors.Is(err, policy.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	must(t, f.vault.SetParameter(admin, ParamDebtFloor, wad.FromInt(50)))
	if got := f.vault.Params().DebtFloor; got.Cmp(wad.FromInt(50)) != 0 {
		t.Fatalf("debt floor %s", wad.Format(got))
	}
	if err := f.vault.SetParameter(admin, "nope", wad.One()); !errors.Is(err, ErrUnknownParameter) {
		t.Fatalf("expected ErrUnknownParameter, got %v", err)
	}
	if err := f.vault.SetParameter(admin, ParamLiquidationRatio, wad.MustParse("0.5")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if err := f.vault.SetParameter(admin, ParamBaseRate, wad.MustParse("0.5")); !errors.Is(err, rates.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	must(t, f.vault.SetParameter(admin, ParamMaxRebate, wad.MustParse("0.1")))
	if got := f.vault.Rates().Params().MaxRebate; got.Cmp(wad.MustParse("0.1")) != 0 {
		t.Fatalf("max rebate %s", wad.Format(got))
	}
}

func TestClaimFees(t *testing.T) {
	f := newFixture(t, 1_000, func(c *Config) {
		c.BaseRate = new(big.Int).Add(wad.One(), big.NewInt(1_547_125_957))
		c.Rates.ProtocolFee = wad.MustParse("0.1")
	})
	f.open(alice, "200", "100")
	f.advance(365 * 24 * time.Hour)
	fees, err := f.vault.ClaimFees(admin)
	must(t, err)
	// about 5 of interest on 100, a tenth of it kept
	if fees.Cmp(wad.MustParse("0.49")) < 0 || fees.Cmp(wad.MustParse("0.51")) > 0 {
		t.Fatalf("fees %s", wad.Format(fees))
	}
	if got := f.ledger.Balance(feeTo); got.Cmp(fees) != 0 {
		t.Fatalf("fee recipient balance %s", wad.Format(got))
	}
}
