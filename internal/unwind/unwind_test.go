package unwind

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"creditvault/internal/ledger"
	"creditvault/internal/oracle"
	"creditvault/internal/policy"
	"creditvault/internal/rates"
	"creditvault/internal/state"
	"creditvault/internal/token"
	"creditvault/internal/vault"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

const start = 1_700_000_000

var (
	admin    = common.HexToAddress("0xAD")
	vaultAt  = common.HexToAddress("0x5A")
	escrow   = common.HexToAddress("0xE5")
	unwindAt = common.HexToAddress("0x0FF")
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
	ledger *ledger.Ledger
	token  *token.Book
	oracle *oracle.Static
	vault  *vault.Vault
	u      *Unwinder
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func testConfig() Config {
	return Config{
		Grace:             3600,
		AuctionStart:      24 * 3600,
		AuctionEnd:        72 * 3600,
		AuctionDuration:   12 * 3600,
		AuctionDebtFloor:  wad.FromInt(100),
		AuctionMultiplier: wad.MustParse("1.2"),
	}
}

// newFixture runs a vault with the given debt ceiling and delegation into
// emergency mode and hands it to an unwinder. alice owes 100 against 110
// collateral and bob 50 against 100.
func newFixture(t *testing.T, vaultCeiling, delegated int64) *fixture {
	t.Helper()
	f := &fixture{t: t, j: state.NewJournal(), now: start}
	clock := func() time.Time { return time.Unix(f.now, 0) }
	roles := policy.NewRoleBook(f.j, admin)
	f.ledger = ledger.New(f.j, ledger.Options{Roles: roles, Clock: clock})
	f.token = token.NewBook(f.j, "ETH", roles)
	f.oracle = &oracle.Static{Prices: map[string]*big.Int{"ETH": wad.FromInt(2)}}
	must(t, f.ledger.SetGlobalDebtCeiling(admin, wad.FromInt(1_000_000)))
	must(t, f.ledger.SetDebtCeiling(admin, vaultAt, wad.FromInt(vaultCeiling)))
	must(t, f.ledger.SetDebtCeiling(admin, treasury, wad.FromInt(100_000)))

	v, err := vault.New(f.j, vault.Config{
		Name:         "eth-a",
		Asset:        "ETH",
		Address:      vaultAt,
		Escrow:       escrow,
		FeeRecipient: admin,
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
		Delegation: vault.DefaultDelegation(start),
	}, vault.Deps{Ledger: f.ledger, Token: f.token, Oracle: f.oracle, Roles: roles, Clock: clock})
	must(t, err)
	f.vault = v

	if delegated > 0 {
		f.fund(carol, delegated)
		_, err := v.DelegateCredit(carol, wad.FromInt(delegated))
		must(t, err)
	}
	f.borrow(alice, 110, 100)
	f.borrow(bob, 100, 50)

	f.oracle.Prices["ETH"] = wad.MustParse("0.5")
	frozen, err := v.CheckEmergency()
	must(t, err)
	if !frozen {
		t.Fatalf("vault did not freeze")
	}
	f.now += 3600
	f.u, err = Create(f.j, v, admin, unwindAt, testConfig(), Deps{Ledger: f.ledger, Oracle: f.oracle, Clock: clock})
	must(t, err)
	return f
}

func (f *fixture) fund(to common.Address, amount int64) {
	f.t.Helper()
	must(f.t, f.ledger.Move(treasury, to, wad.FromInt(amount)))
}

func (f *fixture) borrow(owner common.Address, collateral, debt int64) {
	f.t.Helper()
	c := wad.FromInt(collateral)
	must(f.t, f.token.Mint(admin, owner, c))
	must(f.t, f.vault.Deposit(owner, owner, c))
	must(f.t, f.vault.ModifyCollateralAndDebt(owner, owner, owner, owner, c, wad.FromInt(debt)))
}

func (f *fixture) at(offset int64) { f.now = f.u.Handover().At + offset }

func TestCreateSnapshotsVault(t *testing.T) {
	f := newFixture(t, 0, 600)
	if _, err := Create(f.j, f.vault, admin, unwindAt, testConfig(), Deps{Ledger: f.ledger}); !errors.Is(err, vault.ErrUnwound) {
		t.Fatalf("expected ErrUnwound for a second unwinder, got %v", err)
	}
	st := f.u.Status()
	if st.Phase != PhaseBorrower || st.FixedTotalDebt.Cmp(wad.FromInt(150)) != 0 || st.Collateral.Cmp(wad.FromInt(210)) != 0 {
		t.Fatalf("status %+v", st)
	}
	if st.Credit.Cmp(wad.FromInt(450)) != 0 {
		t.Fatalf("credit %s", wad.Format(st.Credit))
	}
}

func TestBorrowerPhaseReleasesProportionalCollateral(t *testing.T) {
	f := newFixture(t, 0, 600)
	released, err := f.u.RepayDebt(alice, alice, alice, alice, wad.FromInt(50))
	must(t, err)
	if released.Cmp(wad.FromInt(55)) != 0 {
		t.Fatalf("released %s", wad.Format(released))
	}
	if got := f.ledger.Balance(alice); got.Cmp(wad.FromInt(50)) != 0 {
		t.Fatalf("alice credit %s", wad.Format(got))
	}
	if _, err := f.u.RepayDebt(bob, alice, bob, bob, wad.FromInt(10)); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission, got %v", err)
	}
	if _, err := f.u.RepayDebt(alice, alice, alice, alice, wad.FromInt(60)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	released, err = f.u.RepayDebt(alice, alice, alice, alice, wad.FromInt(50))
	must(t, err)
	if released.Cmp(wad.FromInt(55)) != 0 || f.token.BalanceOf(alice).Cmp(wad.FromInt(110)) != 0 {
		t.Fatalf("released %s, alice tokens %s", wad.Format(released), wad.Format(f.token.BalanceOf(alice)))
	}
	if got := f.u.RepaidNormalDebt(alice); got.Cmp(wad.FromInt(100)) != 0 {
		t.Fatalf("repaid %s", wad.Format(got))
	}
	st := f.u.Status()
	if st.TotalDebt.Cmp(wad.FromInt(50)) != 0 || st.Collateral.Cmp(wad.FromInt(100)) != 0 || st.Credit.Cmp(wad.FromInt(550)) != 0 {
		t.Fatalf("status %+v", st)
	}
}

func TestPhaseExclusivity(t *testing.T) {
	f := newFixture(t, 0, 600)
	if _, err := f.u.StartAuction(dave); !errors.Is(err, ErrNotWithinPeriod) {
		t.Fatalf("auction before start: %v", err)
	}
	if _, _, err := f.u.RedeemShares(carol, carol, carol, wad.One()); !errors.Is(err, ErrNotWithinPeriod) {
		t.Fatalf("redeem in borrower phase: %v", err)
	}
	f.at(testConfig().AuctionStart)
	if _, err := f.u.RepayDebt(alice, alice, alice, alice, wad.FromInt(50)); !errors.Is(err, ErrNotWithinPeriod) {
		t.Fatalf("repay after auction start: %v", err)
	}
	f.at(testConfig().AuctionEnd)
	if _, err := f.u.StartAuction(dave); !errors.Is(err, ErrNotWithinPeriod) {
		t.Fatalf("auction after end: %v", err)
	}
	if _, err := f.u.TakeCash(dave, dave, wad.One(), wad.FromInt(10)); !errors.Is(err, ErrNotWithinPeriod) {
		t.Fatalf("take after end: %v", err)
	}
}

func TestAuctionSale(t *testing.T) {
	f := newFixture(t, 0, 600)
	f.fund(dave, 200)
	f.at(testConfig().AuctionStart)
	if _, err := f.u.TakeCash(dave, dave, wad.One(), wad.One()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	a, err := f.u.StartAuction(dave)
	must(t, err)
	// spot 0.5 times 1.2
	if a.StartPrice.Cmp(wad.MustParse("0.6")) != 0 || a.Debt.Cmp(wad.FromInt(150)) != 0 || a.Cash.Cmp(wad.FromInt(210)) != 0 {
		t.Fatalf("auction %+v", a)
	}
	if _, err := f.u.StartAuction(dave); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if _, err := f.u.TakeCash(dave, dave, wad.FromInt(10), wad.MustParse("0.5")); !errors.Is(err, ErrTooExpensive) {
		t.Fatalf("expected ErrTooExpensive, got %v", err)
	}

	f.now += 6 * 3600
	if got := f.u.AuctionPrice(); got.Cmp(wad.MustParse("0.3")) != 0 {
		t.Fatalf("half-time price %s", wad.Format(got))
	}
	paid, err := f.u.TakeCash(dave, dave, wad.FromInt(10), wad.MustParse("0.3"))
	must(t, err)
	if paid.Cmp(wad.FromInt(3)) != 0 {
		t.Fatalf("paid %s", wad.Format(paid))
	}
	// 190 more would leave 147 - 57 = 90 of debt, under the floor of 100
	if _, err := f.u.TakeCash(dave, dave, wad.FromInt(190), wad.One()); !errors.Is(err, ErrNoPartialPurchase) {
		t.Fatalf("expected ErrNoPartialPurchase, got %v", err)
	}
	paid, err = f.u.TakeCash(dave, dave, wad.FromInt(500), wad.One())
	must(t, err)
	if paid.Cmp(wad.FromInt(60)) != 0 || f.token.BalanceOf(dave).Cmp(wad.FromInt(210)) != 0 {
		t.Fatalf("paid %s, dave tokens %s", wad.Format(paid), wad.Format(f.token.BalanceOf(dave)))
	}
	if _, err := f.u.TakeCash(dave, dave, wad.One(), wad.One()); !errors.Is(err, ErrNothingToSell) {
		t.Fatalf("expected ErrNothingToSell, got %v", err)
	}
	if got := f.u.Status().Credit; got.Cmp(wad.FromInt(513)) != 0 {
		t.Fatalf("credit collected %s", wad.Format(got))
	}
}

func TestRedoAuctionAfterExpiry(t *testing.T) {
	f := newFixture(t, 0, 600)
	f.at(testConfig().AuctionStart)
	if _, err := f.u.RedoAuction(dave); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	_, err := f.u.StartAuction(dave)
	must(t, err)
	if _, err := f.u.RedoAuction(dave); !errors.Is(err, ErrAuctionRunning) {
		t.Fatalf("expected ErrAuctionRunning, got %v", err)
	}
	f.now += testConfig().AuctionDuration
	if _, err := f.u.TakeCash(dave, dave, wad.One(), wad.One()); !errors.Is(err, ErrNeedsReset) {
		t.Fatalf("expected ErrNeedsReset, got %v", err)
	}
	f.oracle.Err = errors.New("feed down")
	a, err := f.u.RedoAuction(dave)
	must(t, err)
	// fallback reference is debt per unit of collateral: 150/210
	want := wad.Mul(wad.Div(wad.FromInt(150), wad.FromInt(210)), wad.MustParse("1.2"))
	if a.StartsAt != f.now || a.StartPrice.Cmp(want) != 0 {
		t.Fatalf("restarted auction %+v", a)
	}
}

func TestPriceDecay(t *testing.T) {
	a := Auction{StartsAt: 1_000, StartPrice: wad.FromInt(100)}
	if got := PriceAt(a, 100, 1_000); got.Cmp(wad.FromInt(100)) != 0 {
		t.Fatalf("price at start %s", wad.Format(got))
	}
	if got := PriceAt(a, 100, 1_100); got.Sign() != 0 {
		t.Fatalf("price at end %s", wad.Format(got))
	}
	if got := PriceAt(a, 100, 5_000); got.Sign() != 0 {
		t.Fatalf("price after end %s", wad.Format(got))
	}
	prev := PriceAt(a, 100, 1_000)
	for ts := int64(1_001); ts <= 1_100; ts++ {
		p := PriceAt(a, 100, ts)
		if p.Cmp(prev) > 0 {
			t.Fatalf("price rose at %d: %s > %s", ts, wad.Format(p), wad.Format(prev))
		}
		prev = p
	}
	if PriceAt(Auction{}, 100, 1_050).Sign() != 0 {
		t.Fatalf("unstarted auction should have no price")
	}
}

func TestDelegatorsRedeemProRata(t *testing.T) {
	f := newFixture(t, 0, 600)
	f.at(testConfig().AuctionEnd)
	credit, collateral, err := f.u.RedeemShares(carol, carol, carol, wad.FromInt(300))
	must(t, err)
	if credit.Cmp(wad.FromInt(225)) != 0 || collateral.Cmp(wad.FromInt(105)) != 0 {
		t.Fatalf("first half: credit %s collateral %s", wad.Format(credit), wad.Format(collateral))
	}
	if _, _, err := f.u.RedeemShares(carol, carol, carol, wad.FromInt(301)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if _, _, err := f.u.RedeemShares(dave, carol, dave, wad.FromInt(1)); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission, got %v", err)
	}
	credit, collateral, err = f.u.RedeemShares(carol, carol, carol, wad.FromInt(300))
	must(t, err)
	if credit.Cmp(wad.FromInt(225)) != 0 || collateral.Cmp(wad.FromInt(105)) != 0 {
		t.Fatalf("second half: credit %s collateral %s", wad.Format(credit), wad.Format(collateral))
	}
	if f.ledger.Balance(unwindAt).Sign() != 0 || f.token.BalanceOf(unwindAt).Sign() != 0 {
		t.Fatalf("unwinder not drained")
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

func TestCollateralMovesAfterUnwinderState(t *testing.T) {
	f := newFixture(t, 0, 600)
	calls := 0
	var check func()
	f.u.token = &observedToken{Token: f.token, seen: func() { calls++; check() }}

	check = func() {
		if got := f.u.RepaidNormalDebt(alice); got.Cmp(wad.FromInt(100)) != 0 {
			t.Fatalf("repay: repaid %s when tokens moved", wad.Format(got))
		}
		if got := f.u.Status().Collateral; got.Cmp(wad.FromInt(100)) != 0 {
			t.Fatalf("repay: collateral %s when tokens moved", wad.Format(got))
		}
	}
	_, err := f.u.RepayDebt(alice, alice, alice, alice, wad.FromInt(100))
	must(t, err)

	f.fund(dave, 200)
	f.at(testConfig().AuctionStart)
	_, err = f.u.StartAuction(dave)
	must(t, err)
	check = func() {
		if a := f.u.Auction(); a.Cash.Sign() != 0 {
			t.Fatalf("take: auction still offers %s when tokens moved", wad.Format(a.Cash))
		}
	}
	_, err = f.u.TakeCash(dave, dave, wad.FromInt(500), wad.One())
	must(t, err)

	f.at(testConfig().AuctionEnd)
	check = func() {
		if got := f.u.RedeemedShares(carol); got.Cmp(wad.FromInt(600)) != 0 {
			t.Fatalf("redeem: redeemed %s when tokens moved", wad.Format(got))
		}
	}
	_, _, err = f.u.RedeemShares(carol, carol, carol, wad.FromInt(600))
	must(t, err)
	if calls != 3 {
		t.Fatalf("expected 3 token transfers, got %d", calls)
	}
}

func TestVaultDebtSettledBeforeRedemption(t *testing.T) {
	f := newFixture(t, 500, 100)
	// vault lent 150 with 100 delegated: it owes the ledger 50
	if f.u.Status().Credit.Sign() != 0 {
		t.Fatalf("no credit should be handed over")
	}
	_, err := f.u.RepayDebt(alice, alice, alice, alice, wad.FromInt(100))
	must(t, err)
	f.at(testConfig().AuctionEnd)
	credit, _, err := f.u.RedeemShares(carol, carol, carol, wad.FromInt(100))
	must(t, err)
	if credit.Cmp(wad.FromInt(50)) != 0 {
		t.Fatalf("credit %s", wad.Format(credit))
	}
	if f.ledger.Balance(vaultAt).Sign() != 0 {
		t.Fatalf("vault balance %s", wad.Format(f.ledger.Balance(vaultAt)))
	}
}
