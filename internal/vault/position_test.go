package vault

import (
	"errors"
	"math/big"
	"testing"

	"creditvault/internal/oracle"
	"creditvault/internal/orderbook"
	"creditvault/internal/wad"
)

func TestBorrowAndRepay(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	f.open(alice, "200", "100")
	if got := f.ledger.Balance(alice); got.Cmp(wad.FromInt(100)) != 0 {
		t.Fatalf("borrowed credit %s", wad.Format(got))
	}
	if got := f.ledger.Balance(vaultAt); got.Cmp(wad.FromInt(-100)) != 0 {
		t.Fatalf("vault balance %s", wad.Format(got))
	}
	pos := f.vault.Position(alice)
	if pos.Collateral.Cmp(wad.FromInt(200)) != 0 || pos.NormalDebt.Cmp(wad.FromInt(100)) != 0 {
		t.Fatalf("position %+v", pos)
	}
	must(t, f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(-200), wad.FromInt(-100)))
	if got := f.vault.Cash(alice); got.Cmp(wad.FromInt(200)) != 0 {
		t.Fatalf("cash after close %s", wad.Format(got))
	}
	if f.ledger.Balance(alice).Sign() != 0 || f.ledger.Balance(vaultAt).Sign() != 0 {
		t.Fatalf("balances not settled")
	}
	if f.vault.TotalNormalDebt().Sign() != 0 || f.vault.TotalCollateral().Sign() != 0 {
		t.Fatalf("totals not cleared")
	}
}

func TestModifyPermissions(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	f.open(alice, "200", "50")

	// bob cannot borrow against alice
	if err := f.vault.ModifyCollateralAndDebt(bob, alice, alice, bob, new(big.Int), wad.One()); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission, got %v", err)
	}
	// bob may repay alice's debt with his own credit
	f.fund(bob, 10)
	must(t, f.vault.ModifyCollateralAndDebt(bob, alice, alice, bob, new(big.Int), wad.FromInt(-10)))
	// but not with alice's credit
	if err := f.vault.ModifyCollateralAndDebt(bob, alice, alice, alice, new(big.Int), wad.FromInt(-10)); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission for creditor, got %v", err)
	}
	// nor pull collateral from alice's cash
	must(t, f.token.Mint(admin, alice, wad.One()))
	must(t, f.vault.Deposit(alice, alice, wad.One()))
	if err := f.vault.ModifyCollateralAndDebt(bob, alice, alice, bob, wad.One(), new(big.Int)); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission for collateralizer, got %v", err)
	}
	f.ledger.ModifyPermission(alice, bob, true)
	must(t, f.vault.ModifyCollateralAndDebt(bob, alice, alice, bob, wad.One(), wad.One()))
}

func TestDebtFloor(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	must(t, f.token.Mint(admin, alice, wad.FromInt(100)))
	must(t, f.vault.Deposit(alice, alice, wad.FromInt(100)))
	if err := f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(100), wad.FromInt(5)); !errors.Is(err, ErrDebtFloor) {
		t.Fatalf("expected ErrDebtFloor, got %v", err)
	}
	if f.vault.Cash(alice).Cmp(wad.FromInt(100)) != 0 {
		t.Fatalf("failed call moved cash")
	}
	must(t, f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(100), wad.FromInt(20)))
	if err := f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, new(big.Int), wad.FromInt(-15)); !errors.Is(err, ErrDebtFloor) {
		t.Fatalf("expected ErrDebtFloor on partial repay, got %v", err)
	}
}

func TestSafetyCheck(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	must(t, f.token.Mint(admin, alice, wad.FromInt(100)))
	must(t, f.vault.Deposit(alice, alice, wad.FromInt(100)))
	// 100 / 1.25 = 80 of borrowing power
	if err := f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(100), wad.FromInt(81)); !errors.Is(err, ErrNotSafe) {
		t.Fatalf("expected ErrNotSafe, got %v", err)
	}
	must(t, f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(100), wad.FromInt(80)))
	if err := f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(-1), new(big.Int)); !errors.Is(err, ErrNotSafe) {
		t.Fatalf("expected ErrNotSafe on withdrawal, got %v", err)
	}
}

func TestModifyNeedsPrice(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	must(t, f.token.Mint(admin, alice, wad.FromInt(100)))
	must(t, f.vault.Deposit(alice, alice, wad.FromInt(100)))
	f.oracle.Err = errors.New("feed down")
	if err := f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(100), wad.FromInt(20)); !errors.Is(err, oracle.ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
	if view := f.vault.ViewPosition(alice); view.PriceValid {
		t.Fatalf("view should report an invalid price")
	}
}

func TestMaxUtilization(t *testing.T) {
	f := newFixture(t, 100, nil)
	must(t, f.token.Mint(admin, alice, wad.FromInt(200)))
	must(t, f.vault.Deposit(alice, alice, wad.FromInt(200)))
	if err := f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(200), wad.FromInt(96)); !errors.Is(err, ErrMaxUtilization) {
		t.Fatalf("expected ErrMaxUtilization, got %v", err)
	}
	must(t, f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, wad.FromInt(200), wad.FromInt(90)))
}

func TestEmergencyModePersistsThroughFailedCall(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	f.setPrice("2")
	f.open(alice, "110", "100")
	f.setPrice("0.9")

	err := f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, new(big.Int), wad.FromInt(-10))
	if !errors.Is(err, ErrEmergencyMode) {
		t.Fatalf("expected ErrEmergencyMode, got %v", err)
	}
	frozen, since := f.vault.Frozen()
	if !frozen || since != f.now {
		t.Fatalf("vault not frozen: %v %d", frozen, since)
	}
	must(t, f.token.Mint(admin, bob, wad.One()))
	if err := f.vault.Deposit(bob, bob, wad.One()); !errors.Is(err, ErrEmergencyMode) {
		t.Fatalf("expected ErrEmergencyMode for deposit, got %v", err)
	}
}

func TestCheckEmergency(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	f.setPrice("2")
	f.open(alice, "110", "100")
	frozen, err := f.vault.CheckEmergency()
	must(t, err)
	if frozen {
		t.Fatalf("healthy vault frozen")
	}
	f.setPrice("0.5")
	frozen, err = f.vault.CheckEmergency()
	must(t, err)
	if !frozen {
		t.Fatalf("expected vault to freeze")
	}
}

func TestLimitOrderLifecycle(t *testing.T) {
	f := newFixture(t, 1_000, nil)
	f.open(alice, "200", "15")
	if err := f.vault.CreateLimitOrder(alice, alice, 10_000); !errors.Is(err, ErrLimitOrderFloor) {
		t.Fatalf("expected ErrLimitOrderFloor, got %v", err)
	}
	must(t, f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, new(big.Int), wad.FromInt(15)))
	if err := f.vault.CreateLimitOrder(alice, alice, 5); !errors.Is(err, orderbook.ErrInvalidTick) {
		t.Fatalf("expected ErrInvalidTick, got %v", err)
	}
	if err := f.vault.CreateLimitOrder(bob, alice, 10_000); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission, got %v", err)
	}
	must(t, f.vault.CreateLimitOrder(alice, alice, 12_000))
	if tick := f.vault.ViewPosition(alice).OrderTick; tick != 12_000 {
		t.Fatalf("order tick %d", tick)
	}
	// repaying below the order floor drops the order
	must(t, f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, new(big.Int), wad.FromInt(-15)))
	if _, ok := f.vault.Book().Order(alice); ok {
		t.Fatalf("order should be removed below the floor")
	}
	if err := f.vault.CancelLimitOrder(alice, alice); !errors.Is(err, orderbook.ErrNoOrder) {
		t.Fatalf("expected ErrNoOrder, got %v", err)
	}
}
