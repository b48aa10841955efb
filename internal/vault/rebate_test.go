package vault

import (
	"math/big"
	"testing"
	"time"

	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

// about 5% a year, compounded per second
const fivePercentAYear = "1.000000001547125957"

func checkDebtsAddUp(t *testing.T, f *fixture, owners ...common.Address) {
	t.Helper()
	sum := wad.Zero()
	for _, owner := range owners {
		sum = wad.Add(sum, f.debt(owner))
	}
	total := f.vault.Summary().TotalDebt
	// per-position truncation may differ from the aggregate by a few wei
	if diff := new(big.Int).Abs(wad.Sub(sum, total)); diff.Cmp(big.NewInt(10)) > 0 {
		t.Fatalf("position debts sum to %s, vault total debt %s", wad.Format(sum), wad.Format(total))
	}
}

func within(got *big.Int, lo, hi string) bool {
	return got.Cmp(wad.MustParse(lo)) >= 0 && got.Cmp(wad.MustParse(hi)) <= 0
}

func TestRebateFollowsRepaymentAndExchange(t *testing.T) {
	f := newFixture(t, 10_000, func(c *Config) {
		c.Rates.MaxRebate = wad.MustParse("0.5")
		c.BaseRate = wad.MustParse(fivePercentAYear)
	})
	f.open(alice, "200", "100")
	f.open(bob, "200", "100")
	must(t, f.vault.CreateLimitOrder(alice, alice, 10_000))
	if got := f.vault.ViewPosition(alice).RebateFactor; got.Cmp(wad.MustParse("0.5")) != 0 {
		t.Fatalf("rebate factor at 1.0x %s", wad.Format(got))
	}

	f.advance(365 * 24 * time.Hour)
	if got := f.debt(bob); !within(got, "104.99", "105.01") {
		t.Fatalf("bob debt after a year %s", wad.Format(got))
	}
	// half of alice's interest comes back as rebate
	if got := f.debt(alice); !within(got, "102.49", "102.51") {
		t.Fatalf("alice debt after a year %s", wad.Format(got))
	}
	checkDebtsAddUp(t, f, alice, bob)

	must(t, f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, new(big.Int), wad.FromInt(-50)))
	view := f.vault.ViewPosition(alice)
	if !within(view.AccruedRebate, "1.249", "1.251") {
		t.Fatalf("half the rebate should be claimed, left %s", wad.Format(view.AccruedRebate))
	}
	if !within(view.Debt, "51.24", "51.26") {
		t.Fatalf("alice debt after partial repayment %s", wad.Format(view.Debt))
	}
	checkDebtsAddUp(t, f, alice, bob)

	f.fund(carol, 30)
	fills, err := f.vault.Exchange(carol, 10_000, wad.FromInt(30))
	must(t, err)
	if len(fills) != 1 || fills[0].Maker != alice {
		t.Fatalf("fills %+v", fills)
	}
	after := f.vault.ViewPosition(alice)
	if after.AccruedRebate.Cmp(view.AccruedRebate) >= 0 || after.AccruedRebate.Sign() <= 0 {
		t.Fatalf("exchange should release part of the rebate, %s -> %s",
			wad.Format(view.AccruedRebate), wad.Format(after.AccruedRebate))
	}
	if after.OrderTick != 10_000 {
		t.Fatalf("order above the floor should stay, tick %d", after.OrderTick)
	}
	global := f.vault.Rates().Global().GlobalAccruedRebate
	if diff := new(big.Int).Abs(wad.Sub(global, after.AccruedRebate)); diff.Cmp(big.NewInt(10)) > 0 {
		t.Fatalf("global rebate %s, alice rebate %s", wad.Format(global), wad.Format(after.AccruedRebate))
	}
	checkDebtsAddUp(t, f, alice, bob)

	must(t, f.vault.ModifyCollateralAndDebt(alice, alice, alice, alice, new(big.Int), wad.Neg(after.NormalDebt)))
	if f.debt(alice).Sign() != 0 {
		t.Fatalf("alice should be clear, owes %s", wad.Format(f.debt(alice)))
	}
	if _, ok := f.vault.Book().Order(alice); ok {
		t.Fatalf("order should go with the debt")
	}
	if global := f.vault.Rates().Global().GlobalAccruedRebate; global.Cmp(big.NewInt(10)) > 0 {
		t.Fatalf("global rebate should return to zero, got %s", wad.Format(global))
	}
	checkDebtsAddUp(t, f, alice, bob)
}
