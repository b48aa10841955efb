package orderbook

import (
	"errors"
	"math/big"
	"math/rand"
	"sort"
	"testing"

	"creditvault/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func addr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(i + 1)))
}

func TestOrdersAscendingFIFO(t *testing.T) {
	book := New(state.NewJournal())
	steps := []struct {
		owner int
		tick  uint64
	}{
		{0, 12_000}, {1, 10_500}, {2, 12_000}, {3, 11_000}, {4, 10_500},
	}
	for _, s := range steps {
		if err := book.Add(addr(s.owner), s.tick); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	got := book.Orders(MaxTick)
	want := []Entry{
		{10_500, addr(1)}, {10_500, addr(4)}, {11_000, addr(3)}, {12_000, addr(0)}, {12_000, addr(2)},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d orders, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if limited := book.Orders(11_000); len(limited) != 3 {
		t.Fatalf("expected upper tick to bound the walk, got %d", len(limited))
	}
	if head, _ := book.Head(); head != 10_500 {
		t.Fatalf("unexpected head %d", head)
	}
	if tail, _ := book.Tail(); tail != 12_000 {
		t.Fatalf("unexpected tail %d", tail)
	}
}

func TestRemoveUnlinksTicksAndOrders(t *testing.T) {
	book := New(state.NewJournal())
	_ = book.Add(addr(0), 10_000)
	_ = book.Add(addr(1), 20_000)
	_ = book.Add(addr(2), 20_000)
	_ = book.Add(addr(3), 30_000)

	if _, err := book.Remove(addr(1)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if first, _ := book.FirstOrder(20_000); first != addr(2) {
		t.Fatalf("expected addr2 to head the queue")
	}
	if _, err := book.Remove(addr(2)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if next, _ := book.NextTick(10_000); next != 30_000 {
		t.Fatalf("expected empty tick to be unlinked, next=%d", next)
	}
	if prev, _ := book.PrevTick(30_000); prev != 10_000 {
		t.Fatalf("expected prev link repaired, prev=%d", prev)
	}
	if _, err := book.Remove(addr(2)); !errors.Is(err, ErrNoOrder) {
		t.Fatalf("expected no order, got %v", err)
	}
	_, _ = book.Remove(addr(0))
	_, _ = book.Remove(addr(3))
	if _, ok := book.Head(); ok || book.Len() != 0 {
		t.Fatalf("expected empty book")
	}
}

func TestAddValidation(t *testing.T) {
	book := New(state.NewJournal())
	if err := book.Add(addr(0), 9_999); !errors.Is(err, ErrInvalidTick) {
		t.Fatalf("expected invalid tick, got %v", err)
	}
	if err := book.Add(addr(0), MaxTick+1); !errors.Is(err, ErrInvalidTick) {
		t.Fatalf("expected invalid tick, got %v", err)
	}
	if err := book.Add(common.Address{}, MinTick); !errors.Is(err, ErrZeroOwner) {
		t.Fatalf("expected zero owner error, got %v", err)
	}
	_ = book.Add(addr(0), MinTick)
	if err := book.Add(addr(0), MaxTick); !errors.Is(err, ErrOrderExists) {
		t.Fatalf("expected one order per owner, got %v", err)
	}
}

func TestBookRevertsWithJournal(t *testing.T) {
	j := state.NewJournal()
	book := New(j)
	_ = book.Add(addr(0), 15_000)
	_ = j.Atomic(func() error {
		_ = book.Add(addr(1), 12_000)
		_, _ = book.Remove(addr(0))
		return errors.New("abort")
	})
	got := book.Orders(MaxTick)
	if len(got) != 1 || got[0].Owner != addr(0) || got[0].Tick != 15_000 {
		t.Fatalf("unexpected book after revert %+v", got)
	}
}

func TestRandomOperationsKeepOrdering(t *testing.T) {
	book := New(state.NewJournal())
	rng := rand.New(rand.NewSource(3))
	live := map[common.Address]uint64{}
	seq := map[common.Address]int{}
	for i := 0; i < 400; i++ {
		owner := addr(rng.Intn(40))
		if _, ok := live[owner]; ok {
			if _, err := book.Remove(owner); err != nil {
				t.Fatalf("remove: %v", err)
			}
			delete(live, owner)
			continue
		}
		tick := MinTick + uint64(rng.Intn(8))*1_000
		if err := book.Add(owner, tick); err != nil {
			t.Fatalf("add: %v", err)
		}
		live[owner] = tick
		seq[owner] = i
	}
	got := book.Orders(MaxTick)
	if len(got) != len(live) {
		t.Fatalf("expected %d orders, got %d", len(live), len(got))
	}
	ok := sort.SliceIsSorted(got, func(a, b int) bool {
		if got[a].Tick != got[b].Tick {
			return got[a].Tick < got[b].Tick
		}
		return seq[got[a].Owner] < seq[got[b].Owner]
	})
	if !ok {
		t.Fatalf("orders not sorted by tick then age: %+v", got)
	}
}
