package policy

import (
	"errors"
	"testing"

	"creditvault/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func TestRoleBookGrantRevoke(t *testing.T) {
	admin := common.HexToAddress("0xA0")
	keeper := common.HexToAddress("0xB0")
	j := state.NewJournal()
	book := NewRoleBook(j, admin)

	if book.Can(keeper, ActionPause) {
		t.Fatalf("keeper should not start with pause")
	}
	if err := book.Grant(keeper, keeper, ActionPause); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected self grant to fail, got %v", err)
	}
	if err := book.Grant(admin, keeper, ActionPause); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !book.Can(keeper, ActionPause) || book.Can(keeper, ActionSetParameter) {
		t.Fatalf("unexpected capabilities after grant")
	}
	if err := book.Revoke(admin, keeper, ActionPause); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if book.Can(keeper, ActionPause) {
		t.Fatalf("expected pause revoked")
	}
	if !book.Can(admin, ActionBailOut) {
		t.Fatalf("admin should hold every action")
	}
}

func TestRequireNilChecker(t *testing.T) {
	if err := Require(nil, common.Address{}, ActionAdmin); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err := Require(Allow{}, common.Address{}, ActionAdmin); err != nil {
		t.Fatalf("allow should permit: %v", err)
	}
}
