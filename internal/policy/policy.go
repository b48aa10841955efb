// Package policy gates administrative operations behind capability checks.
package policy

import (
	"errors"

	"creditvault/internal/errs"
	"creditvault/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Action names a capability-gated operation.
type Action string

const (
	ActionAdmin                Action = "admin"
	ActionSetDebtCeiling       Action = "ledger.set_debt_ceiling"
	ActionSetGlobalDebtCeiling Action = "ledger.set_global_debt_ceiling"
	ActionSetParameter         Action = "vault.set_parameter"
	ActionPause                Action = "vault.pause"
	ActionCreateUnwinder       Action = "vault.create_unwinder"
	ActionBailOut              Action = "buffer.bail_out"
	ActionMintCollateral       Action = "token.mint"
	ActionSetPrice             Action = "oracle.set_price"
)

var ErrNotAuthorized = errs.New(errs.KindAuthorization, "policy: not authorized")

// Checker answers capability questions.
type Checker interface {
	Can(principal common.Address, action Action) bool
}

type grantKey struct {
	principal common.Address
	action    Action
}

// RoleBook is a journaled set of (principal, action) grants. Holders of
// ActionAdmin can do everything, including granting and revoking.
type RoleBook struct {
	grants *state.Table[grantKey, bool]
}

func NewRoleBook(j *state.Journal, admins ...common.Address) *RoleBook {
	book := &RoleBook{grants: state.NewTable[grantKey, bool](j, nil)}
	for _, admin := range admins {
		book.grants.Set(grantKey{principal: admin, action: ActionAdmin}, true)
	}
	return book
}

func (r *RoleBook) Can(principal common.Address, action Action) bool {
	if r == nil {
		return false
	}
	if r.grants.Get(grantKey{principal: principal, action: ActionAdmin}) {
		return true
	}
	return r.grants.Get(grantKey{principal: principal, action: action})
}

func (r *RoleBook) Grant(caller, principal common.Address, action Action) error {
	if !r.Can(caller, ActionAdmin) {
		return ErrNotAuthorized
	}
	if action == "" {
		return errors.New("policy: action is required")
	}
	r.grants.Set(grantKey{principal: principal, action: action}, true)
	return nil
}

func (r *RoleBook) Revoke(caller, principal common.Address, action Action) error {
	if !r.Can(caller, ActionAdmin) {
		return ErrNotAuthorized
	}
	r.grants.Delete(grantKey{principal: principal, action: action})
	return nil
}

// Require returns ErrNotAuthorized unless principal may perform action.
func Require(c Checker, principal common.Address, action Action) error {
	if c == nil || !c.Can(principal, action) {
		return ErrNotAuthorized
	}
	return nil
}

// Allow is a Checker that permits every action. It is meant for tests and
// single-operator tooling.
type Allow struct{}

func (Allow) Can(common.Address, Action) bool { return true }
