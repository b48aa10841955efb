package protocol

import (
	"fmt"

	"creditvault/internal/permit"
	"creditvault/internal/policy"
	"creditvault/internal/vault"
	"creditvault/internal/wad"
)

// dispatch routes cmd to its engine. Ledger, role and oracle operations run
// inside one unit here. Vault and unwinder methods are units of their own
// and must be called at the top level: an emergency freeze they record has
// to survive the failing call.
func (s *System) dispatch(cmd Command) (Result, error) {
	var res Result
	switch cmd.Op {
	case OpTransfer, OpModifyPermission, OpModifyPermissionWithSig, OpSetDebtCeiling,
		OpSetGlobalDebtCeiling, OpGrantRole, OpRevokeRole, OpSetPrice, OpMintCollateral, OpBufferWithdraw:
		return res, s.j.Atomic(func() error { return s.dispatchCore(cmd) })
	case OpCreateUnwinder:
		u, err := s.createUnwinder(cmd.Caller, cmd.Vault)
		if err != nil {
			return res, err
		}
		res.Values = map[string]string{"unwinder": u.Address().Hex()}
		return res, nil
	case OpUnwindRepay, OpStartAuction, OpRedoAuction, OpTakeCash, OpRedeemShares, OpSettleVault:
		return s.dispatchUnwind(cmd)
	}
	return s.dispatchVault(cmd)
}

func (s *System) dispatchCore(cmd Command) error {
	switch cmd.Op {
	case OpTransfer:
		amt, err := amount("amount", cmd.Amount)
		if err != nil {
			return err
		}
		return s.ledger.Transfer(cmd.Caller, cmd.From, cmd.To, amt)
	case OpModifyPermission:
		s.ledger.ModifyPermission(cmd.Caller, cmd.To, cmd.Flag)
		return nil
	case OpModifyPermissionWithSig:
		if cmd.Grant == nil {
			return fmt.Errorf("%w: grant is required", ErrInvalidArgument)
		}
		if cmd.Signature == "" {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, errNoSignature)
		}
		sig, err := permit.DecodeSignature(cmd.Signature)
		if err != nil {
			return fmt.Errorf("%w: signature: %v", ErrInvalidArgument, err)
		}
		return s.ledger.ModifyPermissionWithSig(*cmd.Grant, sig)
	case OpSetDebtCeiling:
		amt, err := amount("amount", cmd.Amount)
		if err != nil {
			return err
		}
		return s.ledger.SetDebtCeiling(cmd.Caller, cmd.To, amt)
	case OpSetGlobalDebtCeiling:
		amt, err := amount("amount", cmd.Amount)
		if err != nil {
			return err
		}
		return s.ledger.SetGlobalDebtCeiling(cmd.Caller, amt)
	case OpGrantRole:
		return s.roles.Grant(cmd.Caller, cmd.To, policy.Action(cmd.Name))
	case OpRevokeRole:
		return s.roles.Revoke(cmd.Caller, cmd.To, policy.Action(cmd.Name))
	case OpSetPrice:
		price, err := amount("amount", cmd.Amount)
		if err != nil {
			return err
		}
		return s.oracle.Set(cmd.Caller, cmd.Asset, price)
	case OpMintCollateral:
		tok, ok := s.tokens[cmd.Asset]
		if !ok {
			return fmt.Errorf("%w: unknown asset %q", ErrInvalidArgument, cmd.Asset)
		}
		amt, err := amount("amount", cmd.Amount)
		if err != nil {
			return err
		}
		return tok.Mint(cmd.Caller, cmd.To, amt)
	case OpBufferWithdraw:
		amt, err := amount("amount", cmd.Amount)
		if err != nil {
			return err
		}
		return s.buffer.Withdraw(cmd.Caller, cmd.To, amt)
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
}

func (s *System) dispatchVault(cmd Command) (Result, error) {
	var res Result
	e, err := s.vault(cmd.Vault)
	if err != nil {
		return res, err
	}
	v := e.v
	switch cmd.Op {
	case OpDeposit:
		amt, err := amount("amount", cmd.Amount)
		if err != nil {
			return res, err
		}
		return res, v.Deposit(cmd.Caller, cmd.To, amt)
	case OpWithdraw:
		amt, err := amount("amount", cmd.Amount)
		if err != nil {
			return res, err
		}
		return res, v.Withdraw(cmd.Caller, cmd.From, cmd.To, amt)
	case OpModifyPosition:
		dc, err := amount("delta_collateral", orZero(cmd.DeltaCollateral))
		if err != nil {
			return res, err
		}
		dn, err := amount("delta_normal_debt", orZero(cmd.DeltaNormalDebt))
		if err != nil {
			return res, err
		}
		return res, v.ModifyCollateralAndDebt(cmd.Caller, cmd.Owner, cmd.Collateralizer, cmd.Creditor, dc, dn)
	case OpCreateLimitOrder:
		return res, v.CreateLimitOrder(cmd.Caller, cmd.Owner, cmd.Tick)
	case OpCancelLimitOrder:
		return res, v.CancelLimitOrder(cmd.Caller, cmd.Owner)
	case OpExchange:
		amt, err := amount("amount", cmd.Amount)
		if err != nil {
			return res, err
		}
		fills, err := v.Exchange(cmd.Caller, cmd.Tick, amt)
		if err != nil {
			return res, err
		}
		res.Fills = fillViews(fills)
		return res, nil
	case OpLiquidate:
		repay, err := amounts("amounts", cmd.Amounts)
		if err != nil {
			return res, err
		}
		liqs, err := v.LiquidatePositions(cmd.Caller, cmd.Owners, repay)
		if err != nil {
			return res, err
		}
		res.Liquidations = liquidationViews(liqs)
		return res, nil
	case OpDelegate:
		amt, err := amount("amount", cmd.Amount)
		if err != nil {
			return res, err
		}
		minted, err := v.DelegateCredit(cmd.Caller, amt)
		if err != nil {
			return res, err
		}
		res.set("shares", minted)
		return res, nil
	case OpUndelegate:
		shares, err := amount("amount", cmd.Amount)
		if err != nil {
			return res, err
		}
		withheld, err := v.UndelegateCredit(cmd.Caller, shares, cmd.Epochs)
		if err != nil {
			return res, err
		}
		res.set("withheld", withheld)
		return res, nil
	case OpFixClaims:
		return res, v.FixClaims()
	case OpClaim:
		claimed, err := v.ClaimUndelegatedCredit(cmd.Caller, cmd.Epoch)
		if err != nil {
			return res, err
		}
		res.set("claimed", claimed)
		return res, nil
	case OpCheckEmergency:
		frozen, err := v.CheckEmergency()
		if err != nil {
			return res, err
		}
		res.Values = map[string]string{"frozen": fmt.Sprint(frozen)}
		return res, nil
	case OpClaimFees:
		fees, err := v.ClaimFees(cmd.Caller)
		if err != nil {
			return res, err
		}
		res.set("fees", fees)
		return res, nil
	case OpSetParameter:
		value, err := amount("amount", cmd.Amount)
		if err != nil {
			return res, err
		}
		return res, v.SetParameter(cmd.Caller, cmd.Name, value)
	case OpSetPaused:
		return res, v.SetPaused(cmd.Caller, cmd.Flag)
	}
	return res, fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
}

func (s *System) dispatchUnwind(cmd Command) (Result, error) {
	var res Result
	u, err := s.unwinder(cmd.Vault)
	if err != nil {
		return res, err
	}
	switch cmd.Op {
	case OpUnwindRepay:
		normal, err := amount("amount", cmd.Amount)
		if err != nil {
			return res, err
		}
		released, err := u.RepayDebt(cmd.Caller, cmd.Owner, cmd.Creditor, cmd.To, normal)
		if err != nil {
			return res, err
		}
		res.set("collateral", released)
		return res, nil
	case OpStartAuction, OpRedoAuction:
		start := u.StartAuction
		if cmd.Op == OpRedoAuction {
			start = u.RedoAuction
		}
		a, err := start(cmd.Caller)
		if err != nil {
			return res, err
		}
		res.set("debt", a.Debt)
		res.set("cash", a.Cash)
		res.set("start_price", a.StartPrice)
		return res, nil
	case OpTakeCash:
		collateral, err := amount("amount", cmd.Amount)
		if err != nil {
			return res, err
		}
		maxPrice, err := amount("max_price", cmd.MaxPrice)
		if err != nil {
			return res, err
		}
		paid, err := u.TakeCash(cmd.Caller, cmd.To, collateral, maxPrice)
		if err != nil {
			return res, err
		}
		res.set("paid", paid)
		return res, nil
	case OpRedeemShares:
		shares, err := amount("amount", cmd.Amount)
		if err != nil {
			return res, err
		}
		credit, collateral, err := u.RedeemShares(cmd.Caller, cmd.Owner, cmd.To, shares)
		if err != nil {
			return res, err
		}
		res.set("credit", credit)
		res.set("collateral", collateral)
		return res, nil
	case OpSettleVault:
		return res, u.SettleVault()
	}
	return res, fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

type FillView struct {
	Maker      string `json:"maker"`
	Tick       uint64 `json:"tick"`
	Credit     string `json:"credit"`
	Collateral string `json:"collateral"`
}

func fillViews(fills []vault.Fill) []FillView {
	out := make([]FillView, len(fills))
	for i, f := range fills {
		out[i] = FillView{Maker: f.Maker.Hex(), Tick: f.Tick, Credit: wad.Format(f.Credit), Collateral: wad.Format(f.Collateral)}
	}
	return out
}

type LiquidationView struct {
	Owner          string `json:"owner"`
	Repaid         string `json:"repaid"`
	DebtReduced    string `json:"debt_reduced"`
	Penalty        string `json:"penalty"`
	CollateralSold string `json:"collateral_sold"`
	BadDebt        string `json:"bad_debt"`
	BailedOut      string `json:"bailed_out"`
}

func liquidationViews(liqs []vault.Liquidation) []LiquidationView {
	out := make([]LiquidationView, len(liqs))
	for i, l := range liqs {
		out[i] = LiquidationView{
			Owner:          l.Owner.Hex(),
			Repaid:         wad.Format(l.Repaid),
			DebtReduced:    wad.Format(l.DebtReduced),
			Penalty:        wad.Format(l.Penalty),
			CollateralSold: wad.Format(l.CollateralSold),
			BadDebt:        wad.Format(l.BadDebt),
			BailedOut:      wad.Format(l.BailedOut),
		}
	}
	return out
}
