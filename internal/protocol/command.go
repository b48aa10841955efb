package protocol

import (
	"fmt"
	"math/big"

	"creditvault/internal/errs"
	"creditvault/internal/permit"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
)

// Op names a state-changing operation.
type Op string

const (
	OpTransfer                Op = "transfer"
	OpModifyPermission        Op = "modify_permission"
	OpModifyPermissionWithSig Op = "modify_permission_with_sig"
	OpSetDebtCeiling          Op = "set_debt_ceiling"
	OpSetGlobalDebtCeiling    Op = "set_global_debt_ceiling"
	OpGrantRole               Op = "grant_role"
	OpRevokeRole              Op = "revoke_role"
	OpSetPrice                Op = "set_price"
	OpMintCollateral          Op = "mint_collateral"
	OpDeposit                 Op = "deposit"
	OpWithdraw                Op = "withdraw"
	OpModifyPosition          Op = "modify_position"
	OpCreateLimitOrder        Op = "create_limit_order"
	OpCancelLimitOrder        Op = "cancel_limit_order"
	OpExchange                Op = "exchange"
	OpLiquidate               Op = "liquidate"
	OpDelegate                Op = "delegate"
	OpUndelegate              Op = "undelegate"
	OpFixClaims               Op = "fix_claims"
	OpClaim                   Op = "claim"
	OpCheckEmergency          Op = "check_emergency"
	OpClaimFees               Op = "claim_fees"
	OpSetParameter            Op = "set_parameter"
	OpSetPaused               Op = "set_paused"
	OpBufferWithdraw          Op = "buffer_withdraw"
	OpCreateUnwinder          Op = "create_unwinder"
	OpUnwindRepay             Op = "unwind_repay"
	OpStartAuction            Op = "start_auction"
	OpRedoAuction             Op = "redo_auction"
	OpTakeCash                Op = "take_cash"
	OpRedeemShares            Op = "redeem_shares"
	OpSettleVault             Op = "settle_vault"
)

var (
	ErrUnknownOp       = errs.New(errs.KindInput, "protocol: unknown operation")
	ErrUnknownVault    = errs.New(errs.KindInput, "protocol: unknown vault")
	ErrInvalidArgument = errs.New(errs.KindInput, "protocol: invalid argument")
	ErrNoUnwinder      = errs.New(errs.KindLiveness, "protocol: vault has no unwinder")
	ErrUnwinderExists  = errs.New(errs.KindLiveness, "protocol: unwinder already exists")
)

// Command is one state-changing request. Amounts are decimal strings in
// whole units ("12.5"); Time is the unix second the command takes effect
// and is filled in by the system when zero. Only the fields an Op reads
// need to be set.
type Command struct {
	Op     Op             `json:"op" msgpack:"op"`
	Caller common.Address `json:"caller" msgpack:"caller"`
	Time   int64          `json:"time,omitempty" msgpack:"time"`
	Vault  string         `json:"vault,omitempty" msgpack:"vault,omitempty"`
	Asset  string         `json:"asset,omitempty" msgpack:"asset,omitempty"`

	Owner          common.Address `json:"owner,omitempty" msgpack:"owner,omitempty"`
	From           common.Address `json:"from,omitempty" msgpack:"from,omitempty"`
	To             common.Address `json:"to,omitempty" msgpack:"to,omitempty"`
	Collateralizer common.Address `json:"collateralizer,omitempty" msgpack:"collateralizer,omitempty"`
	Creditor       common.Address `json:"creditor,omitempty" msgpack:"creditor,omitempty"`

	Amount          string `json:"amount,omitempty" msgpack:"amount,omitempty"`
	DeltaCollateral string `json:"delta_collateral,omitempty" msgpack:"delta_collateral,omitempty"`
	DeltaNormalDebt string `json:"delta_normal_debt,omitempty" msgpack:"delta_normal_debt,omitempty"`
	MaxPrice        string `json:"max_price,omitempty" msgpack:"max_price,omitempty"`

	Tick    uint64           `json:"tick,omitempty" msgpack:"tick,omitempty"`
	Epoch   uint64           `json:"epoch,omitempty" msgpack:"epoch,omitempty"`
	Epochs  []uint64         `json:"epochs,omitempty" msgpack:"epochs,omitempty"`
	Owners  []common.Address `json:"owners,omitempty" msgpack:"owners,omitempty"`
	Amounts []string         `json:"amounts,omitempty" msgpack:"amounts,omitempty"`
	Name    string           `json:"name,omitempty" msgpack:"name,omitempty"`
	Flag    bool             `json:"flag,omitempty" msgpack:"flag,omitempty"`

	Grant     *permit.Grant `json:"grant,omitempty" msgpack:"grant,omitempty"`
	Signature string        `json:"signature,omitempty" msgpack:"signature,omitempty"`
}

func EncodeCommand(cmd Command) ([]byte, error) {
	return msgpack.Marshal(cmd)
}

func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := msgpack.Unmarshal(data, &cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Result reports what a command did. Values holds the scalar outputs keyed
// by name (minted shares, claimed credit, paid price).
type Result struct {
	Seq          uint64            `json:"seq"`
	Time         int64             `json:"time"`
	Values       map[string]string `json:"values,omitempty"`
	Fills        []FillView        `json:"fills,omitempty"`
	Liquidations []LiquidationView `json:"liquidations,omitempty"`
}

func (r *Result) set(key string, v *big.Int) {
	if r.Values == nil {
		r.Values = make(map[string]string)
	}
	r.Values[key] = wad.Format(v)
}

func amount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	v, err := wad.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, field, err)
	}
	return v, nil
}

func amounts(field string, in []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(in))
	for i, s := range in {
		v, err := amount(fmt.Sprintf("%s[%d]", field, i), s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
