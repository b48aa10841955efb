package vault

import (
	"bytes"
	"math/big"
	"sort"

	"creditvault/internal/events"
	"creditvault/internal/policy"
	"creditvault/internal/rates"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// SettledPosition is a position valued at the fixed accumulator.
type SettledPosition struct {
	Owner      common.Address
	Collateral *big.Int
	NormalDebt *big.Int
	Debt       *big.Int
}

// Handover is what a vault leaving service passes to its unwinder.
type Handover struct {
	Vault                string
	Asset                string
	Address              common.Address
	Unwinder             common.Address
	At                   int64
	FixedRateAccumulator *big.Int
	FixedTotalDebt       *big.Int
	FixedTotalShares     *big.Int
	FixedCollateral      *big.Int
	FixedCredit          *big.Int
	Positions            []SettledPosition
}

// HandOver moves a vault that has been frozen for at least grace seconds
// out of service. Locked collateral and the vault's credit go to unwinder,
// shares queued in unfixed epochs are returned to their owners, and the
// vault stops accepting state changes other than cash withdrawals and
// claims on fixed epochs.
func (v *Vault) HandOver(caller, unwinder common.Address, grace int64) (Handover, error) {
	if err := policy.Require(v.roles, caller, policy.ActionCreateUnwinder); err != nil {
		return Handover{}, err
	}
	if v.unwound.Get() {
		return Handover{}, ErrUnwound
	}
	now := v.now()
	if !v.frozen.Get() || now-v.frozenSince.Get() < grace {
		return Handover{}, ErrNotFrozenLongEnough
	}
	var h Handover
	err := v.j.Atomic(func() error {
		acc := v.rates.FixAccumulator(now, v.totalNormalDebt.Get(), v.creditLine())
		g := v.rates.Global()
		h = Handover{
			Vault:                v.cfg.Name,
			Asset:                v.cfg.Asset,
			Address:              v.cfg.Address,
			Unwinder:             unwinder,
			At:                   now,
			FixedRateAccumulator: acc,
			FixedCollateral:      wad.Clone(v.totalCollateral.Get()),
		}

		totalDebt := wad.Zero()
		for _, owner := range v.Owners() {
			pos := v.positions.Get(owner)
			if pos.Collateral.Sign() == 0 && pos.NormalDebt.Sign() == 0 {
				continue
			}
			rp := v.rates.RefreshPosition(owner, pos.NormalDebt)
			debt := rates.Debt(pos.NormalDebt, g.RateAccumulator, rp.AccruedRebate)
			totalDebt = wad.Add(totalDebt, debt)
			h.Positions = append(h.Positions, SettledPosition{
				Owner:      owner,
				Collateral: wad.Clone(pos.Collateral),
				NormalDebt: wad.Clone(pos.NormalDebt),
				Debt:       debt,
			})
		}
		h.FixedTotalDebt = totalDebt

		if err := v.releaseUnfixed(); err != nil {
			return err
		}
		credit := wad.PositivePart(v.ledger.Balance(v.cfg.Address))
		if err := v.ledger.Move(v.cfg.Address, unwinder, credit); err != nil {
			return err
		}
		h.FixedCredit = credit
		h.FixedTotalShares = wad.Clone(v.totalShares.Get())
		v.unwound.Set(true)
		if err := v.token.Transfer(v.cfg.Address, unwinder, h.FixedCollateral); err != nil {
			return err
		}

		v.log.Warn("vault handed over to unwinder",
			zap.String("unwinder", unwinder.Hex()),
			zap.Stringer("total_debt", totalDebt),
			zap.Stringer("collateral", h.FixedCollateral),
			zap.Stringer("credit", credit),
		)
		v.bus.Emit(events.KindUnwinderCreated, v.cfg.Name,
			"unwinder", unwinder.Hex(),
			"total_debt", wad.Format(totalDebt),
			"collateral", wad.Format(h.FixedCollateral),
			"credit", wad.Format(credit),
			"total_shares", wad.Format(h.FixedTotalShares),
		)
		return nil
	})
	if err != nil {
		return Handover{}, err
	}
	return h, nil
}

// releaseUnfixed pulls the credit withheld for every open epoch back from
// escrow and returns the queued shares to their owners.
func (v *Vault) releaseUnfixed() error {
	keys := v.queued.Keys()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].epoch != keys[j].epoch {
			return keys[i].epoch < keys[j].epoch
		}
		return bytes.Compare(keys[i].owner[:], keys[j].owner[:]) < 0
	})
	for _, key := range keys {
		ep := v.epochs.Get(key.epoch)
		if ep.Fixed() {
			continue
		}
		queued := v.queued.Get(key)
		v.queued.Delete(key)
		v.shares.Set(key.owner, wad.Add(v.shares.Get(key.owner), queued))
		next := ep.Clone()
		next.TotalSharesQueued = wad.Sub(next.TotalSharesQueued, queued)
		v.epochs.Set(key.epoch, next)
	}
	open := v.openEpochs.Keys()
	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
	for _, e := range open {
		ep := v.epochs.Get(e).Clone()
		if ep.TotalCreditWithheld.Sign() > 0 {
			if err := v.ledger.Move(v.cfg.Escrow, v.cfg.Address, ep.TotalCreditWithheld); err != nil {
				return err
			}
			ep.TotalCreditWithheld = wad.Zero()
			v.epochs.Set(e, ep)
		}
		v.openEpochs.Delete(e)
	}
	v.pendingWithheld.Set(wad.Zero())
	return nil
}
