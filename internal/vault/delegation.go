package vault

import (
	"math/big"
	"sort"

	"creditvault/internal/errs"
	"creditvault/internal/events"
	"creditvault/internal/rates"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrCreditTooSmall     = errs.New(errs.KindCapacity, "vault: credit below minimum delegation")
	ErrInsufficientShares = errs.New(errs.KindCapacity, "vault: insufficient shares")
	ErrNonPositiveNAV     = errs.New(errs.KindLiveness, "vault: net asset value not positive")
	ErrEpochNotClaimable  = errs.New(errs.KindTiming, "vault: epoch not claimable yet")
	ErrEpochNotFixed      = errs.New(errs.KindLiveness, "vault: epoch not fixed")
)

// Epoch aggregates undelegation requests queued during one period. ClaimRatio
// is nil until the epoch is fixed and never changes afterwards.
type Epoch struct {
	TotalCreditClaimable         *big.Int
	TotalCreditWithheld          *big.Int
	TotalSharesQueued            *big.Int
	UnsatisfiedShares            *big.Int
	ClaimRatio                   *big.Int
	EstimatedCreditClaimPerShare *big.Int
}

func newEpoch() Epoch {
	return Epoch{
		TotalCreditClaimable:         new(big.Int),
		TotalCreditWithheld:          new(big.Int),
		TotalSharesQueued:            new(big.Int),
		UnsatisfiedShares:            new(big.Int),
		EstimatedCreditClaimPerShare: new(big.Int),
	}
}

func (e Epoch) Clone() Epoch {
	out := Epoch{
		TotalCreditClaimable:         wad.Clone(e.TotalCreditClaimable),
		TotalCreditWithheld:          wad.Clone(e.TotalCreditWithheld),
		TotalSharesQueued:            wad.Clone(e.TotalSharesQueued),
		UnsatisfiedShares:            wad.Clone(e.UnsatisfiedShares),
		EstimatedCreditClaimPerShare: wad.Clone(e.EstimatedCreditClaimPerShare),
	}
	if e.ClaimRatio != nil {
		out.ClaimRatio = wad.Clone(e.ClaimRatio)
	}
	return out
}

func (e Epoch) Fixed() bool { return e.ClaimRatio != nil }

type queueKey struct {
	epoch uint64
	owner common.Address
}

// EpochAt is the index of the epoch containing ts.
func (v *Vault) EpochAt(ts int64) uint64 {
	d := v.cfg.Delegation
	if ts <= d.Genesis {
		return 0
	}
	return uint64((ts - d.Genesis) / d.EpochDuration)
}

func (v *Vault) CurrentEpoch() uint64 { return v.EpochAt(v.now()) }

func (v *Vault) Epoch(index uint64) Epoch { return v.epochs.Get(index).Clone() }

func (v *Vault) Shares(owner common.Address) *big.Int { return wad.Clone(v.shares.Get(owner)) }

func (v *Vault) TotalShares() *big.Int { return wad.Clone(v.totalShares.Get()) }

func (v *Vault) SharesQueued(epoch uint64, owner common.Address) *big.Int {
	return wad.Clone(v.queued.Get(queueKey{epoch: epoch, owner: owner}))
}

// NetAssetValue is liquid credit plus withheld-but-unfixed credit plus
// outstanding borrower debt, minus unclaimed protocol fees.
func (v *Vault) NetAssetValue() *big.Int {
	g := v.rates.Project(v.now(), v.totalNormalDebt.Get(), v.creditLine())
	return v.nav(g)
}

func (v *Vault) nav(g rates.Global) *big.Int {
	assets := wad.Add(v.ledger.Balance(v.cfg.Address), v.pendingWithheld.Get())
	assets = wad.Add(assets, rates.TotalDebt(g, v.totalNormalDebt.Get()))
	return wad.Sub(assets, g.AccruedFees)
}

// DelegateCredit moves credit from caller into the vault in exchange for
// shares priced at net asset value, or 1:1 for the first delegation.
func (v *Vault) DelegateCredit(caller common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 || amount.Cmp(v.cfg.Delegation.MinDelegation) < 0 {
		return nil, ErrCreditTooSmall
	}
	var minted *big.Int
	err := v.execute(false, func(c call) error {
		v.refresh(c.now)
		if err := v.fixClaims(c.now); err != nil {
			return err
		}
		total := v.totalShares.Get()
		if total.Sign() == 0 {
			minted = wad.Clone(amount)
		} else {
			nav := v.nav(v.rates.Global())
			if nav.Sign() <= 0 {
				return ErrNonPositiveNAV
			}
			minted = wad.MulDiv(amount, total, nav)
		}
		if minted.Sign() == 0 {
			return ErrCreditTooSmall
		}
		if err := v.ledger.Move(caller, v.cfg.Address, amount); err != nil {
			return err
		}
		v.shares.Set(caller, wad.Add(v.shares.Get(caller), minted))
		v.totalShares.Set(wad.Add(total, minted))
		v.bus.Emit(events.KindDelegate, v.cfg.Name,
			"delegator", caller.Hex(), "credit", wad.Format(amount), "shares", wad.Format(minted))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// UndelegateCredit queues shares for redemption in the current epoch and
// withholds an estimate of their value in escrow. Shares left queued in the
// listed stale epochs are returned to caller first.
func (v *Vault) UndelegateCredit(caller common.Address, shares *big.Int, staleEpochs []uint64) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var withheld *big.Int
	err := v.execute(false, func(c call) error {
		v.refresh(c.now)
		if err := v.fixClaims(c.now); err != nil {
			return err
		}
		current := v.EpochAt(c.now)
		for _, e := range staleEpochs {
			v.unqueueStale(caller, e, current)
		}
		balance := v.shares.Get(caller)
		if balance.Cmp(shares) < 0 {
			return ErrInsufficientShares
		}
		total := v.totalShares.Get()
		estimate := wad.Zero()
		if nav := v.nav(v.rates.Global()); nav.Sign() > 0 && total.Sign() > 0 {
			estimate = wad.MulDiv(shares, nav, total)
		}
		withheld = wad.Min(estimate, v.creditLine())
		if err := v.ledger.Move(v.cfg.Address, v.cfg.Escrow, withheld); err != nil {
			return err
		}
		v.pendingWithheld.Set(wad.Add(v.pendingWithheld.Get(), withheld))
		v.shares.Set(caller, wad.Sub(balance, shares))

		key := queueKey{epoch: current, owner: caller}
		v.queued.Set(key, wad.Add(v.queued.Get(key), shares))
		ep := v.epochs.Get(current).Clone()
		ep.TotalSharesQueued = wad.Add(ep.TotalSharesQueued, shares)
		ep.TotalCreditWithheld = wad.Add(ep.TotalCreditWithheld, withheld)
		if total.Sign() > 0 {
			ep.EstimatedCreditClaimPerShare = wad.Div(estimate, shares)
		}
		v.epochs.Set(current, ep)
		v.openEpochs.Set(current, true)

		v.bus.Emit(events.KindUndelegate, v.cfg.Name,
			"delegator", caller.Hex(),
			"epoch", formatUint(current),
			"shares", wad.Format(shares),
			"withheld", wad.Format(withheld),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return withheld, nil
}

// unqueueStale returns owner's shares from an epoch that aged out of the fix
// window without being fixed.
func (v *Vault) unqueueStale(owner common.Address, epoch, current uint64) {
	if !v.expired(epoch, current) {
		return
	}
	ep := v.epochs.Get(epoch)
	if ep.Fixed() {
		return
	}
	key := queueKey{epoch: epoch, owner: owner}
	queued := v.queued.Get(key)
	if queued.Sign() == 0 {
		return
	}
	v.queued.Delete(key)
	next := ep.Clone()
	next.TotalSharesQueued = wad.Sub(next.TotalSharesQueued, queued)
	v.epochs.Set(epoch, next)
	v.shares.Set(owner, wad.Add(v.shares.Get(owner), queued))
}

// expired reports whether epoch is older than the fix window at current.
func (v *Vault) expired(epoch, current uint64) bool {
	timeout := v.cfg.Delegation.FixTimeout
	return current >= timeout && epoch < current-timeout
}

// FixClaims runs the claim fixing routine on its own.
func (v *Vault) FixClaims() error {
	return v.execute(false, func(c call) error {
		v.refresh(c.now)
		return v.fixClaims(c.now)
	})
}

// fixClaims fixes every open epoch inside [current-FixTimeout,
// current-FixDelay], rationing claims when withdrawable credit falls short,
// and releases withheld credit of epochs that expired unfixed.
func (v *Vault) fixClaims(now int64) error {
	if v.openEpochs.Len() == 0 {
		return nil
	}
	d := v.cfg.Delegation
	current := v.EpochAt(now)
	open := v.openEpochs.Keys()
	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })

	var eligible []uint64
	for _, e := range open {
		ep := v.epochs.Get(e)
		if v.expired(e, current) {
			if ep.TotalCreditWithheld.Sign() > 0 {
				if err := v.ledger.Move(v.cfg.Escrow, v.cfg.Address, ep.TotalCreditWithheld); err != nil {
					return err
				}
				v.pendingWithheld.Set(wad.PositivePart(wad.Sub(v.pendingWithheld.Get(), ep.TotalCreditWithheld)))
				next := ep.Clone()
				next.TotalCreditWithheld = wad.Zero()
				v.epochs.Set(e, next)
			}
			v.openEpochs.Delete(e)
			continue
		}
		if current >= d.FixDelay && e <= current-d.FixDelay {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	nav := v.nav(v.rates.Global())
	total := v.totalShares.Get()
	totalClaim := wad.Zero()
	withdrawable := v.creditLine()
	claims := make([]*big.Int, len(eligible))
	for i, e := range eligible {
		ep := v.epochs.Get(e)
		claims[i] = wad.Zero()
		if nav.Sign() > 0 && total.Sign() > 0 {
			claims[i] = wad.MulDiv(ep.TotalSharesQueued, nav, total)
		}
		totalClaim = wad.Add(totalClaim, claims[i])
		withdrawable = wad.Add(withdrawable, ep.TotalCreditWithheld)
	}
	ratio := wad.One()
	if denominator := wad.Max(totalClaim, withdrawable); denominator.Sign() > 0 {
		ratio = wad.Div(withdrawable, denominator)
	}

	burned := wad.Zero()
	for i, e := range eligible {
		ep := v.epochs.Get(e).Clone()
		claimable := wad.Mul(claims[i], ratio)
		satisfied := wad.Mul(ep.TotalSharesQueued, ratio)
		switch delta := wad.Sub(claimable, ep.TotalCreditWithheld); delta.Sign() {
		case 1:
			if err := v.ledger.Move(v.cfg.Address, v.cfg.Escrow, delta); err != nil {
				return err
			}
		case -1:
			if err := v.ledger.Move(v.cfg.Escrow, v.cfg.Address, wad.Neg(delta)); err != nil {
				return err
			}
		}
		v.pendingWithheld.Set(wad.PositivePart(wad.Sub(v.pendingWithheld.Get(), ep.TotalCreditWithheld)))
		ep.TotalCreditClaimable = claimable
		ep.UnsatisfiedShares = wad.Sub(ep.TotalSharesQueued, satisfied)
		ep.ClaimRatio = wad.Clone(ratio)
		v.epochs.Set(e, ep)
		v.openEpochs.Delete(e)
		burned = wad.Add(burned, satisfied)

		v.bus.Emit(events.KindClaimFixed, v.cfg.Name,
			"epoch", formatUint(e),
			"claim_ratio", wad.Format(ratio),
			"claimable", wad.Format(claimable),
			"shares", wad.Format(ep.TotalSharesQueued),
		)
	}
	v.totalShares.Set(wad.PositivePart(wad.Sub(total, burned)))
	v.log.Debug("claims fixed",
		zap.Int("epochs", len(eligible)),
		zap.Stringer("claim_ratio", ratio),
		zap.Stringer("withdrawable", withdrawable),
	)
	return nil
}

// ClaimUndelegatedCredit pays caller's share of a fixed epoch's claimable
// credit and returns unsatisfied shares. An epoch that expired unfixed pays
// nothing and returns all of caller's queued shares.
func (v *Vault) ClaimUndelegatedCredit(caller common.Address, epoch uint64) (*big.Int, error) {
	var paid *big.Int
	err := v.j.Atomic(func() error {
		now := v.now()
		if v.live() == nil {
			v.refresh(now)
			if err := v.fixClaims(now); err != nil {
				return err
			}
		}
		var err error
		paid, err = v.claim(caller, epoch, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

func (v *Vault) claim(caller common.Address, epoch uint64, now int64) (*big.Int, error) {
	current := v.EpochAt(now)
	if current < epoch+v.cfg.Delegation.FixDelay {
		return nil, ErrEpochNotClaimable
	}
	key := queueKey{epoch: epoch, owner: caller}
	queued := v.queued.Get(key)
	if queued.Sign() == 0 {
		return wad.Zero(), nil
	}
	ep := v.epochs.Get(epoch).Clone()
	if !ep.Fixed() {
		if !v.expired(epoch, current) && !v.unwound.Get() {
			return nil, ErrEpochNotFixed
		}
		v.unqueueStale(caller, epoch, current)
		if v.queued.Get(key).Sign() > 0 {
			// unwound vault: refund regardless of the window
			v.queued.Delete(key)
			ep.TotalSharesQueued = wad.Sub(ep.TotalSharesQueued, queued)
			v.epochs.Set(epoch, ep)
			v.shares.Set(caller, wad.Add(v.shares.Get(caller), queued))
		}
		v.bus.Emit(events.KindClaim, v.cfg.Name,
			"delegator", caller.Hex(), "epoch", formatUint(epoch), "credit", "0", "refunded_shares", wad.Format(queued))
		return wad.Zero(), nil
	}

	amount := wad.MulDiv(ep.TotalCreditClaimable, queued, ep.TotalSharesQueued)
	refund := wad.MulDiv(queued, ep.UnsatisfiedShares, ep.TotalSharesQueued)
	if queued.Cmp(ep.TotalSharesQueued) >= 0 {
		amount, refund = wad.Clone(ep.TotalCreditClaimable), wad.Clone(ep.UnsatisfiedShares)
	}
	ep.TotalCreditClaimable = wad.Sub(ep.TotalCreditClaimable, amount)
	ep.UnsatisfiedShares = wad.Sub(ep.UnsatisfiedShares, refund)
	ep.TotalSharesQueued = wad.Sub(ep.TotalSharesQueued, queued)
	v.epochs.Set(epoch, ep)
	v.queued.Delete(key)
	if refund.Sign() > 0 {
		v.shares.Set(caller, wad.Add(v.shares.Get(caller), refund))
	}
	if err := v.ledger.Move(v.cfg.Escrow, caller, amount); err != nil {
		return nil, err
	}
	v.bus.Emit(events.KindClaim, v.cfg.Name,
		"delegator", caller.Hex(),
		"epoch", formatUint(epoch),
		"credit", wad.Format(amount),
		"refunded_shares", wad.Format(refund),
	)
	return amount, nil
}
