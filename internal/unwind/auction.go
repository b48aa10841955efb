package unwind

import (
	"math/big"

	"creditvault/internal/events"
	"creditvault/internal/oracle"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// PriceAt is the auction price at ts: StartPrice decaying linearly to zero
// over duration seconds.
func PriceAt(a Auction, duration, ts int64) *big.Int {
	if !a.Started() || a.StartPrice == nil {
		return wad.Zero()
	}
	elapsed := ts - a.StartsAt
	if elapsed <= 0 {
		return wad.Clone(a.StartPrice)
	}
	if elapsed >= duration {
		return wad.Zero()
	}
	return wad.MulDiv(a.StartPrice, big.NewInt(duration-elapsed), big.NewInt(duration))
}

func (u *Unwinder) Auction() Auction { return u.auction.Get().Clone() }

// AuctionPrice is the price a buyer pays per unit of collateral right now.
func (u *Unwinder) AuctionPrice() *big.Int {
	return PriceAt(u.auction.Get(), u.cfg.AuctionDuration, u.now())
}

// startPrice is spot times the multiplier, or the debt per unit of
// collateral when the oracle has no valid price.
func (u *Unwinder) startPrice(debt, cash *big.Int) *big.Int {
	reference, ok := oracle.Read(u.oracle, u.fixed.Asset)
	if !ok {
		u.log.Warn("no oracle price for auction, using debt ratio", zap.String("asset", u.fixed.Asset))
		reference = wad.Div(debt, cash)
	}
	return wad.Mul(reference, u.cfg.AuctionMultiplier)
}

// StartAuction puts every piece of collateral not bought back by borrowers
// up for sale against the remaining debt.
func (u *Unwinder) StartAuction(caller common.Address) (Auction, error) {
	if err := u.require(PhaseAuction); err != nil {
		return Auction{}, err
	}
	if u.auction.Get().Started() {
		return Auction{}, ErrAlreadyStarted
	}
	return u.restart(caller)
}

// RedoAuction restarts an auction that expired with collateral unsold.
func (u *Unwinder) RedoAuction(caller common.Address) (Auction, error) {
	if err := u.require(PhaseAuction); err != nil {
		return Auction{}, err
	}
	a := u.auction.Get()
	if !a.Started() {
		return Auction{}, ErrNotStarted
	}
	if u.now()-a.StartsAt < u.cfg.AuctionDuration {
		return Auction{}, ErrAuctionRunning
	}
	return u.restart(caller)
}

func (u *Unwinder) restart(caller common.Address) (Auction, error) {
	var a Auction
	err := u.j.Atomic(func() error {
		cash := u.collateral.Get()
		if cash.Sign() == 0 {
			return ErrNothingToSell
		}
		debt := u.totalDebt.Get()
		a = Auction{
			Debt:       wad.Clone(debt),
			Cash:       wad.Clone(cash),
			StartsAt:   u.now(),
			StartPrice: u.startPrice(debt, cash),
		}
		u.auction.Set(a)
		u.log.Info("auction started",
			zap.String("caller", caller.Hex()),
			zap.Stringer("debt", debt),
			zap.Stringer("cash", cash),
			zap.Stringer("start_price", a.StartPrice),
		)
		u.bus.Emit(events.KindAuctionStarted, u.fixed.Vault,
			"debt", wad.Format(debt),
			"cash", wad.Format(cash),
			"start_price", wad.Format(a.StartPrice),
		)
		return nil
	})
	if err != nil {
		return Auction{}, err
	}
	return a.Clone(), nil
}

// TakeCash buys up to collateral units at the current price, paid from
// caller's credit, and sends them to recipient. It fails when the price is
// above maxPrice or a partial purchase would leave debt below the floor.
func (u *Unwinder) TakeCash(caller, recipient common.Address, collateral, maxPrice *big.Int) (*big.Int, error) {
	if collateral == nil || collateral.Sign() <= 0 || maxPrice == nil {
		return nil, ErrInvalidAmount
	}
	if err := u.require(PhaseAuction); err != nil {
		return nil, err
	}
	var paid *big.Int
	err := u.j.Atomic(func() error {
		a := u.auction.Get().Clone()
		if !a.Started() {
			return ErrNotStarted
		}
		now := u.now()
		if now-a.StartsAt >= u.cfg.AuctionDuration {
			return ErrNeedsReset
		}
		if a.Cash.Sign() == 0 {
			return ErrNothingToSell
		}
		price := PriceAt(a, u.cfg.AuctionDuration, now)
		if price.Cmp(maxPrice) > 0 {
			return ErrTooExpensive
		}
		take := wad.Min(collateral, a.Cash)
		paid = wad.MulUp(take, price)
		if take.Cmp(a.Cash) < 0 {
			if left := wad.Sub(a.Debt, paid); left.Sign() > 0 && left.Cmp(u.cfg.AuctionDebtFloor) < 0 {
				return ErrNoPartialPurchase
			}
		}
		if err := u.ledger.Move(caller, u.address, paid); err != nil {
			return err
		}
		a.Debt = wad.PositivePart(wad.Sub(a.Debt, paid))
		a.Cash = wad.Sub(a.Cash, take)
		u.auction.Set(a)
		u.collateral.Set(wad.Sub(u.collateral.Get(), take))
		u.credit.Set(wad.Add(u.credit.Get(), paid))
		u.totalDebt.Set(wad.PositivePart(wad.Sub(u.totalDebt.Get(), paid)))
		if err := u.token.Transfer(u.address, recipient, take); err != nil {
			return err
		}

		u.bus.Emit(events.KindAuctionTake, u.fixed.Vault,
			"buyer", caller.Hex(),
			"collateral", wad.Format(take),
			"price", wad.Format(price),
			"credit", wad.Format(paid),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}
