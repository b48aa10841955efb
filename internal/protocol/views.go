package protocol

import (
	"creditvault/internal/events"
	"creditvault/internal/oracle"
	"creditvault/internal/unwind"
	"creditvault/internal/vault"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
)

// The views below render fixed-point values as decimal strings.

type AccountView struct {
	Address     string `json:"address"`
	Balance     string `json:"balance"`
	DebtCeiling string `json:"debt_ceiling"`
	CreditLine  string `json:"credit_line"`
	Nonce       uint64 `json:"nonce"`
}

type LedgerView struct {
	GlobalDebt        string `json:"global_debt"`
	GlobalDebtCeiling string `json:"global_debt_ceiling"`
	Buffer            string `json:"buffer"`
	BufferCreditLine  string `json:"buffer_credit_line"`
	Time              int64  `json:"time"`
	LastSeq           uint64 `json:"last_seq"`
}

type PositionView struct {
	Vault         string `json:"vault"`
	Owner         string `json:"owner"`
	Collateral    string `json:"collateral"`
	NormalDebt    string `json:"normal_debt"`
	Debt          string `json:"debt"`
	AccruedRebate string `json:"accrued_rebate"`
	RebateFactor  string `json:"rebate_factor"`
	Cash          string `json:"cash"`
	HealthFactor  string `json:"health_factor,omitempty"`
	Safe          bool   `json:"safe"`
	PriceValid    bool   `json:"price_valid"`
	OrderTick     uint64 `json:"order_tick,omitempty"`
	Shares        string `json:"shares"`
}

type VaultView struct {
	Name            string `json:"name"`
	Asset           string `json:"asset"`
	Address         string `json:"address"`
	TotalCollateral string `json:"total_collateral"`
	TotalNormalDebt string `json:"total_normal_debt"`
	TotalDebt       string `json:"total_debt"`
	RateAccumulator string `json:"rate_accumulator"`
	CurrentRate     string `json:"current_rate"`
	Utilization     string `json:"utilization"`
	CreditLine      string `json:"credit_line"`
	AccruedFees     string `json:"accrued_fees"`
	BadDebt         string `json:"bad_debt"`
	TotalShares     string `json:"total_shares"`
	NetAssetValue   string `json:"net_asset_value"`
	PendingWithheld string `json:"pending_withheld"`
	CurrentEpoch    uint64 `json:"current_epoch"`
	Price           string `json:"price,omitempty"`
	Frozen          bool   `json:"frozen"`
	FrozenSince     int64  `json:"frozen_since,omitempty"`
	Paused          bool   `json:"paused"`
	Unwound         bool   `json:"unwound"`
	Orders          int    `json:"orders"`
}

type EpochView struct {
	Vault                        string `json:"vault"`
	Index                        uint64 `json:"index"`
	TotalCreditClaimable         string `json:"total_credit_claimable"`
	TotalCreditWithheld          string `json:"total_credit_withheld"`
	TotalSharesQueued            string `json:"total_shares_queued"`
	UnsatisfiedShares            string `json:"unsatisfied_shares"`
	ClaimRatio                   string `json:"claim_ratio,omitempty"`
	EstimatedCreditClaimPerShare string `json:"estimated_credit_claim_per_share"`
	Fixed                        bool   `json:"fixed"`
}

type DepthLevel struct {
	Tick   uint64   `json:"tick"`
	Owners []string `json:"owners"`
}

type UnwinderView struct {
	Address          string `json:"address"`
	Vault            string `json:"vault"`
	CreatedAt        int64  `json:"created_at"`
	Phase            string `json:"phase"`
	FixedTotalDebt   string `json:"fixed_total_debt"`
	FixedTotalShares string `json:"fixed_total_shares"`
	TotalDebt        string `json:"total_debt"`
	Collateral       string `json:"collateral"`
	Credit           string `json:"credit"`
	TotalRedeemed    string `json:"total_redeemed"`
	AuctionDebt      string `json:"auction_debt"`
	AuctionCash      string `json:"auction_cash"`
	AuctionStartsAt  int64  `json:"auction_starts_at,omitempty"`
	AuctionPrice     string `json:"auction_price"`
}

func (s *System) Account(addr common.Address) AccountView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.ledger.Account(addr)
	return AccountView{
		Address:     addr.Hex(),
		Balance:     wad.Format(a.Balance),
		DebtCeiling: wad.Format(a.DebtCeiling),
		CreditLine:  wad.Format(s.ledger.CreditLine(addr)),
		Nonce:       s.ledger.Nonce(addr),
	}
}

func (s *System) Ledger() LedgerView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return LedgerView{
		GlobalDebt:        wad.Format(s.ledger.GlobalDebt()),
		GlobalDebtCeiling: wad.Format(s.ledger.GlobalDebtCeiling()),
		Buffer:            s.buffer.Address().Hex(),
		BufferCreditLine:  wad.Format(s.buffer.CreditLine()),
		Time:              s.now,
		LastSeq:           s.lastSeq,
	}
}

func (s *System) Position(vaultName string, owner common.Address) (PositionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.vault(vaultName)
	if err != nil {
		return PositionView{}, err
	}
	p := e.v.ViewPosition(owner)
	view := PositionView{
		Vault:         vaultName,
		Owner:         owner.Hex(),
		Collateral:    wad.Format(p.Collateral),
		NormalDebt:    wad.Format(p.NormalDebt),
		Debt:          wad.Format(p.Debt),
		AccruedRebate: wad.Format(p.AccruedRebate),
		RebateFactor:  wad.Format(p.RebateFactor),
		Cash:          wad.Format(p.Cash),
		Safe:          p.Safe,
		PriceValid:    p.PriceValid,
		OrderTick:     p.OrderTick,
		Shares:        wad.Format(e.v.Shares(owner)),
	}
	if p.HealthFactor != nil {
		view.HealthFactor = wad.Format(p.HealthFactor)
	}
	return view, nil
}

func (s *System) Vault(name string) (VaultView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.vault(name)
	if err != nil {
		return VaultView{}, err
	}
	return vaultView(e.v), nil
}

func (s *System) Vaults() []VaultView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VaultView, 0, len(s.vaults))
	for _, name := range s.vaultNames() {
		out = append(out, vaultView(s.vaults[name].v))
	}
	return out
}

// Summaries returns the raw vault summaries in name order.
func (s *System) Summaries() []vault.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vault.Summary, 0, len(s.vaults))
	for _, name := range s.vaultNames() {
		out = append(out, s.vaults[name].v.Summary())
	}
	return out
}

func vaultView(v *vault.Vault) VaultView {
	sum := v.Summary()
	view := VaultView{
		Name:            sum.Name,
		Asset:           sum.Asset,
		Address:         v.Address().Hex(),
		TotalCollateral: wad.Format(sum.TotalCollateral),
		TotalNormalDebt: wad.Format(sum.TotalNormalDebt),
		TotalDebt:       wad.Format(sum.TotalDebt),
		RateAccumulator: wad.Format(sum.RateAccumulator),
		CurrentRate:     wad.Format(sum.CurrentRate),
		Utilization:     wad.Format(sum.Utilization),
		CreditLine:      wad.Format(sum.CreditLine),
		AccruedFees:     wad.Format(sum.AccruedFees),
		BadDebt:         wad.Format(sum.BadDebt),
		TotalShares:     wad.Format(sum.TotalShares),
		NetAssetValue:   wad.Format(sum.NetAssetValue),
		PendingWithheld: wad.Format(sum.PendingWithheld),
		CurrentEpoch:    sum.CurrentEpoch,
		Frozen:          sum.Frozen,
		FrozenSince:     sum.FrozenSince,
		Paused:          sum.Paused,
		Unwound:         sum.Unwound,
		Orders:          sum.Orders,
	}
	if sum.PriceValid {
		view.Price = wad.Format(sum.Price)
	}
	return view
}

func (s *System) Epoch(vaultName string, index uint64) (EpochView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.vault(vaultName)
	if err != nil {
		return EpochView{}, err
	}
	ep := e.v.Epoch(index)
	view := EpochView{
		Vault:                        vaultName,
		Index:                        index,
		TotalCreditClaimable:         wad.Format(ep.TotalCreditClaimable),
		TotalCreditWithheld:          wad.Format(ep.TotalCreditWithheld),
		TotalSharesQueued:            wad.Format(ep.TotalSharesQueued),
		UnsatisfiedShares:            wad.Format(ep.UnsatisfiedShares),
		EstimatedCreditClaimPerShare: wad.Format(ep.EstimatedCreditClaimPerShare),
		Fixed:                        ep.Fixed(),
	}
	if ep.Fixed() {
		view.ClaimRatio = wad.Format(ep.ClaimRatio)
	}
	return view, nil
}

func (s *System) Depth(vaultName string) ([]DepthLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.vault(vaultName)
	if err != nil {
		return nil, err
	}
	levels := e.v.Depth()
	out := make([]DepthLevel, len(levels))
	for i, l := range levels {
		owners := make([]string, len(l.Owners))
		for k, o := range l.Owners {
			owners[k] = o.Hex()
		}
		out[i] = DepthLevel{Tick: l.Tick, Owners: owners}
	}
	return out, nil
}

func (s *System) Unwinder(vaultName string) (UnwinderView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, err := s.unwinder(vaultName)
	if err != nil {
		return UnwinderView{}, err
	}
	return unwinderView(u.Status()), nil
}

func unwinderView(st unwind.Status) UnwinderView {
	return UnwinderView{
		Address:          st.Address.Hex(),
		Vault:            st.Vault,
		CreatedAt:        st.CreatedAt,
		Phase:            string(st.Phase),
		FixedTotalDebt:   wad.Format(st.FixedTotalDebt),
		FixedTotalShares: wad.Format(st.FixedTotalShares),
		TotalDebt:        wad.Format(st.TotalDebt),
		Collateral:       wad.Format(st.Collateral),
		Credit:           wad.Format(st.Credit),
		TotalRedeemed:    wad.Format(st.TotalRedeemed),
		AuctionDebt:      wad.Format(st.Auction.Debt),
		AuctionCash:      wad.Format(st.Auction.Cash),
		AuctionStartsAt:  st.Auction.StartsAt,
		AuctionPrice:     wad.Format(st.AuctionPrice),
	}
}

// Price reports the oracle price of asset and whether it is usable.
func (s *System) Price(asset string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := oracle.Read(s.oracle, asset)
	if !ok {
		return "", false
	}
	return wad.Format(p), true
}

// CollateralBalance is addr's free token balance of asset.
func (s *System) CollateralBalance(asset string, addr common.Address) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[asset]
	if !ok {
		return "", ErrInvalidArgument
	}
	return wad.Format(tok.BalanceOf(addr)), nil
}

// UnsafeOwners lists positions currently eligible for liquidation.
func (s *System) UnsafeOwners(vaultName string) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.vault(vaultName)
	if err != nil {
		return nil, err
	}
	return e.v.UnsafeOwners(), nil
}

// VaultNames lists configured vaults in name order.
func (s *System) VaultNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vaultNames()
}

// HasUnwinder reports whether a vault has been handed over.
func (s *System) HasUnwinder(vaultName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.vaults[vaultName]
	return ok && e.unwinder != nil
}

// RecentEvents returns up to limit of the latest committed events.
func (s *System) RecentEvents(limit int) []events.Event {
	evs := s.recent.Snapshot()
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return evs
}
