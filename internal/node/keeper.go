package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditvault/internal/protocol"
	"creditvault/internal/timescale"
	"creditvault/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Protocol is the part of a System the keeper drives.
type Protocol interface {
	Apply(ctx context.Context, cmd protocol.Command) (protocol.Result, error)
	Summaries() []vault.Summary
	UnsafeOwners(vaultName string) ([]common.Address, error)
	Now() time.Time
}

// Keeper does the permissionless housekeeping no user is guaranteed to do:
// emergency checks, epoch fixing and liquidations.
type Keeper struct {
	proto    Protocol
	address  common.Address
	maxRepay string
	log      *zap.Logger
	snapshot func(timescale.VaultSnapshot)
}

func NewKeeper(proto Protocol, address common.Address, maxRepay string, log *zap.Logger) *Keeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Keeper{proto: proto, address: address, maxRepay: maxRepay, log: log}
}

// OnSnapshot registers fn to receive a snapshot of every vault after each
// tick.
func (k *Keeper) OnSnapshot(fn func(timescale.VaultSnapshot)) { k.snapshot = fn }

func (k *Keeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := k.Tick(ctx); err != nil {
				k.log.Warn("keeper tick failed", zap.Error(err))
			}
		}
	}
}

// Tick makes one pass over every vault. A failure on one vault does not
// stop the others; all failures are returned together.
func (k *Keeper) Tick(ctx context.Context) error {
	var failures []error
	for _, s := range k.proto.Summaries() {
		if s.Unwound {
			continue
		}
		if err := k.tend(ctx, s); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	if k.snapshot != nil {
		now := k.proto.Now()
		for _, s := range k.proto.Summaries() {
			k.snapshot(timescale.SnapshotOf(now, s))
		}
	}
	return errors.Join(failures...)
}

func (k *Keeper) tend(ctx context.Context, s vault.Summary) error {
	if !s.Frozen && s.TotalNormalDebt.Sign() > 0 {
		res, err := k.apply(ctx, protocol.Command{Op: protocol.OpCheckEmergency, Vault: s.Name})
		if err != nil {
			return fmt.Errorf("check emergency: %w", err)
		}
		if res.Values["frozen"] == "true" {
			k.log.Warn("vault frozen", zap.String("vault", s.Name))
			return nil
		}
	}
	if s.OpenEpochs > 0 && !s.Frozen && !s.Paused {
		if _, err := k.apply(ctx, protocol.Command{Op: protocol.OpFixClaims, Vault: s.Name}); err != nil {
			return fmt.Errorf("fix claims: %w", err)
		}
	}
	if s.Frozen || s.Paused || !s.PriceValid {
		return nil
	}
	return k.liquidate(ctx, s.Name)
}

// liquidate submits one command per unsafe owner so a position that cannot
// be liquidated does not hold up the rest.
func (k *Keeper) liquidate(ctx context.Context, name string) error {
	owners, err := k.proto.UnsafeOwners(name)
	if err != nil {
		return err
	}
	var failures []error
	for _, owner := range owners {
		res, err := k.apply(ctx, protocol.Command{
			Op:      protocol.OpLiquidate,
			Vault:   name,
			Owners:  []common.Address{owner},
			Amounts: []string{k.maxRepay},
		})
		if err != nil {
			failures = append(failures, fmt.Errorf("liquidate %s: %w", owner.Hex(), err))
			if errors.Is(err, vault.ErrEmergencyMode) {
				break
			}
			continue
		}
		for _, l := range res.Liquidations {
			k.log.Info("position liquidated",
				zap.String("vault", name),
				zap.String("owner", l.Owner),
				zap.String("repaid", l.Repaid),
				zap.String("collateral_sold", l.CollateralSold),
				zap.String("bad_debt", l.BadDebt),
			)
		}
	}
	return errors.Join(failures...)
}

func (k *Keeper) apply(ctx context.Context, cmd protocol.Command) (protocol.Result, error) {
	cmd.Caller = k.address
	return k.proto.Apply(ctx, cmd)
}
