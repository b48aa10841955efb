package node

import (
	"context"

	"creditvault/internal/oracle"
	"creditvault/internal/protocol"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type commandApplier interface {
	Apply(ctx context.Context, cmd protocol.Command) (protocol.Result, error)
}

// priceHandler turns feed updates into set_price commands from publisher so
// price changes land in the command log like any other input.
func priceHandler(ctx context.Context, proto commandApplier, publisher common.Address, log *zap.Logger) func(oracle.Update) {
	if log == nil {
		log = zap.NewNop()
	}
	return func(u oracle.Update) {
		cmd := protocol.Command{
			Op:     protocol.OpSetPrice,
			Caller: publisher,
			Asset:  u.Asset,
			Amount: wad.Format(u.Price),
		}
		if !u.Time.IsZero() {
			cmd.Time = u.Time.Unix()
		}
		if _, err := proto.Apply(ctx, cmd); err != nil {
			log.Warn("price update rejected", zap.String("asset", u.Asset), zap.Error(err))
			return
		}
		log.Debug("price updated", zap.String("asset", u.Asset), zap.String("price", cmd.Amount))
	}
}
