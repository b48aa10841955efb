// Package node runs a creditvault daemon: it rebuilds the protocol state
// from the command log, then serves the API while the keeper, price feed,
// alerting and event export run alongside.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"creditvault/internal/alerts"
	"creditvault/internal/api"
	"creditvault/internal/config"
	"creditvault/internal/logging"
	"creditvault/internal/metrics"
	"creditvault/internal/oracle"
	"creditvault/internal/protocol"
	"creditvault/internal/state"
	"creditvault/internal/state/sqlite"
	"creditvault/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const metaKey = "node:meta"

// meta pins the settings a command log was written under. Replaying a log
// against a different genesis or chain would rebuild a different state.
type meta struct {
	Genesis int64    `msgpack:"genesis"`
	ChainID int64    `msgpack:"chain_id"`
	Vaults  []string `msgpack:"vaults"`
	LastSeq uint64   `msgpack:"last_seq"`
}

var ErrMetaMismatch = errors.New("node: command log was written under different settings")

type Node struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	sys       *protocol.System
	prom      *metrics.Prometheus
	notifier  *alerts.Notifier
	operator  *Operator
	writer    *timescale.Writer
	feed      *oracle.Feed
	publisher common.Address
	keeper    *Keeper
	apiLn     net.Listener
	metricsLn net.Listener
}

func New(cfg *config.Config, log *zap.Logger) (n *Node, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	n = &Node{cfg: cfg, log: log, store: store}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		n.prom = metrics.NewPrometheus()
		m = n.prom.Metrics
	}
	opts, err := ProtocolOptions(cfg, m, logging.Component(log, "protocol"))
	if err != nil {
		return nil, err
	}
	if n.sys, err = protocol.New(opts); err != nil {
		return nil, err
	}
	if n.writer, err = timescale.New(cfg.Timescale, logging.Component(log, "timescale")); err != nil {
		return nil, fmt.Errorf("timescale: %w", err)
	}
	if tg := alerts.NewTelegram(cfg.Telegram, logging.Component(log, "telegram")); tg.Enabled() {
		n.notifier = alerts.NewNotifier(tg, logging.Component(log, "alerts"), 0)
		if cfg.Telegram.OperatorEnabled {
			if n.operator, err = newOperator(cfg, tg, n.sys, store, log); err != nil {
				return nil, err
			}
		}
	}
	if cfg.Oracle.URL != "" {
		if n.publisher, err = config.ParseAddress(cfg.Oracle.Publisher); err != nil {
			return nil, fmt.Errorf("oracle.publisher: %w", err)
		}
		n.feed = oracle.NewFeed(cfg.Oracle.URL, assets(cfg), cfg.Oracle.ReconnectDelay, cfg.Oracle.PingInterval, logging.Component(log, "feed"))
	}
	if cfg.Keeper.Enabled {
		addr, err := config.ParseAddress(cfg.Keeper.Address)
		if err != nil {
			return nil, fmt.Errorf("keeper.address: %w", err)
		}
		n.keeper = NewKeeper(n.sys, addr, cfg.Keeper.MaxRepay, logging.Component(log, "keeper"))
		if n.writer != nil {
			n.keeper.OnSnapshot(n.writer.EnqueueSnapshot)
		}
	}
	if n.apiLn, err = net.Listen("tcp", cfg.API.Addr); err != nil {
		return nil, fmt.Errorf("api listen: %w", err)
	}
	if n.prom != nil {
		if n.metricsLn, err = net.Listen("tcp", cfg.Metrics.Addr); err != nil {
			return nil, fmt.Errorf("metrics listen: %w", err)
		}
	}
	return n, nil
}

// System exposes the protocol state the node serves.
func (n *Node) System() *protocol.System { return n.sys }

// APIAddr is the address the API listener is bound to.
func (n *Node) APIAddr() string { return n.apiLn.Addr().String() }

// Run replays the command log and serves until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()
	if err := n.checkMeta(ctx); err != nil {
		return err
	}
	applied, err := n.sys.Replay(ctx, n.store, 0)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	n.sys.AttachLog(n.store)
	if err := n.saveMeta(ctx); err != nil {
		return err
	}
	n.log.Info("state rebuilt",
		zap.Uint64("commands", applied),
		zap.Uint64("last_seq", n.sys.LastSeq()),
		zap.Strings("vaults", n.sys.VaultNames()),
	)

	// Sinks join after replay so history is not exported or alerted twice.
	if n.notifier != nil {
		n.sys.Subscribe(n.notifier)
	}
	if n.writer != nil {
		n.sys.Subscribe(n.writer)
	}

	g, gctx := errgroup.WithContext(ctx)
	n.writer.Start(gctx)
	server := api.New(n.sys, logging.Component(n.log, "api"), n.cfg.API.Timeout)
	g.Go(func() error { return serve(gctx, "api", n.apiLn, server.Handler(), n.log) })
	if n.metricsLn != nil {
		g.Go(func() error { return serve(gctx, "metrics", n.metricsLn, n.metricsHandler(), n.log) })
	}
	if n.notifier != nil {
		g.Go(func() error { return n.notifier.Run(gctx) })
	}
	if n.operator != nil {
		g.Go(func() error { return n.operator.Run(gctx) })
	}
	if n.feed != nil {
		handler := priceHandler(gctx, n.sys, n.publisher, logging.Component(n.log, "prices"))
		g.Go(func() error {
			if err := n.feed.Run(gctx, handler); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if n.keeper != nil {
		g.Go(func() error { return n.keeper.Run(gctx, n.cfg.Keeper.Interval) })
	}
	err = g.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if saveErr := n.saveMeta(saveCtx); saveErr != nil {
		n.log.Warn("save node meta failed", zap.Error(saveErr))
	}
	return err
}

func newOperator(cfg *config.Config, tg *alerts.Telegram, sys *protocol.System, store state.Store, log *zap.Logger) (*Operator, error) {
	addr, err := config.ParseAddress(cfg.Telegram.OperatorAddress)
	if err != nil {
		return nil, fmt.Errorf("telegram.operator_address: %w", err)
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram.chat_id: %w", err)
	}
	return NewOperator(tg, sys, store, addr, chatID, cfg.Telegram.OperatorAllowedUserIDs,
		cfg.Telegram.OperatorPollInterval, logging.Component(log, "operator")), nil
}

func (n *Node) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(n.cfg.Metrics.Path, n.prom.Handler())
	return mux
}

func (n *Node) checkMeta(ctx context.Context) error {
	var stored meta
	ok, err := state.LoadSnapshot(ctx, n.store, metaKey, &stored)
	if err != nil {
		return fmt.Errorf("load node meta: %w", err)
	}
	if !ok {
		return nil
	}
	if stored.Genesis != n.cfg.Ledger.Genesis || stored.ChainID != n.cfg.Ledger.ChainID {
		return fmt.Errorf("%w: genesis %d chain %d", ErrMetaMismatch, stored.Genesis, stored.ChainID)
	}
	for _, name := range stored.Vaults {
		if !slices.Contains(n.sys.VaultNames(), name) {
			return fmt.Errorf("%w: vault %q was removed", ErrMetaMismatch, name)
		}
	}
	return nil
}

func (n *Node) saveMeta(ctx context.Context) error {
	return state.SaveSnapshot(ctx, n.store, metaKey, meta{
		Genesis: n.cfg.Ledger.Genesis,
		ChainID: n.cfg.Ledger.ChainID,
		Vaults:  n.sys.VaultNames(),
		LastSeq: n.sys.LastSeq(),
	})
}

func (n *Node) close() {
	if n.apiLn != nil {
		_ = n.apiLn.Close()
	}
	if n.metricsLn != nil {
		_ = n.metricsLn.Close()
	}
	if err := n.writer.Close(); err != nil {
		n.log.Warn("timescale close failed", zap.Error(err))
	}
	if n.store != nil {
		_ = n.store.Close()
	}
}
