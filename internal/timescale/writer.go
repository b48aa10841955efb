// Package timescale mirrors committed protocol events and periodic vault
// snapshots into a TimescaleDB (or plain Postgres) database.
package timescale

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"creditvault/internal/config"
	"creditvault/internal/events"
	"creditvault/internal/vault"
	"creditvault/internal/wad"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// VaultSnapshot is one row of vault_snapshots. Fixed-point values are kept
// as decimal strings and stored as NUMERIC.
type VaultSnapshot struct {
	Time            time.Time
	Vault           string
	Asset           string
	TotalCollateral string
	TotalNormalDebt string
	TotalDebt       string
	CreditLine      string
	Utilization     string
	RateAccumulator string
	NetAssetValue   string
	BadDebt         string
	Price           string
	Frozen          bool
	Unwound         bool
	Orders          int
}

func SnapshotOf(now time.Time, s vault.Summary) VaultSnapshot {
	price := ""
	if s.PriceValid {
		price = wad.Format(s.Price)
	}
	return VaultSnapshot{
		Time:            now.UTC(),
		Vault:           s.Name,
		Asset:           s.Asset,
		TotalCollateral: wad.Format(s.TotalCollateral),
		TotalNormalDebt: wad.Format(s.TotalNormalDebt),
		TotalDebt:       wad.Format(s.TotalDebt),
		CreditLine:      wad.Format(s.CreditLine),
		Utilization:     wad.Format(s.Utilization),
		RateAccumulator: wad.Format(s.RateAccumulator),
		NetAssetValue:   wad.Format(s.NetAssetValue),
		BadDebt:         wad.Format(s.BadDebt),
		Price:           price,
		Frozen:          s.Frozen,
		Unwound:         s.Unwound,
		Orders:          s.Orders,
	}
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	events    chan events.Event
	snapshots chan VaultSnapshot
	started   atomic.Bool
	dropEvent atomic.Uint64
	dropSnap  atomic.Uint64
}

// New returns nil when the writer is disabled; a nil *Writer accepts and
// discards everything.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, log, schema, cfg.QueueSize)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		events:    make(chan events.Event, queueSize),
		snapshots: make(chan VaultSnapshot, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Handle makes the writer an events.Sink.
func (w *Writer) Handle(e events.Event) {
	if w == nil {
		return
	}
	select {
	case w.events <- e:
	default:
		if w.dropEvent.Add(1) == 1 {
			w.log.Warn("timescale event queue full")
		}
	}
}

func (w *Writer) EnqueueSnapshot(s VaultSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- s:
	default:
		if w.dropSnap.Add(1) == 1 {
			w.log.Warn("timescale snapshot queue full")
		}
	}
}

// Dropped reports how many events and snapshots were discarded.
func (w *Writer) Dropped() (evs, snaps uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropEvent.Load(), w.dropSnap.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.events:
			w.writeEvent(ctx, e)
		case s := <-w.snapshots:
			w.writeSnapshot(ctx, s)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		id UUID NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		attrs JSONB NOT NULL DEFAULT '{}'::jsonb,
		PRIMARY KEY (ts, id)
	)`, w.table("protocol_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		vault TEXT NOT NULL,
		asset TEXT NOT NULL,
		total_collateral NUMERIC NOT NULL,
		total_normal_debt NUMERIC NOT NULL,
		total_debt NUMERIC NOT NULL,
		credit_line NUMERIC NOT NULL,
		utilization NUMERIC NOT NULL,
		rate_accumulator NUMERIC NOT NULL,
		net_asset_value NUMERIC NOT NULL,
		bad_debt NUMERIC NOT NULL,
		price NUMERIC,
		frozen BOOLEAN NOT NULL,
		unwound BOOLEAN NOT NULL,
		orders INTEGER NOT NULL,
		PRIMARY KEY (ts, vault)
	)`, w.table("vault_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"protocol_events", "vault_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeEvent(ctx context.Context, e events.Event) {
	if w.db == nil {
		return
	}
	attrs, err := json.Marshal(e.Attrs)
	if err != nil || e.Attrs == nil {
		attrs = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, id, kind, source, attrs)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (ts, id) DO NOTHING`, w.table("protocol_events"))
	if _, err := w.db.ExecContext(ctx, query, e.Time, e.ID.String(), string(e.Kind), e.Source, string(attrs)); err != nil {
		w.log.Warn("timescale event insert failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (w *Writer) writeSnapshot(ctx context.Context, s VaultSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, vault, asset, total_collateral, total_normal_debt, total_debt, credit_line,
		utilization, rate_accumulator, net_asset_value, bad_debt, price, frozen, unwound, orders
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	)
	ON CONFLICT (ts, vault) DO NOTHING`, w.table("vault_snapshots"))
	var price any
	if s.Price != "" {
		price = s.Price
	}
	if _, err := w.db.ExecContext(ctx, query,
		s.Time,
		s.Vault,
		s.Asset,
		s.TotalCollateral,
		s.TotalNormalDebt,
		s.TotalDebt,
		s.CreditLine,
		s.Utilization,
		s.RateAccumulator,
		s.NetAssetValue,
		s.BadDebt,
		price,
		s.Frozen,
		s.Unwound,
		s.Orders,
	); err != nil {
		w.log.Warn("timescale snapshot insert failed", zap.String("vault", s.Vault), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
