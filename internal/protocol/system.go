// Package protocol assembles the ledger, buffer, oracle and vaults into one
// System driven by Commands. Every accepted command is written to the
// command log before it runs, so replaying the log rebuilds the state.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"creditvault/internal/buffer"
	"creditvault/internal/events"
	"creditvault/internal/ledger"
	"creditvault/internal/metrics"
	"creditvault/internal/oracle"
	"creditvault/internal/permit"
	"creditvault/internal/policy"
	"creditvault/internal/state"
	"creditvault/internal/token"
	"creditvault/internal/unwind"
	"creditvault/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

type VaultSpec struct {
	Config      vault.Config
	Unwind      unwind.Config
	DebtCeiling *big.Int
}

type Options struct {
	Admins            []common.Address
	GlobalDebtCeiling *big.Int
	BufferAddress     common.Address
	BufferCeiling     *big.Int
	Vaults            []VaultSpec
	Domain            permit.Domain
	// OracleMaxAge marks prices older than this as stale; zero disables.
	OracleMaxAge time.Duration
	// Genesis is the clock before the first command.
	Genesis int64
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// Wall supplies the time for commands submitted without one.
	Wall func() time.Time
}

type vaultEntry struct {
	v        *vault.Vault
	unwind   unwind.Config
	unwinder *unwind.Unwinder
}

type System struct {
	mu      sync.RWMutex
	j       *state.Journal
	now     int64
	wall    func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
	cmdLog  state.Log
	lastSeq uint64

	roles  *policy.RoleBook
	bus    *events.Bus
	recent *events.Recent
	ledger *ledger.Ledger
	buffer *buffer.Buffer
	oracle *oracle.Book
	tokens map[string]*token.Book
	vaults map[string]*vaultEntry
	admin  common.Address
}

func New(opts Options) (*System, error) {
	if len(opts.Admins) == 0 {
		return nil, fmt.Errorf("%w: at least one admin is required", ErrInvalidArgument)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	wall := opts.Wall
	if wall == nil {
		wall = time.Now
	}
	s := &System{
		j:       state.NewJournal(),
		now:     opts.Genesis,
		wall:    wall,
		log:     log,
		metrics: m,
		recent:  events.NewRecent(512),
		tokens:  make(map[string]*token.Book),
		vaults:  make(map[string]*vaultEntry),
		admin:   opts.Admins[0],
	}
	clock := s.clock
	s.roles = policy.NewRoleBook(s.j, opts.Admins...)
	s.bus = events.NewBus(s.j, clock)
	s.bus.Subscribe(s.recent)
	s.bus.Subscribe(events.SinkFunc(s.countEvent))
	s.ledger = ledger.New(s.j, ledger.Options{
		Roles:  s.roles,
		Bus:    s.bus,
		Log:    log.Named("ledger"),
		Clock:  clock,
		Domain: opts.Domain,
	})
	s.oracle = oracle.NewBook(s.j, s.roles, clock, opts.OracleMaxAge)
	s.buffer = buffer.New(opts.BufferAddress, s.ledger, s.roles, s.bus, log.Named("buffer"))

	if err := s.bootstrap(opts); err != nil {
		return nil, err
	}
	return s, nil
}

// bootstrap applies the configured ceilings and grants outside any unit, so
// they are part of the initial state rather than of the command log.
func (s *System) bootstrap(opts Options) error {
	if opts.GlobalDebtCeiling != nil {
		if err := s.ledger.SetGlobalDebtCeiling(s.admin, opts.GlobalDebtCeiling); err != nil {
			return fmt.Errorf("global debt ceiling: %w", err)
		}
	}
	if opts.BufferCeiling != nil {
		if err := s.ledger.SetDebtCeiling(s.admin, opts.BufferAddress, opts.BufferCeiling); err != nil {
			return fmt.Errorf("buffer debt ceiling: %w", err)
		}
	}
	for _, spec := range opts.Vaults {
		cfg := spec.Config
		if _, dup := s.vaults[cfg.Name]; dup {
			return fmt.Errorf("%w: duplicate vault %q", ErrInvalidArgument, cfg.Name)
		}
		tok, ok := s.tokens[cfg.Asset]
		if !ok {
			tok = token.NewBook(s.j, cfg.Asset, s.roles)
			s.tokens[cfg.Asset] = tok
		}
		v, err := vault.New(s.j, cfg, vault.Deps{
			Ledger: s.ledger,
			Token:  tok,
			Oracle: s.oracle,
			Buffer: s.buffer,
			Roles:  s.roles,
			Bus:    s.bus,
			Log:    s.log,
			Clock:  s.clock,
		})
		if err != nil {
			return fmt.Errorf("vault %s: %w", cfg.Name, err)
		}
		if err := s.roles.Grant(s.admin, cfg.Address, policy.ActionBailOut); err != nil {
			return fmt.Errorf("vault %s: %w", cfg.Name, err)
		}
		if spec.DebtCeiling != nil {
			if err := s.ledger.SetDebtCeiling(s.admin, cfg.Address, spec.DebtCeiling); err != nil {
				return fmt.Errorf("vault %s: %w", cfg.Name, err)
			}
		}
		uc := spec.Unwind
		if uc.AuctionMultiplier == nil {
			uc = unwind.DefaultConfig()
		}
		s.vaults[cfg.Name] = &vaultEntry{v: v, unwind: uc}
	}
	return nil
}

func (s *System) clock() time.Time { return time.Unix(s.now, 0) }

// Now is the time of the last applied command.
func (s *System) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock()
}

// Subscribe attaches a sink for committed events. Sinks added after replay
// only see new activity.
func (s *System) Subscribe(sink events.Sink) { s.bus.Subscribe(sink) }

// AttachLog makes every later command durable in l before it is applied.
func (s *System) AttachLog(l state.Log) {
	s.mu.Lock()
	s.cmdLog = l
	s.mu.Unlock()
}

// Apply runs one command. A command's time never moves the clock backwards;
// earlier timestamps are raised to the current time. When a log is
// attached the command is appended first and rejected if that fails.
func (s *System) Apply(ctx context.Context, cmd Command) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.Time == 0 {
		cmd.Time = s.wall().Unix()
	}
	if cmd.Time < s.now {
		cmd.Time = s.now
	}
	var seq uint64
	if s.cmdLog != nil {
		payload, err := EncodeCommand(cmd)
		if err != nil {
			return Result{}, err
		}
		if seq, err = s.cmdLog.Append(ctx, payload); err != nil {
			return Result{}, fmt.Errorf("append command: %w", err)
		}
		s.lastSeq = seq
	}
	res, err := s.apply(cmd)
	res.Seq = seq
	return res, err
}

func (s *System) apply(cmd Command) (Result, error) {
	s.now = cmd.Time
	res, err := s.dispatch(cmd)
	res.Time = cmd.Time
	if err != nil {
		s.metrics.CommandsRejected.Inc()
		if cmd.Op == OpExchange {
			s.metrics.ExchangeFailures.Inc()
		}
		s.log.Debug("command rejected",
			zap.String("op", string(cmd.Op)),
			zap.String("caller", cmd.Caller.Hex()),
			zap.Error(err),
		)
		return res, err
	}
	s.count(cmd, res)
	return res, nil
}

// Replay applies every logged command after fromSeq. Failures are expected
// (the log holds rejected commands too) and do not stop the replay.
func (s *System) Replay(ctx context.Context, l state.Log, fromSeq uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var applied uint64
	err := l.Scan(ctx, fromSeq, func(seq uint64, payload []byte) error {
		cmd, err := DecodeCommand(payload)
		if err != nil {
			return fmt.Errorf("decode command %d: %w", seq, err)
		}
		if cmd.Time < s.now {
			return fmt.Errorf("command %d goes back in time", seq)
		}
		_, _ = s.apply(cmd)
		s.lastSeq = seq
		applied++
		return nil
	})
	if err != nil {
		return applied, err
	}
	s.log.Info("command log replayed", zap.Uint64("commands", applied), zap.Uint64("last_seq", s.lastSeq))
	return applied, nil
}

// LastSeq is the sequence number of the last logged command.
func (s *System) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

func (s *System) vault(name string) (*vaultEntry, error) {
	e, ok := s.vaults[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVault, name)
	}
	return e, nil
}

func (s *System) unwinder(name string) (*unwind.Unwinder, error) {
	e, err := s.vault(name)
	if err != nil {
		return nil, err
	}
	if e.unwinder == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoUnwinder, name)
	}
	return e.unwinder, nil
}

// UnwinderAddress is the ledger account a vault's unwinder takes over.
func UnwinderAddress(vaultName string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("creditvault/unwinder/" + vaultName)))
}

func (s *System) createUnwinder(caller common.Address, name string) (*unwind.Unwinder, error) {
	e, err := s.vault(name)
	if err != nil {
		return nil, err
	}
	if e.unwinder != nil {
		return nil, ErrUnwinderExists
	}
	u, err := unwind.Create(s.j, e.v, caller, UnwinderAddress(name), e.unwind, unwind.Deps{
		Ledger: s.ledger,
		Oracle: s.oracle,
		Bus:    s.bus,
		Log:    s.log,
		Clock:  s.clock,
	})
	if err != nil {
		return nil, err
	}
	e.unwinder = u
	return u, nil
}

func (s *System) vaultNames() []string {
	names := make([]string, 0, len(s.vaults))
	for name := range s.vaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *System) count(cmd Command, res Result) {
	m := s.metrics
	switch cmd.Op {
	case OpTransfer:
		m.Transfers.Inc()
	case OpModifyPosition:
		m.PositionsModified.Inc()
	case OpExchange:
		m.Exchanges.Inc()
	case OpLiquidate:
		for range res.Liquidations {
			m.Liquidations.Inc()
		}
	case OpDelegate:
		m.Delegations.Inc()
	case OpUndelegate:
		m.Undelegations.Inc()
	case OpClaim:
		m.Claims.Inc()
	case OpTakeCash:
		m.AuctionTakes.Inc()
	}
}

// countEvent picks up outcomes that happen below the command layer,
// including an emergency entered by a call that then failed.
func (s *System) countEvent(e events.Event) {
	switch e.Kind {
	case events.KindEmergency:
		s.metrics.EmergencyEntries.Inc()
	case events.KindBadDebt:
		s.metrics.BadDebtEvents.Inc()
	case events.KindBailOut:
		s.metrics.BailOuts.Inc()
	}
}

var errNoSignature = errors.New("signature is required")
