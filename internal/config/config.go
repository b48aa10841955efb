package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	API       APIConfig       `yaml:"api"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Keeper    KeeperConfig    `yaml:"keeper"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Vaults    []VaultConfig   `yaml:"vaults"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type APIConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

// OracleConfig points at a websocket price feed. Without a URL prices only
// change through set_price commands.
type OracleConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxAge         time.Duration `yaml:"max_age"`
	// Publisher is the principal recorded on feed price updates.
	Publisher string `yaml:"publisher"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
	// The operator accepts /pause and /resume from the chat and submits
	// them as OperatorAddress, which needs the pause role.
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorAddress        string        `yaml:"operator_address"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
}

// KeeperConfig drives the periodic liquidation and housekeeping loop.
type KeeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
	// MaxRepay caps the credit offered per liquidated position.
	MaxRepay string `yaml:"max_repay"`
}

type LedgerConfig struct {
	Admins            []string `yaml:"admins"`
	GlobalDebtCeiling string   `yaml:"global_debt_ceiling"`
	ChainID           int64    `yaml:"chain_id"`
	// Genesis is the unix time the protocol clock starts at. It must not
	// change once commands have been logged.
	Genesis int64 `yaml:"genesis"`
}

type BufferConfig struct {
	Address     string `yaml:"address"`
	DebtCeiling string `yaml:"debt_ceiling"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/creditvault.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9102"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8480"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 10 * time.Second
	}
	if cfg.Oracle.ReconnectDelay == 0 {
		cfg.Oracle.ReconnectDelay = 3 * time.Second
	}
	if cfg.Oracle.PingInterval == 0 {
		cfg.Oracle.PingInterval = 30 * time.Second
	}
	if cfg.Oracle.MaxAge == 0 {
		cfg.Oracle.MaxAge = 5 * time.Minute
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Keeper.Interval == 0 {
		cfg.Keeper.Interval = 15 * time.Second
	}
	if cfg.Ledger.ChainID == 0 {
		cfg.Ledger.ChainID = 1
	}
	if cfg.Buffer.DebtCeiling == "" {
		cfg.Buffer.DebtCeiling = "0"
	}
	if cfg.Ledger.Genesis == 0 {
		for _, v := range cfg.Vaults {
			g := v.Delegation.Genesis
			if g > 0 && (cfg.Ledger.Genesis == 0 || g < cfg.Ledger.Genesis) {
				cfg.Ledger.Genesis = g
			}
		}
	}
	for i := range cfg.Vaults {
		if cfg.Vaults[i].Delegation.Genesis == 0 {
			cfg.Vaults[i].Delegation.Genesis = cfg.Ledger.Genesis
		}
		cfg.Vaults[i].applyDefaults()
	}
}

// applyEnv lets secrets stay out of the config file.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CREDIT_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("CREDIT_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("CREDIT_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
}

func validate(cfg *Config) error {
	if len(cfg.Ledger.Admins) == 0 {
		return errors.New("ledger.admins is required")
	}
	for _, admin := range cfg.Ledger.Admins {
		if _, err := ParseAddress(admin); err != nil {
			return fmt.Errorf("ledger.admins: %w", err)
		}
	}
	if cfg.Ledger.Genesis <= 0 {
		return errors.New("ledger.genesis is required")
	}
	if _, err := ParseAmount(cfg.Ledger.GlobalDebtCeiling); err != nil {
		return fmt.Errorf("ledger.global_debt_ceiling: %w", err)
	}
	if _, err := ParseAddress(cfg.Buffer.Address); err != nil {
		return fmt.Errorf("buffer.address: %w", err)
	}
	if _, err := ParseAmount(cfg.Buffer.DebtCeiling); err != nil {
		return fmt.Errorf("buffer.debt_ceiling: %w", err)
	}
	if cfg.Keeper.Enabled {
		if _, err := ParseAddress(cfg.Keeper.Address); err != nil {
			return fmt.Errorf("keeper.address: %w", err)
		}
		if _, err := ParseAmount(cfg.Keeper.MaxRepay); err != nil {
			return fmt.Errorf("keeper.max_repay: %w", err)
		}
	}
	if cfg.Oracle.URL != "" {
		if _, err := ParseAddress(cfg.Oracle.Publisher); err != nil {
			return fmt.Errorf("oracle.publisher: %w", err)
		}
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram token and chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled {
		if !cfg.Telegram.Enabled {
			return errors.New("telegram.operator_enabled requires telegram.enabled")
		}
		if _, err := ParseAddress(cfg.Telegram.OperatorAddress); err != nil {
			return fmt.Errorf("telegram.operator_address: %w", err)
		}
	}
	if len(cfg.Vaults) == 0 {
		return errors.New("at least one vault is required")
	}
	names := make(map[string]bool, len(cfg.Vaults))
	for i := range cfg.Vaults {
		v := &cfg.Vaults[i]
		if names[v.Name] {
			return fmt.Errorf("vaults[%d]: duplicate name %q", i, v.Name)
		}
		names[v.Name] = true
		if _, _, err := v.Build(); err != nil {
			return fmt.Errorf("vaults[%d] %s: %w", i, v.Name, err)
		}
	}
	return nil
}
