package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"creditvault/internal/client"
	"creditvault/internal/config"
	"creditvault/internal/logging"

	"go.uber.org/zap"
)

const (
	defaultAPIURL  = "http://127.0.0.1:8480"
	defaultTimeout = 10 * time.Second
	defaultEnvFile = ".env"
)

const usage = `usage: creditctl [flags] <command> [command flags]

commands:
  submit      submit a JSON command read from -file or stdin
  sign-permit sign a permission grant with CREDIT_PRIVATE_KEY
  ledger      show global ledger state
  account     show one ledger account (-address)
  vaults      list vault summaries
  vault       show one vault (-name)
  position    show a position (-vault, -owner)
  epoch       show a delegation epoch (-vault, -index)
  depth       show resting redemption orders (-vault)
  unwinder    show a vault's unwinder (-vault)
  events      show recent events (-limit)
`

func main() {
	apiURL := flag.String("api", defaultAPIURL, "creditd API base URL")
	timeout := flag.Duration("timeout", defaultTimeout, "request timeout")
	verbose := flag.Bool("v", false, "log requests")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logging.New(config.LoggingConfig{Level: level, Format: "console"})
	defer func() { _ = log.Sync() }()

	c := client.New(*apiURL, *timeout, log)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := run(ctx, c, flag.Arg(0), flag.Args()[1:], os.Stdin, log)
	if err != nil {
		fatal(err)
	}
	if err := printJSON(os.Stdout, out); err != nil {
		fatal(err)
	}
}

func run(ctx context.Context, c *client.Client, name string, args []string, stdin io.Reader, log *zap.Logger) (any, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	switch name {
	case "submit":
		file := fs.String("file", "", "command file (default stdin)")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		cmd, err := readCommand(*file, stdin)
		if err != nil {
			return nil, err
		}
		log.Debug("submitting command", zap.String("op", string(cmd.Op)))
		return c.Submit(ctx, cmd)
	case "sign-permit":
		return signPermit(ctx, c, fs, args)
	case "ledger":
		return c.Ledger(ctx)
	case "account":
		addr := fs.String("address", "", "account address")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		a, err := config.ParseAddress(*addr)
		if err != nil {
			return nil, err
		}
		return c.Account(ctx, a)
	case "vaults":
		return c.Vaults(ctx)
	case "vault":
		vault := fs.String("name", "", "vault name")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return c.Vault(ctx, *vault)
	case "position":
		vault := fs.String("vault", "", "vault name")
		owner := fs.String("owner", "", "position owner")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		o, err := config.ParseAddress(*owner)
		if err != nil {
			return nil, err
		}
		return c.Position(ctx, *vault, o)
	case "epoch":
		vault := fs.String("vault", "", "vault name")
		index := fs.Uint64("index", 0, "epoch index")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return c.Epoch(ctx, *vault, *index)
	case "depth":
		vault := fs.String("vault", "", "vault name")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return c.Depth(ctx, *vault)
	case "unwinder":
		vault := fs.String("vault", "", "vault name")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return c.Unwinder(ctx, *vault)
	case "events":
		limit := fs.Int("limit", 20, "number of events")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return c.Events(ctx, *limit)
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fatal(err error) {
	var apiErr *client.Error
	if errors.As(err, &apiErr) && apiErr.Kind != "" {
		fmt.Fprintf(os.Stderr, "%s error: %s\n", apiErr.Kind, apiErr.Message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
	os.Exit(1)
}
