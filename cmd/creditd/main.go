package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"creditvault/internal/config"
	"creditvault/internal/logging"
	"creditvault/internal/node"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath), zap.Int("vaults", len(cfg.Vaults)))

	n, err := node.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize node", zap.Error(err))
		os.Exit(1)
	}
	log.Info("node initialized", zap.String("api", n.APIAddr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("node terminated", zap.Error(err))
		os.Exit(1)
	}
	log.Info("node stopped")
}
