package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/decred/slog"
	"github.com/joho/godotenv"

	"github.com/bigspider/rpsledger/server"
)

type config struct {
	ListenAddr string `env:"RPS_LISTEN" envDefault:":8985"`
	DataDir    string `env:"RPS_DATA_DIR" envDefault:"."`
	PriceAtoms int64  `env:"RPS_PRICE_ATOMS" envDefault:"100000000"`
	BondAtoms  int64  `env:"RPS_BOND_ATOMS" envDefault:"10000000"`
	WindowSecs int64  `env:"RPS_WINDOW_SECONDS" envDefault:"60"`
	DebugLevel string `env:"RPS_DEBUG" envDefault:"info"`
}

func realMain() error {
	// A .env next to the binary is a convenience, not a requirement.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	log := slog.NewBackend(os.Stdout).Logger("RPSD")
	if lvl, ok := slog.LevelFromString(cfg.DebugLevel); ok {
		log.SetLevel(lvl)
	} else {
		return fmt.Errorf("unknown debug level %q", cfg.DebugLevel)
	}

	srv, err := server.NewServer(server.ServerConfig{
		ServerDir:  cfg.DataDir,
		ListenAddr: cfg.ListenAddr,
		PriceAtoms: cfg.PriceAtoms,
		BondAtoms:  cfg.BondAtoms,
		Window:     time.Duration(cfg.WindowSecs) * time.Second,
		Log:        log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
