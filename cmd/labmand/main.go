package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/qapish/labman/internal/daemon"
	"github.com/qapish/labman/internal/infra"
)

const (
	exitOK     = 0
	exitFail   = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		logLevel    string
		bindAddr    string
		checkConfig bool
		printConfig bool
		showVersion bool
	)
	flags := pflag.NewFlagSet("labmand", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to labman.toml (default: /etc/labman/labman.toml, then ./labman.toml)")
	flags.StringVarP(&logLevel, "log-level", "L", "", "override logger.level (debug, info, warn, error)")
	flags.StringVar(&bindAddr, "bind-addr", "", "override proxy.listen_addr")
	flags.BoolVar(&checkConfig, "check-config", false, "validate configuration and exit")
	flags.BoolVar(&printConfig, "print-config", false, "print effective configuration and exit")
	flags.BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		return exitConfig
	}

	if showVersion {
		fmt.Println("labmand", infra.Version)
		return exitOK
	}

	// 1. Конфиг: файл + ENV, затем флаги поверх
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labmand: %v\n", err)
		return exitConfig
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	if bindAddr != "" {
		cfg.Proxy.ListenAddr = bindAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "labmand: invalid configuration:\n%v\n", err)
		return exitConfig
	}

	if checkConfig {
		fmt.Printf("configuration OK: %d endpoint(s), proxy on %s\n", len(cfg.Endpoints), cfg.Proxy.Addr())
		return exitOK
	}
	if printConfig {
		redacted := *cfg
		if redacted.ControlPlane.NodeToken != "" {
			redacted.ControlPlane.NodeToken = "<redacted>"
		}
		out, _ := json.MarshalIndent(redacted, "", "  ")
		fmt.Println(string(out))
		return exitOK
	}

	// 2. Логгер
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labmand: %v\n", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	// 3. Демон до SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, daemon.Options{}, logger)
	if err != nil {
		logger.Error("failed to build daemon", zap.Error(err))
		return exitFail
	}
	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited with error", zap.Error(err))
		return exitFail
	}
	return exitOK
}
