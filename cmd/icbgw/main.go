package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Zereker/icbgw"
)

const defaultConfigPath = "icbgw.yaml"

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func main() {
	configPath := flag.String("config", getEnv("ICBGW_CONFIG", defaultConfigPath), "gateway config file path")
	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", ""), "log verbosity (all, debug, info, warn, error, none)")
	statusAddr := flag.String("status-addr", getEnv("STATUS_ADDR", ""), "status/metrics HTTP listen address")
	flag.Parse()

	logger := newLogger(os.Stderr)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		configureLevel("info")
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	configureLevel(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to defaults when the default path does
// not exist.
func loadConfig(path string) (icbgw.Config, error) {
	cfg, err := icbgw.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		return icbgw.DefaultConfig(), nil
	}
	return cfg, err
}

func run(cfg icbgw.Config, logger icbgw.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := append(cfg.Options(), icbgw.LoggerOption(logger))

	icb, err := icbgw.NewICBSession(cfg.ICB, opts...)
	if err != nil {
		return err
	}
	irc, err := icbgw.NewIRCSession(cfg.IRC, opts...)
	if err != nil {
		return err
	}
	relay, err := icbgw.NewRelay(icb, irc, icbgw.LoggerOption(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StatusAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		icbgw.RegisterMetrics(reg)

		srv, err := icbgw.NewStatusServer(cfg.StatusAddr, icbgw.StatusHandler(relay, reg),
			icbgw.StatusLoggerOption(logger),
			icbgw.StatusShutdownTimeoutOption(5*time.Second))
		if err != nil {
			return err
		}
		go func() {
			_ = srv.Serve(ctx)
		}()
	}

	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}
