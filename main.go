package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/joho/godotenv"

	"rwfrom/internal/config"
	"rwfrom/internal/metrics"
	"rwfrom/internal/milter"
	"rwfrom/internal/opensmtpd"
	"rwfrom/internal/proxy"
	"rwfrom/internal/relay"
	"rwfrom/internal/rewrite"
	"rwfrom/internal/rules"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}
	if flag.NArg() > 1 {
		slog.Error("bogus argument(s)", "args", flag.Args())
		os.Exit(1)
	}

	// Load .env file if present (ignore error if missing)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	if flag.NArg() == 1 {
		cfg.RulesPath = flag.Arg(0)
	}

	// stdout carries the filter protocol in opensmtpd mode.
	var logOut io.Writer = os.Stdout
	if cfg.Mode == config.ModeOpenSMTPD {
		logOut = os.Stderr
	}
	handler := slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel})
	slog.SetDefault(slog.New(handler))

	slog.Debug("starting...", "mode", cfg.Mode, "rules", cfg.RulesPath)

	store, err := rules.LoadFile(cfg.RulesPath)
	if err != nil {
		slog.Error("configuration failed", "rules", cfg.RulesPath, "error", err)
		os.Exit(1)
	}
	metrics.RulesLoaded.Set(float64(store.Len()))
	slog.Info("rules loaded", "path", cfg.RulesPath, "count", store.Len())

	engine := rewrite.NewEngine(store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	switch cfg.Mode {
	case config.ModeSMTP:
		err = runSMTP(ctx, cfg, engine)
	case config.ModeMilter:
		err = milter.Serve(ctx, cfg.MilterNetwork, cfg.MilterAddr, engine)
	case config.ModeOpenSMTPD:
		err = opensmtpd.New(engine, os.Stdin, os.Stdout).Run()
	}
	if err != nil {
		slog.Error("server error", "mode", cfg.Mode, "error", err)
		os.Exit(1)
	}

	slog.Debug("exiting")
}

func runSMTP(ctx context.Context, cfg *config.Config, engine *rewrite.Engine) error {
	backend := proxy.NewBackend(cfg, engine, relay.Send)

	s := smtp.NewServer(backend)
	s.Addr = cfg.ListenAddr
	s.Domain = cfg.ServerDomain
	s.AllowInsecureAuth = true
	s.MaxMessageBytes = cfg.MaxMessageSize
	s.MaxRecipients = 100
	s.ReadTimeout = 60 * time.Second
	s.WriteTimeout = 60 * time.Second

	slog.Info("starting smtp proxy",
		"listen", cfg.ListenAddr,
		"upstream", cfg.DestHost,
		"upstream_port", cfg.DestPort,
		"auth", cfg.AuthRequired(),
	)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe()
	}()

	// Wait for signal or server error
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down...")
	}

	// Graceful shutdown with 30s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}
