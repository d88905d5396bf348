package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dicochat/server/internal/auth"
	"dicochat/server/internal/core"
	"dicochat/server/internal/httpapi"
	"dicochat/server/internal/metrics"
	"dicochat/server/internal/sanitize"
	"dicochat/server/internal/store"
	"dicochat/server/internal/ws"
	"dicochat/server/internal/wt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// Browsers accept pinned WebTransport certificates valid for under 14 days.
const wtCertValidity = 13 * 24 * time.Hour

func main() {
	cfg, args, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	level, _ := cfg.slogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if handled, err := RunCLI(args, cfg.DBPath, os.Stdout); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg Config) error {
	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "db", cfg.DBPath)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	// Presence does not survive a restart.
	if n, err := st.ResetPresence(ctx); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	} else if n > 0 {
		slog.Info("cleared stale online flags", "identities", n)
	}

	sanitizer, err := sanitize.New(cfg.censoredWords(), cfg.censorRune())
	if err != nil {
		return fmt.Errorf("build sanitizer: %w", err)
	}

	hub := core.NewHub(nil, core.DefaultSendBuffer)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := core.New(hub, st, core.Options{
		Sanitize:           sanitizer.Clean,
		Metrics:            metrics.New(reg, hub.Presence().Count),
		HistoryLimit:       cfg.HistoryLimit,
		ReputationInterval: cfg.ReputationInterval,
	})

	authn, err := auth.New(cfg.AdminCode, []byte(cfg.SessionSecret), cfg.SessionTTL, 0)
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	if !authn.Enabled() {
		slog.Warn("ADMIN_CODE is not set, admin login is disabled")
	}
	if cfg.SessionSecret == "" {
		slog.Warn("SESSION_SECRET is not set, admin sessions end on restart")
	}

	wsOpts := ws.Options{
		AllowedOrigins: cfg.allowedOrigins(),
		InboundRate:    rate.Limit(cfg.InboundRate),
		InboundBurst:   cfg.InboundBurst,
	}
	server := httpapi.New(engine, httpapi.Options{
		Auth:          authn,
		WS:            wsOpts,
		Gatherer:      reg,
		StaticDir:     cfg.StaticDir,
		SecureCookies: cfg.SecureCookies,
	})

	go RunMetrics(ctx, hub, cfg.MetricsInterval)

	if cfg.WTAddr != "" {
		tlsConfig, fingerprint, err := wt.GenerateTLSConfig(wtCertValidity, "")
		if err != nil {
			return fmt.Errorf("generate webtransport certificate: %w", err)
		}
		slog.Info("webtransport certificate", "sha256", fingerprint)
		wtServer := wt.NewServer(cfg.WTAddr, tlsConfig, engine, wsOpts.AllowedOrigins)
		go func() {
			if err := wtServer.Run(ctx); err != nil {
				slog.Error("webtransport server error", "err", err)
			}
		}()
	}

	slog.Info("listening", "addr", cfg.Addr)
	return server.Run(ctx, cfg.Addr)
}
