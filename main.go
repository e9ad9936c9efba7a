package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"cipherroom/server/internal/config"
	"cipherroom/server/internal/core"
	"cipherroom/server/internal/httpapi"
	"cipherroom/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.Addr, "Echo listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	useTLS := flag.Bool("tls", cfg.TLS, "Serve HTTPS (self-signed unless -tls-cert/-tls-key are set)")
	tlsCert := flag.String("tls-cert", cfg.TLSCert, "TLS certificate file")
	tlsKey := flag.String("tls-key", cfg.TLSKey, "TLS key file")
	tlsHost := flag.String("tls-host", "", "Hostname for the self-signed certificate")
	debug := flag.Bool("debug", cfg.Debug, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	if RunCLI(flag.Args(), *dbPath) {
		return
	}

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting coordinator", "version", Version, "addr", *addr, "db", *dbPath)

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	rooms := core.NewManager(st)
	server := httpapi.New(rooms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	metricsInterval := time.Duration(cfg.MetricsSecs) * time.Second
	if metricsInterval > 0 {
		go RunMetrics(ctx, rooms, metricsInterval)
	}

	slog.Info("listening", "addr", *addr, "tls", *useTLS)
	switch {
	case *useTLS && *tlsCert != "" && *tlsKey != "":
		err = server.RunTLS(ctx, *addr, *tlsCert, *tlsKey)
	case *useTLS:
		tlsCfg, fingerprint, tlsErr := selfSignedTLS(*tlsHost, 14*24*time.Hour)
		if tlsErr != nil {
			slog.Error("generate self-signed certificate", "err", tlsErr)
			os.Exit(1)
		}
		slog.Info("self-signed certificate generated", "sha256", fingerprint)
		err = server.RunTLSConfig(ctx, *addr, tlsCfg)
	default:
		err = server.Run(ctx, *addr)
	}
	if err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
