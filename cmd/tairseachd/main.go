// Command tairseachd is the Tairseach privilege-broker daemon: it holds
// encrypted credentials and OS permissions on behalf of untrusted agent
// processes and exposes a JSON-RPC surface over a peer-UID-restricted
// Unix-domain socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/geilt/tairseach/common/environment"
	"github.com/geilt/tairseach/common/version"
	"github.com/geilt/tairseach/internal/audit"
	"github.com/geilt/tairseach/internal/broker"
	"github.com/geilt/tairseach/internal/manifest"
	"github.com/geilt/tairseach/internal/masterkey"
	"github.com/geilt/tairseach/internal/oauth"
	"github.com/geilt/tairseach/internal/rpc"
	"github.com/geilt/tairseach/internal/store"
	"github.com/geilt/tairseach/internal/tairseachconfig"
)

func main() {
	fmt.Printf("Tairseach Auth Broker\n")
	fmt.Printf("Version: %s\n", version.Info())
	fmt.Println()

	cfg := loadConfig()
	setupLogging(cfg.logLevel, cfg.logFormat)

	keyProvider, err := masterkey.Open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	masterKey, err := keyProvider.Acquire()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: acquire master key: %v\n", err)
		os.Exit(1)
	}
	defer masterKey.Zero()

	st, err := store.Open(cfg.daemonDir, masterKey.Bytes())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open credential store: %v\n", err)
		os.Exit(1)
	}

	cfgStore, err := tairseachconfig.Open(cfg.daemonDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open config store: %v\n", err)
		os.Exit(1)
	}

	auditDB, err := audit.OpenSQLiteNotifier(filepath.Join(cfg.daemonDir, "audit.db"), slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open audit database: %v\n", err)
		os.Exit(1)
	}
	defer auditDB.Close()

	providers := buildOAuthProviders(cfg)
	brk := broker.New(st, providers, func(ctx context.Context, kind, provider, account, message string) {
		auditDB.Notify(ctx, audit.Event{
			Kind:    audit.Kind(kind),
			Target:  provider + ":" + account,
			Message: message,
		})
	})

	manifestsDir := filepath.Join(cfg.daemonDir, "manifests")
	registry := manifest.NewRegistry(manifest.DefaultTiers(manifestsDir), slog.Default())
	if _, err := registry.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: load manifests: %v\n", err)
		os.Exit(1)
	}
	watcher, err := manifest.NewWatcher(registry, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: start manifest watcher: %v\n", err)
		os.Exit(1)
	}

	rpc.ScriptsDir = filepath.Join(cfg.daemonDir, "scripts")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := rpc.NewDispatcher(registry, brk, rpc.AlwaysGranted{}, slog.Default())
	dispatcher.SetAudit(auditDB)
	rpc.RegisterBuiltins(dispatcher, brk, rpc.AlwaysGranted{}, cfgStore, stop)

	socketPath := cfg.socketPath
	if socketPath == "" {
		socketPath = filepath.Join(cfg.daemonDir, "tairseach.sock")
	}
	server := rpc.NewServer(socketPath, dispatcher, slog.Default())
	if err := server.Listen(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: listen on socket: %v\n", err)
		os.Exit(1)
	}

	watcher.Start()
	go brk.Run(ctx)

	slog.Info("tairseachd: ready", "socket", socketPath, "daemon_dir", cfg.daemonDir)
	auditDB.Notify(ctx, audit.Event{Kind: audit.KindServerStarted, Message: "tairseachd started"})

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil {
			slog.Error("tairseachd: serve failed", "error", err)
		}
	}

	slog.Info("tairseachd: shutting down")
	auditDB.Notify(context.Background(), audit.Event{Kind: audit.KindServerStopped, Message: "tairseachd stopping"})

	watcher.Stop()
	brk.Stop()
	if err := server.Close(); err != nil {
		slog.Warn("tairseachd: close server", "error", err)
	}
}

type config struct {
	daemonDir  string
	socketPath string
	logLevel   string
	logFormat  string

	googleClientID     string
	googleClientSecret string
}

func loadConfig() config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	defaultDaemonDir := filepath.Join(home, ".tairseach")

	return config{
		daemonDir:          environment.StringOr("TAIRSEACH_DAEMON_DIR", defaultDaemonDir),
		socketPath:         environment.StringOr("TAIRSEACH_SOCKET_PATH", ""),
		logLevel:           environment.StringOr("TAIRSEACH_LOG_LEVEL", "info"),
		logFormat:          environment.StringOr("TAIRSEACH_LOG_FORMAT", "text"),
		googleClientID:     environment.StringOr("TAIRSEACH_GOOGLE_CLIENT_ID", ""),
		googleClientSecret: environment.StringOr("TAIRSEACH_GOOGLE_CLIENT_SECRET", ""),
	}
}

// setupLogging installs the process-wide slog handler, mirroring
// internal/gitai/observability/logger.go's level/format switch.
func setupLogging(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildOAuthProviders registers every OAuth provider this build has
// credentials configured for. Absent configuration simply means the
// provider is unavailable, not an error: the broker rejects credential
// operations against an unregistered provider at call time.
func buildOAuthProviders(cfg config) *oauth.Registry {
	var providers []oauth.Provider
	if cfg.googleClientID != "" && cfg.googleClientSecret != "" {
		providers = append(providers, oauth.NewGoogle(oauth.GoogleConfig{
			ClientID:     cfg.googleClientID,
			ClientSecret: cfg.googleClientSecret,
			Timeout:      30 * time.Second,
		}))
	}
	return oauth.NewRegistry(providers...)
}
