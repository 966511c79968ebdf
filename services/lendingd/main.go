package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	genesisconfig "vaultlend/config"
	"vaultlend/core/events"
	"vaultlend/observability/logging"
	telemetry "vaultlend/observability/otel"
	"vaultlend/services/lendingd/config"
	"vaultlend/services/lendingd/eventlog"
	"vaultlend/services/lendingd/node"
	"vaultlend/services/lendingd/server"
	"vaultlend/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("lendingd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to lendingd YAML config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv("LENDINGD_ENV"))
	logger := logging.SetupWithOptions(logging.Options{
		Service:    "lendingd",
		Env:        env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("lendingd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	genesis, err := genesisconfig.Load(cfg.GenesisPath)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}

	var archive *eventlog.Store
	if cfg.EventLog.Driver != "" {
		archive, err = eventlog.Open(cfg.EventLog.Driver, cfg.EventLog.DSN)
		if err != nil {
			_ = db.Close()
			return err
		}
		defer archive.Close()
	}

	var n *node.Node
	height := func() uint64 {
		if n == nil {
			return 0
		}
		return n.Height()
	}
	stream := eventlog.NewBroker(height)
	fanout := events.Fanout{logEmitter(logger), stream}
	if archive != nil {
		fanout = append(fanout, archive.Emitter(height, logger))
	}
	n, err = node.New(db, genesis, node.Options{Logger: logger, Emitter: fanout})
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Error("close node", slog.Any("error", err))
		}
	}()

	api := server.New(n, server.Options{
		Auth: server.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew,
		},
		KeeperScope: cfg.Auth.KeeperScope,
		OracleScope: cfg.Auth.OracleScope,
		AdminScope:  cfg.Auth.AdminScope,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
		Events: archive,
		Stream: stream,
	})
	if !cfg.Auth.Enabled && !strings.EqualFold(env, "dev") && !isLoopback(cfg.ListenAddress) {
		return errors.New("unauthenticated lendingd is restricted to loopback listeners or the dev environment")
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(api.Handler(), "lendingd"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return n.Run(ctx, cfg.BlockInterval)
	})
	group.Go(func() error {
		logger.Info("lendingd listening",
			slog.String("listen", cfg.ListenAddress),
			slog.Duration("block_interval", cfg.BlockInterval),
			slog.Bool("auth", cfg.Auth.Enabled))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func openDatabase(dir string) (storage.Database, error) {
	if dir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(dir, "state"))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return db, nil
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// logEmitter writes every event as one structured log line.
func logEmitter(logger *slog.Logger) events.Emitter {
	return events.EmitterFunc(func(evt events.Event) {
		attrs := []any{slog.String("type", evt.EventType())}
		if typed, ok := evt.(events.Typed); ok {
			if rendered := typed.Event(); rendered != nil {
				for k, v := range rendered.Attributes {
					attrs = append(attrs, slog.String(k, v))
				}
			}
		}
		logger.Info("lending event", attrs...)
	})
}
