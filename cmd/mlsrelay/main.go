// Package main is the CLI entrypoint for the relay server. It provides
// subcommands for running the server (serve), managing database migrations
// (migrate), and printing version information (version). The serve command
// loads configuration, connects to PostgreSQL, NATS, Redis, and S3-compatible
// object storage, runs pending migrations, serves the REST API and WebSocket
// gateway on one listener, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/q10elabs/mlschat/internal/config"
	"github.com/q10elabs/mlschat/internal/relay"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mlsrelay - MLS group-messaging relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mlsrelay <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the relay's HTTP API and WebSocket gateway")
	fmt.Println("  migrate   Run database migrations (up, down, status)")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  mlsrelay.toml (or set MLSRELAY_CONFIG_PATH)")
	fmt.Println("  Env prefix:   MLSRELAY_ (e.g. MLSRELAY_DATABASE_URL)")
}

// runServe starts the relay: loads config, connects to Postgres, NATS,
// Redis, and object storage, runs migrations, and serves the REST API and
// WebSocket gateway until a shutdown signal arrives.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting mlsrelay", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.LoadRelay(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath), slog.String("domain", cfg.Instance.Domain))

	ctx := context.Background()

	db, err := relay.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := relay.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Close()

	redisOpts, err := redis.ParseURL(cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("parsing cache.url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	reservationTTL, err := cfg.KeyPackage.ReservationTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing reservation_ttl: %w", err)
	}

	store := relay.NewStore(db, redisClient, reservationTTL, logger)

	var backups *relay.BackupStore
	if cfg.Storage.Endpoint != "" {
		backups, err = relay.NewBackupStore(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey,
			cfg.Storage.Region, cfg.Storage.Bucket, cfg.Storage.UseSSL, db, logger)
		if err != nil {
			logger.Warn("backup storage unavailable, backup endpoints will error", slog.String("error", err.Error()))
		} else {
			logger.Info("backup storage ready", slog.String("endpoint", cfg.Storage.Endpoint), slog.String("bucket", cfg.Storage.Bucket))
		}
	}

	router := relay.NewRouter(db, nc, logger)
	gw := relay.NewGateway(router, logger)
	apiSrv := relay.NewServer(store, db, backups, gw, logger)

	httpSrv := &http.Server{Addr: cfg.HTTP.Listen, Handler: apiSrv.Router()}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)

	go func() {
		logger.Info("HTTP API and gateway listening", slog.String("addr", cfg.HTTP.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("mlsrelay stopped")
	return nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.LoadRelay(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return relay.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return relay.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := relay.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

func runVersion() {
	fmt.Printf("mlsrelay %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from MLSRELAY_CONFIG_PATH env var
// or the default "mlsrelay.toml".
func configPath() string {
	if p := os.Getenv("MLSRELAY_CONFIG_PATH"); p != "" {
		return p
	}
	return "mlsrelay.toml"
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
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
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
