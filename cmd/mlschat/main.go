// Package main is the CLI entrypoint for the mlschat client. It loads
// identity and pool configuration, connects to the relay's REST and
// WebSocket surfaces, and runs an interactive command loop over stdin for
// creating and joining groups, inviting members, sending messages, and
// listing members, alongside a background loop that applies incoming
// envelopes and periodically refreshes the local KeyPackage pool.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/q10elabs/mlschat/internal/config"
	"github.com/q10elabs/mlschat/internal/hub"
	"github.com/q10elabs/mlschat/internal/keypackage"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("mlschat %s (%s)\n", version, commit)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mlschat - MLS group-messaging client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mlschat            Start an interactive session")
	fmt.Println("  mlschat version    Print version information")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  mlschat.toml (or set MLSCHAT_CONFIG_PATH)")
	fmt.Println("  Env prefix:   MLSCHAT_ (e.g. MLSCHAT_IDENTITY_USERNAME)")
	fmt.Println()
	fmt.Println("Interactive commands:")
	fmt.Println("  /join <group>              create or join a group by name")
	fmt.Println("  /invite <group> <user>     invite a user into a group")
	fmt.Println("  /members <group>           list a group's current members")
	fmt.Println("  /say <group> <text...>     send a message to a group")
	fmt.Println("  /quit                      disconnect and exit")
}

func run() error {
	cfgPath := configPath()
	cfg, err := config.LoadClient(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Identity.Username == "" {
		return fmt.Errorf("config: identity.username is required (set it in %s or via MLSCHAT_IDENTITY_USERNAME)", cfgPath)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting mlschat", slog.String("version", version), slog.String("user", cfg.Identity.Username))

	if err := os.MkdirAll(cfg.Storage.Dir, 0o700); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}

	poolCfg := keypackage.Config{
		TargetPoolSize: cfg.Pool.TargetPoolSize,
		LowWatermark:   cfg.Pool.LowWatermark,
		HardCap:        cfg.Pool.HardCap,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, cfg.Server.URL, cfg.Identity.Username, cfg.Storage.Dir, poolCfg, logger)
	if err != nil {
		return fmt.Errorf("constructing hub: %w", err)
	}
	defer h.Close()

	if err := h.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing identity and keypackages: %w", err)
	}
	if err := h.ConnectTransport(ctx); err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		receiveLoop(ctx, h, logger)
	}()
	go func() {
		defer wg.Done()
		refreshLoop(ctx, h, logger)
	}()

	commandLoop(ctx, h, logger, stop)

	wg.Wait()
	logger.Info("mlschat stopped")
	return nil
}

// receiveLoop pulls incoming envelopes off the transport and applies them to
// hub state for as long as ctx is alive. Groups joined via an incoming
// Welcome become resolvable at the prompt automatically, since
// handleCommand resolves names through h.Groups() rather than a separate
// client-side registry.
func receiveLoop(ctx context.Context, h *hub.Hub, logger *slog.Logger) {
	for {
		env, err := h.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("receive loop error", "error", err)
			continue
		}
		if err := h.ProcessIncomingEnvelope(ctx, env); err != nil {
			logger.Warn("failed to process envelope", "error", err)
		}
	}
}

// refreshLoop periodically tops up the local KeyPackage pool.
func refreshLoop(ctx context.Context, h *hub.Hub, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.RefreshKeyPackages(ctx); err != nil {
				logger.Warn("keypackage refresh failed", "error", err)
			}
		}
	}
}

// commandLoop reads slash commands from stdin until /quit or EOF or ctx is
// cancelled.
func commandLoop(ctx context.Context, h *hub.Hub, logger *slog.Logger, stop context.CancelFunc) {
	fmt.Println("mlschat ready. Type /help for commands, /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				stop()
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if handleCommand(ctx, h, logger, line) {
				stop()
				return
			}
		}
	}
}

// handleCommand executes one line of input and returns true if the session
// should end.
func handleCommand(ctx context.Context, h *hub.Hub, logger *slog.Logger, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		printUsage()

	case "/join":
		if len(fields) < 2 {
			fmt.Println("usage: /join <group>")
			return false
		}
		name := fields[1]
		if _, err := h.JoinOrCreateGroup(ctx, name); err != nil {
			fmt.Printf("join failed: %v\n", err)
			return false
		}
		fmt.Printf("joined %q\n", name)

	case "/invite":
		if len(fields) < 3 {
			fmt.Println("usage: /invite <group> <user>")
			return false
		}
		groupID, ok := h.Groups()[fields[1]]
		if !ok {
			fmt.Printf("unknown group %q, /join it first\n", fields[1])
			return false
		}
		if err := h.InviteUserToGroup(ctx, groupID, fields[2]); err != nil {
			fmt.Printf("invite failed: %v\n", err)
			return false
		}
		fmt.Printf("invited %s to %q\n", fields[2], fields[1])

	case "/members":
		if len(fields) < 2 {
			fmt.Println("usage: /members <group>")
			return false
		}
		groupID, ok := h.Groups()[fields[1]]
		if !ok {
			fmt.Printf("unknown group %q, /join it first\n", fields[1])
			return false
		}
		members, ok := h.ListMembers(groupID)
		if !ok {
			fmt.Printf("unknown group %q\n", fields[1])
			return false
		}
		fmt.Printf("members of %q: %s\n", fields[1], strings.Join(members, ", "))

	case "/say":
		if len(fields) < 3 {
			fmt.Println("usage: /say <group> <text...>")
			return false
		}
		groupID, ok := h.Groups()[fields[1]]
		if !ok {
			fmt.Printf("unknown group %q, /join it first\n", fields[1])
			return false
		}
		text := strings.Join(fields[2:], " ")
		if err := h.SendMessageToGroup(ctx, groupID, text); err != nil {
			fmt.Printf("send failed: %v\n", err)
			return false
		}

	default:
		fmt.Printf("unknown command: %s (try /help)\n", fields[0])
	}

	return false
}

// configPath returns the config file path from MLSCHAT_CONFIG_PATH env var
// or the default "mlschat.toml".
func configPath() string {
	if p := os.Getenv("MLSCHAT_CONFIG_PATH"); p != "" {
		return p
	}
	return "mlschat.toml"
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
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
