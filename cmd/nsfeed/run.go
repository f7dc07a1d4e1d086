package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nsfeed/nsfeed/internal/config"
	"github.com/nsfeed/nsfeed/internal/feed"
	"github.com/nsfeed/nsfeed/internal/state"
	"github.com/nsfeed/nsfeed/internal/ws"
)

const (
	broadcastThrottle = 250 * time.Millisecond
	snapshotInterval  = 30 * time.Second
	maxObservers      = 16
)

var (
	runURL        string
	runSecret     string
	runSecretHash string
	runSecurity   string
	runBackend    string
	runNoServer   bool
	runPort       int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the feed and mirror it into local state",
	Long: `Connect to the configured feed, authorize, and write every decoded
update into the state store. Unless disabled, a local server exposes the
state on /api/state and streams changes on /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyRunFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logger, err := newLogger(cfg, os.Stderr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runFeed(ctx, cfg, logger)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runURL, "url", "", "Override feed.url")
	f.StringVar(&runSecret, "secret", "", "Override feed.secret")
	f.StringVar(&runSecretHash, "secret-hash", "", "Override feed.secret_hash")
	f.StringVar(&runSecurity, "security", "", "Override feed.security (secure, insecure, plain)")
	f.StringVar(&runBackend, "backend", "", "Override state.backend (memory, file, sqlite)")
	f.BoolVar(&runNoServer, "no-server", false, "Do not start the local observer server")
	f.IntVarP(&runPort, "port", "p", 0, "Override server.port")
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("url") {
		cfg.Feed.URL = runURL
	}
	if f.Changed("secret") {
		cfg.Feed.Secret = runSecret
	}
	if f.Changed("secret-hash") {
		cfg.Feed.SecretHash = runSecretHash
	}
	if f.Changed("security") {
		cfg.Feed.Security = runSecurity
	}
	if f.Changed("backend") {
		cfg.State.Backend = runBackend
	}
	if runNoServer {
		cfg.Server.Enabled = false
	}
	if runPort > 0 {
		cfg.Server.Port = runPort
	}
}

// runFeed runs one session and, if enabled, the observer server until ctx
// is cancelled or either of them fails.
func runFeed(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := state.Open(cfg.State.Backend, cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	defer store.Close()

	health := feed.NewHealth(feed.DefaultDecodeFailureThreshold)
	session := feed.NewSession(feed.SessionConfig{
		URL:           cfg.Feed.URL,
		Security:      cfg.SecurityMode(),
		Secret:        cfg.Feed.Secret,
		SecretHash:    cfg.Feed.SecretHash,
		ReconnectBase: cfg.Feed.ReconnectBase,
		ReconnectMax:  cfg.Feed.ReconnectMax,
	}, store, feed.WithLogger(logger), feed.WithHealth(health))
	if session.Credential().Empty() {
		logger.Warn("no feed secret configured, the server may refuse read access")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srvErr := make(chan error, 1)
	if cfg.Server.Enabled {
		generated := cfg.Server.Token == config.TokenAuto
		token, err := cfg.ResolveToken()
		if err != nil {
			return err
		}
		if generated {
			logger.Info("generated observer token", "token", token)
		}

		b := ws.NewBroadcaster(store, health, broadcastThrottle, snapshotInterval, maxObservers)
		b.SetLogger(logger)
		defer b.Stop()
		store.Subscribe(b.QueueFact)
		session.OnStatus(b.QueueStatus)

		srv := ws.NewServer(store, health, b, nil, token, logger)
		go func() {
			srvErr <- ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, srv.Handler(), logger)
		}()
	}

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer session.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	select {
	case err = <-runErr:
	case err = <-srvErr:
		if err != nil {
			err = fmt.Errorf("observer server: %w", err)
		}
	}
	logger.Info("shutting down", "state", storeDescription(cfg))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func storeDescription(cfg *config.Config) string {
	backend := cfg.State.Backend
	if backend == "" {
		backend = state.KindFile
	}
	if backend == state.KindMemory {
		return backend
	}
	dir := cfg.State.Dir
	if dir == "" {
		dir = state.DefaultDir()
	}
	return backend + ":" + dir
}
