package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nsfeed/nsfeed/internal/feed"
	"github.com/nsfeed/nsfeed/internal/mock"
	"github.com/nsfeed/nsfeed/internal/ws"
)

var (
	mockAddr     string
	mockSecret   string
	mockInterval time.Duration
	mockPattern  string
	mockSeed     int64
)

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Serve a fake feed for local testing",
	Long: `Serve a Socket.IO feed that answers authorize and pushes generated
glucose, device status and treatment updates. Point "nsfeed run" at it
with --url http://127.0.0.1:1337 --security plain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, os.Stderr)
		if err != nil {
			return err
		}

		host, portStr, err := net.SplitHostPort(mockAddr)
		if err != nil {
			return fmt.Errorf("invalid --addr: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid --addr port: %w", err)
		}

		var hash string
		if mockSecret != "" {
			hash = string(feed.DeriveCredential(mockSecret, ""))
		}
		srv := mock.NewServer(mock.ServerOptions{
			SecretHash: hash,
			Interval:   mockInterval,
			Pattern:    mockPattern,
			Seed:       mockSeed,
			Logger:     logger,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go srv.Run(ctx)
		logger.Info("mock feed ready", "pattern", mockPattern, "interval", mockInterval, "auth", hash != "")
		return ws.ListenAndServe(ctx, host, port, srv.Handler(), logger)
	},
}

func init() {
	f := mockCmd.Flags()
	f.StringVar(&mockAddr, "addr", "127.0.0.1:1337", "Listen address")
	f.StringVar(&mockSecret, "secret", "", "API secret clients must present (empty grants everyone)")
	f.DurationVar(&mockInterval, "interval", 5*time.Second, "Time between generated updates")
	f.StringVar(&mockPattern, "pattern", mock.PatternWave, "Glucose pattern (steady, rising, falling, wave)")
	f.Int64Var(&mockSeed, "seed", 0, "Random seed (0 picks one)")
}
