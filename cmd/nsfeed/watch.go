package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nsfeed/nsfeed/internal/config"
	"github.com/nsfeed/nsfeed/internal/tui/app"
	"github.com/nsfeed/nsfeed/internal/tui/client"
)

var (
	watchAddr    string
	watchToken   string
	watchLogFile string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a live terminal viewer on a running nsfeed",
	Long: `Connect to the observer server of a running "nsfeed run" and show the
current glucose, trend, devices, site and sensor ages and the latest
notification. The viewer reconnects on its own.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		addr := watchAddr
		if addr == "" {
			addr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		}
		url, err := client.WebSocketURL(addr)
		if err != nil {
			return err
		}
		token := watchToken
		if !cmd.Flags().Changed("token") && cfg.Server.Token != config.TokenAuto {
			token = cfg.Server.Token
		}

		wsc := client.NewWSClient(url, token)
		if watchLogFile != "" {
			f, err := os.OpenFile(watchLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			defer f.Close()
			logger, err := cfg.Log.NewLogger(f)
			if err != nil {
				return err
			}
			wsc.SetLogger(logger)
		}

		p := tea.NewProgram(app.New(wsc), tea.WithAltScreen())
		_, err = p.Run()
		return err
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "", "Observer address or URL (default server.host:server.port)")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Observer token (default server.token)")
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "Write viewer logs to this file")
}
