package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nsfeed/nsfeed/internal/state"
	"github.com/nsfeed/nsfeed/internal/tui/client"
	"github.com/nsfeed/nsfeed/internal/ws"
)

var (
	stateBackend string
	stateDir     string
	stateJSON    bool
	statePrefix  string
	stateRemote  string
	stateToken   string
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	ackStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)
)

var stateCmd = &cobra.Command{
	Use:   "state [key]",
	Short: "Print stored state",
	Long: `Print every stored key, or a single key, from the configured state
backend. Use --prefix to narrow the list, e.g. --prefix data.cage.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if stateRemote != "" {
			return printRemote(cmd.OutOrStdout(), args)
		}

		backend := cfg.State.Backend
		if cmd.Flags().Changed("backend") {
			backend = stateBackend
		}
		dir := cfg.State.Dir
		if stateDir != "" {
			dir = stateDir
		}

		store, err := state.Open(backend, dir)
		if err != nil {
			return fmt.Errorf("failed to open state: %w", err)
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			rec, ok, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			return printRecords(out, []string{args[0]}, map[string]state.Record{args[0]: rec})
		}

		return printRecords(out, filterKeys(store.Keys()), store.All())
	},
}

// printRemote reads state from a running observer server instead of the
// local backend.
func printRemote(w io.Writer, args []string) error {
	base, err := client.HTTPBaseURL(stateRemote)
	if err != nil {
		return err
	}
	c := client.NewHTTPClient(base, stateToken)

	var facts []ws.Fact
	if len(args) == 1 {
		f, err := c.GetFact(args[0])
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("key %q not found", args[0])
		}
		if err != nil {
			return err
		}
		facts = []ws.Fact{*f}
	} else {
		if facts, err = c.GetState(); err != nil {
			return err
		}
	}

	records := make(map[string]state.Record, len(facts))
	keys := make([]string, 0, len(facts))
	for _, f := range facts {
		records[f.Key] = state.Record{TS: f.TS, Ack: f.Ack, Val: f.Val}
		keys = append(keys, f.Key)
	}
	if len(args) == 0 {
		keys = filterKeys(keys)
	}
	return printRecords(w, keys, records)
}

func filterKeys(keys []string) []string {
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, statePrefix) {
			out = append(out, k)
		}
	}
	return out
}

func init() {
	stateCmd.Flags().StringVar(&stateBackend, "backend", "", "Override state.backend (file, sqlite)")
	stateCmd.Flags().StringVar(&stateDir, "dir", "", "Override state.dir")
	stateCmd.Flags().StringVar(&statePrefix, "prefix", "", "Only print keys with this prefix")
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "Print JSON instead of a table")
	stateCmd.Flags().StringVar(&stateRemote, "remote", "", "Read from a running nsfeed server at this address instead")
	stateCmd.Flags().StringVar(&stateToken, "token", "", "Observer token for --remote")
}

type jsonRecord struct {
	Key string `json:"key"`
	state.Record
}

func printRecords(w io.Writer, keys []string, records map[string]state.Record) error {
	if stateJSON {
		out := make([]jsonRecord, 0, len(keys))
		for _, k := range keys {
			out = append(out, jsonRecord{Key: k, Record: records[k]})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(keys) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No state stored"))
		return nil
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d key(s)", len(keys))))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, titleStyle.Render("Key")+"\t"+titleStyle.Render("Value")+"\t"+titleStyle.Render("Ack")+"\t"+titleStyle.Render("Updated")+"\t")
	for _, k := range keys {
		rec := records[k]
		ack := ""
		if rec.Ack {
			ack = ackStyle.Render("✓")
		}
		updated := "-"
		if rec.TS > 0 {
			updated = rec.Time().Local().Format(time.DateTime)
		}
		fmt.Fprintln(tw, keyStyle.Render(k)+"\t"+formatValue(rec.Val)+"\t"+ack+"\t"+dateStyle.Render(updated)+"\t")
	}
	return tw.Flush()
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		if len(v) > 60 {
			return v[:57] + "..."
		}
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	s := string(data)
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
