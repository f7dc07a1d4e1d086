package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nsfeed/nsfeed/internal/feed"
)

var hashCmd = &cobra.Command{
	Use:   "hash [secret]",
	Short: "Print the credential sent for an API secret",
	Long: `Print the SHA-1 hex credential derived from an API secret. The result
can be stored as feed.secret_hash so the plain secret never has to be
kept in the config file. With no argument the secret is read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var secret string
		if len(args) == 1 {
			secret = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading secret: %w", err)
			}
			secret = strings.TrimRight(line, "\r\n")
		}
		if secret == "" {
			return errors.New("empty secret")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(feed.DeriveCredential(secret, "")))
		return nil
	},
}
