package main

import (
	"errors"
	"fmt"

	"catalogsync/config"
	"catalogsync/internal/services"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API token signed with API_SIGNING_KEY",
	Long: `Issue a bearer token for the HTTP API and the websocket feed.

Examples:
  catalogctl token dashboard
  catalogctl token ops --ttl 720h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().Duration("ttl", services.TOKEN_DEFAULT_TTL, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := config.New()
	if err != nil {
		return err
	}
	if cfg.APISigningKey == "" {
		return errors.New("API_SIGNING_KEY is not set, the API accepts every request")
	}

	token, err := services.NewTokenService(cfg.APISigningKey).Issue(args[0], ttl)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
