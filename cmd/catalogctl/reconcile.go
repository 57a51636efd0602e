package main

import (
	"catalogsync/internal/app"
	"catalogsync/internal/models"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:     "reconcile <kind> <key>...",
	Aliases: []string{"lookup"},
	Short:   "Find or create catalog entities by key",
	Long: `Look up keys of one kind, fetching and storing the ones not yet cached.

Examples:
  catalogctl reconcile artist r62 r63
  catalogctl reconcile albums a100`,
	Args: cobra.MinimumNArgs(2),
	RunE: runReconcile,
}

var getCmd = &cobra.Command{
	Use:   "get <kind> <key>",
	Short: "Print a stored entity without contacting the catalog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseKind(args[0])
		if err != nil {
			return err
		}
		return withApp(func(application *app.App) error {
			entity, found, err := application.Services.Catalog.Get(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}
			if !found {
				cmd.PrintErrf("%s %s not stored\n", kind, args[1])
				return nil
			}
			return printJSON(cmd, entity)
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(getCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	kind, err := models.ParseKind(args[0])
	if err != nil {
		return err
	}

	return withApp(func(application *app.App) error {
		response, err := application.Services.Catalog.Lookup(cmd.Context(), kind, args[1:])
		if err != nil {
			return err
		}
		return printJSON(cmd, response)
	})
}
