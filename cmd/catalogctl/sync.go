package main

import (
	"catalogsync/internal/app"
	"catalogsync/internal/types"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run catalog syncs",
}

var syncHeavyRotationCmd = &cobra.Command{
	Use:   "heavy-rotation",
	Short: "Upsert the catalog's heavy rotation list and record today's rankings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(application *app.App) error {
			summary, err := application.Services.Sync.SyncHeavyRotation(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		})
	},
}

var syncRefreshCmd = &cobra.Command{
	Use:   "refresh <key>...",
	Short: "Refetch keys and overwrite the stored entities",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(application *app.App) error {
			summary, err := application.Services.Sync.RefreshKeys(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		})
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last recorded run of each sync type",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(application *app.App) error {
			states := make(map[types.SyncType]*types.SyncState)
			for _, syncType := range []types.SyncType{types.SyncTypeHeavyRotation, types.SyncTypeRefresh} {
				state, _, err := application.Services.Sync.LastState(cmd.Context(), syncType)
				if err != nil {
					return err
				}
				states[syncType] = state
			}
			return printJSON(cmd, states)
		})
	},
}

func init() {
	syncCmd.AddCommand(syncHeavyRotationCmd)
	syncCmd.AddCommand(syncRefreshCmd)
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
