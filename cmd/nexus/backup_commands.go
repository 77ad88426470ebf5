package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"corenexus/internal/core/backup"
	"corenexus/internal/shared/config"
	"corenexus/internal/shared/settings"
)

func newBackupCommand(ctx *commandContext) *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create or restore a backup of the data directory",
	}
	backupCmd.AddCommand(newBackupCreateCommand(ctx))
	backupCmd.AddCommand(newBackupRestoreCommand(ctx))
	return backupCmd
}

// coordinator builds a backup coordinator over the persisted stores. A
// running daemon holds the same file lock, so the two never overlap.
func (c *commandContext) coordinator() (*backup.Coordinator, error) {
	cfg, err := c.ensureConfig(false)
	if err != nil {
		return nil, err
	}
	layout := config.Layout{Root: cfg.LocalConf.DataDir}
	appPrefs, err := settings.NewStore(layout.AppPreferences())
	if err != nil {
		return nil, err
	}
	clashPrefs, err := settings.NewStore(layout.ClashPreferences())
	if err != nil {
		return nil, err
	}
	return backup.New(layout, appPrefs, clashPrefs, cfg.LocalConf.AppVersion), nil
}

func newBackupCreateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "create [target]",
		Short: "Write a " + backup.FileExtension + " snapshot (default: <data_dir>/backups)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := ctx.coordinator()
			if err != nil {
				return err
			}
			var target string
			if len(args) == 1 {
				target = args[0]
			}
			path, err := coord.CreateBackup(target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", path)
			return nil
		},
	}
}

func newBackupRestoreCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore preferences, subscriptions and overrides from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := ctx.coordinator()
			if err != nil {
				return err
			}
			if err := coord.RestoreBackup(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s. Restart the daemon to apply.\n", args[0])
			return nil
		},
	}
}
