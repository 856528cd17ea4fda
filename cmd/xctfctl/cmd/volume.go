package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xctf/xctf/internal/volume"
)

var volumeCmd = &cobra.Command{
	Use:     "volume",
	Aliases: []string{"vol"},
	Short:   "Archive and restore sandbox volume images",
}

var volumeArchiveCmd = &cobra.Command{
	Use:   "archive <image> <archive>",
	Short: "Compress a volume image, skipping zero blocks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		blocks, err := volume.ArchiveImage(args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to archive volume: %w", err)
		}
		fmt.Printf("✓ Archived %s -> %s (%d data blocks)\n", args[0], args[1], blocks)
		return nil
	},
}

var volumeRestoreCmd = &cobra.Command{
	Use:   "restore <archive> <image>",
	Short: "Restore a volume image from an archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := volume.RestoreImage(args[0], args[1]); err != nil {
			return fmt.Errorf("failed to restore volume: %w", err)
		}
		fmt.Printf("✓ Restored %s -> %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	volumeCmd.AddCommand(volumeArchiveCmd)
	volumeCmd.AddCommand(volumeRestoreCmd)
}
