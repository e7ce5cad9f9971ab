package main

import (
	"fmt"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"github.com/diskfs/gotenksfs/gotenks"
)

var (
	mkfsBlockSize uint32
	mkfsSize      string
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <file>",
	Short: "Create a new file system image",
	Long: `Create a new file system image at the given location.

The final size may be larger than the requested size in order to have
space for the file system structures.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		switch mkfsBlockSize {
		case 1024, 2048, 4096:
		default:
			return fmt.Errorf("invalid block size %d: must be 1024, 2048 or 4096", mkfsBlockSize)
		}
		size, err := bytefmt.ToBytes(mkfsSize)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", mkfsSize, err)
		}
		if err := gotenks.Mkfs(args[0], mkfsBlockSize, size); err != nil {
			return err
		}
		log.Infof("created %s", args[0])
		return nil
	},
}

func init() {
	mkfsCmd.Flags().Uint32VarP(&mkfsBlockSize, "block-size", "b", 4096, "block size in bytes (1024, 2048 or 4096)")
	mkfsCmd.Flags().StringVarP(&mkfsSize, "size", "s", "", "total size of the file system, e.g. 10M or 1G")
	_ = mkfsCmd.MarkFlagRequired("size")
}
