package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/diskfs/gotenksfs/gotenks"
)

var mountCmd = &cobra.Command{
	Use:   "mount <image> <mountpoint>",
	Short: "Mount a file system image",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		fs, err := gotenks.Read(args[0])
		if err != nil {
			return err
		}
		defer fs.Close()

		sb := fs.Superblock()
		log.WithFields(logrus.Fields{
			"image":      fs.Image(),
			"block_size": sb.BlockSize,
			"groups":     sb.Groups,
		}).Info("serving file system")

		if err := fs.Mount(args[1]); err != nil {
			return err
		}
		log.Info("unmounted, metadata flushed")
		return nil
	},
}
