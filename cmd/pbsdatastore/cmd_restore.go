package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/proxmox-backup/datastore/extractor"
)

var FlagDest = &cli.StringFlag{Name: "dest", Usage: "destination directory to extract into", Required: true}

func newCmdRestore() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Extract an archive from a snapshot to a destination directory.",
		Flags: []cli.Flag{FlagPath, FlagType, FlagID, FlagSnapshot, FlagArchive, FlagDest},
		Action: func(c *cli.Context) error {
			ds, err := openDatastore(c)
			if err != nil {
				return err
			}
			defer ds.Close()

			snap, err := resolveSnapshot(c)
			if err != nil {
				return err
			}
			idx, err := ds.OpenDynamicIndex(snap, c.String("archive"))
			if err != nil {
				return err
			}
			defer idx.Close()

			r := ds.NewArchiveReader(idx)
			if err := extractor.Extract(c.String("dest"), r, extractor.Options{AllowExistingDirs: true}); err != nil {
				return err
			}
			klog.Infof("restored %s/%s to %s", snap, c.String("archive"), c.String("dest"))
			fmt.Println("ok")
			return nil
		},
	}
}
