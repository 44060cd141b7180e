package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/proxmox-backup/datastore/registry"
)

var FlagType = &cli.StringFlag{Name: "type", Usage: "backup type: vm, ct, or host", Required: true}
var FlagID = &cli.StringFlag{Name: "id", Usage: "backup id", Required: true}
var FlagSnapshot = &cli.StringFlag{Name: "snapshot", Usage: "snapshot timestamp (RFC3339)", Required: true}

func newCmdListGroups() *cli.Command {
	return &cli.Command{
		Name:  "list-groups",
		Usage: "List every backup group in a datastore.",
		Flags: []cli.Flag{FlagPath},
		Action: func(c *cli.Context) error {
			ds, err := openDatastore(c)
			if err != nil {
				return err
			}
			defer ds.Close()
			groups, err := ds.ListGroups()
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Println(g)
			}
			return nil
		},
	}
}

func newCmdListSnapshots() *cli.Command {
	return &cli.Command{
		Name:  "list-snapshots",
		Usage: "List every snapshot of a backup group, newest first.",
		Flags: []cli.Flag{FlagPath, FlagType, FlagID},
		Action: func(c *cli.Context) error {
			ds, err := openDatastore(c)
			if err != nil {
				return err
			}
			defer ds.Close()
			g := registry.Group{Type: registry.Type(c.String("type")), ID: c.String("id")}
			snaps, err := ds.ListSnapshots(g)
			if err != nil {
				return err
			}
			for _, s := range snaps {
				protected := ""
				if s.Protected {
					protected = " (protected)"
				}
				fmt.Printf("%s%s\n", s, protected)
			}
			return nil
		},
	}
}

func newCmdListFiles() *cli.Command {
	return &cli.Command{
		Name:  "list-files",
		Usage: "List the archive files within one snapshot.",
		Flags: []cli.Flag{FlagPath, FlagType, FlagID, FlagSnapshot},
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
			files, err := ds.ListFiles(snap)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Println(f)
			}
			manifest, err := ds.ReadManifest(snap)
			if err == nil {
				for _, fe := range manifest.Files {
					fmt.Printf("  %s\t%s\n", fe.Filename, humanize.Bytes(fe.Size))
				}
			}
			return nil
		},
	}
}
