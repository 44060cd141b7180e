package main

import (
	"bytes"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/proxmox-backup/datastore/manifest"
	"github.com/proxmox-backup/datastore/pxar"
	"github.com/proxmox-backup/datastore/registry"
)

var FlagSource = &cli.StringFlag{Name: "source", Usage: "directory to archive", Required: true}
var FlagArchive = &cli.StringFlag{Name: "archive", Usage: "archive name within the snapshot", Value: "root"}
var FlagChunkTarget = &cli.Uint64Flag{Name: "chunk-target", Usage: "target chunk size in bytes for the dynamic chunker", Value: 4 << 20}

func newCmdBackup() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Archive a directory tree into a new snapshot.",
		Flags: []cli.Flag{FlagPath, FlagType, FlagID, FlagSource, FlagArchive, FlagChunkTarget},
		Action: func(c *cli.Context) error {
			ds, err := openDatastore(c)
			if err != nil {
				return err
			}
			defer ds.Close()

			tree, err := buildTree(c.String("source"))
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := pxar.Encode(&buf, tree); err != nil {
				return err
			}

			b, err := ds.BeginBackup(registry.Type(c.String("type")), c.String("id"))
			if err != nil {
				return err
			}

			archiveName := c.String("archive")
			w, err := b.CreateDynamicIndex(archiveName, c.Uint64("chunk-target"))
			if err != nil {
				_ = b.Abort()
				return err
			}

			bar := progressbar.DefaultBytes(int64(buf.Len()), "archiving")
			total := buf.Bytes()
			const copyChunk = 1 << 20
			for off := 0; off < len(total); off += copyChunk {
				end := off + copyChunk
				if end > len(total) {
					end = len(total)
				}
				n, werr := w.Write(total[off:end])
				bar.Add(n)
				if werr != nil {
					w.Abort()
					_ = b.Abort()
					return werr
				}
			}
			if err := w.Close(); err != nil {
				_ = b.Abort()
				return err
			}

			b.RecordFile(manifest.FileEntry{
				Filename:  archiveName + ".didx",
				Size:      uint64(buf.Len()),
				CryptMode: manifest.CryptNone,
			})

			snap := b.Snapshot()
			if err := b.Commit(); err != nil {
				return err
			}
			klog.Infof("committed snapshot %s", snap)
			fmt.Printf("backed up %s as %s (%s)\n", c.String("source"), snap, humanize.Bytes(uint64(buf.Len())))
			return nil
		},
	}
}
