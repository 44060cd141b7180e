package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/proxmox-backup/datastore/gc"
)

func newCmdGC() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "Run garbage collection on a datastore and wait for it to finish.",
		Flags: []cli.Flag{FlagPath},
		Action: func(c *cli.Context) error {
			ds, err := openDatastore(c)
			if err != nil {
				return err
			}
			defer ds.Close()

			if err := ds.StartGC(gc.DefaultOptions()); err != nil {
				return err
			}
			for {
				running, status, err := ds.GCStatus()
				if err != nil {
					return err
				}
				if !running {
					klog.Infof("gc finished: removed %d chunks (%d bytes), pending %d chunks",
						status.RemovedChunks, status.RemovedBytes, status.PendingChunks)
					fmt.Printf("removed_chunks=%d removed_bytes=%d pending_chunks=%d removed_bad=%d still_bad=%d\n",
						status.RemovedChunks, status.RemovedBytes, status.PendingChunks, status.RemovedBad, status.StillBad)
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
		},
	}
}
