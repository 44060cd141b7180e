package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/proxmox-backup/datastore/datastore"
)

func newCmdCreate() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Initialize a new empty datastore directory.",
		Flags: []cli.Flag{FlagPath},
		Action: func(c *cli.Context) error {
			if err := datastore.Create(c.String("path")); err != nil {
				return err
			}
			klog.Infof("created datastore at %s", c.String("path"))
			fmt.Println("ok")
			return nil
		},
	}
}
