package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/proxmox-backup/datastore/registry"
)

func keepFlag(name string) *cli.Uint64Flag {
	return &cli.Uint64Flag{Name: name, Usage: fmt.Sprintf("keep-%s count", name)}
}

var (
	FlagKeepLast    = keepFlag("last")
	FlagKeepHourly  = keepFlag("hourly")
	FlagKeepDaily   = keepFlag("daily")
	FlagKeepWeekly  = keepFlag("weekly")
	FlagKeepMonthly = keepFlag("monthly")
	FlagKeepYearly  = keepFlag("yearly")
)

func optionalUint(c *cli.Context, name string) *uint64 {
	if !c.IsSet(name) {
		return nil
	}
	v := c.Uint64(name)
	return &v
}

func newCmdPrune() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Apply a keep-count retention policy to a backup group.",
		Flags: []cli.Flag{FlagPath, FlagType, FlagID, FlagKeepLast, FlagKeepHourly, FlagKeepDaily, FlagKeepWeekly, FlagKeepMonthly, FlagKeepYearly},
		Action: func(c *cli.Context) error {
			ds, err := openDatastore(c)
			if err != nil {
				return err
			}
			defer ds.Close()

			g := registry.Group{Type: registry.Type(c.String("type")), ID: c.String("id")}
			keep := registry.KeepSpec{
				Last:    optionalUint(c, "last"),
				Hourly:  optionalUint(c, "hourly"),
				Daily:   optionalUint(c, "daily"),
				Weekly:  optionalUint(c, "weekly"),
				Monthly: optionalUint(c, "monthly"),
				Yearly:  optionalUint(c, "yearly"),
			}
			removed, err := ds.Prune(g, keep)
			if err != nil {
				return err
			}
			for _, s := range removed {
				klog.Infof("pruned %s", s)
				fmt.Println(s)
			}
			return nil
		},
	}
}
