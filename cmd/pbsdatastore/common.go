package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/proxmox-backup/datastore/registry"
)

// resolveSnapshot turns the --type/--id/--snapshot flags into a
// registry.Snapshot. The timestamp format matches registry's own
// on-disk directory name (UTC RFC3339).
func resolveSnapshot(c *cli.Context) (registry.Snapshot, error) {
	ts, err := time.Parse(time.RFC3339, c.String("snapshot"))
	if err != nil {
		return registry.Snapshot{}, err
	}
	return registry.Snapshot{
		Group: registry.Group{Type: registry.Type(c.String("type")), ID: c.String("id")},
		Time:  ts.UTC(),
	}, nil
}
