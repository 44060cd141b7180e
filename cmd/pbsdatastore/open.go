package main

import (
	"github.com/proxmox-backup/datastore/datastore"
)

func openDatastore(c interface{ String(string) string }) (*datastore.Datastore, error) {
	return datastore.Open(c.String("path"), datastore.Config{})
}
