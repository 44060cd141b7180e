package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

var gitCommitSHA = ""

var FlagPath = &cli.StringFlag{
	Name:     "path",
	Usage:    "datastore root directory",
	Required: true,
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-interrupt:
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "pbsdatastore",
		Version:     gitCommitSHA,
		Description: "Manage a deduplicating, content-addressed chunked backup datastore.",
		Commands: []*cli.Command{
			newCmdCreate(),
			newCmdListGroups(),
			newCmdListSnapshots(),
			newCmdListFiles(),
			newCmdBackup(),
			newCmdRestore(),
			newCmdPrune(),
			newCmdGC(),
			newCmdVersion(),
		},
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}
