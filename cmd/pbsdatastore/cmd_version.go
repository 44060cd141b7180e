package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/urfave/cli/v2"
)

func newCmdVersion() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information of this binary.",
		Action: func(c *cli.Context) error {
			fmt.Println("pbsdatastore")
			fmt.Printf("Commit: %s\n", gitCommitSHA)
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Printf("Go: %s\n", info.GoVersion)
			}
			fmt.Println("Date:", time.Now().Format(time.RFC3339))
			fmt.Println("Num CPU:", runtime.NumCPU())
			return nil
		},
	}
}
