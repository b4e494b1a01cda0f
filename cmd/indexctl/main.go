// Command indexctl inspects and exercises an on-disk stream index offline.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

var version = "dev"

func newApp() *cli.App {
	return &cli.App{
		Name:    "indexctl",
		Usage:   "Inspect, verify and load stream index directories",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "Set log level (debug, info, warn, error)", EnvVars: []string{"LOG_LEVEL"}},
		},
		Before: func(c *cli.Context) error {
			logging.SetDefaultLogger(logging.NewJSONLogger(c.App.ErrWriter, logging.ParseLevel(c.String("log-level"))))
			return nil
		},
		Commands: []*cli.Command{
			verifyCommand(),
			dumpPTableCommand(),
			dumpMapCommand(),
			statsCommand(),
			loadCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "indexctl: %v\n", err)
		os.Exit(1)
	}
}
