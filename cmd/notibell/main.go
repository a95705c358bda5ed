package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/urfave/cli/v3"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "HEAD"
)

func buildVersion() string {
	v, c := version, commit
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				v = mv
			}
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					c = s.Value
				}
			}
		}
	}
	if len(c) > 7 {
		c = c[:7]
	}
	return fmt.Sprintf("%s (%s)", v, c)
}

// Flags are the global options shared by every command.
type Flags struct {
	ConfigPath string
	LogLevel   string
}

func main() {
	flags := &Flags{}
	run := newRunCmd(flags)

	root := &cli.Command{
		Name:    "notibell",
		Usage:   "Notification bell for the recruitment backend",
		Version: buildVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (json or yaml)",
				Sources:     cli.EnvVars("NOTIBELL_CONFIG"),
				Value:       "./config.json",
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "override logging.level (trace, debug, info, warn, error)",
				Sources:     cli.EnvVars("NOTIBELL_LOG_LEVEL"),
				Destination: &flags.LogLevel,
			},
		},
		Action: run.run,
	}

	run.Register(root)
	newBellCmd(flags).Register(root)
	newResumesCmd(flags).Register(root)
	newCheckCmd(flags).Register(root)
	newDevBackendCmd(flags).Register(root)

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
