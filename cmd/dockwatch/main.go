// Package main implements the dockwatch command: the dock door monitoring
// service plus offline tools for rule documents and event replay.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information, overridden with -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "dockwatch"

type globalFlags struct {
	configs   []string
	logLevel  string
	logFormat string
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:     appName,
		Short:   "Dock door monitoring and alerting",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Long: `dockwatch follows dock door, LGV and shipment events, keeps the state of
every door, raises alerts for stuck doors, long dwells and faults, and
records loading analytics.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringSliceVarP(&flags.configs, "config", "c", nil,
		"configuration file (JSON or YAML); repeat to layer overrides")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "json", "log format (json, text)")

	root.AddCommand(runCmd(flags))
	root.AddCommand(rulesCmd(flags))
	root.AddCommand(replayCmd(flags))
	root.AddCommand(configCmd(flags))
	return root
}
