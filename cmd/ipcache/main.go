// Command ipcache runs either side of remote profile caching: an
// interpreting client that serves its profiles, or a one-shot compilation
// server session that queries them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/ipcache/config"
)

const version = "0.1.0"

var log = commonlog.GetLogger("ipcache")

var (
	configDir string
	verbose   int
	logFile   string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "ipcache",
		Short:         "Remote interpreter profile caching.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCommand.PersistentFlags().StringVarP(&configDir, "config", "c", ".", "Directory to search upwards for "+config.FileName+".")
	rootCommand.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Increase log verbosity (repeatable).")
	rootCommand.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr.")

	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ipcache version: " + version)
		},
	})
	rootCommand.AddCommand(newClientCommand())
	rootCommand.AddCommand(newQueryCommand())
	rootCommand.AddCommand(newServerCommand())
	rootCommand.AddCommand(newStatsCommand())
	return rootCommand
}

// loadConfig reads the configuration and sets up logging. Command-line
// verbosity adds to the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FindAndLoad(configDir)
	if err != nil {
		return nil, err
	}
	path := cfg.Log.File
	if logFile != "" {
		path = logFile
	}
	if path != "" {
		commonlog.Configure(cfg.Log.Verbosity+verbose, &path)
	} else {
		commonlog.Configure(cfg.Log.Verbosity+verbose, nil)
	}
	return cfg, nil
}
