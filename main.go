package main

import (
	"os"

	"github.com/spf13/cobra"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

// defaultConfig is used when a command is given no config path.
const defaultConfig = "mopirelay.json"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mopirelay",
		Short:        "Relay one Mopidy server to many browsers and log who played what",
		Long:         "mopirelay holds a single websocket to Mopidy, shares it with every connected browser, and records playback, commands, listening sessions and per-user track affinity in SQLite.",
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newHistoryCmd(),
		newCommandsCmd(),
		newSessionsCmd(),
		newAffinityCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

func configArg(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return defaultConfig
}
