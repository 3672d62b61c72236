// Command smartmark runs the bookmark gateway and the terminal clients that
// talk to it.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/smartmark/smartmark/internal/config"
	"github.com/smartmark/smartmark/internal/logging"
	"github.com/smartmark/smartmark/internal/ui"
)

var (
	configPath string
	noColor    bool

	cfg  *config.Config
	logs *logging.Logs
)

var rootCmd = &cobra.Command{
	Use:   "smartmark",
	Short: "Private bookmarks with a live, optimistic terminal view",
	Long: `smartmark stores private bookmarks behind a small HTTP gateway and keeps
every connected client in sync through a websocket change feed.

Configuration is read from smartmark.{yaml,toml,json} in the working
directory or $HOME/.config/smartmark, then from SMARTMARK_* environment
variables, then from flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if v, _ := cmd.Flags().GetString("server"); v != "" {
			cfg.Client.BaseURL = v
		}
		if v, _ := cmd.Flags().GetString("token"); v != "" {
			cfg.Client.Token = v
		}

		if noColor {
			ui.DisableColor()
		} else {
			ui.UseStdout()
		}

		logs, err = logging.Open(cfg.Log.Options())
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "bookmarks", Title: "Bookmark Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: smartmark.yaml)")
	rootCmd.PersistentFlags().String("server", "", "Gateway base URL (overrides client.base_url)")
	rootCmd.PersistentFlags().String("token", "", "Session token (overrides client.token)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// logger returns a component logger once configuration is loaded.
func logger(component string) *log.Logger {
	if logs == nil {
		return logging.Discard().New(component)
	}
	return logs.New(component)
}

// fatal prints an error the way every command reports failure and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
