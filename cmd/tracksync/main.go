package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkallio/tracksync/internal/config"
	"github.com/mkallio/tracksync/internal/store"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:     "tracksync",
	Version: version,
	Short:   "Offline-first sync core for location capture clients",
	Long: `tracksync keeps location captures and trip edits in a durable local
queue and reconciles them with the sync API whenever connectivity allows.

Captured fixes and entity mutations survive restarts in a SQLite database
under ~/.tracksync. Background workers drain them to the server with
idempotent retries, so a flaky network delays data instead of losing it.

Start with:
  tracksync config init          # write starter config + device identity
  tracksync daemon               # run the sync workers
  tracksync status               # inspect the queues`,
}

func init() {
	rootCmd.PersistentFlags().String("dir", "", "State directory (default ~/.tracksync)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default <dir>/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "trip", Title: "Trip Commands:"},
	)
}

// loadConfig resolves configuration for the current invocation from the
// persistent --dir and --config flags.
func loadConfig(cmd *cobra.Command) *config.Config {
	dir, _ := cmd.Flags().GetString("dir")
	file, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(dir, file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore opens the queue database and ensures the schema exists.
func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return st
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
