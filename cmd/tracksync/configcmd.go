package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkallio/tracksync/internal/config"
	"github.com/mkallio/tracksync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration and device identity",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config and mint the device identity",
	Long: `Create the state directory with a starter config.yaml and a device
identity file.

The starter config carries the built-in defaults so every tunable is
visible. The device identity is minted once; it seeds the idempotency
tokens that let the server deduplicate retries, so it is never
regenerated. Refuses to overwrite an existing config.yaml.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)

		if err := config.WriteStarterConfig(cfg.ConfigPath(), cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}
		identity, err := config.EnsureDeviceIdentity(cfg.DevicePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error minting device identity: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), cfg.ConfigPath())
		fmt.Printf("   Device: %s\n", identity.DeviceID)
		fmt.Printf("\nEdit endpoint.base_url and endpoint.token, then run 'tracksync daemon'\n")
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults, the config file and
TRACKSYNC_* environment variables are merged.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)

		fmt.Printf("\n%s Effective Configuration\n\n", ui.RenderAccent("⚙"))
		fmt.Printf("State directory: %s\n", cfg.Dir)
		fmt.Printf("Database: %s\n", cfg.DatabasePath())
		fmt.Printf("Device file: %s\n", cfg.DevicePath())

		fmt.Printf("\n%s\n", ui.RenderBold("endpoint"))
		if cfg.Endpoint.BaseURL == "" {
			fmt.Printf("  base_url: %s\n", ui.RenderWarn("(not set)"))
		} else {
			fmt.Printf("  base_url: %s\n", cfg.Endpoint.BaseURL)
		}
		if cfg.Endpoint.Token == "" {
			fmt.Printf("  token: (not set)\n")
		} else {
			fmt.Printf("  token: (set)\n")
		}
		fmt.Printf("  timeout: %s\n", cfg.Endpoint.Timeout)

		fmt.Printf("\n%s\n", ui.RenderBold("queue"))
		fmt.Printf("  capacity: %d\n", cfg.Queue.Capacity)
		fmt.Printf("  batch_size: %d\n", cfg.Queue.BatchSize)
		fmt.Printf("  min_cycle_interval: %s\n", cfg.Queue.MinCycleInterval)
		fmt.Printf("  failure_threshold: %d\n", cfg.Queue.FailureThreshold)

		fmt.Printf("\n%s\n", ui.RenderBold("mutation"))
		fmt.Printf("  batch_size: %d\n", cfg.Mutation.BatchSize)

		fmt.Printf("\n%s\n", ui.RenderBold("daemon"))
		fmt.Printf("  drain_interval: %s\n", cfg.Daemon.DrainInterval)
		fmt.Printf("  dispatch_interval: %s\n", cfg.Daemon.DispatchInterval)
		fmt.Printf("  purge_interval: %s\n", cfg.Daemon.PurgeInterval)
		fmt.Printf("  retain_settled: %s\n", cfg.Daemon.RetainSettled)
		fmt.Printf("  stale_pending_after: %s\n", cfg.Daemon.StalePendingAfter)
		if cfg.Daemon.LogFile != "" {
			fmt.Printf("  log_file: %s\n", cfg.Daemon.LogFile)
		}

		fmt.Printf("\n%s\n", ui.RenderBold("spool"))
		fmt.Printf("  enabled: %t\n", cfg.Spool.Enabled)
		fmt.Printf("  dir: %s\n", cfg.SpoolDir())
		fmt.Printf("  min_spacing_meters: %g\n", cfg.Spool.MinSpacingMeters)
		fmt.Printf("  debounce_interval: %s\n", cfg.Spool.DebounceInterval)

		fmt.Printf("\n%s\n", ui.RenderBold("bridge"))
		fmt.Printf("  enabled: %t\n", cfg.Bridge.Enabled)
		fmt.Printf("  port: %d\n", cfg.Bridge.Port)
		fmt.Printf("  stats_interval: %s\n", cfg.Bridge.StatsInterval)
		fmt.Println()
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
