package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkallio/tracksync/internal/config"
	"github.com/mkallio/tracksync/internal/gateway"
	"github.com/mkallio/tracksync/internal/record"
	"github.com/mkallio/tracksync/internal/store"
	"github.com/mkallio/tracksync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue and sync state",
	Long: `Display the current state of the local sync queues.

Shows:
  - Database location and size
  - Sample queue counts by state, oldest pending age, pending track length
  - Mutation queue counts and unreconciled entity mirrors
  - Endpoint configuration, with a live reachability check under --probe`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)

		st := openStore(cfg)
		defer st.Close()

		qs, err := st.GetQueueStats()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue stats: %v\n", err)
			os.Exit(1)
		}
		ms, err := st.GetMutationStats()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading mutation stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))

		dbPath := cfg.DatabasePath()
		if info, err := os.Stat(dbPath); err == nil {
			fmt.Printf("Database: %s (%s)\n", dbPath, formatSize(info.Size()))
		} else {
			fmt.Printf("Database: %s\n", dbPath)
		}
		fmt.Printf("Device: %s\n", deviceLabel(cfg))

		fmt.Printf("\n%s\n", ui.RenderBold("Samples"))
		fmt.Printf("  Pending: %d\n", qs.Pending)
		fmt.Printf("  Claimed: %d\n", qs.Claimed)
		fmt.Printf("  Synced: %d\n", qs.Synced)
		if qs.Rejected > 0 {
			fmt.Printf("  Rejected: %s\n", ui.RenderWarn(fmt.Sprintf("%d", qs.Rejected)))
		} else {
			fmt.Printf("  Rejected: 0\n")
		}
		if qs.OldestPending != nil {
			age := time.Since(*qs.OldestPending).Round(time.Minute)
			fmt.Printf("  Oldest pending: %s\n", age)
		}
		if qs.Pending > 0 {
			pending, err := st.ListSamples(store.SampleFilter{State: record.SamplePending})
			if err == nil {
				meters := record.TrackDistanceMeters(pending)
				fmt.Printf("  Pending track: %.1f km\n", meters/1000)
			}
		}

		fmt.Printf("\n%s\n", ui.RenderBold("Mutations"))
		fmt.Printf("  Queued: %d\n", ms.Queued)
		fmt.Printf("  Dispatching: %d\n", ms.Dispatching)
		fmt.Printf("  Applied: %d\n", ms.Applied)
		if ms.Rejected > 0 {
			fmt.Printf("  Rejected: %s\n", ui.RenderWarn(fmt.Sprintf("%d", ms.Rejected)))
		} else {
			fmt.Printf("  Rejected: 0\n")
		}
		fmt.Printf("  Awaiting server id: %d\n", ms.Provisional)

		fmt.Printf("\n%s\n", ui.RenderBold("Endpoint"))
		if cfg.Endpoint.BaseURL == "" {
			fmt.Printf("  %s not configured\n", ui.RenderWarn("⚠"))
		} else {
			fmt.Printf("  URL: %s\n", cfg.Endpoint.BaseURL)
			probe, _ := cmd.Flags().GetBool("probe")
			if probe {
				client, err := gateway.NewClient(cfg.Endpoint.BaseURL, cfg.Endpoint.Token, cfg.Endpoint.Timeout)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error creating gateway client: %v\n", err)
					os.Exit(1)
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if client.Online(ctx) {
					fmt.Printf("  Reachable: %s\n", ui.RenderPass("✓"))
				} else {
					fmt.Printf("  Reachable: %s\n", ui.RenderErr("✗"))
				}
			}
		}
		fmt.Println()
	},
}

// deviceLabel reports the minted device id without minting one.
func deviceLabel(cfg *config.Config) string {
	path := cfg.DevicePath()
	if _, err := os.Stat(path); err != nil {
		return "(not yet minted)"
	}
	identity, err := config.EnsureDeviceIdentity(path)
	if err != nil {
		return ui.RenderWarn("(unreadable: " + err.Error() + ")")
	}
	return identity.DeviceID
}

// formatSize renders a byte count for humans.
func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	statusCmd.Flags().Bool("probe", false, "Check endpoint reachability")

	rootCmd.AddCommand(statusCmd)
}
