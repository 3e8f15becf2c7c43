package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mkallio/tracksync/internal/record"
	"github.com/mkallio/tracksync/internal/store"
	"github.com/mkallio/tracksync/internal/ui"
)

var samplesCmd = &cobra.Command{
	Use:     "samples",
	GroupID: "queue",
	Short:   "Inspect and prune the location sample queue",
}

var samplesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued location samples",
	Long: `List samples in the local queue, oldest first.

Filter by sync state or capture provider, and page with --limit and
--offset. Use --json for machine-readable output.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		state, _ := cmd.Flags().GetString("state")
		provider, _ := cmd.Flags().GetString("provider")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		if state != "" && !record.SampleState(state).Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown state %q (pending, claimed, synced, rejected)\n", state)
			os.Exit(1)
		}

		samples, err := st.ListSamples(store.SampleFilter{
			State:    record.SampleState(state),
			Provider: provider,
			Limit:    limit,
			Offset:   offset,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing samples: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			data, err := json.MarshalIndent(samples, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding samples: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(data))
			return
		}

		if len(samples) == 0 {
			fmt.Println("No samples match")
			return
		}

		fmt.Printf("%-7s %-9s %-20s %-8s %s\n", "ID", "STATE", "CAPTURED", "PROVIDER", "POSITION")
		for _, s := range samples {
			fmt.Printf("%-7d %s %-20s %-8s %.5f,%.5f\n",
				s.ID,
				renderSampleState(s.SyncState),
				s.CapturedAt.Local().Format("2006-01-02 15:04:05"),
				s.Provider,
				s.Latitude, s.Longitude)
			if s.SyncState == record.SamplePending && s.LastError != "" {
				fmt.Printf("        %s\n", ui.RenderDim("last error: "+s.LastError))
			}
			if s.SyncState == record.SampleRejected && s.RejectionReason != "" {
				fmt.Printf("        %s\n", ui.RenderDim("rejected: "+s.RejectionReason))
			}
		}
		fmt.Printf("\n%d shown\n", len(samples))
	},
}

var samplesPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete settled samples from the queue",
	Long: `Delete samples the daemon no longer needs.

By default only settled rows (synced or rejected) are touched; pending
rows require an explicit --state pending, and claimed rows are never
purged because a drain cycle may still hold them.

--older-than takes RFC3339 or a natural phrase:
  tracksync samples purge --older-than "30 days ago"
  tracksync samples purge --state rejected --older-than 2026-01-01T00:00:00Z`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		olderThan, _ := cmd.Flags().GetString("older-than")
		state, _ := cmd.Flags().GetString("state")
		provider, _ := cmd.Flags().GetString("provider")
		yes, _ := cmd.Flags().GetBool("yes")

		var cutoff time.Time
		if olderThan != "" {
			t, err := parseHumanTime(olderThan)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			cutoff = t
		}

		var states []record.SampleState
		switch record.SampleState(state) {
		case "":
			states = []record.SampleState{record.SampleSynced, record.SampleRejected}
		case record.SampleClaimed:
			fmt.Fprintf(os.Stderr, "Error: claimed rows may belong to an in-flight cycle\n")
			fmt.Fprintf(os.Stderr, "If the daemon crashed, run 'tracksync recover' to release them\n")
			os.Exit(1)
		case record.SamplePending, record.SampleSynced, record.SampleRejected:
			states = []record.SampleState{record.SampleState(state)}
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown state %q\n", state)
			os.Exit(1)
		}

		total := 0
		for _, s := range states {
			matched, err := st.ListSamples(store.SampleFilter{
				State:          s,
				Provider:       provider,
				CapturedBefore: cutoff,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting samples: %v\n", err)
				os.Exit(1)
			}
			total += len(matched)
		}
		if total == 0 {
			fmt.Println("Nothing to purge")
			return
		}

		if !yes {
			title := fmt.Sprintf("Purge %d %s?", total, describeScope(states, cutoff))
			confirmed := false
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(title).
					Affirmative("Purge").
					Negative("Cancel").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Aborted")
				return
			}
		}

		var purged int64
		for _, s := range states {
			n, err := st.DeleteSamples(store.SampleFilter{
				State:          s,
				Provider:       provider,
				CapturedBefore: cutoff,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error purging samples: %v\n", err)
				os.Exit(1)
			}
			purged += n
		}

		fmt.Printf("%s Purged %d samples\n", ui.RenderPass("✓"), purged)
	},
}

// renderSampleState returns a fixed-width, colored state column.
func renderSampleState(s record.SampleState) string {
	padded := fmt.Sprintf("%-9s", s)
	switch s {
	case record.SampleSynced:
		return ui.RenderPass(padded)
	case record.SampleRejected:
		return ui.RenderErr(padded)
	case record.SampleClaimed:
		return ui.RenderAccent(padded)
	default:
		return padded
	}
}

// describeScope names what a purge is about to remove.
func describeScope(states []record.SampleState, cutoff time.Time) string {
	scope := "settled samples"
	if len(states) == 1 {
		scope = string(states[0]) + " samples"
	}
	if !cutoff.IsZero() {
		scope += " captured before " + cutoff.Local().Format("2006-01-02 15:04")
	}
	return scope
}

// parseHumanTime accepts RFC3339 timestamps or natural phrases such as
// "30 days ago" and "last monday".
func parseHumanTime(text string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return r.Time, nil
}

func init() {
	samplesListCmd.Flags().String("state", "", "Filter by sync state")
	samplesListCmd.Flags().String("provider", "", "Filter by capture provider")
	samplesListCmd.Flags().Int("limit", 20, "Maximum rows to show (0 = all)")
	samplesListCmd.Flags().Int("offset", 0, "Rows to skip")
	samplesListCmd.Flags().Bool("json", false, "Emit JSON")

	samplesPurgeCmd.Flags().String("older-than", "", "Only rows captured before this time")
	samplesPurgeCmd.Flags().String("state", "", "Purge a single state instead of all settled rows")
	samplesPurgeCmd.Flags().String("provider", "", "Only rows from this capture provider")
	samplesPurgeCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	samplesCmd.AddCommand(samplesListCmd)
	samplesCmd.AddCommand(samplesPurgeCmd)
	rootCmd.AddCommand(samplesCmd)
}
