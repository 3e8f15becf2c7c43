package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkallio/tracksync/internal/ui"
)

var recoverCmd = &cobra.Command{
	Use:     "recover",
	GroupID: "queue",
	Short:   "Release rows stranded by a crash",
	Long: `Return in-flight rows to their queues.

A crash mid-cycle can leave samples in claimed state and mutations in
dispatching state with nobody working on them. This returns claimed
samples to pending and dispatching mutations to queued so the next
cycle picks them up. Redispatch is safe: every request carries an
idempotency token, so the server drops anything it already saw.

The daemon does this automatically at startup; run it manually when
inspecting a queue without starting the daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		samples, err := st.RecoverClaimedSamples()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error recovering samples: %v\n", err)
			os.Exit(1)
		}
		mutations, err := st.RecoverDispatchingMutations()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error recovering mutations: %v\n", err)
			os.Exit(1)
		}

		if samples == 0 && mutations == 0 {
			fmt.Printf("%s Nothing stranded\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("%s Recovery complete\n", ui.RenderPass("✓"))
		fmt.Printf("   Samples released: %d\n", samples)
		fmt.Printf("   Mutations released: %d\n", mutations)
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
