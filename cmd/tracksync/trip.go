package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mkallio/tracksync/internal/config"
	"github.com/mkallio/tracksync/internal/gateway"
	"github.com/mkallio/tracksync/internal/mutation"
	"github.com/mkallio/tracksync/internal/record"
	"github.com/mkallio/tracksync/internal/store"
	"github.com/mkallio/tracksync/internal/ui"
)

var tripCmd = &cobra.Command{
	Use:     "trip",
	GroupID: "trip",
	Short:   "Edit trip regions and places",
	Long: `Queue edits to trip regions and places.

Edits apply to the local mirror immediately and are dispatched to the
server by the daemon. New entities get a client-minted identifier
(c-...) that the server later replaces with its own; commands accept
either form.`,
}

// newTripEngine wires the mutation engine for one-shot queue edits.
// These commands never dispatch, so the gateway client is only a
// construction dependency.
func newTripEngine(cfg *config.Config, st *store.Store) *mutation.Engine {
	identity, err := config.EnsureDeviceIdentity(cfg.DevicePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading device identity: %v\n", err)
		os.Exit(1)
	}

	client, err := gateway.NewClient(cfg.Endpoint.BaseURL, cfg.Endpoint.Token, cfg.Endpoint.Timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating gateway client: %v\n", err)
		os.Exit(1)
	}

	engine, err := mutation.New(mutation.Config{
		Store:     st,
		Gateway:   client,
		DeviceID:  identity.DeviceID,
		BatchSize: cfg.Mutation.BatchSize,
		Logger:    log.New(os.Stderr, "[mutation] ", log.LstdFlags),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating mutation engine: %v\n", err)
		os.Exit(1)
	}
	return engine
}

var tripCreateRegionCmd = &cobra.Command{
	Use:   "create-region NAME",
	Short: "Queue a new region",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()
		engine := newTripEngine(cfg, st)

		tripID, _ := cmd.Flags().GetString("trip")
		fields, err := collectFields(cmd, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// The one place a region identifier is born.
		clientID := record.NewClientID()

		id, err := engine.Create(context.Background(), record.EntityRegion, clientID, tripID, "", fields)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error queueing region: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Queued region %q\n", ui.RenderPass("✓"), args[0])
		fmt.Printf("   Entity: %s\n", clientID)
		fmt.Printf("   Mutation: #%d\n", id)
	},
}

var tripCreatePlaceCmd = &cobra.Command{
	Use:   "create-place NAME",
	Short: "Queue a new place inside a region",
	Long: `Queue a new place under a region.

--parent takes the region's identifier, client-minted or server-assigned.
A place queued under a still-unsynced region waits for the region's
create to resolve, then dispatches with the server's identifier.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()
		engine := newTripEngine(cfg, st)

		tripID, _ := cmd.Flags().GetString("trip")
		parentID, _ := cmd.Flags().GetString("parent")
		fields, err := collectFields(cmd, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			fields["latitude"] = lat
			fields["longitude"] = lon
		}

		clientID := record.NewClientID()

		id, err := engine.Create(context.Background(), record.EntityPlace, clientID, tripID, parentID, fields)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error queueing place: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Queued place %q\n", ui.RenderPass("✓"), args[0])
		fmt.Printf("   Entity: %s\n", clientID)
		fmt.Printf("   Region: %s\n", parentID)
		fmt.Printf("   Mutation: #%d\n", id)
	},
}

var tripUpdateCmd = &cobra.Command{
	Use:   "update ENTITY_ID",
	Short: "Queue field changes to a region or place",
	Long: `Queue field changes against an existing entity.

If the entity's create is still waiting in the queue the change folds
into it, so the server only ever sees the final values.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()
		engine := newTripEngine(cfg, st)

		changes := record.Fields{}
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			changes["name"] = name
		}
		if cmd.Flags().Changed("notes") {
			notes, _ := cmd.Flags().GetString("notes")
			changes["notes"] = notes
		}
		extra, _ := cmd.Flags().GetStringArray("field")
		if err := parseFieldArgs(extra, changes); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(changes) == 0 {
			fmt.Fprintf(os.Stderr, "Error: nothing to change (use --name, --notes or --field)\n")
			os.Exit(1)
		}

		id, err := engine.Update(context.Background(), args[0], changes)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error queueing update: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Queued update for %s\n", ui.RenderPass("✓"), args[0])
		fmt.Printf("   Mutation: #%d\n", id)
	},
}

var tripDeleteCmd = &cobra.Command{
	Use:   "delete ENTITY_ID",
	Short: "Queue deletion of a region or place",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()
		engine := newTripEngine(cfg, st)

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			confirmed := false
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Delete %s?", args[0])).
					Affirmative("Delete").
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

		queued, err := engine.Delete(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error queueing delete: %v\n", err)
			os.Exit(1)
		}

		if queued {
			fmt.Printf("%s Queued delete for %s\n", ui.RenderPass("✓"), args[0])
		} else {
			fmt.Printf("%s Cancelled unsynced create for %s; nothing to send\n", ui.RenderPass("✓"), args[0])
		}
	},
}

var tripListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mirrored regions and places",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		entityType, _ := cmd.Flags().GetString("type")
		tripID, _ := cmd.Flags().GetString("trip")
		var provisional *bool
		if cmd.Flags().Changed("provisional") {
			v, _ := cmd.Flags().GetBool("provisional")
			provisional = &v
		}

		entities, err := st.ListEntities(store.EntityFilter{
			Type:        record.EntityType(entityType),
			TripID:      tripID,
			Provisional: provisional,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing entities: %v\n", err)
			os.Exit(1)
		}

		if len(entities) == 0 {
			fmt.Println("No entities match")
			return
		}

		for _, e := range entities {
			name := ""
			if v, ok := e.Fields["name"]; ok {
				name = fmt.Sprintf("%v", v)
			}
			marker := ""
			if e.Provisional {
				marker = " " + ui.RenderDim("(awaiting server id)")
			}
			fmt.Printf("%-38s %-7s %-12s %s%s\n", e.ID, e.Type, e.TripID, name, marker)
			if e.ParentID != "" {
				fmt.Printf("%-38s %s\n", "", ui.RenderDim("in "+e.ParentID))
			}
		}
		fmt.Printf("\n%d entities\n", len(entities))
	},
}

// collectFields builds the payload for a create from the name argument
// and the shared field flags.
func collectFields(cmd *cobra.Command, name string) (record.Fields, error) {
	fields := record.Fields{"name": name}
	if cmd.Flags().Changed("notes") {
		notes, _ := cmd.Flags().GetString("notes")
		fields["notes"] = notes
	}
	extra, _ := cmd.Flags().GetStringArray("field")
	if err := parseFieldArgs(extra, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// parseFieldArgs folds repeated --field key=value pairs into fields.
func parseFieldArgs(pairs []string, fields record.Fields) error {
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return fmt.Errorf("--field wants key=value, got %q", pair)
		}
		fields[key] = value
	}
	return nil
}

func init() {
	tripCreateRegionCmd.Flags().String("trip", "", "Owning trip identifier")
	tripCreateRegionCmd.Flags().String("notes", "", "Free-form notes")
	tripCreateRegionCmd.Flags().StringArray("field", nil, "Extra field as key=value (repeatable)")
	tripCreateRegionCmd.MarkFlagRequired("trip")

	tripCreatePlaceCmd.Flags().String("trip", "", "Owning trip identifier")
	tripCreatePlaceCmd.Flags().String("parent", "", "Owning region identifier")
	tripCreatePlaceCmd.Flags().Float64("lat", 0, "Latitude")
	tripCreatePlaceCmd.Flags().Float64("lon", 0, "Longitude")
	tripCreatePlaceCmd.Flags().String("notes", "", "Free-form notes")
	tripCreatePlaceCmd.Flags().StringArray("field", nil, "Extra field as key=value (repeatable)")
	tripCreatePlaceCmd.MarkFlagRequired("trip")
	tripCreatePlaceCmd.MarkFlagRequired("parent")

	tripUpdateCmd.Flags().String("name", "", "New name")
	tripUpdateCmd.Flags().String("notes", "", "New notes")
	tripUpdateCmd.Flags().StringArray("field", nil, "Field change as key=value (repeatable)")

	tripDeleteCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	tripListCmd.Flags().String("type", "", "Filter by entity type (region, place)")
	tripListCmd.Flags().String("trip", "", "Filter by owning trip")
	tripListCmd.Flags().Bool("provisional", false, "Filter by reconciliation status")

	tripCmd.AddCommand(tripCreateRegionCmd)
	tripCmd.AddCommand(tripCreatePlaceCmd)
	tripCmd.AddCommand(tripUpdateCmd)
	tripCmd.AddCommand(tripDeleteCmd)
	tripCmd.AddCommand(tripListCmd)
	rootCmd.AddCommand(tripCmd)
}
