package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkallio/tracksync/internal/bridge"
	"github.com/mkallio/tracksync/internal/config"
	"github.com/mkallio/tracksync/internal/daemon"
	"github.com/mkallio/tracksync/internal/drain"
	"github.com/mkallio/tracksync/internal/events"
	"github.com/mkallio/tracksync/internal/gateway"
	"github.com/mkallio/tracksync/internal/mutation"
	"github.com/mkallio/tracksync/internal/spool"
	"github.com/mkallio/tracksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync workers in the foreground",
	Long: `Run the background sync workers until interrupted.

The daemon will:
  1. Release rows stranded in flight by a previous crash
  2. Drain queued location samples to the server on a timer
  3. Dispatch queued trip mutations and reconcile identifiers
  4. Age out settled and abandoned rows on the retention schedule
  5. Ingest capture batches dropped into the spool directory (if enabled)

With --bridge (or bridge.enabled in the config) it also serves a local
WebSocket endpoint that pushes reconciliations, rejections and queue
stats to connected presentation clients.

For production use, run the daemon under a process manager and point
daemon.log_file at a rotating log location.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)

		if cfg.Endpoint.BaseURL == "" {
			fmt.Fprintf(os.Stderr, "Error: endpoint.base_url is not configured\n")
			fmt.Fprintf(os.Stderr, "Run 'tracksync config init' and edit %s\n", cfg.ConfigPath())
			os.Exit(1)
		}

		identity, err := config.EnsureDeviceIdentity(cfg.DevicePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading device identity: %v\n", err)
			os.Exit(1)
		}

		st := openStore(cfg)
		defer st.Close()

		// One log destination for every component; a rotating file when
		// configured, stderr otherwise.
		logFile, _ := cmd.Flags().GetString("log-file")
		if logFile == "" {
			logFile = cfg.Daemon.LogFile
		}
		base := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if logFile != "" {
			base = daemon.NewRotatingLogger(logFile, "[daemon] ")
		}
		out := base.Writer()
		mklog := func(prefix string) *log.Logger {
			return log.New(out, prefix, log.LstdFlags)
		}

		client, err := gateway.NewClient(cfg.Endpoint.BaseURL, cfg.Endpoint.Token, cfg.Endpoint.Timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating gateway client: %v\n", err)
			os.Exit(1)
		}

		dr, err := drain.New(drain.Config{
			Store:            st,
			Gateway:          client,
			Probe:            client,
			DeviceID:         identity.DeviceID,
			QueueLimit:       cfg.Queue.Capacity,
			BatchSize:        cfg.Queue.BatchSize,
			MinCycleInterval: cfg.Queue.MinCycleInterval,
			FailureThreshold: cfg.Queue.FailureThreshold,
			Logger:           mklog("[drain] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating drain engine: %v\n", err)
			os.Exit(1)
		}

		bus := events.NewBus(mklog("[events] "))

		mu, err := mutation.New(mutation.Config{
			Store:     st,
			Gateway:   client,
			Bus:       bus,
			Probe:     client,
			DeviceID:  identity.DeviceID,
			BatchSize: cfg.Mutation.BatchSize,
			Logger:    mklog("[mutation] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating mutation engine: %v\n", err)
			os.Exit(1)
		}

		dcfg := daemon.DefaultConfig()
		dcfg.Store = st
		dcfg.Drain = dr
		dcfg.Mutation = mu
		dcfg.DrainInterval = cfg.Daemon.DrainInterval
		dcfg.DispatchInterval = cfg.Daemon.DispatchInterval
		dcfg.PurgeInterval = cfg.Daemon.PurgeInterval
		dcfg.RetainSettled = cfg.Daemon.RetainSettled
		dcfg.StalePendingAfter = cfg.Daemon.StalePendingAfter
		dcfg.Logger = base

		if cfg.Spool.Enabled {
			ingester, err := spool.New(spool.Config{
				Dir:              cfg.SpoolDir(),
				Drain:            dr,
				MinSpacing:       cfg.Spool.MinSpacingMeters,
				DebounceInterval: cfg.Spool.DebounceInterval,
				Logger:           mklog("[spool] "),
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating spool ingester: %v\n", err)
				os.Exit(1)
			}
			dcfg.Spool = ingester
		}

		bridgeEnabled := cfg.Bridge.Enabled
		if cmd.Flags().Changed("bridge") {
			bridgeEnabled, _ = cmd.Flags().GetBool("bridge")
		}
		if bridgeEnabled {
			server, err := bridge.NewServer(&bridge.Config{
				Port:          cfg.Bridge.Port,
				Store:         st,
				Drain:         dr,
				StatsInterval: cfg.Bridge.StatsInterval,
				Logger:        mklog("[bridge] "),
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating bridge: %v\n", err)
				os.Exit(1)
			}
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting bridge: %v\n", err)
				os.Exit(1)
			}
			defer server.Stop()
			unsubscribe := bus.Subscribe(server)
			defer unsubscribe()
			dcfg.Sink = server
			fmt.Printf("   Bridge: ws://%s/ws\n", server.GetAddr())
		}

		d, err := daemon.New(dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Device: %s\n", identity.DeviceID)
		fmt.Printf("   Endpoint: %s\n", cfg.Endpoint.BaseURL)
		fmt.Printf("   Database: %s\n", cfg.DatabasePath())
		if cfg.Spool.Enabled {
			fmt.Printf("   Spool: %s\n", cfg.SpoolDir())
		}
		if logFile != "" {
			fmt.Printf("   Log: %s\n", logFile)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Start blocks until the context is cancelled and shuts the
		// workers down before returning.
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().Bool("bridge", false, "Serve the WebSocket push bridge")
	daemonCmd.Flags().String("log-file", "", "Write logs to a rotating file instead of stderr")

	rootCmd.AddCommand(daemonCmd)
}
