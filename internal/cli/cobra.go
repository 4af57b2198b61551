package cli

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"peakalign/internal/geo"
	"peakalign/internal/queue"
	"peakalign/internal/storage"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "peakalign",
		Short: "Peakalign precomputes sun and moon alignments for photo locations",
		Long: `Peakalign derives the geometry between observer locations and a fixed peak,
searches the sun and moon ephemerides for alignment moments, and serves the
precomputed events over HTTP.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newRecomputeCmd(root))
	rootCmd.AddCommand(newLocationsCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newStatsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr      string
		importDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background computation service",
		Long: `Start the long-lived service: the HTTP API, the worker pool, the periodic
yearly generation trigger, and optionally a watched import directory.

Examples:
  # Serve on the configured address
  peakalign serve

  # Serve with a drop-in directory for location files
  peakalign serve --addr :8745 --import-dir /data/locations`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr()
			}
			if importDir != "" {
				root.cfg.Paths.ImportDir = importDir
			}
			root.log.Info("starting service",
				"addr", addr,
				"workers", root.cfg.Processing.Workers,
				"import_dir", root.cfg.Paths.ImportDir,
			)
			return root.serveFn(cmd.Context(), addr, root)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (host:port), config default if empty")
	cmd.Flags().StringVar(&importDir, "import-dir", "", "directory watched for dropped location files")

	return cmd
}

func newRecomputeCmd(root *Root) *cobra.Command {
	var (
		yearStart int
		yearEnd   int
		priority  string
	)

	cmd := &cobra.Command{
		Use:   "recompute <location-id>",
		Short: "Recompute alignment events for one location and wait",
		Long: `Enqueue a recompute job for a location and block until the worker pool
reports its result.

Examples:
  peakalign recompute 3
  peakalign recompute 3 --year-start 2026 --year-end 2028 --priority high`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid location id %q", args[0])
			}
			if _, err := root.store.GetLocation(id); err != nil {
				return err
			}

			if yearStart == 0 {
				yearStart = time.Now().UTC().Year()
			}
			if yearEnd == 0 {
				yearEnd = yearStart + root.yearsAhead()
			}
			if yearEnd < yearStart {
				return fmt.Errorf("year-end %d before year-start %d", yearEnd, yearStart)
			}
			prio, err := queue.ParsePriority(priority)
			if err != nil {
				return err
			}

			return root.enqueueAndWait(cmd.Context(), id, yearStart, yearEnd, prio)
		},
	}

	cmd.Flags().IntVar(&yearStart, "year-start", 0, "first year to compute (default: current year)")
	cmd.Flags().IntVar(&yearEnd, "year-end", 0, "last year to compute (default: year-start plus the configured horizon)")
	cmd.Flags().StringVar(&priority, "priority", "high", "job priority (low|medium|high)")

	return cmd
}

func newLocationsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "Manage observer locations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored locations with their derived geometry",
		RunE: func(cmd *cobra.Command, args []string) error {
			locs, err := root.store.ListLocations()
			if err != nil {
				return err
			}
			if len(locs) == 0 {
				fmt.Println("No locations stored.")
				return nil
			}
			fmt.Printf("%-5s %-24s %10s %10s %8s %9s %8s %10s\n",
				"ID", "NAME", "LAT", "LON", "ELEV", "BEARING", "ELEVANG", "DISTANCE")
			for _, loc := range locs {
				fmt.Printf("%-5d %-24s %10.4f %10.4f %7.0fm %8.2f° %7.2f° %9.0fm\n",
					loc.ID, loc.Name, loc.Point.Lat, loc.Point.Lon, loc.Point.Elev,
					loc.Derived.BearingDeg, loc.Derived.ElevAngleDeg, loc.Derived.DistanceM)
			}
			return nil
		},
	}

	var (
		name string
		lat  float64
		lon  float64
		elev float64
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a location and derive its geometry against the target peak",
		RunE: func(cmd *cobra.Command, args []string) error {
			observer := geo.Point{Lat: lat, Lon: lon, Elev: elev}
			derived, err := geo.Derive(observer, root.peak())
			if err != nil {
				return err
			}
			id, err := root.store.SaveLocation(storage.Location{
				Name:    name,
				Point:   observer,
				Derived: derived,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Location %d saved: bearing %.2f°, elevation angle %.2f°, distance %.0fm\n",
				id, derived.BearingDeg, derived.ElevAngleDeg, derived.DistanceM)

			year := time.Now().UTC().Year()
			jobID, err := root.pool.EnqueueLocationRecompute(id, year, year+root.yearsAhead(), queue.PriorityHigh)
			if err != nil {
				fmt.Printf("Location saved but recompute not scheduled: %v\n", err)
				return nil
			}
			fmt.Printf("Recompute job %s queued\n", jobID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "location name")
	addCmd.Flags().Float64Var(&lat, "lat", 0, "observer latitude in degrees")
	addCmd.Flags().Float64Var(&lon, "lon", 0, "observer longitude in degrees")
	addCmd.Flags().Float64Var(&elev, "elevation", 0, "observer elevation in meters")
	addCmd.MarkFlagRequired("name")
	addCmd.MarkFlagRequired("lat")
	addCmd.MarkFlagRequired("lon")

	deleteCmd := &cobra.Command{
		Use:   "delete <location-id>",
		Short: "Delete a location and its precomputed events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid location id %q", args[0])
			}
			if _, err := root.store.GetLocation(id); err != nil {
				return err
			}
			if err := root.store.DeleteLocation(id); err != nil {
				return err
			}
			fmt.Printf("Location %d deleted\n", id)
			return nil
		},
	}

	cmd.AddCommand(listCmd, addCmd, deleteCmd)
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var (
		status string
		kind   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List computation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := root.queue.List(queue.Filter{
				Status: queue.Status(status),
				Kind:   queue.Kind(kind),
				Limit:  limit,
			})
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}
			fmt.Printf("%-36s %-11s %-8s %-9s %s\n", "ID", "KIND", "STATUS", "PRIORITY", "DETAIL")
			for _, j := range jobs {
				detail := j.Operation
				if j.Kind == queue.KindRecompute {
					detail = fmt.Sprintf("location %d, %d-%d", j.LocationID, j.YearStart, j.YearEnd)
				}
				if j.LastError != "" {
					detail += " (" + j.LastError + ")"
				}
				fmt.Printf("%-36s %-11s %-8s %-9s %s\n", j.ID, j.Kind, j.Status, j.Priority, detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued|running|succeeded|failed)")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (recompute|maintenance)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")

	return cmd
}

func newStatsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue and storage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			locs, err := root.store.ListLocations()
			if err != nil {
				return err
			}
			s := root.queue.Stats()
			fmt.Printf("Locations: %d\n", len(locs))
			fmt.Printf("Jobs:\n")
			fmt.Printf("  Queued:    %d\n", s.QueuedCount)
			fmt.Printf("  Running:   %d\n", s.RunningCount)
			fmt.Printf("  Succeeded: %d\n", s.SucceededCount)
			fmt.Printf("  Failed:    %d\n", s.FailedCount)
			return nil
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the peakalign configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			fmt.Printf("Configuration:\n\n")
			fmt.Printf("Server Address: %s\n", cfg.Server.Addr())
			fmt.Printf("Database Path: %s\n", cfg.Paths.DatabasePath)
			fmt.Printf("Import Directory: %s\n", cfg.Paths.ImportDir)
			fmt.Printf("Workers: %d\n", cfg.Processing.Workers)
			fmt.Printf("Max Retries: %d\n", cfg.Processing.MaxRetries)
			fmt.Printf("Retention Days: %d\n", cfg.Processing.RetentionDays)
			fmt.Printf("Target Peak: %s (%.4f, %.4f, %.0fm)\n",
				cfg.Target.Name, cfg.Target.Lat, cfg.Target.Lon, cfg.Target.ElevM)
			fmt.Printf("Trigger Enabled: %t\n", cfg.Trigger.Enabled)
			fmt.Printf("Years Ahead: %d\n", cfg.Trigger.YearsAhead)
			fmt.Printf("Log Level: %s\n", cfg.Logging.Level)
			fmt.Printf("Log Format: %s\n", cfg.Logging.Format)
			fmt.Printf("Log Directory: %s\n", cfg.Logging.LogDir)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cfg.Target.Lat < -90 || cfg.Target.Lat > 90 {
				return fmt.Errorf("target latitude %.4f out of range", cfg.Target.Lat)
			}
			if cfg.Target.Lon < -180 || cfg.Target.Lon > 180 {
				return fmt.Errorf("target longitude %.4f out of range", cfg.Target.Lon)
			}
			if cfg.Processing.Workers < 1 {
				return fmt.Errorf("workers must be at least 1, got %d", cfg.Processing.Workers)
			}
			if _, err := geo.Derive(geo.Point{Lat: cfg.Target.Lat + 0.1, Lon: cfg.Target.Lon}, root.peak()); err != nil {
				return fmt.Errorf("target geometry unusable: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Peakalign v1.0.0\n")
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}

// Execute runs the root command against ctx. Exposed for main.
func Execute(ctx context.Context, root *Root) error {
	return NewRootCmd(root).ExecuteContext(ctx)
}
