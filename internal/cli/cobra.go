package cli

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"wavefront/internal/catalog"
	"wavefront/internal/config"
	"wavefront/internal/pipeline"
	"wavefront/internal/storage"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "wavefront",
		Short: "Wavefront estimates optical aberrations from defocused star images",
		Long: `Wavefront selects target stars from a catalog, cuts out their defocused
donut images, separates blended neighbors, and estimates annular Zernike
coefficients per target.`,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newMatchCmd(root))
	rootCmd.AddCommand(newEstimateCmd(root))
	rootCmd.AddCommand(newCatalogCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		visitIntra int
		visitExtra int
		snap       int
		ra         float64
		dec        float64
		rotation   float64
		detectors  []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full estimation pipeline for one pointing",
		Long: `Select target stars, cut out donut pairs, and estimate Zernike
coefficients for every target.

Examples:
  # Corner wavefront sensors, one visit carries both defocal sides
  wavefront run --visit-intra 9006001 --ra 30 --dec -10

  # Science sensors paired across two visits
  wavefront run --visit-intra 9005000 --visit-extra 9005001 \
      --detector "R:2,2 S:1,1" --ra 30 --dec -10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{
				"visitIntra": visitIntra,
				"ra":         ra,
				"dec":        dec,
				"rotation":   rotation,
			}
			if visitExtra != 0 {
				options["visitExtra"] = visitExtra
			}
			if snap != 0 {
				options["snap"] = snap
			}
			if len(detectors) > 0 {
				options["detectors"] = detectors
			}

			job := pipeline.Job{
				ID:      newID("run"),
				Type:    pipeline.JobRun,
				Options: options,
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().IntVar(&visitIntra, "visit-intra", 0, "intra-focal visit number (required)")
	cmd.Flags().IntVar(&visitExtra, "visit-extra", 0, "extra-focal visit number (defaults to --visit-intra)")
	cmd.Flags().IntVar(&snap, "snap", 0, "exposure snap index")
	cmd.Flags().Float64Var(&ra, "ra", 0, "boresight right ascension in degrees")
	cmd.Flags().Float64Var(&dec, "dec", 0, "boresight declination in degrees")
	cmd.Flags().Float64Var(&rotation, "rotation", 0, "camera rotation angle in degrees")
	cmd.Flags().StringSliceVar(&detectors, "detector", nil, `detector names, e.g. "R:2,2 S:1,1" (default: corner sensors)`)
	cmd.MarkFlagRequired("visit-intra")

	return cmd
}

func newMatchCmd(root *Root) *cobra.Command {
	var (
		ra        float64
		dec       float64
		rotation  float64
		filter    string
		detectors []string
	)

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Select target stars without estimating",
		Long: `Run target selection only and report candidate counts per detector.

Examples:
  wavefront match --ra 30 --dec -10 --filter r
  wavefront match --ra 30 --dec -10 --detector "R:2,2 S:1,1"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{
				"ra":       ra,
				"dec":      dec,
				"rotation": rotation,
			}
			if filter != "" {
				options["filter"] = filter
			}
			if len(detectors) > 0 {
				options["detectors"] = detectors
			}

			job := pipeline.Job{
				ID:      newID("match"),
				Type:    pipeline.JobMatch,
				Options: options,
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().Float64Var(&ra, "ra", 0, "boresight right ascension in degrees")
	cmd.Flags().Float64Var(&dec, "dec", 0, "boresight declination in degrees")
	cmd.Flags().Float64Var(&rotation, "rotation", 0, "camera rotation angle in degrees")
	cmd.Flags().StringVar(&filter, "filter", "", "photometric band (u|g|r|i|z|y), config default if empty")
	cmd.Flags().StringSliceVar(&detectors, "detector", nil, "detector names (default: corner sensors)")

	return cmd
}

func newEstimateCmd(root *Root) *cobra.Command {
	var (
		fieldX float64
		fieldY float64
		output string
	)

	cmd := &cobra.Command{
		Use:   "estimate <intra_stamp> <extra_stamp>",
		Short: "Estimate Zernikes from a single donut pair",
		Long: `Solve one intra/extra stamp pair read from text image files.

Examples:
  wavefront estimate intra.txt extra.txt --field-x 1.2 --field-y 1.2
  wavefront estimate intra.txt extra.txt --output wavefront.txt`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{
				"intra":  args[0],
				"extra":  args[1],
				"fieldX": fieldX,
				"fieldY": fieldY,
			}
			if output != "" {
				options["output"] = output
			}

			job := pipeline.Job{
				ID:      newID("est"),
				Type:    pipeline.JobEstimate,
				Options: options,
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().Float64Var(&fieldX, "field-x", 0, "field position x in degrees")
	cmd.Flags().Float64Var(&fieldY, "field-y", 0, "field position y in degrees")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the estimated wavefront surface to this file")

	return cmd
}

func newCatalogCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the bright star catalog",
	}

	var (
		filter   string
		skipRows int
	)
	importCmd := &cobra.Command{
		Use:   "import <sky_file>",
		Short: "Load a sky file into the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{
				"path": args[0],
			}
			if filter != "" {
				options["filter"] = filter
			}
			if skipRows != 0 {
				options["skipRows"] = skipRows
			}

			job := pipeline.Job{
				ID:      newID("cat"),
				Type:    pipeline.JobCatalogImport,
				Options: options,
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}
	importCmd.Flags().StringVar(&filter, "filter", "", "photometric band (u|g|r|i|z|y), config default if empty")
	importCmd.Flags().IntVar(&skipRows, "skip-rows", 0, "header rows to skip, config default if zero")

	var idsFilter string
	idsCmd := &cobra.Command{
		Use:   "ids",
		Short: "List star IDs stored for a band",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := catalog.ParseFilter(idsFilter)
			if err != nil {
				return err
			}
			db, err := catalog.Open(root.cfg.Paths.CatalogPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ids, err := db.AllIDs(f)
			if err != nil {
				return err
			}
			for _, id := range ids {
				cmd.Println(id)
			}
			cmd.Printf("%d stars in band %s\n", len(ids), f)
			return nil
		},
	}
	idsCmd.Flags().StringVar(&idsFilter, "filter", "r", "photometric band (u|g|r|i|z|y)")

	cmd.AddCommand(importCmd, idsCmd)
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchDir   string
		debounceMs int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server with optional exposure watching",
		Long: `Start an HTTP server exposing job state and results. With --watch,
arriving exposure files are paired into defocal visits and submitted as
estimation runs automatically.

Examples:
  wavefront serve --addr :8080
  wavefront serve --addr :8080 --watch /data/exposures`,
		RunE: func(cmd *cobra.Command, args []string) error {
			watch := root.cfg.Watch
			if watchDir != "" {
				watch.Enabled = true
				watch.Dir = watchDir
			}
			if debounceMs > 0 {
				watch.DebounceMs = debounceMs
			}

			root.log.Info("starting server", "addr", addr, "watch", watch.Dir)
			return root.serveFn(context.Background(), addr, root.store, root.pipeline, watch, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "server address (host:port)")
	cmd.Flags().StringVar(&watchDir, "watch", "", "exposure directory to monitor")
	cmd.Flags().IntVar(&debounceMs, "debounce-ms", 0, "watcher settle time in milliseconds")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := root.cfg
			cmd.Printf("Configuration:\n\n")
			cmd.Printf("Image Directory:  %s\n", c.Paths.ImageDir)
			cmd.Printf("Database Path:    %s\n", c.Paths.DatabasePath)
			cmd.Printf("Catalog Path:     %s\n", c.Paths.CatalogPath)
			cmd.Printf("Parallel Jobs:    %d\n", c.Processing.ParallelJobs)
			cmd.Printf("Filter:           %s\n", c.Matching.Filter)
			cmd.Printf("Star Radius:      %g px\n", c.Matching.StarRadiusPixels)
			cmd.Printf("Spacing Coeff:    %g\n", c.Matching.SpacingCoefficient)
			cmd.Printf("Deblending:       %t\n", c.Matching.DoDeblending)
			cmd.Printf("Poisson Solver:   %s\n", c.Estimation.PoissonSolver)
			cmd.Printf("Compensator Mode: %s\n", c.Estimation.CompensatorMode)
			cmd.Printf("Zernike Terms:    %d\n", c.Estimation.NumTerms)
			cmd.Printf("Tolerance:        %g nm\n", c.Estimation.ToleranceNm)
			cmd.Printf("Log Level:        %s\n", c.Logging.Level)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			cmd.Println("configuration is valid")
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
			cmd.Println("wavefront v1.0.0")
			cmd.Printf("built with %s\n", runtime.Version())
		},
	}
}
