package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/ReviewMiner/internal/collect"
	"github.com/TobiSchelling/ReviewMiner/internal/compose"
	"github.com/TobiSchelling/ReviewMiner/internal/config"
	"github.com/TobiSchelling/ReviewMiner/internal/database"
	"github.com/TobiSchelling/ReviewMiner/internal/logging"
	"github.com/TobiSchelling/ReviewMiner/internal/pipeline"
	"github.com/TobiSchelling/ReviewMiner/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	envPath    string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "reviewminer",
	Short:         "Customer review analysis",
	Long:          "ReviewMiner turns CSV exports of customer reviews into sentiment, themes, trends and an executive brief.",
	Version:       version,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logging.Init("info", "text", verbose)
			return nil
		}

		config.LoadEnv(envPath)
		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logging.Init(cfg.Logging.Level, cfg.Logging.Format, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging with source locations")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env-file", "", "Path to .env file (default ./.env)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(importFeedCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(rerunCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("reviewminer", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/reviewminer/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose the LLM provider and analysis limits.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		schema, err := db.SchemaVersion()
		if err != nil {
			return err
		}

		fmt.Printf("Database: %s (schema v%d)\n\n", cfg.DBPath(), schema)
		fmt.Println("Jobs:")
		fmt.Printf("  Total: %d\n", stats.TotalJobs)
		statuses := make([]string, 0, len(stats.ByStatus))
		for s := range stats.ByStatus {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %s: %d\n", s, stats.ByStatus[database.JobStatus(s)])
		}
		fmt.Printf("  Runs: %d\n", stats.TotalRuns)
		fmt.Printf("\nReviews analyzed: %d\n", stats.ReviewsAnalyzed)
		if stats.LastUpdated != nil {
			fmt.Printf("Last activity: %s\n", stats.LastUpdated.Local().Format(time.DateTime))
		}
		return nil
	},
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file.csv>",
	Short: "Analyze a CSV export of reviews",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}
		return withOrchestrator(cmd.Context(), func(ctx context.Context, o *pipeline.Orchestrator) error {
			job, err := o.Submit(ctx, filepath.Base(args[0]), raw)
			if err != nil {
				return err
			}
			return finish(ctx, o, job.ID)
		})
	},
}

// --- import-feed ---

var feedMaxItems int

var importFeedCmd = &cobra.Command{
	Use:   "import-feed <url>",
	Short: "Import an RSS/Atom review feed and analyze it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxItems := feedMaxItems
		if maxItems <= 0 {
			maxItems = cfg.Analysis.MaxRows
		}
		importer := collect.NewFeedImporter(cfg.Enrichment.Timeout, maxItems)
		imp, err := importer.ImportURL(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d reviews from %s (%d entries skipped)\n", imp.Rows, imp.Filename, imp.Skipped)

		return withOrchestrator(cmd.Context(), func(ctx context.Context, o *pipeline.Orchestrator) error {
			job, err := o.Submit(ctx, imp.Filename, imp.CSV)
			if err != nil {
				return err
			}
			return finish(ctx, o, job.ID)
		})
	},
}

func init() {
	importFeedCmd.Flags().IntVar(&feedMaxItems, "max-items", 0, "Maximum feed entries to import (default: analysis.max_rows)")
}

// --- jobs ---

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		jobs, err := db.ListJobs(jobsLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs yet. Run 'reviewminer analyze <file.csv>' to start one.")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-10s  %5d reviews  %s  %s\n",
				j.ID, j.Status, j.TotalReviews, j.CreatedAt.Local().Format(time.DateTime), j.Filename)
			if j.Status == database.StatusFailed && j.Error != nil {
				fmt.Printf("    %s\n", *j.Error)
			}
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "Number of jobs to show (0 = all)")
}

// --- show ---

var (
	showJSON bool
	showRuns bool
)

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Print the report of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		job, err := db.GetJob(args[0])
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %s not found", args[0])
		}
		if showRuns {
			runs, err := db.GetRuns(job.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s\n", job.ID, job.Status, job.Filename)
			fmt.Print(compose.Runs(runs))
			return nil
		}
		if job.Status != database.StatusCompleted {
			return jobNotReady(job)
		}

		if showJSON {
			fmt.Println(*job.ResultJSON)
			return nil
		}
		res, err := pipeline.DecodeResult(job)
		if err != nil {
			return err
		}
		defects, err := db.GetDefects(job.ID)
		if err != nil {
			return err
		}
		fmt.Print(compose.Report(res, defects))
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the raw result document")
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "Print the run history instead of the report")
}

// --- rerun ---

var rerunCmd = &cobra.Command{
	Use:   "rerun <job-id>",
	Short: "Re-run analysis of a stored job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), func(ctx context.Context, o *pipeline.Orchestrator) error {
			job, err := o.Rerun(ctx, args[0])
			if err != nil {
				return err
			}
			return finish(ctx, o, job.ID)
		})
	},
}

// --- serve ---

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		o := pipeline.New(db, pipeline.ProviderFromConfig(cfg), pipeline.OptionsFromConfig(cfg))
		if n, err := o.Resume(ctx); err != nil {
			return err
		} else if n > 0 {
			fmt.Printf("Resumed %d interrupted job(s)\n", n)
		}

		host, port := cfg.Server.Host, cfg.Server.Port
		if serveHost != "" {
			host = serveHost
		}
		if servePort > 0 {
			port = servePort
		}

		srv := server.New(o, server.Options{
			CORSOrigin:     cfg.Server.CORSOrigin,
			MaxUploadBytes: cfg.Analysis.MaxUploadBytes,
		})
		return server.Serve(ctx, srv, server.Addr(host, port), cfg.Server.ShutdownGrace)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind (default from config)")
}

// --- helpers ---

// openDB opens the job store under the configured data directory.
func openDB() (*database.DB, error) {
	db, err := database.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	return db, nil
}

// withOrchestrator runs fn against a fresh orchestrator and waits for its
// background work before closing the store.
func withOrchestrator(ctx context.Context, fn func(context.Context, *pipeline.Orchestrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := pipeline.New(db, pipeline.ProviderFromConfig(cfg), pipeline.OptionsFromConfig(cfg))
	runErr := fn(ctx, o)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := o.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// finish waits for a job and prints its outcome.
func finish(ctx context.Context, o *pipeline.Orchestrator, id string) error {
	fmt.Printf("Analyzing job %s...\n", id)
	if err := o.Wait(ctx, id); err != nil {
		return fmt.Errorf("waiting for job %s: %w", id, err)
	}
	job, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != database.StatusCompleted {
		return jobNotReady(job)
	}
	res, err := pipeline.DecodeResult(job)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(compose.Summary(res))
	fmt.Printf("\nRun 'reviewminer show %s' for the full report.\n", id)
	return nil
}

func jobNotReady(job *database.Job) error {
	if job.Status == database.StatusFailed {
		reason := "unknown error"
		if job.Error != nil {
			reason = *job.Error
		}
		return errors.New("analysis failed: " + reason)
	}
	return fmt.Errorf("job %s is %s", job.ID, job.Status)
}

