package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"legalrag/app/server"
	"legalrag/config"
	"legalrag/loader/service"
	"legalrag/loader/types"
)

var (
	flagDir         string
	flagReset       bool
	flagIncremental bool
	flagWatch       bool
	flagDebounce    time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "indexer",
	Short:        "Index legal CSV and PDF sources into the vector store",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagReset && flagIncremental {
			return fmt.Errorf("--reset and --incremental cannot be combined")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		config.SetupLogger(cfg.LogLevel, cfg.LogFormat)
		if flagDir == "" {
			flagDir = cfg.DataPath
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		components, err := server.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			slog.Info("closing database connection pool...")
			if err := components.Close(); err != nil {
				slog.Error("error closing pool", "error", err)
			}
		}()
		pipeline := components.Pipeline

		progress := func(r types.RunRecord) {
			slog.Info("indexing progress",
				"files", fmt.Sprintf("%d/%d", r.ProcessedFiles, r.TotalFiles),
				"documents", fmt.Sprintf("%d/%d", r.ProcessedDocuments, r.TotalDocuments))
		}

		if flagIncremental {
			report, err := pipeline.Incremental(ctx, flagDir, progress)
			if report != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\nDocuments: %d before, %d after, %d added\n",
					report.Message, report.DocumentsBefore, report.DocumentsAfter, report.DocumentsAdded)
			}
			if err != nil {
				return err
			}
		} else {
			summary, err := pipeline.Run(ctx, service.RunOptions{Directory: flagDir, Reset: flagReset, Progress: progress})
			if summary != nil {
				printSummary(cmd, summary)
			}
			if err != nil {
				return err
			}
		}

		if !flagWatch {
			return nil
		}
		w, err := service.NewWatcher(pipeline, flagDir, flagDebounce)
		if err != nil {
			return err
		}
		return w.Run(ctx)
	},
}

func printSummary(cmd *cobra.Command, s *types.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", s.Message)
	fmt.Fprintf(out, "  Files:     %d/%d\n", s.ProcessedFiles, s.TotalFiles)
	fmt.Fprintf(out, "  Documents: %d indexed, %d failed\n", s.IndexedDocuments, s.FailedDocuments)
	fmt.Fprintf(out, "  Duration:  %.2fs\n", s.Duration)
	for _, e := range s.Errors {
		fmt.Fprintf(out, "  error: %s\n", e)
	}
}

func init() {
	rootCmd.Flags().StringVar(&flagDir, "dir", "", "data directory (default CSV_DATA_PATH)")
	rootCmd.Flags().BoolVar(&flagReset, "reset", false, "empty the collection before indexing")
	rootCmd.Flags().BoolVar(&flagIncremental, "incremental", false, "index without reset and report the size change")
	rootCmd.Flags().BoolVar(&flagWatch, "watch", false, "keep running and reindex when source files change")
	rootCmd.Flags().DurationVar(&flagDebounce, "debounce", service.DefaultDebounce, "quiet period before a watched change is indexed")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
