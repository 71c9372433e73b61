package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"legalrag/app/agent"
	"legalrag/app/server"
	"legalrag/config"
)

var (
	flagAddr       string
	flagMaxSources int
	flagThreshold  float64
	flagValidate   bool
)

var rootCmd = &cobra.Command{
	Use:          "legalrag",
	Short:        "Question answering over Moroccan legal texts",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagAddr != "" {
			cfg.ServerAddr = flagAddr
		}

		components, err := server.Build(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer components.Close()

		s := server.NewServer(cfg.ServerAddr, components)
		errch := make(chan error, 1)
		go func() { errch <- s.Run() }()

		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigch)

		select {
		case err := <-errch:
			return err
		case <-sigch:
			slog.Info("received shutdown signal, shutting down server...")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(ctx)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		components, err := server.Build(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer components.Close()

		q := agent.Question{Text: args[0]}
		if cmd.Flags().Changed("max-sources") {
			q.MaxSources = &flagMaxSources
		}
		if cmd.Flags().Changed("threshold") {
			q.SimilarityThreshold = &flagThreshold
		}
		if cmd.Flags().Changed("validate") {
			q.Validate = &flagValidate
		}

		result, err := components.Agent.ProcessQuestion(cmd.Context(), q)
		if err != nil {
			return err
		}
		out := json.NewEncoder(cmd.OutOrStdout())
		out.SetIndent("", "  ")
		out.SetEscapeHTML(false)
		return out.Encode(result)
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	config.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default SERVER_ADDR)")
	askCmd.Flags().IntVar(&flagMaxSources, "max-sources", config.DefaultMaxSources, "sources to retrieve")
	askCmd.Flags().Float64Var(&flagThreshold, "threshold", config.DefaultSimilarityThreshold, "minimum relevance score")
	askCmd.Flags().BoolVar(&flagValidate, "validate", false, "validate the answer")
	rootCmd.AddCommand(serveCmd, askCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
