package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/vosbek/memoryme/engine"
	"github.com/vosbek/memoryme/memory"
)

var (
	cfgFile  string
	dataDir  string
	logLevel string
	embedder string

	// eng is opened before every subcommand that needs it and closed after.
	eng *engine.Engine

	rootCmd = &cobra.Command{
		Use:           "memoryme",
		Short:         "A local memory for developer knowledge",
		Long:          longRoot,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		memory.Logger("cli").Error(err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); MEMORYME_* variables override it")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding the database")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&embedder, "embedder", "", "mock, ollama or none")
}

// loadConfig resolves the config file, the environment and the flags, in
// increasing order of precedence.
func loadConfig(cmd *cobra.Command) (engine.Config, error) {
	cfg, err := engine.LoadConfig(cfgFile)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
		cfg.DBPath = ""
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("embedder") {
		cfg.Embedder.Kind = embedder
	}
	return cfg, cfg.Validate()
}

// withEngine wraps a RunE so the engine is open while it runs.
func withEngine(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if eng, err = engine.Open(ctx, cfg); err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		runErr := run(cmd, args)
		if err := eng.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
			runErr = err
		}
		eng = nil
		return runErr
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var longRoot = `
memoryme keeps developer knowledge (snippets, decisions, meeting notes,
commands) in a local SQLite database. Records are indexed three ways:
full-text, by embedding similarity and through an entity graph built from
their content. Queries combine the three.

Examples:
  memoryme add --type decision --title "Queue" "We moved billing events to Kafka"
  memoryme query "why kafka"
  memoryme graph search kafka
`
