package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"ccbt/pkg/checkpoint"
	"ccbt/pkg/config"
	"ccbt/pkg/logger"
)

var (
	// Version information
	version   = "0.1.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile    string
	logLevel      string
	checkpointDir string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ccbt",
	Short: "BitTorrent client checkpoint tooling",
	Long: `ccbt manages the resume checkpoints written by the BitTorrent client.

Checkpoints record which pieces of a torrent are verified, so an interrupted
download resumes without rechecking data. They live in .ccbt/checkpoints by
default, one <info_hash>.checkpoint.json and/or .checkpoint.bin per torrent.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./ccbt.yaml or $HOME/.config/ccbt/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&checkpointDir, "checkpoint-dir", "", "checkpoint directory (default .ccbt/checkpoints)")

	rootCmd.SetVersionTemplate(`ccbt {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// environment is what every checkpoint command needs
type environment struct {
	cfg     *config.Config
	log     logger.Logger
	manager *checkpoint.Manager
}

// loadEnvironment applies flags over the configuration, sets up logging and
// opens the checkpoint directory
func loadEnvironment() (*environment, error) {
	flags := map[string]interface{}{
		"checkpoint-dir": checkpointDir,
		"log-level":      logLevel,
	}
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	manager, err := checkpoint.NewManagerFromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, log: log, manager: manager}, nil
}
