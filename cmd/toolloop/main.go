// Package main is the toolloop CLI: a tool-calling orchestration loop between
// a local completion model and an HTTP tool host.
//
// Basic usage:
//
//	toolloop run "What is the weather in Tokyo?"
//	toolloop chat
//	toolloop tools
//	toolloop demo
//
// Configuration comes from an optional config file (--config) plus
// TLP_-prefixed environment variables, e.g. TLP_API_BASE and
// TLP_PROVIDER_SETTINGS_MODEL.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kotaroba/toolloop/internal/config"
	"github.com/kotaroba/toolloop/internal/logging"
)

var version = "dev" // populated by ldflags

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "toolloop",
		Short:        "Tool-calling orchestration loop over an HTTP tool host",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (optional)")

	rootCmd.AddCommand(
		buildRunCmd(&configPath),
		buildChatCmd(&configPath),
		buildToolsCmd(&configPath),
		buildDemoCmd(),
	)
	return rootCmd
}

// loadConfig reads the config and installs the logger it specifies.
func loadConfig(path string, debug bool) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	logging.Init(logging.ParseLevel(level), cfg.LogFormat)
	return cfg, nil
}
