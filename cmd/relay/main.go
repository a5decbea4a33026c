// Package main is the relay CLI: a multi-channel AI assistant that routes
// inbound messages through the agent turn pipeline.
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Environment variables referenced from the config file are expanded at load
// time; a local .env file is read when present.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 startup failure.
const (
	exitConfigError  = 1
	exitStartupError = 2
)

type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error  { return &exitError{err: err, code: exitConfigError} }
func startupError(err error) error { return &exitError{err: err, code: exitStartupError} }

func main() {
	// Optional; real configuration comes from the YAML file and process env.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		var coded *exitError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(exitConfigError)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Relay - multi-channel AI assistant",
		Long:         "Relay connects messaging channels to LLM providers with skills, MCP tool servers, and long-term memory.",
		Version:      buildVersion(),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relay " + buildVersion())
		},
	}
}

func buildVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}
