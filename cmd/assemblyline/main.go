// Package main implements the assemblyline CLI — the operator surface for
// the assembly line orchestrator: running the Listener Daemon, inspecting a
// contract, clearing a tripped breaker, and answering a pending question.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/floorline/assemblyline/config"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts rootOptions

	rootCmd := &cobra.Command{
		Use:     "assemblyline",
		Short:   "Multi-agent assembly line orchestrator for code-change tasks",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: layered user/project config)")
	rootCmd.PersistentFlags().StringVar(&opts.handoffDir, "handoff-dir", "", "override the configured handoff directory")
	rootCmd.PersistentFlags().StringVar(&opts.repoPath, "repo", "", "override the configured Git repository path")

	rootCmd.AddCommand(newServeCmd(&opts))
	rootCmd.AddCommand(newStatusCmd(&opts))
	rootCmd.AddCommand(newResetCmd(&opts))
	rootCmd.AddCommand(newAnswerCmd(&opts))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	handoffDir string
	repoPath   string
}

// loadConfig resolves the layered config and applies the --handoff-dir
// override, following the same non-zero-wins precedence as config.Merge.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if o.configPath != "" {
		cfg, err = config.LoadFromFile(o.configPath)
	} else {
		cfg, err = config.NewLoader(nil).Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.handoffDir != "" {
		cfg.HandoffDir = o.handoffDir
	}
	if o.repoPath != "" {
		cfg.RepoPath = o.repoPath
	}
	return cfg, nil
}
