// Command ghciwatch supervises a GHCi REPL, reloading it as Haskell source
// files change (spec.md overview).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/config"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/logging"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/sink"
	"github.com/MercuryTechnologies/ghciwatch-sub001/internal/supervisor"
)

func main() {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "ghciwatch",
		Short: "Supervise a GHCi REPL, reloading on source changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &cfg)
		},
	}
	config.RegisterFlags(root.PersistentFlags(), &cfg)

	root.AddCommand(historyCmd(&cfg))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	file, err := config.LoadProjectFile(dir)
	if err != nil {
		return fmt.Errorf("load project config: %w", err)
	}
	config.MergeProjectFile(cfg, cmd.Flags(), file)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := sink.NewTerminal(os.Stdout, os.Stdout.Fd())
	sup, err := supervisor.New(ctx, cfg, logger, out)
	if err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	defer sup.Close()

	return sup.Run(ctx)
}
