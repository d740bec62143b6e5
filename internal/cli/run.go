package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crank_go/internal/app"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Crank every configured market until interrupted",
		Long: `Start one worker per market. On SIGINT or SIGTERM no new transaction is
submitted; in-flight transactions are confirmed before the process exits.

Example:
  crank run --config configs/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrank(cmd.Context(), rootOpts)
		},
	}
}

func runCrank(parent context.Context, opts *RootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := app.NewBootstrap()
	defer func() {
		if err := b.Close(); err != nil {
			slog.Error("close failed", "error", err)
		}
	}()
	if err := b.Initialize(ctx, opts.ConfigPath); err != nil {
		return err
	}

	if err := b.Run(ctx); err != nil {
		return err
	}
	slog.Info("crank stopped gracefully")
	return nil
}
