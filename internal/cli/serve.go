package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/kernel"
)

// newServeCmd creates the serve command for the orchestration kernel
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration kernel",
		Long: `Run the kestrel kernel in the foreground.

The kernel opens the store, replays the event journal for durable
subscribers, and starts the background loops:
  • agent heartbeat sweeper
  • task dispatcher and timeout sweep
  • validation loop
  • diagnostic monitor
  • approval deadline sweep

Example:
  kestrel serve
  kestrel serve --config /etc/kestrel/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			k, err := kernel.New(kernel.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer k.Close()

			fmt.Printf("kestrel kernel running (store: %s %s)\n", cfg.Store.Dialect, cfg.Store.DSN)
			fmt.Println("Press Ctrl+C to stop")

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\nShutting down...")
				cancel()
			}()

			return k.Run(ctx)
		},
	}
}
