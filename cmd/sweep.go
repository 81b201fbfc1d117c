package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voltbridge/csms/app"
	"github.com/voltbridge/csms/config"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close transactions left open on available connectors and exit",
	RunE:  sweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func sweep(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	closed, err := svc.Sessions.CloseOrphans(ctx)
	if err != nil {
		return fmt.Errorf("orphan sweep: %w", err)
	}
	fmt.Printf("closed %d orphaned transactions\n", closed)
	return nil
}
