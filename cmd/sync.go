package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued records to the remote service",
	Long:  "Uploads every pending or failed record. With --watch, keeps syncing every sync.interval_secs (or --interval) until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch {
			sum, err := env.Engine.SyncAll(ctx)
			if werr := writeJSON(os.Stdout, sum); werr != nil {
				return werr
			}
			if err != nil {
				return eris.Wrap(err, "sync interrupted")
			}
			return nil
		}

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = time.Duration(cfg.Sync.IntervalSecs) * time.Second
		}
		if interval <= 0 {
			interval = time.Minute
		}
		runPeriodicSync(ctx, env.Engine, interval)
		return nil
	},
}

// runPeriodicSync syncs immediately and then every interval until ctx is
// done. Runs never overlap.
func runPeriodicSync(ctx context.Context, e *syncer.Engine, interval time.Duration) {
	log := zap.L().With(zap.String("component", "sync_watch"))
	log.Info("periodic sync started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			if _, err := e.SyncAll(ctx); err != nil && ctx.Err() == nil {
				log.Error("sync run failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			log.Info("periodic sync stopped")
			return
		case <-ticker.C:
		}
	}
}

func init() {
	syncCmd.Flags().Bool("watch", false, "keep syncing periodically until interrupted")
	syncCmd.Flags().Duration("interval", 0, "sync interval in watch mode (default sync.interval_secs, or 1m)")
	rootCmd.AddCommand(syncCmd)
}
