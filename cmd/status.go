package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/paradas/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local sync queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := monitoring.NewCollector(env.Store).Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		cached, err := env.Cache.Count(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, snap)
		}
		formatStatus(os.Stdout, snap, cached, cfg.Session.UserID)
		return nil
	},
}

func formatStatus(w io.Writer, snap *monitoring.MetricsSnapshot, cachedRouteSets int, userID string) {
	if userID == "" {
		userID = "(not logged in)"
	}
	fmt.Fprintf(w, "Surveyor:     %s\n", userID)
	fmt.Fprintf(w, "Records:      %d\n", snap.Total)
	fmt.Fprintf(w, "  pending:    %d\n", snap.Pending)
	fmt.Fprintf(w, "  syncing:    %d\n", snap.Syncing)
	fmt.Fprintf(w, "  synced:     %d\n", snap.Synced)
	fmt.Fprintf(w, "  failed:     %d\n", snap.Failed)
	if snap.OldestQueuedAt != nil {
		age := snap.CollectedAt.Sub(*snap.OldestQueuedAt).Round(time.Minute)
		fmt.Fprintf(w, "Oldest queued: %s ago\n", age)
	}
	fmt.Fprintf(w, "Route sets cached: %d\n", cachedRouteSets)
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
