package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/paradas/pkg/remote"
)

var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "Browse stops already registered remotely",
}

var pointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote stops, optionally by RA or bacia",
	Long:  "Lists stops registered in the remote service. RA and bacia names are matched ignoring case and accents, so \"aguas claras\" selects ÁGUAS CLARAS.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		ra, _ := cmd.Flags().GetString("ra")
		bacia, _ := cmd.Flags().GetString("bacia")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter, err := pointFilter(ra, bacia)
		if err != nil {
			return err
		}

		points, err := env.Remote.ListPoints(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "points list")
		}

		if asJSON {
			return writeJSON(os.Stdout, points)
		}
		if len(points) == 0 {
			fmt.Fprintln(os.Stderr, "No points found.")
			return nil
		}
		formatPointList(os.Stdout, points)
		return nil
	},
}

func pointFilter(ra, bacia string) (remote.PointFilter, error) {
	if ra != "" && bacia != "" {
		return remote.PointFilter{}, eris.New("points list: use either --ra or --bacia, not both")
	}

	var filter remote.PointFilter
	if ra != "" {
		name, err := remote.CanonicalName(ra, remote.RegionNames)
		if err != nil {
			return filter, err
		}
		filter.RA = name
	}
	if bacia != "" {
		name, err := remote.CanonicalName(bacia, remote.BaciaNames)
		if err != nil {
			return filter, err
		}
		filter.Bacia = name
	}
	return filter, nil
}

func formatPointList(w io.Writer, points []remote.RemotePoint) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tLAT\tLNG\tRA\tBACIA\tADDRESS")
	for _, p := range points {
		fmt.Fprintf(tw, "%s\t%s\t%.6f\t%.6f\t%s\t%s\t%s\n",
			p.ID, p.Code, p.Latitude, p.Longitude, p.RA, p.Bacia, truncate(p.Address, 50))
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	pointsListCmd.Flags().String("ra", "", "administrative region (RA)")
	pointsListCmd.Flags().String("bacia", "", "operating basin")
	pointsListCmd.Flags().Bool("json", false, "print JSON instead of a table")
	pointsCmd.AddCommand(pointsListCmd)
	rootCmd.AddCommand(pointsCmd)
}
