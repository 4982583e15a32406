package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/paradas/internal/geo"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Snap a point onto the nearest route",
	Long:  "Loads routes around the point (or the cache when offline) and prints its projection onto the nearest one within projection.max_distance_meters.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")

		proj, err := env.Capturer.Snap(ctx, geo.Coordinate{Latitude: lat, Longitude: lng})
		if err != nil {
			return eris.Wrap(err, "project")
		}
		if proj == nil {
			fmt.Fprintln(os.Stderr, "No route nearby.")
			return nil
		}
		return writeJSON(os.Stdout, proj)
	},
}

func init() {
	projectCmd.Flags().Float64("lat", 0, "latitude")
	projectCmd.Flags().Float64("lng", 0, "longitude")
	_ = projectCmd.MarkFlagRequired("lat")
	_ = projectCmd.MarkFlagRequired("lng")
	rootCmd.AddCommand(projectCmd)
}
