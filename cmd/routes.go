package main

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/routes"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Manage the offline route cache",
}

// -- routes load --

var routesLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Fetch routes near a point into the cache",
	Long:  "Fetches the transit routes near a point from the remote service and caches them so projection works offline in that area.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")

		loaded, err := env.Index.Load(ctx, geo.Coordinate{Latitude: lat, Longitude: lng})
		if err != nil {
			return eris.Wrap(err, "routes load")
		}

		fmt.Fprintf(os.Stdout, "Loaded %d routes near %.6f, %.6f\n", len(loaded), lat, lng)
		for _, r := range loaded {
			fmt.Fprintf(os.Stdout, "  %s (%d points)\n", r.ID, len(r.Points))
		}
		return nil
	},
}

// -- routes import --

var routesImportCmd = &cobra.Command{
	Use:   "import <file.shp|file.zip|url>",
	Short: "Import route lines from a shapefile into the cache",
	Long:  "Reads the line features of a WGS84 shapefile (plain, zipped, or downloaded from a URL) and stores them in the route cache, replacing an earlier import of the same name.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		idField, _ := cmd.Flags().GetString("id-field")
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			base := path.Base(args[0])
			name = strings.TrimSuffix(base, path.Ext(base))
		}

		workDir, err := os.MkdirTemp("", "paradas-routes-*")
		if err != nil {
			return eris.Wrap(err, "routes import: create temp dir")
		}
		defer os.RemoveAll(workDir) //nolint:errcheck

		client := &http.Client{Timeout: 5 * time.Minute}
		shpPath, err := routes.ResolveShapefile(ctx, client, args[0], workDir)
		if err != nil {
			return err
		}

		lines, err := routes.ReadShapefile(shpPath, idField)
		if err != nil {
			return err
		}

		n, err := env.Cache.Import(ctx, name, lines)
		if err != nil {
			return eris.Wrap(err, "routes import")
		}

		fmt.Fprintf(os.Stdout, "Imported %d routes as %q\n", n, name)
		return nil
	},
}

// -- routes status --

var routesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many route sets are cached",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Cache.Count(ctx)
		if err != nil {
			return eris.Wrap(err, "routes status")
		}
		fmt.Fprintf(os.Stdout, "Cached route sets: %d\n", n)
		return nil
	},
}

func init() {
	routesLoadCmd.Flags().Float64("lat", 0, "center latitude")
	routesLoadCmd.Flags().Float64("lng", 0, "center longitude")
	_ = routesLoadCmd.MarkFlagRequired("lat")
	_ = routesLoadCmd.MarkFlagRequired("lng")

	routesImportCmd.Flags().String("id-field", "LINHA", "attribute holding the route id")
	routesImportCmd.Flags().String("name", "", "name of the imported set (default: file name)")

	routesCmd.AddCommand(routesLoadCmd, routesImportCmd, routesStatusCmd)
	rootCmd.AddCommand(routesCmd)
}
