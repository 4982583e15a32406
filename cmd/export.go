package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/paradas/internal/export"
	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Export records as shapefile, spreadsheet or GeoJSON",
	Long:  "Writes local records to a point shapefile (.shp), an Excel workbook (.xlsx) or a GeoJSON FeatureCollection (.geojson). The format follows the file extension unless --format is given.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		path := args[0]
		formatName, _ := cmd.Flags().GetString("format")
		var format export.Format
		if formatName != "" {
			format, err = export.ParseFormat(formatName)
		} else {
			format, err = export.FormatFromPath(path)
		}
		if err != nil {
			return err
		}

		statuses, _ := cmd.Flags().GetStringSlice("status")
		filter := store.RecordFilter{}
		for _, s := range statuses {
			status := model.SyncStatus(strings.ToLower(s))
			if !status.Valid() {
				return eris.Errorf("export: unknown status %q", s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}

		recs, err := st.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "export: list records")
		}

		return export.ToFile(ctx, path, format, recs)
	},
}

func init() {
	exportCmd.Flags().String("format", "", "shp, xlsx or geojson (default: from extension)")
	exportCmd.Flags().StringSlice("status", nil, "only export records with these statuses")
	rootCmd.AddCommand(exportCmd)
}
