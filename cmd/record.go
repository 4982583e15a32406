package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/internal/store"
	"github.com/sells-group/paradas/internal/survey"
)

const visitedLayout = "2006-01-02"

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Capture and inspect survey records",
	Long:  "Commands for adding, listing, viewing, and editing locally queued bus-stop surveys.",
}

// -- record add --

var recordAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Capture a bus stop at a location",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "record")
		if err != nil {
			return err
		}
		defer env.Close()

		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")
		address, _ := cmd.Flags().GetString("address")
		noRoute, _ := cmd.Flags().GetBool("no-route")

		attrs, _, err := attributesFromFlags(cmd.Flags(), model.Attributes{})
		if err != nil {
			return err
		}
		visited, err := visitedFromFlags(cmd.Flags())
		if err != nil {
			return err
		}

		res, err := env.Capturer.Capture(ctx, survey.Input{
			Location:  geo.Coordinate{Latitude: lat, Longitude: lng},
			Address:   address,
			NoRoute:   noRoute,
			Attrs:     attrs,
			VisitedAt: visited,
		})
		if err != nil {
			return eris.Wrap(err, "record add")
		}

		if res.Projection == nil && !noRoute {
			fmt.Fprintln(os.Stderr, "No route nearby; stored without an interpolated location.")
		}
		return writeJSON(os.Stdout, res)
	},
}

// -- record list --

var recordListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		statuses, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RecordFilter{Limit: limit}
		for _, s := range statuses {
			status := model.SyncStatus(strings.ToLower(s))
			if !status.Valid() {
				return eris.Errorf("record list: unknown status %q", s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}

		recs, err := st.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "record list")
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}

		formatRecordList(os.Stdout, recs)
		return nil
	},
}

// -- record show --

var recordShowCmd = &cobra.Command{
	Use:   "show <local-id>",
	Short: "Show full details of a record",
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

		rec, err := getRecord(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "record show")
		}
		return writeJSON(os.Stdout, rec)
	},
}

// -- record edit --

var recordEditCmd = &cobra.Command{
	Use:   "edit <local-id>",
	Short: "Edit a pending or failed record",
	Long:  "Changes content fields of a record that has not been synced. Editing a failed record queues it again.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := getRecord(ctx, env.Store, args[0])
		if err != nil {
			return eris.Wrap(err, "record edit")
		}

		patch, err := patchFromFlags(cmd, env.Capturer, rec)
		if err != nil {
			return err
		}
		if patch.Empty() {
			fmt.Fprintln(os.Stderr, "Nothing to change.")
			return nil
		}

		if err := env.Store.Update(ctx, rec.LocalID, patch); err != nil {
			return eris.Wrap(err, "record edit")
		}

		updated, err := env.Store.Get(ctx, rec.LocalID)
		if err != nil {
			return eris.Wrap(err, "record edit")
		}
		return writeJSON(os.Stdout, updated)
	},
}

// getRecord loads a record, reporting an unknown id as store.ErrNotFound.
func getRecord(ctx context.Context, st store.Store, localID string) (*model.Record, error) {
	rec, err := st.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "record %s", localID)
	}
	return rec, nil
}

func patchFromFlags(cmd *cobra.Command, c *survey.Capturer, rec *model.Record) (model.Patch, error) {
	flags := cmd.Flags()
	var patch model.Patch

	if flags.Changed("lat") || flags.Changed("lng") {
		p := rec.RawLocation
		if flags.Changed("lat") {
			p.Latitude, _ = flags.GetFloat64("lat")
		}
		if flags.Changed("lng") {
			p.Longitude, _ = flags.GetFloat64("lng")
		}
		noRoute, _ := flags.GetBool("no-route")
		relocated, _, err := c.Relocate(cmd.Context(), p, noRoute)
		if err != nil {
			return model.Patch{}, eris.Wrap(err, "record edit")
		}
		patch = relocated
	} else if noRoute, _ := flags.GetBool("no-route"); noRoute && rec.InterpolatedLocation != nil {
		patch.ClearInterpolated = true
	}

	if flags.Changed("address") {
		addr, _ := flags.GetString("address")
		patch.Address = &addr
	}

	if flags.Changed("visited") {
		visited, err := visitedFromFlags(flags)
		if err != nil {
			return model.Patch{}, err
		}
		patch.VisitedAt = &visited
	}

	attrs, changed, err := attributesFromFlags(flags, rec.Attributes)
	if err != nil {
		return model.Patch{}, err
	}
	if changed {
		patch.Attributes = &attrs
	}
	return patch, nil
}

// attributesFromFlags applies the attribute flags that were set on top of
// base. An --attributes file replaces base before the other flags apply.
func attributesFromFlags(flags *pflag.FlagSet, base model.Attributes) (model.Attributes, bool, error) {
	attrs := base
	changed := false

	if path, _ := flags.GetString("attributes"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return attrs, false, eris.Wrap(err, "read attributes file")
		}
		attrs = model.Attributes{}
		if err := json.Unmarshal(data, &attrs); err != nil {
			return attrs, false, eris.Wrap(err, "parse attributes file")
		}
		changed = true
	}

	for name, dst := range map[string]*bool{
		"school":  &attrs.SchoolLines,
		"stpc":    &attrs.STPCLines,
		"bay":     &attrs.Bay,
		"ramp":    &attrs.Ramp,
		"tactile": &attrs.TactileFloor,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
			changed = true
		}
	}

	if flags.Changed("shelter") {
		values, _ := flags.GetStringArray("shelter")
		shelters := make([]model.Shelter, 0, len(values))
		for _, raw := range values {
			s, err := parseShelter(raw)
			if err != nil {
				return attrs, false, err
			}
			shelters = append(shelters, s)
		}
		attrs.Shelters = shelters
		changed = true
	}

	if flags.Changed("photo") {
		attrs.PhotoRefs, _ = flags.GetStringArray("photo")
		changed = true
	}

	return attrs, changed, nil
}

// parseShelter reads "TYPE[:p]": an optional shelter type id, and ":p" when
// the shelter shows pathology.
func parseShelter(raw string) (model.Shelter, error) {
	var s model.Shelter
	typ, flag, hasFlag := strings.Cut(strings.TrimSpace(raw), ":")
	if hasFlag {
		if flag != "p" && flag != "pathology" {
			return s, eris.Errorf("shelter %q: unknown flag %q", raw, flag)
		}
		s.HasPathology = true
	}
	if typ != "" {
		id, err := strconv.Atoi(typ)
		if err != nil || id <= 0 {
			return s, eris.Errorf("shelter %q: type must be a positive integer", raw)
		}
		s.TypeID = &id
	}
	return s, nil
}

func visitedFromFlags(flags *pflag.FlagSet) (time.Time, error) {
	v, _ := flags.GetString("visited")
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(visitedLayout, v, time.Local)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse --visited %q", v)
	}
	return t, nil
}

func formatRecordList(w io.Writer, recs []model.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tSTATUS\tVISITED\tROUTE\tSHELTER\tPATHOLOGY\tACCESSIBLE\tLINES\tADDRESS")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.LocalID,
			r.SyncStatus,
			r.VisitedAt.Local().Format(visitedLayout),
			yesNo(r.HasRoute()),
			yesNo(r.HasShelter()),
			yesNo(r.HasPathology()),
			yesNo(r.Accessible()),
			lineFlags(r.Attributes),
			truncate(r.Address, 50),
		)
	}
	tw.Flush() //nolint:errcheck
}

func lineFlags(a model.Attributes) string {
	var parts []string
	if a.SchoolLines {
		parts = append(parts, "school")
	}
	if a.STPCLines {
		parts = append(parts, "stpc")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addAttributeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("school", false, "stop is served by school lines")
	f.Bool("stpc", false, "stop is served by STPC lines")
	f.Bool("bay", false, "stop has a bus bay")
	f.Bool("ramp", false, "stop has an access ramp")
	f.Bool("tactile", false, "stop has tactile flooring")
	f.StringArray("shelter", nil, `shelter as TYPE[:p], ":p" marks pathology (repeatable)`)
	f.StringArray("photo", nil, "photo reference for the stop (repeatable)")
	f.String("attributes", "", "JSON file with the full attribute set")
	f.String("visited", "", "visit date YYYY-MM-DD (default today)")
	f.String("address", "", "address (default: reverse geocoded)")
	f.Bool("no-route", false, "store without snapping onto a route")
}

func init() {
	recordAddCmd.Flags().Float64("lat", 0, "stop latitude")
	recordAddCmd.Flags().Float64("lng", 0, "stop longitude")
	_ = recordAddCmd.MarkFlagRequired("lat")
	_ = recordAddCmd.MarkFlagRequired("lng")
	addAttributeFlags(recordAddCmd)

	recordListCmd.Flags().StringSlice("status", nil, "filter by status (pending, syncing, synced, failed)")
	recordListCmd.Flags().Int("limit", 0, "maximum records to list (0 = all)")

	recordEditCmd.Flags().Float64("lat", 0, "new latitude")
	recordEditCmd.Flags().Float64("lng", 0, "new longitude")
	addAttributeFlags(recordEditCmd)

	recordCmd.AddCommand(recordAddCmd, recordListCmd, recordShowCmd, recordEditCmd)
	rootCmd.AddCommand(recordCmd)
}
