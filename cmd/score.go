package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/access-index/internal/proximity"
	"github.com/sells-group/access-index/internal/scoring"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score one location for a profile",
	Long: `Count amenities of every catalog category within the radius of a
WGS84 coordinate, normalize the counts against their targets and combine
them with the profile weights into a 0-100 index.

For every category with no amenity in range, the nearest one outside the
radius is reported with its distance.

Examples:
  # Plaza de Armas, Santiago, default radius
  score --lat -33.4378 --lon -70.6505 --profile adulto_mayor

  # 500 m radius, JSON output
  score --lat -33.4378 --lon -70.6505 --profile estudiante --radius 500 --format json`,
	RunE: runScore,
}

func init() {
	f := scoreCmd.Flags()
	f.Float64("lat", 0, "latitude (WGS84)")
	f.Float64("lon", 0, "longitude (WGS84)")
	f.String("profile", "", "profile key (see 'profiles')")
	f.Float64("radius", 0, "radius in meters (default from config)")
	f.String("format", "table", "output format: table or json")
	_ = scoreCmd.MarkFlagRequired("lat")
	_ = scoreCmd.MarkFlagRequired("lon")
	_ = scoreCmd.MarkFlagRequired("profile")

	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return eris.Errorf("score: --format must be table or json (got %q)", format)
	}

	env, err := initEngine(ctx, "query")
	if err != nil {
		return err
	}
	defer env.Close()

	lat, _ := cmd.Flags().GetFloat64("lat")
	lon, _ := cmd.Flags().GetFloat64("lon")
	profile, _ := cmd.Flags().GetString("profile")
	radius, err := queryRadius(cmd, env.Catalog)
	if err != nil {
		return err
	}

	ev, err := env.Scorer.Evaluate(ctx, scoring.Query{
		Point:   proximity.Point{Lat: lat, Lon: lon},
		RadiusM: radius,
		Profile: profile,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		return writeEvaluationJSON(out, ev)
	}
	return writeEvaluationTable(out, ev)
}

func writeEvaluationJSON(w io.Writer, ev *scoring.Evaluation) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(ev), "score: encode json")
}

func writeEvaluationTable(out io.Writer, ev *scoring.Evaluation) error {
	res := ev.Score
	_, _ = fmt.Fprintf(out, "Profile:  %s\n", res.Profile)
	_, _ = fmt.Fprintf(out, "Location: %.6f, %.6f\n", res.Lat, res.Lon)
	_, _ = fmt.Fprintf(out, "Radius:   %.0f m\n", res.RadiusM)
	_, _ = fmt.Fprintf(out, "Index:    %.1f / 100\n\n", res.Index)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CATEGORY\tCOUNT\tNORM\tWEIGHT\tCONTRIB\tNEAREST_M")
	_, _ = fmt.Fprintln(w, "--------\t-----\t----\t------\t-------\t---------")

	// Highest contribution first, then by name.
	cats := res.Categories()
	sort.SliceStable(cats, func(i, j int) bool {
		return res.Details[cats[i]].Contribution > res.Details[cats[j]].Contribution
	})
	for _, c := range cats {
		d := res.Details[c]
		nearest := ""
		if n, ok := ev.Nearest[c]; ok {
			nearest = fmt.Sprintf("%.0f", n.DistanceM)
		} else if d.Count == 0 {
			nearest = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.2f\t%g\t%.2f\t%s\n",
			c, d.Count, d.ScoreNorm, d.Weight, d.Contribution, nearest)
	}
	if err := w.Flush(); err != nil {
		return eris.Wrap(err, "score: flush table")
	}
	if ev.Incomplete {
		_, _ = fmt.Fprintln(out, "\nNearest search timed out; distances are missing.")
	}
	return nil
}
