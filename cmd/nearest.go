package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/access-index/internal/proximity"
)

var nearestCmd = &cobra.Command{
	Use:   "nearest",
	Short: "Find the nearest amenity of each category outside a radius",
	Long: `For every requested category, report the closest amenity lying
strictly beyond the radius. A radius of 0 searches every amenity.

Examples:
  nearest --lat -33.4378 --lon -70.6505 --radius 500
  nearest --lat -33.4378 --lon -70.6505 --radius 0 --category salud,supermercados`,
	RunE: runNearest,
}

func init() {
	f := nearestCmd.Flags()
	f.Float64("lat", 0, "latitude (WGS84)")
	f.Float64("lon", 0, "longitude (WGS84)")
	f.Float64("radius", 0, "radius in meters (default from config)")
	f.String("category", "", "categories (comma-separated, default all)")
	_ = nearestCmd.MarkFlagRequired("lat")
	_ = nearestCmd.MarkFlagRequired("lon")

	rootCmd.AddCommand(nearestCmd)
}

func runNearest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initEngine(ctx, "query")
	if err != nil {
		return err
	}
	defer env.Close()

	lat, _ := cmd.Flags().GetFloat64("lat")
	lon, _ := cmd.Flags().GetFloat64("lon")
	catFlag, _ := cmd.Flags().GetString("category")
	radius, err := queryRadius(cmd, env.Catalog)
	if err != nil {
		return err
	}

	found, err := env.Scorer.Nearest(ctx, proximity.Point{Lat: lat, Lon: lon}, radius, splitAndTrim(catFlag))
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CATEGORY\tDISTANCE_M\tSOURCE\tSOURCE_ID")
	_, _ = fmt.Fprintln(w, "--------\t----------\t------\t---------")
	for _, k := range keys {
		n := found[k]
		_, _ = fmt.Fprintf(w, "%s\t%.0f\t%s\t%s\n", k, n.DistanceM, n.Amenity.Source, n.Amenity.SourceID)
	}
	if err := w.Flush(); err != nil {
		return eris.Wrap(err, "nearest: flush table")
	}
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No amenities outside the radius.")
	}
	return nil
}
