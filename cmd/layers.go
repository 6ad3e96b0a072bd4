package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/access-index/internal/layers"
)

var layersCmd = &cobra.Command{
	Use:   "layers",
	Short: "Inspect the amenity layers behind the catalog",
}

var layersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog categories and whether the source provides their layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("layers"); err != nil {
			return err
		}
		cat, err := loadCatalog()
		if err != nil {
			return eris.Wrap(err, "load catalog")
		}
		src, err := openSource(ctx)
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck

		var available map[string]bool
		if lister, ok := src.(layers.Lister); ok {
			names, err := lister.Layers(ctx)
			if err != nil {
				return eris.Wrap(err, "list source layers")
			}
			available = make(map[string]bool, len(names))
			for _, n := range names {
				available[n] = true
			}
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Source: %s\n\n", src.Name())
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "CATEGORY\tLAYER\tTARGET\tAVAILABLE")
		_, _ = fmt.Fprintln(w, "--------\t-----\t------\t---------")
		for _, c := range cat.Categories() {
			layer, _ := cat.Layer(c)
			status := "?"
			if available != nil {
				status = "no"
				if available[layer] {
					status = "yes"
				}
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c, layer, cat.Target(c), status)
		}
		return eris.Wrap(w.Flush(), "layers: flush table")
	},
}

var layersCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Unify every catalog layer and report what loaded",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("layers"); err != nil {
			return err
		}
		cat, err := loadCatalog()
		if err != nil {
			return eris.Wrap(err, "load catalog")
		}
		src, err := openSource(ctx)
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck

		res, err := layers.Unify(ctx, src, cat)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Source:    %s\n", res.Source)
		_, _ = fmt.Fprintf(out, "Version:   %s\n", res.Version)
		_, _ = fmt.Fprintf(out, "Amenities: %d\n", res.Index.Len())
		_, _ = fmt.Fprintf(out, "Duration:  %s\n\n", res.Duration)

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "CATEGORY\tLAYER\tFEATURES\tDROPPED\tSTATUS")
		_, _ = fmt.Fprintln(w, "--------\t-----\t--------\t-------\t------")
		for _, s := range res.Loaded {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\tok\n", s.Category, s.Layer, s.Features, s.Dropped)
		}
		for _, s := range res.Skipped {
			_, _ = fmt.Fprintf(w, "%s\t%s\t-\t-\tskipped: %s\n", s.Category, s.Layer, s.Error)
		}
		return eris.Wrap(w.Flush(), "layers: flush table")
	},
}

func init() {
	layersCmd.AddCommand(layersListCmd)
	layersCmd.AddCommand(layersCheckCmd)
	rootCmd.AddCommand(layersCmd)
}
