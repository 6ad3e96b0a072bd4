package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List scoring profiles and their category weights",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return eris.Wrap(err, "load catalog")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PROFILE\tDESCRIPTION\tWEIGHTS")
		_, _ = fmt.Fprintln(w, "-------\t-----------\t-------")
		for _, p := range cat.Profiles() {
			keys := make([]string, 0, len(p.Weights))
			for k := range p.Weights {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			weights := make([]string, 0, len(keys))
			for _, k := range keys {
				weights = append(weights, fmt.Sprintf("%s=%g", k, p.Weights[k]))
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.Key, p.Desc, strings.Join(weights, ", "))
		}
		return eris.Wrap(w.Flush(), "profiles: flush table")
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}
