package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fabienpiette/speedlayer/internal/models"
)

func newReindexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "reindex [type...]",
		Short:     "Rebuild the search index from the database",
		Long:      "Rebuild the search index for the given entity types, or for all of them when none is given.",
		ValidArgs: []string{"request", "item", "user", "category"},
		RunE: func(cmd *cobra.Command, args []string) error {
			types := make([]models.EntityType, 0, len(args))
			for _, arg := range args {
				t, err := models.ParseEntityType(arg)
				if err != nil {
					return err
				}
				types = append(types, t)
			}

			container, stop, err := a.container()
			if err != nil {
				return err
			}
			defer stop()

			counts, err := container.Reindex(cmd.Context(), types...)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(counts))
			for t := range counts {
				names = append(names, t.String())
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintf(out, "%-10s %d\n", name, counts[models.EntityType(name)])
			}
			return nil
		},
	}
}

func newAnalyticsCmd(a *app) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Print recorded performance analytics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, stop, err := a.container()
			if err != nil {
				return err
			}
			defer stop()

			analytics, err := container.GetAnalytics(cmd.Context(), days)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(analytics)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "number of days to summarize")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired entries from the durable cache tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			container, stop, err := a.container()
			if err != nil {
				return err
			}
			defer stop()

			removed, err := container.SweepDurable(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", removed)
			return nil
		},
	}
}
