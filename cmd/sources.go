package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/adapter"
	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

var (
	sourcesAdapter    string
	sourcesOnlyActive bool
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage data sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured data sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		sources, err := st.ListDataSources(ctx, store.SourceFilter{
			Adapter:    sourcesAdapter,
			OnlyActive: sourcesOnlyActive,
		})
		if err != nil {
			return eris.Wrap(err, "list sources")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCOUNTRY\tADAPTER\tSTATUS\tRECORDS\tLAST SYNC")
		for _, ds := range sources {
			lastSync := "-"
			if ds.LastSyncedAt != nil {
				lastSync = ds.LastSyncedAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
				ds.ID, ds.Name, ds.CountryCode, ds.Adapter, ds.Status, ds.RecordCount, lastSync)
		}
		return w.Flush()
	},
}

// defaultSources are the production portals. Seeding is idempotent;
// existing rows are left untouched.
var defaultSources = []model.DataSource{
	{CountryCode: "PT", Name: "BASE.gov.pt", SourceType: model.SourceTypeAPI, Adapter: "portalbase"},
	{CountryCode: "PT", Name: "Transparência SNS", SourceType: model.SourceTypeAPI, Adapter: "sns"},
	{CountryCode: "PT", Name: "QuemFatura.pt", SourceType: model.SourceTypeScraper, Adapter: "quemfatura"},
	{CountryCode: "EU", Name: "TED — Tenders Electronic Daily", SourceType: model.SourceTypeAPI, Adapter: "ted"},
}

var sourcesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the default data sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		registry := adapter.NewRegistry()
		if err := registry.Validate(defaultSources); err != nil {
			return eris.Wrap(err, "validate seeds")
		}

		created := 0
		for i := range defaultSources {
			inserted, err := st.CreateDataSource(ctx, &defaultSources[i])
			if err != nil {
				return eris.Wrapf(err, "seed %s", defaultSources[i].Name)
			}
			if inserted {
				created++
			}
		}

		zap.L().Info("sources seeded",
			zap.Int("created", created),
			zap.Int("existing", len(defaultSources)-created),
		)
		return nil
	},
}

func init() {
	sourcesListCmd.Flags().StringVar(&sourcesAdapter, "adapter", "", "filter by adapter identifier")
	sourcesListCmd.Flags().BoolVar(&sourcesOnlyActive, "active", false, "only active sources")
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesSeedCmd)
	rootCmd.AddCommand(sourcesCmd)
}
