package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/flagging"
	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

var (
	flagsRule     string
	flagsCountry  string
	flagsDryRun   bool
	flagsKey      string
	flagsSeverity string
	flagsLimit    int
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Run anomaly rules and inspect flags",
}

var flagsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate anomaly rules over stored contracts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		runner := flagging.NewRunner(st)
		opts := flagging.RunOptions{
			CountryCode: flagsCountry,
			DryRun:      flagsDryRun,
			BatchSize:   cfg.Flags.BatchSize,
		}

		var results []flagging.Result
		if flagsRule == "" {
			results, err = runner.RunAll(ctx, opts)
		} else {
			rule := findRule(flagsRule)
			if rule == nil {
				return eris.Errorf("unknown rule %q", flagsRule)
			}
			var res flagging.Result
			res, err = runner.Run(ctx, rule, opts)
			results = append(results, res)
		}
		if err != nil {
			return eris.Wrap(err, "run rules")
		}

		for _, res := range results {
			zap.L().Info("rule finished",
				zap.String("rule", res.Rule),
				zap.Int("evaluated", res.Evaluated),
				zap.Int("flagged", res.Flagged),
				zap.Int("created", res.Created),
				zap.Int("updated", res.Updated),
				zap.Bool("dry_run", res.DryRun),
			)
		}
		return nil
	},
}

func findRule(flagKey string) flagging.Rule {
	for _, rule := range flagging.BuiltinRules() {
		if rule.FlagKey() == flagKey {
			return rule
		}
	}
	return nil
}

var flagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flags, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		flags, err := st.ListFlags(ctx, store.FlagFilter{
			CountryCode: flagsCountry,
			FlagKey:     flagsKey,
			Severity:    model.Severity(flagsSeverity),
			Limit:       flagsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list flags")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CONTRACT\tCOUNTRY\tKEY\tSEVERITY\tCONFIDENCE\tDETECTED\tEVIDENCE")
		for _, f := range flags {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				f.ContractID, f.CountryCode, f.FlagKey, f.Severity,
				f.Confidence.String(), f.DetectedAt.Format("2006-01-02"), string(f.Evidence))
		}
		return w.Flush()
	},
}

func init() {
	flagsRunCmd.Flags().StringVar(&flagsRule, "rule", "", "run a single rule by flag key")
	flagsRunCmd.Flags().BoolVar(&flagsDryRun, "dry-run", false, "evaluate without writing flags")

	flagsListCmd.Flags().StringVar(&flagsKey, "key", "", "filter by flag key")
	flagsListCmd.Flags().StringVar(&flagsSeverity, "severity", "", "filter by severity (low/medium/high)")
	flagsListCmd.Flags().IntVar(&flagsLimit, "limit", 0, "max rows (default 100)")

	flagsCmd.PersistentFlags().StringVar(&flagsCountry, "country", "", "limit to one country code")
	flagsCmd.AddCommand(flagsRunCmd)
	flagsCmd.AddCommand(flagsListCmd)
	rootCmd.AddCommand(flagsCmd)
}
