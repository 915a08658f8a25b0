package flagging

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

// RunOptions scopes one rule run.
type RunOptions struct {
	// CountryCode limits evaluation to one country; empty means all.
	CountryCode string
	// DryRun evaluates and counts without writing flags.
	DryRun bool
	// BatchSize tunes the per-contract scan; zero means 500.
	BatchSize int
}

// Result reports one completed rule run.
type Result struct {
	Rule        string `json:"rule"`
	CountryCode string `json:"country_code,omitempty"`
	Evaluated   int    `json:"evaluated"`
	Flagged     int    `json:"flagged"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	DryRun      bool   `json:"dry_run,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

// Runner evaluates rules over stored contracts.
type Runner struct {
	store Store
}

// NewRunner creates a flag rule runner.
func NewRunner(s Store) *Runner {
	return &Runner{store: s}
}

// Run evaluates one rule. Flags are written only when the evidence
// fingerprint changed, so repeated runs over unchanged data are no-ops.
func (r *Runner) Run(ctx context.Context, rule Rule, opts RunOptions) (Result, error) {
	start := time.Now()
	var (
		res Result
		err error
	)
	if setRule, ok := rule.(SetRule); ok {
		res, err = r.runSet(ctx, setRule, opts)
	} else {
		res, err = r.runScan(ctx, rule, opts)
	}
	if err != nil {
		return res, err
	}

	res.Rule = rule.FlagKey()
	res.CountryCode = opts.CountryCode
	res.DryRun = opts.DryRun
	res.DurationMS = time.Since(start).Milliseconds()
	zap.L().Info("flags: rule run completed",
		zap.String("rule", res.Rule),
		zap.String("country_code", res.CountryCode),
		zap.Int("evaluated", res.Evaluated),
		zap.Int("flagged", res.Flagged),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Bool("dry_run", res.DryRun),
		zap.Int64("duration_ms", res.DurationMS),
	)
	return res, nil
}

// RunAll evaluates every built-in rule in order, stopping on the first
// failure.
func (r *Runner) RunAll(ctx context.Context, opts RunOptions) ([]Result, error) {
	results := make([]Result, 0, len(BuiltinRules()))
	for _, rule := range BuiltinRules() {
		res, err := r.Run(ctx, rule, opts)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) runScan(ctx context.Context, rule Rule, opts RunOptions) (Result, error) {
	var res Result
	now := time.Now().UTC()
	afterID := int64(0)
	for {
		batch, err := r.store.ListContractsBatch(ctx, opts.CountryCode, afterID, opts.BatchSize)
		if err != nil {
			return res, eris.Wrapf(err, "flags: scan contracts for %s", rule.FlagKey())
		}
		if len(batch) == 0 {
			return res, nil
		}
		for i := range batch {
			c := &batch[i]
			res.Evaluated++
			if !rule.Matches(c) {
				continue
			}
			res.Flagged++
			if opts.DryRun {
				continue
			}
			flag, err := buildFlag(rule, c, now)
			if err != nil {
				return res, eris.Wrapf(err, "flags: evidence for contract %d", c.ID)
			}
			created, updated, err := r.upsert(ctx, flag)
			if err != nil {
				return res, err
			}
			res.Created += created
			res.Updated += updated
		}
		afterID = batch[len(batch)-1].ID
	}
}

// upsert writes one flag unless its fingerprint is already stored. A
// lost creation race is retried once as an update.
func (r *Runner) upsert(ctx context.Context, flag model.Flag) (created, updated int, err error) {
	existing, err := r.store.GetFlag(ctx, flag.ContractID, flag.FlagKey)
	if err != nil {
		return 0, 0, eris.Wrap(err, "flags: read existing flag")
	}
	if existing != nil {
		if existing.Fingerprint == flag.Fingerprint {
			return 0, 0, nil
		}
		if err := r.store.UpdateFlag(ctx, &flag); err != nil {
			return 0, 0, eris.Wrap(err, "flags: update flag")
		}
		return 0, 1, nil
	}

	if _, err := r.store.CreateFlag(ctx, &flag); err != nil {
		if !store.IsUniqueViolation(err) {
			return 0, 0, eris.Wrap(err, "flags: create flag")
		}
		// A concurrent run created it first; ours may carry newer
		// evidence.
		if err := r.store.UpdateFlag(ctx, &flag); err != nil {
			return 0, 0, eris.Wrap(err, "flags: update flag after race")
		}
		return 0, 1, nil
	}
	return 1, 0, nil
}

func (r *Runner) runSet(ctx context.Context, rule SetRule, opts RunOptions) (Result, error) {
	var res Result
	now := time.Now().UTC()

	set, err := rule.AnomalousSet(ctx, r.store, opts.CountryCode)
	if err != nil {
		return res, eris.Wrapf(err, "flags: anomalous set for %s", rule.FlagKey())
	}
	res.Evaluated = len(set)
	res.Flagged = len(set)
	if opts.DryRun {
		return res, nil
	}

	keep := make([]int64, 0, len(set))
	var changed []model.Flag
	for i := range set {
		c := &set[i]
		keep = append(keep, c.ID)
		flag, err := buildFlag(rule, c, now)
		if err != nil {
			return res, eris.Wrapf(err, "flags: evidence for contract %d", c.ID)
		}
		existing, err := r.store.GetFlag(ctx, c.ID, rule.FlagKey())
		if err != nil {
			return res, eris.Wrap(err, "flags: read existing flag")
		}
		switch {
		case existing == nil:
			res.Created++
			changed = append(changed, flag)
		case existing.Fingerprint != flag.Fingerprint:
			res.Updated++
			changed = append(changed, flag)
		}
	}
	if len(changed) > 0 {
		if _, err := r.store.BulkUpsertFlags(ctx, changed); err != nil {
			return res, eris.Wrapf(err, "flags: bulk upsert %s", rule.FlagKey())
		}
	}

	// Stale cleanup needs the complete set; a country-scoped run would
	// wrongly treat other countries' flags as stale.
	if opts.CountryCode == "" {
		if _, err := r.store.DeleteStaleFlags(ctx, rule.FlagKey(), keep); err != nil {
			return res, eris.Wrapf(err, "flags: stale cleanup %s", rule.FlagKey())
		}
	}
	return res, nil
}
