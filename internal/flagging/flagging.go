// Package flagging evaluates anomaly rules over stored contracts and
// persists the matches as flags. Rules come in two styles: per-contract
// predicates driven through batched scans, and set-based rules that
// compute their whole anomalous set in one query and reconcile stale
// flags afterwards.
package flagging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/transparenciahub/procurement-cli/internal/model"
)

// Rule is one anomaly detector. Matches and Evidence are pure functions
// of the contract so re-runs over unchanged data are stable.
type Rule interface {
	FlagKey() string
	Severity() model.Severity
	Description() string
	Matches(c *model.Contract) bool
	Evidence(c *model.Contract) map[string]any
}

// ConfidenceScorer lets a rule override the default confidence of 0.8.
type ConfidenceScorer interface {
	Confidence(c *model.Contract) decimal.Decimal
}

// CompletenessScorer lets a rule override the default data completeness
// of 1.0, for rules that fire on partially populated contracts.
type CompletenessScorer interface {
	Completeness(c *model.Contract) decimal.Decimal
}

// SetRule is the set-based style: the rule computes its full anomalous
// set in one query. The runner bulk-upserts the set and deletes stale
// flags of the rule's key that no longer match.
type SetRule interface {
	Rule
	AnomalousSet(ctx context.Context, s Store, countryCode string) ([]model.Contract, error)
}

// Store is the persistence surface the flag runner depends on.
type Store interface {
	ListContractsBatch(ctx context.Context, countryCode string, afterID int64, limit int) ([]model.Contract, error)
	GetFlag(ctx context.Context, contractID int64, flagKey string) (*model.Flag, error)
	CreateFlag(ctx context.Context, f *model.Flag) (int64, error)
	UpdateFlag(ctx context.Context, f *model.Flag) error
	BulkUpsertFlags(ctx context.Context, flags []model.Flag) (int64, error)
	DeleteStaleFlags(ctx context.Context, flagKey string, keepContractIDs []int64) (int64, error)
	DateSequenceAnomalies(ctx context.Context, countryCode string) ([]model.Contract, error)
}

var (
	defaultConfidence   = decimal.RequireFromString("0.8")
	defaultCompleteness = decimal.RequireFromString("1.0")
)

func ruleConfidence(r Rule, c *model.Contract) decimal.Decimal {
	if scorer, ok := r.(ConfidenceScorer); ok {
		return scorer.Confidence(c)
	}
	return defaultConfidence
}

func ruleCompleteness(r Rule, c *model.Contract) decimal.Decimal {
	if scorer, ok := r.(CompletenessScorer); ok {
		return scorer.Completeness(c)
	}
	return defaultCompleteness
}

// CanonicalEvidence serializes evidence with deterministic key order so
// fingerprints are stable across runs.
func CanonicalEvidence(evidence map[string]any) (json.RawMessage, error) {
	// encoding/json sorts map keys.
	raw, err := json.Marshal(evidence)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Fingerprint identifies one (contract, rule, evidence) combination. A
// re-run that produces the same evidence produces the same fingerprint
// and therefore no write.
func Fingerprint(contractID int64, flagKey string, canonicalEvidence json.RawMessage) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%s", contractID, flagKey, canonicalEvidence))
	return hex.EncodeToString(sum[:])
}

func buildFlag(r Rule, c *model.Contract, now time.Time) (model.Flag, error) {
	evidence, err := CanonicalEvidence(r.Evidence(c))
	if err != nil {
		return model.Flag{}, err
	}
	return model.Flag{
		ContractID:       c.ID,
		CountryCode:      c.CountryCode,
		FlagKey:          r.FlagKey(),
		Severity:         r.Severity(),
		Confidence:       ruleConfidence(r, c),
		DataCompleteness: ruleCompleteness(r, c),
		Evidence:         evidence,
		Fingerprint:      Fingerprint(c.ID, r.FlagKey(), evidence),
		DetectedAt:       now,
	}, nil
}

// BuiltinRules returns the production rules in evaluation order.
func BuiltinRules() []Rule {
	return []Rule{
		&PublicationAfterCelebration{},
		&DirectAwardNearThreshold{},
		&EffectivePriceOverrun{},
	}
}
