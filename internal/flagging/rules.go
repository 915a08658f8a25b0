package flagging

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/transparenciahub/procurement-cli/internal/model"
)

const dateLayout = "2006-01-02"

// PublicationAfterCelebration fires when a contract was celebrated
// before it was published. Both dates must be present; the comparison is
// strict, same-day is fine.
type PublicationAfterCelebration struct{}

func (PublicationAfterCelebration) FlagKey() string          { return "publication_after_celebration" }
func (PublicationAfterCelebration) Severity() model.Severity { return model.SeverityHigh }

func (PublicationAfterCelebration) Description() string {
	return "celebration date precedes publication date"
}

func (PublicationAfterCelebration) Matches(c *model.Contract) bool {
	if c.PublicationDate == nil || c.CelebrationDate == nil {
		return false
	}
	return c.CelebrationDate.Before(*c.PublicationDate)
}

func (r PublicationAfterCelebration) Evidence(c *model.Contract) map[string]any {
	return map[string]any{
		"publication_date": c.PublicationDate.Format(dateLayout),
		"celebration_date": c.CelebrationDate.Format(dateLayout),
		"rule":             r.Description(),
	}
}

// Confidence is high: both dates are present whenever the rule matches.
func (PublicationAfterCelebration) Confidence(*model.Contract) decimal.Decimal {
	return decimal.RequireFromString("0.9")
}

// AnomalousSet pushes the date comparison into SQL.
func (PublicationAfterCelebration) AnomalousSet(ctx context.Context, s Store, countryCode string) ([]model.Contract, error) {
	return s.DateSequenceAnomalies(ctx, countryCode)
}

// directAwardCeiling is the Portuguese simplified direct-award ceiling
// for goods and services.
var directAwardCeiling = decimal.RequireFromString("20000")

var nearThresholdFloor = decimal.RequireFromString("0.9")

// DirectAwardNearThreshold fires on direct-award procedures priced just
// under the ceiling that would have forced an open procedure.
type DirectAwardNearThreshold struct{}

func (DirectAwardNearThreshold) FlagKey() string          { return "direct_award_near_threshold" }
func (DirectAwardNearThreshold) Severity() model.Severity { return model.SeverityMedium }

func (DirectAwardNearThreshold) Description() string {
	return "direct award priced within 10% of the procedure ceiling"
}

func isDirectAward(procedureType string) bool {
	p := strings.ToLower(procedureType)
	return strings.Contains(p, "ajuste direto") || strings.Contains(p, "consulta prévia")
}

func (DirectAwardNearThreshold) Matches(c *model.Contract) bool {
	if c.BasePrice == nil || !isDirectAward(c.ProcedureType) {
		return false
	}
	floor := directAwardCeiling.Mul(nearThresholdFloor)
	return c.BasePrice.GreaterThanOrEqual(floor) && c.BasePrice.LessThan(directAwardCeiling)
}

func (DirectAwardNearThreshold) Evidence(c *model.Contract) map[string]any {
	ratio := c.BasePrice.Div(directAwardCeiling).Round(4)
	return map[string]any{
		"base_price":     c.BasePrice.String(),
		"threshold":      directAwardCeiling.String(),
		"ratio":          ratio.String(),
		"procedure_type": c.ProcedureType,
	}
}

// overrunLimit is the tolerated total-to-base ratio before the
// effective price counts as an overrun.
var overrunLimit = decimal.RequireFromString("1.5")

// EffectivePriceOverrun fires when the money actually paid exceeds the
// contracted base price by more than half.
type EffectivePriceOverrun struct{}

func (EffectivePriceOverrun) FlagKey() string          { return "effective_price_overrun" }
func (EffectivePriceOverrun) Severity() model.Severity { return model.SeverityMedium }

func (EffectivePriceOverrun) Description() string {
	return "total effective price exceeds base price by more than 50%"
}

func (EffectivePriceOverrun) Matches(c *model.Contract) bool {
	if c.BasePrice == nil || c.TotalEffectivePrice == nil || !c.BasePrice.IsPositive() {
		return false
	}
	return c.TotalEffectivePrice.GreaterThan(c.BasePrice.Mul(overrunLimit))
}

func (EffectivePriceOverrun) Evidence(c *model.Contract) map[string]any {
	ratio := c.TotalEffectivePrice.Div(*c.BasePrice).Round(4)
	return map[string]any{
		"base_price":            c.BasePrice.String(),
		"total_effective_price": c.TotalEffectivePrice.String(),
		"overrun_ratio":         ratio.String(),
	}
}
