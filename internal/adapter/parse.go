package adapter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/transparenciahub/procurement-cli/internal/model"
)

// jsonPrice accepts a price encoded as either a JSON number or a quoted
// string; both occur across the upstream APIs.
type jsonPrice struct {
	raw string
}

func (p *jsonPrice) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		p.raw = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return err
		}
		p.raw = unquoted
		return nil
	}
	p.raw = s
	return nil
}

// Decimal returns the parsed price, or nil when absent or malformed.
func (p jsonPrice) Decimal() *decimal.Decimal {
	return parseDecimal(p.raw)
}

// parseDate parses an ISO date or datetime, returning nil on blank or
// unparseable input.
func parseDate(value string) *time.Time {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

// parseDecimal parses a price value, returning nil on blank or
// unparseable input.
func parseDecimal(value string) *decimal.Decimal {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

// decimalFromFloat converts a JSON number into a decimal price.
func decimalFromFloat(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

// splitPipe splits a pipe-delimited multi-value field, dropping blanks.
func splitPipe(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// firstPipe returns the first element of a pipe-delimited field.
func firstPipe(value string) string {
	parts := splitPipe(value)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// leadingToken extracts the leading code token from a composite field
// such as "33000000-0, Description" or "33000000-0 - Description".
func leadingToken(value string, seps ...string) string {
	s := strings.TrimSpace(value)
	if s == "" {
		return ""
	}
	for _, sep := range seps {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// zipWinners aligns parallel id and name slices by position and drops
// pairs where both sides are empty. The longer slice bounds the zip so a
// trailing name without an id is still kept.
func zipWinners(ids, names []string, isCompany bool) []model.EntityRef {
	n := len(ids)
	if len(names) > n {
		n = len(names)
	}
	winners := make([]model.EntityRef, 0, n)
	for i := 0; i < n; i++ {
		var id, name string
		if i < len(ids) {
			id = strings.TrimSpace(ids[i])
		}
		if i < len(names) {
			name = strings.TrimSpace(names[i])
		}
		if id == "" && name == "" {
			continue
		}
		winners = append(winners, model.EntityRef{TaxIdentifier: id, Name: name, IsCompany: isCompany})
	}
	return winners
}
