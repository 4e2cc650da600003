package store

import (
	"strings"

	"github.com/shopspring/decimal"
)

// dec parses a decimal read back from the database. Columns are written
// from decimal.Decimal, so a parse failure means corruption and yields zero.
func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func decPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := dec(*s)
	return &d
}

// likePattern builds a substring LIKE pattern with wildcards escaped by '\'.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}
