package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFrom converts a decimal into a pgtype.Numeric value.
func numericFrom(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal into a pgtype.Numeric.
// A nil pointer maps to SQL NULL.
func numericFromOptional(ptr *decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if ptr == nil {
		return out, nil
	}
	return numericFrom(*ptr)
}

// decimalFromText parses a NUMERIC scanned as ::text.
func decimalFromText(value string) (decimal.Decimal, error) {
	out, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse stored numeric %q: %w", value, err)
	}
	return out, nil
}

// decimalFromNullable parses an optional NUMERIC scanned as ::text.
func decimalFromNullable(value *string) (*decimal.Decimal, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	out, err := decimalFromText(*value)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
