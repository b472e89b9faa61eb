package transform

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/bindrun/bindrun/pkg/schema"
)

// CurrencyToMinorUnits converts a human currency amount ("$15", "19.99")
// into an integer count of minor units, returned as a string. An optional
// second argument overrides the default scale of 100. Negative amounts and
// non-numeric input fail with TRANSFORM_ERROR (reason: invalid_currency).
func CurrencyToMinorUnits(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"currency_to_minor_units expects 1 or 2 args, got %d", len(args))
	}

	raw := stringify(args[0])
	scale := int64(100)
	if len(args) == 2 {
		s, err := toInt64(args[1])
		if err != nil || s <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeTransform,
				"currency_to_minor_units scale must be a positive integer, got %v", args[1])
		}
		scale = s
	}

	amount, err := parseCurrency(raw)
	if err != nil {
		return nil, err
	}

	// amount * scale, rounded half-up. Exact rational arithmetic avoids the
	// usual float drift on values like 19.99.
	scaled := new(big.Rat).Mul(amount, new(big.Rat).SetInt64(scale))
	quo := new(big.Int)
	rem := new(big.Int)
	quo.QuoRem(scaled.Num(), scaled.Denom(), rem)
	rem.Mul(rem, big.NewInt(2))
	if rem.Cmp(scaled.Denom()) >= 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo.String(), nil
}

// parseCurrency strips a leading currency symbol and parses the remainder as
// a non-negative decimal.
func parseCurrency(raw string) (*big.Rat, error) {
	s := strings.TrimSpace(raw)

	// Strip a leading run of currency symbols or letters ("$", "€", "US$").
	i := 0
	for i < len(s) {
		r := rune(s[i])
		if s[i] >= 0x80 {
			// Multi-byte symbol like €, decode properly.
			rs := []rune(s[i:])
			r = rs[0]
		}
		if unicode.IsDigit(r) || r == '.' || r == '-' || r == '+' {
			break
		}
		i += len(string(r))
	}
	s = strings.TrimSpace(s[i:])

	if s == "" {
		return nil, invalidCurrency(raw, "no numeric amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, invalidCurrency(raw, "amount is negative")
	}
	s = strings.TrimPrefix(s, "+")

	rat, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, invalidCurrency(raw, "not a decimal number")
	}
	if rat.Sign() < 0 {
		return nil, invalidCurrency(raw, "amount is negative")
	}
	return rat, nil
}

func invalidCurrency(raw, why string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeTransform, "invalid currency amount %q: %s", raw, why).
		WithDetails(map[string]any{"reason": "invalid_currency", "input": raw})
}

// Slugify lower-cases, collapses whitespace runs into single hyphens, strips
// anything outside [a-z0-9-], collapses repeated hyphens, and trims leading
// and trailing hyphens. Idempotent: slugify(slugify(x)) == slugify(x).
func Slugify(args []any) (any, error) {
	if len(args) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"slugify expects 1 arg, got %d", len(args))
	}

	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(stringify(args[0])) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case unicode.IsSpace(r) || r == '-':
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		// Everything else is dropped.
	}
	return strings.TrimRight(b.String(), "-"), nil
}

// stringify renders a resolved value as a string for text transforms.
// json.Number keeps its literal form; everything else falls back to fmt.
func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

// toInt64 coerces the numeric shapes a resolved JSON value can take.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		var parsed json.Number = json.Number(n)
		return parsed.Int64()
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}
