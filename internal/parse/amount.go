package parse

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount parses a monetary value written with either comma or dot decimal
// separators. The rules are applied in order:
//
//  1. currency symbols, spaces and a leading "+" are dropped; "(x)" and a
//     leading "-" mean negative
//  2. with both separators present, the rightmost one is the decimal
//     separator and the other groups thousands
//  3. a single separator kind appearing once is the decimal separator
//  4. a separator kind appearing more than once groups thousands
//
// Empty or malformed input reports ok=false.
func Amount(raw string) (decimal.Decimal, bool) {
	text := strings.TrimSpace(raw)
	negative := false
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		negative = true
		text = text[1 : len(text)-1]
	}

	var b strings.Builder
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case r == '-':
			if b.Len() > 0 {
				return decimal.Zero, false
			}
			negative = !negative
		}
	}
	cleaned := b.String()
	if cleaned == "" || strings.Trim(cleaned, ".,") == "" {
		return decimal.Zero, false
	}

	cleaned = normalizeSeparators(cleaned)
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	if negative {
		value = value.Neg()
	}
	return value, true
}

// AmountOrZero degrades invalid or missing values to zero.
func AmountOrZero(raw string) decimal.Decimal {
	value, _ := Amount(raw)
	return value
}

// AmountValue accepts the shapes upstream JSON uses for money: numbers,
// json.Number and strings. Anything else is zero.
func AmountValue(value any) decimal.Decimal {
	switch typed := value.(type) {
	case nil:
		return decimal.Zero
	case string:
		return AmountOrZero(typed)
	case json.Number:
		return AmountOrZero(typed.String())
	case float64:
		return decimal.NewFromFloat(typed)
	case float32:
		return decimal.NewFromFloat32(typed)
	case int:
		return decimal.NewFromInt(int64(typed))
	case int64:
		return decimal.NewFromInt(typed)
	case decimal.Decimal:
		return typed
	default:
		return decimal.Zero
	}
}

func normalizeSeparators(text string) string {
	lastDot := strings.LastIndex(text, ".")
	lastComma := strings.LastIndex(text, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			return strings.Replace(strings.ReplaceAll(text, ".", ""), ",", ".", 1)
		}
		return strings.ReplaceAll(text, ",", "")
	case lastComma >= 0:
		if strings.Count(text, ",") > 1 {
			return strings.ReplaceAll(text, ",", "")
		}
		return strings.Replace(text, ",", ".", 1)
	case lastDot >= 0:
		if strings.Count(text, ".") > 1 {
			return strings.ReplaceAll(text, ".", "")
		}
		return text
	default:
		return text
	}
}
