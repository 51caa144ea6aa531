package canon

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"exploitwatch/internal/incident"
)

var (
	amountExactRE = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*(k|thousand|m|mm|mn|million|b|bn|billion)?$`)
	amountProseRE = regexp.MustCompile(`(?i)\$\s?(\d+(?:[.,]\d+)*)\s*(k|thousand|m|mm|mn|million|b|bn|billion)?\b`)

	unknownAmounts = map[string]struct{}{"n/a": {}, "na": {}, "unknown": {}, "tbd": {}, "-": {}, "?": {}}

	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
	billion  = decimal.NewFromInt(1_000_000_000)
)

// ParseAmount converts a source amount into USD. An absent amount yields an
// invalid NullDecimal; it is never turned into zero.
func ParseAmount(raw incident.RawAmount) (decimal.NullDecimal, error) {
	if raw.Number != nil {
		if raw.Number.IsNegative() {
			return decimal.NullDecimal{}, incident.Reject(incident.ReasonNegativeAmount, "amount %s", raw.Number.String())
		}
		return decimal.NewNullDecimal(*raw.Number), nil
	}

	text := strings.ToLower(strings.TrimSpace(raw.Text))
	if text == "" {
		return decimal.NullDecimal{}, nil
	}
	if _, ok := unknownAmounts[text]; ok {
		return decimal.NullDecimal{}, nil
	}

	cleaned := strings.NewReplacer(",", "", "$", "", "usd", "", "~", "", "≈", "", "+", "").Replace(text)
	cleaned = strings.TrimSpace(cleaned)

	m := amountExactRE.FindStringSubmatch(cleaned)
	if m == nil {
		return decimal.NullDecimal{}, incident.Reject(incident.ReasonUnparseableAmount, "amount %q", raw.Text)
	}
	value, err := scaleAmount(m[1], m[2])
	if err != nil {
		return decimal.NullDecimal{}, incident.Reject(incident.ReasonUnparseableAmount, "amount %q: %v", raw.Text, err)
	}
	if value.IsNegative() {
		return decimal.NullDecimal{}, incident.Reject(incident.ReasonNegativeAmount, "amount %q", raw.Text)
	}
	return decimal.NewNullDecimal(value), nil
}

// amountFromText finds the first dollar figure in prose. Prose without a
// figure has no amount; that is not an error.
func amountFromText(text string) decimal.NullDecimal {
	m := amountProseRE.FindStringSubmatch(text)
	if m == nil {
		return decimal.NullDecimal{}
	}
	value, err := scaleAmount(strings.ReplaceAll(m[1], ",", ""), strings.ToLower(m[2]))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(value)
}

func scaleAmount(number, unit string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(number)
	if err != nil {
		return decimal.Decimal{}, err
	}
	switch unit {
	case "k", "thousand":
		value = value.Mul(thousand)
	case "m", "mm", "mn", "million":
		value = value.Mul(million)
	case "b", "bn", "billion":
		value = value.Mul(billion)
	}
	return value, nil
}
