package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"banksync-backend/internal/domain"
)

var (
	errEmptyAmount     = errors.New("empty amount")
	errMalformedAmount = errors.New("malformed amount")
	errTooPrecise      = errors.New("more fractional digits than the currency allows")
)

// currency tokens, longest first so "US$" wins over "$"
var currencyTokens = []string{"us$", "usd", "clp", "eur", "$", "€"}

// ParseAmount converts amount text into integer minor units.
//
// rule decides which separator groups thousands, digits is the number of
// minor-unit digits of the currency. Negative amounts may be written with a
// leading or trailing minus sign or wrapped in parentheses. Fractional digits
// beyond digits are rejected unless they are zeros.
func ParseAmount(text string, rule domain.SeparatorRule, digits int) (int64, error) {
	var thousands, decimal byte
	switch rule {
	case domain.DotThousands:
		thousands, decimal = '.', ','
	case domain.CommaThousands:
		thousands, decimal = ',', '.'
	default:
		return 0, fmt.Errorf("unknown separator rule %q", rule)
	}

	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\t", "", "\u2212", "-").Replace(s)
	for _, tok := range currencyTokens {
		s = strings.ReplaceAll(s, tok, "")
	}
	if s == "" {
		return 0, errEmptyAmount
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	} else if strings.HasSuffix(s, "-") {
		negative = !negative
		s = s[:len(s)-1]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}

	whole, frac, hasDecimal := strings.Cut(s, string(decimal))
	if hasDecimal && strings.IndexByte(frac, decimal) >= 0 {
		return 0, fmt.Errorf("%w: %q", errMalformedAmount, text)
	}
	whole, err := stripGrouping(whole, thousands)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", err, text)
	}
	if !allDigits(frac) || (whole == "" && frac == "") {
		return 0, fmt.Errorf("%w: %q", errMalformedAmount, text)
	}

	if len(frac) > digits {
		extra := frac[digits:]
		if strings.Trim(extra, "0") != "" {
			return 0, fmt.Errorf("%w: %q", errTooPrecise, text)
		}
		frac = frac[:digits]
	}
	frac += strings.Repeat("0", digits-len(frac))

	value, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", errMalformedAmount, text, err)
	}
	if negative {
		value = -value
	}
	return value, nil
}

// stripGrouping removes thousands separators, checking that every group
// after the first has exactly three digits.
func stripGrouping(whole string, sep byte) (string, error) {
	if strings.IndexByte(whole, sep) < 0 {
		if !allDigits(whole) {
			return "", errMalformedAmount
		}
		return whole, nil
	}
	groups := strings.Split(whole, string(sep))
	if len(groups[0]) == 0 || len(groups[0]) > 3 {
		return "", errMalformedAmount
	}
	for i, g := range groups {
		if !allDigits(g) || g == "" || (i > 0 && len(g) != 3) {
			return "", errMalformedAmount
		}
	}
	return strings.Join(groups, ""), nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
