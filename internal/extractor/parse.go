package extractor

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

var (
	ordinalPattern  = regexp.MustCompile(`(?i)(\d)(st|nd|rd|th)\b`)
	bsSuffixPattern = regexp.MustCompile(`(?i)\s*b\.?s\.?$`)
	adSuffixPattern = regexp.MustCompile(`(?i)\s*a\.?d\.?$`)
	monthDotPattern = regexp.MustCompile(`(?i)\b([a-z]{3,9})\.`)

	dateLayouts = []string{
		"2006-01-02",
		"2006-1-2",
		"2006/01/02",
		"2006/1/2",
		"02/01/2006",
		"2/1/2006",
		"02-01-2006",
		"2-1-2006",
		"02/01/06",
		"2/1/06",
		"2 Jan 2006",
		"2 January 2006",
		"2 Jan, 2006",
		"2 January, 2006",
		"Jan 2, 2006",
		"January 2, 2006",
		"Jan 2 2006",
		"January 2 2006",
	}
)

// ParseAmount converts an extracted or user-supplied amount string into a decimal
func ParseAmount(s string) (decimal.Decimal, error) {
	v := amountStrip.Replace(strings.TrimSpace(s))
	v = strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(v), "rs."), "rs")
	v = strings.TrimPrefix(strings.TrimPrefix(strings.TrimPrefix(v, "npr"), "inr"), "usd")
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.LessThan(minAmount) || d.GreaterThan(maxAmount) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// ParseDate converts an extracted date string to a calendar date.
// Bikram Sambat dates are not converted and report false.
func ParseDate(s string) (time.Time, bool) {
	v := strings.TrimSpace(s)
	if bsSuffixPattern.MatchString(v) {
		return time.Time{}, false
	}
	v = adSuffixPattern.ReplaceAllString(v, "")
	v = ordinalPattern.ReplaceAllString(v, "$1")
	v = monthDotPattern.ReplaceAllString(v, "$1")
	v = whitespacePattern.ReplaceAllString(strings.TrimSpace(v), " ")
	if len(v) > 0 {
		v = titleMonth(v)
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// titleMonth rewrites month names as time.Parse expects them, e.g. "JAN" -> "Jan"
func titleMonth(v string) string {
	words := strings.Split(v, " ")
	for i, w := range words {
		if w == "" || w[0] < 'A' || (w[0] > 'Z' && w[0] < 'a') || w[0] > 'z' {
			continue
		}
		trail := ""
		if strings.HasSuffix(w, ",") {
			trail = ","
			w = strings.TrimSuffix(w, ",")
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:]) + trail
	}
	return strings.Join(words, " ")
}
