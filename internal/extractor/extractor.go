// Package extractor pulls transaction field candidates out of free text.
//
// Every field runs an ordered battery of patterns. Results are deduplicated and
// keep the order in which the batteries matched, so the first entry of a field
// is its strongest candidate. Extraction is over-inclusive; downstream scoring
// and human review filter the false positives.
package extractor

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/vipul43/kiwis-ledger/internal/models"
)

const DefaultPreviewLength = 200

var (
	minAmount = decimal.RequireFromString("0.01")
	maxAmount = decimal.RequireFromString("10000000")
)

const (
	currencyPrefix = `(?:\b(?:rs\.?|npr|inr|usd|eur|gbp)|[$€£₹])`
	currencySuffix = `(?:npr|inr|usd|eur|gbp)\b`
	number         = `([0-9][0-9,]*(?:\.[0-9]{1,2})?)`
)

var (
	// Explicit totals outrank every other amount
	totalAmountPattern      = regexp.MustCompile(`(?i)\b(?:grand\s+total|total\s+amount|amount\s+paid|total\s+paid|total)\b\s*(?:\([a-z]{3}\))?\s*[:\-]?\s*` + currencyPrefix + `?\s*` + number)
	labelAmountPattern      = regexp.MustCompile(`(?i)\b(?:amount(?:\s+(?:debited|credited|charged|due))?|debited|credited|charged|paid|sub\s*total|subtotal|balance\s+due|price)\b\s*(?:with|of|by|for)?\s*[:\-]?\s*` + currencyPrefix + `?\s*` + number)
	prefixAmountPattern     = regexp.MustCompile(`(?i)` + currencyPrefix + `\s*` + number)
	suffixAmountPattern     = regexp.MustCompile(`(?i)` + number + `\s*` + currencySuffix)
	standaloneAmountPattern = regexp.MustCompile(`\b([0-9][0-9,]*\.[0-9]{2})\b`)

	amountStrip = strings.NewReplacer(",", "", " ", "", "$", "", "€", "", "£", "", "₹", "")
)

const (
	monthName = `(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`
	eraSuffix = `(?:\s*(?:b\.?s\.?|a\.?d\.?)(?:\s|$|[,;)]))?`
	dateForm  = `(` +
		`\d{4}-\d{1,2}-\d{1,2}` + eraSuffix +
		`|\d{4}/\d{1,2}/\d{1,2}` + eraSuffix +
		`|\d{1,2}[/-]\d{1,2}[/-]\d{2,4}` + eraSuffix +
		`|\d{1,2}(?:st|nd|rd|th)?\s+` + monthName + `\.?,?\s+\d{4}` +
		`|` + monthName + `\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}` +
		`)`
)

var (
	labelDatePattern = regexp.MustCompile(`(?i)\b(?:transaction\s+date|payment\s+date|invoice\s+date|txn\s+date|value\s+date|date)\b\s*[:\-]?\s*` + dateForm)
	anyDatePattern   = regexp.MustCompile(`(?i)\b` + dateForm)
)

const merchantWord = `(?:[A-Z][\w&.'\-]*|[a-z]+[A-Z][\w&.'\-]*)`

var (
	labelMerchantPattern       = regexp.MustCompile(`(?i)\b(?:merchant(?:\s+name)?|paid\s+to|payee|store|vendor|seller|biller|beneficiary)\s*[:\-]\s*([a-z0-9][a-z0-9&.' \-]{1,80})`)
	prepositionMerchantPattern = regexp.MustCompile(`\b(?:at|to|from)\s+(` + merchantWord + `(?:\s+` + merchantWord + `){0,4})`)

	// Words that end a labeled merchant value when the label sits mid-line
	merchantStopPattern = regexp.MustCompile(`(?i)\s+(?:amount|total|date|on|for|ref(?:erence)?|txn|transaction|via|rs\.?|npr|inr|usd)\b.*$`)

	trailingPrepositions = map[string]bool{
		"at": true, "to": true, "from": true, "on": true, "for": true, "via": true,
		"in": true, "by": true, "with": true, "of": true, "and": true, "the": true,
	}
)

var (
	labelTxnPattern   = regexp.MustCompile(`(?i)\b(?:transaction\s*(?:id|no\.?|number|ref(?:erence)?)|txn\s*(?:id|no\.?|ref)?|ref(?:erence)?\s*(?:no\.?|number|id|code)?|order\s*(?:id|no\.?|number)|invoice\s*(?:no\.?|number)|receipt\s*(?:no\.?|number)|utr|rrn)\s*[:#\-]?\s*#?\s*([a-z0-9][a-z0-9_\-]{5,49})\b`)
	genericTxnPattern = regexp.MustCompile(`\b([A-Z0-9][A-Z0-9_\-]{5,49})\b`)

	txnCharsPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	digitPattern    = regexp.MustCompile(`[0-9]`)
	letterPattern   = regexp.MustCompile(`[A-Za-z]`)
)

var whitespacePattern = regexp.MustCompile(`\s+`)

type Extractor struct {
	previewLength int
}

func New() *Extractor {
	return &Extractor{previewLength: DefaultPreviewLength}
}

// Extract runs every field battery over text. The returned candidate has no source tag.
func (e *Extractor) Extract(text string) models.ExtractionCandidate {
	return models.ExtractionCandidate{
		Amounts:        e.ExtractAmounts(text),
		Dates:          e.ExtractDates(text),
		Merchants:      e.ExtractMerchants(text),
		TransactionIDs: e.ExtractTransactionIDs(text),
		Preview:        e.Preview(text),
	}
}

// ExtractAmounts returns normalized amounts: labeled totals, other labels, currency-adjacent numbers,
// then bare decimals only when nothing else matched.
func (e *Extractor) ExtractAmounts(text string) []string {
	out := newOrderedSet()
	for _, p := range []*regexp.Regexp{totalAmountPattern, labelAmountPattern, prefixAmountPattern, suffixAmountPattern} {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if v, ok := normalizeAmount(m[1]); ok {
				out.add(v)
			}
		}
	}
	if out.len() == 0 {
		for _, m := range standaloneAmountPattern.FindAllStringSubmatch(text, -1) {
			if v, ok := normalizeAmount(m[1]); ok {
				out.add(v)
			}
		}
	}
	return out.values()
}

func (e *Extractor) ExtractDates(text string) []string {
	out := newOrderedSet()
	for _, p := range []*regexp.Regexp{labelDatePattern, anyDatePattern} {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			v := strings.TrimRight(strings.TrimSpace(m[1]), ",;)")
			v = whitespacePattern.ReplaceAllString(v, " ")
			if validDate(v) {
				out.add(v)
			}
		}
	}
	return out.values()
}

func (e *Extractor) ExtractMerchants(text string) []string {
	out := newOrderedSet()
	for _, m := range labelMerchantPattern.FindAllStringSubmatch(text, -1) {
		v := merchantStopPattern.ReplaceAllString(m[1], "")
		if v, ok := cleanMerchant(v); ok {
			out.add(v)
		}
	}
	for _, m := range prepositionMerchantPattern.FindAllStringSubmatch(text, -1) {
		if v, ok := cleanMerchant(m[1]); ok {
			out.add(v)
		}
	}
	return out.values()
}

func (e *Extractor) ExtractTransactionIDs(text string) []string {
	out := newOrderedSet()
	for _, m := range labelTxnPattern.FindAllStringSubmatch(text, -1) {
		// Labeled values still need a digit, otherwise "Txn successful" yields "successful"
		if validTransactionID(m[1]) && digitPattern.MatchString(m[1]) {
			out.add(m[1])
		}
	}
	for _, m := range genericTxnPattern.FindAllStringSubmatch(text, -1) {
		v := m[1]
		if validTransactionID(v) && digitPattern.MatchString(v) && letterPattern.MatchString(v) {
			out.add(v)
		}
	}
	return out.values()
}

// Preview collapses whitespace and truncates text for display in the review queue
func (e *Extractor) Preview(text string) string {
	s := strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
	if utf8.RuneCountInString(s) <= e.previewLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:e.previewLength])
}

func normalizeAmount(raw string) (string, bool) {
	s := amountStrip.Replace(strings.TrimSpace(raw))
	s = strings.TrimRight(s, ".")
	if s == "" {
		return "", false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", false
	}
	if d.LessThan(minAmount) || d.GreaterThan(maxAmount) {
		return "", false
	}
	return s, true
}

func validDate(v string) bool {
	return len(v) >= 6 && digitPattern.MatchString(v)
}

func cleanMerchant(raw string) (string, bool) {
	fields := strings.Fields(strings.Trim(raw, " \t.,;:-"))
	for len(fields) > 0 && trailingPrepositions[strings.ToLower(fields[len(fields)-1])] {
		fields = fields[:len(fields)-1]
	}
	v := strings.Trim(strings.Join(fields, " "), ".,;:-")
	n := utf8.RuneCountInString(v)
	if n < 3 || n > 50 {
		return "", false
	}
	return v, true
}

func validTransactionID(v string) bool {
	return len(v) >= 6 && len(v) <= 50 && txnCharsPattern.MatchString(v)
}

// orderedSet keeps first-seen order and drops duplicates
type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) {
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}

func (s *orderedSet) len() int {
	return len(s.items)
}

func (s *orderedSet) values() []string {
	if len(s.items) == 0 {
		return []string{}
	}
	return s.items
}
