// Package classifier scores mailbox messages as financial or not from sender, subject and body signals.
package classifier

import (
	"regexp"
	"strings"
)

const (
	DefaultThreshold          = 0.3
	DefaultPrefilterThreshold = 0.1
)

// Signal confidences. The overall confidence is the max of the triggered ones.
const (
	scoreFinancialSender = 0.8
	scoreSubjectMany     = 0.7 // 3+ keywords
	scoreSubjectTwo      = 0.6
	scoreSubjectStrong   = 0.5
	scoreSubjectWeak     = 0.3
	scoreBodyAmount      = 0.6
	scoreBodyStatus      = 0.7
	scoreBodyBanking     = 0.8
)

// Penalty factors applied after the max
const (
	penaltyPromotional = 0.3
	penaltyNewsletter  = 0.5
	penaltySocial      = 0.2
	penaltyGeneric     = 0.85
)

type Config struct {
	Threshold          float64
	PrefilterThreshold float64
}

// Result is the outcome of classifying one message
type Result struct {
	IsFinancial bool
	Confidence  float64
	Signals     []string // names of the signals and penalties that fired
}

type Classifier struct {
	threshold          float64
	prefilterThreshold float64
}

func New(cfg Config) *Classifier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.PrefilterThreshold <= 0 {
		cfg.PrefilterThreshold = DefaultPrefilterThreshold
	}
	return &Classifier{
		threshold:          cfg.Threshold,
		prefilterThreshold: cfg.PrefilterThreshold,
	}
}

var (
	financialSenderPattern = regexp.MustCompile(`(?i)(bank|esewa|khalti|fonepay|imepay|connectips|paypal|stripe|razorpay|paytm|phonepe|visa|mastercard|americanexpress|amex|wise\.com|payoneer|square|billing@|payments?@|receipts?@|invoice@|statements?@)`)
	socialSenderPattern    = regexp.MustCompile(`(?i)@([a-z0-9-]+\.)*(facebook|facebookmail|twitter|x|linkedin|instagram|tiktok|reddit|pinterest|quora|medium|discord)\.com\b`)
	genericSenderPattern   = regexp.MustCompile(`(?i)(no-?reply|do-?not-?reply|notifications?@|system@|mailer-daemon|info@)`)

	bodyAmountPattern = regexp.MustCompile(`(?i)(?:\b(?:rs\.?|npr|inr|usd|eur|gbp)|[$€£₹])\s*[0-9][0-9,]*(?:\.[0-9]{1,2})?|[0-9][0-9,]*(?:\.[0-9]{1,2})?\s*(?:npr|inr|usd|eur|gbp)\b`)

	bankingTermPattern = regexp.MustCompile(`(?i)\b(account number|a/c(?: no)?|acct\.? no|imps|upi|neft|rtgs|ifsc|swift|iban|esewa|khalti|fonepay|connectips|mobile banking|card ending|available balance)\b`)

	wordPattern = regexp.MustCompile(`[a-z]+`)
)

// Subject keywords; strong ones alone are enough for a moderate signal
var (
	strongKeywords = map[string]bool{
		"payment": true, "invoice": true, "receipt": true, "transaction": true,
		"debited": true, "credited": true, "bill": true, "statement": true,
		"paid": true, "refund": true,
	}
	weakKeywords = map[string]bool{
		"order": true, "purchase": true, "charge": true, "charged": true, "amount": true,
		"balance": true, "transfer": true, "subscription": true, "renewal": true,
		"billing": true, "deposit": true, "withdrawal": true, "wallet": true,
		"payout": true, "due": true, "emi": true, "topup": true, "recharge": true,
	}
)

var (
	statusPhrases = []string{
		"debited", "credited", "payment successful", "payment received", "payment confirmed",
		"transaction successful", "has been charged", "amount paid", "successfully paid",
		"payment of", "you paid", "you sent", "you received", "transferred to",
	}
	promotionalPhrases = []string{
		"% off", "limited time", "special offer", "exclusive offer", "shop now", "use code",
		"coupon", "promo code", "flash sale", "deal of the day", "buy one get one",
		"free shipping", "don't miss", "cashback offer", "save up to",
	}
	newsletterMarkers = []string{
		"newsletter", "digest", "blog", "weekly update", "webinar", "new post", "read more",
	}
)

// Classify scores a message. body may be empty when only metadata is available.
func (c *Classifier) Classify(sender, subject, body string) Result {
	res := c.score(sender, subject, body)
	res.IsFinancial = res.Confidence >= c.threshold
	return res
}

// ShouldProcess is the cheap pre-filter run before the body is fetched
func (c *Classifier) ShouldProcess(sender, subject string) bool {
	return c.score(sender, subject, "").Confidence >= c.prefilterThreshold
}

func (c *Classifier) score(sender, subject, body string) Result {
	var (
		confidence float64
		signals    []string
	)
	raise := func(name string, v float64) {
		signals = append(signals, name)
		if v > confidence {
			confidence = v
		}
	}

	lowerSender := strings.ToLower(sender)
	lowerSubject := strings.ToLower(subject)
	lowerBody := strings.ToLower(body)

	if financialSenderPattern.MatchString(lowerSender) {
		raise("financial_sender", scoreFinancialSender)
	}

	strong, total := countKeywords(lowerSubject)
	switch {
	case total >= 3:
		raise("subject_keywords", scoreSubjectMany)
	case total == 2:
		raise("subject_keywords", scoreSubjectTwo)
	case strong == 1:
		raise("subject_keyword_strong", scoreSubjectStrong)
	case total == 1:
		raise("subject_keyword", scoreSubjectWeak)
	}

	bodyFinancial := false
	if body != "" {
		if bodyAmountPattern.MatchString(body) {
			raise("body_amount", scoreBodyAmount)
			bodyFinancial = true
		}
		if containsAny(lowerBody, statusPhrases) {
			raise("body_status", scoreBodyStatus)
			bodyFinancial = true
		}
		if bankingTermPattern.MatchString(body) {
			raise("body_banking", scoreBodyBanking)
			bodyFinancial = true
		}
	}

	penalize := func(name string, factor float64) {
		signals = append(signals, name)
		confidence *= factor
	}

	if containsAny(lowerSubject, promotionalPhrases) || containsAny(lowerBody, promotionalPhrases) {
		penalize("promotional", penaltyPromotional)
	}
	if containsAny(lowerSubject, newsletterMarkers) || containsAny(lowerSender, []string{"newsletter", "digest", "blog"}) {
		penalize("newsletter", penaltyNewsletter)
	}
	if socialSenderPattern.MatchString(lowerSender) {
		penalize("social_sender", penaltySocial)
	}
	if genericSenderPattern.MatchString(lowerSender) && total == 0 && !bodyFinancial {
		penalize("generic_sender", penaltyGeneric)
	}

	return Result{Confidence: clamp(confidence), Signals: signals}
}

// CountKeywords returns how many distinct financial keywords appear in text
func CountKeywords(text string) int {
	_, total := countKeywords(strings.ToLower(text))
	return total
}

// HasCurrencyAmount reports whether text contains a currency-marked amount
func HasCurrencyAmount(text string) bool {
	return bodyAmountPattern.MatchString(text)
}

func countKeywords(lower string) (strong, total int) {
	seen := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(lower, -1) {
		if seen[w] {
			continue
		}
		switch {
		case strongKeywords[w]:
			strong++
			total++
		case weakKeywords[w]:
			total++
		default:
			continue
		}
		seen[w] = true
	}
	return strong, total
}

func containsAny(s string, needles []string) bool {
	if s == "" {
		return false
	}
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
