// Package rules turns extraction results and classifier confidence into an approval decision.
package rules

import (
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/vipul43/kiwis-ledger/internal/classifier"
	"github.com/vipul43/kiwis-ledger/internal/extractor"
	"github.com/vipul43/kiwis-ledger/internal/models"
)

const (
	DefaultAutoApproveThreshold = 0.85
	DefaultAutoRejectThreshold  = 0.3
)

const (
	bonusTrustedSender   = 0.15
	bonusTrustedMerchant = 0.10
	bonusComplete        = 0.10
	bonusQualityMax      = 0.10
	bonusKeywords        = 0.05
	penaltySuspicious    = 0.2
	penaltyNoData        = 0.15
)

var suspiciousPhrases = []string{
	"congratulations", "you have won", "you've won", "lottery", "claim your prize",
	"act now", "verify your account", "click here", "urgent action", "limited time offer",
	"100% free", "risk-free", "gift card", "wire transfer to", "confirm your password",
}

type Config struct {
	AutoApproveThreshold float64
	AutoRejectThreshold  float64
	AutoApproveCeiling   decimal.Decimal
	TrustedSenders       []string // addresses or domains
	TrustedMerchants     []string
	ManualReviewKeywords []string
}

// Input is everything the engine looks at for one approval
type Input struct {
	BaseConfidence float64
	Candidate      models.ExtractionCandidate
	Sender         string
	Subject        string
}

// Outcome is the single route chosen for an approval
type Outcome struct {
	Decision   models.Decision
	Confidence float64
	Reasons    []string
}

// Status maps the decision to the approval status it produces
func (o Outcome) Status() models.ApprovalStatus {
	switch o.Decision {
	case models.DecisionAutoApprove:
		return models.ApprovalApproved
	case models.DecisionAutoReject:
		return models.ApprovalRejected
	case models.DecisionManual:
		return models.ApprovalPending
	default:
		return models.ApprovalPending
	}
}

type Engine struct {
	cfg              Config
	trustedSenders   []string
	trustedMerchants []string
	reviewKeywords   []string
}

func New(cfg Config) *Engine {
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = DefaultAutoApproveThreshold
	}
	if cfg.AutoRejectThreshold <= 0 {
		cfg.AutoRejectThreshold = DefaultAutoRejectThreshold
	}
	return &Engine{
		cfg:              cfg,
		trustedSenders:   lowerAll(cfg.TrustedSenders),
		trustedMerchants: lowerAll(cfg.TrustedMerchants),
		reviewKeywords:   lowerAll(cfg.ManualReviewKeywords),
	}
}

// Decide evaluates auto-approve, then auto-reject, otherwise leaves the approval for manual review
func (e *Engine) Decide(in Input) Outcome {
	enhanced := e.EnhanceConfidence(in)
	if ok, reasons := e.autoApprove(in, enhanced); ok {
		return Outcome{Decision: models.DecisionAutoApprove, Confidence: enhanced, Reasons: reasons}
	}
	if ok, reasons := e.autoReject(in, enhanced); ok {
		return Outcome{Decision: models.DecisionAutoReject, Confidence: enhanced, Reasons: reasons}
	}
	return Outcome{Decision: models.DecisionManual, Confidence: enhanced}
}

// EnhanceConfidence adjusts the classifier confidence with trust and data quality signals, clamped to [0,1]
func (e *Engine) EnhanceConfidence(in Input) float64 {
	c := in.Candidate
	text := in.Subject + " " + c.Preview
	score := in.BaseConfidence

	if e.senderTrusted(in.Sender) {
		score += bonusTrustedSender
	}
	if e.merchantTrusted(c.Merchants) {
		score += bonusTrustedMerchant
	}
	if c.IsComplete() {
		score += bonusComplete
	}
	score += bonusQualityMax * dataQuality(c, text)

	keywords := classifier.CountKeywords(text)
	if keywords >= 2 || (keywords >= 1 && classifier.HasCurrencyAmount(text)) {
		score += bonusKeywords
	}
	if suspicious(text) {
		score -= penaltySuspicious
	}
	if !c.HasMeaningfulData() {
		score -= penaltyNoData
	}
	return clamp(score)
}

func (e *Engine) ShouldAutoApprove(in Input) bool {
	ok, _ := e.autoApprove(in, e.EnhanceConfidence(in))
	return ok
}

func (e *Engine) ShouldAutoReject(in Input) bool {
	ok, _ := e.autoReject(in, e.EnhanceConfidence(in))
	return ok
}

func (e *Engine) autoApprove(in Input, enhanced float64) (bool, []string) {
	c := in.Candidate
	if enhanced < e.cfg.AutoApproveThreshold {
		return false, nil
	}
	if !e.senderTrusted(in.Sender) {
		return false, nil
	}
	if !e.withinCeiling(c.Amounts) {
		return false, nil
	}
	text := in.Subject + " " + c.Preview
	if e.needsReview(text) || suspicious(text) {
		return false, nil
	}
	if !e.merchantTrusted(c.Merchants) {
		return false, nil
	}
	return true, []string{"trusted_sender", "trusted_merchant", "within_ceiling", "high_confidence"}
}

func (e *Engine) autoReject(in Input, enhanced float64) (bool, []string) {
	var reasons []string
	if enhanced < e.cfg.AutoRejectThreshold {
		reasons = append(reasons, "low_confidence")
	}
	if !in.Candidate.HasMeaningfulData() {
		reasons = append(reasons, "no_data")
	}
	if suspicious(in.Subject + " " + in.Candidate.Preview) {
		reasons = append(reasons, "suspicious")
	}
	return len(reasons) > 0, reasons
}

// withinCeiling requires at least one amount and every amount at or below the ceiling
func (e *Engine) withinCeiling(amounts []string) bool {
	if len(amounts) == 0 {
		return false
	}
	for _, a := range amounts {
		d, err := extractor.ParseAmount(a)
		if err != nil {
			return false
		}
		if !e.cfg.AutoApproveCeiling.IsZero() && d.GreaterThan(e.cfg.AutoApproveCeiling) {
			return false
		}
	}
	return true
}

func (e *Engine) needsReview(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range e.reviewKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (e *Engine) senderTrusted(sender string) bool {
	addr := senderAddress(sender)
	if addr == "" {
		return false
	}
	domain := ""
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		domain = addr[at+1:]
	}
	for _, t := range e.trustedSenders {
		if addr == t || domain == t || strings.HasSuffix(domain, "."+t) {
			return true
		}
	}
	return false
}

func (e *Engine) merchantTrusted(merchants []string) bool {
	for _, m := range merchants {
		lower := strings.ToLower(m)
		for _, t := range e.trustedMerchants {
			if strings.Contains(lower, t) {
				return true
			}
		}
	}
	return false
}

// dataQuality scores how well-formed the extracted fields look, in [0,1]
func dataQuality(c models.ExtractionCandidate, text string) float64 {
	var points float64
	if classifier.HasCurrencyAmount(text) {
		points++
	}
	for _, m := range c.Merchants {
		if n := utf8.RuneCountInString(m); n >= 3 && n <= 30 {
			points++
			break
		}
	}
	for _, d := range c.Dates {
		if _, ok := extractor.ParseDate(d); ok {
			points++
			break
		}
	}
	for _, id := range c.TransactionIDs {
		if len(id) >= 8 && len(id) <= 30 {
			points++
			break
		}
	}
	return points / 4
}

func suspicious(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range suspiciousPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// senderAddress extracts the lowercase address from a From header value
func senderAddress(sender string) string {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return ""
	}
	if a, err := mail.ParseAddress(sender); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.ToLower(strings.Trim(sender, "<>"))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
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
