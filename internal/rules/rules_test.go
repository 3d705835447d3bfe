package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/vipul43/kiwis-ledger/internal/models"
)

func newTestEngine() *Engine {
	return New(Config{
		AutoApproveThreshold: 0.85,
		AutoRejectThreshold:  0.3,
		AutoApproveCeiling:   decimal.NewFromInt(10000),
		TrustedSenders:       []string{"esewa.com.np", "alerts@nabilbank.com"},
		TrustedMerchants:     []string{"esewa"},
		ManualReviewKeywords: []string{"refund", "chargeback", "dispute", "reversal"},
	})
}

func esewaInput() Input {
	return Input{
		BaseConfidence: 0.6,
		Sender:         "eSewa Alerts <alerts@esewa.com.np>",
		Subject:        "Payment receipt",
		Candidate: models.ExtractionCandidate{
			Amounts:        []string{"500"},
			Dates:          []string{"2024-01-15"},
			Merchants:      []string{"eSewa"},
			TransactionIDs: []string{"ESW123456789"},
			Source:         models.SourceEmail,
			Preview:        "Your payment to eSewa was successful. Total: Rs. 500",
		},
	}
}

func TestDecide_AutoApprove(t *testing.T) {
	e := newTestEngine()

	out := e.Decide(esewaInput())
	assert.Equal(t, models.DecisionAutoApprove, out.Decision)
	assert.Equal(t, models.ApprovalApproved, out.Status())
	assert.GreaterOrEqual(t, out.Confidence, 0.85)
	assert.LessOrEqual(t, out.Confidence, 1.0)
}

func TestDecide_AutoRejectEmptyExtraction(t *testing.T) {
	e := newTestEngine()
	in := Input{
		BaseConfidence: 0.2,
		Sender:         "someone@example.com",
		Subject:        "hello",
		Candidate: models.ExtractionCandidate{
			Amounts:        []string{},
			Merchants:      []string{},
			TransactionIDs: []string{},
			Preview:        "hello there",
		},
	}

	out := e.Decide(in)
	assert.Equal(t, models.DecisionAutoReject, out.Decision)
	assert.Equal(t, models.ApprovalRejected, out.Status())
	assert.Contains(t, out.Reasons, "no_data")
	assert.Contains(t, out.Reasons, "low_confidence")
	assert.True(t, e.ShouldAutoReject(in))
	assert.False(t, e.ShouldAutoApprove(in))
}

func TestDecide_Manual(t *testing.T) {
	e := newTestEngine()
	in := Input{
		BaseConfidence: 0.5,
		Sender:         "shop@bigmart.com.np",
		Subject:        "Your receipt",
		Candidate: models.ExtractionCandidate{
			Amounts:   []string{"1200"},
			Dates:     []string{"2024-01-15"},
			Merchants: []string{"Big Mart"},
			Preview:   "Rs. 1200 spent at Big Mart",
		},
	}

	out := e.Decide(in)
	assert.Equal(t, models.DecisionManual, out.Decision)
	assert.Equal(t, models.ApprovalPending, out.Status())
}

func TestDecide_AutoApproveBlockers(t *testing.T) {
	e := newTestEngine()

	tests := []struct {
		name   string
		mutate func(in *Input)
	}{
		{"manual review keyword", func(in *Input) { in.Subject = "Refund processed" }},
		{"above ceiling", func(in *Input) { in.Candidate.Amounts = []string{"50000"} }},
		{"untrusted sender", func(in *Input) { in.Sender = "alerts@esewa-help.xyz" }},
		{"untrusted merchant", func(in *Input) { in.Candidate.Merchants = []string{"Big Mart"} }},
		{"no amount", func(in *Input) { in.Candidate.Amounts = []string{} }},
		{"low confidence", func(in *Input) { in.BaseConfidence = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := esewaInput()
			tt.mutate(&in)
			out := e.Decide(in)
			assert.NotEqual(t, models.DecisionAutoApprove, out.Decision)
		})
	}
}

func TestDecide_SuspiciousIsRejected(t *testing.T) {
	e := newTestEngine()
	in := esewaInput()
	in.Subject = "Congratulations, you have won a lottery"

	out := e.Decide(in)
	assert.Equal(t, models.DecisionAutoReject, out.Decision)
	assert.Contains(t, out.Reasons, "suspicious")
}

func TestEnhanceConfidence(t *testing.T) {
	e := newTestEngine()

	// bonuses alone can push past 1
	assert.Equal(t, 1.0, e.EnhanceConfidence(esewaInput()))

	empty := Input{BaseConfidence: 0.1}
	assert.Equal(t, 0.0, e.EnhanceConfidence(empty))

	plain := Input{
		BaseConfidence: 0.4,
		Sender:         "shop@example.com",
		Subject:        "hi",
		Candidate:      models.ExtractionCandidate{TransactionIDs: []string{"AB12"}},
	}
	assert.InDelta(t, 0.4, e.EnhanceConfidence(plain), 1e-9)
}

func TestSenderTrusted(t *testing.T) {
	e := newTestEngine()

	assert.True(t, e.senderTrusted("alerts@esewa.com.np"))
	assert.True(t, e.senderTrusted("eSewa <noreply@mail.esewa.com.np>"))
	assert.True(t, e.senderTrusted("ALERTS@NABILBANK.COM"))
	assert.False(t, e.senderTrusted("other@nabilbank.com"))
	assert.False(t, e.senderTrusted("alerts@notesewa.com.np"))
	assert.False(t, e.senderTrusted(""))
}
