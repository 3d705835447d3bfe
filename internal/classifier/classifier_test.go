package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Signals(t *testing.T) {
	c := New(Config{})

	tests := []struct {
		name        string
		sender      string
		subject     string
		body        string
		minConf     float64
		maxConf     float64
		isFinancial bool
	}{
		{
			name:        "bank sender",
			sender:      "alerts@nabilbank.com",
			subject:     "Account alert",
			minConf:     0.8,
			maxConf:     0.8,
			isFinancial: true,
		},
		{
			name:        "three subject keywords",
			sender:      "shop@example.com",
			subject:     "Order receipt and invoice",
			minConf:     0.7,
			maxConf:     0.7,
			isFinancial: true,
		},
		{
			name:        "two subject keywords",
			sender:      "shop@example.com",
			subject:     "Your order receipt",
			minConf:     0.6,
			maxConf:     0.6,
			isFinancial: true,
		},
		{
			name:        "one strong keyword",
			sender:      "shop@example.com",
			subject:     "Your receipt",
			minConf:     0.5,
			maxConf:     0.5,
			isFinancial: true,
		},
		{
			name:        "body amount",
			sender:      "friend@example.com",
			subject:     "hey",
			body:        "I owe you Rs. 1,200 for dinner",
			minConf:     0.6,
			maxConf:     0.6,
			isFinancial: true,
		},
		{
			name:        "body status phrase",
			sender:      "friend@example.com",
			subject:     "hey",
			body:        "your account has been debited",
			minConf:     0.7,
			maxConf:     0.7,
			isFinancial: true,
		},
		{
			name:        "body banking term",
			sender:      "friend@example.com",
			subject:     "hey",
			body:        "sent via IMPS ref 998877",
			minConf:     0.8,
			maxConf:     0.8,
			isFinancial: true,
		},
		{
			name:        "neutral",
			sender:      "friend@example.com",
			subject:     "Catch up this weekend?",
			body:        "Let's grab coffee.",
			minConf:     0,
			maxConf:     0,
			isFinancial: false,
		},
		{
			name:        "social sender is suppressed",
			sender:      "notification@facebookmail.com",
			subject:     "Someone mentioned a payment",
			minConf:     0,
			maxConf:     0.29,
			isFinancial: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.sender, tt.subject, tt.body)
			assert.GreaterOrEqual(t, res.Confidence, tt.minConf)
			assert.LessOrEqual(t, res.Confidence, tt.maxConf)
			assert.Equal(t, tt.isFinancial, res.IsFinancial)
		})
	}
}

func TestClassify_MaxNotSum(t *testing.T) {
	c := New(Config{})
	res := c.Classify(
		"alerts@nabilbank.com",
		"Payment receipt for transaction, invoice and statement",
		"Rs. 500 debited from account number 0123 via IMPS",
	)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assert.Contains(t, res.Signals, "body_banking")
	assert.Contains(t, res.Signals, "subject_keywords")
}

func TestClassify_BankSenderMonotonicity(t *testing.T) {
	c := New(Config{})
	subject := "Catch up this weekend?"
	body := "Let's grab coffee."

	neutral := c.Classify("friend@example.com", subject, body)
	banked := c.Classify("alerts@nabilbank.com", subject, body)

	assert.Greater(t, banked.Confidence, neutral.Confidence)
	assert.GreaterOrEqual(t, banked.Confidence, 0.8)

	promo := c.Classify("alerts@nabilbank.com", "Flash sale: 40% off on cards", body)
	assert.Less(t, promo.Confidence, 0.8)
	assert.Contains(t, promo.Signals, "promotional")
}

func TestClassify_GenericSenderWithoutTerms(t *testing.T) {
	c := New(Config{})
	res := c.Classify("noreply@bank-of-nowhere.com", "Security notice", "Please log in to review settings.")
	// financial sender 0.8, generic sender penalty 0.85
	assert.InDelta(t, 0.68, res.Confidence, 1e-9)

	res = c.Classify("noreply@bank-of-nowhere.com", "Payment receipt", "")
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
}

func TestShouldProcess(t *testing.T) {
	c := New(Config{})
	assert.True(t, c.ShouldProcess("shop@example.com", "Your order"))
	assert.True(t, c.ShouldProcess("alerts@esewa.com.np", "Notice"))
	assert.False(t, c.ShouldProcess("friend@example.com", "Catch up this weekend?"))
}

func TestThresholdsAreConfigurable(t *testing.T) {
	strict := New(Config{Threshold: 0.75, PrefilterThreshold: 0.55})
	assert.False(t, strict.Classify("shop@example.com", "Your order receipt", "").IsFinancial)
	assert.False(t, strict.ShouldProcess("shop@example.com", "Your receipt"))
	assert.True(t, strict.ShouldProcess("shop@example.com", "Your order receipt"))
}

func TestCountKeywords(t *testing.T) {
	assert.Equal(t, 0, CountKeywords("hello there"))
	assert.Equal(t, 2, CountKeywords("Payment receipt, payment again"))
	assert.True(t, HasCurrencyAmount("Total NPR 500"))
	assert.True(t, HasCurrencyAmount("$12.99"))
	assert.False(t, HasCurrencyAmount("meet at 5"))
}
