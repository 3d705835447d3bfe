// Package thread merges the messages of one conversation into a single extraction input.
package thread

import (
	"sort"
	"strings"
	"time"
)

// Part is one message of a thread as seen by the aggregator
type Part struct {
	MessageID  string
	Sender     string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Aggregate is the combined view of a thread, oldest message first
type Aggregate struct {
	ThreadID   string
	MessageIDs []string
	Senders    []string
	Subjects   []string
	Sender     string // sender of the oldest message, usually the originating notification
	Subject    string // subject of the newest message
	Text       string
}

type Aggregator struct {
	separator string
}

func NewAggregator() *Aggregator {
	return &Aggregator{separator: "\n\n---\n\n"}
}

// Aggregate combines subjects, senders and bodies of every part. Parts are not modified.
func (a *Aggregator) Aggregate(threadID string, parts []Part) Aggregate {
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
	})

	agg := Aggregate{ThreadID: threadID}
	if len(sorted) == 0 {
		return agg
	}

	seenSender := map[string]bool{}
	seenSubject := map[string]bool{}
	sections := make([]string, 0, len(sorted)+1)
	for _, p := range sorted {
		agg.MessageIDs = append(agg.MessageIDs, p.MessageID)
		if s := strings.TrimSpace(p.Sender); s != "" && !seenSender[strings.ToLower(s)] {
			seenSender[strings.ToLower(s)] = true
			agg.Senders = append(agg.Senders, s)
		}
		if s := normalizeSubject(p.Subject); s != "" && !seenSubject[strings.ToLower(s)] {
			seenSubject[strings.ToLower(s)] = true
			agg.Subjects = append(agg.Subjects, s)
		}
		if b := strings.TrimSpace(p.Body); b != "" {
			sections = append(sections, b)
		}
	}

	agg.Sender = strings.TrimSpace(sorted[0].Sender)
	agg.Subject = strings.TrimSpace(sorted[len(sorted)-1].Subject)

	header := "Subjects: " + strings.Join(agg.Subjects, " | ") + "\nFrom: " + strings.Join(agg.Senders, ", ")
	agg.Text = header + a.separator + strings.Join(sections, a.separator)
	return agg
}

// normalizeSubject strips reply and forward prefixes so "Re: Invoice" and "Invoice" collapse
func normalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	for {
		lower := strings.ToLower(s)
		trimmed := false
		for _, prefix := range []string{"re:", "fwd:", "fw:", "aw:"} {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				trimmed = true
				break
			}
		}
		if !trimmed {
			return s
		}
	}
}
