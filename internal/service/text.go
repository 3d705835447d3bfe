package service

import (
	"html"
	"regexp"
	"strings"
)

var (
	scriptStylePattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blockTagPattern    = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/tr|/li|/h[1-6])[^>]*>`)
	tagPattern         = regexp.MustCompile(`<[^>]+>`)
	spaceRunPattern    = regexp.MustCompile(`[ \t\f\r]+`)
	blankLinesPattern  = regexp.MustCompile(`\n\s*\n+`)
)

// StripHTML reduces an HTML body to readable text for extraction
func StripHTML(body string) string {
	s := scriptStylePattern.ReplaceAllString(body, " ")
	s = blockTagPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = spaceRunPattern.ReplaceAllString(s, " ")
	s = blankLinesPattern.ReplaceAllString(s, "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
