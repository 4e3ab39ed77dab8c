package graph

import (
	"html"
	"regexp"
	"strings"
)

var (
	scriptStylePattern = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	lineBreakPattern   = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</tr>`)
	tagPattern         = regexp.MustCompile(`(?s)<[^>]+>`)
	blankRunPattern    = regexp.MustCompile(`\n{3,}`)
	spaceRunPattern    = regexp.MustCompile(`[ \t]+`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// StripHTML reduces an HTML fragment to readable plain text: script and
// style blocks are dropped, block-level closers become newlines, the
// remaining tags are removed, entities are unescaped, and runs of blank
// lines collapse to a single blank line.
func StripHTML(s string) string {
	s = scriptStylePattern.ReplaceAllString(s, "")
	s = lineBreakPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = spaceRunPattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankRunPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// CollapseWhitespace folds every whitespace run into a single space.
// Subjects are compared in this form.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// ToCRLF normalises line endings for plain-text mail bodies.
func ToCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
