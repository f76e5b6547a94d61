package format

import (
	"regexp"
	"strings"
)

var markupTag = regexp.MustCompile(`<[^>]*>`)

// StripMarkup removes HTML-like tags that upstream systems sometimes embed
// in free-text fields.
func StripMarkup(s string) string {
	return markupTag.ReplaceAllString(s, "")
}

// lineBuilder accumulates message lines. Whitespace-only lines are dropped;
// blank lines only ever come from separator, never doubled and never
// leading or trailing.
type lineBuilder struct {
	lines []string
}

func newLineBuilder() *lineBuilder {
	return &lineBuilder{}
}

func (b *lineBuilder) add(line string) {
	line = strings.TrimRight(StripMarkup(line), " \t\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	b.lines = append(b.lines, line)
}

// addText adds every non-blank line of a multi-line text.
func (b *lineBuilder) addText(text string) {
	for _, l := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		b.add(l)
	}
}

func (b *lineBuilder) separator() {
	if n := len(b.lines); n > 0 && b.lines[n-1] != "" {
		b.lines = append(b.lines, "")
	}
}

// section emits a titled list only when it has at least one entry.
func (b *lineBuilder) section(title string, entries []string) {
	var kept []string
	for _, e := range entries {
		if strings.TrimSpace(StripMarkup(e)) != "" {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return
	}
	b.add(title)
	for _, e := range kept {
		b.add(e)
	}
}

func (b *lineBuilder) build() []string {
	out := b.lines
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

// singleLine collapses internal whitespace so free text fits in a header.
func singleLine(s string) string {
	return strings.Join(strings.Fields(StripMarkup(s)), " ")
}
