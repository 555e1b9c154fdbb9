// Package anchor locates the editable span of a file between two blocks of
// context lines.
//
// Context lines are matched literally, in order, but any run of blank or
// whitespace-only lines may appear between them in the file. Only the leftmost
// match is ever reported; an anchor that occurs several times always resolves
// to its first occurrence.
package anchor

import (
	"fmt"
	"regexp"
	"strings"
)

// blankRun matches any number of line breaks surrounded by horizontal
// whitespace, i.e. zero or more blank lines between two context lines.
const blankRun = `(?:[ \t]*\r?\n[ \t]*)*`

// ContextLines drops blank and whitespace-only lines.
func ContextLines(lines []string) []string {
	var out []string
	for _, ln := range lines {
		if strings.TrimSpace(ln) != "" {
			out = append(out, ln)
		}
	}
	return out
}

// ContextPattern builds the regular expression source for a context block.
// An empty block yields the empty pattern.
func ContextPattern(lines []string) string {
	nonblank := ContextLines(lines)
	if len(nonblank) == 0 {
		return ""
	}
	parts := make([]string, len(nonblank))
	for i, ln := range nonblank {
		parts[i] = regexp.QuoteMeta(ln)
	}
	return strings.Join(parts, blankRun)
}

// Pattern is a compiled before/after anchor pair.
type Pattern struct {
	re *regexp.Regexp
}

// Compile builds the search pattern for an edit block's context.
func Compile(before, after []string) (*Pattern, error) {
	b := ContextPattern(before)
	a := ContextPattern(after)

	var src string
	if b == "" {
		// Without a leading anchor the span collapses onto the after anchor.
		src = `(?s)()()(` + a + `)`
	} else {
		src = `(?s)(` + b + `)(.*?)(` + a + `)`
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("anchor: compile pattern: %w", err)
	}
	return &Pattern{re: re}, nil
}

// String returns the regular expression source.
func (p *Pattern) String() string {
	return p.re.String()
}

// Match is a located anchor span. Before and After hold the file's own text
// for the anchors, not the protocol's lines.
type Match struct {
	Start    int
	End      int
	Before   string
	Interior string
	After    string
}

// Find returns the leftmost match in text.
func (p *Pattern) Find(text string) (Match, bool) {
	loc := p.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return Match{}, false
	}
	return Match{
		Start:    loc[0],
		End:      loc[1],
		Before:   text[loc[2]:loc[3]],
		Interior: text[loc[4]:loc[5]],
		After:    text[loc[6]:loc[7]],
	}, true
}

// Splice replaces the matched span of text with replacement.
func (m Match) Splice(text, replacement string) string {
	return text[:m.Start] + replacement + text[m.End:]
}

// Find compiles before/after and searches text in one step.
func Find(before, after []string, text string) (Match, bool, error) {
	p, err := Compile(before, after)
	if err != nil {
		return Match{}, false, err
	}
	m, ok := p.Find(text)
	return m, ok, nil
}
