package patcher

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Preview renders the changed lines between before and after, prefixed with
// "+" or "-". Unchanged lines are omitted.
func Preview(before, after string) string {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0

	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var sb strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		default:
			continue
		}
		for _, ln := range splitLines(d.Text) {
			sb.WriteString(prefix)
			sb.WriteString(ln)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// DiffStat counts added and removed lines in a preview.
func DiffStat(preview string) (added, removed int) {
	for _, ln := range splitLines(preview) {
		switch {
		case strings.HasPrefix(ln, "+"):
			added++
		case strings.HasPrefix(ln, "-"):
			removed++
		}
	}
	return added, removed
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
