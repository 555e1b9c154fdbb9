package anchor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestContextLines(t *testing.T) {
	got := ContextLines([]string{"", "  a", "\t", "b  ", "   "})
	want := []string{"  a", "b  "}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ContextLines mismatch (-want +got):\n%s", diff)
	}
}

func TestContextPattern(t *testing.T) {
	if got := ContextPattern([]string{"", "   "}); got != "" {
		t.Errorf("blank context should give empty pattern, got %q", got)
	}
	got := ContextPattern([]string{"f(x) + 1", "", "[a]"})
	want := `f\(x\) \+ 1` + blankRun + `\[a\]`
	if got != want {
		t.Errorf("ContextPattern = %q, want %q", got, want)
	}
}

func TestFind(t *testing.T) {
	tests := []struct {
		name   string
		before []string
		after  []string
		text   string
		want   Match
		found  bool
	}{
		{
			name:   "simple span",
			before: []string{"X"},
			after:  []string{"Y"},
			text:   "X\nMID\nY\n",
			want:   Match{Start: 0, End: 7, Before: "X", Interior: "\nMID\n", After: "Y"},
			found:  true,
		},
		{
			name:   "blank line drift inside anchors",
			before: []string{"func a() {", "return 1"},
			after:  []string{"}"},
			text:   "func a() {\n\n   \n\treturn 1\n}\n",
			want: Match{
				Start:    0,
				End:      27,
				Before:   "func a() {\n\n   \n\treturn 1",
				Interior: "\n",
				After:    "}",
			},
			found: true,
		},
		{
			name:   "blank lines in protocol anchor ignored",
			before: []string{"", "one", "", "two", ""},
			after:  nil,
			text:   "zero\none\ntwo\nthree\n",
			want:   Match{Start: 5, End: 12, Before: "one\ntwo", Interior: "", After: ""},
			found:  true,
		},
		{
			name:   "leftmost of ambiguous anchors",
			before: []string{"dup"},
			after:  []string{"end"},
			text:   "dup\nfirst\nend\ndup\nsecond\nend\n",
			want:   Match{Start: 0, End: 13, Before: "dup", Interior: "\nfirst\n", After: "end"},
			found:  true,
		},
		{
			name:   "empty before collapses onto after",
			before: nil,
			after:  []string{"Y"},
			text:   "X\nMID\nY\n",
			want:   Match{Start: 6, End: 7, Before: "", Interior: "", After: "Y"},
			found:  true,
		},
		{
			name:   "both empty matches at start",
			before: []string{""},
			after:  []string{" "},
			text:   "abc",
			want:   Match{},
			found:  true,
		},
		{
			name:   "not found",
			before: []string{"X"},
			after:  []string{"Z"},
			text:   "X\nY\n",
			found:  false,
		},
		{
			name:   "order is required",
			before: []string{"b", "a"},
			after:  nil,
			text:   "a\nb\n",
			found:  false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := Find(tc.before, tc.after, tc.text)
			if err != nil {
				t.Fatalf("Find returned error: %v", err)
			}
			if ok != tc.found {
				t.Fatalf("found = %v, want %v", ok, tc.found)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Match mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBlankLineTolerance(t *testing.T) {
	anchor := []string{"alpha", "beta", "gamma"}
	variants := []string{
		"alpha\nbeta\ngamma\nrest\n",
		"alpha\n\nbeta\n\n\ngamma\nrest\n",
		"alpha\n  \t\nbeta\r\n\r\ngamma\nrest\n",
	}
	for _, text := range variants {
		m, ok, err := Find(anchor, []string{"rest"}, text)
		if err != nil || !ok {
			t.Errorf("anchor did not match %q (err=%v)", text, err)
			continue
		}
		if m.After != "rest" {
			t.Errorf("After = %q for %q", m.After, text)
		}
	}
}

func TestSplice(t *testing.T) {
	text := "X\nMID\nY\n"
	m, ok, err := Find([]string{"X"}, []string{"Y"}, text)
	if err != nil || !ok {
		t.Fatalf("Find failed: ok=%v err=%v", ok, err)
	}
	got := m.Splice(text, m.Before+"\nNEW\n"+m.After)
	if got != "X\nNEW\nY\n" {
		t.Errorf("Splice = %q", got)
	}
}
