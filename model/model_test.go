package model

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"FileNew":    FileNew,
		"filenew":    FileNew,
		"FILEDELETE": FileDelete,
		"textInsert": TextInsert,
		"TextDelete": TextDelete,
		"textmodify": TextModify,
	}
	for in, want := range cases {
		got, ok := ParseKind(in)
		if !ok || got != want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}
	if _, ok := ParseKind("FileRename"); ok {
		t.Error("ParseKind accepted an unknown keyword")
	}
}

func TestReportOutput(t *testing.T) {
	t.Run("empty report", func(t *testing.T) {
		r := &Report{}
		if got := r.Output(); got != "Nothing applied." {
			t.Errorf("Output() = %q", got)
		}
	})

	t.Run("headers and separators", func(t *testing.T) {
		ok := Result{Action: Action{Kind: FileNew, Target: "a.txt"}}
		ok.Logf("FileNew OK: %s", "a.txt")
		bad := Result{Action: Action{Kind: TextInsert, Target: "b.txt"}}
		bad.Fail(errors.New("boom"))

		r := &Report{Results: []Result{ok, bad}}
		want := "=> FileNew a.txt\nFileNew OK: a.txt\n\n=> TextInsert b.txt\n[ERROR] boom\n"
		if got := r.Output(); got != want {
			t.Errorf("Output() =\n%q\nwant\n%q", got, want)
		}
		if r.Failed() != 1 {
			t.Errorf("Failed() = %d, want 1", r.Failed())
		}
	})
}
