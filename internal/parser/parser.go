package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sokinpui/protopatch/model"
)

// Protocol markers. All but the action keyword are matched exactly after
// trimming surrounding whitespace.
const (
	markerActionEnded = "#ActionEnded"

	beginBefore = "#BeginBeforeLines"
	endBefore   = "#EndBeforeLines"
	beginText   = "#BeginActionText"
	endText     = "#EndActionText"
	beginAfter  = "#BeginAfterLines"
	endAfter    = "#EndAfterLines"
	beginSubj   = "#BeginSubject"
	endSubj     = "#EndSubject"
)

var (
	ErrProtocolSyntax   = errors.New("protocol syntax error")
	ErrMissingEndMarker = errors.New("missing end marker")
)

var (
	actionRegex = regexp.MustCompile(`(?i)^#Action:\s*(FileNew|FileDelete|TextInsert|TextDelete|TextModify)\s*$`)
	targetRegex = regexp.MustCompile(`^#Target:\s*(.+?)\s*$`)

	endMarkers = map[string]bool{
		endBefore: true,
		endText:   true,
		endAfter:  true,
		endSubj:   true,
	}
)

// SyntaxError describes malformed protocol text. Line is 1-based.
type SyntaxError struct {
	Kind error
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: line %d: %s", e.Kind, e.Line, e.Msg)
}

func (e *SyntaxError) Unwrap() error { return e.Kind }

func syntaxf(line int, format string, args ...any) error {
	return &SyntaxError{Kind: ErrProtocolSyntax, Line: line + 1, Msg: fmt.Sprintf(format, args...)}
}

// scanner walks the protocol line by line.
type scanner struct {
	lines []string
	pos   int
}

func newScanner(text string) *scanner {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, "\r")
	}
	return &scanner{lines: lines}
}

func (s *scanner) done() bool { return s.pos >= len(s.lines) }

func (s *scanner) marker() string { return strings.TrimSpace(s.lines[s.pos]) }

func (s *scanner) skipBlank() {
	for !s.done() && s.marker() == "" {
		s.pos++
	}
}

// readBlock consumes a begin marker at the current line and returns the lines
// up to its end marker, which is consumed too.
func (s *scanner) readBlock(begin, end string) ([]string, error) {
	start := s.pos
	if s.done() || s.marker() != begin {
		return nil, syntaxf(s.pos, "expected %s", begin)
	}
	s.pos++
	content := []string{}
	for !s.done() {
		if s.marker() == end {
			s.pos++
			return content, nil
		}
		content = append(content, s.lines[s.pos])
		s.pos++
	}
	return nil, &SyntaxError{Kind: ErrMissingEndMarker, Line: start + 1, Msg: fmt.Sprintf("%s without %s", begin, end)}
}

// Parse converts protocol text into an ordered document. Any error aborts the
// whole document.
func Parse(text string) (model.Document, error) {
	s := newScanner(text)
	doc := model.Document{}

	for !s.done() {
		line := s.marker()
		if line == "" {
			s.pos++
			continue
		}
		if endMarkers[line] {
			return nil, syntaxf(s.pos, "unexpected %s", line)
		}
		m := actionRegex.FindStringSubmatch(line)
		if m == nil {
			// Free text between actions is ignored.
			s.pos++
			continue
		}
		action, err := parseAction(s, m[1])
		if err != nil {
			return nil, err
		}
		doc = append(doc, action)
	}
	return doc, nil
}

func parseAction(s *scanner, keyword string) (model.Action, error) {
	kind, ok := model.ParseKind(keyword)
	if !ok {
		return model.Action{}, syntaxf(s.pos, "unknown action %q", keyword)
	}
	s.pos++
	if s.done() {
		return model.Action{}, syntaxf(s.pos-1, "expected #Target: after #Action:")
	}
	tm := targetRegex.FindStringSubmatch(s.marker())
	if tm == nil {
		return model.Action{}, syntaxf(s.pos, "expected #Target: after #Action:")
	}
	s.pos++

	action := model.Action{Kind: kind, Target: tm[1], Blocks: []model.EditBlock{}}
	for !s.done() {
		line := s.marker()
		switch {
		case line == markerActionEnded:
			s.pos++
			return action, nil
		case actionRegex.MatchString(line):
			// The next action starts; this one was not closed explicitly.
			return action, nil
		case line == beginBefore:
			block, err := parseBlock(s)
			if err != nil {
				return model.Action{}, err
			}
			action.Blocks = append(action.Blocks, block)
		case endMarkers[line]:
			return model.Action{}, syntaxf(s.pos, "unexpected %s", line)
		case strings.HasPrefix(line, "#Begin"):
			return model.Action{}, syntaxf(s.pos, "expected %s, got %s", beginBefore, line)
		default:
			s.pos++
		}
	}
	return action, nil
}

func parseBlock(s *scanner) (model.EditBlock, error) {
	var block model.EditBlock
	var err error

	if block.Before, err = s.readBlock(beginBefore, endBefore); err != nil {
		return block, err
	}

	s.skipBlank()
	if !s.done() && s.marker() == beginText {
		// Action text is accepted for compatibility and discarded.
		if _, err := s.readBlock(beginText, endText); err != nil {
			return block, err
		}
		s.skipBlank()
	}

	if block.After, err = s.readBlock(beginAfter, endAfter); err != nil {
		return block, err
	}

	s.skipBlank()
	if block.Subject, err = s.readBlock(beginSubj, endSubj); err != nil {
		return block, err
	}
	return block, nil
}
