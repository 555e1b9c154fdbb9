package parser

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// fencedBodies walks the markdown AST of source and returns the body of every
// fenced code block in document order.
func fencedBodies(source []byte) ([]string, error) {
	root := goldmark.DefaultParser().Parse(text.NewReader(source))

	var bodies []string
	err := ast.Walk(root, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fence, ok := node.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var body bytes.Buffer
		segs := fence.Lines()
		for i := 0; i < segs.Len(); i++ {
			seg := segs.At(i)
			body.Write(seg.Value(source))
		}
		bodies = append(bodies, body.String())
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, err
	}
	return bodies, nil
}

// ExtractProtocol returns the protocol carried by markdown input. When every
// #Action: line of content sits inside fenced code blocks, those blocks are
// concatenated in order; otherwise content is returned unchanged.
func ExtractProtocol(content string) string {
	total := countActions(content)
	if total == 0 {
		return content
	}
	bodies, err := fencedBodies([]byte(content))
	if err != nil || len(bodies) == 0 {
		return content
	}

	var parts []string
	fenced := 0
	for _, body := range bodies {
		n := countActions(body)
		if n == 0 {
			continue
		}
		fenced += n
		parts = append(parts, strings.TrimRight(body, "\n"))
	}
	if fenced != total {
		return content
	}
	return strings.Join(parts, "\n")
}

func countActions(content string) int {
	n := 0
	for _, ln := range strings.Split(content, "\n") {
		if actionRegex.MatchString(strings.TrimSpace(ln)) {
			n++
		}
	}
	return n
}
