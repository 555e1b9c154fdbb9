package source

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"

	"github.com/sokinpui/protopatch/internal/ui"
)

// SourceProvider determines and retrieves the protocol text.
type SourceProvider struct {
	stdin         *os.File
	readClipboard func() (string, error)
}

// New creates a new SourceProvider.
func New() *SourceProvider {
	return &SourceProvider{stdin: os.Stdin, readClipboard: clipboard.ReadAll}
}

// GetContent reads file when it is set, otherwise stdin (if piped) or the
// clipboard. A file named "-" is stdin.
func (sp *SourceProvider) GetContent(file string) (string, error) {
	if file == "-" {
		return sp.readStdin()
	}
	if file != "" {
		ui.Header("--- Reading from %s ---", file)
		content, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read protocol file: %w", err)
		}
		return string(content), nil
	}

	if sp.isPiped() {
		return sp.readStdin()
	}

	ui.Header("--- Reading from clipboard ---")
	content, err := sp.readClipboard()
	if err != nil {
		return "", fmt.Errorf("failed to read from clipboard: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		ui.Warning("Clipboard is empty. Nothing to process.")
		return "", nil
	}
	return content, nil
}

func (sp *SourceProvider) isPiped() bool {
	if sp.stdin == nil {
		return false
	}
	stat, err := sp.stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (sp *SourceProvider) readStdin() (string, error) {
	ui.Header("--- Reading from stdin ---")
	content, err := io.ReadAll(sp.stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	return string(content), nil
}
