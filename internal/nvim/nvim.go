package nvim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neovim/go-client/nvim"
)

// ErrNoInstance is returned when no Neovim instance is reachable.
var ErrNoInstance = errors.New("no Neovim instance: NVIM_LISTEN_ADDRESS is not set")

// Manager handles the connection and interaction with a Neovim instance.
type Manager struct {
	nvim *nvim.Nvim
}

// New connects to the running instance at $NVIM_LISTEN_ADDRESS.
func New() (*Manager, error) {
	addr := os.Getenv("NVIM_LISTEN_ADDRESS")
	if addr == "" {
		return nil, ErrNoInstance
	}
	return Dial(addr)
}

// Dial connects to the instance listening on addr.
func Dial(addr string) (*Manager, error) {
	v, err := nvim.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nvim at %s: %w", addr, err)
	}
	return &Manager{nvim: v}, nil
}

// Close disconnects from Neovim.
func (m *Manager) Close() {
	if m.nvim != nil {
		m.nvim.Close()
	}
}

// processSequentially is a generic helper function to run a set of jobs sequentially.
func processSequentially[T any](
	items []T,
	processFn func(item T) (path string, success bool),
	progressCb func(int),
) (succeeded, failed []string) {
	for i, item := range items {
		path, success := processFn(item)
		if success {
			succeeded = append(succeeded, path)
		} else {
			failed = append(failed, path)
		}
		if progressCb != nil {
			progressCb(i + 1)
		}
	}
	return succeeded, failed
}

// ReloadFiles makes Neovim re-read every open buffer backed by one of paths.
// Paths without a loaded buffer are skipped; failed lists buffers whose
// reload errored.
func (m *Manager) ReloadFiles(paths []string, progressCb func(int)) (reloaded, failed []string) {
	buffers, err := m.bufferPaths()
	if err != nil {
		return nil, paths
	}

	var open []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if _, ok := buffers[abs]; ok {
			open = append(open, abs)
		}
	}

	processFn := func(path string) (string, bool) {
		return path, m.nvim.Command(fmt.Sprintf("checktime %d", int(buffers[path]))) == nil
	}
	return processSequentially(open, processFn, progressCb)
}

func (m *Manager) bufferPaths() (map[string]nvim.Buffer, error) {
	bufs, err := m.nvim.Buffers()
	if err != nil {
		return nil, err
	}
	out := make(map[string]nvim.Buffer, len(bufs))
	for _, b := range bufs {
		name, err := m.nvim.BufferName(b)
		if err != nil || name == "" {
			continue
		}
		if abs, err := filepath.Abs(name); err == nil {
			out[abs] = b
		}
	}
	return out, nil
}
