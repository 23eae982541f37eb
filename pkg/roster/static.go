package roster

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/goccy/go-yaml"
)

// Static serves a fixed roster, optionally re-read from a YAML file on Reload.
type Static struct {
	mu      sync.RWMutex
	path    string
	entries []Entry
}

func NewStatic(entries ...Entry) *Static {
	return &Static{entries: entries}
}

// NewStaticFile returns a provider that loads a YAML list of entries from path
// on every Reload.
func NewStaticFile(path string) *Static {
	return &Static{path: path}
}

func (s *Static) Reload(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read roster file: %w", err)
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse roster file: %w", err)
	}

	s.Set(entries)
	return nil
}

func (s *Static) Roster() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

func (s *Static) Set(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
}
