package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

// ErrHookNotFound is returned when a requested hook cannot be found.
var ErrHookNotFound = errors.New("hook not found")

// Manager holds the hooks installed under one directory, one hook per
// subdirectory.
type Manager struct {
	dir string

	mu    sync.RWMutex
	hooks map[string]*Hook
}

// NewManager creates a Manager over dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, hooks: make(map[string]*Hook)}
}

// Discover reloads the hooks. Subdirectories without a manifest are
// ignored. Invalid hooks are skipped and reported together in the returned
// error; valid hooks are registered regardless. A missing directory yields
// no hooks and no error.
func (m *Manager) Discover() error {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		m.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read hooks dir: %w", err)
	}

	found := make(map[string]*Hook)
	var skipped error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		h, err := loadHook(filepath.Join(m.dir, entry.Name()))
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			skipped = multierr.Append(skipped, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		if prev, dup := found[h.Manifest.Name]; dup {
			skipped = multierr.Append(skipped, fmt.Errorf("%s: name %q already used by %s", entry.Name(), h.Manifest.Name, prev.Path))
			continue
		}
		found[h.Manifest.Name] = h
	}

	m.replace(found)
	return skipped
}

// loadHook reads and checks the manifest in dir.
func loadHook(dir string) (*Hook, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ManifestFile, err)
	}
	switch {
	case manifest.Name == "":
		return nil, fmt.Errorf("%s has no name", ManifestFile)
	case manifest.Executable == "":
		return nil, fmt.Errorf("%s has no executable", ManifestFile)
	case len(manifest.Events) == 0:
		return nil, fmt.Errorf("%s subscribes to no events", ManifestFile)
	}
	for _, ev := range manifest.Events {
		if ev != EventInterval && ev != EventSessionEnd {
			return nil, fmt.Errorf("unknown event %q", ev)
		}
	}

	return &Hook{
		Manifest:   manifest,
		Path:       dir,
		Executable: filepath.Join(dir, manifest.Executable),
	}, nil
}

func (m *Manager) replace(hooks map[string]*Hook) {
	if hooks == nil {
		hooks = make(map[string]*Hook)
	}
	m.mu.Lock()
	m.hooks = hooks
	m.mu.Unlock()
}

// Get returns a hook by name.
func (m *Manager) Get(name string) (*Hook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.hooks[name]; ok {
		return h, nil
	}
	return nil, ErrHookNotFound
}

// List returns the hooks sorted by name, the order they run in.
func (m *Manager) List() []*Hook {
	m.mu.RLock()
	hooks := make([]*Hook, 0, len(m.hooks))
	for _, h := range m.hooks {
		hooks = append(hooks, h)
	}
	m.mu.RUnlock()

	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Manifest.Name < hooks[j].Manifest.Name })
	return hooks
}

// Dir returns the hook directory path.
func (m *Manager) Dir() string {
	return m.dir
}
