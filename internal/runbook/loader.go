// Package runbook implements the detect/remediate/verify execution engine:
// it loads declarative runbook definitions from disk, drives phase
// sequencing over the SSH and WinRM transports, and assembles a RunResult
// for evidence capture.
package runbook

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/meridianfield/sentinel/internal/model"
)

// Library holds the loaded set of runbook definitions, indexed by id.
// Reload re-reads the directory so operators can update runbooks without a
// restart.
type Library struct {
	mu    sync.RWMutex
	dir   string
	byID  map[string]*model.RunbookDefinition
}

// NewLibrary creates a Library and performs an initial load from dir.
func NewLibrary(dir string) (*Library, error) {
	l := &Library{dir: dir, byID: make(map[string]*model.RunbookDefinition)}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads every *.yaml/*.yml file under the library directory.
func (l *Library) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read runbook dir %s: %w", l.dir, err)
	}

	loaded := make(map[string]*model.RunbookDefinition, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[runbook] skipping %s: %v", path, err)
			continue
		}
		var def model.RunbookDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			log.Printf("[runbook] skipping %s: invalid yaml: %v", path, err)
			continue
		}
		if def.ID == "" {
			log.Printf("[runbook] skipping %s: missing id", path)
			continue
		}
		loaded[def.ID] = &def
	}

	l.mu.Lock()
	l.byID = loaded
	l.mu.Unlock()

	log.Printf("[runbook] loaded %d definitions from %s", len(loaded), l.dir)
	return nil
}

// Get returns the runbook definition for id, or false if unknown.
func (l *Library) Get(id string) (*model.RunbookDefinition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.byID[id]
	return d, ok
}

// IDs returns every loaded runbook id.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.byID))
	for id := range l.byID {
		out = append(out, id)
	}
	return out
}

// All returns every loaded runbook definition, for catalog prompts.
func (l *Library) All() []*model.RunbookDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*model.RunbookDefinition, 0, len(l.byID))
	for _, d := range l.byID {
		out = append(out, d)
	}
	return out
}
