// Package pipeline loads pipeline definitions from disk. Pipelines are
// authored as YAML files; the core only needs to know that a referenced
// pipeline exists and which steps it declares. Execution is the engine's job.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// StepDef is one declared stage of a pipeline.
type StepDef struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	AgentID    string `yaml:"agent"`
	MaxRetries int    `yaml:"max_retries"`
}

// Definition is a pipeline as authored on disk.
type Definition struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Steps       []StepDef `yaml:"steps"`
}

// Registry indexes pipeline definitions found in a directory. Definitions
// are re-read with Reload; lookups are served from the last loaded snapshot.
type Registry struct {
	dir string

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates a registry over dir and performs the initial load.
// A missing directory yields an empty registry, not an error, so a fresh
// deployment can start before any pipelines are authored.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir, defs: make(map[string]*Definition)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every *.yaml / *.yml file in the directory.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.defs = make(map[string]*Definition)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read pipelines dir: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read pipeline %s: %w", entry.Name(), err)
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("failed to parse pipeline %s: %w", entry.Name(), err)
		}
		if def.ID == "" {
			def.ID = strings.TrimSuffix(entry.Name(), ext)
		}
		defs[def.ID] = &def
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	return nil
}

// Get returns a pipeline definition by id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// Exists reports whether a pipeline id is defined.
func (r *Registry) Exists(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns all definitions in id order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
