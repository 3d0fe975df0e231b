// Package plan loads checklist items from a YAML plan file and keeps
// the store in sync with it while a run is active.
package plan

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/driftline/warden/internal/store"
	"github.com/driftline/warden/pkg/models"
)

// Entry is one item definition in a plan file. The key doubles as the
// item id, so re-syncing the same plan never duplicates items.
type Entry struct {
	Key         string   `yaml:"key"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description,omitempty"`
	Criteria    []string `yaml:"criteria,omitempty"`
	Priority    int      `yaml:"priority,omitempty"`
	Class       string   `yaml:"class,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
	Steward     bool     `yaml:"steward,omitempty"`
}

// Plan is a parsed plan file.
type Plan struct {
	Items []Entry `yaml:"plan"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse parses plan YAML and validates it.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) validate() error {
	seen := make(map[string]bool, len(p.Items))
	for i, e := range p.Items {
		if e.Key == "" {
			return fmt.Errorf("plan entry %d has no key", i)
		}
		if e.Title == "" {
			return fmt.Errorf("plan entry %q has no title", e.Key)
		}
		if seen[e.Key] {
			return fmt.Errorf("duplicate plan key %q", e.Key)
		}
		seen[e.Key] = true
		if e.Priority < 0 || e.Priority > models.PriorityLowest {
			return fmt.Errorf("plan entry %q: priority %d out of range", e.Key, e.Priority)
		}
		if e.Class != "" && !validClass(e.Class) {
			return fmt.Errorf("plan entry %q: unknown class %q", e.Key, e.Class)
		}
	}
	for _, e := range p.Items {
		for _, dep := range e.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan entry %q depends on unknown key %q", e.Key, dep)
			}
		}
	}
	return nil
}

func validClass(c string) bool {
	switch models.TaskClass(c) {
	case models.ClassCritical, models.ClassArchitecture,
		models.ClassImplementation, models.ClassTesting:
		return true
	default:
		return false
	}
}

// Sync creates any plan items not yet present in the store, keyed by
// plan key, and returns the ids of the items it created. Existing
// items are left alone: the plan adds work, it never rewrites it.
func (p *Plan) Sync(items store.ItemStore, actor string) ([]string, error) {
	var created []string
	for _, e := range p.Items {
		_, err := items.GetItem(e.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, err
		}

		it := &models.Item{
			ID:                 e.Key,
			Title:              e.Title,
			Description:        e.Description,
			AcceptanceCriteria: e.Criteria,
			Priority:           e.Priority,
			Class:              models.TaskClass(e.Class),
			DependsOn:          e.DependsOn,
			Steward:            e.Steward,
		}
		if err := items.CreateItem(it, actor); err != nil {
			return created, err
		}
		created = append(created, it.ID)
	}
	return created, nil
}
