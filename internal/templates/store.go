package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Status string

const (
	StatusActive Status = "active"
	StatusSoon   Status = "soon"
)

// Template is a meme scenario loaded from "<dir>/<id>.json".
type Template struct {
	ID     string `json:"-"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Status Status `json:"status"`
}

// Available reports whether generations can be started from the template.
func (t Template) Available() bool {
	return t.Status != StatusSoon
}

// Store reads templates from a directory on every call so edits apply without a restart.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Get returns the template or nil when no file exists for id.
func (s *Store) Get(id string) (*Template, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, nil
	}
	tpl, err := s.load(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	tpl.ID = id
	return tpl, nil
}

// List returns every template ordered by id.
func (s *Store) List() ([]Template, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir: %w", err)
	}

	var out []Template
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		tpl, err := s.load(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		tpl.ID = strings.TrimSuffix(entry.Name(), ".json")
		out = append(out, *tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) load(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", filepath.Base(path), err)
	}
	var tpl Template
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", filepath.Base(path), err)
	}
	if tpl.Status == "" {
		tpl.Status = StatusActive
	}
	return &tpl, nil
}
