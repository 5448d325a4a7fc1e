// Package store holds the named configuration fragments that the resolver
// composes into a job configuration.
//
// Fragments are YAML files laid out as <dir>/<group>/<name>.yaml, next to a
// primary <dir>/config.yaml that declares the defaults list. Search
// directories given on the command line take precedence over the embedded
// built-ins: the first directory that provides a (group, name) pair wins.
// A Store is immutable after construction and hands out deep copies.
package store

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/dyluth/lodge/internal/tree"
)

//go:embed builtin
var builtinFS embed.FS

// PrimaryName is the file name of the primary config in a search directory.
const PrimaryName = "config.yaml"

// Fragment is a named configuration body within a group.
type Fragment struct {
	Group  string
	Name   string
	Body   *tree.Map
	Source string // File the fragment was read from, for messages
}

type fragmentKey struct {
	group string
	name  string
}

// Store is an immutable collection of fragments plus the primary config.
type Store struct {
	primary       *tree.Map
	primarySource string
	fragments     map[fragmentKey]*Fragment
	groups        map[string][]string // group → names, sorted
}

// New builds a store from an explicit primary config and fragments.
// Duplicate (group, name) pairs are rejected.
func New(primary *tree.Map, fragments ...Fragment) (*Store, error) {
	s := empty()
	if primary != nil {
		s.primary = primary.Clone()
		s.primarySource = "<memory>"
	}
	for _, f := range fragments {
		if err := s.add(f, false); err != nil {
			return nil, err
		}
	}
	s.index()
	return s, nil
}

// Load builds a store from the search directories followed by the built-ins.
func Load(searchPath ...string) (*Store, error) {
	s := empty()
	for _, dir := range searchPath {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read config directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("config directory %s is not a directory", dir)
		}
		if err := s.loadFS(os.DirFS(dir), ".", dir); err != nil {
			return nil, err
		}
	}
	if err := s.loadFS(builtinFS, "builtin", "builtin"); err != nil {
		return nil, err
	}
	s.index()
	return s, nil
}

func empty() *Store {
	return &Store{
		primary:   tree.New(),
		fragments: make(map[fragmentKey]*Fragment),
		groups:    make(map[string][]string),
	}
}

// loadFS reads one search directory. Entries already provided by an
// earlier directory are skipped.
func (s *Store) loadFS(fsys fs.FS, root, label string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("failed to read config directory %s: %w", label, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		full := path.Join(root, name)
		if !entry.IsDir() {
			if name == PrimaryName && s.primarySource == "" {
				body, err := readYAML(fsys, full)
				if err != nil {
					return fmt.Errorf("%s/%s: %w", label, name, err)
				}
				s.primary = body
				s.primarySource = path.Join(label, name)
			}
			continue
		}
		files, err := fs.ReadDir(fsys, full)
		if err != nil {
			return fmt.Errorf("failed to read group %s/%s: %w", label, name, err)
		}
		for _, file := range files {
			ext := path.Ext(file.Name())
			if file.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			body, err := readYAML(fsys, path.Join(full, file.Name()))
			if err != nil {
				return fmt.Errorf("%s/%s/%s: %w", label, name, file.Name(), err)
			}
			frag := Fragment{
				Group:  name,
				Name:   strings.TrimSuffix(file.Name(), ext),
				Body:   body,
				Source: path.Join(label, name, file.Name()),
			}
			if err := s.add(frag, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func readYAML(fsys fs.FS, name string) (*tree.Map, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read fragment: %w", err)
	}
	return tree.Decode(data)
}

func (s *Store) add(f Fragment, skipExisting bool) error {
	if f.Group == "" || f.Name == "" {
		return fmt.Errorf("fragment group and name are required (got %q/%q)", f.Group, f.Name)
	}
	key := fragmentKey{f.Group, f.Name}
	if existing, ok := s.fragments[key]; ok {
		if skipExisting {
			return nil
		}
		return fmt.Errorf("duplicate fragment %s/%s (already registered from %s)", f.Group, f.Name, existing.Source)
	}
	body := f.Body
	if body == nil {
		body = tree.New()
	}
	s.fragments[key] = &Fragment{Group: f.Group, Name: f.Name, Body: body.Clone(), Source: f.Source}
	return nil
}

func (s *Store) index() {
	s.groups = make(map[string][]string)
	for key := range s.fragments {
		s.groups[key.group] = append(s.groups[key.group], key.name)
	}
	for _, names := range s.groups {
		sort.Strings(names)
	}
}

// Primary returns a copy of the primary config, including its defaults list.
func (s *Store) Primary() *tree.Map {
	return s.primary.Clone()
}

// Get returns a copy of the fragment identified by (group, name).
func (s *Store) Get(group, name string) (Fragment, bool) {
	f, ok := s.fragments[fragmentKey{group, name}]
	if !ok {
		return Fragment{}, false
	}
	return Fragment{Group: f.Group, Name: f.Name, Body: f.Body.Clone(), Source: f.Source}, true
}

// HasGroup reports whether any fragment belongs to group.
func (s *Store) HasGroup(group string) bool {
	_, ok := s.groups[group]
	return ok
}

// Groups returns all group names, sorted.
func (s *Store) Groups() []string {
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Names returns the fragment names of group, sorted.
func (s *Store) Names(group string) []string {
	return append([]string(nil), s.groups[group]...)
}
