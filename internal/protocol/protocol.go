// Package protocol resolves dataset protocol names against a database file.
//
// The database file follows the pyannote.database layout:
//
//	Databases:
//	  AMI: /data/ami/{uri}.wav
//	Protocols:
//	  AMI:
//	    SpeakerDiarization:
//	      only_words:
//	        train:
//	          uri: lists/train.txt
//	          annotation: rttms/train.rttm
//	          annotated: uems/train.uem
//
// and a protocol is named "AMI.SpeakerDiarization.only_words". Relative paths
// are resolved against the directory holding the database file.
package protocol

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// EnvDatabaseConfig lists database files, separated by the OS path list separator.
const EnvDatabaseConfig = "PYANNOTE_DATABASE_CONFIG"

// Subsets recognised in a protocol definition.
var Subsets = []string{"train", "development", "test"}

// Source looks up protocols by name.
type Source interface {
	Get(name string) (*Protocol, error)
}

// Subset locates the files of one protocol subset.
type Subset struct {
	URI        string `yaml:"uri" json:"uri"`
	Annotation string `yaml:"annotation,omitempty" json:"annotation,omitempty"`
	Annotated  string `yaml:"annotated,omitempty" json:"annotated,omitempty"`
}

// Protocol is a named dataset split.
type Protocol struct {
	Name          string            `yaml:"name"`
	Database      string            `yaml:"database"`
	Task          string            `yaml:"task"`
	Protocol      string            `yaml:"protocol"`
	AudioTemplate string            `yaml:"audio,omitempty"`
	Subsets       map[string]Subset `yaml:"subsets"`
	Preprocessors map[string]any    `yaml:"-"`
}

// AddPreprocessor registers a preprocessor under the key it fills.
func (p *Protocol) AddPreprocessor(key string, pre any) {
	if p.Preprocessors == nil {
		p.Preprocessors = make(map[string]any)
	}
	p.Preprocessors[key] = pre
}

// UnknownProtocolError indicates a protocol name the database does not define.
type UnknownProtocolError struct {
	Name   string
	Reason string
}

func (e *UnknownProtocolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unknown protocol '%s': %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("unknown protocol '%s'", e.Name)
}

// IsUnknownProtocol checks if an error is an UnknownProtocolError.
func IsUnknownProtocol(err error) bool {
	_, ok := err.(*UnknownProtocolError)
	return ok
}

type databaseFile struct {
	Databases map[string]string                                      `yaml:"Databases"`
	Protocols map[string]map[string]map[string]map[string]subsetFile `yaml:"Protocols"`
}

type subsetFile struct {
	URI        string `yaml:"uri"`
	Annotation string `yaml:"annotation"`
	Annotated  string `yaml:"annotated"`
}

// Database is a Source backed by one or more database files. Files are read
// on first lookup, so configurations that never name a protocol do not need
// a database.
type Database struct {
	paths []string

	once      sync.Once
	loadErr   error
	protocols map[string]*Protocol
}

// NewDatabase creates a database over paths. With no paths it falls back to
// PYANNOTE_DATABASE_CONFIG.
func NewDatabase(paths ...string) *Database {
	if len(paths) == 0 {
		if env := os.Getenv(EnvDatabaseConfig); env != "" {
			paths = filepath.SplitList(env)
		}
	}
	return &Database{paths: paths}
}

// Get returns a copy of the named protocol.
func (d *Database) Get(name string) (*Protocol, error) {
	d.once.Do(d.load)
	if d.loadErr != nil {
		return nil, d.loadErr
	}

	if strings.Count(name, ".") != 2 {
		return nil, &UnknownProtocolError{Name: name, Reason: "expected <Database>.<Task>.<Protocol>"}
	}
	p, ok := d.protocols[name]
	if !ok {
		return nil, &UnknownProtocolError{Name: name, Reason: d.suggest()}
	}
	out := *p
	out.Subsets = make(map[string]Subset, len(p.Subsets))
	for k, v := range p.Subsets {
		out.Subsets[k] = v
	}
	return &out, nil
}

// Names returns all protocol names, sorted.
func (d *Database) Names() ([]string, error) {
	d.once.Do(d.load)
	if d.loadErr != nil {
		return nil, d.loadErr
	}
	names := make([]string, 0, len(d.protocols))
	for n := range d.protocols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Database) suggest() string {
	if len(d.paths) == 0 {
		return fmt.Sprintf("no database configured (set %s or 'database' in lodge.yml)", EnvDatabaseConfig)
	}
	return fmt.Sprintf("not defined in %s", strings.Join(d.paths, ", "))
}

func (d *Database) load() {
	d.protocols = make(map[string]*Protocol)
	for _, path := range d.paths {
		if err := d.loadFile(path); err != nil {
			d.loadErr = err
			return
		}
	}
}

func (d *Database) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read protocol database: %w", err)
	}
	var file databaseFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse protocol database %s: %w", path, err)
	}

	base := filepath.Dir(path)
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	for db, tasks := range file.Protocols {
		for task, protocols := range tasks {
			for proto, subsets := range protocols {
				name := strings.Join([]string{db, task, proto}, ".")
				p := &Protocol{
					Name:          name,
					Database:      db,
					Task:          task,
					Protocol:      proto,
					AudioTemplate: file.Databases[db],
					Subsets:       make(map[string]Subset),
				}
				for subset, files := range subsets {
					if !isKnownSubset(subset) {
						return fmt.Errorf("protocol %s in %s: unknown subset '%s' (expected one of %s)",
							name, path, subset, strings.Join(Subsets, ", "))
					}
					p.Subsets[subset] = Subset{
						URI:        abs(files.URI),
						Annotation: abs(files.Annotation),
						Annotated:  abs(files.Annotated),
					}
				}
				d.protocols[name] = p
			}
		}
	}
	return nil
}

func isKnownSubset(s string) bool {
	for _, known := range Subsets {
		if s == known {
			return true
		}
	}
	return false
}
