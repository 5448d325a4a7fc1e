package dispatch

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/lodge/internal/tree"
)

// EnvPayload carries the base64-encoded payload into a cluster job.
const EnvPayload = "LODGE_JOB_PAYLOAD"

// PayloadVersion is bumped on incompatible payload changes.
const PayloadVersion = 1

// Payload is everything a cluster job needs to run on its own: which job
// it is, where to write, how to seed, what resources to ask for, and the
// fully resolved configuration.
type Payload struct {
	Version    int               `yaml:"version"`
	RunID      string            `yaml:"run_id"`
	SweepID    string            `yaml:"sweep_id"`
	JobID      string            `yaml:"job_id"`
	Index      int               `yaml:"index"`
	Experiment string            `yaml:"experiment"`
	OutputDir  string            `yaml:"output_dir"`
	Seed       int64             `yaml:"seed"`
	Commit     string            `yaml:"commit,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Resources  *tree.Map         `yaml:"resources"` // The job's launcher subtree, passed through untouched
	Config     *tree.Map         `yaml:"config"`
}

// Validate checks the fields a job needs to start.
func (p *Payload) Validate() error {
	if p.Version != PayloadVersion {
		return fmt.Errorf("unsupported payload version %d (expected %d)", p.Version, PayloadVersion)
	}
	if p.RunID == "" {
		return fmt.Errorf("payload has no run_id")
	}
	if p.Config == nil {
		return fmt.Errorf("payload has no config")
	}
	return nil
}

// Marshal renders the payload as YAML.
func (p *Payload) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalPayload parses and validates a YAML payload.
func UnmarshalPayload(data []byte) (*Payload, error) {
	var p Payload
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return &p, nil
}

// EncodeEnv returns the payload in its environment-variable form.
func (p *Payload) EncodeEnv() (string, error) {
	data, err := p.Marshal()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeEnv parses the environment-variable form of a payload.
func DecodeEnv(s string) (*Payload, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return UnmarshalPayload(data)
}

// Resource returns the launcher setting at key, or nil.
func (p *Payload) Resource(key string) any {
	if p.Resources == nil {
		return nil
	}
	v, _ := p.Resources.Get(key)
	return v
}
