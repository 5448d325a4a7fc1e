package targets

import (
	"fmt"
	"os"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/tree"
)

// Model is an architecture bound to the task it is trained for.
type Model struct {
	Target       string
	Architecture string
	Task         *Task
	// Hyperparameters with defaults filled in, handed to the trainer as-is.
	Hyperparameters *tree.Map
	Checkpoint      string // Pretrained weights, fine-tuning only
}

// ValMonitor delegates to the task.
func (m *Model) ValMonitor() (string, string) {
	if m.Task == nil {
		return "", ""
	}
	return m.Task.ValMonitor()
}

// FineTuning reports whether the model starts from a pretrained checkpoint.
func (m *Model) FineTuning() bool {
	return m.Target == TargetPretrained
}

// Validate checks the model can be fitted.
func (m *Model) Validate() error {
	if m.Task == nil {
		return fmt.Errorf("model %s has no task", m.Architecture)
	}
	if _, ok := m.Task.Protocol.Subsets["train"]; !ok {
		return fmt.Errorf("protocol %s has no train subset", m.Task.Protocol.Name)
	}
	if m.FineTuning() {
		if _, err := os.Stat(m.Checkpoint); err != nil {
			return fmt.Errorf("pretrained checkpoint: %w", err)
		}
	}
	return nil
}

var pyanNetDefaults = map[string]map[string]any{
	"sincnet": {"stride": int64(10)},
	"lstm": {
		"hidden_size":   int64(128),
		"num_layers":    int64(2),
		"bidirectional": true,
		"monolithic":    true,
		"dropout":       0.0,
	},
	"linear": {"hidden_size": int64(128), "num_layers": int64(2)},
}

var pyanNetOrder = map[string][]string{
	"sincnet": {"stride"},
	"lstm":    {"hidden_size", "num_layers", "bidirectional", "monolithic", "dropout"},
	"linear":  {"hidden_size", "num_layers"},
}

func registerModels(reg *build.Registry) {
	reg.Register(TargetPyanNet, build.Constructor{
		Required: []string{"task"},
		Optional: []string{"sincnet", "lstm", "linear", "sample_rate", "num_channels"},
		New:      newPyanNet,
	})
	reg.Register(TargetDebug, build.Constructor{
		Required: []string{"task"},
		Optional: []string{"sample_rate", "num_channels"},
		New: func(a *build.Args) (any, error) {
			return newModel(a, "SimpleSegmentationModel")
		},
	})
	reg.Register(TargetPretrained, build.Constructor{
		Required: []string{"task", "checkpoint"},
		Optional: []string{"hparams_file", "strict", "map_location"},
		New:      newPretrained,
	})
}

func newModel(a *build.Args, arch string) (*Model, error) {
	task, ok := a.Value("task").(*Task)
	if !ok {
		return nil, a.Err("task", "expected a task, got %T", a.Value("task"))
	}
	m := &Model{Target: a.Target(), Architecture: arch, Task: task, Hyperparameters: tree.New()}

	sampleRate, err := a.Int("sample_rate", 16000)
	if err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, a.Err("sample_rate", "must be positive, got %d", sampleRate)
	}
	channels, err := a.Int("num_channels", 1)
	if err != nil {
		return nil, err
	}
	if channels != 1 {
		return nil, a.Err("num_channels", "only mono audio is supported, got %d", channels)
	}
	m.Hyperparameters.Set("sample_rate", sampleRate)
	m.Hyperparameters.Set("num_channels", channels)
	return m, nil
}

func newPyanNet(a *build.Args) (any, error) {
	m, err := newModel(a, "PyanNet")
	if err != nil {
		return nil, err
	}
	for _, section := range []string{"sincnet", "lstm", "linear"} {
		given, err := a.Map(section)
		if err != nil {
			return nil, err
		}
		merged := tree.New()
		for _, k := range pyanNetOrder[section] {
			merged.Set(k, pyanNetDefaults[section][k])
		}
		for _, k := range given.Keys() {
			def, known := pyanNetDefaults[section][k]
			if !known {
				return nil, a.Err(section+"."+k, "unexpected key")
			}
			v, _ := given.Get(k)
			if err := sameKind(def, v); err != nil {
				return nil, a.Err(section+"."+k, "%v", err)
			}
			merged.Set(k, v)
		}
		m.Hyperparameters.Set(section, merged)
	}

	lstm, _ := m.Hyperparameters.Get("lstm")
	layers, _ := lstm.(*tree.Map).Get("num_layers")
	if n, _ := layers.(int64); n < 1 {
		return nil, a.Err("lstm.num_layers", "must be at least 1")
	}
	dropout, _ := lstm.(*tree.Map).Get("dropout")
	if d := toFloat(dropout); d < 0 || d >= 1 {
		return nil, a.Err("lstm.dropout", "must be within [0, 1), got %v", d)
	}
	return m, nil
}

func newPretrained(a *build.Args) (any, error) {
	m, err := newModel(a, "Pretrained")
	if err != nil {
		return nil, err
	}
	if m.Checkpoint, err = a.String("checkpoint", ""); err != nil {
		return nil, err
	}
	if m.Checkpoint == "" {
		return nil, a.Err("checkpoint", "a checkpoint path is required for fine-tuning")
	}
	strict, err := a.Bool("strict", true)
	if err != nil {
		return nil, err
	}
	m.Hyperparameters.Set("checkpoint", m.Checkpoint)
	m.Hyperparameters.Set("strict", strict)
	for _, k := range []string{"hparams_file", "map_location"} {
		s, err := a.String(k, "")
		if err != nil {
			return nil, err
		}
		if s != "" {
			m.Hyperparameters.Set(k, s)
		}
	}
	return m, nil
}

// sameKind checks a hyperparameter against the type of its default. Integers
// are accepted where floats are expected.
func sameKind(def, v any) error {
	switch def.(type) {
	case int64:
		if _, ok := v.(int64); !ok {
			return fmt.Errorf("expected an integer, got %v", v)
		}
	case float64:
		switch v.(type) {
		case float64, int64:
		default:
			return fmt.Errorf("expected a number, got %v", v)
		}
	case bool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected a boolean, got %v", v)
		}
	}
	return nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	}
	return 0
}
