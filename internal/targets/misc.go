package targets

import (
	"fmt"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/engine"
	"github.com/dyluth/lodge/internal/protocol"
)

// LowerTemporalResolution coarsens annotation boundaries to Resolution seconds.
type LowerTemporalResolution struct {
	Resolution float64
}

// PreprocessedKey is the protocol file key the preprocessor fills.
func (p *LowerTemporalResolution) PreprocessedKey() string {
	return "annotation"
}

func registerPreprocessors(reg *build.Registry) {
	reg.Register(TargetLowerTemporalResolution, build.Constructor{
		Optional: []string{"resolution"},
		New: func(a *build.Args) (any, error) {
			r, err := a.Float("resolution", 0.1)
			if err != nil {
				return nil, err
			}
			if r <= 0 {
				return nil, a.Err("resolution", "must be positive, got %v", r)
			}
			return &LowerTemporalResolution{Resolution: r}, nil
		},
	})
}

// trainerOwnKeys are consumed by lodge; every other trainer key is passed
// through to the trainer process.
var trainerOwnKeys = []string{"command"}

func registerTrainers(reg *build.Registry) {
	reg.Register(TargetTrainer, build.Constructor{
		Required: []string{"command"},
		Variadic: true,
		New: func(a *build.Args) (any, error) {
			command, err := a.Strings("command")
			if err != nil {
				return nil, err
			}
			if len(command) == 0 {
				return nil, a.Err("command", "must name the trainer executable")
			}
			return engine.NewExec(command, a.Rest(trainerOwnKeys...)), nil
		},
	})
}

func registerProtocols(reg *build.Registry, src protocol.Source) {
	reg.Register(TargetGetProtocol, build.Constructor{
		Required: []string{"name"},
		New: func(a *build.Args) (any, error) {
			name, err := a.String("name", "")
			if err != nil {
				return nil, err
			}
			if src == nil {
				return nil, &protocol.UnknownProtocolError{Name: name, Reason: "no protocol database configured"}
			}
			p, err := src.Get(name)
			if err != nil {
				return nil, fmt.Errorf("get_protocol: %w", err)
			}
			return p, nil
		},
	})
}
