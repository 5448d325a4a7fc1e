package targets

import (
	"github.com/dyluth/lodge/internal/build"
)

// Compose applies transforms in order, or in random order when Shuffle is set.
type Compose struct {
	Transforms []any
	Shuffle    bool
	P          float64
}

// Gain scales the waveform by a random gain in [MinGainInDB, MaxGainInDB].
type Gain struct {
	MinGainInDB float64
	MaxGainInDB float64
	P           float64
}

// PolarityInversion flips the waveform sign.
type PolarityInversion struct {
	P float64
}

// AddBackgroundNoise mixes in noise from BackgroundPaths.
type AddBackgroundNoise struct {
	BackgroundPaths []string
	MinSNRInDB      float64
	MaxSNRInDB      float64
	P               float64
}

func registerAugmentations(reg *build.Registry) {
	reg.Register(TargetCompose, build.Constructor{
		Required: []string{"transforms"},
		Optional: []string{"shuffle", "p"},
		New:      newCompose,
	})
	reg.Register(TargetGain, build.Constructor{
		Optional: []string{"min_gain_in_db", "max_gain_in_db", "p", "mode", "sample_rate"},
		New:      newGain,
	})
	reg.Register(TargetPolarityInversion, build.Constructor{
		Optional: []string{"p", "mode", "sample_rate"},
		New: func(a *build.Args) (any, error) {
			p, err := probability(a, 0.5)
			if err != nil {
				return nil, err
			}
			return &PolarityInversion{P: p}, nil
		},
	})
	reg.Register(TargetAddBackgroundNoise, build.Constructor{
		Required: []string{"background_paths"},
		Optional: []string{"min_snr_in_db", "max_snr_in_db", "p", "mode", "sample_rate"},
		New:      newBackgroundNoise,
	})
}

func probability(a *build.Args, def float64) (float64, error) {
	p, err := a.Float("p", def)
	if err != nil {
		return 0, err
	}
	if p < 0 || p > 1 {
		return 0, a.Err("p", "must be within [0, 1], got %v", p)
	}
	return p, nil
}

func newCompose(a *build.Args) (any, error) {
	transforms, err := a.List("transforms")
	if err != nil {
		return nil, err
	}
	if len(transforms) == 0 {
		return nil, a.Err("transforms", "at least one transform is required")
	}
	for i, t := range transforms {
		switch t.(type) {
		case *Gain, *PolarityInversion, *AddBackgroundNoise, *Compose:
		default:
			return nil, a.Err("transforms", "element %d is not a transform (missing _target_?)", i)
		}
	}
	c := &Compose{Transforms: transforms}
	if c.Shuffle, err = a.Bool("shuffle", false); err != nil {
		return nil, err
	}
	if c.P, err = probability(a, 1.0); err != nil {
		return nil, err
	}
	return c, nil
}

func newGain(a *build.Args) (any, error) {
	g := &Gain{}
	var err error
	if g.MinGainInDB, err = a.Float("min_gain_in_db", -18.0); err != nil {
		return nil, err
	}
	if g.MaxGainInDB, err = a.Float("max_gain_in_db", 6.0); err != nil {
		return nil, err
	}
	if g.MinGainInDB > g.MaxGainInDB {
		return nil, a.Err("min_gain_in_db", "exceeds max_gain_in_db (%v > %v)", g.MinGainInDB, g.MaxGainInDB)
	}
	if g.P, err = probability(a, 0.5); err != nil {
		return nil, err
	}
	return g, nil
}

func newBackgroundNoise(a *build.Args) (any, error) {
	n := &AddBackgroundNoise{}
	var err error
	if n.BackgroundPaths, err = a.Strings("background_paths"); err != nil {
		return nil, err
	}
	if len(n.BackgroundPaths) == 0 {
		return nil, a.Err("background_paths", "at least one path is required")
	}
	if n.MinSNRInDB, err = a.Float("min_snr_in_db", 3.0); err != nil {
		return nil, err
	}
	if n.MaxSNRInDB, err = a.Float("max_snr_in_db", 30.0); err != nil {
		return nil, err
	}
	if n.MinSNRInDB > n.MaxSNRInDB {
		return nil, a.Err("min_snr_in_db", "exceeds max_snr_in_db (%v > %v)", n.MinSNRInDB, n.MaxSNRInDB)
	}
	if n.P, err = probability(a, 0.5); err != nil {
		return nil, err
	}
	return n, nil
}
