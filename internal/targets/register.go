// Package targets registers the constructors lodge knows how to build.
//
// Names follow the dotted import paths used by pyannote.audio configuration
// files, so existing fragments can be reused unchanged.
package targets

import (
	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/protocol"
)

// Target names.
const (
	TargetVAD          = "pyannote.audio.tasks.VoiceActivityDetection"
	TargetSegmentation = "pyannote.audio.tasks.Segmentation"
	TargetOSD          = "pyannote.audio.tasks.OverlappedSpeechDetection"

	TargetPyanNet    = "pyannote.audio.models.segmentation.PyanNet"
	TargetDebug      = "pyannote.audio.models.segmentation.debug.SimpleSegmentationModel"
	TargetPretrained = "pyannote.audio.cli.pretrained"

	TargetCompose            = "torch_audiomentations.Compose"
	TargetGain               = "torch_audiomentations.Gain"
	TargetPolarityInversion  = "torch_audiomentations.PolarityInversion"
	TargetAddBackgroundNoise = "torch_audiomentations.AddBackgroundNoise"

	TargetLowerTemporalResolution = "pyannote.audio.utils.preprocessors.LowerTemporalResolution"

	TargetGetProtocol = "pyannote.database.get_protocol"

	TargetTrainer = "pytorch_lightning.Trainer"
)

// Register adds every built-in constructor to reg. src backs the
// get_protocol target and may be nil.
func Register(reg *build.Registry, src protocol.Source) {
	registerTasks(reg)
	registerModels(reg)
	registerAugmentations(reg)
	registerPreprocessors(reg)
	registerTrainers(reg)
	registerProtocols(reg, src)
}

// NewRegistry returns a registry holding every built-in constructor.
func NewRegistry(src protocol.Source) *build.Registry {
	reg := build.NewRegistry()
	Register(reg, src)
	return reg
}
