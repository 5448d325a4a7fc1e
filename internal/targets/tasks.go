package targets

import (
	"fmt"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/engine"
	"github.com/dyluth/lodge/internal/protocol"
)

// Overlap controls artificial overlapping chunks.
type Overlap struct {
	Probability float64
	SNRMin      float64
	SNRMax      float64
}

// Task describes what a model is trained to do on which protocol.
type Task struct {
	Kind     string // "VoiceActivityDetection", "Segmentation", ...
	Acronym  string // Metric prefix, e.g. "vad"
	Protocol *protocol.Protocol
	// Augmentation is the built waveform transform, nil when none.
	Augmentation any

	Duration       float64
	WarmUp         [2]float64 // Left and right warm-up, in seconds
	Balance        string
	Weight         string
	BatchSize      int64
	NumWorkers     *int64
	PinMemory      bool
	Overlap        *Overlap // Segmentation and overlap detection only
	MaxNumSpeakers *int64
	Loss           string
	VADLoss        string

	monitor   string
	direction string
}

// ValMonitor returns the validation metric and its direction.
func (t *Task) ValMonitor() (string, string) {
	return t.monitor, t.direction
}

var taskCommon = []string{"duration", "warm_up", "balance", "weight", "batch_size", "num_workers", "pin_memory", "augmentation"}

type taskKind struct {
	name      string
	acronym   string
	monitor   string
	direction string
	duration  float64
	overlap   bool
	extra     []string
}

var taskKinds = map[string]taskKind{
	TargetVAD: {
		name: "VoiceActivityDetection", acronym: "vad",
		monitor: "vad@val_auroc", direction: engine.DirectionMax,
		duration: 2.0,
	},
	TargetOSD: {
		name: "OverlappedSpeechDetection", acronym: "osd",
		monitor: "osd@val_auroc", direction: engine.DirectionMax,
		duration: 2.0, overlap: true,
	},
	TargetSegmentation: {
		name: "Segmentation", acronym: "seg",
		monitor: "seg@val_loss", direction: engine.DirectionMin,
		duration: 2.0, overlap: true,
		extra: []string{"max_num_speakers", "loss", "vad_loss"},
	},
}

func registerTasks(reg *build.Registry) {
	for target, kind := range taskKinds {
		k := kind
		optional := append([]string(nil), taskCommon...)
		if k.overlap {
			optional = append(optional, "overlap")
		}
		optional = append(optional, k.extra...)
		reg.Register(target, build.Constructor{
			Required: []string{"protocol"},
			Optional: optional,
			New:      func(a *build.Args) (any, error) { return newTask(k, a) },
		})
	}
}

func newTask(kind taskKind, a *build.Args) (any, error) {
	proto, ok := a.Value("protocol").(*protocol.Protocol)
	if !ok {
		return nil, a.Err("protocol", "expected a protocol, got %T", a.Value("protocol"))
	}
	t := &Task{
		Kind:         kind.name,
		Acronym:      kind.acronym,
		Protocol:     proto,
		Augmentation: a.Value("augmentation"),
		monitor:      kind.monitor,
		direction:    kind.direction,
	}
	if _, ok := proto.Subsets["development"]; !ok {
		// Without a development subset there is nothing to validate on.
		t.monitor, t.direction = "", ""
	}

	var err error
	if t.Duration, err = a.Float("duration", kind.duration); err != nil {
		return nil, err
	}
	if t.Duration <= 0 {
		return nil, a.Err("duration", "must be positive, got %v", t.Duration)
	}
	if t.WarmUp, err = warmUp(a); err != nil {
		return nil, err
	}
	if t.WarmUp[0]+t.WarmUp[1] >= t.Duration {
		return nil, a.Err("warm_up", "total warm-up (%v) must be shorter than duration (%v)", t.WarmUp[0]+t.WarmUp[1], t.Duration)
	}
	if t.Balance, err = a.String("balance", ""); err != nil {
		return nil, err
	}
	if t.Weight, err = a.String("weight", ""); err != nil {
		return nil, err
	}
	if t.BatchSize, err = a.Int("batch_size", 32); err != nil {
		return nil, err
	}
	if t.BatchSize < 1 {
		return nil, a.Err("batch_size", "must be at least 1, got %d", t.BatchSize)
	}
	if t.NumWorkers, err = a.OptionalInt("num_workers"); err != nil {
		return nil, err
	}
	if t.NumWorkers != nil && *t.NumWorkers < 0 {
		return nil, a.Err("num_workers", "must not be negative")
	}
	if t.PinMemory, err = a.Bool("pin_memory", false); err != nil {
		return nil, err
	}

	if kind.overlap {
		if t.Overlap, err = overlap(a); err != nil {
			return nil, err
		}
	}
	if kind.name == "Segmentation" {
		if err := segmentationOptions(t, a); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func warmUp(a *build.Args) ([2]float64, error) {
	if l, ok := a.Value("warm_up").([]any); ok {
		if len(l) != 2 {
			return [2]float64{}, a.Err("warm_up", "expected one value or a (left, right) pair, got %d values", len(l))
		}
		pair := build.NewArgs(a.Target(), map[string]any{"left": l[0], "right": l[1]})
		left, err := pair.Float("left", 0)
		if err != nil {
			return [2]float64{}, a.Err("warm_up", "%v", err)
		}
		right, err := pair.Float("right", 0)
		if err != nil {
			return [2]float64{}, a.Err("warm_up", "%v", err)
		}
		if left < 0 || right < 0 {
			return [2]float64{}, a.Err("warm_up", "must not be negative")
		}
		return [2]float64{left, right}, nil
	}
	w, err := a.Float("warm_up", 0)
	if err != nil {
		return [2]float64{}, err
	}
	if w < 0 {
		return [2]float64{}, a.Err("warm_up", "must not be negative, got %v", w)
	}
	return [2]float64{w, w}, nil
}

func overlap(a *build.Args) (*Overlap, error) {
	m, err := a.Map("overlap")
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, m.Len())
	for _, k := range m.Keys() {
		values[k], _ = m.Get(k)
	}
	sub := build.NewArgs(a.Target(), values)
	for _, k := range sub.Keys() {
		if k != "probability" && k != "snr_min" && k != "snr_max" {
			return nil, a.Err("overlap."+k, "unexpected key (accepted: probability, snr_min, snr_max)")
		}
	}

	o := &Overlap{}
	if o.Probability, err = sub.Float("probability", 0.5); err != nil {
		return nil, a.Err("overlap.probability", "%v", err)
	}
	if o.Probability < 0 || o.Probability > 1 {
		return nil, a.Err("overlap.probability", "must be within [0, 1], got %v", o.Probability)
	}
	if o.SNRMin, err = sub.Float("snr_min", 0.0); err != nil {
		return nil, a.Err("overlap.snr_min", "%v", err)
	}
	if o.SNRMax, err = sub.Float("snr_max", 10.0); err != nil {
		return nil, a.Err("overlap.snr_max", "%v", err)
	}
	if o.SNRMin > o.SNRMax {
		return nil, a.Err("overlap", "snr_min (%v) exceeds snr_max (%v)", o.SNRMin, o.SNRMax)
	}
	return o, nil
}

func segmentationOptions(t *Task, a *build.Args) error {
	var err error
	if t.MaxNumSpeakers, err = a.OptionalInt("max_num_speakers"); err != nil {
		return err
	}
	if t.MaxNumSpeakers != nil && *t.MaxNumSpeakers < 2 {
		return a.Err("max_num_speakers", "must be at least 2, got %d", *t.MaxNumSpeakers)
	}
	if t.Loss, err = a.String("loss", "bce"); err != nil {
		return err
	}
	if t.Loss != "bce" && t.Loss != "mse" {
		return a.Err("loss", "must be one of {bce, mse}, got '%s'", t.Loss)
	}
	if t.VADLoss, err = a.String("vad_loss", ""); err != nil {
		return err
	}
	if t.VADLoss != "" && t.VADLoss != "bce" && t.VADLoss != "mse" {
		return a.Err("vad_loss", "must be one of {bce, mse, null}, got '%s'", t.VADLoss)
	}
	return nil
}

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s)", t.Kind, t.Protocol.Name)
}
