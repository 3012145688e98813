package dsp

import (
	"math"
)

// VolumeNormalizer is a slow automatic gain control: it tracks the RMS
// level of the stream with separate attack and decay smoothing and scales
// toward a target RMS with bounded gain, soft-clipping at the knee.
type VolumeNormalizer struct {
	targetRMS float64 // target level as a fraction of full scale
	attack    float64 // smoothing factor when level rises
	decay     float64 // smoothing factor when level falls
	maxGain   float64
	minGain   float64
	kneeStart float64 // fraction of full scale where the soft clip engages

	rms  float64
	gain float64
}

// NormalizerConfig holds tunables for the RMS normalizer.
type NormalizerConfig struct {
	TargetRMS float64 `yaml:"target_rms"`
	Attack    float64 `yaml:"attack"`
	Decay     float64 `yaml:"decay"`
	MaxGain   float64 `yaml:"max_gain"`
	MinGain   float64 `yaml:"min_gain"`
	KneeStart float64 `yaml:"knee_start"`
}

// DefaultNormalizerConfig returns settings suitable for program audio.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		TargetRMS: 0.15,
		Attack:    0.05,
		Decay:     0.005,
		MaxGain:   8.0,
		MinGain:   0.125,
		KneeStart: 0.85,
	}
}

// NewVolumeNormalizer creates a normalizer from config, substituting
// defaults for zero fields.
func NewVolumeNormalizer(cfg NormalizerConfig) *VolumeNormalizer {
	def := DefaultNormalizerConfig()
	if cfg.TargetRMS <= 0 {
		cfg.TargetRMS = def.TargetRMS
	}
	if cfg.Attack <= 0 {
		cfg.Attack = def.Attack
	}
	if cfg.Decay <= 0 {
		cfg.Decay = def.Decay
	}
	if cfg.MaxGain <= 0 {
		cfg.MaxGain = def.MaxGain
	}
	if cfg.MinGain <= 0 {
		cfg.MinGain = def.MinGain
	}
	if cfg.KneeStart <= 0 || cfg.KneeStart >= 1 {
		cfg.KneeStart = def.KneeStart
	}
	return &VolumeNormalizer{
		targetRMS: cfg.TargetRMS,
		attack:    cfg.Attack,
		decay:     cfg.Decay,
		maxGain:   cfg.MaxGain,
		minGain:   cfg.MinGain,
		kneeStart: cfg.KneeStart,
		gain:      1,
	}
}

const fullScale = 2147483648.0

// Process updates the level estimate from the block and applies the
// current gain in place with a soft clip near full scale.
func (n *VolumeNormalizer) Process(in []int32) {
	if len(in) == 0 {
		return
	}

	var sum float64
	for _, s := range in {
		v := float64(s) / fullScale
		sum += v * v
	}
	blockRMS := math.Sqrt(sum / float64(len(in)))

	alpha := n.decay
	if blockRMS > n.rms {
		alpha = n.attack
	}
	n.rms += alpha * (blockRMS - n.rms)

	if n.rms > 1e-6 {
		desired := n.targetRMS / n.rms
		if desired > n.maxGain {
			desired = n.maxGain
		}
		if desired < n.minGain {
			desired = n.minGain
		}
		// Smooth the gain itself so level corrections never pump.
		n.gain += 0.02 * (desired - n.gain)
	}

	for i, s := range in {
		v := float64(s) / fullScale * n.gain
		in[i] = int32(softClip(v, n.kneeStart) * (fullScale - 1))
	}
}

// softClip passes |v| below knee untouched and compresses the remainder
// smoothly into the (knee, 1.0) range.
func softClip(v, knee float64) float64 {
	a := math.Abs(v)
	if a <= knee {
		return v
	}
	span := 1 - knee
	excess := (a - knee) / span
	compressed := knee + span*math.Tanh(excess)
	if v < 0 {
		return -compressed
	}
	return compressed
}

// Gain returns the currently applied gain, for stats reporting.
func (n *VolumeNormalizer) Gain() float64 { return n.gain }

// Reset clears the level estimate and returns the gain to unity.
func (n *VolumeNormalizer) Reset() {
	n.rms = 0
	n.gain = 1
}
