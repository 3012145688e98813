package timeshift

import (
	"time"
)

// JitterEstimator tracks the exponentially smoothed absolute deviation of
// inter-arrival intervals from a stream's nominal packet period.
type JitterEstimator struct {
	alpha       float64
	lastArrival time.Time
	jitterMs    float64
	seen        bool
}

// NewJitterEstimator creates an estimator; alpha is the EWMA factor for
// new deviation observations.
func NewJitterEstimator(alpha float64) *JitterEstimator {
	if alpha <= 0 || alpha > 1 {
		alpha = 1.0 / 16
	}
	return &JitterEstimator{alpha: alpha}
}

// Observe records a packet arrival against its format-derived nominal
// period and returns the updated jitter estimate in milliseconds.
func (j *JitterEstimator) Observe(arrival time.Time, nominalPeriod time.Duration) float64 {
	if !j.seen {
		j.seen = true
		j.lastArrival = arrival
		return j.jitterMs
	}
	interval := arrival.Sub(j.lastArrival)
	j.lastArrival = arrival
	if nominalPeriod <= 0 {
		return j.jitterMs
	}
	deviation := interval - nominalPeriod
	if deviation < 0 {
		deviation = -deviation
	}
	j.jitterMs += j.alpha * (float64(deviation)/float64(time.Millisecond) - j.jitterMs)
	return j.jitterMs
}

// JitterMs returns the current estimate.
func (j *JitterEstimator) JitterMs() float64 { return j.jitterMs }

// Reset clears the estimator, e.g. after a session anchor reset.
func (j *JitterEstimator) Reset() {
	j.seen = false
	j.jitterMs = 0
}

// PaceConfig holds the tunables of the playback-rate PI controller.
type PaceConfig struct {
	// TargetBufferMs is the buffer depth the controller steers toward.
	TargetBufferMs float64 `yaml:"target_buffer_ms"`
	// DeadZoneMs suppresses corrections for small errors.
	DeadZoneMs float64 `yaml:"dead_zone_ms"`
	// Kp and Ki are the proportional and integral gains, in ppm per ms
	// of error.
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	// IntegralDecay is applied to the accumulated integral each update.
	IntegralDecay float64 `yaml:"integral_decay"`
	// SlewPPM bounds the rate change per update.
	SlewPPM float64 `yaml:"slew_ppm"`
	// ClampPPM bounds the steady-state rate offset around 1.0.
	ClampPPM float64 `yaml:"clamp_ppm"`
	// CatchupLagMs is the lag beyond which the additive catch-up bias
	// engages; CatchupMaxPPM caps that bias.
	CatchupLagMs  float64 `yaml:"catchup_lag_ms"`
	CatchupMaxPPM float64 `yaml:"catchup_max_ppm"`
}

// DefaultPaceConfig returns the controller settings used when the
// engine settings leave them zero.
func DefaultPaceConfig() PaceConfig {
	return PaceConfig{
		TargetBufferMs: 50,
		DeadZoneMs:     5,
		Kp:             2.0,
		Ki:             0.1,
		IntegralDecay:  0.995,
		SlewPPM:        20,
		ClampPPM:       500,
		CatchupLagMs:   500,
		CatchupMaxPPM:  5000,
	}
}

// PaceController converts buffer-depth error into a bounded playback
// rate. Positive output means the stream plays faster than real time.
type PaceController struct {
	cfg      PaceConfig
	integral float64
	ratePPM  float64
}

// NewPaceController creates a controller, substituting defaults for zero
// config fields.
func NewPaceController(cfg PaceConfig) *PaceController {
	def := DefaultPaceConfig()
	if cfg.TargetBufferMs <= 0 {
		cfg.TargetBufferMs = def.TargetBufferMs
	}
	if cfg.DeadZoneMs <= 0 {
		cfg.DeadZoneMs = def.DeadZoneMs
	}
	if cfg.Kp == 0 {
		cfg.Kp = def.Kp
	}
	if cfg.Ki == 0 {
		cfg.Ki = def.Ki
	}
	if cfg.IntegralDecay <= 0 || cfg.IntegralDecay > 1 {
		cfg.IntegralDecay = def.IntegralDecay
	}
	if cfg.SlewPPM <= 0 {
		cfg.SlewPPM = def.SlewPPM
	}
	if cfg.ClampPPM <= 0 {
		cfg.ClampPPM = def.ClampPPM
	}
	if cfg.CatchupLagMs <= 0 {
		cfg.CatchupLagMs = def.CatchupLagMs
	}
	if cfg.CatchupMaxPPM <= 0 {
		cfg.CatchupMaxPPM = def.CatchupMaxPPM
	}
	return &PaceController{cfg: cfg}
}

// Update feeds the current buffer depth (ms of audio between the cursor
// and the live edge) and lag (ms the cursor trails its due schedule) into
// the controller.
//
// Returns:
//   - float64: The effective playback rate multiplier around 1.0
func (c *PaceController) Update(bufferDepthMs, lagMs float64) float64 {
	err := bufferDepthMs - c.cfg.TargetBufferMs
	if err > -c.cfg.DeadZoneMs && err < c.cfg.DeadZoneMs {
		err = 0
	}

	c.integral = c.integral*c.cfg.IntegralDecay + err
	desired := c.cfg.Kp*err + c.cfg.Ki*c.integral

	// Slew limit.
	delta := desired - c.ratePPM
	if delta > c.cfg.SlewPPM {
		delta = c.cfg.SlewPPM
	}
	if delta < -c.cfg.SlewPPM {
		delta = -c.cfg.SlewPPM
	}
	c.ratePPM += delta

	if c.ratePPM > c.cfg.ClampPPM {
		c.ratePPM = c.cfg.ClampPPM
	}
	if c.ratePPM < -c.cfg.ClampPPM {
		c.ratePPM = -c.cfg.ClampPPM
	}

	effective := c.ratePPM
	if lagMs > c.cfg.CatchupLagMs {
		bias := (lagMs - c.cfg.CatchupLagMs) * 10
		if bias > c.cfg.CatchupMaxPPM {
			bias = c.cfg.CatchupMaxPPM
		}
		effective += bias
	}

	return 1 + effective/1e6
}

// RatePPM returns the steady-state controller output in ppm, before any
// catch-up bias.
func (c *PaceController) RatePPM() float64 { return c.ratePPM }

// Reset returns the controller to unity rate.
func (c *PaceController) Reset() {
	c.integral = 0
	c.ratePPM = 0
}
