package vad

import (
	"fmt"
	"math"
	"time"

	"github.com/prbodas/pillow-endpoint/internal/audio"
)

const (
	// fullScale normalizes int16 samples to [-1, 1)
	fullScale = 32768.0

	// levelEpsilon keeps the level strictly positive for digital silence
	levelEpsilon = 1e-9
)

// State is the gate's position in the Idle -> Recording -> Terminal machine
type State int

const (
	StateIdle State = iota
	StateRecording
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason records why a gate reached Terminal
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTrailingSilence
	ReasonMaxDuration
	ReasonStall
	ReasonIdleTimeout
	ReasonStopped
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTrailingSilence:
		return "trailing_silence"
	case ReasonMaxDuration:
		return "max_duration"
	case ReasonStall:
		return "stall"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonStopped:
		return "stopped"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Config holds the gate tunables. StopThreshold is intentionally lower than
// StartThreshold: a frame needs StartThreshold to open the gate but only
// StopThreshold to count as voice once recording.
type Config struct {
	SampleRate      int
	Channels        int
	StartThreshold  float64
	StopThreshold   float64
	MinSpeech       time.Duration
	TrailingSilence time.Duration
	MaxDuration     time.Duration

	// IdleTimeout ends an Idle gate once this much audio was received, or
	// this much wall-clock time passed while stalled, without onset. Zero
	// waits for speech indefinitely.
	IdleTimeout time.Duration
}

// DefaultConfig returns the recognized defaults
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		Channels:        1,
		StartThreshold:  0.02,
		StopThreshold:   0.01,
		MinSpeech:       150 * time.Millisecond,
		TrailingSilence: 700 * time.Millisecond,
		MaxDuration:     15 * time.Second,
		IdleTimeout:     15 * time.Second,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}

	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}

	if c.StartThreshold <= 0 || c.StartThreshold > 1 {
		return fmt.Errorf("start threshold must be in (0, 1], got %f", c.StartThreshold)
	}

	if c.StopThreshold <= 0 || c.StopThreshold > c.StartThreshold {
		return fmt.Errorf("stop threshold must be in (0, start threshold %f], got %f", c.StartThreshold, c.StopThreshold)
	}

	if c.MinSpeech < 0 {
		return fmt.Errorf("min speech duration cannot be negative, got %v", c.MinSpeech)
	}

	if c.TrailingSilence <= 0 {
		return fmt.Errorf("trailing silence must be positive, got %v", c.TrailingSilence)
	}

	if c.MaxDuration <= c.MinSpeech {
		return fmt.Errorf("max duration (%v) must be greater than min speech (%v)", c.MaxDuration, c.MinSpeech)
	}

	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout cannot be negative, got %v", c.IdleTimeout)
	}

	return nil
}

// toSamples converts a duration to a per-channel sample count, truncating
func (c Config) toSamples(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(int64(d) * int64(c.SampleRate) / int64(time.Second))
}

// Level returns the normalized RMS energy of a frame plus a small epsilon
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return levelEpsilon
	}

	var sum float64
	for _, s := range samples {
		v := float64(s) / fullScale
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(samples))) + levelEpsilon
}

// Gate turns a stream of frames into one bounded utterance using short-term
// energy only. A gate serves exactly one utterance: Terminal is absorbing and
// a new gate must be built for the next capture. Not safe for concurrent use.
type Gate struct {
	cfg Config

	minSpeechSamples    int
	silenceLimitSamples int
	maxSamples          int
	idleLimitSamples    int

	state  State
	reason Reason

	idleSince       time.Time
	speechStartTime time.Time
	lastVoiceTime   time.Time

	utterance *audio.Utterance

	// Statistics
	framesReceived  uint64
	framesAdmitted  uint64
	samplesReceived int
	samplesAdmitted int
	peakLevel       float64
	lastLevel       float64
}

// GateStats represents gate statistics
type GateStats struct {
	State           string  `json:"state"`
	Reason          string  `json:"reason"`
	FramesReceived  uint64  `json:"frames_received"`
	FramesAdmitted  uint64  `json:"frames_admitted"`
	SamplesReceived int     `json:"samples_received"`
	SamplesAdmitted int     `json:"samples_admitted"`
	PeakLevel       float64 `json:"peak_level"`
	LastLevel       float64 `json:"last_level"`
}

// NewGate creates a gate in the Idle state
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Gate{
		cfg:                 cfg,
		minSpeechSamples:    cfg.toSamples(cfg.MinSpeech),
		silenceLimitSamples: cfg.toSamples(cfg.TrailingSilence),
		maxSamples:          cfg.toSamples(cfg.MaxDuration),
		idleLimitSamples:    cfg.toSamples(cfg.IdleTimeout),
		state:               StateIdle,
	}, nil
}

// Admit classifies one frame and returns the state afterwards. The frame's
// Timestamp is taken as its arrival time; a zero timestamp means now.
func (g *Gate) Admit(frame audio.Frame) State {
	if g.state == StateTerminal {
		return g.state
	}

	now := frame.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	if g.idleSince.IsZero() {
		g.idleSince = now
	}

	n := len(frame.Samples) / g.cfg.Channels
	level := Level(frame.Samples)

	g.framesReceived++
	g.samplesReceived += n
	g.lastLevel = level
	if level > g.peakLevel {
		g.peakLevel = level
	}

	switch g.state {
	case StateIdle:
		if level < g.cfg.StartThreshold {
			if g.idleLimitSamples > 0 && g.samplesReceived >= g.idleLimitSamples {
				g.terminate(ReasonIdleTimeout)
			}
			return g.state
		}

		g.state = StateRecording
		g.speechStartTime = now
		g.lastVoiceTime = now
		g.utterance = audio.NewUtterance(g.cfg.SampleRate, g.cfg.Channels)
		g.admit(frame, n)

	case StateRecording:
		g.admit(frame, n)

		if level >= g.cfg.StopThreshold {
			g.lastVoiceTime = now
		}

		speechDuration := g.cfg.toSamples(now.Sub(g.speechStartTime))
		silenceSinceVoice := g.cfg.toSamples(now.Sub(g.lastVoiceTime))
		if speechDuration >= g.minSpeechSamples && silenceSinceVoice >= g.silenceLimitSamples {
			g.terminate(ReasonTrailingSilence)
			return g.state
		}
	}

	if g.samplesAdmitted >= g.maxSamples {
		g.terminate(ReasonMaxDuration)
	}

	return g.state
}

// Tick is called when no frame arrived within the poll timeout. While
// recording, the wall-clock time since the last voiced frame counts as
// silence, so a stalled source still ages out. While idle, the idle timeout
// is measured in wall-clock time from the first frame or tick.
func (g *Gate) Tick(now time.Time) State {
	switch g.state {
	case StateIdle:
		if g.idleSince.IsZero() {
			g.idleSince = now
		}
		if g.idleLimitSamples > 0 && g.cfg.toSamples(now.Sub(g.idleSince)) >= g.idleLimitSamples {
			g.terminate(ReasonIdleTimeout)
		}

	case StateRecording:
		if g.cfg.toSamples(now.Sub(g.lastVoiceTime)) > g.silenceLimitSamples {
			g.terminate(ReasonStall)
		}
	}

	return g.state
}

// Stop forces the gate into Terminal, keeping whatever was admitted
func (g *Gate) Stop() {
	if g.state != StateTerminal {
		g.terminate(ReasonStopped)
	}
}

func (g *Gate) admit(frame audio.Frame, n int) {
	if err := g.utterance.Append(frame); err != nil {
		// Format mismatch: the frame is counted as received but not admitted.
		return
	}
	g.framesAdmitted++
	g.samplesAdmitted += n
}

func (g *Gate) terminate(reason Reason) {
	g.state = StateTerminal
	g.reason = reason
	if g.utterance != nil {
		g.utterance.Freeze()
	}
}

// State returns the current state
func (g *Gate) State() State {
	return g.state
}

// Reason returns why the gate terminated, or ReasonNone
func (g *Gate) Reason() Reason {
	return g.reason
}

// Utterance returns the captured utterance, or nil when there is none: the
// gate never opened, nothing was admitted, or fewer than MinSpeech worth of
// samples were admitted before termination.
func (g *Gate) Utterance() *audio.Utterance {
	if g.utterance.Empty() {
		return nil
	}
	if g.samplesAdmitted < g.minSpeechSamples {
		return nil
	}
	return g.utterance
}

// SpeechStartTime returns when the gate opened, zero if it never did
func (g *Gate) SpeechStartTime() time.Time {
	return g.speechStartTime
}

// LastVoiceTime returns the arrival time of the last voiced frame
func (g *Gate) LastVoiceTime() time.Time {
	return g.lastVoiceTime
}

// GetConfig returns the gate configuration
func (g *Gate) GetConfig() Config {
	return g.cfg
}

// GetStats returns current gate statistics
func (g *Gate) GetStats() GateStats {
	return GateStats{
		State:           g.state.String(),
		Reason:          g.reason.String(),
		FramesReceived:  g.framesReceived,
		FramesAdmitted:  g.framesAdmitted,
		SamplesReceived: g.samplesReceived,
		SamplesAdmitted: g.samplesAdmitted,
		PeakLevel:       g.peakLevel,
		LastLevel:       g.lastLevel,
	}
}
