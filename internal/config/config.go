package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prbodas/pillow-endpoint/internal/vad"
)

// Environment variables honoured by ApplyEnv
const (
	EnvBaseURL = "AI_BASE"
	EnvSession = "VOICE_SESSION"
)

// Config represents the complete client configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Capture  CaptureConfig  `yaml:"capture"`
	VAD      VADConfig      `yaml:"vad"`
	Playback PlaybackConfig `yaml:"playback"`
	Demux    DemuxConfig    `yaml:"demux"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains voice server connection and conversation settings
type ServerConfig struct {
	BaseURL       string `yaml:"base_url"`
	Session       string `yaml:"session"`
	Voice         string `yaml:"voice"`
	LLMModel      string `yaml:"llm_model"`
	System        string `yaml:"system"`
	Return        string `yaml:"return"` // original, tts, none or llm_tts
	Debug         bool   `yaml:"debug"`
	Timeout       int    `yaml:"timeout"` // seconds until response headers
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// CaptureConfig contains microphone capture parameters
type CaptureConfig struct {
	Mode                string `yaml:"mode"`     // auto or manual
	Recorder            string `yaml:"recorder"` // auto, arecord or ffmpeg
	Command             string `yaml:"command"`  // shell command writing s16le to stdout
	Device              string `yaml:"device"`
	SampleRate          int    `yaml:"sample_rate"`
	Channels            int    `yaml:"channels"`
	BlockSize           int    `yaml:"block_size"` // samples per channel per frame
	QueueSize           int    `yaml:"queue_size"`
	PollTimeoutMs       int    `yaml:"poll_timeout_ms"`
	ManualPollTimeoutMs int    `yaml:"manual_poll_timeout_ms"`
}

// VADConfig contains energy gate thresholds and timings
type VADConfig struct {
	StartThreshold     float64 `yaml:"start_threshold"`
	StopThreshold      float64 `yaml:"stop_threshold"`
	MinSpeechMs        int     `yaml:"min_speech_ms"`
	TrailingSilenceMs  int     `yaml:"trailing_silence_ms"`
	MaxSeconds         float64 `yaml:"max_seconds"`
	IdleTimeoutSeconds float64 `yaml:"idle_timeout_seconds"` // 0 means max_seconds
}

// PlaybackConfig contains player selection
type PlaybackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Stream     bool   `yaml:"stream"`
	Player     string `yaml:"player"`  // auto, ffplay, afplay, mpg123 or aplay
	Command    string `yaml:"command"` // shell player reading stdin, or the file in $1
	PiMode     bool   `yaml:"pi_mode"`
	ALSADevice string `yaml:"alsa_device"`
	SpoolDir   string `yaml:"spool_dir"`
	BufferSize int    `yaml:"buffer_size"`
	Cues       bool   `yaml:"cues"`
}

// DemuxConfig contains multipart decoding settings
type DemuxConfig struct {
	Strategy       string `yaml:"strategy"` // auto, stream or split
	MaxBufferBytes int64  `yaml:"max_buffer_bytes"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains the local status server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:       "http://127.0.0.1:8787",
			Session:       "mic",
			Voice:         "Joanna",
			LLMModel:      "gemini-2.0-flash",
			Return:        "llm_tts",
			Timeout:       60,
			MaxRetries:    2,
			MaxConcurrent: 4,
		},
		Capture: CaptureConfig{
			Mode:                "auto",
			Recorder:            "auto",
			SampleRate:          16000,
			Channels:            1,
			BlockSize:           1024,
			QueueSize:           64,
			PollTimeoutMs:       500,
			ManualPollTimeoutMs: 100,
		},
		VAD: VADConfig{
			StartThreshold:    0.02,
			StopThreshold:     0.01,
			MinSpeechMs:       150,
			TrailingSilenceMs: 700,
			MaxSeconds:        15,
		},
		Playback: PlaybackConfig{
			Enabled:    true,
			Stream:     true,
			Player:     "auto",
			ALSADevice: "plughw:1,0",
			BufferSize: 32 * 1024,
		},
		Demux: DemuxConfig{
			Strategy:       "auto",
			MaxBufferBytes: 64 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    9464,
		},
	}
}

// Load reads a configuration file over the defaults and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides settings from the environment
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		c.Server.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSession)); v != "" {
		c.Server.Session = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := c.Demux.Validate(); err != nil {
		return fmt.Errorf("demux config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
		return fmt.Errorf("base_url must start with http:// or https://, got '%s'", s.BaseURL)
	}

	validReturns := map[string]bool{"original": true, "tts": true, "none": true, "llm_tts": true}
	if !validReturns[s.Return] {
		return fmt.Errorf("return must be one of [original, tts, none, llm_tts], got '%s'", s.Return)
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
	}

	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	return nil
}

// Validate validates capture configuration
func (a *CaptureConfig) Validate() error {
	if a.Mode != "auto" && a.Mode != "manual" {
		return fmt.Errorf("mode must be 'auto' or 'manual', got '%s'", a.Mode)
	}

	validRecorders := map[string]bool{"auto": true, "arecord": true, "ffmpeg": true}
	if !validRecorders[a.Recorder] {
		return fmt.Errorf("recorder must be one of [auto, arecord, ffmpeg], got '%s'", a.Recorder)
	}

	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}

	if a.BlockSize < 64 || a.BlockSize > 16384 {
		return fmt.Errorf("block_size must be between 64 and 16384 samples, got %d", a.BlockSize)
	}

	if a.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", a.QueueSize)
	}

	if a.PollTimeoutMs < 10 {
		return fmt.Errorf("poll_timeout_ms must be at least 10, got %d", a.PollTimeoutMs)
	}

	if a.ManualPollTimeoutMs < 10 {
		return fmt.Errorf("manual_poll_timeout_ms must be at least 10, got %d", a.ManualPollTimeoutMs)
	}

	return nil
}

// Validate validates VAD configuration. The stop threshold may not exceed
// the start threshold.
func (v *VADConfig) Validate() error {
	if v.StartThreshold <= 0 || v.StartThreshold > 1 {
		return fmt.Errorf("start_threshold must be in (0, 1], got %f", v.StartThreshold)
	}

	if v.StopThreshold <= 0 || v.StopThreshold > v.StartThreshold {
		return fmt.Errorf("stop_threshold must be in (0, start_threshold=%f], got %f", v.StartThreshold, v.StopThreshold)
	}

	if v.MinSpeechMs < 0 {
		return fmt.Errorf("min_speech_ms cannot be negative, got %d", v.MinSpeechMs)
	}

	if v.TrailingSilenceMs <= 0 {
		return fmt.Errorf("trailing_silence_ms must be positive, got %d", v.TrailingSilenceMs)
	}

	if v.MaxSeconds*1000 <= float64(v.MinSpeechMs) {
		return fmt.Errorf("max_seconds (%f) must exceed min_speech_ms (%d)", v.MaxSeconds, v.MinSpeechMs)
	}

	if v.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idle_timeout_seconds cannot be negative, got %f", v.IdleTimeoutSeconds)
	}

	return nil
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	validPlayers := map[string]bool{"auto": true, "ffplay": true, "afplay": true, "mpg123": true, "aplay": true}
	if !validPlayers[p.Player] {
		return fmt.Errorf("player must be one of [auto, ffplay, afplay, mpg123, aplay], got '%s'", p.Player)
	}

	if p.BufferSize < 512 {
		return fmt.Errorf("buffer_size must be at least 512 bytes, got %d", p.BufferSize)
	}

	if p.SpoolDir != "" {
		info, err := os.Stat(p.SpoolDir)
		if err != nil {
			return fmt.Errorf("spool_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("spool_dir is not a directory: %s", p.SpoolDir)
		}
	}

	return nil
}

// Validate validates demux configuration
func (d *DemuxConfig) Validate() error {
	validStrategies := map[string]bool{"auto": true, "stream": true, "split": true}
	if !validStrategies[d.Strategy] {
		return fmt.Errorf("strategy must be one of [auto, stream, split], got '%s'", d.Strategy)
	}

	if d.MaxBufferBytes < 1024 {
		return fmt.Errorf("max_buffer_bytes must be at least 1024, got %d", d.MaxBufferBytes)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", m.Port)
		}

		if m.Address == "" {
			return fmt.Errorf("address cannot be empty when metrics are enabled")
		}
	}

	return nil
}

// GetTimeoutDuration returns the server timeout as a time.Duration
func (s *ServerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetPollTimeout returns the auto mode queue poll timeout
func (a *CaptureConfig) GetPollTimeout() time.Duration {
	return time.Duration(a.PollTimeoutMs) * time.Millisecond
}

// GetManualPollTimeout returns the manual mode queue poll timeout
func (a *CaptureConfig) GetManualPollTimeout() time.Duration {
	return time.Duration(a.ManualPollTimeoutMs) * time.Millisecond
}

// GetMinSpeech returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeech() time.Duration {
	return time.Duration(v.MinSpeechMs) * time.Millisecond
}

// GetTrailingSilence returns the trailing silence duration as a time.Duration
func (v *VADConfig) GetTrailingSilence() time.Duration {
	return time.Duration(v.TrailingSilenceMs) * time.Millisecond
}

// GetMaxDuration returns the hard capture cap as a time.Duration
func (v *VADConfig) GetMaxDuration() time.Duration {
	return time.Duration(v.MaxSeconds * float64(time.Second))
}

// GetIdleTimeout returns how long to wait for speech onset
func (v *VADConfig) GetIdleTimeout() time.Duration {
	if v.IdleTimeoutSeconds <= 0 {
		return v.GetMaxDuration()
	}
	return time.Duration(v.IdleTimeoutSeconds * float64(time.Second))
}

// GateConfig builds the energy gate configuration for a capture session
func (c *Config) GateConfig() vad.Config {
	return vad.Config{
		SampleRate:      c.Capture.SampleRate,
		Channels:        c.Capture.Channels,
		StartThreshold:  c.VAD.StartThreshold,
		StopThreshold:   c.VAD.StopThreshold,
		MinSpeech:       c.VAD.GetMinSpeech(),
		TrailingSilence: c.VAD.GetTrailingSilence(),
		MaxDuration:     c.VAD.GetMaxDuration(),
		IdleTimeout:     c.VAD.GetIdleTimeout(),
	}
}
