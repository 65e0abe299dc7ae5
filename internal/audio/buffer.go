package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrFrozen is returned when appending to an utterance that was already
// handed to the encoder.
var ErrFrozen = errors.New("utterance is frozen")

// Frame is a fixed-size block of signed 16-bit PCM samples as delivered by a
// capture device. Timestamp is the arrival time stamped by the source.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

// Duration returns the playback duration of the frame
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// FrameFromBytes builds a frame from little-endian PCM-16 bytes. A trailing
// odd byte is ignored.
func FrameFromBytes(raw []byte, sampleRate, channels int, ts time.Time) Frame {
	return Frame{
		Samples:    BytesToSamples(raw),
		SampleRate: sampleRate,
		Channels:   channels,
		Timestamp:  ts,
	}
}

// BytesToSamples converts little-endian PCM-16 bytes to samples
func BytesToSamples(raw []byte) []int16 {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts samples to little-endian PCM-16 bytes
func SamplesToBytes(samples []int16) []byte {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		raw[i*2] = byte(s)
		raw[i*2+1] = byte(uint16(s) >> 8)
	}
	return raw
}

// Utterance accumulates admitted frames in arrival order. It is append-only
// and owned by a single capture session; it is not safe for concurrent use.
type Utterance struct {
	sampleRate int
	channels   int

	samples []int16
	frames  int
	frozen  bool

	firstFrame time.Time
	lastFrame  time.Time
}

// UtteranceStats summarizes an utterance for logging and status output
type UtteranceStats struct {
	Frames     int           `json:"frames"`
	Samples    int           `json:"samples"`
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Frozen     bool          `json:"frozen"`
}

// NewUtterance creates an empty utterance for the given format
func NewUtterance(sampleRate, channels int) *Utterance {
	return &Utterance{
		sampleRate: sampleRate,
		channels:   channels,
		samples:    make([]int16, 0, sampleRate*2), // Pre-allocate for 2 seconds of mono audio
	}
}

// Append adds a frame's samples to the end of the utterance
func (u *Utterance) Append(f Frame) error {
	if u.frozen {
		return ErrFrozen
	}

	if f.SampleRate != 0 && f.SampleRate != u.sampleRate {
		return fmt.Errorf("frame sample rate %d does not match utterance rate %d", f.SampleRate, u.sampleRate)
	}

	if f.Channels != 0 && f.Channels != u.channels {
		return fmt.Errorf("frame channel count %d does not match utterance channels %d", f.Channels, u.channels)
	}

	if u.frames == 0 {
		u.firstFrame = f.Timestamp
	}
	u.lastFrame = f.Timestamp
	u.samples = append(u.samples, f.Samples...)
	u.frames++

	return nil
}

// Freeze marks the utterance as complete; further appends fail
func (u *Utterance) Freeze() {
	u.frozen = true
}

// Frozen reports whether Freeze was called
func (u *Utterance) Frozen() bool {
	return u.frozen
}

// Empty reports whether no samples were admitted
func (u *Utterance) Empty() bool {
	return u == nil || len(u.samples) == 0
}

// Len returns the number of samples (all channels)
func (u *Utterance) Len() int {
	if u == nil {
		return 0
	}
	return len(u.samples)
}

// Frames returns the number of appended frames
func (u *Utterance) Frames() int {
	if u == nil {
		return 0
	}
	return u.frames
}

// SampleRate returns the utterance sample rate in Hz
func (u *Utterance) SampleRate() int {
	return u.sampleRate
}

// Channels returns the utterance channel count
func (u *Utterance) Channels() int {
	return u.channels
}

// Samples returns a copy of the accumulated samples
func (u *Utterance) Samples() []int16 {
	if u == nil {
		return nil
	}
	out := make([]int16, len(u.samples))
	copy(out, u.samples)
	return out
}

// Duration returns the audio duration represented by the samples
func (u *Utterance) Duration() time.Duration {
	if u == nil || u.sampleRate <= 0 || u.channels <= 0 {
		return 0
	}
	perChannel := len(u.samples) / u.channels
	return time.Duration(perChannel) * time.Second / time.Duration(u.sampleRate)
}

// EncodeWAV freezes the utterance and serializes it to a WAV container
func (u *Utterance) EncodeWAV() ([]byte, error) {
	if u.Empty() {
		return nil, fmt.Errorf("cannot encode empty utterance")
	}
	u.Freeze()
	return EncodeWAV(u.samples, u.sampleRate, u.channels)
}

// GetStats returns current utterance statistics
func (u *Utterance) GetStats() UtteranceStats {
	return UtteranceStats{
		Frames:     u.Frames(),
		Samples:    u.Len(),
		Duration:   u.Duration(),
		SampleRate: u.sampleRate,
		Channels:   u.channels,
		Frozen:     u.frozen,
	}
}
