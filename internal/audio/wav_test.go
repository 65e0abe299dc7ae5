package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func sineSamples(sampleRate int, duration, frequency float64) []int16 {
	numSamples := int(float64(sampleRate) * duration)
	samples := make([]int16, numSamples)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(16383.0 * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}

func TestEncodeWAV(t *testing.T) {
	sampleRate := 16000
	samples := sineSamples(sampleRate, 0.1, 440.0)

	wavData, err := EncodeWAV(samples, sampleRate, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	expectedSize := 44 + len(samples)*2
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("Failed to get WAV info: %v", err)
	}

	if info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}

	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}

	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", info.BitsPerSample)
	}

	if info.DataOffset != 44 {
		t.Errorf("Expected data offset 44, got %d", info.DataOffset)
	}

	expectedDuration := float64(len(samples)) / float64(sampleRate)
	if math.Abs(info.Duration-expectedDuration) > 0.001 {
		t.Errorf("Expected duration %.3f, got %.3f", expectedDuration, info.Duration)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := []int16{0, 1, -1, 32767, -32768, 1234, -4321, 100, -200, 300}

	for _, rate := range []int{8000, 16000, 44100} {
		wavData, err := EncodeWAV(original, rate, 1)
		if err != nil {
			t.Fatalf("EncodeWAV(%d) failed: %v", rate, err)
		}

		decoded, info, err := DecodeWAV(wavData)
		if err != nil {
			t.Fatalf("DecodeWAV(%d) failed: %v", rate, err)
		}

		if int(info.SampleRate) != rate {
			t.Errorf("Expected sample rate %d, got %d", rate, info.SampleRate)
		}

		if len(decoded) != len(original) {
			t.Fatalf("Expected %d samples, got %d", len(original), len(decoded))
		}

		for i := range original {
			if decoded[i] != original[i] {
				t.Errorf("Sample %d: expected %d, got %d", i, original[i], decoded[i])
			}
		}
	}
}

func TestEncodeWAVDeterministic(t *testing.T) {
	samples := sineSamples(16000, 0.05, 220.0)

	first, err := EncodeWAV(samples, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	second, err := EncodeWAV(samples, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("Expected byte-identical output for identical samples")
	}
}

func TestEncodeWAVHeaderLayout(t *testing.T) {
	wavData, err := EncodeWAV([]int16{1, 2, 3, 4}, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if got := string(wavData[0:4]); got != "RIFF" {
		t.Errorf("Expected RIFF, got %q", got)
	}
	if got := binary.LittleEndian.Uint32(wavData[4:8]); got != 36+8 {
		t.Errorf("Expected chunk size 44, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(wavData[28:32]); got != 32000 {
		t.Errorf("Expected byte rate 32000, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(wavData[32:34]); got != 2 {
		t.Errorf("Expected block align 2, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(wavData[40:44]); got != 8 {
		t.Errorf("Expected data size 8, got %d", got)
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	tests := []struct {
		name       string
		samples    []int16
		sampleRate int
		channels   int
	}{
		{name: "empty samples", samples: nil, sampleRate: 16000, channels: 1},
		{name: "zero sample rate", samples: []int16{1}, sampleRate: 0, channels: 1},
		{name: "zero channels", samples: []int16{1}, sampleRate: 16000, channels: 0},
		{name: "uneven stereo", samples: []int16{1, 2, 3}, sampleRate: 16000, channels: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.samples, tt.sampleRate, tt.channels); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestGetWAVInfoSkipsExtraChunks(t *testing.T) {
	samples := []int16{10, 20, 30}
	canonical, err := EncodeWAV(samples, 8000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// Insert a LIST chunk with an odd size between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	var withList []byte
	withList = append(withList, canonical[:36]...)
	withList = append(withList, list...)
	withList = append(withList, canonical[36:]...)

	decoded, info, err := DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if info.DataOffset != 44+len(list) {
		t.Errorf("Expected data offset %d, got %d", 44+len(list), info.DataOffset)
	}

	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestValidateWAVInvalid(t *testing.T) {
	valid, err := EncodeWAV([]int16{1, 2, 3, 4}, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	tests := []struct {
		name string
		data func() []byte
	}{
		{name: "too short", data: func() []byte { return valid[:20] }},
		{name: "bad riff", data: func() []byte {
			d := append([]byte(nil), valid...)
			copy(d[0:4], "RIFX")
			return d
		}},
		{name: "bad wave", data: func() []byte {
			d := append([]byte(nil), valid...)
			copy(d[8:12], "WAVX")
			return d
		}},
		{name: "non pcm", data: func() []byte {
			d := append([]byte(nil), valid...)
			binary.LittleEndian.PutUint16(d[20:22], 3)
			return d
		}},
		{name: "truncated data", data: func() []byte {
			d := append([]byte(nil), valid...)
			binary.LittleEndian.PutUint32(d[40:44], 1000)
			return d
		}},
		{name: "sub-byte bit depth", data: func() []byte {
			d := append([]byte(nil), valid...)
			binary.LittleEndian.PutUint16(d[34:36], 4)
			return d
		}},
		{name: "odd bit depth", data: func() []byte {
			d := append([]byte(nil), valid...)
			binary.LittleEndian.PutUint16(d[34:36], 12)
			return d
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateWAV(tt.data()); err == nil {
				t.Error("Expected validation error but got none")
			}
			if _, err := GetWAVDuration(tt.data()); err == nil {
				t.Error("Expected duration error but got none")
			}
		})
	}
}

func TestGetWAVDuration(t *testing.T) {
	samples := make([]int16, 16000)
	wavData, err := EncodeWAV(samples, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	duration, err := GetWAVDuration(wavData)
	if err != nil {
		t.Fatalf("GetWAVDuration failed: %v", err)
	}

	if math.Abs(duration-1.0) > 0.0001 {
		t.Errorf("Expected duration 1.0, got %f", duration)
	}
}
