package demux

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// AudioPart is a buffered binary part with its declared content type
type AudioPart struct {
	ContentType string
	Data        []byte
}

// Envelope collects the parts of one response: at most one metadata part
// and one audio part. The first part of each kind wins; extras are ignored.
type Envelope struct {
	Metadata json.RawMessage
	Audio    *AudioPart
	Stats    Stats
}

// Handlers returns handlers that fill the envelope. Audio bodies are
// buffered in memory.
func (e *Envelope) Handlers() Handlers {
	return Handlers{
		JSON: func(body []byte) error {
			if !json.Valid(body) {
				return errors.New("invalid JSON")
			}
			if e.Metadata == nil {
				e.Metadata = append(json.RawMessage(nil), body...)
			}
			return nil
		},
		Audio: func(contentType string, body io.Reader) error {
			data, err := io.ReadAll(body)
			if err != nil {
				return err
			}
			if e.Audio == nil {
				e.Audio = &AudioPart{ContentType: contentType, Data: data}
			}
			return nil
		},
	}
}

// DecodeMetadata unmarshals the metadata part into v
func (e *Envelope) DecodeMetadata(v any) error {
	if e.Metadata == nil {
		return errors.New("no metadata part")
	}
	if err := json.Unmarshal(e.Metadata, v); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	return nil
}

// Collect demultiplexes a response into a buffered Envelope
func Collect(h http.Header, body io.Reader, opts Options) (*Envelope, error) {
	env := &Envelope{}
	stats, err := Decode(h, body, env.Handlers(), opts)
	env.Stats = stats
	if err != nil {
		return nil, err
	}
	return env, nil
}

// CollectBytes splits an already buffered body into an Envelope
func CollectBytes(boundary string, data []byte, opts Options) (*Envelope, error) {
	env := &Envelope{}
	stats, err := Split(boundary, data, env.Handlers(), opts)
	env.Stats = stats
	if err != nil {
		return nil, err
	}
	return env, nil
}
