package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReturnMode selects what /transcribe sends back
type ReturnMode string

const (
	ReturnOriginal ReturnMode = "original" // transcript JSON plus the submitted audio
	ReturnTTS      ReturnMode = "tts"      // transcript JSON plus the transcript spoken back
	ReturnNone     ReturnMode = "none"     // transcript JSON only
	ReturnLLMTTS   ReturnMode = "llm_tts"  // transcript, assistant reply and reply audio
)

// ParseReturnMode parses a return mode name
func ParseReturnMode(s string) (ReturnMode, error) {
	switch m := ReturnMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ReturnOriginal, ReturnTTS, ReturnNone, ReturnLLMTTS:
		return m, nil
	case "":
		return ReturnLLMTTS, nil
	default:
		return "", fmt.Errorf("unknown return mode: %q", s)
	}
}

// TurnOptions are the conversation parameters sent with each request.
// Empty values are omitted from the query string.
type TurnOptions struct {
	Return   ReturnMode
	Voice    string
	Session  string
	LLMModel string
	System   string
	Debug    bool
}

func (o TurnOptions) query(withReturn bool) url.Values {
	q := url.Values{}
	if withReturn {
		mode := o.Return
		if mode == "" {
			mode = ReturnLLMTTS
		}
		q.Set("return", string(mode))
	}
	setIf(q, "voice", o.Voice)
	setIf(q, "session", o.Session)
	setIf(q, "llm_model", o.LLMModel)
	setIf(q, "system", o.System)
	if o.Debug {
		q.Set("debug", "1")
	}
	return q
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

// Transcribe posts recorded audio to /transcribe. The response is usually
// multipart/mixed; the caller must close its body.
func (c *Client) Transcribe(ctx context.Context, audio []byte, contentType string, opts TurnOptions) (*http.Response, error) {
	if contentType == "" {
		contentType = "audio/wav"
	}
	return c.do(ctx, request{
		endpoint:    "transcribe",
		method:      http.MethodPost,
		path:        "/transcribe",
		query:       opts.query(true),
		body:        audio,
		contentType: contentType,
		accept:      "multipart/mixed, application/json, audio/*",
	})
}

// SpeakAudio posts recorded audio to /llm_tts and returns the spoken reply
func (c *Client) SpeakAudio(ctx context.Context, wav []byte, opts TurnOptions) (*http.Response, error) {
	return c.do(ctx, request{
		endpoint:    "llm_tts",
		method:      http.MethodPost,
		path:        "/llm_tts",
		query:       opts.query(false),
		body:        wav,
		contentType: "audio/wav",
		accept:      "multipart/mixed, audio/*",
	})
}

type speakTextRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Session  string `json:"session,omitempty"`
	LLMModel string `json:"llm_model,omitempty"`
	System   string `json:"system,omitempty"`
}

// SpeakText posts a typed message to /llm_tts and returns the spoken reply
func (c *Client) SpeakText(ctx context.Context, text string, opts TurnOptions) (*http.Response, error) {
	payload, err := json.Marshal(speakTextRequest{
		Text:     text,
		Voice:    opts.Voice,
		Session:  opts.Session,
		LLMModel: opts.LLMModel,
		System:   opts.System,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	q := url.Values{}
	if opts.Debug {
		q.Set("debug", "1")
	}
	return c.do(ctx, request{
		endpoint:    "llm_tts",
		method:      http.MethodPost,
		path:        "/llm_tts",
		query:       q,
		body:        payload,
		contentType: "application/json",
		accept:      "multipart/mixed, audio/*",
	})
}

// SubmitFile posts an audio file from disk to /transcribe
func (c *Client) SubmitFile(ctx context.Context, path string, opts TurnOptions) (*http.Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}
	return c.Transcribe(ctx, data, ContentTypeForFile(path), opts)
}

// ContentTypeForFile guesses an upload content type from the extension
func ContentTypeForFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// ChatReply is the /llm response
type ChatReply struct {
	OK    *bool  `json:"ok,omitempty"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`

	// Raw keeps the full response for display in debug mode
	Raw json.RawMessage `json:"-"`
}

type chatRequest struct {
	Text string `json:"text"`
}

// Chat sends a text message to /llm
func (c *Client) Chat(ctx context.Context, text string, opts TurnOptions) (*ChatReply, error) {
	return c.chat(ctx, text, opts, false)
}

// Reset clears the server-side history of the session
func (c *Client) Reset(ctx context.Context, opts TurnOptions) error {
	_, err := c.chat(ctx, "", opts, true)
	return err
}

func (c *Client) chat(ctx context.Context, text string, opts TurnOptions, reset bool) (*ChatReply, error) {
	payload, err := json.Marshal(chatRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	q := opts.query(false)
	q.Del("voice")
	if reset {
		q.Set("reset", "1")
	}

	resp, err := c.do(ctx, request{
		endpoint:    "llm",
		method:      http.MethodPost,
		path:        "/llm",
		query:       q,
		body:        payload,
		contentType: "application/json",
		accept:      "application/json",
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	reply := &ChatReply{Raw: body}
	if err := json.Unmarshal(body, reply); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return reply, nil
}

// TTSRequest selects a /tts rendering. Part, Chunk and Gap only apply to
// streamed responses; zero values are omitted.
type TTSRequest struct {
	Text   string
	Voice  string
	Stream bool
	Part   int
	Chunk  int // server-side chunk size in bytes
	Gap    int // server-side delay between chunks in milliseconds
}

// TTS fetches synthesized speech. The caller must close the body.
func (c *Client) TTS(ctx context.Context, req TTSRequest) (*http.Response, error) {
	q := url.Values{}
	q.Set("stream", strconv.FormatBool(req.Stream))
	setIf(q, "text", req.Text)
	setIf(q, "voice", req.Voice)
	if req.Stream {
		if req.Part > 0 {
			q.Set("part", strconv.Itoa(req.Part))
		}
		if req.Chunk > 0 {
			q.Set("chunk", strconv.Itoa(req.Chunk))
		}
		if req.Gap > 0 {
			q.Set("gap", strconv.Itoa(req.Gap))
		}
	}

	return c.do(ctx, request{
		endpoint: "tts",
		method:   http.MethodGet,
		path:     "/tts",
		query:    q,
		accept:   "audio/*",
	})
}
