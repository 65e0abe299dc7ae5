package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prbodas/pillow-endpoint/internal/capture"
	"github.com/prbodas/pillow-endpoint/internal/client"
	"github.com/prbodas/pillow-endpoint/internal/demux"
	"github.com/prbodas/pillow-endpoint/internal/metrics"
	"github.com/prbodas/pillow-endpoint/internal/playback"
)

// maxTextBody bounds a non-audio, non-multipart reply shown to the user
const maxTextBody = 1 << 20

// Config contains the controller configuration
type Config struct {
	Capture capture.Options
	Turn    client.TurnOptions
	Demux   demux.Options

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Controller runs conversation turns against the voice server. Turns are
// serialized; only one capture session is active at a time.
type Controller struct {
	config Config
	client *client.Client
	bridge *playback.Bridge
	source capture.Source
	out    io.Writer
	logger *slog.Logger

	turnMu sync.Mutex

	// Statistics and mutable conversation settings
	turn  client.TurnOptions
	stats Stats
	mu    sync.RWMutex
}

// Stats represents conversation statistics
type Stats struct {
	Turns          uint64    `json:"turns"`
	EmptyTurns     uint64    `json:"empty_turns"`
	FailedTurns    uint64    `json:"failed_turns"`
	AudioReplies   uint64    `json:"audio_replies"`
	TruncatedReply uint64    `json:"truncated_replies"`
	LastTranscript string    `json:"last_transcript,omitempty"`
	LastReply      string    `json:"last_reply,omitempty"`
	LastTurnAt     time.Time `json:"last_turn_at,omitempty"`
	Voice          string    `json:"voice"`
	Session        string    `json:"session"`

	Client client.ClientStats `json:"client"`
}

// TurnResult is the outcome of one exchange with the server
type TurnResult struct {
	Capture       capture.Result
	Metadata      *client.Metadata
	UserText      string
	AssistantText string

	// AudioPaths lists spooled reply files; streamed audio leaves none
	AudioPaths []string
	AudioParts int

	// Text holds a reply body that was neither audio nor multipart
	Text  string
	Demux demux.Stats
}

// NoSpeech reports whether the capture ended without an utterance
func (r *TurnResult) NoSpeech() bool {
	return r.Capture.Empty() && r.Metadata == nil && r.AudioParts == 0 && r.Text == ""
}

// NewController creates a conversation controller. source may be nil when
// only text and file turns are used.
func NewController(config Config, c *client.Client, bridge *playback.Bridge, source capture.Source, out io.Writer) (*Controller, error) {
	if c == nil {
		return nil, errors.New("client cannot be nil")
	}
	if bridge == nil {
		return nil, errors.New("playback bridge cannot be nil")
	}
	if err := config.Capture.Gate.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}
	if out == nil {
		out = io.Discard
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Capture.Logger == nil {
		config.Capture.Logger = config.Logger
	}
	if config.Capture.Metrics == nil {
		config.Capture.Metrics = config.Metrics
	}
	if config.Demux.Logger == nil {
		config.Demux.Logger = config.Logger
	}
	if config.Demux.Metrics == nil {
		config.Demux.Metrics = config.Metrics
	}

	return &Controller{
		config: config,
		client: c,
		bridge: bridge,
		source: source,
		out:    out,
		logger: config.Logger,
		turn:   config.Turn,
	}, nil
}

// Turn records one utterance, sends it and plays the reply. stop ends a
// manual capture. A capture without speech returns a result for which
// NoSpeech is true and a nil error.
func (c *Controller) Turn(ctx context.Context, stop <-chan struct{}) (*TurnResult, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if c.source == nil {
		return nil, capture.ErrNoSource
	}

	session, err := capture.NewSession(c.config.Capture)
	if err != nil {
		return nil, err
	}

	c.bridge.Cue(ctx, "Listening")
	captured, err := session.Record(ctx, c.source, stop)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	if captured.Empty() {
		c.mu.Lock()
		c.stats.Turns++
		c.stats.EmptyTurns++
		c.stats.LastTurnAt = time.Now()
		c.mu.Unlock()
		return &TurnResult{Capture: captured}, nil
	}
	c.bridge.Cue(ctx, "Got it")

	wav, err := captured.Utterance.EncodeWAV()
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("failed to encode utterance: %w", err)
	}
	c.config.Metrics.RecordUtteranceEncoded(len(wav))

	c.logger.Debug("Sending utterance",
		slog.Int("bytes", len(wav)),
		slog.Duration("audio", captured.Utterance.Duration()),
		slog.String("reason", captured.Reason.String()),
	)

	resp, err := c.client.Transcribe(ctx, wav, "audio/wav", c.turnOptions())
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	result, err := c.handleResponse(ctx, resp)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	result.Capture = captured
	c.recordTurn(result)
	return result, nil
}

// SubmitFile sends an existing audio file instead of a recording
func (c *Controller) SubmitFile(ctx context.Context, path string) (*TurnResult, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	resp, err := c.client.SubmitFile(ctx, path, c.turnOptions())
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	return c.finish(ctx, resp)
}

// SendText sends a typed message and plays the spoken reply
func (c *Controller) SendText(ctx context.Context, text string) (*TurnResult, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	resp, err := c.client.SpeakText(ctx, text, c.turnOptions())
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	return c.finish(ctx, resp)
}

func (c *Controller) finish(ctx context.Context, resp *http.Response) (*TurnResult, error) {
	result, err := c.handleResponse(ctx, resp)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	c.recordTurn(result)
	return result, nil
}

// Reset clears the server-side conversation history
func (c *Controller) Reset(ctx context.Context) error {
	return c.client.Reset(ctx, c.turnOptions())
}

// SetVoice changes the reply voice for later turns
func (c *Controller) SetVoice(voice string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turn.Voice = voice
}

// Voice returns the current reply voice
func (c *Controller) Voice() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turn.Voice
}

func (c *Controller) turnOptions() client.TurnOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turn
}

// handleResponse routes a reply by content type: multipart bodies are
// demultiplexed with audio parts streamed to sinks, bare audio goes to a
// sink, and anything else is kept as text
func (c *Controller) handleResponse(ctx context.Context, resp *http.Response) (*TurnResult, error) {
	defer resp.Body.Close()

	result := &TurnResult{}
	contentType := resp.Header.Get("Content-Type")

	switch {
	case demux.IsMultipart(contentType):
		stats, err := demux.Decode(resp.Header, resp.Body, c.handlers(ctx, result), c.config.Demux)
		result.Demux = stats
		if err != nil {
			return nil, fmt.Errorf("failed to decode reply: %w", err)
		}
		if stats.Truncated {
			c.logger.Warn("Reply ended early, keeping decoded parts",
				slog.Int("parts", stats.Parts),
				slog.String("cause", fmt.Sprint(stats.Cause)),
			)
		}

	case demux.Classify(contentType) == demux.KindAudio:
		path, err := c.bridge.Play(ctx, contentType, resp.Body)
		if path != "" {
			result.AudioPaths = append(result.AudioPaths, path)
		}
		result.AudioParts = 1
		if err != nil {
			c.logger.Warn("Audio playback failed", slog.String("error", err.Error()))
		}

	default:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxTextBody))
		if err != nil {
			return nil, fmt.Errorf("failed to read reply: %w", err)
		}
		result.Text = strings.TrimSpace(string(body))

		if demux.Classify(contentType) == demux.KindJSON {
			var meta client.Metadata
			if err := json.Unmarshal(body, &meta); err == nil {
				result.Metadata = &meta
			}
		}
	}

	if result.Metadata != nil {
		result.UserText = result.Metadata.UserText()
		result.AssistantText = result.Metadata.AssistantText()
	}
	return result, nil
}

func (c *Controller) handlers(ctx context.Context, result *TurnResult) demux.Handlers {
	return demux.Handlers{
		JSON: func(body []byte) error {
			if result.Metadata != nil {
				return nil
			}
			var meta client.Metadata
			if err := json.Unmarshal(body, &meta); err != nil {
				return fmt.Errorf("invalid metadata: %w", err)
			}
			result.Metadata = &meta
			return nil
		},
		Audio: func(contentType string, body io.Reader) error {
			// Only the first audio part of a reply is played
			if result.AudioParts > 0 {
				c.logger.Debug("Ignoring extra audio part", slog.String("content_type", contentType))
				return nil
			}

			sink, err := c.bridge.Open(ctx, contentType)
			if err != nil {
				return err
			}

			if _, err := io.Copy(sink, body); err != nil {
				if abortErr := sink.Abort(); abortErr != nil {
					c.logger.Warn("Failed to discard partial audio", slog.String("error", abortErr.Error()))
				}
				return err
			}

			result.AudioParts++
			closeErr := sink.Close()
			if path := sink.Path(); path != "" {
				result.AudioPaths = append(result.AudioPaths, path)
			}
			if closeErr != nil {
				c.logger.Warn("Audio playback failed", slog.String("error", closeErr.Error()))
			}
			return nil
		},
	}
}

func (c *Controller) recordTurn(result *TurnResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Turns++
	c.stats.LastTurnAt = time.Now()
	if result.AudioParts > 0 {
		c.stats.AudioReplies++
	}
	if result.Demux.Truncated {
		c.stats.TruncatedReply++
	}
	if result.UserText != "" {
		c.stats.LastTranscript = result.UserText
	}
	if result.AssistantText != "" {
		c.stats.LastReply = result.AssistantText
	}
}

func (c *Controller) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Turns++
	c.stats.FailedTurns++
	c.stats.LastTurnAt = time.Now()
}

// GetStats returns current conversation statistics
func (c *Controller) GetStats() Stats {
	c.mu.RLock()
	stats := c.stats
	stats.Voice = c.turn.Voice
	stats.Session = c.turn.Session
	c.mu.RUnlock()

	stats.Client = c.client.GetStats()
	return stats
}
