package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/prbodas/pillow-endpoint/internal/metrics"
)

// DefaultBufferSize bounds how much audio a PipeSink holds before Write
// blocks on the player
const DefaultBufferSize = 32 * 1024

// Sink kinds, as reported to metrics
const (
	SinkPipe     = "pipe"
	SinkFile     = "file"
	SinkSaveOnly = "save_only"
)

// Options configures a Bridge
type Options struct {
	// Players in preference order, usually from Detect. Empty means
	// save-only.
	Players []Player

	// Stream plays audio while it is still arriving when a player can
	// read stdin; otherwise audio is spooled and played after transfer
	Stream bool

	SpoolDir   string
	BufferSize int

	// Cues speaks short prompts through the say program when installed
	Cues bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// LookPath resolves the cue program; defaults to exec.LookPath
	LookPath func(string) (string, error)
}

// Bridge opens sinks for audio parts, choosing between streaming into a
// player, spooling and playing, and saving only
type Bridge struct {
	opts   Options
	logger *slog.Logger
	say    string
}

// NewBridge creates a Bridge
func NewBridge(opts Options) *Bridge {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}

	b := &Bridge{opts: opts, logger: opts.Logger}
	if opts.Cues {
		if path, err := opts.LookPath("say"); err == nil {
			b.say = path
		}
	}
	return b
}

// Players returns the players the bridge chooses from
func (b *Bridge) Players() []Player {
	return b.opts.Players
}

// Open returns a sink for one audio part. It only fails when the spool
// file cannot be created; a missing player degrades to save-only.
func (b *Bridge) Open(ctx context.Context, contentType string) (Sink, error) {
	if b.opts.Stream {
		for _, p := range b.opts.Players {
			if !p.CanStream(contentType) {
				continue
			}
			sink, err := NewPipeSink(ctx, p, b.opts.BufferSize, b.opts.Metrics)
			if err != nil {
				b.opts.Metrics.RecordPlayerError(p.Name)
				b.logger.Warn("Failed to start streaming player, spooling instead",
					slog.String("player", p.String()),
					slog.String("error", err.Error()),
				)
				break
			}
			b.opts.Metrics.RecordSinkOpened(SinkPipe)
			b.logger.Debug("Streaming audio to player",
				slog.String("player", p.String()),
				slog.String("content_type", contentType),
			)
			return sink, nil
		}
	}

	for _, p := range b.opts.Players {
		if !p.Supports(contentType) {
			continue
		}
		player := p
		play := func(path string) error {
			b.logger.Debug("Playing spooled audio",
				slog.String("player", player.String()),
				slog.String("path", path),
			)
			if err := playFile(ctx, player, path); err != nil {
				b.opts.Metrics.RecordPlayerError(player.Name)
				return fmt.Errorf("playback of %s failed: %w", path, err)
			}
			return nil
		}
		sink, err := NewFileSink(b.opts.SpoolDir, contentType, play, b.opts.Metrics)
		if err != nil {
			return nil, err
		}
		b.opts.Metrics.RecordSinkOpened(SinkFile)
		return sink, nil
	}

	sink, err := NewFileSink(b.opts.SpoolDir, contentType, nil, b.opts.Metrics)
	if err != nil {
		return nil, err
	}
	b.opts.Metrics.RecordSinkOpened(SinkSaveOnly)
	b.logger.Warn("No audio player found, saving audio only",
		slog.String("content_type", contentType),
		slog.String("path", sink.Path()),
	)
	return sink, nil
}

// Play copies a whole audio body through a sink and returns the spool
// path, if any. A body that fails mid-transfer is aborted and leaves no
// spool file.
func (b *Bridge) Play(ctx context.Context, contentType string, body io.Reader) (string, error) {
	sink, err := b.Open(ctx, contentType)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(sink, body); err != nil {
		_ = sink.Abort()
		return "", fmt.Errorf("failed to forward audio: %w", err)
	}
	if err := sink.Close(); err != nil {
		return sink.Path(), err
	}
	return sink.Path(), nil
}

// Cue speaks a short prompt. It is a no-op when cues are off or the say
// program is missing.
func (b *Bridge) Cue(ctx context.Context, text string) {
	if b.say == "" {
		return
	}
	if err := exec.CommandContext(ctx, b.say, text).Run(); err != nil {
		b.logger.Debug("Spoken cue failed", slog.String("error", err.Error()))
	}
}
