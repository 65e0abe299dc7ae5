package playback

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prbodas/pillow-endpoint/internal/metrics"
)

// Sink receives the bytes of one audio part. Close marks the end of the
// stream and returns once the audio has been saved or rendered.
type Sink interface {
	io.Writer
	Close() error

	// Abort discards an incomplete part: a spool file is removed without
	// being played, a player is sent nothing more
	Abort() error

	// Path returns the spool file, or "" when audio went only to a player
	Path() string
}

// FileSink spools audio into a temporary file. When a play function is
// set the file is played after Close.
type FileSink struct {
	file    *os.File
	path    string
	play    func(path string) error
	metrics *metrics.Metrics
	closed  bool
}

// NewFileSink creates a spool file in dir ("" for the system temp dir)
// named after a fresh UUID with the extension for contentType
func NewFileSink(dir, contentType string, play func(path string) error, m *metrics.Metrics) (*FileSink, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "voice_"+uuid.NewString()+Extension(contentType))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	return &FileSink{file: f, path: path, play: play, metrics: m}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	s.metrics.RecordPlaybackBytes(n)
	return n, err
}

// Close closes the spool file and plays it
func (s *FileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close spool file: %w", err)
	}
	if s.play == nil {
		return nil
	}
	return s.play(s.path)
}

// Abort closes and removes the spool file without playing it
func (s *FileSink) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true

	closeErr := s.file.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove spool file: %w", err)
	}
	s.path = ""
	if closeErr != nil {
		return fmt.Errorf("failed to close spool file: %w", closeErr)
	}
	return nil
}

func (s *FileSink) Path() string {
	return s.path
}

// PipeSink streams audio into a running player's stdin through a bounded
// buffer. A slow player blocks Write.
type PipeSink struct {
	player  Player
	stdin   io.WriteCloser
	bw      *bufio.Writer
	wait    func() error
	metrics *metrics.Metrics
	closed  bool
}

// NewPipeSink starts the player reading from stdin
func NewPipeSink(ctx context.Context, player Player, bufferSize int, m *metrics.Metrics) (*PipeSink, error) {
	stdin, wait, err := startPipeline(ctx, player, "")
	if err != nil {
		return nil, err
	}
	return &PipeSink{
		player:  player,
		stdin:   stdin,
		bw:      bufio.NewWriterSize(stdin, bufferSize),
		wait:    wait,
		metrics: m,
	}, nil
}

func (s *PipeSink) Write(p []byte) (int, error) {
	n, err := s.bw.Write(p)
	s.metrics.RecordPlaybackBytes(n)
	if err != nil {
		return n, fmt.Errorf("%s stopped accepting audio: %w", s.player, err)
	}
	return n, nil
}

// Close flushes buffered audio, closes the player's stdin and waits for
// it to finish rendering
func (s *PipeSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.bw.Flush()
	closeErr := s.stdin.Close()
	waitErr := s.wait()

	if err := errors.Join(flushErr, closeErr); err != nil && waitErr == nil {
		return fmt.Errorf("failed to finish stream to %s: %w", s.player, err)
	}
	if waitErr != nil {
		return fmt.Errorf("%s exited: %w", s.player, waitErr)
	}
	return nil
}

// Abort drops buffered audio and closes the player's stdin. Audio the
// player already received is still rendered.
func (s *PipeSink) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.bw.Reset(io.Discard)
	_ = s.stdin.Close()
	if err := s.wait(); err != nil {
		return fmt.Errorf("%s exited: %w", s.player, err)
	}
	return nil
}

func (s *PipeSink) Path() string {
	return ""
}

// startPipeline starts the player, behind the ffmpeg stage when it has a
// transcoder. With file == "" audio is read from the returned stdin;
// otherwise stdin is nil.
func startPipeline(ctx context.Context, p Player, file string) (io.WriteCloser, func() error, error) {
	if p.Transcoder == "" {
		var cmd *exec.Cmd
		if file == "" {
			name, args := p.StreamCommand()
			cmd = exec.CommandContext(ctx, name, args...)
		} else {
			name, args := p.FileCommand(file)
			cmd = exec.CommandContext(ctx, name, args...)
		}

		var stdin io.WriteCloser
		if file == "" {
			var err error
			if stdin, err = cmd.StdinPipe(); err != nil {
				return nil, nil, fmt.Errorf("failed to open %s stdin: %w", p, err)
			}
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("failed to start %s: %w", p, err)
		}
		return stdin, cmd.Wait, nil
	}

	input := file
	if input == "" {
		input = "-"
	}
	tname, targs := p.TranscodeCommand(input)
	transcode := exec.CommandContext(ctx, tname, targs...)
	name, args := p.StreamCommand()
	play := exec.CommandContext(ctx, name, args...)

	wav, err := transcode.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open transcoder stdout: %w", err)
	}
	play.Stdin = wav

	var stdin io.WriteCloser
	if file == "" {
		if stdin, err = transcode.StdinPipe(); err != nil {
			_ = wav.Close()
			return nil, nil, fmt.Errorf("failed to open transcoder stdin: %w", err)
		}
	}

	if err := play.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", p, err)
	}
	if err := transcode.Start(); err != nil {
		_ = play.Process.Kill()
		_ = play.Wait()
		return nil, nil, fmt.Errorf("failed to start transcoder: %w", err)
	}

	wait := func() error {
		terr := transcode.Wait()
		perr := play.Wait()
		if terr != nil {
			return fmt.Errorf("transcoder: %w", terr)
		}
		return perr
	}
	return stdin, wait, nil
}

// playFile plays a spooled file to completion
func playFile(ctx context.Context, p Player, path string) error {
	_, wait, err := startPipeline(ctx, p, path)
	if err != nil {
		return err
	}
	if err := wait(); err != nil {
		return fmt.Errorf("%s exited: %w", p, err)
	}
	return nil
}
