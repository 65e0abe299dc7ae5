package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prbodas/pillow-endpoint/internal/audio"
)

// stderrDrainTimeout bounds how long Run waits for recorder stderr to close
// after stdout ended
const stderrDrainTimeout = time.Second

// ErrNoSource is returned when no audio capture capability is available
var ErrNoSource = errors.New("no audio source available")

// Source delivers timestamped PCM frames. Run pushes frames to out until ctx
// is done or the device ends, and returns nil on a clean end of stream.
// Run must not close out.
type Source interface {
	Run(ctx context.Context, out chan<- audio.Frame) error
}

// ReaderSource reads raw little-endian PCM-16 from an io.Reader in fixed-size
// blocks. A frame is stamped with its arrival time, but never earlier than
// the previous stamp plus the previous frame's duration, so a reader that
// delivers faster than real time still yields timestamps in audio time.
type ReaderSource struct {
	r          io.Reader
	sampleRate int
	channels   int
	blockSize  int

	// Realtime paces frames at the audio rate, for file input standing in
	// for a live device.
	Realtime bool

	now func() time.Time
}

// NewReaderSource creates a source reading blockSize samples per channel at a time
func NewReaderSource(r io.Reader, sampleRate, channels, blockSize int) *ReaderSource {
	return &ReaderSource{
		r:          r,
		sampleRate: sampleRate,
		channels:   channels,
		blockSize:  blockSize,
		now:        time.Now,
	}
}

// Run implements Source
func (s *ReaderSource) Run(ctx context.Context, out chan<- audio.Frame) error {
	if s.sampleRate <= 0 || s.channels <= 0 || s.blockSize <= 0 {
		return fmt.Errorf("invalid source format: rate=%d channels=%d block=%d", s.sampleRate, s.channels, s.blockSize)
	}

	// Unblock a pending Read on cancellation when the reader can be closed
	if c, ok := s.r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	frameBytes := s.blockSize * s.channels * 2
	var pace *time.Ticker
	if s.Realtime {
		perFrame := time.Duration(s.blockSize) * time.Second / time.Duration(s.sampleRate)
		pace = time.NewTicker(perFrame)
		defer pace.Stop()
	}

	var next time.Time
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(s.r, buf)

		// Keep whole sample frames of a short final read
		if whole := n - n%(2*s.channels); whole > 0 {
			stamp := s.now()
			if stamp.Before(next) {
				stamp = next
			}
			frame := audio.FrameFromBytes(buf[:whole], s.sampleRate, s.channels, stamp)
			next = stamp.Add(frame.Duration())
			select {
			case out <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("failed to read audio: %w", err)
		}

		if pace != nil {
			select {
			case <-pace.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Recorder names an external capture program
type Recorder string

const (
	RecorderAuto    Recorder = "auto"
	RecorderArecord Recorder = "arecord"
	RecorderFFmpeg  Recorder = "ffmpeg"
)

// ExecOptions configures an ExecSource
type ExecOptions struct {
	Recorder   Recorder
	Command    string // shell command overriding Recorder; must write s16le to stdout
	Device     string
	SampleRate int
	Channels   int
	BlockSize  int
	Logger     *slog.Logger

	// LookPath resolves program names; defaults to exec.LookPath
	LookPath func(string) (string, error)
}

// ExecSource captures from a recorder process writing raw PCM-16 to stdout
type ExecSource struct {
	path       string
	args       []string
	sampleRate int
	channels   int
	blockSize  int
	logger     *slog.Logger
}

// NewExecSource resolves a recorder program. It returns ErrNoSource when
// none of the candidates is installed.
func NewExecSource(opts ExecOptions) (*ExecSource, error) {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	src := &ExecSource{
		sampleRate: opts.SampleRate,
		channels:   opts.Channels,
		blockSize:  opts.BlockSize,
		logger:     logger,
	}

	if strings.TrimSpace(opts.Command) != "" {
		sh, err := lookPath("sh")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoSource, err)
		}
		src.path = sh
		src.args = []string{"-c", opts.Command}
		return src, nil
	}

	candidates := []Recorder{opts.Recorder}
	if opts.Recorder == "" || opts.Recorder == RecorderAuto {
		candidates = []Recorder{RecorderArecord, RecorderFFmpeg}
		if runtime.GOOS == "darwin" {
			candidates = []Recorder{RecorderFFmpeg}
		}
	}

	for _, rec := range candidates {
		path, err := lookPath(string(rec))
		if err != nil {
			continue
		}
		args, err := recorderArgs(rec, runtime.GOOS, opts.Device, opts.SampleRate, opts.Channels)
		if err != nil {
			return nil, err
		}
		src.path = path
		src.args = args
		return src, nil
	}

	return nil, fmt.Errorf("%w: tried %v", ErrNoSource, candidates)
}

func recorderArgs(rec Recorder, goos, device string, sampleRate, channels int) ([]string, error) {
	rate := strconv.Itoa(sampleRate)
	ch := strconv.Itoa(channels)

	switch rec {
	case RecorderArecord:
		args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", ch}
		if device != "" {
			args = append(args, "-D", device)
		}
		return args, nil

	case RecorderFFmpeg:
		args := []string{"-hide_banner", "-loglevel", "error"}
		switch goos {
		case "darwin":
			if device == "" {
				device = "0"
			}
			// none:<index> avoids opening a video device
			args = append(args, "-f", "avfoundation", "-i", "none:"+device)
		default:
			if device == "" {
				device = "default"
			}
			args = append(args, "-f", "alsa", "-i", device)
		}
		return append(args, "-ac", ch, "-ar", rate, "-f", "s16le", "-"), nil

	default:
		return nil, fmt.Errorf("unknown recorder: %q", rec)
	}
}

// Command returns the resolved program and arguments
func (s *ExecSource) Command() (string, []string) {
	return s.path, s.args
}

// Run implements Source. The recorder process lives for the duration of Run.
func (s *ExecSource) Run(ctx context.Context, out chan<- audio.Frame) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.path, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open recorder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open recorder stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", ErrNoSource, s.path, err)
	}

	s.logger.Debug("Recorder started",
		slog.String("program", s.path),
		slog.String("args", strings.Join(s.args, " ")),
		slog.Int("pid", cmd.Process.Pid),
	)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		s.logStderr(stderr)
	}()

	reader := NewReaderSource(bufio.NewReaderSize(stdout, 64*1024), s.sampleRate, s.channels, s.blockSize)
	runErr := reader.Run(ctx, out)

	// A clean EOF means the recorder exited on its own
	exitedOnItsOwn := ctx.Err() == nil
	cancel()

	// Wait closes the pipes, so stderr must be read to the end first. A
	// grandchild of a shell command may hold stderr open, hence the bound.
	select {
	case <-stderrDone:
	case <-time.After(stderrDrainTimeout):
		s.logger.Debug("Recorder stderr still open, not waiting for it")
	}
	waitErr := cmd.Wait()

	if runErr != nil {
		return runErr
	}
	if waitErr != nil && exitedOnItsOwn {
		return fmt.Errorf("recorder exited: %w", waitErr)
	}
	return nil
}

func (s *ExecSource) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.logger.Debug("Recorder output", slog.String("line", line))
	}
}
