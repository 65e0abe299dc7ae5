package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prbodas/pillow-endpoint/internal/audio"
	"github.com/prbodas/pillow-endpoint/internal/metrics"
	"github.com/prbodas/pillow-endpoint/internal/vad"
)

// Mode selects how a capture session decides the utterance is over
type Mode int

const (
	// ModeAuto ends on trailing silence, stall or the duration cap
	ModeAuto Mode = iota
	// ModeManual admits every frame until a stop signal or the duration cap
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "auto" or "manual"
func ParseMode(s string) (Mode, error) {
	switch s {
	case "auto":
		return ModeAuto, nil
	case "manual":
		return ModeManual, nil
	default:
		return ModeAuto, fmt.Errorf("unknown capture mode: %q", s)
	}
}

const (
	DefaultQueueSize         = 64
	DefaultPollTimeout       = 500 * time.Millisecond
	DefaultManualPollTimeout = 100 * time.Millisecond
)

// Options configures a capture session
type Options struct {
	Mode        Mode
	Gate        vad.Config
	QueueSize   int
	PollTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Result is the outcome of one capture session. An empty result is a normal
// outcome meaning no speech was captured.
type Result struct {
	Utterance *audio.Utterance
	Reason    vad.Reason
	Elapsed   time.Duration
	Gate      vad.GateStats
}

// Empty reports whether no utterance was captured
func (r Result) Empty() bool {
	return r.Utterance.Empty()
}

// Session runs one capture: a producer goroutine drives the Source into a
// bounded queue and the caller's goroutine consumes it. Sessions are single
// use.
type Session struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	used   bool
}

// NewSession validates options and creates a session
func NewSession(opts Options) (*Session, error) {
	if err := opts.Gate.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
		if opts.Mode == ModeManual {
			opts.PollTimeout = DefaultManualPollTimeout
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Record captures one utterance from src. In manual mode the capture ends
// when stop is closed (or receives); in auto mode stop may be nil and acts as
// an early abort that keeps what was admitted.
func (s *Session) Record(ctx context.Context, src Source, stop <-chan struct{}) (Result, error) {
	if src == nil {
		return Result{}, ErrNoSource
	}
	if s.used {
		return Result{}, errors.New("capture session already used")
	}
	s.used = true

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan audio.Frame, s.opts.QueueSize)
	srcDone := make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer close(srcDone)
		err := src.Run(gctx, frames)
		if err != nil && gctx.Err() != nil && errors.Is(err, gctx.Err()) {
			return nil
		}
		return err
	})

	var result Result
	g.Go(func() error {
		// Stopping consumption stops the producer
		defer cancel()

		var err error
		if s.opts.Mode == ModeManual {
			result, err = s.consumeManual(gctx, frames, srcDone, stop)
		} else {
			result, err = s.consumeAuto(gctx, frames, srcDone, stop)
		}
		return err
	})

	err := g.Wait()
	if ctx.Err() != nil {
		s.opts.Metrics.RecordCaptureSession(s.opts.Mode.String(), "cancelled", 0)
		return Result{}, ctx.Err()
	}
	if err != nil {
		s.opts.Metrics.RecordCaptureSession(s.opts.Mode.String(), "error", 0)
		return Result{}, fmt.Errorf("capture failed: %w", err)
	}

	outcome := result.Reason.String()
	if result.Empty() {
		outcome = "empty"
	}
	s.opts.Metrics.RecordCaptureSession(s.opts.Mode.String(), outcome, result.Utterance.Duration().Seconds())

	s.logger.Info("Capture finished",
		slog.String("mode", s.opts.Mode.String()),
		slog.String("reason", result.Reason.String()),
		slog.Bool("empty", result.Empty()),
		slog.Duration("audio", result.Utterance.Duration()),
		slog.Duration("elapsed", result.Elapsed),
	)

	return result, nil
}

func (s *Session) consumeAuto(ctx context.Context, frames <-chan audio.Frame, srcDone <-chan struct{}, stop <-chan struct{}) (Result, error) {
	gate, err := vad.NewGate(s.opts.Gate)
	if err != nil {
		return Result{}, err
	}

	start := s.now()
	timer := time.NewTimer(s.opts.PollTimeout)
	defer timer.Stop()

	finish := func() (Result, error) {
		return Result{
			Utterance: gate.Utterance(),
			Reason:    gate.Reason(),
			Elapsed:   s.now().Sub(start),
			Gate:      gate.GetStats(),
		}, nil
	}

	admit := func(f audio.Frame) bool {
		before := gate.GetStats().FramesAdmitted
		state := gate.Admit(f)
		s.opts.Metrics.RecordFrame(gate.GetStats().FramesAdmitted > before)
		return state == vad.StateTerminal
	}

	for {
		timer.Reset(s.opts.PollTimeout)

		select {
		case <-ctx.Done():
			gate.Stop()
			return finish()

		case <-stop:
			// Frames queued before the signal belong to the utterance
			drain(frames, admit)
			gate.Stop()
			return finish()

		case f := <-frames:
			if admit(f) {
				return finish()
			}

		case <-srcDone:
			if !drain(frames, admit) {
				s.logger.Debug("Audio source ended", slog.String("state", gate.State().String()))
				gate.Stop()
			}
			return finish()

		case <-timer.C:
			s.opts.Metrics.RecordSourceStall()
			if gate.Tick(s.now()) == vad.StateTerminal {
				s.logger.Warn("No audio within poll timeout, ending capture",
					slog.String("reason", gate.Reason().String()),
					slog.Time("last_voice", gate.LastVoiceTime()),
				)
				return finish()
			}
		}
	}
}

func (s *Session) consumeManual(ctx context.Context, frames <-chan audio.Frame, srcDone <-chan struct{}, stop <-chan struct{}) (Result, error) {
	cfg := s.opts.Gate
	utterance := audio.NewUtterance(cfg.SampleRate, cfg.Channels)
	maxSamples := int(int64(cfg.MaxDuration) * int64(cfg.SampleRate) / int64(time.Second))

	start := s.now()
	timer := time.NewTimer(s.opts.PollTimeout)
	defer timer.Stop()

	var received, admitted uint64
	finish := func(reason vad.Reason) (Result, error) {
		utterance.Freeze()
		r := Result{
			Reason:  reason,
			Elapsed: s.now().Sub(start),
			Gate: vad.GateStats{
				State:           vad.StateTerminal.String(),
				Reason:          reason.String(),
				FramesReceived:  received,
				FramesAdmitted:  admitted,
				SamplesReceived: utterance.Len() / cfg.Channels,
				SamplesAdmitted: utterance.Len() / cfg.Channels,
			},
		}
		if !utterance.Empty() {
			r.Utterance = utterance
		}
		return r, nil
	}

	admit := func(f audio.Frame) bool {
		received++
		if err := utterance.Append(f); err != nil {
			s.opts.Metrics.RecordFrame(false)
			s.logger.Warn("Dropping frame", slog.String("error", err.Error()))
			return false
		}
		admitted++
		s.opts.Metrics.RecordFrame(true)
		return utterance.Len()/cfg.Channels >= maxSamples
	}

	for {
		timer.Reset(s.opts.PollTimeout)

		select {
		case <-ctx.Done():
			return finish(vad.ReasonStopped)

		case <-stop:
			if drain(frames, admit) {
				return finish(vad.ReasonMaxDuration)
			}
			return finish(vad.ReasonStopped)

		case f := <-frames:
			if admit(f) {
				return finish(vad.ReasonMaxDuration)
			}

		case <-srcDone:
			if drain(frames, admit) {
				return finish(vad.ReasonMaxDuration)
			}
			return finish(vad.ReasonStopped)

		case <-timer.C:
			s.opts.Metrics.RecordSourceStall()
		}

		if s.now().Sub(start) >= cfg.MaxDuration {
			return finish(vad.ReasonMaxDuration)
		}
	}
}

// drain feeds already queued frames to admit without blocking. It reports
// whether admit signalled termination.
func drain(frames <-chan audio.Frame, admit func(audio.Frame) bool) bool {
	for {
		select {
		case f := <-frames:
			if admit(f) {
				return true
			}
		default:
			return false
		}
	}
}
