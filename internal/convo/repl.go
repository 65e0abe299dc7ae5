package convo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/prbodas/pillow-endpoint/internal/capture"
	"github.com/prbodas/pillow-endpoint/internal/client"
)

// Run reads commands from in until /quit, end of input or ctx is done.
// An empty line records a turn; in manual mode the next line stops it.
func (c *Controller) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)

	// A pending read cannot be interrupted; the reader exits at the next
	// line or at EOF
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	c.printHelp()
	for {
		c.prompt()

		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		quit, err := c.dispatch(ctx, line, lines)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.ShowError(err)
		}
		if quit {
			return nil
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, line string, lines <-chan string) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch {
	case line == "":
		return false, c.voiceTurn(ctx, lines)

	case cmd == "/quit" || cmd == "/exit":
		return true, nil

	case cmd == "/reset":
		if err := c.Reset(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "History cleared.")
		return false, nil

	case cmd == "/voice":
		if arg == "" {
			fmt.Fprintf(c.out, "Voice: %s\n", c.Voice())
			return false, nil
		}
		c.SetVoice(arg)
		fmt.Fprintf(c.out, "Voice set to %s\n", arg)
		return false, nil

	case cmd == "/text":
		if arg == "" {
			return false, errors.New("usage: /text <message>")
		}
		result, err := c.SendText(ctx, arg)
		if err != nil {
			return false, err
		}
		c.Show(result)
		return false, nil

	case cmd == "/file":
		if arg == "" {
			return false, errors.New("usage: /file <path>")
		}
		result, err := c.SubmitFile(ctx, arg)
		if err != nil {
			return false, err
		}
		c.Show(result)
		return false, nil

	case cmd == "/help":
		c.printHelp()
		return false, nil

	case strings.HasPrefix(cmd, "/"):
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)

	default:
		result, err := c.SendText(ctx, line)
		if err != nil {
			return false, err
		}
		c.Show(result)
		return false, nil
	}
}

// voiceTurn runs a voice turn. In manual mode a watcher turns the next
// input line into the stop signal.
func (c *Controller) voiceTurn(ctx context.Context, lines <-chan string) error {
	if c.config.Capture.Mode != capture.ModeManual {
		fmt.Fprintln(c.out, "Listening... (stops on silence)")
		result, err := c.Turn(ctx, nil)
		if err != nil {
			return err
		}
		c.Show(result)
		return nil
	}

	fmt.Fprintln(c.out, "Recording... press Enter to stop.")
	stop := make(chan struct{})
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(turnCtx)
	g.Go(func() error {
		select {
		case <-lines:
			close(stop)
		case <-gctx.Done():
		}
		return nil
	})

	var result *TurnResult
	g.Go(func() error {
		// The watcher exits once the turn is over
		defer cancel()
		var err error
		result, err = c.Turn(ctx, stop)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	c.Show(result)
	return nil
}

// Show prints a turn result to the controller output
func (c *Controller) Show(result *TurnResult) {
	if result.NoSpeech() {
		fmt.Fprintln(c.out, "(no speech detected)")
		return
	}

	if result.UserText != "" {
		fmt.Fprintf(c.out, "You: %s\n", result.UserText)
	}
	switch {
	case result.AssistantText != "":
		fmt.Fprintf(c.out, "Assistant: %s\n", result.AssistantText)
	case result.Metadata != nil:
		fmt.Fprintln(c.out, "Assistant: (no text in JSON part)")
	case result.Text != "":
		fmt.Fprintln(c.out, result.Text)
	}

	for _, path := range result.AudioPaths {
		fmt.Fprintf(c.out, "Saved audio to %s\n", path)
	}
	if result.AudioParts == 0 && result.Text == "" {
		fmt.Fprintln(c.out, "No audio returned.")
	}
	if result.Demux.Truncated {
		fmt.Fprintln(c.out, "(reply was cut short)")
	}
}

// ShowError prints err, with the server body for HTTP status errors
func (c *Controller) ShowError(err error) {
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		fmt.Fprintf(c.out, "HTTP %d error from server:\n%s\n", statusErr.Code, strings.TrimSpace(statusErr.Body))
	} else {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	c.logger.Debug("Command failed", slog.String("error", err.Error()))
}

func (c *Controller) prompt() {
	fmt.Fprint(c.out, "> ")
}

func (c *Controller) printHelp() {
	fmt.Fprintln(c.out, "Commands: press Enter to speak, '/text <message>' to type, '/file <path>' to send audio,")
	fmt.Fprintln(c.out, "'/voice <Name>' to change voice, '/reset' to clear history, '/quit' to exit.")
}
