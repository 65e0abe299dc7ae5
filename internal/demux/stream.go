package demux

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// readAhead bounds how far the decoder reads past what a sink has consumed
const readAhead = 4096

type streamDecoder struct {
	br       *bufio.Reader
	delim    string
	end      string
	boundary string
	handlers Handlers
	opts     Options
	stats    Stats
}

func newStreamDecoder(boundary string, r io.Reader, handlers Handlers, opts Options) *streamDecoder {
	return &streamDecoder{
		br:       bufio.NewReaderSize(r, readAhead),
		delim:    "--" + boundary,
		end:      "--" + boundary + "--",
		boundary: boundary,
		handlers: handlers,
		opts:     opts,
		stats:    Stats{Strategy: StrategyStream},
	}
}

// readLine returns the next line including its terminator. A final line
// without a terminator is returned with a nil error; io.EOF is returned only
// when nothing was read.
func (d *streamDecoder) readLine() (string, error) {
	line, err := d.br.ReadString('\n')
	if err == io.EOF && line != "" {
		return line, nil
	}
	return line, err
}

func (d *streamDecoder) decode() (Stats, error) {
	// Skip any preamble up to the first delimiter
	for {
		line, err := d.readLine()
		if err != nil {
			return d.stats, fmt.Errorf("%w: no %q delimiter in body: %v", ErrFraming, d.delim, err)
		}
		if strings.TrimSpace(line) == d.delim {
			break
		}
		if strings.TrimSpace(line) == d.end {
			return d.stats, nil
		}
	}

	first := true
	for {
		header, raw, err := d.readHeaders()
		if err != nil {
			if first {
				return d.stats, fmt.Errorf("%w: first part headers: %v", ErrFraming, err)
			}
			return d.truncate(err)
		}

		length, err := header.ContentLength()
		if err != nil {
			if first {
				return d.stats, fmt.Errorf("%w: first part: %v", ErrFraming, err)
			}
			return d.truncate(err)
		}

		if length < 0 {
			switch {
			case first && d.opts.Strategy == StrategyAuto:
				return d.fallbackToSplit(raw)
			case first:
				return d.stats, fmt.Errorf("%w: first part has no content-length", ErrFraming)
			default:
				return d.truncate(errors.New("part without content-length in length-framed stream"))
			}
		}
		first = false

		d.stats.Parts++
		body := &exactReader{r: d.br, remaining: length}
		if _, err := deliver(&d.stats, d.handlers, d.opts, header.ContentType(), body); err != nil {
			return d.truncate(fmt.Errorf("part %d body: %w", d.stats.Parts, err))
		}

		if err := d.skipLineBreak(); err != nil {
			if err == io.EOF {
				return d.stats, nil
			}
			return d.truncate(err)
		}

		line, err := d.readLine()
		if err == io.EOF {
			// Connection closed after a complete part without the end marker
			return d.stats, nil
		}
		if err != nil {
			return d.truncate(err)
		}

		switch strings.TrimSpace(line) {
		case d.end:
			return d.stats, nil
		case d.delim:
			continue
		default:
			return d.truncate(fmt.Errorf("expected delimiter after part %d, got %q", d.stats.Parts, truncateForLog(line)))
		}
	}
}

// readHeaders reads header lines up to the blank separator line. raw holds
// the lines as read, for replay in split mode.
func (d *streamDecoder) readHeaders() (Header, []byte, error) {
	header := Header{}
	var raw bytes.Buffer
	for {
		line, err := d.readLine()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, nil, fmt.Errorf("reading headers: %w", err)
		}
		raw.WriteString(line)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if !strings.HasSuffix(line, "\n") {
				return nil, nil, fmt.Errorf("reading headers: %w", io.ErrUnexpectedEOF)
			}
			return header, raw.Bytes(), nil
		}
		if err := parseHeaderLine(header, trimmed); err != nil {
			return nil, nil, err
		}
	}
}

// skipLineBreak consumes the CRLF or LF that terminates a part body
func (d *streamDecoder) skipLineBreak() error {
	b, err := d.br.Peek(1)
	if err != nil {
		return err
	}
	if b[0] == '\r' {
		_, _ = d.br.ReadByte()
		b, err = d.br.Peek(1)
		if err != nil {
			return err
		}
	}
	if b[0] == '\n' {
		_, _ = d.br.ReadByte()
	}
	return nil
}

// fallbackToSplit replays the first delimiter and headers in front of the
// rest of the body and splits the whole thing
func (d *streamDecoder) fallbackToSplit(rawHeaders []byte) (Stats, error) {
	d.opts.Logger.Debug("First part has no content-length, buffering response",
		slog.String("boundary", d.boundary),
	)

	prefix := make([]byte, 0, len(d.delim)+2+len(rawHeaders))
	prefix = append(prefix, d.delim...)
	prefix = append(prefix, "\r\n"...)
	prefix = append(prefix, rawHeaders...)

	return splitReader(d.boundary, io.MultiReader(bytes.NewReader(prefix), d.br), d.handlers, d.opts)
}

func (d *streamDecoder) truncate(cause error) (Stats, error) {
	d.stats.Truncated = true
	d.stats.Cause = cause
	return d.stats, nil
}

// exactReader yields exactly remaining bytes and reports a short source as
// io.ErrUnexpectedEOF
type exactReader struct {
	r         io.Reader
	remaining int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	if err == io.EOF {
		if e.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		err = nil
	}
	return n, err
}

func truncateForLog(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
