package demux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// errNoTerminator marks a body that ended before the closing delimiter
var errNoTerminator = errors.New("body ended before the closing delimiter")

// Split demultiplexes a fully buffered body by cutting it on the boundary
// delimiter. It needs no content-length and tolerates bare LF line breaks;
// segments without a blank-line separator are logged and skipped.
//
// Without a closing delimiter the segment after the last delimiter may be
// cut short, so it is dropped and the result is marked truncated. A segment
// whose body is shorter than its declared content-length is skipped.
func Split(boundary string, data []byte, handlers Handlers, opts Options) (Stats, error) {
	opts = opts.withDefaults()
	stats := Stats{Strategy: StrategySplit}

	delim := []byte("--" + boundary)
	if !bytes.Contains(data, delim) {
		return stats, fmt.Errorf("%w: no %q delimiter in body", ErrFraming, delim)
	}

	// segments[0] is the preamble
	segments := bytes.Split(data, delim)[1:]

	terminated := false
	for i, seg := range segments {
		if bytes.HasPrefix(seg, []byte("--")) {
			// Terminal delimiter; the rest is epilogue
			segments = segments[:i]
			terminated = true
			break
		}
	}
	if !terminated {
		last := segments[len(segments)-1]
		segments = segments[:len(segments)-1]
		if len(bytes.TrimSpace(last)) > 0 {
			opts.Logger.Warn("Dropping multipart segment cut off by end of body",
				slog.Int("segment", len(segments)+1),
				slog.Int("size", len(last)),
			)
		}
	}

	for i, seg := range segments {
		seg = trimLineBreak(seg)
		if len(bytes.TrimSpace(seg)) == 0 {
			continue
		}

		headerBlob, body, ok := cutHeaders(seg)
		if !ok {
			opts.Logger.Warn("Skipping malformed multipart segment",
				slog.Int("segment", i+1),
				slog.Int("size", len(seg)),
			)
			continue
		}

		header := Header{}
		malformed := false
		for _, line := range strings.Split(string(headerBlob), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if err := parseHeaderLine(header, line); err != nil {
				malformed = true
				break
			}
		}
		if malformed {
			opts.Logger.Warn("Skipping multipart segment with malformed headers",
				slog.Int("segment", i+1),
			)
			continue
		}

		length, err := header.ContentLength()
		if err != nil {
			opts.Logger.Warn("Skipping multipart segment with invalid content-length",
				slog.Int("segment", i+1),
				slog.String("error", err.Error()),
			)
			continue
		}
		if length >= 0 {
			if int64(len(body)) < length {
				opts.Logger.Warn("Skipping multipart segment shorter than its content-length",
					slog.Int("segment", i+1),
					slog.Int64("declared", length),
					slog.Int("size", len(body)),
				)
				stats.Dropped++
				continue
			}
			body = body[:length]
		}

		stats.Parts++
		if _, err := deliver(&stats, handlers, opts, header.ContentType(), bytes.NewReader(body)); err != nil {
			stats.Truncated = true
			stats.Cause = err
			return stats, nil
		}
	}

	if !terminated {
		stats.Truncated = true
		stats.Cause = errNoTerminator
	}
	return stats, nil
}

// splitReader buffers r up to the configured cap and splits it
func splitReader(boundary string, r io.Reader, handlers Handlers, opts Options) (Stats, error) {
	data, err := io.ReadAll(io.LimitReader(r, opts.MaxBufferBytes+1))
	overflow := int64(len(data)) > opts.MaxBufferBytes
	if overflow {
		data = data[:opts.MaxBufferBytes]
	}

	// Split drops the segment after the last delimiter when the closing
	// delimiter did not arrive
	stats, splitErr := Split(boundary, data, handlers, opts)
	if splitErr != nil {
		return stats, splitErr
	}
	if !errors.Is(stats.Cause, errNoTerminator) {
		return stats, nil
	}

	switch {
	case err != nil:
		// Whatever arrived before the transport failed was split above
		stats.Truncated = true
		stats.Cause = fmt.Errorf("reading body: %w", err)
	case overflow:
		stats.Truncated = true
		stats.Cause = fmt.Errorf("body exceeds %d byte buffer", opts.MaxBufferBytes)
	}
	return stats, nil
}

// trimLineBreak removes exactly one leading and one trailing CRLF or LF so
// binary bodies keep their own bytes
func trimLineBreak(b []byte) []byte {
	switch {
	case bytes.HasPrefix(b, []byte("\r\n")):
		b = b[2:]
	case bytes.HasPrefix(b, []byte("\n")):
		b = b[1:]
	}
	switch {
	case bytes.HasSuffix(b, []byte("\r\n")):
		b = b[:len(b)-2]
	case bytes.HasSuffix(b, []byte("\n")):
		b = b[:len(b)-1]
	}
	return b
}

// cutHeaders splits a segment at the first blank line, CRLF or bare LF
func cutHeaders(seg []byte) (headers, body []byte, ok bool) {
	crlf := bytes.Index(seg, []byte("\r\n\r\n"))
	lf := bytes.Index(seg, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return seg[:crlf], seg[crlf+4:], true
	case lf >= 0:
		return seg[:lf], seg[lf+2:], true
	default:
		return nil, nil, false
	}
}
