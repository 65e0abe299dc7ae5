package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/prbodas/pillow-endpoint/internal/metrics"
)

// ErrFraming reports a response that cannot be demultiplexed at all. It is
// only returned before the first part was decoded; later framing problems
// end decoding with a partial result instead.
var ErrFraming = errors.New("multipart framing error")

// ErrNoBoundary is returned when neither the Content-Type boundary parameter
// nor the boundary header is present.
var ErrNoBoundary = fmt.Errorf("%w: missing multipart boundary", ErrFraming)

// BoundaryHeader carries the boundary explicitly when Content-Type lacks it
const BoundaryHeader = "X-Boundary"

var boundaryRe = regexp.MustCompile(`(?i)boundary=\s*"?([^";]+)"?`)

// Boundary extracts the multipart boundary from response headers without
// touching the body.
func Boundary(h http.Header) (string, error) {
	if m := boundaryRe.FindStringSubmatch(h.Get("Content-Type")); m != nil {
		if b := strings.TrimSpace(m[1]); b != "" {
			return b, nil
		}
	}
	if b := strings.TrimSpace(h.Get(BoundaryHeader)); b != "" {
		return b, nil
	}
	return "", ErrNoBoundary
}

// IsMultipart reports whether a Content-Type denotes multipart/mixed
func IsMultipart(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "multipart/mixed")
}

// Kind is the routing decision for a part
type Kind int

const (
	KindDropped Kind = iota
	KindJSON
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindAudio:
		return "audio"
	default:
		return "dropped"
	}
}

// Classify routes a part by its content type: JSON metadata, binary audio,
// or anything else which is dropped.
func Classify(contentType string) Kind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.Contains(ct, "application/json"):
		return KindJSON
	case strings.Contains(ct, "audio/"), ct == "application/octet-stream":
		return KindAudio
	default:
		return KindDropped
	}
}

// Header holds part headers with lower-cased names. A repeated name keeps
// the last value.
type Header map[string]string

// Get returns the value for a case-insensitive header name
func (h Header) Get(name string) string {
	return h[strings.ToLower(name)]
}

// ContentType returns the part content type
func (h Header) ContentType() string {
	return h.Get("content-type")
}

// ContentLength returns the declared body length, or -1 when absent
func (h Header) ContentLength() (int64, error) {
	v, ok := h["content-length"]
	if !ok {
		return -1, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1, fmt.Errorf("invalid content-length %q", v)
	}
	return n, nil
}

// parseHeaderLine splits "Name: value", trimming both sides
func parseHeaderLine(h Header, line string) error {
	name, value, ok := strings.Cut(line, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("malformed header line %q", line)
	}
	h[strings.ToLower(name)] = strings.TrimSpace(value)
	return nil
}

// Handlers receive routed parts. JSON gets the whole body; Audio gets a
// reader bounded to the part body, so a streaming sink pulls bytes off the
// transport only as fast as it consumes them. A nil handler drops that kind.
type Handlers struct {
	JSON  func(body []byte) error
	Audio func(contentType string, body io.Reader) error
}

// Strategy selects the framing sub-protocol
type Strategy int

const (
	// StrategyAuto streams when the first part declares content-length and
	// otherwise buffers and splits the remainder
	StrategyAuto Strategy = iota
	// StrategyStream requires content-length on every part
	StrategyStream
	// StrategySplit buffers the whole body and splits on the boundary
	StrategySplit
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyStream:
		return "stream"
	case StrategySplit:
		return "split"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses "auto", "stream" or "split"
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "auto", "":
		return StrategyAuto, nil
	case "stream":
		return StrategyStream, nil
	case "split":
		return StrategySplit, nil
	default:
		return StrategyAuto, fmt.Errorf("unknown demux strategy: %q", s)
	}
}

const DefaultMaxBufferBytes = 64 << 20

// Options configures decoding
type Options struct {
	Strategy Strategy

	// MaxBufferBytes caps how much of the body split mode buffers
	MaxBufferBytes int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxBufferBytes <= 0 {
		o.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats describes one decoded response
type Stats struct {
	Strategy   Strategy
	Parts      int
	JSONParts  int
	AudioParts int
	Dropped    int
	AudioBytes int64

	// Truncated is set when decoding stopped early; Cause says why. Parts
	// delivered before that point are complete.
	Truncated bool
	Cause     error
}

// Decode demultiplexes a multipart/mixed response. It fails fast with
// ErrNoBoundary before reading body when no boundary is declared.
func Decode(h http.Header, body io.Reader, handlers Handlers, opts Options) (Stats, error) {
	boundary, err := Boundary(h)
	if err != nil {
		opts.Metrics.RecordDemuxFramingError()
		return Stats{}, err
	}
	return DecodeBoundary(boundary, body, handlers, opts)
}

// DecodeBoundary demultiplexes body using an already known boundary
func DecodeBoundary(boundary string, body io.Reader, handlers Handlers, opts Options) (Stats, error) {
	opts = opts.withDefaults()

	var (
		stats Stats
		err   error
	)
	if opts.Strategy == StrategySplit {
		stats, err = splitReader(boundary, body, handlers, opts)
	} else {
		stats, err = newStreamDecoder(boundary, body, handlers, opts).decode()
	}

	if err != nil {
		opts.Metrics.RecordDemuxFramingError()
		return stats, err
	}
	if stats.Truncated {
		opts.Metrics.RecordDemuxTruncated()
		opts.Logger.Warn("Multipart response ended early",
			slog.String("strategy", stats.Strategy.String()),
			slog.Int("parts", stats.Parts),
			slog.String("cause", errString(stats.Cause)),
		)
	}
	return stats, nil
}

// deliver routes one part body to its handler. body must be fully consumed
// or drained by the caller afterwards.
func deliver(stats *Stats, handlers Handlers, opts Options, ct string, body io.Reader) (delivered bool, readErr error) {
	kind := Classify(ct)
	if kind == KindJSON && handlers.JSON == nil || kind == KindAudio && handlers.Audio == nil {
		kind = KindDropped
	}

	switch kind {
	case KindJSON:
		data, err := io.ReadAll(body)
		if err != nil {
			return false, err
		}
		if err := handlers.JSON(data); err != nil {
			opts.Logger.Warn("JSON part rejected", slog.String("error", err.Error()))
			stats.Dropped++
			return false, nil
		}
		stats.JSONParts++
		opts.Metrics.RecordDemuxPart(kind.String(), int64(len(data)))
		return true, nil

	case KindAudio:
		counter := &countingReader{r: body}
		err := handlers.Audio(ct, counter)
		if _, drainErr := io.Copy(io.Discard, counter); drainErr != nil {
			return false, drainErr
		}
		if counter.err != nil {
			return false, counter.err
		}
		if err != nil {
			opts.Logger.Warn("Audio part rejected",
				slog.String("content_type", ct),
				slog.String("error", err.Error()),
			)
			stats.Dropped++
			return false, nil
		}
		stats.AudioParts++
		stats.AudioBytes += counter.n
		opts.Metrics.RecordDemuxPart(kind.String(), counter.n)
		return true, nil

	default:
		if _, err := io.Copy(io.Discard, body); err != nil {
			return false, err
		}
		opts.Logger.Debug("Dropping part", slog.String("content_type", ct))
		stats.Dropped++
		opts.Metrics.RecordDemuxPart(kind.String(), 0)
		return false, nil
	}
}

// countingReader counts bytes and remembers the first read error other
// than io.EOF
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	return n, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
