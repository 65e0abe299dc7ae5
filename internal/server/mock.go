package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prbodas/pillow-endpoint/internal/audio"
)

// Framing selects how the mock server frames multipart replies
type Framing string

const (
	FramingLength Framing = "length" // every part carries content-length
	FramingSplit  Framing = "split"  // no content-length, readers must buffer and split
)

// MockOptions configures a MockVoiceServer
type MockOptions struct {
	Framing Framing

	// TruncateAudio cuts reply audio parts to this many bytes while still
	// declaring the full length; zero disables it
	TruncateAudio int

	// Delay simulates server processing time
	Delay time.Duration

	SampleRate int
	Logger     *slog.Logger
}

// MockVoiceServer is a local stand-in for the voice server. It answers
// /transcribe, /llm_tts, /llm and /tts with canned text and a generated
// tone, for developing against without the real backend.
type MockVoiceServer struct {
	opts    MockOptions
	logger  *slog.Logger
	history map[string]int
	mu      sync.Mutex
}

// NewMockVoiceServer creates a mock voice server
func NewMockVoiceServer(opts MockOptions) *MockVoiceServer {
	if opts.Framing == "" {
		opts.Framing = FramingLength
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MockVoiceServer{
		opts:    opts,
		logger:  opts.Logger,
		history: make(map[string]int),
	}
}

// Handler returns the routed handler
func (s *MockVoiceServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", s.handleTranscribe)
	mux.HandleFunc("/llm_tts", s.handleLLMTTS)
	mux.HandleFunc("/llm", s.handleLLM)
	mux.HandleFunc("/tts", s.handleTTS)
	return mux
}

type mockPart struct {
	contentType string
	body        []byte
}

// writeMultipart writes parts as multipart/mixed, flushing after each
func (s *MockVoiceServer) writeMultipart(w http.ResponseWriter, parts ...mockPart) {
	boundary := strings.ReplaceAll(uuid.NewString(), "-", "")
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+boundary)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for _, p := range parts {
		body := p.body
		fmt.Fprintf(w, "--%s\r\ncontent-type: %s\r\n", boundary, p.contentType)
		if s.opts.Framing == FramingLength {
			fmt.Fprintf(w, "content-length: %d\r\n", len(body))
		}
		io.WriteString(w, "\r\n")

		if s.opts.TruncateAudio > 0 && strings.HasPrefix(p.contentType, "audio/") && len(body) > s.opts.TruncateAudio {
			_, _ = w.Write(body[:s.opts.TruncateAudio])
			s.logger.Info("Truncated reply audio",
				slog.Int("declared", len(body)),
				slog.Int("sent", s.opts.TruncateAudio),
			)
			return
		}

		_, _ = w.Write(body)
		io.WriteString(w, "\r\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprintf(w, "--%s--\r\n", boundary)
}

func (s *MockVoiceServer) wait() {
	if s.opts.Delay > 0 {
		time.Sleep(s.opts.Delay)
	}
}

// describeAudio summarizes an uploaded body the way a transcript would
func describeAudio(data []byte) string {
	if seconds, err := audio.GetWAVDuration(data); err == nil {
		return fmt.Sprintf("%.2f seconds of audio", seconds)
	}
	return fmt.Sprintf("%d bytes of audio", len(data))
}

func (s *MockVoiceServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		http.Error(w, `{"error":"empty audio body"}`, http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	mode := q.Get("return")
	if mode == "" {
		mode = "original"
	}

	s.logger.Info("Transcribe request",
		slog.String("request_id", r.Header.Get("X-Request-ID")),
		slog.String("content_type", r.Header.Get("Content-Type")),
		slog.Int("bytes", len(data)),
		slog.String("return", mode),
		slog.String("session", q.Get("session")),
		slog.String("voice", q.Get("voice")),
	)
	s.wait()

	transcript := map[string]any{"text": "I heard " + describeAudio(data)}
	meta := map[string]any{"transcript": transcript}

	switch mode {
	case "none":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	case "original":
		s.writeMultipart(w,
			mockPart{"application/json", mustJSON(meta)},
			mockPart{r.Header.Get("Content-Type"), data},
		)
	case "tts":
		s.writeMultipart(w,
			mockPart{"application/json", mustJSON(meta)},
			mockPart{"audio/wav", s.tone(0.8, 440)},
		)
	case "llm_tts":
		meta["llm"] = s.reply(q.Get("session"), transcript["text"].(string))
		s.writeMultipart(w,
			mockPart{"application/json", mustJSON(meta)},
			mockPart{"audio/wav", s.tone(1.2, 523.25)},
		)
	default:
		http.Error(w, `{"error":"unknown return mode"}`, http.StatusBadRequest)
	}
}

func (s *MockVoiceServer) handleLLMTTS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading body", http.StatusBadRequest)
		return
	}

	session := r.URL.Query().Get("session")
	var heard string
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Text    string `json:"text"`
			Session string `json:"session"`
		}
		if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Text) == "" {
			http.Error(w, `{"error":"text required"}`, http.StatusBadRequest)
			return
		}
		heard = req.Text
		if req.Session != "" {
			session = req.Session
		}
	} else {
		heard = "I heard " + describeAudio(data)
	}

	s.logger.Info("LLM TTS request",
		slog.String("request_id", r.Header.Get("X-Request-ID")),
		slog.String("session", session),
		slog.Int("bytes", len(data)),
	)
	s.wait()

	meta := map[string]any{
		"transcript": map[string]any{"text": heard},
		"llm":        s.reply(session, heard),
	}
	s.writeMultipart(w,
		mockPart{"application/json", mustJSON(meta)},
		mockPart{"audio/wav", s.tone(1.2, 523.25)},
	)
}

func (s *MockVoiceServer) handleLLM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"ok":false,"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	session := r.URL.Query().Get("session")
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Query().Get("reset") == "1" {
		s.mu.Lock()
		delete(s.history, session)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "reset": true})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "reply": s.reply(session, req.Text)})
}

func (s *MockVoiceServer) handleTTS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	text := q.Get("text")
	if text == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}

	part, _ := strconv.Atoi(q.Get("part"))
	wav := s.tone(0.3+0.05*float64(len(text)%20), 330+55*float64(part%6))
	w.Header().Set("Content-Type", "audio/wav")

	if q.Get("stream") != "true" {
		w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
		_, _ = w.Write(wav)
		return
	}

	chunk, err := strconv.Atoi(q.Get("chunk"))
	if err != nil || chunk <= 0 {
		chunk = 32 * 1024
	}
	gap, err := strconv.Atoi(q.Get("gap"))
	if err != nil || gap < 0 {
		gap = 20
	}

	flusher, _ := w.(http.Flusher)
	for off := 0; off < len(wav); off += chunk {
		end := min(off+chunk, len(wav))
		if _, err := w.Write(wav[off:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if end < len(wav) && gap > 0 {
			select {
			case <-time.After(time.Duration(gap) * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
	}
}

// reply produces the assistant's canned answer and counts the turn
func (s *MockVoiceServer) reply(session, heard string) string {
	s.mu.Lock()
	s.history[session]++
	turn := s.history[session]
	s.mu.Unlock()
	return fmt.Sprintf("Turn %d: you said %q", turn, heard)
}

// tone renders a mono sine wave WAV
func (s *MockVoiceServer) tone(seconds, frequency float64) []byte {
	n := int(seconds * float64(s.opts.SampleRate))
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(s.opts.SampleRate)
		samples[i] = int16(8000 * math.Sin(2*math.Pi*frequency*t))
	}
	wav, err := audio.EncodeWAV(samples, s.opts.SampleRate, 1)
	if err != nil {
		s.logger.Error("Failed to encode tone", slog.String("error", err.Error()))
		return nil
	}
	return wav
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
